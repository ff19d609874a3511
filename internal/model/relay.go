// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// UploadRequest is an inbound multipart upload to be relayed upstream.
type UploadRequest struct {
	Ctx         context.Context
	ContentType string
	Header      http.Header
	Body        io.Reader
}

// ListRequest is an inbound file listing to be passed through upstream.
type ListRequest struct {
	Ctx      context.Context
	RawQuery string
	Header   http.Header
}

// RelayResponse is the upstream response to be streamed back to the client.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ErrorEnvelope is the JSON body returned for failures produced by the relay itself.
type ErrorEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

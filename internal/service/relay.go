// Package service implements the upload relay and the list pass-through.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"

	"upload-relay/internal/client"
	"upload-relay/internal/config"
	"upload-relay/internal/metrics"
	"upload-relay/internal/model"
)

var (
	// ErrNotMultipart is returned when the inbound Content-Type is not multipart/form-data.
	ErrNotMultipart = errors.New("request Content-Type isn't multipart/form-data")

	// ErrBodyRead is returned when the inbound body cannot be buffered.
	ErrBodyRead = errors.New("failed to read upload body")

	// ErrBodyTooLarge is returned when the upload exceeds server.body_max_bytes.
	ErrBodyTooLarge = errors.New("upload body too large")

	// ErrTooManyRedirects is returned when every attempt in the chain was redirected.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// hopByHopHeaders are stripped from upstream responses before they reach the client.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

const userAgent = "upload-relay/1.0"

// RelayService forwards uploads and listings to the file-storage backend.
type RelayService struct {
	client    *client.UpstreamClient
	logger    *slog.Logger
	metrics   *metrics.Metrics
	baseURL   *url.URL
	uploadURL string
	maxHops   int
	maxBody   int64
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if cfg.Upstream.MaxRedirects < 1 {
		return nil, fmt.Errorf("upstream.max_redirects must be at least 1; got %d", cfg.Upstream.MaxRedirects)
	}

	return &RelayService{
		client:    c,
		logger:    logger.With("component", "relay_service"),
		metrics:   m,
		baseURL:   u,
		uploadURL: cfg.Upstream.UploadURL(),
		maxHops:   cfg.Upstream.MaxRedirects,
		maxBody:   cfg.Server.BodyMaxBytes,
	}, nil
}

// Upload buffers the multipart body of ur and POSTs it upstream, following
// redirects by hand so every hop carries the same bytes and headers.
// The caller is responsible for closing the returned response body.
//
// Non-redirect statuses, and redirects without a Location header, are
// returned as-is. ErrTooManyRedirects is returned once the hop budget is spent.
// Bodies larger than server.body_max_bytes fail with ErrBodyTooLarge; a zero
// limit disables the cap.
func (s *RelayService) Upload(ur *model.UploadRequest) (*model.RelayResponse, error) {
	if !isMultipart(ur.ContentType) {
		s.observe(metrics.OutcomeInvalidContentType)
		return nil, ErrNotMultipart
	}

	body, err := s.readBody(ur.Body)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			s.observe(metrics.OutcomeBodyTooLarge)
		} else {
			s.observe(metrics.OutcomeBodyReadError)
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.UploadBytes.Observe(float64(len(body)))
	}

	header := uploadHeaders(ur)
	target := s.uploadURL

	s.logger.Debug("relaying upload",
		"size", humanize.IBytes(uint64(len(body))),
		"max_hops", s.maxHops,
	)

	for hop := 1; hop <= s.maxHops; hop++ {
		resp, err := s.client.Post(ur.Ctx, target, header.Clone(), body)
		if err != nil {
			s.observe(metrics.OutcomeTransportError)
			return nil, fmt.Errorf("relay upload (hop %d): %w", hop, err)
		}

		if !isFollowableRedirect(resp.StatusCode) {
			s.observe(metrics.OutcomeForwarded)
			resp.Header = filterResponseHeaders(resp.Header)
			return resp, nil
		}

		location := resp.Header.Get("Location")
		if location == "" {
			s.observe(metrics.OutcomeNoLocation)
			resp.Header = filterResponseHeaders(resp.Header)
			return resp, nil
		}

		next, err := s.resolveLocation(location)
		discard(resp.Body)
		if err != nil {
			s.observe(metrics.OutcomeTransportError)
			return nil, fmt.Errorf("relay upload (hop %d): bad Location %q: %w", hop, location, err)
		}

		s.logger.Debug("upstream redirected upload",
			"hop", hop,
			"status", resp.StatusCode,
			"location", next,
		)
		if s.metrics != nil {
			s.metrics.RedirectHops.Inc()
		}
		target = next
	}

	s.observe(metrics.OutcomeTooManyRedirects)
	s.logger.Warn("upload redirect budget exhausted", "max_hops", s.maxHops)
	return nil, ErrTooManyRedirects
}

// List forwards a file listing upstream and returns the response unmodified.
// The caller is responsible for closing the returned response body.
func (s *RelayService) List(lr *model.ListRequest) (*model.RelayResponse, error) {
	target := s.uploadURL
	if lr.RawQuery != "" {
		target += "?" + lr.RawQuery
	}

	header := lr.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Del("Host")
	header.Del("Content-Length")
	header.Set("Accept", "application/json")

	resp, err := s.client.Get(lr.Ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

// readBody buffers the whole upload, reading at most one byte past the limit.
func (s *RelayService) readBody(r io.Reader) ([]byte, error) {
	if s.maxBody > 0 {
		r = io.LimitReader(r, s.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBodyRead, err)
	}
	if s.maxBody > 0 && int64(len(body)) > s.maxBody {
		return nil, fmt.Errorf("%w: limit %s", ErrBodyTooLarge, humanize.IBytes(uint64(s.maxBody)))
	}
	return body, nil
}

// resolveLocation returns an absolute Location verbatim and resolves a
// relative one against the upstream base URL, never against the hop that
// issued it.
func (s *RelayService) resolveLocation(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return location, nil
	}
	return s.baseURL.ResolveReference(u).String(), nil
}

func (s *RelayService) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.RelayOutcomes.WithLabelValues(outcome).Inc()
	}
}

// uploadHeaders builds the fixed header set sent on every hop. Nothing else
// from the inbound request is forwarded.
func uploadHeaders(ur *model.UploadRequest) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", ur.ContentType)
	h.Set("Accept", "application/json")
	if auth := ur.Header.Get("Authorization"); auth != "" {
		h.Set("Authorization", auth)
	}
	h.Set("User-Agent", userAgent)
	return h
}

func isMultipart(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "multipart/form-data")
}

func isFollowableRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if !hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			dst[key] = vals
		}
	}
	return dst
}

// discard drains and closes a redirect body so the connection can be reused.
func discard(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

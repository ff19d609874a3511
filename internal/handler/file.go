package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"upload-relay/internal/model"
	"upload-relay/internal/service"
)

// secretPattern matches bearer tokens and token query parameters embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)(bearer\s+|access_token=|token=)[^&\s"]+`)

// tooManyRedirectsBody is the plain-text body sent when the hop budget runs out.
const tooManyRedirectsBody = "Too many redirects"

// FileHandler serves the upload relay and the file listing.
type FileHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewFileHandler creates a FileHandler.
func NewFileHandler(svc *service.RelayService, logger *slog.Logger) *FileHandler {
	return &FileHandler{
		service: svc,
		logger:  logger.With("component", "file_handler"),
	}
}

// Upload relays a multipart upload to the backend and streams its answer back.
func (h *FileHandler) Upload(c echo.Context) error {
	req := c.Request()
	resp, err := h.service.Upload(&model.UploadRequest{
		Ctx:         req.Context(),
		ContentType: req.Header.Get(echo.HeaderContentType),
		Header:      req.Header,
		Body:        req.Body,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return h.stream(c, resp)
}

// List passes a file listing through to the backend.
func (h *FileHandler) List(c echo.Context) error {
	req := c.Request()
	resp, err := h.service.List(&model.ListRequest{
		Ctx:      req.Context(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	return h.stream(c, resp)
}

func (h *FileHandler) stream(c echo.Context, resp *model.RelayResponse) error {
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a failed copy can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func (h *FileHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, service.ErrNotMultipart):
		h.logger.Warn("rejected upload", "err", err, "path", path)
		return envelope(c, http.StatusBadRequest, service.ErrNotMultipart.Error())

	case errors.Is(err, service.ErrBodyTooLarge):
		h.logger.Warn("rejected upload", "err", err, "path", path)
		return envelope(c, http.StatusRequestEntityTooLarge, service.ErrBodyTooLarge.Error())

	case errors.Is(err, service.ErrBodyRead):
		h.logger.Error("reading upload body", "err", err, "path", path)
		return envelope(c, http.StatusInternalServerError, service.ErrBodyRead.Error())

	case errors.Is(err, service.ErrTooManyRedirects):
		h.logger.Error("upstream redirect loop", "path", path)
		return c.String(http.StatusLoopDetected, tooManyRedirectsBody)
	}

	// Transport failures are a 502 carrying the error text.
	msg := sanitizeError(err)
	if errors.Is(err, context.Canceled) {
		h.logger.Warn("client disconnected", "err", msg, "path", path)
	} else {
		h.logger.Error("relay error", "err", msg, "path", path)
	}
	return envelope(c, http.StatusBadGateway, msg)
}

func envelope(c echo.Context, code int, message string) error {
	return c.JSON(code, model.ErrorEnvelope{Code: code, Message: message})
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}

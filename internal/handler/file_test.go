package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"upload-relay/internal/client"
	"upload-relay/internal/config"
	"upload-relay/internal/middleware"
	"upload-relay/internal/model"
	"upload-relay/internal/service"
)

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			UploadPath:      "/api/v1/file",
			MaxRedirects:    3,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

func newTestFileHandler(t *testing.T, baseURL string) *FileHandler {
	t.Helper()
	return newFileHandlerFromConfig(t, testConfig(baseURL))
}

func newFileHandlerFromConfig(t *testing.T, cfg *config.Config) *FileHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.NewRelayService(client.NewUpstreamClient(cfg, logger, nil), cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewRelayService: %v", err)
	}
	return NewFileHandler(svc, logger)
}

// multipartBody builds a single-file multipart form and returns it with its Content-Type.
func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var env model.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal envelope %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestFileHandler_Upload(t *testing.T) {
	gotFile := make(chan string, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("upstream ParseMultipartForm: %v", err)
		}
		f, _, err := r.FormFile("file")
		if err == nil {
			b, _ := io.ReadAll(f)
			gotFile <- string(b)
			_ = f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"f1","name":"logo.png"}`))
	}))
	defer upstream.Close()

	h := newTestFileHandler(t, upstream.URL)
	body, ct := multipartBody(t, "logo.png", "PNGDATA")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/file", body)
	req.Header.Set(echo.HeaderContentType, ct)
	req.Header.Set(echo.HeaderAuthorization, "Bearer tok")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if rec.Body.String() != `{"id":"f1","name":"logo.png"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	select {
	case got := <-gotFile:
		if got != "PNGDATA" {
			t.Errorf("upstream file content = %q, want %q", got, "PNGDATA")
		}
	default:
		t.Error("upstream did not receive the file part")
	}
}

func TestFileHandler_Upload_NotMultipart(t *testing.T) {
	h := newTestFileHandler(t, "http://127.0.0.1:1")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/file", strings.NewReader(`{"a":1}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != http.StatusBadRequest {
		t.Errorf("envelope code = %d, want %d", env.Code, http.StatusBadRequest)
	}
	if env.Message != "request Content-Type isn't multipart/form-data" {
		t.Errorf("envelope message = %q", env.Message)
	}
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestFileHandler_Upload_BodyReadError(t *testing.T) {
	h := newTestFileHandler(t, "http://127.0.0.1:1")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/file", brokenBody{})
	req.Header.Set(echo.HeaderContentType, "multipart/form-data; boundary=abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != http.StatusInternalServerError || env.Message != "failed to read upload body" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestFileHandler_Upload_TooManyRedirects(t *testing.T) {
	var n atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", fmt.Sprintf("/loop/%d", n.Add(1)))
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	h := newTestFileHandler(t, upstream.URL)
	body, ct := multipartBody(t, "a.txt", "hello")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/file", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if rec.Code != http.StatusLoopDetected {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusLoopDetected)
	}
	if rec.Body.String() != "Too many redirects" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "Too many redirects")
	}
}

func TestFileHandler_Upload_TransportError(t *testing.T) {
	h := newTestFileHandler(t, "http://127.0.0.1:1")
	body, ct := multipartBody(t, "a.txt", "hello")

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/file", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	env := decodeEnvelope(t, rec)
	if env.Code != http.StatusBadGateway {
		t.Errorf("envelope code = %d, want %d", env.Code, http.StatusBadGateway)
	}
	if env.Message == "" {
		t.Error("expected the transport error text in the envelope message")
	}
}

func TestFileHandler_Upload_BodyLimit(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	cfg.Server.BodyMaxBytes = 1024
	h := newFileHandlerFromConfig(t, cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.Use(middleware.BodyLimit(cfg.Server.BodyMaxBytes, "/api/file"))
	e.POST("/api/file", h.Upload)
	e.POST("/echo", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	big, bigCT := multipartBody(t, "big.bin", strings.Repeat("x", 4096))
	small, smallCT := multipartBody(t, "small.txt", "hello")

	tests := []struct {
		name        string
		path        string
		contentType string
		body        []byte
		chunked     bool
		wantStatus  int
		wantMsg     string
		wantCalls   int32
	}{
		{
			name:        "oversized multipart",
			path:        "/api/file",
			contentType: bigCT,
			body:        big.Bytes(),
			wantStatus:  http.StatusRequestEntityTooLarge,
			wantMsg:     "upload body too large",
		},
		{
			name:        "oversized multipart without Content-Length",
			path:        "/api/file",
			contentType: bigCT,
			body:        big.Bytes(),
			chunked:     true,
			wantStatus:  http.StatusRequestEntityTooLarge,
			wantMsg:     "upload body too large",
		},
		{
			name:        "oversized non-multipart is still a 400",
			path:        "/api/file",
			contentType: "text/plain",
			body:        big.Bytes(),
			wantStatus:  http.StatusBadRequest,
			wantMsg:     "request Content-Type isn't multipart/form-data",
		},
		{
			name:        "other route uses the middleware limit",
			path:        "/echo",
			contentType: "application/octet-stream",
			body:        big.Bytes(),
			wantStatus:  http.StatusRequestEntityTooLarge,
			wantMsg:     "Request Entity Too Large",
		},
		{
			name:        "within limit is relayed",
			path:        "/api/file",
			contentType: smallCT,
			body:        small.Bytes(),
			wantStatus:  http.StatusCreated,
			wantCalls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)

			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, tt.contentType)
			if tt.chunked {
				req.ContentLength = -1
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantMsg != "" {
				env := decodeEnvelope(t, rec)
				if env.Code != tt.wantStatus || env.Message != tt.wantMsg {
					t.Errorf("envelope = %+v, want {%d %q}", env, tt.wantStatus, tt.wantMsg)
				}
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("upstream calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestFileHandler_List(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "page=1&size=20" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "page=1&size=20")
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer upstream.Close()

	h := newTestFileHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/file?page=1&size=20", http.NoBody)
	req.Header.Set(echo.HeaderAuthorization, "Bearer tok")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.List(c); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != `{"items":[]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestFileHandler_mapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{
			name:       "body too large",
			err:        fmt.Errorf("%w: limit 1.0 KiB", service.ErrBodyTooLarge),
			wantStatus: http.StatusRequestEntityTooLarge,
			wantMsg:    "upload body too large",
		},
		{
			name:       "deadline",
			err:        fmt.Errorf("relay upload (hop 1): %w", context.DeadlineExceeded),
			wantStatus: http.StatusBadGateway,
			wantMsg:    "relay upload (hop 1): context deadline exceeded",
		},
		{
			name:       "canceled",
			err:        fmt.Errorf("relay upload (hop 2): %w", context.Canceled),
			wantStatus: http.StatusBadGateway,
			wantMsg:    "relay upload (hop 2): context canceled",
		},
		{
			name:       "dns",
			err:        fmt.Errorf("relay upload (hop 1): %w", &net.DNSError{Err: "no such host", Name: "files.internal"}),
			wantStatus: http.StatusBadGateway,
			wantMsg:    "relay upload (hop 1): lookup files.internal: no such host",
		},
		{
			name:       "other",
			err:        fmt.Errorf("relay upload (hop 1): connection reset"),
			wantStatus: http.StatusBadGateway,
			wantMsg:    "relay upload (hop 1): connection reset",
		},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &FileHandler{logger: logger}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/file", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.mapError(c, tt.err); err != nil {
				t.Fatalf("mapError() returned error: %v", err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			env := decodeEnvelope(t, rec)
			if env.Code != tt.wantStatus {
				t.Errorf("envelope code = %d, want %d", env.Code, tt.wantStatus)
			}
			if env.Message != tt.wantMsg {
				t.Errorf("envelope message = %q, want %q", env.Message, tt.wantMsg)
			}
		})
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		name string
		err  string
		want string
	}{
		{
			name: "redacts bearer token",
			err:  `upstream rejected Authorization: Bearer abc.def.ghi`,
			want: `upstream rejected Authorization: Bearer [REDACTED]`,
		},
		{
			name: "redacts token query param",
			err:  `Post "http://files/api/v1/file?token=secret&x=1": EOF`,
			want: `Post "http://files/api/v1/file?token=[REDACTED]&x=1": EOF`,
		},
		{
			name: "redacts access_token",
			err:  `Get "http://files/api/v1/file?access_token=secret": EOF`,
			want: `Get "http://files/api/v1/file?access_token=[REDACTED]": EOF`,
		},
		{
			name: "no secret unchanged",
			err:  "connection refused",
			want: "connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeError(fmt.Errorf("%s", tt.err)); got != tt.want {
				t.Errorf("sanitizeError() = %q, want %q", got, tt.want)
			}
		})
	}
}

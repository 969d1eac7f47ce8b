// Package httpapi is the operational HTTP surface: liveness, health and
// read-only access to the on-air projection.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"homectrl/pkg/utils"
)

const (
	RequestIDHeader = "X-Request-ID"

	ReadHeaderTimeout = 5 * time.Second
	ReadTimeout       = 30 * time.Second
	WriteTimeout      = 30 * time.Second
	IdleTimeout       = 120 * time.Second
	ShutdownTimeout   = 30 * time.Second
)

const zeroUUID = "00000000-0000-0000-0000-000000000000"

type HTTPServer struct {
	l      *slog.Logger
	server *http.Server
}

func NewHTTPServer(l *slog.Logger, addr string, handler http.Handler) *HTTPServer {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}
	srv.SetKeepAlivesEnabled(true)

	return &HTTPServer{
		l:      l.With(slog.String("component", "http-server")),
		server: srv,
	}
}

func (s *HTTPServer) StartOnBackground(cancel context.CancelFunc) {
	go func() {
		s.l.Info("starting", "addr", s.server.Addr)

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("failed", utils.ErrAttr(err))
			cancel()
		}
	}()
}

func (s *HTTPServer) ShutdownWithDefaultTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// ErrorResponse is the unified error response type.
//
//nolint:errname // ErrorResponse is an API response type, not a traditional error
type ErrorResponse struct {
	// HTTP status code (internal only, not sent to client)
	StatusCode int `json:"-"`
	// Request ID for tracking
	RequestID string `json:"requestID"`
	// High-level error message
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

// NewError creates a simple error response.
func NewError(statusCode int, message string) *ErrorResponse {
	return &ErrorResponse{
		StatusCode: statusCode,
		Message:    message,
	}
}

// HandlerFunc is a HTTP handler that can return an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ErrorHandler wraps handlers with error handling.
func ErrorHandler(fn HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := GetLoggerFromContext(r.Context())
		requestID := GetRequestIDFromContext(r.Context())

		err := fn(w, r)
		if err == nil {
			return
		}

		// Expected HTTP errors go back to the client as-is.
		var httpErr *ErrorResponse
		if errors.As(err, &httpErr) {
			httpErr.RequestID = requestID
			l.Warn("handler returned HTTP error", "status", httpErr.StatusCode, "message", httpErr.Message)
			RespondJSON(w, r, httpErr.StatusCode, httpErr)

			return
		}

		// Internal errors get logged with full context, but the client sees
		// a generic message.
		l.Error("internal error", utils.ErrAttr(err))
		RespondJSON(w, r, http.StatusInternalServerError, &ErrorResponse{
			RequestID: requestID,
			Message:   "Internal Server Error",
		})
	}
}

// RespondJSON sends a JSON response with the given status code. If data is
// nil, only headers are sent. Encoding errors are logged; the status code is
// already on the wire by then.
func RespondJSON(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data == nil {
		return
	}

	l := GetLoggerFromContext(r.Context())
	if err := utils.ToJSONStream(w, data); err != nil {
		l.Error("failed to encode JSON response", utils.ErrAttr(err))
	}
}

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"upsrouter/internal/api"
	"upsrouter/internal/config"
	"upsrouter/internal/logging"
	"upsrouter/internal/services"
	"upsrouter/internal/ups"
)

const (
	maxRequestBody  = 16 << 20
	requestIDHeader = "X-Request-ID"
)

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Server.Bind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	protected := http.NewServeMux()
	protected.HandleFunc("POST /ups-rs/workitems", srv.handleCreateWorkitem)
	protected.HandleFunc("GET /ups-rs/workitems", srv.handleQueryWorkitems)
	protected.HandleFunc("GET /ups-rs/workitems/{uid}", srv.handleGetWorkitem)
	protected.HandleFunc("POST /ups-rs/workitems/{uid}", srv.handleMirrorWorkitem)
	protected.HandleFunc("PUT /ups-rs/workitems/{uid}/state", srv.handleUpdateState)
	protected.HandleFunc("POST /ups-rs/workitems/{uid}/subscribers", srv.handleSubscribe)
	protected.HandleFunc("DELETE /ups-rs/workitems/{uid}/subscribers/{url...}", srv.handleUnsubscribe)
	protected.HandleFunc("POST /ups-rs/subscribers/global", srv.handleGlobalSubscribe)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.Handle("/", authMiddleware(strings.TrimSpace(cfg.Server.APIToken), protected))

	srv.handler = srv.requestContext(mux)
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return errors.New("server.bind is empty")
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		s.stop()
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.bind
	}
	return s.listener.Addr().String()
}

// requestContext assigns a request id, echoes it and attaches it to the
// request context for log correlation.
func (s *apiServer) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := services.WithRequestID(r.Context(), id)
		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		logging.WithContext(ctx, s.logger).Debug("request served",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Duration("duration", time.Since(start)),
		)
	})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

// writeDICOM writes a workitem or list of workitems as DICOM JSON.
func (s *apiServer) writeDICOM(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, nil, fmt.Errorf("encode workitem: %w", err))
		return
	}
	w.Header().Set("Content-Type", ups.MediaType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError maps err to a status code and writes {"error": ...}. Server
// side failures are logged with the request context.
func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := s.logger
		if r != nil {
			logger = logging.WithContext(r.Context(), logger)
		}
		logging.ErrorWithContext(logger, "request failed", "api_request_failed",
			logging.Error(err),
			logging.Int("status", status),
		)
	}
	s.writeJSON(w, status, api.ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ups.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, ups.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return services.HTTPStatus(err)
	}
}

func decodeBody(r *http.Request, w http.ResponseWriter, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return services.Wrap(services.ErrValidation, "api", "decode body", "request body is not valid JSON", err)
	}
	return nil
}

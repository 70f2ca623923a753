package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"counselbook/internal/config"
	"counselbook/internal/domain"
	"counselbook/internal/metrics"
	"counselbook/internal/service"
	"counselbook/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// HTTPDeps groups the services behind the REST and real-time surfaces.
type HTTPDeps struct {
	Slots      *service.SlotService
	Bookings   *service.BookingService
	Rooms      *session.Coordinator
	Extensions *session.Negotiator
	Checks     map[string]ReadinessCheck
}

// HTTPServer exposes the REST API and the real-time channel.
type HTTPServer struct {
	cfg      config.APIConfig
	deps     HTTPDeps
	tokens   *TokenVerifier
	limiter  *rateLimiter
	realtime *Realtime
	server   *http.Server
	log      zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, sessionCfg config.SessionConfig, deps HTTPDeps, logger *zerolog.Logger) *HTTPServer {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "http").Logger()
	}

	srv := &HTTPServer{
		cfg:     cfg,
		deps:    deps,
		tokens:  NewTokenVerifier(cfg.JWT),
		limiter: newRateLimiter(cfg.RateLimit),
		log:     base,
	}
	srv.realtime = NewRealtime(deps.Rooms, deps.Extensions, srv.tokens, sessionCfg.OutboundQueueSize, logger)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	return srv
}

// Handler returns the routed handler wrapped in the logging middleware.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /ws", s.realtime)
	mux.Handle("GET /api/v1/slots/available/{providerID}", s.public(s.handleAvailableSlots))

	mux.Handle("POST /api/v1/slots", s.authed(s.handleCreateSlot))
	mux.Handle("GET /api/v1/slots", s.authed(s.handleOwnSlots))
	mux.Handle("GET /api/v1/slots/{id}", s.authed(s.handleGetSlot))
	mux.Handle("PUT /api/v1/slots/{id}", s.authed(s.handleUpdateSlot))
	mux.Handle("DELETE /api/v1/slots/{id}", s.authed(s.handleDeleteSlot))

	mux.Handle("POST /api/v1/bookings", s.authed(s.handleCreateBooking))
	mux.Handle("GET /api/v1/bookings/mine", s.authed(s.handleMyBookings))
	mux.Handle("GET /api/v1/bookings/provider", s.authed(s.handleProviderBookings))
	mux.Handle("GET /api/v1/bookings/export", s.authed(s.handleExportBookings))
	mux.Handle("GET /api/v1/bookings/{id}", s.authed(s.handleGetBooking))
	mux.Handle("PUT /api/v1/bookings/{id}/status", s.authed(s.handleUpdateStatus))
	mux.Handle("PUT /api/v1/bookings/{id}/complete", s.authed(s.handleComplete))
	mux.Handle("POST /api/v1/bookings/{id}/feedback", s.authed(s.handleFeedback))

	mux.Handle("GET /api/v1/sessions/by-booking/{id}", s.authed(s.handleSessionView))

	return s.loggingMiddleware(mux)
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes live real-time connections.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.realtime.CloseAll()
	return s.server.Shutdown(ctx)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, id *Identity)

// authed requires a valid bearer token and applies the per-identity rate limit.
func (s *HTTPServer) authed(next identityHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "unauthenticated")
			return
		}
		id, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid identity token", "unauthenticated")
			return
		}
		if !s.limiter.allow("user:" + id.UserID) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", domain.Kind(domain.ErrRateLimited))
			return
		}
		next(w, r.WithContext(withIdentity(r.Context(), id)), id)
	})
}

// public applies the rate limit by remote host.
func (s *HTTPServer) public(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow("host:" + remoteHost(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", domain.Kind(domain.ErrRateLimited))
			return
		}
		next(w, r)
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.IncHTTP(route, strconv.Itoa(recorder.status))

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message, kind string) {
	writeJSON(w, statusCode, errorResponse{Error: message, Kind: kind})
}

// writeDomainError maps err through the taxonomy and writes it.
func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error, code int) {
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, code, publicMessage(err, code), domain.Kind(err))
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection over to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-live/internal/observability"
)

const requestIDHeader = "X-Request-ID"

// unmatchedRoute labels requests no route template claimed.
const unmatchedRoute = "unmatched"

// requestScope travels in the request context. Its logger already carries
// request_id and, for ride routes, ride_id.
type requestScope struct {
	id     string
	logger *slog.Logger
}

type scopeKey struct{}

func (s *Server) registerMiddleware() {
	s.mux.Use(s.withScope, s.withMetrics, s.withRecovery)
}

func (s *Server) withScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)

		route := routeOf(r)
		logger := s.logger.With("request_id", id, "route", route)
		if rideID, ok := mux.Vars(r)["ride_id"]; ok {
			logger = logger.With("ride_id", rideID)
		}
		sc := &requestScope{id: id, logger: logger}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey{}, sc)))
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.log(r).Error("inspection handler panicked", "panic", p)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeOf(r)
		code := strconv.Itoa(rec.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case rec.status >= http.StatusInternalServerError:
			level = slog.LevelWarn
		case route == "/healthz" || route == "/metrics":
			level = slog.LevelDebug
		}
		s.log(r).Log(r.Context(), level, "inspection_request",
			"method", r.Method,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// log returns the request's scoped logger, or the server logger outside a
// scoped request.
func (s *Server) log(r *http.Request) *slog.Logger {
	if sc, ok := r.Context().Value(scopeKey{}).(*requestScope); ok {
		return sc.logger
	}
	return s.logger
}

func requestID(r *http.Request) string {
	if sc, ok := r.Context().Value(scopeKey{}).(*requestScope); ok {
		return sc.id
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func routeOf(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tmpl, err := cur.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return unmatchedRoute
}

package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFrom returns the request ID tagged on ctx, or "" outside a request
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// tagRequest carries the caller's X-Request-ID, or a fresh one, in the
// context and echoes it on the response
func (s *Server) tagRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// recorder keeps the status and body size a handler produced
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rec *recorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}

// logRequests writes one access line per request, named by route template
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &recorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		fields := []zap.Field{
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", routeOf(r)),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("elapsed", time.Since(start)),
		}
		if key, ok := mux.Vars(r)["key"]; ok {
			fields = append(fields, zap.String("key", key))
		}
		switch {
		case rec.status >= http.StatusInternalServerError:
			s.logger.Warn("Admin request failed", fields...)
		default:
			s.logger.Debug("Admin request", fields...)
		}
	})
}

func routeOf(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// recoverPanics answers a panicking handler with an internal error
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("Admin handler panicked",
					zap.String("request_id", RequestIDFrom(r.Context())),
					zap.String("route", routeOf(r)),
					zap.Any("panic", v),
					zap.Stack("stack"))
				s.writeError(w, r, http.StatusInternalServerError, cerrors.ErrCodeInternal.String(), "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// bound gives handlers the configured request deadline
func (s *Server) bound(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// throttle sheds requests above the configured rate
type throttle struct {
	limiter    *rate.Limiter
	retryAfter string
}

func newThrottle(perSecond float64, burst int) *throttle {
	if burst <= 0 {
		burst = 1
	}
	return &throttle{
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		retryAfter: strconv.Itoa(int(math.Ceil(1 / perSecond))),
	}
}

func (s *Server) limit(t *throttle) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !t.limiter.Allow() {
				s.logger.Warn("Admin request throttled",
					zap.String("request_id", RequestIDFrom(r.Context())),
					zap.String("route", routeOf(r)))
				w.Header().Set("Retry-After", t.retryAfter)
				s.writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

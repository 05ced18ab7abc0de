package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/droverhq/drover/pkg/fault"
	"github.com/droverhq/drover/pkg/metrics"
)

// observe records per-request metrics and one debug log line. The
// route label is the matched chi pattern, so path parameters do not
// explode metric cardinality. It also recovers handler panics into a
// 500 so one bad request cannot take the server down.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panicked")
				if ww.Status() == 0 {
					writeJSON(ww, http.StatusInternalServerError, errorBody{
						Code:    fault.CodeInternal,
						Message: "internal error",
					})
				}
			}

			route := r.Method + " " + routePattern(r)
			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
			metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
			s.logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("Request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// throttle applies the global request budget. Probes and metrics sit
// outside this middleware; only /v1 traffic spends tokens.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			metrics.APIRateLimited.Inc()
			s.error(w, r, fault.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

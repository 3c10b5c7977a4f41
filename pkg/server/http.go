package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/aeolun/wisp/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// routes builds the HTTP surface: the WebSocket transport, metrics and health
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/health", s.handleHealth)

	return r
}

// requestLogger logs each request once it completes
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("remote_addr", r.RemoteAddr).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// handleWebSocket upgrades the request and runs a WISP session over it.
// The handler returns when the session ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	if !s.track() {
		conn.Close()
		return
	}
	defer s.wg.Done()
	s.serveConn(conn, "websocket")
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		Sessions: s.registry.Count(),
	})
}

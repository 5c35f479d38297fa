package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"codebridge/internal/config"
	"codebridge/internal/monitor"
	"codebridge/internal/sandbox"
	"codebridge/internal/session"
)

// Server is the HTTP surface: run submission, health, metrics, optional
// code review, and the websocket upgrade endpoint.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	backend    sandbox.Backend
	startTime  time.Time
}

// NewServer wires all routes and middleware. wsHandler and reviewHandler
// are injected so this package stays ignorant of the gateway and review
// internals; a nil reviewHandler leaves /review unmounted.
func NewServer(cfg *config.Config, backend sandbox.Backend, sessions *session.Manager, wsHandler http.HandlerFunc, reviewHandler http.Handler, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(sessions, backend, cfg.Workspace.Root, metrics)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		backend:   backend,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /run", handlers.HandleRun)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}
	if reviewHandler != nil {
		mux.Handle("POST /review", reviewHandler)
	}

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = CORSMiddleware(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	// The websocket upgrade needs http.Hijacker, which the logging
	// middleware's recorder hides, so /ws bypasses the chain.
	root := http.NewServeMux()
	root.HandleFunc("GET /ws", wsHandler)
	root.Handle("/", handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	backendOK := s.backend != nil && s.backend.Healthy(ctx)
	workspaceOK := s.handlers.workspaceWritable()

	resp := HealthResponse{
		Status:    "ok",
		Backend:   backendOK,
		Workspace: workspaceOK,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
	if !backendOK || !workspaceOK {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

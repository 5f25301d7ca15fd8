// Package server exposes the enforcement core over HTTP: a check endpoint
// for demos and probes, admin operations, Prometheus metrics and a
// WebSocket alert stream.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeketx/limitguard/internal/clock"
	"github.com/zeketx/limitguard/internal/enforcer"
	"github.com/zeketx/limitguard/internal/engine"
	"github.com/zeketx/limitguard/internal/rules"
)

// Server is the limitguard HTTP server.
type Server struct {
	httpServer  *http.Server
	enforcer    *enforcer.Enforcer
	clock       clock.Clock
	logger      hclog.Logger
	mux         *http.ServeMux
	hub         *Hub
	unsubscribe func()
}

// New creates a server wired to the enforcer. Alerts fired by the monitor
// are streamed to WebSocket clients; reg backs the /metrics endpoint.
func New(addr string, enf *enforcer.Enforcer, clk clock.Clock, logger hclog.Logger, reg *prometheus.Registry) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		enforcer: enf,
		clock:    clk,
		logger:   logger,
		mux:      http.NewServeMux(),
		hub:      NewHub(logger),
	}
	s.unsubscribe = enf.Subscribe(s.hub.Broadcast)
	s.routes(reg)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes(reg *prometheus.Registry) {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/check", s.handleCheck)
	s.mux.HandleFunc("/api/check/", s.handleCheckIdentifier)
	s.mux.HandleFunc("/api/usage/", s.handleUsage)
	s.mux.HandleFunc("/api/unblock/", s.handleUnblock)
	s.mux.HandleFunc("/api/reset/", s.handleReset)
	s.mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	if reg != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"service": "limitguard",
		"status":  "running",
		"time":    s.clock.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleCheck evaluates using the client IP as the identifier.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.respondWithDecision(w, r, clientIdentifier(r))
}

// handleCheckIdentifier evaluates using the identifier from the URL path.
// Path: /api/check/{identifier}
func (s *Server) handleCheckIdentifier(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Path[len("/api/check/"):]
	if identifier == "" {
		http.Error(w, `{"error":"identifier is required"}`, http.StatusBadRequest)
		return
	}
	s.respondWithDecision(w, r, identifier)
}

func (s *Server) respondWithDecision(w http.ResponseWriter, r *http.Request, identifier string) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		endpoint = "http.request"
	}
	outcome := engine.Outcome(r.URL.Query().Get("outcome"))
	if outcome == "" {
		outcome = engine.OutcomePending
	}

	decision := s.enforcer.Evaluate(r.Context(), enforcer.RequestContext{
		Identifier: identifier,
		Endpoint:   endpoint,
		Tier:       callerTier(r),
		Outcome:    outcome,
		Metadata: map[string]string{
			"user_agent": r.UserAgent(),
		},
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
	w.Header().Set("X-RateLimit-Reset", decision.ResetAt.Format(time.RFC3339))

	if !decision.Allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())+1))
		w.WriteHeader(http.StatusTooManyRequests)
	}

	json.NewEncoder(w).Encode(decision)
}

// handleUsage reports the identifier's windows, block and violation state.
// Path: /api/usage/{identifier}
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Path[len("/api/usage/"):]
	if identifier == "" {
		http.Error(w, `{"error":"identifier is required"}`, http.StatusBadRequest)
		return
	}

	stats, err := s.enforcer.GetUsage(r.Context(), identifier)
	if err != nil {
		s.logger.Error("usage lookup failed", "identifier", identifier, "error", err)
		http.Error(w, `{"error":"usage unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleUnblock lifts a quarantine. Path: POST /api/unblock/{identifier}
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
		return
	}
	identifier := r.URL.Path[len("/api/unblock/"):]
	if identifier == "" {
		http.Error(w, `{"error":"identifier is required"}`, http.StatusBadRequest)
		return
	}

	if err := s.enforcer.Unblock(r.Context(), identifier); err != nil {
		s.logger.Error("unblock failed", "identifier", identifier, "error", err)
		http.Error(w, `{"error":"unblock failed"}`, http.StatusServiceUnavailable)
		return
	}
	s.logger.Info("identifier unblocked", "identifier", identifier)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "unblocked", "identifier": identifier})
}

// handleReset clears one counter window.
// Path: POST /api/reset/{identifier}?endpoint=api.search
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"POST required"}`, http.StatusMethodNotAllowed)
		return
	}
	identifier := r.URL.Path[len("/api/reset/"):]
	endpoint := r.URL.Query().Get("endpoint")
	if identifier == "" || endpoint == "" {
		http.Error(w, `{"error":"identifier and endpoint are required"}`, http.StatusBadRequest)
		return
	}

	if err := s.enforcer.Reset(r.Context(), identifier, endpoint); err != nil {
		s.logger.Error("reset failed", "identifier", identifier, "endpoint", endpoint, "error", err)
		http.Error(w, `{"error":"reset failed"}`, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset", "identifier": identifier, "endpoint": endpoint})
}

// clientIdentifier derives the caller's identity: API key first, then the
// forwarded address, then the socket peer.
func clientIdentifier(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

func callerTier(r *http.Request) rules.Tier {
	if t := rules.Tier(r.URL.Query().Get("tier")); t.Rank() >= 0 {
		return t
	}
	return rules.TierAnonymous
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("server listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.Info("server listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and stops the alert stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	return s.httpServer.Shutdown(ctx)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/attune/pkg/log"
	"github.com/cuemby/attune/pkg/metrics"
)

// StatusFunc returns the broker health report. A non-nil error marks the
// cluster unhealthy.
type StatusFunc func() (string, error)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	mux     *http.ServeMux
	status  StatusFunc
	version string

	mu     sync.Mutex
	server *http.Server
	addr   string
}

// NewHealthServer creates a new health check HTTP server. status may be nil
// for daemons that have no cluster report; /status then answers 404.
func NewHealthServer(version string, status StatusFunc) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		mux:     mux,
		status:  status,
		version: version,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())
	if status != nil {
		mux.HandleFunc("/status", hs.statusHandler)
	}

	return hs
}

// Start binds addr and serves in the background.
func (hs *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hs.mu.Lock()
	hs.server = server
	hs.addr = lis.Addr().String()
	hs.mu.Unlock()

	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Logger.Error().Err(err).Msg("Health server stopped")
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (hs *HealthServer) Addr() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.addr
}

// Shutdown stops the server, waiting for in-flight requests until ctx
// expires.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	server := hs.server
	hs.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// StatusResponse is the body of /status
type StatusResponse struct {
	Status    string    `json:"status"` // "healthy" or "unhealthy"
	Timestamp time.Time `json:"timestamp"`
	Report    string    `json:"report"`
	Error     string    `json:"error,omitempty"`
}

// healthHandler is a liveness check: 200 while the process serves
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	})
}

// readyHandler reports the component registry
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	readiness := metrics.GetReadiness()
	statusCode := http.StatusOK
	if readiness.Status != "ready" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, readiness)
}

// statusHandler returns the cluster health report
func (hs *HealthServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := hs.status()
	response := StatusResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Report:    report,
	}
	statusCode := http.StatusOK
	if err != nil {
		response.Status = "unhealthy"
		response.Error = err.Error()
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

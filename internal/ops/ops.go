// Package ops serves the operational HTTP surface on a loopback-friendly
// port: liveness, Prometheus exposition, and the attestation document.
// Nothing here touches credentials or business data.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/equivault/enclave-worker/internal/attestation"
	"github.com/equivault/enclave-worker/internal/memguard"
	"github.com/equivault/enclave-worker/internal/telemetry"
)

// Server is the ops listener.
type Server struct {
	port        int
	metrics     *telemetry.Metrics
	attestation *attestation.Result
	guard       *memguard.Guard
	scheduler   interface{ Status() map[string]interface{} }
	logger      *telemetry.Logger
	httpServer  *http.Server
	started     time.Time
}

// New creates the ops server. Metrics may be nil when exposition is
// disabled; attestation may be nil in development mode.
func New(port int, metrics *telemetry.Metrics, result *attestation.Result, guard *memguard.Guard, sched interface{ Status() map[string]interface{} }) *Server {
	return &Server{
		port:        port,
		metrics:     metrics,
		attestation: result,
		guard:       guard,
		scheduler:   sched,
		logger:      telemetry.NewLogger("OPS"),
		started:     time.Now(),
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/attestation", s.handleAttestation).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops listener failed", err, nil)
		}
	}()
	s.logger.Info("ops listening", map[string]interface{}{"port": s.port})
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.scheduler != nil {
		payload["scheduler"] = s.scheduler.Status()
	}
	if s.guard != nil {
		payload["memory_guard"] = s.guard.Status()
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleAttestation publishes the verified launch evidence. Measurement
// and platform version are public by design; they are what a relying
// party checks against its policy.
func (s *Server) handleAttestation(w http.ResponseWriter, _ *http.Request) {
	if s.attestation == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"verified": false,
			"reason":   "attestation not available in this mode",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verified":         s.attestation.Verified,
		"measurement":      s.attestation.Measurement,
		"chip_id":          s.attestation.ChipID,
		"platform_version": s.attestation.PlatformVersion,
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

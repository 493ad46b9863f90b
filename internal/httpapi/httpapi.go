// Package httpapi exposes the activation surface (spec §6) as a small
// REST API, standing in for the D-Bus properties interface the original
// exposes over sdbusplus, grounded in the teacher's
// internal/cloudhub/server/http.Server shape, with its fixed routes
// registered on a gorilla/mux router.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openbmc-pldm/fwupdated/internal/manager"
	"github.com/openbmc-pldm/fwupdated/internal/pkg/metrics"
	"github.com/openbmc-pldm/fwupdated/pkg/log"
	"github.com/openbmc-pldm/fwupdated/pkg/options"
)

// Server exposes GET/PUT on the package-level activation properties plus
// /metrics and a liveness probe.
type Server struct {
	server *http.Server
	mgr    *manager.Manager
}

func NewServer(opts *options.HttpOptions, mgr *manager.Manager) *Server {
	r := mux.NewRouter()
	s := &Server{mgr: mgr}

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/activation", s.handleGetActivation).Methods(http.MethodGet)
	r.HandleFunc("/v1/activation/requested", s.handlePutRequestedActivation).Methods(http.MethodPut)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:    opts.Addr,
		Handler: r,
	}
	return s
}

func (s *Server) Start(ctx context.Context) error {
	log.Info("starting activation-surface HTTP server", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type activationResponse struct {
	Activation      string `json:"activation"`
	Progress        int    `json:"progress"`
	PackageVersion  string `json:"packageVersion,omitempty"`
	Digest          string `json:"digest,omitempty"`
	DigestAlgorithm string `json:"digestAlgorithm,omitempty"`
}

func (s *Server) handleGetActivation(w http.ResponseWriter, r *http.Request) {
	act, pct := s.mgr.Activation()
	resp := activationResponse{Activation: string(act), Progress: pct}
	if version, digest, algorithm, ok := s.mgr.PackageVersion(); ok {
		resp.PackageVersion = version
		resp.Digest = digest
		resp.DigestAlgorithm = algorithm
	}
	writeJSON(w, http.StatusOK, resp)
}

type requestedActivation struct {
	RequestedActivation string `json:"requestedActivation"`
}

// handlePutRequestedActivation is the edge spec §6 describes: writing
// RequestedActivation=Active on the activation surface starts every
// matched Device Updater.
func (s *Server) handlePutRequestedActivation(w http.ResponseWriter, r *http.Request) {
	var req requestedActivation
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RequestedActivation != "Active" {
		http.Error(w, "only RequestedActivation=Active is supported", http.StatusBadRequest)
		return
	}

	if err := s.mgr.Activate(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

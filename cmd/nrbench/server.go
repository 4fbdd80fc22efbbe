package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/noderep/internal/monitor"
	"github.com/dreamware/noderep/internal/topology"
)

// debugServer exposes a running benchmark over HTTP.
//
// Endpoints:
//
//	/health   200 while every monitored replica keeps up, 503 otherwise
//	/info     run id, topology, workload state and replica lag as JSON
//	/metrics  Prometheus exposition of every log and replica
type debugServer struct {
	bench  *Bench
	srv    *http.Server
	ln     net.Listener
	logger *zap.Logger
}

func newDebugServer(b *Bench, addr string) (*debugServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	for _, c := range b.wl.Collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if b.mon != nil {
		for _, c := range b.mon.PrometheusCollectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &debugServer{bench: b, ln: ln, logger: b.logger}
	s.srv = &http.Server{
		Handler:           s.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *debugServer) routes(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// Addr returns the bound address, useful when listening on port 0.
func (s *debugServer) Addr() string { return s.ln.Addr().String() }

// Serve blocks until Shutdown.
func (s *debugServer) Serve() {
	s.logger.Info("debug server listening", zap.String("addr", s.Addr()))
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("debug server failed", zap.Error(err))
	}
}

func (s *debugServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("debug server shutdown", zap.Error(err))
	}
}

func (s *debugServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	mon := s.bench.Monitor()
	if mon == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	for _, h := range mon.All() {
		if h.Status == monitor.StatusLagging {
			http.Error(w, "replica lagging", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *debugServer) handleInfo(w http.ResponseWriter, _ *http.Request) {
	b := s.bench
	response := struct {
		RunID    string                  `json:"run_id"`
		Workload string                  `json:"workload"`
		Baseline bool                    `json:"baseline"`
		Topology *topology.Topology      `json:"topology,omitempty"`
		State    any                     `json:"state"`
		Replicas []monitor.ReplicaHealth `json:"replicas,omitempty"`
	}{
		RunID:    b.runID,
		Workload: b.cfg.Bench.Workload,
		Baseline: b.cfg.Bench.Baseline,
		Topology: b.topo,
		State:    b.wl.Info(),
	}
	if mon := b.Monitor(); mon != nil {
		response.Replicas = mon.All()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

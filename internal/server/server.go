// Package server is the small HTTP side of the bot: a keep-alive page for
// hosting platforms, health checks and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wapuda/clipbot/internal/gate"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

type Server struct {
	log     zerolog.Logger
	started time.Time
	gates   []*gate.Gate
	checks  map[string]Check
}

func New(log zerolog.Logger, gates []*gate.Gate, checks map[string]Check) *Server {
	return &Server{log: log, started: time.Now(), gates: gates, checks: checks}
}

type gateStatus struct {
	Capacity  int `json:"capacity"`
	Available int `json:"available"`
}

type health struct {
	Status string                `json:"status"`
	Uptime string                `json:"uptime"`
	Gates  map[string]gateStatus `json:"gates"`
	Checks map[string]string     `json:"checks,omitempty"`
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.home).Methods("GET", "HEAD")
	r.HandleFunc("/health", s.health).Methods("GET")
	r.HandleFunc("/livez", s.live).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

func (s *Server) home(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("clipbot is running\n"))
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := health{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Gates:  map[string]gateStatus{},
	}
	for _, g := range s.gates {
		h.Gates[g.Name()] = gateStatus{Capacity: g.Capacity(), Available: g.Available()}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	code := http.StatusOK
	for _, name := range names {
		if h.Checks == nil {
			h.Checks = map[string]string{}
		}
		if err := s.checks[name](ctx); err != nil {
			h.Checks[name] = err.Error()
			h.Status = "degraded"
			code = http.StatusServiceUnavailable
			s.log.Warn().Err(err).Str("check", name).Msg("health check failed")
			continue
		}
		h.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("http server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

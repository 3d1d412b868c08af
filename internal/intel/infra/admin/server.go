// Package admin serves the local operations endpoint: prometheus metrics,
// liveness, cloud cache sync status and a manual refresh trigger.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/repos/cloudcache"
)

// Caches reports and refreshes the cloud cache.
type Caches interface {
	Status() []cloudcache.ItemStatus
	ForceRefresh(ctx context.Context)
}

// Options configures a Server.
type Options struct {
	Addr     string
	Gatherer prometheus.Gatherer
	Caches   Caches
	// Sections adds named entries to /status, evaluated per request.
	Sections map[string]func() any
	Logger   log.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	logger log.Logger
	router chi.Router

	mu   sync.Mutex
	srv  *http.Server
	addr string
	wg   sync.WaitGroup
}

// New builds the router. Nothing listens until Start.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	s := &Server{opts: opts, logger: log.Component(opts.Logger, "admin")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Post("/refresh", s.handleRefresh)
	s.router = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{}
	if s.opts.Caches != nil {
		body["caches"] = s.opts.Caches.Status()
	}
	for name, fn := range s.opts.Sections {
		body[name] = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(map[string]any{"error": err}, "failed to write status")
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.opts.Caches == nil {
		http.Error(w, "no cache registry", http.StatusServiceUnavailable)
		return
	}
	// detach from the request so a disconnecting client does not abort the job
	go s.opts.Caches.ForceRefresh(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusAccepted)
}

// Start listens on Addr and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("admin: already started")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	s.addr = ln.Addr().String()
	srv := s.srv
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(map[string]any{"error": err}, "admin server stopped")
		}
	}()
	s.logger.Info(map[string]any{"addr": s.addr}, "admin endpoint listening")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Address returns the bound address once started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

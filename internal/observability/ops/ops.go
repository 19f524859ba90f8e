// Package ops serves the operator endpoints: /healthz, /metrics,
// /debug/runtime and the pprof handlers under a configurable prefix.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "orbit/internal/runtime/supervisor"
	logx "orbit/pkg/logx"
)

// Config controls the ops HTTP server. A non-loopback Addr requires Token
// unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	PprofPrefix   string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:9090"
	}
	c.PprofPrefix = normalizePrefix(c.PprofPrefix)
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	// pprof profile and trace stream for up to 30s by default.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Health is the /healthz body.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// Runtime is the /debug/runtime body.
type Runtime struct {
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
	Details     map[string]any            `json:"details,omitempty"`
}

// Sources supplies endpoint content. Nil fields disable their part.
type Sources struct {
	Metrics http.Handler
	// Supervisors are reported on /healthz as "ok" or their first error and
	// in full on /debug/runtime.
	Supervisors func() map[string]*rtsup.Supervisor
	// Details adds free-form diagnostics, e.g. engine and scheduler snapshots.
	Details func() map[string]any
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	src  Sources
	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "ops"))}
}

// Addr returns the bound address while running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Reconfigure applies cfg, starting, stopping or restarting the server as
// needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
		return nil
	case !running:
		return s.Start(ctx)
	case prev.withDefaults() != cfg.withDefaults():
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

// Start binds the listener and serves in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg.withDefaults()

	insecure := cfg.Token == "" && !isLoopbackAddr(cfg.Addr)
	if insecure && !cfg.AllowInsecure {
		return fmt.Errorf("ops: refusing to bind %s without token", cfg.Addr)
	}
	if insecure {
		s.log.Warn("ops server exposed without token", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("ops listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.handler(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("ops server started", logx.String("addr", s.addr), logx.String("pprof", cfg.PprofPrefix), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.addr = nil, nil, ""
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("ops server stopped")
}

// Handler returns the routed endpoints for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg.withDefaults()
	s.mu.Unlock()
	return s.handler(cfg)
}

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	// Liveness stays open so probes need no token.
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.src.Metrics != nil {
		mux.Handle("/metrics", auth(s.src.Metrics))
	}
	mux.Handle("/debug/runtime", auth(http.HandlerFunc(s.serveRuntime)))

	prefix := cfg.PprofPrefix
	base := strings.TrimSuffix(prefix, "/")
	mux.Handle(prefix, auth(pprofIndexAt(prefix)))
	mux.Handle(base+"/cmdline", auth(http.HandlerFunc(hpprof.Cmdline)))
	mux.Handle(base+"/profile", auth(http.HandlerFunc(hpprof.Profile)))
	mux.Handle(base+"/symbol", auth(http.HandlerFunc(hpprof.Symbol)))
	mux.Handle(base+"/trace", auth(http.HandlerFunc(hpprof.Trace)))
	return mux
}

func (s *Service) serveHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.health()
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

func (s *Service) serveRuntime(w http.ResponseWriter, _ *http.Request) {
	var rt Runtime
	if s.src.Supervisors != nil {
		rt.Supervisors = map[string]rtsup.Snapshot{}
		for name, sup := range s.src.Supervisors() {
			rt.Supervisors[name] = sup.Snapshot()
		}
	}
	if s.src.Details != nil {
		rt.Details = s.src.Details()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rt)
}

func (s *Service) health() Health {
	h := Health{Status: "ok"}
	if s.src.Supervisors != nil {
		h.Components = map[string]string{}
		for name, sup := range s.src.Supervisors() {
			state := "ok"
			if sup == nil {
				state = "stopped"
			} else if err := sup.Err(); err != nil {
				state = err.Error()
				h.Status = "degraded"
			}
			h.Components[name] = state
		}
	}
	return h
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprofIndexAt rewrites the path so pprof.Index works under any prefix.
func pprofIndexAt(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

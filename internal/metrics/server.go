package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "awaymail/internal/runtime/supervisor"
	logx "awaymail/pkg/logx"
)

const defaultAddr = "127.0.0.1:9108"

// ServerConfig controls the optional metrics HTTP server.
//
// A non-loopback Addr requires Token, sent as "Authorization: Bearer <token>".
type ServerConfig struct {
	Enabled bool
	Addr    string
	Token   string
	// Pprof additionally mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server serves /metrics and /healthz under its own supervisor.
type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     ServerConfig
	handler http.Handler

	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor
}

func NewServer(c *Collector, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log.With(logx.String("comp", "metrics")), handler: c.Handler()}
}

// Addr is the bound listen address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure starts, stops or restarts the server to match cfg.
// Safe to call during hot reload.
func (s *Server) Reconfigure(ctx context.Context, cfg ServerConfig) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.GoRestart("metrics.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup, s.srv, s.addr = nil, nil, ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("metrics stopped")
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("metrics refused to start: non-loopback addr requires a token", logx.String("addr", addr))
		return errors.New("metrics: insecure bind")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", withAuth(cur.Token, s.handler))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if cur.Pprof {
		mux.Handle("/debug/pprof/", withAuth(cur.Token, http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", withAuth(cur.Token, http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", withAuth(cur.Token, http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", withAuth(cur.Token, http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", withAuth(cur.Token, http.HandlerFunc(hpprof.Trace)))
	}

	srv := &http.Server{
		Handler:           mux,
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
	}
	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		_ = ln.Close()
		return context.Canceled
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.srv == srv {
			s.srv, s.addr = nil, ""
		}
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("metrics started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

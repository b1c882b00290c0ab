// Package ops serves the operational HTTP endpoints: /healthz, /metrics and
// optionally /debug/pprof/.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	logx "expansionbot/pkg/logx"
)

type Config struct {
	Addr  string
	Token string // optional bearer token; never logged
	Pprof bool

	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

// Health is the /healthz body. Status is "ok" or "degraded".
type Health struct {
	Status    string    `json:"status"`
	Connected bool      `json:"connected"`
	Identity  string    `json:"identity,omitempty"`
	Since     time.Time `json:"since"`
	Details   any       `json:"details,omitempty"`
}

type HealthFunc func() Health

type Server struct {
	cfg     Config
	log     logx.Logger
	health  HealthFunc
	metrics http.Handler
}

func New(cfg Config, health HealthFunc, metrics http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{cfg: cfg, log: log, health: health, metrics: metrics}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", s.withAuth(http.HandlerFunc(s.serveHealth)))
	mux.Handle("/metrics", s.withAuth(s.metrics))
	if s.cfg.Pprof {
		mux.Handle("/debug/pprof/", s.withAuth(http.HandlerFunc(hpprof.Index)))
		mux.Handle("/debug/pprof/cmdline", s.withAuth(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle("/debug/pprof/profile", s.withAuth(http.HandlerFunc(hpprof.Profile)))
		mux.Handle("/debug/pprof/symbol", s.withAuth(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle("/debug/pprof/trace", s.withAuth(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok"}
	if s.health != nil {
		h = s.health()
	}
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

// Run listens on cfg.Addr until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("ops server bound to non-loopback addr without token", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) withAuth(h http.Handler) http.Handler {
	tok := strings.TrimSpace(s.cfg.Token)
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

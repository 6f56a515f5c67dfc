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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "commhub/pkg/logx"
)

type ServerConfig struct {
	Addr string
	Path string
	// Pprof mounts net/http/pprof under /debug/pprof/. It is only honoured on
	// loopback addresses.
	Pprof bool
}

// Server serves the metrics endpoint plus /healthz.
type Server struct {
	log      logx.Logger
	gatherer prometheus.Gatherer

	mu  sync.Mutex
	cfg ServerConfig
	ln  net.Listener
	srv *http.Server
}

// NewServer serves gatherer (prometheus.DefaultGatherer when nil).
func NewServer(cfg ServerConfig, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, gatherer: gatherer, log: log.With(logx.String("comp", "metrics"))}
}

// Addr is the bound address while serving, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	mux := http.NewServeMux()
	mux.Handle(normalizePath(cfg.Path), promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Pprof {
		if isLoopbackAddr(listenAddr(cfg)) {
			mux.HandleFunc("/debug/pprof/", hpprof.Index)
			mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
			mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
			mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
			mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
		} else {
			s.log.Warn("pprof not mounted: metrics listener is not on loopback", logx.String("addr", listenAddr(cfg)))
		}
	}
	return mux
}

func listenAddr(cfg ServerConfig) string {
	if a := strings.TrimSpace(cfg.Addr); a != "" {
		return a
	}
	return "127.0.0.1:9464"
}

// Serve listens and serves until ctx is done. Run it under a restarting
// supervisor so a failed listener is retried.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := listenAddr(cfg)
	if !isLoopbackAddr(addr) {
		s.log.Warn("metrics bound to a non-loopback address", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.srv == srv {
			s.ln, s.srv = nil, nil
		}
		s.mu.Unlock()
	}()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("metrics listening", logx.String("addr", ln.Addr().String()), logx.String("path", normalizePath(cfg.Path)))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("metrics server exited unexpectedly")
	}
	return err
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/metrics"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
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

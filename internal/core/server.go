package core

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowgate/flowgate/internal/api"
	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/intercept"
	"github.com/flowgate/flowgate/internal/sched"
	"github.com/flowgate/flowgate/pkg/xlog"
)

// Server runs the demo deployment of the admission controller: a TCP proxy
// whose accept side is managed, plus a metrics/debug HTTP endpoint. The
// scheduler loop itself is started by the caller and has no shutdown; only
// the listeners stop.
type Server struct {
	cfg   *config.Config
	hooks *intercept.Hooks
	ctx   *sched.Context
	gw    api.Gateway

	mu       sync.Mutex
	listener *Listener
	wg       sync.WaitGroup
}

func NewServer(cfg *config.Config, hooks *intercept.Hooks, ctx *sched.Context, gw api.Gateway) *Server {
	return &Server{cfg: cfg, hooks: hooks, ctx: ctx, gw: gw}
}

// Start brings up the metrics endpoint (if enabled) and the managed proxy
// listener.
func (s *Server) Start() error {
	if s.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})
		api.NewDebugAPI(s.cfg, s.ctx, s.gw).RegisterRoutes(mux)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			xlog.Infof("Metrics server listening on %s", s.cfg.Metrics.ListenAddr)
			if err := http.ListenAndServe(s.cfg.Metrics.ListenAddr, mux); err != nil {
				xlog.Errorf("Metrics server error: %v", err)
			}
		}()
	}

	inner, err := net.Listen("tcp4", s.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = NewListener(inner, s.hooks)
	s.mu.Unlock()

	xlog.Infof("flowgate listening on %s, proxying to %s",
		s.cfg.Server.ListenAddr, s.cfg.Server.BackendAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	return nil
}

// Stop closes the proxy listener. In-flight connections drain on their own.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Admission failures leave the connection open but
			// unusable to us; keep accepting.
			xlog.Errorf("Accept error: %v", err)
			continue
		}

		go s.handleConn(conn)
	}
}

// handleConn proxies one managed connection to the backend.
func (s *Server) handleConn(src net.Conn) {
	defer src.Close()

	dst, err := net.Dial("tcp", s.cfg.Server.BackendAddr)
	if err != nil {
		xlog.Errorf("Failed to dial backend %s: %v", s.cfg.Server.BackendAddr, err)
		return
	}
	defer dst.Close()

	go io.Copy(dst, src)
	io.Copy(src, dst)
}

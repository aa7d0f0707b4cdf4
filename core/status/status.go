package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/multiserversync/core/engine"
)

const (
	defaultInterval = 100 * time.Millisecond
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Source interface {
	Snapshot() engine.Snapshot
}

// Server exposes the node status as JSON, as a websocket stream of
// snapshots, and the Prometheus metrics of the node.
type Server struct {
	log      *zap.Logger
	src      Source
	gatherer prometheus.Gatherer
	interval time.Duration
	upgrader websocket.Upgrader

	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a status server. interval is the period of the
// websocket stream.
func NewServer(log *zap.Logger, src Source, gatherer prometheus.Gatherer, interval time.Duration) *Server {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Server{
		log:      log,
		src:      src,
		gatherer: gatherer,
		interval: interval,
		upgrader: websocket.Upgrader{
			// status clients are local tools and editors, not browsers
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.serveStatus)
	mux.HandleFunc("/status/ws", s.serveStream)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(s.src.Snapshot())
	if err != nil {
		s.log.Debug("failed to write status", zap.Error(err))
	}
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()
	s.log.Debug("status stream opened", zap.String("remote", r.RemoteAddr))

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteJSON(s.src.Snapshot())
		if err != nil {
			s.log.Debug("status stream closed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		select {
		case <-closed:
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeTimeout))
			return
		case <-ticker.C:
		}
	}
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.log.Info("serving status", zap.Stringer("addr", ln.Addr()))

	select {
	case err := <-errc:
		s.stop()
		return err
	case <-ctx.Done():
	}
	s.stop()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if serr := <-errc; !errors.Is(serr, http.ErrServerClosed) {
		return serr
	}
	return err
}

func (s *Server) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

package monitor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/nmxmxh/inos_tiles/kernel/utils"
)

// ServerConfig tunes the snapshot server.
type ServerConfig struct {
	// Interval between streamed snapshots. Defaults to one second.
	Interval time.Duration
	// MaxConns caps concurrent connections. Defaults to 16.
	MaxConns int
	Logger   *utils.Logger
}

// Server serves snapshots over HTTP:
//
//	GET /snapshot  one encoded snapshot
//	GET /stream    websocket, one binary message per interval
type Server struct {
	mon      *Monitor
	cfg      ServerConfig
	logger   *utils.Logger
	upgrader websocket.Upgrader
}

func NewServer(mon *Monitor, cfg ServerConfig) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = mon.logger
	}
	return &Server{
		mon:    mon,
		cfg:    cfg,
		logger: cfg.Logger.Named("monitor server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/stream", s.handleStream)
	return mux
}

// Serve accepts on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Streams outlive Shutdown once hijacked; tying requests to ctx ends them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(netutil.LimitListener(ln, s.cfg.MaxConns)) }()
	s.logger.Info("serving", utils.String("addr", ln.Addr().String()), utils.Int("max_conns", s.cfg.MaxConns))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if serveErr := <-errc; !errors.Is(serveErr, http.ErrServerClosed) {
		err = errors.Join(err, serveErr)
	}
	return err
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.mon.Snapshot()
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(EncodeSnapshot(nil, &snap))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", utils.Err(err))
		return
	}
	defer conn.Close()
	logger := s.logger.With(utils.String("stream", utils.ShortID(utils.GenerateID())), utils.String("remote", r.RemoteAddr))
	logger.Debug("stream opened")

	// The client never sends anything we act on; reading only notices it
	// going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := s.mon.clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()
	var buf []byte
	for {
		snap := s.mon.Snapshot()
		buf = EncodeSnapshot(buf[:0], &snap)
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Interval + time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			logger.Debug("stream closed", utils.Err(err))
			return
		}
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

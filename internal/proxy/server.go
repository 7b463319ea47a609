package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/socksd-io/socksd/internal/socks5"
)

// Server accepts client connections and retains them for its lifetime. Every
// accepted connection is serviced; no backpressure or connection cap is
// applied.
type Server struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	conns map[*socks5.Conn]struct{}
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		log:   log,
		conns: make(map[*socks5.Conn]struct{}),
	}
}

// Serve runs the accept loop until ln is closed or ctx is canceled. It
// returns nil when the listener closes as part of shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.handle(ctx, c)
	}
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	sc := socks5.NewConn(c, socks5.Config{
		Dialer:             s.cfg.Dialer,
		NegotiationTimeout: s.cfg.NegotiationTimeout,
		IOTimeout:          s.cfg.IOTimeout,
		Logger:             s.log,
	})
	s.add(sc)

	go func() {
		defer s.remove(sc)
		defer sc.Disconnect()

		if err := sc.Serve(ctx); err != nil {
			if s.cfg.Verbose {
				s.log.Warn("connection failed", "client", sc.RemoteAddr().String(), "state", sc.State().String(), "error", err)
			} else {
				s.log.Debug("connection failed", "client", sc.RemoteAddr().String(), "state", sc.State().String(), "error", err)
			}
		}
	}()
}

// DisconnectAll closes every live connection; used at shutdown. Entries are
// removed by each connection's own teardown, not here.
func (s *Server) DisconnectAll() {
	for _, sc := range s.snapshot() {
		sc.Disconnect()
	}
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) add(sc *socks5.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[sc] = struct{}{}
}

func (s *Server) remove(sc *socks5.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sc)
}

func (s *Server) snapshot() []*socks5.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*socks5.Conn, 0, len(s.conns))
	for sc := range s.conns {
		out = append(out, sc)
	}
	return out
}

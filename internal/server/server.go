package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/harix786/vdr-plugin-robotv/internal/cache"
	"github.com/harix786/vdr-plugin-robotv/internal/config"
	"github.com/harix786/vdr-plugin-robotv/internal/metrics"
	"github.com/harix786/vdr-plugin-robotv/internal/protocol"
)

// Server owns the shared state behind every client connection: the
// channel cache, the source and recording resolvers, and the metrics.
type Server struct {
	log        *slog.Logger
	cfg        *config.Config
	cache      *cache.ChannelCache
	sources    protocol.Opener
	recordings protocol.Recordings
	met        *metrics.Metrics

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// New creates the server. If log is nil, slog.Default() is used.
func New(cfg *config.Config, cc *cache.ChannelCache, sources protocol.Opener, recordings protocol.Recordings, met *metrics.Metrics, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:        log.With("component", "server"),
		cfg:        cfg,
		cache:      cc,
		sources:    sources,
		recordings: recordings,
		met:        met,
		sessions:   make(map[*session]struct{}),
	}
}

// ServeTCP accepts wire protocol clients on the configured TCP address
// until the context is cancelled.
func (s *Server) ServeTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("tcp listen: %w", err)
	}
	s.log.Info("tcp server listening", "addr", s.cfg.TCPAddr)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcp accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// A cancelled context unblocks the session's pending read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.met.ConnOpened()
	defer s.met.ConnClosed()

	sess := s.newSession(conn, conn.RemoteAddr().String())
	s.track(sess)
	defer s.untrack(sess)

	sess.log.Info("client connected")
	if err := sess.run(ctx); err != nil {
		sess.log.Warn("session ended", "error", err)
		return
	}
	sess.log.Info("client disconnected")
}

func (s *Server) track(sess *session) {
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// SessionInfos snapshots all connected sessions for the debug API.
func (s *Server) SessionInfos() []protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]protocol.SessionInfo, 0, len(s.sessions))
	for sess := range s.sessions {
		infos = append(infos, sess.info())
	}
	return infos
}

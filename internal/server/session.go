// Package server accepts wire protocol clients over TCP and QUIC,
// drives one protocol controller per connection, and serves the HTTP
// debug API.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/harix786/vdr-plugin-robotv/internal/metrics"
	"github.com/harix786/vdr-plugin-robotv/internal/protocol"
	"github.com/harix786/vdr-plugin-robotv/internal/wire"
)

// session is one connected client: a read loop feeding the controller
// and a write mutex shared between responses and async notifications.
type session struct {
	log  *slog.Logger
	rw   io.ReadWriter
	ctrl *protocol.Controller
	met  *metrics.Metrics

	writeMu sync.Mutex
}

func (s *Server) newSession(rw io.ReadWriter, remote string) *session {
	sess := &session{
		log: s.log.With("remote", remote),
		rw:  rw,
		met: s.met,
	}
	sess.ctrl = protocol.NewController(s.sources, s.recordings, s.cache, s.cfg.MaxQueueBytes, sess.notify, sess.log)
	return sess
}

// run reads requests until the connection drops. The controller and its
// streaming sessions are torn down on the way out.
func (s *session) run(ctx context.Context) error {
	defer s.ctrl.Close()

	for {
		req, err := wire.ReadMessage(s.rw)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, wire.ErrChecksum) {
				s.met.IncProtocolErrors()
				s.log.Warn("dropping request with bad checksum")
				continue
			}
			return fmt.Errorf("reading request: %w", err)
		}

		s.met.IncRequests()
		resp := s.ctrl.HandleMessage(ctx, req)
		if resp.MsgID() == wire.MsgStreamMuxPacket {
			s.met.AddStreamBytes(resp.PayloadLength())
		}

		if err := s.write(resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

// write serializes one message to the connection. Async notifications
// from the controller come through here too, so the mutex keeps frames
// from interleaving.
func (s *session) write(msg *wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wire.WriteMessage(s.rw, msg)
}

// notify delivers an async controller message. A write error here means
// the connection is gone; the read loop surfaces that, so it is only
// logged.
func (s *session) notify(msg *wire.Message) {
	if err := s.write(msg); err != nil {
		s.log.Warn("writing async message failed", "error", err)
	}
}

// info snapshots the session for the debug API.
func (s *session) info() protocol.SessionInfo {
	return s.ctrl.Info()
}

package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/harix786/vdr-plugin-robotv/internal/certs"
)

// alpnProtocol is the ALPN token offered on the QUIC listener.
const alpnProtocol = "robotv"

// quicIdleTimeout closes connections whose client went away without a
// proper shutdown.
const quicIdleTimeout = 30 * time.Second

// ServeQUIC accepts wire protocol clients over QUIC. Each connection
// carries the whole session on its first bidirectional stream; the
// framing on the stream is identical to TCP.
func (s *Server) ServeQUIC(ctx context.Context, cert *certs.CertInfo) error {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert.TLSCert},
		NextProtos:   []string{alpnProtocol},
	}

	ln, err := quic.ListenAddr(s.cfg.QUICAddr, tlsConf, &quic.Config{
		MaxIdleTimeout: quicIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	defer ln.Close()

	s.log.Info("quic server listening", "addr", s.cfg.QUICAddr,
		"fingerprint", cert.FingerprintBase64())

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go s.handleQUICConn(ctx, conn)
	}
}

func (s *Server) handleQUICConn(ctx context.Context, conn quic.Connection) {
	defer conn.CloseWithError(0, "")

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.log.Debug("quic client opened no stream", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	defer stream.Close()

	s.met.ConnOpened()
	defer s.met.ConnClosed()

	sess := s.newSession(stream, conn.RemoteAddr().String())
	s.track(sess)
	defer s.untrack(sess)

	sess.log.Info("quic client connected")
	if err := sess.run(ctx); err != nil {
		sess.log.Warn("quic session ended", "error", err)
		return
	}
	sess.log.Info("quic client disconnected")
}

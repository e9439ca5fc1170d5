package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtReadBufferSize is the read buffer for SRT socket reads.
// 1316 bytes = 7 MPEG-TS packets (188 * 7), the standard SRT payload size.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtDialTimeout bounds the synchronous part of Attach.
const srtDialTimeout = 10 * time.Second

// SRTSource pulls a live transport stream from a remote SRT listener
// and delivers aligned packets to the attached callback.
type SRTSource struct {
	log      *slog.Logger
	addr     string
	streamID string

	mu     sync.Mutex
	cancel context.CancelFunc

	connected     atomic.Bool
	bytesReceived atomic.Int64
	readCount     atomic.Int64
}

// NewSRTSource creates a source that dials addr with the given SRT
// stream id on Attach. If log is nil, slog.Default() is used.
func NewSRTSource(addr, streamID string, log *slog.Logger) *SRTSource {
	if log == nil {
		log = slog.Default()
	}
	return &SRTSource{
		log:      log.With("component", "srt-source"),
		addr:     addr,
		streamID: streamID,
	}
}

// Attach dials the remote SRT listener synchronously (with a timeout)
// and starts delivering packets to cb from a background goroutine.
func (s *SRTSource) Attach(ctx context.Context, cb PacketFunc) error {
	if s.addr == "" {
		return fmt.Errorf("address is required")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("source already attached to %s", s.addr)
	}
	s.mu.Unlock()

	s.log.Info("dialing", "address", s.addr, "stream_id", s.streamID)

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = s.streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(s.addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("SRT dial failed: %w", res.err)
		}
		s.startStreaming(ctx, res.conn, cb)
		return nil
	case <-timer.C:
		// Drain the dial result in the background and close any leaked connection.
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("SRT dial timed out after %s", srtDialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

func (s *SRTSource) startStreaming(ctx context.Context, conn *srtgo.Conn, cb PacketFunc) {
	readCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.connected.Store(true)
	s.log.Info("connected", "address", s.addr)

	go func() {
		<-readCtx.Done()
		conn.Close()
	}()

	go func() {
		defer func() {
			s.connected.Store(false)
			cancel()
			s.log.Info("feed ended", "address", s.addr,
				"bytes", s.bytesReceived.Load(), "reads", s.readCount.Load())
		}()

		var pkts Packetizer
		buf := make([]byte, srtReadBufferSize)
		for {
			if readCtx.Err() != nil {
				return
			}
			n, err := conn.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) && readCtx.Err() == nil {
					s.log.Debug("read error", "address", s.addr, "error", err)
				}
				return
			}
			s.bytesReceived.Add(int64(n))
			s.readCount.Add(1)
			pkts.Feed(buf[:n], cb)
		}
	}()
}

// Detach stops delivery. It does not wait for an in-flight callback;
// detach is cooperative, the session's own detached flag must be
// checked by the callback before doing further work.
func (s *SRTSource) Detach() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// SignalStatus reports synthetic signal values: an SRT feed is either
// locked or gone, there is no RF quality to measure.
func (s *SRTSource) SignalStatus() SignalStatus {
	st := SignalStatus{
		Device: "SRT " + s.addr,
		Status: "NO SIGNAL",
	}
	if s.connected.Load() {
		st.Status = "LOCKED|SIGNAL|CARRIER"
		st.Strength = 100
		st.Quality = 100
	}
	return st
}

package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harix786/vdr-plugin-robotv/internal/cache"
	"github.com/harix786/vdr-plugin-robotv/internal/demux"
	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
	"github.com/harix786/vdr-plugin-robotv/internal/queue"
	"github.com/harix786/vdr-plugin-robotv/internal/source"
	"github.com/harix786/vdr-plugin-robotv/internal/wire"
)

// ptsWrap is the modulus of the 33-bit 90 kHz timestamp.
const ptsWrap = int64(1) << 33

// LiveConfig carries the per-session options negotiated at open time.
type LiveConfig struct {
	// Language and PreferredType select which audio track sorts first
	// in the stream change message.
	Language      string
	PreferredType demux.Type

	// WaitForKeyFrame suppresses media delivery until the first video
	// I-frame after attach and after every seek.
	WaitForKeyFrame bool

	// RawPTS delivers original 90 kHz timestamps. Without it,
	// timestamps are rebased to zero at the first delivered packet
	// (protocol version 1 behavior).
	RawPTS bool

	// MaxQueueBytes bounds the timeshift backlog. Zero selects the
	// queue default.
	MaxQueueBytes int64
}

// LiveStreamer is the orchestrator of one live streaming session. The
// producer flow (source callback, demux, enqueue) and the consumer flow
// (protocol requests) serialize through a single mutex; the source
// callback additionally observes a detach flag so teardown never races
// a packet in flight.
type LiveStreamer struct {
	log   *slog.Logger
	cache *cache.ChannelCache
	src   source.TsSource
	cfg   LiveConfig

	detached atomic.Bool

	mu                  sync.Mutex
	uid                 uint32
	bundle              *demux.DemuxerBundle
	queue               *queue.Queue
	psi                 *mpegts.PSIWatcher
	pmtVersion          int
	attached            bool
	requestStreamChange bool
	gateKeyFrame        bool
	readGate            bool
	firstPTS            int64

	// agg is the in-progress aggregate, carried across requests until it
	// reaches the minimum aggregate size.
	agg     *wire.Message
	aggLead int
}

// NewLiveStreamer creates a session around the given source and channel
// cache. If log is nil, slog.Default() is used.
func NewLiveStreamer(src source.TsSource, cc *cache.ChannelCache, cfg LiveConfig, log *slog.Logger) *LiveStreamer {
	if log == nil {
		log = slog.Default()
	}
	s := &LiveStreamer{
		log:        log.With("component", "livestreamer"),
		cache:      cc,
		src:        src,
		cfg:        cfg,
		psi:        mpegts.NewPSIWatcher(),
		pmtVersion: -1,
		firstPTS:   -1,
	}
	s.bundle = demux.NewDemuxerBundle(s, log)
	s.queue = queue.NewQueue(cfg.MaxQueueBytes, log)
	s.detached.Store(true)
	return s
}

// SwitchChannel tunes the session to a channel uid: detach from any
// previous channel, seed the demuxer bundle from the cache when a
// layout is known, and attach to the source. A fresh or changed PMT
// observed on the feed replaces the layout and re-caches it.
func (s *LiveStreamer) SwitchChannel(ctx context.Context, uid uint32) error {
	s.mu.Lock()
	if s.attached {
		s.detached.Store(true)
		s.src.Detach()
		s.attached = false
	}

	s.uid = uid
	s.psi.Reset()
	s.pmtVersion = -1
	s.queue.Clear()
	s.bundle.Clear()
	s.agg = nil
	s.firstPTS = -1
	s.requestStreamChange = true
	s.gateKeyFrame = s.cfg.WaitForKeyFrame
	s.readGate = false

	if sb, ok := s.cache.Lookup(uid); ok {
		sb.Reorder(s.cfg.Language, s.cfg.PreferredType)
		s.bundle.SetBundle(sb)
		s.log.Info("layout from cache", "uid", uid, "streams", len(sb))
	}
	s.mu.Unlock()

	s.detached.Store(false)
	if err := s.src.Attach(ctx, s.onTsPacket); err != nil {
		s.detached.Store(true)
		return fmt.Errorf("attaching source: %w", err)
	}

	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()
	return nil
}

// onTsPacket is the producer flow: raw packets from the source callback
// are checked against the detach flag, tracked for PSI changes, and
// routed into the demuxer bundle.
func (s *LiveStreamer) onTsPacket(pkt []byte) {
	if s.detached.Load() {
		return
	}
	p, err := mpegts.ParsePacket(pkt)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached.Load() {
		return
	}

	if pmt := s.psi.Feed(p); pmt != nil {
		s.handlePMT(pmt)
	}
	s.bundle.ProcessPacket(p)
}

// handlePMT reconciles the demuxer bundle against a new PMT version.
// Called with the session lock held.
func (s *LiveStreamer) handlePMT(pmt *mpegts.PMTData) {
	if s.pmtVersion == int(pmt.Version) {
		return
	}
	s.pmtVersion = int(pmt.Version)

	sb := demux.NewBundleFromPMT(pmt)
	if len(sb) == 0 {
		s.log.Warn("channel has no usable streams", "uid", s.uid)
		return
	}
	sb.Reorder(s.cfg.Language, s.cfg.PreferredType)

	if s.bundle.UpdateFrom(sb) {
		s.requestStreamChange = true
		s.gateKeyFrame = s.cfg.WaitForKeyFrame
		s.log.Info("layout changed", "uid", s.uid, "pmt_version", pmt.Version)
	}
}

// OnStreamPacket receives demuxed frames from the bundle. Called with
// the session lock held, from inside onTsPacket.
func (s *LiveStreamer) OnStreamPacket(sp *demux.StreamPacket) {
	if !s.bundle.IsReady() {
		return
	}
	if s.requestStreamChange {
		s.sendStreamChange()
	}

	switch sp.Info.Content {
	case demux.ContentVideo, demux.ContentAudio, demux.ContentSubtitle:
	default:
		return
	}

	if s.gateKeyFrame {
		if sp.Info.Content != demux.ContentVideo || sp.FrameType != demux.FrameI {
			return
		}
		s.gateKeyFrame = false
	}

	pkt := *sp
	if !s.cfg.RawPTS {
		if s.firstPTS < 0 {
			s.firstPTS = sp.PTS
		}
		pkt.PTS = rebasePTS(sp.PTS, s.firstPTS)
		pkt.DTS = rebasePTS(sp.DTS, s.firstPTS)
	}

	s.enqueue(MuxPacketMessage(&pkt), pkt.Info.Content, pkt.FrameType, pkt.PTS)
}

// OnCaption receives decoded captions. They bypass key-frame gating.
func (s *LiveStreamer) OnCaption(cp *demux.CaptionPacket) {
	if !s.bundle.IsReady() {
		return
	}
	s.enqueue(CaptionMessage(cp), demux.ContentNone, demux.FrameUnknown, cp.PTS)
}

func (s *LiveStreamer) sendStreamChange() {
	s.requestStreamChange = false
	sb := s.bundle.Bundle()
	s.enqueue(StreamChangeMessage(sb), demux.ContentNone, demux.FrameUnknown, 0)

	if err := s.cache.Add(s.uid, sb); err != nil {
		s.log.Warn("caching channel layout failed", "uid", s.uid, "error", err)
	}
}

func (s *LiveStreamer) enqueue(msg *wire.Message, content demux.Content, ft demux.FrameType, pts int64) {
	it := &queue.Item{
		Msg:       msg,
		Content:   content,
		FrameType: ft,
		PTS:       pts,
		Wallclock: time.Now().UnixMilli(),
	}
	if err := s.queue.Write(it); err != nil {
		s.log.Warn("timeshift buffer exhausted, dropping packet", "uid", s.uid)
	}
}

// RequestPacket drains queued messages into the in-progress aggregate,
// which persists across calls until it reaches the minimum aggregate
// size. An undersized aggregate is withheld while the feed is live and
// only flushed when the session is paused, so clients always receive
// full aggregates during normal playback. Returns nil when there is
// nothing to deliver yet, signaling the client to retry later.
func (s *LiveStreamer) RequestPacket() *wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.agg == nil {
		s.agg = newAggregate(s.queue.TimeshiftStart(), time.Now().UnixMilli())
		s.aggLead = s.agg.PayloadLength()
	}

	for s.agg.PayloadLength()-s.aggLead < minAggregateSize {
		it := s.queue.Read(s.readGate)
		if it == nil {
			break
		}
		if s.readGate && it.Content == demux.ContentVideo && it.FrameType == demux.FrameI {
			s.readGate = false
		}
		if err := appendFramed(s.agg, it.Msg); err != nil {
			s.log.Warn("framing aggregate failed", "error", err)
			break
		}
	}

	if s.agg.PayloadLength()-s.aggLead < minAggregateSize && !s.queue.IsPaused() {
		// Keep accumulating across requests.
		return nil
	}
	if s.agg.PayloadLength() == s.aggLead {
		return nil
	}
	agg := s.agg
	s.agg = nil
	return agg
}

// SeekTo moves the delivery cursor inside the timeshift window and
// returns the reference PTS at the new position. The in-progress
// aggregate is discarded; it holds data from before the jump.
func (s *LiveStreamer) SeekTo(wallclockMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pts, err := s.queue.SeekTo(wallclockMs)
	if err != nil {
		return 0, err
	}
	s.agg = nil
	if s.cfg.WaitForKeyFrame {
		s.readGate = true
	}
	return pts, nil
}

// Pause toggles timeshift pause: delivery stops, buffering continues.
func (s *LiveStreamer) Pause(on bool) {
	s.queue.Pause(on)
}

// IsPaused reports the timeshift pause state.
func (s *LiveStreamer) IsPaused() bool {
	return s.queue.IsPaused()
}

// SignalInfo builds a signal-info message from the source status.
func (s *LiveStreamer) SignalInfo() *wire.Message {
	return SignalInfoMessage(s.src.SignalStatus())
}

// Bundle returns the current stream layout, for the debug API.
func (s *LiveStreamer) Bundle() demux.StreamBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bundle.Bundle()
}

// Close tears the session down: detach from the source first so no new
// packets are enqueued, then clear the demuxers and the queue. The
// yield after unlocking lets an in-flight source callback that already
// passed the detach check finish before the session is dropped.
func (s *LiveStreamer) Close() {
	s.mu.Lock()
	s.detached.Store(true)
	if s.attached {
		s.src.Detach()
		s.attached = false
	}
	s.bundle.Clear()
	s.queue.Clear()
	s.agg = nil
	s.mu.Unlock()
	runtime.Gosched()
}

// rebasePTS shifts v so that base maps to zero, staying inside the
// 33-bit timestamp space.
func rebasePTS(v, base int64) int64 {
	d := v - base
	if d < 0 {
		d += ptsWrap
	}
	return d
}

package streaming

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/harix786/vdr-plugin-robotv/internal/demux"
	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
	"github.com/harix786/vdr-plugin-robotv/internal/queue"
	"github.com/harix786/vdr-plugin-robotv/internal/source"
	"github.com/harix786/vdr-plugin-robotv/internal/wire"
)

// playbackBlockSize is how many bytes are pulled from the recording per
// demux step.
const playbackBlockSize = 64 * 1024

// preQueueCap bounds the side buffer holding packets demuxed before the
// stream layout is ready.
const preQueueCap = 50

// refreshInterval limits how often a growing recording is re-probed for
// its new end position.
const refreshInterval = 10 * time.Second

// Player streams a stored recording. It pulls blocks from the file on
// demand, demuxes them through the same bundle as the live path, and
// serves aggregates leading with the recording start and end time.
// Packets demuxed before the layout is ready are parked in a bounded
// side buffer and flushed, after the stream change message, once every
// stream has parsed.
type Player struct {
	log *slog.Logger
	rec *source.RecordingSource
	cfg LiveConfig

	mu                  sync.Mutex
	bundle              *demux.DemuxerBundle
	queue               *queue.Queue
	psi                 *mpegts.PSIWatcher
	pkts                source.Packetizer
	pos                 int64
	pmtVersion          int
	requestStreamChange bool
	gateKeyFrame        bool
	preQueue            []*queue.Item
	firstPTS            int64
	eof                 bool
	lastRefresh         time.Time
}

// NewPlayer creates a playback session over an opened recording. If log
// is nil, slog.Default() is used.
func NewPlayer(rec *source.RecordingSource, cfg LiveConfig, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	p := &Player{
		log:                 log.With("component", "player"),
		rec:                 rec,
		cfg:                 cfg,
		psi:                 mpegts.NewPSIWatcher(),
		pmtVersion:          -1,
		requestStreamChange: true,
		gateKeyFrame:        cfg.WaitForKeyFrame,
		firstPTS:            -1,
		lastRefresh:         time.Now(),
	}
	p.bundle = demux.NewDemuxerBundle(p, log)
	p.queue = queue.NewQueue(cfg.MaxQueueBytes, log)
	return p
}

// RequestPacket demuxes as much of the recording as needed to fill one
// aggregate. It returns nil at the end of the recording when nothing is
// buffered.
func (p *Player) RequestPacket() *wire.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	agg := newAggregate(p.rec.StartTime().UnixMilli(), p.rec.EndTime().UnixMilli())
	lead := agg.PayloadLength()

	for agg.PayloadLength()-lead < minAggregateSize {
		it := p.queue.Read(false)
		if it == nil {
			if !p.demuxMore() {
				break
			}
			continue
		}
		if err := appendFramed(agg, it.Msg); err != nil {
			p.log.Warn("framing aggregate failed", "error", err)
			break
		}
	}

	if agg.PayloadLength() == lead {
		return nil
	}
	return agg
}

// demuxMore pulls one block from the recording into the demuxers.
// Returns false when the recording is exhausted. Called with the
// session lock held.
func (p *Player) demuxMore() bool {
	if p.eof {
		return false
	}

	blk, err := p.rec.ReadBlock(p.pos, playbackBlockSize)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			p.log.Warn("read error", "pos", p.pos, "error", err)
		}
		p.eof = true
		return false
	}
	p.pos += int64(len(blk))

	p.pkts.Feed(blk, func(pkt []byte) {
		raw, err := mpegts.ParsePacket(pkt)
		if err != nil {
			return
		}
		if pmt := p.psi.Feed(raw); pmt != nil {
			p.handlePMT(pmt)
		}
		p.bundle.ProcessPacket(raw)
	})
	return true
}

// handlePMT tracks the recording's PMT version and rebuilds the bundle
// when it bumps. Called with the session lock held.
func (p *Player) handlePMT(pmt *mpegts.PMTData) {
	if p.pmtVersion == int(pmt.Version) {
		return
	}
	p.pmtVersion = int(pmt.Version)

	sb := demux.NewBundleFromPMT(pmt)
	if len(sb) == 0 {
		return
	}
	sb.Reorder(p.cfg.Language, p.cfg.PreferredType)

	if p.bundle.UpdateFrom(sb) {
		p.requestStreamChange = true
		p.log.Info("layout changed", "pmt_version", pmt.Version)
	}
}

// OnStreamPacket receives demuxed frames. Called with the session lock
// held, from inside demuxMore.
func (p *Player) OnStreamPacket(sp *demux.StreamPacket) {
	ready := p.bundle.IsReady()

	switch sp.Info.Content {
	case demux.ContentVideo, demux.ContentAudio:
	case demux.ContentSubtitle:
		// Subtitles demuxed before the layout settles are dropped.
		if !ready {
			return
		}
	default:
		return
	}

	if p.gateKeyFrame {
		if sp.Info.Content != demux.ContentVideo || sp.FrameType != demux.FrameI {
			return
		}
		p.gateKeyFrame = false
	}

	if sp.Info.Content == demux.ContentVideo && sp.FrameType == demux.FrameI {
		p.maybeRefresh()
	}

	pkt := *sp
	if p.firstPTS < 0 {
		p.firstPTS = sp.PTS
	}
	if !p.cfg.RawPTS {
		pkt.PTS = rebasePTS(sp.PTS, p.firstPTS)
		pkt.DTS = rebasePTS(sp.DTS, p.firstPTS)
	}

	it := &queue.Item{
		Msg:       MuxPacketMessage(&pkt),
		Content:   pkt.Info.Content,
		FrameType: pkt.FrameType,
		PTS:       pkt.PTS,
		Wallclock: p.wallclockFor(sp.PTS),
	}

	if !ready {
		if len(p.preQueue) >= preQueueCap {
			p.log.Debug("pre-queue full, dropping packet", "pid", sp.Info.PID)
			return
		}
		p.preQueue = append(p.preQueue, it)
		return
	}

	if p.requestStreamChange {
		p.sendStreamChange()
	}
	if err := p.queue.Write(it); err != nil {
		p.log.Warn("queue exhausted, dropping packet")
	}
}

// OnCaption receives decoded captions, delivered once the layout is
// ready.
func (p *Player) OnCaption(cp *demux.CaptionPacket) {
	if !p.bundle.IsReady() {
		return
	}
	if err := p.queue.Write(&queue.Item{
		Msg:       CaptionMessage(cp),
		Content:   demux.ContentNone,
		PTS:       cp.PTS,
		Wallclock: p.wallclockFor(cp.PTS),
	}); err != nil {
		p.log.Warn("queue exhausted, dropping caption")
	}
}

// sendStreamChange emits the layout message and flushes the pre-queue
// behind it, preserving demux order. Called with the lock held.
func (p *Player) sendStreamChange() {
	p.requestStreamChange = false
	if err := p.queue.Write(&queue.Item{
		Msg:     StreamChangeMessage(p.bundle.Bundle()),
		Content: demux.ContentNone,
	}); err != nil {
		p.log.Warn("queue exhausted, dropping stream change")
	}

	for _, it := range p.preQueue {
		if err := p.queue.Write(it); err != nil {
			p.log.Warn("queue exhausted, dropping pre-queued packet")
			break
		}
	}
	p.preQueue = nil
}

// maybeRefresh re-probes a growing recording for its new end position,
// rate limited to one probe per interval.
func (p *Player) maybeRefresh() {
	if time.Since(p.lastRefresh) < refreshInterval {
		return
	}
	p.lastRefresh = time.Now()

	before := p.rec.TotalLength()
	if err := p.rec.Refresh(); err != nil {
		p.log.Warn("refreshing recording failed", "error", err)
		return
	}
	if p.rec.TotalLength() > before {
		// The file grew, the end is reachable again.
		p.eof = false
	}
}

// wallclockFor maps a raw PTS onto the recording's wallclock timeline.
func (p *Player) wallclockFor(pts int64) int64 {
	start := p.rec.StartTime().UnixMilli()
	if p.firstPTS < 0 {
		return start
	}
	return start + rebasePTS(pts, p.firstPTS)/90
}

// SeekTo maps a wallclock position onto a byte offset in the recording,
// clamped to its duration, and resets demux state so parsing restarts
// cleanly at the new position. It returns the reference PTS there.
func (p *Player) SeekTo(wallclockMs int64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dur := p.rec.DurationMs()
	offset := wallclockMs - p.rec.StartTime().UnixMilli()
	if offset < 0 {
		offset = 0
	}
	if offset > dur {
		offset = dur
	}

	var pos int64
	if dur > 0 {
		pos = p.rec.TotalLength() * offset / dur
	}
	pos -= pos % mpegts.PacketSize

	p.pos = pos
	p.eof = false
	p.queue.Clear()
	p.preQueue = nil
	p.bundle.Reset()
	p.pkts.Reset()
	p.gateKeyFrame = p.cfg.WaitForKeyFrame

	pts := offset * 90
	if p.cfg.RawPTS && p.firstPTS >= 0 {
		pts = (p.firstPTS + pts) % ptsWrap
	}

	p.log.Info("seek", "offset_ms", offset, "pos", pos)
	return pts, nil
}

// Reset rewinds playback to the start of the recording.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pos = 0
	p.eof = false
	p.queue.Clear()
	p.preQueue = nil
	p.bundle.Reset()
	p.pkts.Reset()
	p.gateKeyFrame = p.cfg.WaitForKeyFrame
	p.firstPTS = -1
}

// Bundle returns the current stream layout, for the debug API.
func (p *Player) Bundle() demux.StreamBundle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bundle.Bundle()
}

// Close releases the underlying recording.
func (p *Player) Close() error {
	p.mu.Lock()
	p.bundle.Clear()
	p.queue.Clear()
	p.preQueue = nil
	p.mu.Unlock()
	return p.rec.Close()
}

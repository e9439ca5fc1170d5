package demux

import (
	"fmt"
	"log/slog"

	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
)

// DemuxerBundle routes transport packets to per-PID TsDemuxers according
// to a stream layout. It is the demuxing half of a live or playback
// session: feed it raw 188-byte packets, receive StreamPackets through
// the shared sink.
//
// DemuxerBundle is not safe for concurrent use; callers serialize access.
type DemuxerBundle struct {
	log      *slog.Logger
	sink     Sink
	order    []uint16
	demuxers map[uint16]*TsDemuxer
}

// NewDemuxerBundle creates an empty bundle. If log is nil, slog.Default()
// is used.
func NewDemuxerBundle(sink Sink, log *slog.Logger) *DemuxerBundle {
	if log == nil {
		log = slog.Default()
	}
	return &DemuxerBundle{
		log:      log.With("component", "demuxerbundle"),
		sink:     sink,
		demuxers: make(map[uint16]*TsDemuxer),
	}
}

// SetBundle replaces the current layout, creating a fresh demuxer for
// every stream.
func (b *DemuxerBundle) SetBundle(sb StreamBundle) {
	b.order = b.order[:0]
	b.demuxers = make(map[uint16]*TsDemuxer)
	for _, info := range sb {
		b.order = append(b.order, info.PID)
		b.demuxers[info.PID] = NewTsDemuxer(info, b.sink, b.log)
	}
	b.log.Info("stream layout loaded", "streams", len(sb))
}

// UpdateFrom reconciles the bundle against a new layout, typically after a
// PMT version change. Demuxers whose PID and codec are unchanged survive
// with their parsed state; everything else is replaced. Returns true when
// the layout actually changed.
func (b *DemuxerBundle) UpdateFrom(sb StreamBundle) bool {
	if b.Bundle().IsMetaOf(sb) {
		return false
	}

	old := b.demuxers
	b.order = b.order[:0]
	b.demuxers = make(map[uint16]*TsDemuxer)

	for _, info := range sb {
		b.order = append(b.order, info.PID)
		if prev, ok := old[info.PID]; ok && prev.info.Type == info.Type {
			// The demuxer keeps its parsed codec state but takes the
			// descriptor fields from the new PMT.
			prev.info.Language = info.Language
			prev.info.AudioType = info.AudioType
			prev.info.SubtitlingType = info.SubtitlingType
			prev.info.CompositionPageID = info.CompositionPageID
			prev.info.AncillaryPageID = info.AncillaryPageID
			b.demuxers[info.PID] = prev
			continue
		}
		b.demuxers[info.PID] = NewTsDemuxer(info, b.sink, b.log)
	}

	b.log.Info("stream layout updated", "streams", len(sb))
	return true
}

// ProcessTsPacket parses one raw 188-byte transport packet and routes it
// to the demuxer owning its PID. Packets for unknown PIDs are ignored.
func (b *DemuxerBundle) ProcessTsPacket(buf []byte) error {
	if len(buf) != mpegts.PacketSize {
		return fmt.Errorf("demux: packet size %d, expected %d", len(buf), mpegts.PacketSize)
	}

	p, err := mpegts.ParsePacket(buf)
	if err != nil {
		return fmt.Errorf("demux: %w", err)
	}

	b.ProcessPacket(p)
	return nil
}

// ProcessPacket routes an already parsed packet to the demuxer owning
// its PID. Callers that parse packets themselves (for PSI tracking) use
// this to avoid a second parse.
func (b *DemuxerBundle) ProcessPacket(p *mpegts.Packet) {
	if d, ok := b.demuxers[p.Header.PID]; ok {
		d.ProcessPacket(p)
	}
}

// IsReady reports whether every stream has parsed its codec parameters.
func (b *DemuxerBundle) IsReady() bool {
	return b.Bundle().IsParsed()
}

// Bundle returns the current layout in stream order.
func (b *DemuxerBundle) Bundle() StreamBundle {
	sb := make(StreamBundle, 0, len(b.order))
	for _, pid := range b.order {
		if d, ok := b.demuxers[pid]; ok {
			sb = append(sb, d.info)
		}
	}
	return sb
}

// Reset drops partially assembled payloads in every demuxer, used on seeks.
func (b *DemuxerBundle) Reset() {
	for _, d := range b.demuxers {
		d.Reset()
	}
}

// Clear removes all demuxers.
func (b *DemuxerBundle) Clear() {
	b.order = nil
	b.demuxers = make(map[uint16]*TsDemuxer)
}

// Len returns the number of streams in the layout.
func (b *DemuxerBundle) Len() int {
	return len(b.order)
}

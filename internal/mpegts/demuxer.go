package mpegts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// Demuxer reads a transport stream and produces parsed PAT, PMT, and PES
// units on demand. It is pull-based: callers invoke NextData repeatedly
// until io.EOF.
type Demuxer struct {
	ctx           context.Context
	r             io.Reader
	packetSize    int
	packetsParser PacketsParser

	programMap *programMap
	pool       *packetPool

	buf       []byte
	dataQueue []*DemuxerData
	eof       bool
	drained   bool
}

// DemuxerOpt configures a Demuxer.
type DemuxerOpt func(*Demuxer)

// DemuxerOptPacketSize overrides the transport packet size, for streams
// with trailing FEC bytes (192, 204, 208).
func DemuxerOptPacketSize(size int) DemuxerOpt {
	return func(d *Demuxer) {
		d.packetSize = size
	}
}

// DemuxerOptPacketsParser installs a custom parser that sees accumulated
// packets before the standard PSI/PES parsing.
func DemuxerOptPacketsParser(p PacketsParser) DemuxerOpt {
	return func(d *Demuxer) {
		d.packetsParser = p
	}
}

// NewDemuxer creates a Demuxer reading transport packets from r.
func NewDemuxer(ctx context.Context, r io.Reader, opts ...DemuxerOpt) *Demuxer {
	pm := newProgramMap()
	d := &Demuxer{
		ctx:        ctx,
		r:          r,
		packetSize: PacketSize,
		programMap: pm,
		pool:       newPacketPool(pm),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NextData returns the next parsed unit from the stream. When the reader
// is exhausted, buffered per-PID packets are flushed and returned before
// io.EOF.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.dataQueue) > 0 {
			data := d.dataQueue[0]
			d.dataQueue = d.dataQueue[1:]
			return data, nil
		}

		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		p, err := d.nextPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			if d.drained {
				return nil, io.EOF
			}
			d.drained = true
			d.flushPool()
			continue
		}

		flushed := d.pool.add(p)
		if flushed == nil {
			continue
		}
		if err := d.processPackets(flushed); err != nil {
			return nil, err
		}
	}
}

func (d *Demuxer) nextPacket() (*Packet, error) {
	for {
		for !d.eof && len(d.buf) < d.packetSize {
			chunk := make([]byte, 4096)
			n, err := d.r.Read(chunk)
			if n > 0 {
				d.buf = append(d.buf, chunk[:n]...)
			}
			if err != nil {
				d.eof = true
			}
		}
		if len(d.buf) < d.packetSize {
			return nil, io.EOF
		}

		if d.buf[0] != SyncByte {
			off := Resync(d.buf)
			if off < 0 {
				// A sync byte in the tail can still match once more
				// data arrives, so keep the buffer from the last
				// candidate start and read on.
				if d.eof {
					return nil, io.EOF
				}
				tail := d.buf
				if len(tail) > d.packetSize {
					tail = tail[len(tail)-d.packetSize:]
				}
				if k := bytes.IndexByte(tail, SyncByte); k >= 0 {
					d.buf = tail[k:]
				} else {
					d.buf = nil
				}
				continue
			}
			d.buf = d.buf[off:]
			if len(d.buf) < d.packetSize {
				continue
			}
		}

		raw := d.buf[:d.packetSize]
		d.buf = d.buf[d.packetSize:]

		p, err := ParsePacket(raw[:PacketSize])
		if err != nil {
			return nil, fmt.Errorf("mpegts: parsing packet: %w", err)
		}
		return p, nil
	}
}

func (d *Demuxer) flushPool() {
	for _, packets := range d.pool.dump() {
		// Partial PES payloads are still useful; partial PSI sections are not.
		if err := d.processPackets(packets); err != nil {
			continue
		}
	}
}

func (d *Demuxer) processPackets(packets []*Packet) error {
	if len(packets) == 0 {
		return nil
	}

	if d.packetsParser != nil {
		ds, skip, err := d.packetsParser(packets)
		if err != nil {
			return err
		}
		d.dataQueue = append(d.dataQueue, ds...)
		if skip {
			return nil
		}
	}

	first := packets[0]
	pid := first.Header.PID

	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) == 0 {
		return nil
	}

	if isPSIPayload(pid, d.programMap) {
		ds, err := parsePSI(payload, pid, first, d.programMap)
		if err != nil {
			return nil //nolint:nilerr // corrupt sections are dropped, not fatal
		}
		for _, data := range ds {
			if data.PAT != nil {
				for _, prog := range data.PAT.Programs {
					d.programMap.addPMTPID(prog.ProgramMapID)
				}
			}
		}
		d.dataQueue = append(d.dataQueue, ds...)
		return nil
	}

	if IsPESPayload(payload) {
		pes, err := ParsePES(payload)
		if err != nil {
			return nil //nolint:nilerr // malformed PES packets are dropped
		}
		d.dataQueue = append(d.dataQueue, &DemuxerData{
			FirstPacket: first,
			PES:         pes,
		})
	}

	return nil
}

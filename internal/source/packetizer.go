package source

import (
	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
)

// Packetizer turns an arbitrary byte stream into aligned 188-byte
// transport stream packets. Socket and file block reads do not respect
// packet boundaries, so partial packets are carried over between feeds
// and misaligned data is skipped by scanning for the two-packet sync
// pattern.
type Packetizer struct {
	rem []byte
}

// Feed appends data and emits every complete aligned packet.
func (p *Packetizer) Feed(data []byte, emit PacketFunc) {
	buf := data
	if len(p.rem) > 0 {
		buf = append(p.rem, data...)
	}

	for len(buf) >= mpegts.PacketSize {
		if buf[0] != mpegts.SyncByte {
			off := mpegts.Resync(buf)
			if off < 0 {
				// Keep the tail, the pattern may complete on the
				// next feed.
				break
			}
			buf = buf[off:]
			if len(buf) < mpegts.PacketSize {
				break
			}
		}
		emit(buf[:mpegts.PacketSize])
		buf = buf[mpegts.PacketSize:]
	}

	// Bound the carry-over so a stream of garbage cannot grow it.
	if max := 2 * mpegts.PacketSize; len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	p.rem = append(p.rem[:0], buf...)
}

// Reset discards any carried-over partial packet, used on seeks.
func (p *Packetizer) Reset() {
	p.rem = p.rem[:0]
}

package mpegts

import "fmt"

// ParsePacket parses one 188-byte transport stream packet.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		if offset >= PacketSize {
			return p, nil
		}
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < PacketSize {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
			p.Header.RandomAccessIndicator = buf[offset+1]&0x40 != 0
		}
		offset += 1 + afLen
		if offset > PacketSize {
			offset = PacketSize
		}
	}

	if p.Header.HasPayload && offset < PacketSize {
		p.Payload = make([]byte, PacketSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}

// HasPayload reports whether the raw packet at buf carries payload bytes.
// buf must be at least 4 bytes.
func HasPayload(buf []byte) bool {
	return len(buf) >= 4 && buf[3]&0x10 != 0
}

// Resync scans buf for the transport stream sync pattern: a sync byte
// followed by another sync byte one packet later. It returns the offset
// of the first synchronized packet, or -1 if no pattern is found. Callers
// use it to recover from corrupt or misaligned byte streams.
func Resync(buf []byte) int {
	for i := 0; i+PacketSize < len(buf); i++ {
		if buf[i] == SyncByte && buf[i+PacketSize] == SyncByte {
			return i
		}
	}
	return -1
}

// Package wire implements the binary message framing used between the
// server and its clients. Every unit on the wire is a Message: a fixed
// 16-byte header followed by a typed, order-dependent payload. Receivers
// parse fields in the same order senders appended them and probe EOP to
// read optional trailing fields added by newer protocol versions.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// HeaderSize is the fixed wire header length in bytes.
	HeaderSize = 16

	// maxPayloadSize caps a single message payload. Aggregate stream
	// messages stay well below this (they close shortly after 128 KiB).
	maxPayloadSize = 16 * 1024 * 1024

	flagNoChecksum uint16 = 0x0001
)

// ErrShortPayload is returned by getters when the declared payload has
// been fully consumed.
var ErrShortPayload = errors.New("wire: read past end of payload")

// ErrChecksum is returned by ReadMessage when the payload CRC32 does not
// match the header checksum.
var ErrChecksum = errors.New("wire: payload checksum mismatch")

// Message is a single framed protocol unit.
//
// Header layout (big-endian):
//
//	[0:2]   msgID
//	[2:4]   clientID (carries the frame type on stream-data messages)
//	[4:6]   channelID (logical sub-channel, not a TV channel)
//	[6:8]   flags (bit 0: payload checksum disabled)
//	[8:12]  payload length
//	[12:16] CRC32 of payload (0 when disabled)
type Message struct {
	msgID     uint16
	clientID  uint16
	channelID uint16
	flags     uint16

	payload []byte
	readPos int
}

// NewMessage creates an outgoing message with the given opcode and
// logical channel id.
func NewMessage(msgID, channelID uint16) *Message {
	return &Message{msgID: msgID, channelID: channelID}
}

// MsgID returns the message opcode.
func (m *Message) MsgID() uint16 { return m.msgID }

// ClientID returns the client-id header field.
func (m *Message) ClientID() uint16 { return m.clientID }

// SetClientID overwrites the client-id header field. On stream-data
// messages this field is repurposed to carry the frame type, avoiding a
// header format change.
func (m *Message) SetClientID(id uint16) { m.clientID = id }

// ChannelID returns the logical sub-channel id.
func (m *Message) ChannelID() uint16 { return m.channelID }

// DisableChecksum turns off payload checksumming for this message.
// High-volume stream-data and aggregate messages disable it for
// throughput; call it before the first put.
func (m *Message) DisableChecksum() { m.flags |= flagNoChecksum }

// ChecksumDisabled reports whether payload checksumming is off.
func (m *Message) ChecksumDisabled() bool { return m.flags&flagNoChecksum != 0 }

// Payload returns the raw payload bytes.
func (m *Message) Payload() []byte { return m.payload }

// PayloadLength returns the current payload size in bytes.
func (m *Message) PayloadLength() int { return len(m.payload) }

// EOP reports whether all declared payload has been consumed. Callers
// probe it before reading optional trailing fields so that older and
// newer senders interoperate.
func (m *Message) EOP() bool { return m.readPos >= len(m.payload) }

// Rewind resets the read position to the start of the payload.
func (m *Message) Rewind() { m.readPos = 0 }

func (m *Message) PutU8(v uint8) {
	m.payload = append(m.payload, v)
}

func (m *Message) PutU16(v uint16) {
	m.payload = binary.BigEndian.AppendUint16(m.payload, v)
}

func (m *Message) PutU32(v uint32) {
	m.payload = binary.BigEndian.AppendUint32(m.payload, v)
}

func (m *Message) PutS32(v int32) {
	m.payload = binary.BigEndian.AppendUint32(m.payload, uint32(v))
}

func (m *Message) PutS64(v int64) {
	m.payload = binary.BigEndian.AppendUint64(m.payload, uint64(v))
}

// PutString appends a NUL-terminated string.
func (m *Message) PutString(s string) {
	m.payload = append(m.payload, s...)
	m.payload = append(m.payload, 0)
}

// PutBlob appends raw bytes. The length is not encoded; senders that
// need it write it as a separate field first.
func (m *Message) PutBlob(b []byte) {
	m.payload = append(m.payload, b...)
}

func (m *Message) U8() (uint8, error) {
	if m.readPos+1 > len(m.payload) {
		return 0, ErrShortPayload
	}
	v := m.payload[m.readPos]
	m.readPos++
	return v, nil
}

func (m *Message) U16() (uint16, error) {
	if m.readPos+2 > len(m.payload) {
		return 0, ErrShortPayload
	}
	v := binary.BigEndian.Uint16(m.payload[m.readPos:])
	m.readPos += 2
	return v, nil
}

func (m *Message) U32() (uint32, error) {
	if m.readPos+4 > len(m.payload) {
		return 0, ErrShortPayload
	}
	v := binary.BigEndian.Uint32(m.payload[m.readPos:])
	m.readPos += 4
	return v, nil
}

func (m *Message) S32() (int32, error) {
	v, err := m.U32()
	return int32(v), err
}

func (m *Message) S64() (int64, error) {
	if m.readPos+8 > len(m.payload) {
		return 0, ErrShortPayload
	}
	v := binary.BigEndian.Uint64(m.payload[m.readPos:])
	m.readPos += 8
	return int64(v), nil
}

// String reads a NUL-terminated string.
func (m *Message) String() (string, error) {
	for i := m.readPos; i < len(m.payload); i++ {
		if m.payload[i] == 0 {
			s := string(m.payload[m.readPos:i])
			m.readPos = i + 1
			return s, nil
		}
	}
	return "", ErrShortPayload
}

// Blob reads n raw bytes. The returned slice is a copy.
func (m *Message) Blob(n int) ([]byte, error) {
	if n < 0 || m.readPos+n > len(m.payload) {
		return nil, ErrShortPayload
	}
	b := make([]byte, n)
	copy(b, m.payload[m.readPos:m.readPos+n])
	m.readPos += n
	return b, nil
}

// WriteMessage frames and writes one message to w. The checksum is
// computed here unless disabled.
func WriteMessage(w io.Writer, m *Message) error {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:], m.msgID)
	binary.BigEndian.PutUint16(hdr[2:], m.clientID)
	binary.BigEndian.PutUint16(hdr[4:], m.channelID)
	binary.BigEndian.PutUint16(hdr[6:], m.flags)
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(m.payload)))

	if !m.ChecksumDisabled() {
		binary.BigEndian.PutUint32(hdr[12:], crc32.ChecksumIEEE(m.payload))
	}

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if len(m.payload) > 0 {
		if _, err := w.Write(m.payload); err != nil {
			return fmt.Errorf("wire: write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one framed message from r, verifying the payload
// checksum when the sender enabled it.
func ReadMessage(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	m := &Message{
		msgID:     binary.BigEndian.Uint16(hdr[0:]),
		clientID:  binary.BigEndian.Uint16(hdr[2:]),
		channelID: binary.BigEndian.Uint16(hdr[4:]),
		flags:     binary.BigEndian.Uint16(hdr[6:]),
	}

	length := binary.BigEndian.Uint32(hdr[8:])
	if length > maxPayloadSize {
		return nil, fmt.Errorf("wire: payload length %d exceeds limit", length)
	}
	checksum := binary.BigEndian.Uint32(hdr[12:])

	if length > 0 {
		m.payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.payload); err != nil {
			return nil, fmt.Errorf("wire: read payload: %w", err)
		}
	}

	if !m.ChecksumDisabled() && crc32.ChecksumIEEE(m.payload) != checksum {
		return nil, ErrChecksum
	}

	return m, nil
}

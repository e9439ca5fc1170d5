// Package mpegts implements MPEG-TS demuxing for transport stream parsing.
// It supports PAT/PMT discovery with version tracking and descriptor
// parsing, PES reassembly with PTS/DTS extraction, byte-level
// resynchronization after stream corruption, and a custom packet parser
// callback for intercepting raw packet data.
package mpegts

// PacketSize is the fixed size of a transport stream packet.
const PacketSize = 188

// SyncByte is the leading byte of every transport stream packet.
const SyncByte = 0x47

// Packet is a parsed 188-byte MPEG-TS transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// DemuxerData is the output of the demuxer for each logical unit (PAT, PMT,
// or PES packet). Exactly one of PAT, PMT, or PES will be non-nil.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Version  uint8
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	Version           uint8
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT,
// including the descriptor-derived fields needed to classify DVB private
// streams (AC-3, subtitles, teletext) and pick audio tracks by language.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8

	// ISO 639 language descriptor (0x0A).
	Language  string
	AudioType uint8

	// DVB descriptors present on this stream.
	HasAC3Descriptor        bool
	HasEAC3Descriptor       bool
	HasTeletextDescriptor   bool
	HasSubtitlingDescriptor bool

	// DVB subtitling descriptor (0x59) fields.
	SubtitlingType    uint8
	CompositionPageID uint16
	AncillaryPageID   uint16
}

// PESData contains a reassembled Packetized Elementary Stream.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock).
type ClockReference struct {
	Base int64
}

// PacketsParser is a callback invoked with accumulated packets for a PID
// before standard parsing. If skip is true, the demuxer skips its own
// parsing for those packets.
type PacketsParser func(ps []*Packet) (ds []*DemuxerData, skip bool, err error)

// Package demux turns MPEG-TS elementary streams into typed media packets.
// It tracks per-PID stream metadata (codec, language, video geometry, audio
// configuration), reassembles PES payloads, classifies frames, and extracts
// CEA-608/708 captions from H.264/H.265 SEI messages.
package demux

import "fmt"

// Content classifies what an elementary stream carries.
type Content int

const (
	ContentNone Content = iota
	ContentVideo
	ContentAudio
	ContentSubtitle
	ContentTeletext
)

func (c Content) String() string {
	switch c {
	case ContentVideo:
		return "video"
	case ContentAudio:
		return "audio"
	case ContentSubtitle:
		return "subtitle"
	case ContentTeletext:
		return "teletext"
	}
	return "none"
}

// Type identifies the codec of an elementary stream.
type Type int

const (
	TypeNone Type = iota
	TypeMPEG2Audio
	TypeAC3
	TypeEAC3
	TypeAAC
	TypeLATM
	TypeMPEG2Video
	TypeH264
	TypeH265
	TypeDVBSub
	TypeTeletext
)

func (t Type) String() string {
	switch t {
	case TypeMPEG2Audio:
		return "MPEG2AUDIO"
	case TypeAC3:
		return "AC3"
	case TypeEAC3:
		return "EAC3"
	case TypeAAC:
		return "AAC"
	case TypeLATM:
		return "LATM"
	case TypeMPEG2Video:
		return "MPEG2VIDEO"
	case TypeH264:
		return "H264"
	case TypeH265:
		return "H265"
	case TypeDVBSub:
		return "DVBSUB"
	case TypeTeletext:
		return "TELETEXT"
	}
	return "NONE"
}

// Content returns the content class implied by the codec type.
func (t Type) Content() Content {
	switch t {
	case TypeMPEG2Audio, TypeAC3, TypeEAC3, TypeAAC, TypeLATM:
		return ContentAudio
	case TypeMPEG2Video, TypeH264, TypeH265:
		return ContentVideo
	case TypeDVBSub:
		return ContentSubtitle
	case TypeTeletext:
		return ContentTeletext
	}
	return ContentNone
}

// FrameType classifies a video frame. Audio packets always carry FrameUnknown.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameI
	FrameP
	FrameB
	FrameD
)

func (f FrameType) String() string {
	switch f {
	case FrameI:
		return "I"
	case FrameP:
		return "P"
	case FrameB:
		return "B"
	case FrameD:
		return "D"
	}
	return "?"
}

// maxParameterSetSize caps stored SPS/PPS/VPS parameter sets. Larger sets
// are truncated rather than rejected.
const maxParameterSetSize = 128

// StreamInfo describes a single elementary stream of a channel or recording.
// The zero value is an unparsed stream; codec parameters are filled in as
// the first frames pass through a TsDemuxer. The struct is JSON-serializable
// so stream layouts can be persisted in the channel cache.
type StreamInfo struct {
	PID     uint16  `json:"pid"`
	Type    Type    `json:"type"`
	Content Content `json:"content"`

	// ISO 639-2 language code and DVB audio type, from the PMT.
	Language  string `json:"language,omitempty"`
	AudioType uint8  `json:"audioType,omitempty"`

	// Video parameters.
	FpsScale int     `json:"fpsScale,omitempty"`
	FpsRate  int     `json:"fpsRate,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Aspect   float64 `json:"aspect,omitempty"`

	// Audio parameters.
	Channels      int `json:"channels,omitempty"`
	SampleRate    int `json:"sampleRate,omitempty"`
	BitRate       int `json:"bitRate,omitempty"`
	BitsPerSample int `json:"bitsPerSample,omitempty"`
	BlockAlign    int `json:"blockAlign,omitempty"`

	// H.264/H.265 parameter sets, capped at maxParameterSetSize bytes.
	SPS []byte `json:"sps,omitempty"`
	PPS []byte `json:"pps,omitempty"`
	VPS []byte `json:"vps,omitempty"`

	// DVB subtitling descriptor fields.
	SubtitlingType    uint8  `json:"subtitlingType,omitempty"`
	CompositionPageID uint16 `json:"compositionPageId,omitempty"`
	AncillaryPageID   uint16 `json:"ancillaryPageId,omitempty"`

	// Parsed is set once enough frames have passed through to fill in the
	// codec parameters above.
	Parsed bool `json:"parsed"`
}

// IsMetaOf reports whether o describes the same underlying stream: same
// PID, codec, content class, and language. Codec parameters are ignored,
// so a cached unparsed layout still matches its parsed counterpart.
func (s *StreamInfo) IsMetaOf(o *StreamInfo) bool {
	return s.PID == o.PID && s.Type == o.Type && s.Content == o.Content && s.Language == o.Language
}

func (s *StreamInfo) String() string {
	return fmt.Sprintf("pid=%d %s/%s lang=%q parsed=%v", s.PID, s.Content, s.Type, s.Language, s.Parsed)
}

// setParameterSet stores a copy of a parameter set NAL, truncated to the
// storage cap.
func setParameterSet(dst *[]byte, nal []byte) {
	n := len(nal)
	if n > maxParameterSetSize {
		n = maxParameterSetSize
	}
	*dst = append((*dst)[:0], nal[:n]...)
}

// StreamPacket is one demuxed media frame ready for queueing and framing.
// PTS and DTS are in 90 kHz units, Duration is the frame duration in the
// same clock.
type StreamPacket struct {
	Info      *StreamInfo
	Data      []byte
	PTS       int64
	DTS       int64
	Duration  uint32
	FrameType FrameType

	// StreamChange is set on the first packet after the demuxer bundle
	// layout changed, so consumers can emit a stream change message ahead
	// of it.
	StreamChange bool
}

// CaptionPacket is decoded CEA-608/708 caption text extracted from video
// SEI messages.
type CaptionPacket struct {
	PTS     int64
	Channel int
	Text    string
}

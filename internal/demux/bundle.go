package demux

import (
	"encoding/json"
	"sort"

	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
)

// MPEG-TS stream_type assignments (ISO 13818-1 table 2-29 plus ATSC A/53).
const (
	streamTypeMPEG1Video = 0x01
	streamTypeMPEG2Video = 0x02
	streamTypeMPEG1Audio = 0x03
	streamTypeMPEG2Audio = 0x04
	streamTypePrivate    = 0x06
	streamTypeADTS       = 0x0F
	streamTypeLATM       = 0x11
	streamTypeH264       = 0x1B
	streamTypeH265       = 0x24
	streamTypeATSCAC3    = 0x81
)

// StreamBundle is the ordered stream layout of a channel or recording.
// Order is meaningful: clients pick default tracks by position.
type StreamBundle []*StreamInfo

// NewBundleFromPMT builds a stream layout from a parsed PMT, classifying
// private streams by their DVB descriptors. Streams with unsupported types
// are skipped.
func NewBundleFromPMT(pmt *mpegts.PMTData) StreamBundle {
	var b StreamBundle

	for _, es := range pmt.ElementaryStreams {
		info := &StreamInfo{
			PID:       es.ElementaryPID,
			Language:  es.Language,
			AudioType: es.AudioType,
		}

		switch es.StreamType {
		case streamTypeMPEG1Video, streamTypeMPEG2Video:
			info.Type = TypeMPEG2Video
		case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
			info.Type = TypeMPEG2Audio
		case streamTypeADTS:
			info.Type = TypeAAC
		case streamTypeLATM:
			info.Type = TypeLATM
		case streamTypeH264:
			info.Type = TypeH264
		case streamTypeH265:
			info.Type = TypeH265
		case streamTypeATSCAC3:
			info.Type = TypeAC3
		case streamTypePrivate:
			switch {
			case es.HasEAC3Descriptor:
				info.Type = TypeEAC3
			case es.HasAC3Descriptor:
				info.Type = TypeAC3
			case es.HasSubtitlingDescriptor:
				info.Type = TypeDVBSub
				info.SubtitlingType = es.SubtitlingType
				info.CompositionPageID = es.CompositionPageID
				info.AncillaryPageID = es.AncillaryPageID
			case es.HasTeletextDescriptor:
				info.Type = TypeTeletext
			default:
				continue
			}
		default:
			continue
		}

		info.Content = info.Type.Content()
		b = append(b, info)
	}

	return b
}

// IsMetaOf reports whether o describes the same stream layout: same number
// of streams and a metadata match for every stream, position-independent.
// Parsed codec parameters are not compared.
func (b StreamBundle) IsMetaOf(o StreamBundle) bool {
	if len(b) != len(o) {
		return false
	}
	for _, s := range b {
		found := false
		for _, os := range o {
			if s.IsMetaOf(os) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IsParsed reports whether every stream has its codec parameters filled in.
func (b StreamBundle) IsParsed() bool {
	if len(b) == 0 {
		return false
	}
	for _, s := range b {
		if !s.Parsed {
			return false
		}
	}
	return true
}

// Clone returns a deep copy, so callers can reorder and mutate the
// result without affecting shared layouts such as cache entries.
func (b StreamBundle) Clone() StreamBundle {
	out := make(StreamBundle, len(b))
	for i, s := range b {
		c := *s
		c.SPS = append([]byte(nil), s.SPS...)
		c.PPS = append([]byte(nil), s.PPS...)
		c.VPS = append([]byte(nil), s.VPS...)
		out[i] = &c
	}
	return out
}

// FindByPID returns the stream with the given PID, or nil.
func (b StreamBundle) FindByPID(pid uint16) *StreamInfo {
	for _, s := range b {
		if s.PID == pid {
			return s
		}
	}
	return nil
}

// Reorder sorts the bundle for client consumption: video first, then audio,
// subtitles, and teletext. Within audio, streams matching the preferred
// language sort before others, and among those the preferred codec wins.
// The sort is stable, so PMT order breaks ties.
func (b StreamBundle) Reorder(language string, preferred Type) {
	contentRank := func(c Content) int {
		switch c {
		case ContentVideo:
			return 0
		case ContentAudio:
			return 1
		case ContentSubtitle:
			return 2
		case ContentTeletext:
			return 3
		}
		return 4
	}

	audioScore := func(s *StreamInfo) int {
		score := 0
		if language != "" && s.Language == language {
			score -= 2
		}
		if preferred != TypeNone && s.Type == preferred {
			score--
		}
		return score
	}

	sort.SliceStable(b, func(i, j int) bool {
		ri, rj := contentRank(b[i].Content), contentRank(b[j].Content)
		if ri != rj {
			return ri < rj
		}
		if b[i].Content == ContentAudio {
			return audioScore(b[i]) < audioScore(b[j])
		}
		return false
	})
}

// MarshalJSON encodes the bundle for cache persistence.
func (b StreamBundle) MarshalJSON() ([]byte, error) {
	return json.Marshal([]*StreamInfo(b))
}

// UnmarshalJSON decodes a persisted bundle.
func (b *StreamBundle) UnmarshalJSON(data []byte) error {
	var streams []*StreamInfo
	if err := json.Unmarshal(data, &streams); err != nil {
		return err
	}
	*b = streams
	return nil
}

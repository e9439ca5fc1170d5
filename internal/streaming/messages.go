// Package streaming contains the per-session orchestrators: LiveStreamer
// couples a live TS source to the wire protocol, Player does the same
// for a stored recording. Both demux into a packet queue and serve
// aggregate stream-data messages on request.
package streaming

import (
	"github.com/harix786/vdr-plugin-robotv/internal/demux"
	"github.com/harix786/vdr-plugin-robotv/internal/source"
	"github.com/harix786/vdr-plugin-robotv/internal/wire"
)

// minAggregateSize is the threshold at which an aggregate stream-data
// message is considered full and returned to the client.
const minAggregateSize = 128 * 1024

// StreamChangeMessage describes the current stream layout. Sent exactly
// once per layout change, before any stream data for that layout.
func StreamChangeMessage(sb demux.StreamBundle) *wire.Message {
	msg := wire.NewMessage(wire.MsgStreamChange, wire.ChannelStream)

	msg.PutU8(uint8(len(sb)))
	for _, s := range sb {
		msg.PutU16(s.PID)
		msg.PutU8(uint8(s.Type))
		msg.PutU8(uint8(s.Content))
		msg.PutString(s.Language)

		switch s.Content {
		case demux.ContentVideo:
			msg.PutU32(uint32(s.FpsScale))
			msg.PutU32(uint32(s.FpsRate))
			msg.PutU16(uint16(s.Width))
			msg.PutU16(uint16(s.Height))
			msg.PutU32(uint32(s.Aspect * 10000))
			putParameterSet(msg, s.SPS)
			putParameterSet(msg, s.PPS)
			putParameterSet(msg, s.VPS)
		case demux.ContentAudio:
			msg.PutU8(uint8(s.Channels))
			msg.PutU32(uint32(s.SampleRate))
			msg.PutU32(uint32(s.BitRate))
			msg.PutU8(uint8(s.BitsPerSample))
			msg.PutU32(uint32(s.BlockAlign))
		case demux.ContentSubtitle:
			msg.PutU8(s.SubtitlingType)
			msg.PutU16(s.CompositionPageID)
			msg.PutU16(s.AncillaryPageID)
		}
	}
	return msg
}

func putParameterSet(msg *wire.Message, ps []byte) {
	msg.PutU8(uint8(len(ps)))
	msg.PutBlob(ps)
}

// MuxPacketMessage frames one demuxed unit as a stream-data message.
// The clientID header field carries the frame type.
func MuxPacketMessage(sp *demux.StreamPacket) *wire.Message {
	msg := wire.NewMessage(wire.MsgStreamMuxPacket, wire.ChannelStream)
	msg.DisableChecksum()
	msg.SetClientID(uint16(sp.FrameType))

	msg.PutU16(sp.Info.PID)
	msg.PutS64(sp.PTS)
	msg.PutS64(sp.DTS)
	msg.PutU32(sp.Duration)
	msg.PutU32(uint32(len(sp.Data)))
	msg.PutBlob(sp.Data)
	return msg
}

// CaptionMessage frames one decoded CEA-608 caption line.
func CaptionMessage(cp *demux.CaptionPacket) *wire.Message {
	msg := wire.NewMessage(wire.MsgStreamCaption, wire.ChannelStream)
	msg.PutS64(cp.PTS)
	msg.PutU8(uint8(cp.Channel))
	msg.PutString(cp.Text)
	return msg
}

// SignalInfoMessage reports source health to the client.
func SignalInfoMessage(st source.SignalStatus) *wire.Message {
	msg := wire.NewMessage(wire.MsgStreamSignalInfo, wire.ChannelStream)
	msg.PutString(st.Device)
	msg.PutString(st.Status)
	msg.PutU32(st.Strength)
	msg.PutU32(st.Quality)
	msg.PutU32(st.SNR)
	msg.PutU32(st.BER)
	msg.PutU32(st.UNC)
	return msg
}

// StatusMessage carries a session lifecycle note (retune, source loss).
func StatusMessage(text string) *wire.Message {
	msg := wire.NewMessage(wire.MsgStreamStatus, wire.ChannelStatus)
	msg.PutString(text)
	return msg
}

// DetachMessage tells the client the source dropped and the session is
// over.
func DetachMessage() *wire.Message {
	return wire.NewMessage(wire.MsgStreamDetach, wire.ChannelStatus)
}

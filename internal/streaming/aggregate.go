package streaming

import (
	"bytes"

	"github.com/harix786/vdr-plugin-robotv/internal/wire"
)

// newAggregate starts an aggregate stream-data message. The payload
// leads with two signed 64-bit positions (timeshift start and current
// wallclock for live, start and end time for playback), followed by a
// sequence of independently framed inner messages.
func newAggregate(lead0, lead1 int64) *wire.Message {
	msg := wire.NewMessage(wire.MsgStreamMuxPacket, wire.ChannelStream)
	msg.DisableChecksum()
	msg.PutS64(lead0)
	msg.PutS64(lead1)
	return msg
}

// appendFramed appends one inner message to the aggregate, including
// its wire header, so the receiver can split the payload with the
// ordinary message reader.
func appendFramed(agg, inner *wire.Message) error {
	var buf bytes.Buffer
	if err := wire.WriteMessage(&buf, inner); err != nil {
		return err
	}
	agg.PutBlob(buf.Bytes())
	return nil
}

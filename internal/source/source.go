// Package source provides the raw transport stream feeds a streaming
// session attaches to: a live SRT pull and a stored recording file.
package source

import "context"

// PacketFunc receives one aligned 188-byte transport stream packet. The
// buffer is only valid for the duration of the call.
type PacketFunc func(pkt []byte)

// SignalStatus describes the health of a live source, reported to the
// client in the signal-info message.
type SignalStatus struct {
	Device   string
	Status   string
	Strength uint32
	Quality  uint32
	SNR      uint32
	BER      uint32
	UNC      uint32
}

// TsSource is a live capture feed. Attach registers the packet callback
// and starts delivery; Detach stops it. A source delivers to at most one
// callback at a time.
type TsSource interface {
	Attach(ctx context.Context, cb PacketFunc) error
	Detach()
	SignalStatus() SignalStatus
}

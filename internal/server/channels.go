package server

import (
	"context"
	"log/slog"

	"github.com/harix786/vdr-plugin-robotv/internal/config"
	"github.com/harix786/vdr-plugin-robotv/internal/protocol"
	"github.com/harix786/vdr-plugin-robotv/internal/source"
)

// SRTChannels resolves channel uids to SRT live sources from the
// configured channel map.
type SRTChannels struct {
	log      *slog.Logger
	channels map[uint32]config.Channel
}

// NewSRTChannels creates the resolver. If log is nil, slog.Default()
// is used.
func NewSRTChannels(channels map[uint32]config.Channel, log *slog.Logger) *SRTChannels {
	if log == nil {
		log = slog.Default()
	}
	return &SRTChannels{
		log:      log.With("component", "channels"),
		channels: channels,
	}
}

// OpenSource returns a fresh SRT source for the channel. Every session
// gets its own caller connection, so sessions never contend for a feed.
func (s *SRTChannels) OpenSource(_ context.Context, uid uint32) (source.TsSource, error) {
	ch, ok := s.channels[uid]
	if !ok {
		return nil, protocol.ErrUnknownChannel
	}
	return source.NewSRTSource(ch.Addr, ch.StreamID, s.log), nil
}

// Len returns the number of configured channels.
func (s *SRTChannels) Len() int {
	return len(s.channels)
}

// Package protocol implements the request side of the wire protocol:
// version negotiation, session open/close, and the dispatch of stream
// requests onto the live and playback orchestrators.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harix786/vdr-plugin-robotv/internal/cache"
	"github.com/harix786/vdr-plugin-robotv/internal/demux"
	"github.com/harix786/vdr-plugin-robotv/internal/source"
	"github.com/harix786/vdr-plugin-robotv/internal/streaming"
	"github.com/harix786/vdr-plugin-robotv/internal/wire"
)

// ErrUnknownChannel is returned by an Opener when no channel exists for
// the requested uid. It maps to StatusDataInvalid on the wire.
var ErrUnknownChannel = errors.New("protocol: unknown channel")

// ErrSourceBusy is returned by an Opener when the capture source is
// held by another exclusive user. It maps to StatusDataLocked, so the
// client can retry later instead of giving up.
var ErrSourceBusy = errors.New("protocol: source busy")

// ErrUnknownRecording is returned by a Recordings resolver for an id
// that does not exist. It maps to StatusDataInvalid.
var ErrUnknownRecording = errors.New("protocol: unknown recording")

// Opener provides live TS sources by channel uid.
type Opener interface {
	OpenSource(ctx context.Context, uid uint32) (source.TsSource, error)
}

// Recordings resolves recording ids to file paths.
type Recordings interface {
	Resolve(id string) (string, error)
}

// Controller drives one client's protocol state: the negotiated
// version, at most one live session, and at most one playback session.
// Requests arrive serialized from the connection's read loop; the debug
// API may inspect state concurrently, so all access locks.
type Controller struct {
	log        *slog.Logger
	cache      *cache.ChannelCache
	sources    Opener
	recordings Recordings

	// notify delivers async messages (status, detach) to the client,
	// outside the request/response flow. May be nil.
	notify func(*wire.Message)

	// maxQueueBytes bounds each session's timeshift backlog. Zero
	// selects the queue default.
	maxQueueBytes int64

	mu      sync.Mutex
	version int
	live    *streaming.LiveStreamer
	player  *streaming.Player
}

// NewController creates a controller for one client connection. The
// version starts at the protocol minimum until the client says hello.
// maxQueueBytes bounds every session's timeshift backlog; zero selects
// the queue default. If log is nil, slog.Default() is used.
func NewController(sources Opener, recordings Recordings, cc *cache.ChannelCache, maxQueueBytes int64, notify func(*wire.Message), log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:           log.With("component", "protocol"),
		cache:         cc,
		sources:       sources,
		recordings:    recordings,
		notify:        notify,
		maxQueueBytes: maxQueueBytes,
		version:       wire.ProtocolVersionMin,
	}
}

// HandleMessage dispatches one client request and returns the message
// to send back. Stream requests may return an aggregate stream-data
// message instead of a plain response; every other opcode answers on
// the request/response channel.
func (c *Controller) HandleMessage(ctx context.Context, req *wire.Message) *wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.MsgID() {
	case wire.MsgHello:
		return c.handleHello(req)

	case wire.MsgChannelStreamOpen:
		return c.handleChannelOpen(ctx, req)
	case wire.MsgChannelStreamClose:
		return c.handleChannelClose(req)
	case wire.MsgChannelStreamRequest:
		return c.handleChannelRequest(req)
	case wire.MsgChannelStreamPause:
		return c.handleChannelPause(req)
	case wire.MsgChannelStreamSignal:
		return c.handleChannelSignal(req)
	case wire.MsgChannelStreamSeek:
		return c.handleChannelSeek(req)

	case wire.MsgRecStreamOpen:
		return c.handleRecOpen(req)
	case wire.MsgRecStreamClose:
		return c.handleRecClose(req)
	case wire.MsgRecStreamRequest:
		return c.handleRecRequest(req)
	case wire.MsgRecStreamSeek:
		return c.handleRecSeek(req)
	}

	c.log.Warn("unknown opcode", "msg_id", req.MsgID())
	return statusResponse(req, wire.StatusError)
}

// response creates an empty reply correlated to req.
func response(req *wire.Message) *wire.Message {
	resp := wire.NewMessage(req.MsgID(), wire.ChannelRequestResponse)
	resp.SetClientID(req.ClientID())
	return resp
}

func statusResponse(req *wire.Message, status uint32) *wire.Message {
	resp := response(req)
	resp.PutU32(status)
	return resp
}

// handleHello negotiates the protocol version: the highest version both
// sides support, never below the minimum.
func (c *Controller) handleHello(req *wire.Message) *wire.Message {
	clientVersion, err := req.U32()
	if err != nil {
		return statusResponse(req, wire.StatusError)
	}
	clientName := ""
	if !req.EOP() {
		clientName, _ = req.String()
	}

	v := int(clientVersion)
	if v > wire.ProtocolVersionMax {
		v = wire.ProtocolVersionMax
	}
	if v < wire.ProtocolVersionMin {
		v = wire.ProtocolVersionMin
	}
	c.version = v

	c.log.Info("client hello", "client", clientName, "requested", clientVersion, "negotiated", v)

	resp := statusResponse(req, wire.StatusOK)
	resp.PutU32(uint32(v))
	return resp
}

// openConfig parses the optional trailing fields shared by the channel
// and recording open requests. The raw-PTS flag exists only from
// protocol version 2 on; version 1 clients go straight from the
// key-frame flag to the language.
func (c *Controller) openConfig(req *wire.Message) (streaming.LiveConfig, int32) {
	cfg := streaming.LiveConfig{MaxQueueBytes: c.maxQueueBytes}
	var priority int32

	if !req.EOP() {
		priority, _ = req.S32()
	}
	if !req.EOP() {
		v, _ := req.U8()
		cfg.WaitForKeyFrame = v != 0
	}
	if c.version >= 2 && !req.EOP() {
		v, _ := req.U8()
		cfg.RawPTS = v != 0
	}
	if !req.EOP() {
		cfg.Language, _ = req.String()
	}
	if !req.EOP() {
		v, _ := req.U8()
		cfg.PreferredType = demux.Type(v)
	}
	return cfg, priority
}

func openStatus(err error) uint32 {
	switch {
	case errors.Is(err, ErrUnknownChannel), errors.Is(err, ErrUnknownRecording):
		return wire.StatusDataInvalid
	case errors.Is(err, ErrSourceBusy):
		return wire.StatusDataLocked
	default:
		return wire.StatusError
	}
}

func (c *Controller) handleChannelOpen(ctx context.Context, req *wire.Message) *wire.Message {
	uid, err := req.U32()
	if err != nil {
		return statusResponse(req, wire.StatusError)
	}
	cfg, priority := c.openConfig(req)

	src, err := c.sources.OpenSource(ctx, uid)
	if err != nil {
		c.log.Warn("opening channel failed", "uid", uid, "error", err)
		return statusResponse(req, openStatus(err))
	}

	if c.live != nil {
		// Retune: the old session goes away, tell the client.
		c.live.Close()
		c.live = nil
		c.send(streaming.StatusMessage("retune"))
	}

	s := streaming.NewLiveStreamer(src, c.cache, cfg, c.log)
	if err := s.SwitchChannel(ctx, uid); err != nil {
		c.log.Warn("channel switch failed", "uid", uid, "error", err)
		s.Close()
		return statusResponse(req, wire.StatusError)
	}
	c.live = s

	c.log.Info("channel open", "uid", uid, "priority", priority,
		"key_frame_wait", cfg.WaitForKeyFrame, "raw_pts", cfg.RawPTS)
	return statusResponse(req, wire.StatusOK)
}

func (c *Controller) handleChannelClose(req *wire.Message) *wire.Message {
	if c.live != nil {
		c.live.Close()
		c.live = nil
		c.send(streaming.DetachMessage())
	}
	return statusResponse(req, wire.StatusOK)
}

func (c *Controller) handleChannelRequest(req *wire.Message) *wire.Message {
	if c.live == nil {
		return response(req)
	}
	if agg := c.live.RequestPacket(); agg != nil {
		return agg
	}
	// Nothing buffered yet, the client polls again later.
	return response(req)
}

func (c *Controller) handleChannelPause(req *wire.Message) *wire.Message {
	on, err := req.U8()
	if err != nil || c.live == nil {
		return statusResponse(req, wire.StatusError)
	}
	c.live.Pause(on != 0)
	return statusResponse(req, wire.StatusOK)
}

func (c *Controller) handleChannelSignal(req *wire.Message) *wire.Message {
	if c.live == nil {
		return statusResponse(req, wire.StatusError)
	}
	return c.live.SignalInfo()
}

func (c *Controller) handleChannelSeek(req *wire.Message) *wire.Message {
	wallclock, err := req.S64()
	if err != nil || c.live == nil {
		return statusResponse(req, wire.StatusError)
	}

	pts, err := c.live.SeekTo(wallclock)
	if err != nil {
		return statusResponse(req, wire.StatusError)
	}
	resp := statusResponse(req, wire.StatusOK)
	resp.PutS64(pts)
	return resp
}

func (c *Controller) handleRecOpen(req *wire.Message) *wire.Message {
	id, err := req.String()
	if err != nil {
		return statusResponse(req, wire.StatusError)
	}
	cfg, _ := c.openConfig(req)

	path, err := c.recordings.Resolve(id)
	if err != nil {
		c.log.Warn("resolving recording failed", "id", id, "error", err)
		return statusResponse(req, openStatus(err))
	}

	rec, err := source.OpenRecording(path, c.log)
	if err != nil {
		c.log.Warn("opening recording failed", "id", id, "error", err)
		return statusResponse(req, wire.StatusError)
	}

	if c.player != nil {
		c.player.Close()
	}
	c.player = streaming.NewPlayer(rec, cfg, c.log)

	c.log.Info("recording open", "id", id, "length", rec.TotalLength(), "duration_ms", rec.DurationMs())

	resp := statusResponse(req, wire.StatusOK)
	resp.PutS64(rec.TotalLength())
	resp.PutU32(uint32(rec.DurationMs()))
	return resp
}

func (c *Controller) handleRecClose(req *wire.Message) *wire.Message {
	if c.player != nil {
		if err := c.player.Close(); err != nil {
			c.log.Warn("closing recording failed", "error", err)
		}
		c.player = nil
	}
	return statusResponse(req, wire.StatusOK)
}

func (c *Controller) handleRecRequest(req *wire.Message) *wire.Message {
	if c.player == nil {
		return response(req)
	}
	if agg := c.player.RequestPacket(); agg != nil {
		return agg
	}
	return response(req)
}

func (c *Controller) handleRecSeek(req *wire.Message) *wire.Message {
	wallclock, err := req.S64()
	if err != nil || c.player == nil {
		return statusResponse(req, wire.StatusError)
	}

	pts, err := c.player.SeekTo(wallclock)
	if err != nil {
		return statusResponse(req, wire.StatusError)
	}
	resp := statusResponse(req, wire.StatusOK)
	resp.PutS64(pts)
	return resp
}

func (c *Controller) send(msg *wire.Message) {
	if c.notify != nil {
		c.notify(msg)
	}
}

// Version returns the negotiated protocol version.
func (c *Controller) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// SessionInfo describes the controller's active sessions, for the
// debug API.
type SessionInfo struct {
	Version int                `json:"version"`
	Live    demux.StreamBundle `json:"live,omitempty"`
	Player  demux.StreamBundle `json:"player,omitempty"`
}

// Info snapshots the controller state.
func (c *Controller) Info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := SessionInfo{Version: c.version}
	if c.live != nil {
		info.Live = c.live.Bundle()
	}
	if c.player != nil {
		info.Player = c.player.Bundle()
	}
	return info
}

// Close tears down all sessions. Called when the connection drops.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live != nil {
		c.live.Close()
		c.live = nil
	}
	if c.player != nil {
		if err := c.player.Close(); err != nil {
			c.log.Warn("closing recording failed", "error", err)
		}
		c.player = nil
	}
}

// String implements fmt.Stringer for log output.
func (c *Controller) String() string {
	info := c.Info()
	return fmt.Sprintf("protocol v%d live=%d player=%d", info.Version, len(info.Live), len(info.Player))
}

package wire

// Protocol versions. Version 1 clients omit the raw-PTS flag in the
// channel-stream open request; version 2 clients include it. The server
// answers a hello with the highest version both sides support.
const (
	ProtocolVersionMin = 1
	ProtocolVersionMax = 2
)

// Logical sub-channel ids carried in the message header.
const (
	ChannelRequestResponse uint16 = 1
	ChannelStream          uint16 = 2
	ChannelStatus          uint16 = 3
)

// Request opcodes (client to server).
const (
	MsgHello uint16 = 1

	// Live channel streaming (20-39).
	MsgChannelStreamOpen    uint16 = 20
	MsgChannelStreamClose   uint16 = 21
	MsgChannelStreamRequest uint16 = 22
	MsgChannelStreamPause   uint16 = 23
	MsgChannelStreamSignal  uint16 = 24
	MsgChannelStreamSeek    uint16 = 25

	// Recording playback (40-59).
	MsgRecStreamOpen    uint16 = 40
	MsgRecStreamClose   uint16 = 41
	MsgRecStreamRequest uint16 = 42
	MsgRecStreamSeek    uint16 = 43
)

// Async stream-channel messages (server to client).
const (
	MsgStreamChange     uint16 = 1
	MsgStreamStatus     uint16 = 2
	MsgStreamSignalInfo uint16 = 3
	MsgStreamMuxPacket  uint16 = 5
	MsgStreamDetach     uint16 = 7
	MsgStreamCaption    uint16 = 8
)

// Status codes returned in request responses.
const (
	StatusOK               uint32 = 0
	StatusRecordingRunning uint32 = 1
	StatusDataLocked       uint32 = 2
	StatusDataInvalid      uint32 = 3
	StatusError            uint32 = 4
)

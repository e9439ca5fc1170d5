// Package queue implements the timeshift packet queue sitting between a
// live demuxer and a client session. Demuxed packets are enqueued as framed
// wire messages together with enough metadata to support keyframe gating,
// pause with a bounded backlog, and wallclock-based seeking inside the
// retained window.
package queue

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/harix786/vdr-plugin-robotv/internal/demux"
	"github.com/harix786/vdr-plugin-robotv/internal/wire"
)

// ErrTimeshiftExhausted is returned by Write when the session is paused
// and the retained backlog has reached its byte budget. The incoming
// packet is dropped; resuming playback will miss it.
var ErrTimeshiftExhausted = errors.New("queue: timeshift buffer exhausted")

// ErrEmpty is returned by SeekTo on a queue with no retained items.
var ErrEmpty = errors.New("queue: empty")

// DefaultMaxBytes bounds the retained backlog per session.
const DefaultMaxBytes = 256 << 20

// Item is one queued wire message with the metadata needed for gating
// and seeking. Non-media messages (stream changes, signal updates) carry
// ContentNone and pass every gate.
type Item struct {
	Msg       *wire.Message
	Content   demux.Content
	FrameType demux.FrameType
	PTS       int64
	Wallclock int64 // milliseconds since epoch
}

func (it *Item) size() int64 {
	return int64(it.Msg.PayloadLength()) + 16
}

// Queue is a bounded FIFO with a movable read cursor. Items already read
// stay retained until the byte budget pushes them out, so the reader can
// seek backwards within the window. All methods are safe for concurrent
// use.
type Queue struct {
	mu       sync.Mutex
	log      *slog.Logger
	items    []*Item
	readPos  int
	bytes    int64
	maxBytes int64
	paused   bool
}

// NewQueue creates a queue with the given byte budget. A non-positive
// budget selects DefaultMaxBytes. If log is nil, slog.Default() is used.
func NewQueue(maxBytes int64, log *slog.Logger) *Queue {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		log:      log.With("component", "queue"),
		maxBytes: maxBytes,
	}
}

// Write appends an item. When the budget is exceeded, the oldest retained
// items are dropped; while paused, unread items are never dropped and the
// write itself fails with ErrTimeshiftExhausted instead.
func (q *Queue) Write(it *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, it)
	q.bytes += it.size()

	for q.bytes > q.maxBytes && len(q.items) > 1 {
		if q.readPos == 0 {
			if q.paused {
				// Dropping unread items would corrupt the paused
				// backlog, reject the newest instead.
				last := len(q.items) - 1
				q.bytes -= q.items[last].size()
				q.items = q.items[:last]
				return ErrTimeshiftExhausted
			}
			q.log.Debug("reader lagging, dropping oldest packet")
		} else {
			q.readPos--
		}
		q.bytes -= q.items[0].size()
		q.items = q.items[1:]
	}

	return nil
}

// Read returns the next unread item, or nil when the cursor is at the
// end or the queue is paused. With requireKeyFrame set, media items are
// discarded until a video I-frame is reached; non-media items are still
// delivered.
func (q *Queue) Read(requireKeyFrame bool) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil
	}

	for q.readPos < len(q.items) {
		it := q.items[q.readPos]
		q.readPos++

		if !requireKeyFrame || it.Content == demux.ContentNone {
			return it
		}
		if it.Content == demux.ContentVideo && it.FrameType == demux.FrameI {
			return it
		}
		// Media before the keyframe is discarded.
	}
	return nil
}

// Pause toggles paused mode. While paused, Read yields nothing and the
// backlog grows up to the byte budget; unpausing resumes delivery from
// the oldest unread item, not from live.
func (q *Queue) Pause(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = on
}

// IsPaused reports the paused state.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SeekTo moves the read cursor to the first retained item whose
// wallclock is at or after the target, clamping to the retained window.
// It returns the PTS of the item now under the cursor.
func (q *Queue) SeekTo(wallclockMs int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return 0, ErrEmpty
	}

	pos := len(q.items) - 1
	for i, it := range q.items {
		if it.Wallclock >= wallclockMs {
			pos = i
			break
		}
	}

	q.readPos = pos
	return q.items[pos].PTS, nil
}

// TimeshiftStart returns the wallclock of the oldest retained item in
// milliseconds, or 0 when the queue is empty.
func (q *Queue) TimeshiftStart() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return 0
	}
	return q.items[0].Wallclock
}

// Len returns the number of unread items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.readPos
}

// Bytes returns the total size of retained items.
func (q *Queue) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Clear drops all retained items and resets the cursor and paused state.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.readPos = 0
	q.bytes = 0
	q.paused = false
}

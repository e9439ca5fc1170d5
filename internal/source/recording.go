package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
)

// ptsWrap is the modulus of the 33-bit 90 kHz timestamp.
const ptsWrap = int64(1) << 33

// probeWindow is how many bytes are scanned at each end of a recording
// to find its first and last presentation timestamps.
const probeWindow = 2 << 20

// RecordingSource reads a stored transport stream file. Playback pulls
// blocks by position; the duration is derived from the first and last
// PTS found in the file and can be refreshed while the recording is
// still being written.
type RecordingSource struct {
	log  *slog.Logger
	path string
	f    *os.File

	mu         sync.Mutex
	total      int64
	firstPTS   int64
	durationMs int64
	endTime    time.Time
}

// OpenRecording opens the transport stream file at path and probes its
// length and duration. If log is nil, slog.Default() is used.
func OpenRecording(path string, log *slog.Logger) (*RecordingSource, error) {
	if log == nil {
		log = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}

	r := &RecordingSource{
		log:  log.With("component", "recording"),
		path: path,
		f:    f,
	}
	if err := r.Refresh(); err != nil {
		f.Close()
		return nil, err
	}

	r.log.Info("recording opened", "path", path,
		"bytes", r.TotalLength(), "duration_ms", r.DurationMs())
	return r, nil
}

// Refresh re-stats the file and re-probes the tail. Call it while a
// recording is still growing to pick up the new end position.
func (r *RecordingSource) Refresh() error {
	fi, err := r.f.Stat()
	if err != nil {
		return fmt.Errorf("stat recording: %w", err)
	}

	head := make([]byte, probeWindow)
	n, err := r.f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("probing recording head: %w", err)
	}
	first, okFirst := scanPTS(head[:n], false)

	tailPos := fi.Size() - probeWindow
	if tailPos < 0 {
		tailPos = 0
	}
	tail := make([]byte, probeWindow)
	n, err = r.f.ReadAt(tail, tailPos)
	if err != nil && err != io.EOF {
		return fmt.Errorf("probing recording tail: %w", err)
	}
	last, okLast := scanPTS(tail[:n], true)

	var durationMs int64
	if okFirst && okLast {
		delta := last - first
		if delta < 0 {
			delta += ptsWrap
		}
		durationMs = delta / 90
	}

	r.mu.Lock()
	r.total = fi.Size()
	r.firstPTS = first
	r.durationMs = durationMs
	r.endTime = fi.ModTime()
	r.mu.Unlock()
	return nil
}

// ReadBlock reads up to size bytes at pos. A short block at the end of
// the file is returned without error; io.EOF means pos is at or past
// the end.
func (r *RecordingSource) ReadBlock(pos int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := r.f.ReadAt(buf, pos)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("reading recording block: %w", err)
	}
	return nil, io.EOF
}

// TotalLength returns the file size at the last Refresh.
func (r *RecordingSource) TotalLength() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// DurationMs returns the recording duration in milliseconds, derived
// from the first and last PTS. Zero when no timestamps were found.
func (r *RecordingSource) DurationMs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.durationMs
}

// FirstPTS returns the earliest presentation timestamp in the file.
func (r *RecordingSource) FirstPTS() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstPTS
}

// StartTime returns the wallclock time of the recording start, derived
// from the file modification time and the probed duration.
func (r *RecordingSource) StartTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endTime.Add(-time.Duration(r.durationMs) * time.Millisecond)
}

// EndTime returns the wallclock time of the recording end.
func (r *RecordingSource) EndTime() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endTime
}

// Close releases the file handle.
func (r *RecordingSource) Close() error {
	return r.f.Close()
}

// scanPTS demuxes the probe window and returns the first (or, with
// last set, the final) PES presentation timestamp found. The demuxer
// resynchronizes on garbage at the window edges and drains partial PES
// payloads at the end of the buffer.
func scanPTS(buf []byte, last bool) (int64, bool) {
	dmx := mpegts.NewDemuxer(context.Background(), bytes.NewReader(buf))

	var pts int64
	found := false
	for {
		data, err := dmx.NextData()
		if err != nil {
			break
		}
		pes := data.PES
		if pes == nil || pes.Header.OptionalHeader == nil || pes.Header.OptionalHeader.PTS == nil {
			continue
		}
		pts = pes.Header.OptionalHeader.PTS.Base
		found = true
		if !last {
			break
		}
	}
	return pts, found
}

// Package config loads server settings from the environment, with
// optional .env file support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds everything the server needs to start. Every field has a
// working default so a bare binary comes up on loopback.
type Config struct {
	// TCPAddr is the plain wire protocol listener.
	TCPAddr string
	// QUICAddr is the QUIC wire protocol listener.
	QUICAddr string
	// APIAddr is the HTTP debug/metrics listener.
	APIAddr string

	// CacheFile is the sqlite file holding the channel layout cache.
	CacheFile string
	// RecordingsDir is where recording ids resolve to .ts files.
	RecordingsDir string

	// Channels maps channel uids to their SRT sources.
	Channels map[uint32]Channel

	// MaxQueueBytes bounds each session's timeshift backlog.
	MaxQueueBytes int64
}

// Channel is one tunable live channel: the SRT address of its feed and
// the stream id presented to the remote peer.
type Channel struct {
	Addr     string
	StreamID string
}

// Load reads the .env file (when present) and builds the configuration
// from the environment.
func Load() (*Config, error) {
	// A missing .env is fine, the environment still applies.
	_ = godotenv.Load()

	cfg := &Config{
		TCPAddr:       GetEnv("TCP_ADDR", ":34892"),
		QUICAddr:      GetEnv("QUIC_ADDR", ":34893"),
		APIAddr:       GetEnv("API_ADDR", ":8080"),
		CacheFile:     GetEnv("CACHE_FILE", "channels.db"),
		RecordingsDir: GetEnv("RECORDINGS_DIR", "recordings"),
		MaxQueueBytes: int64(GetEnvInt("MAX_QUEUE_MB", 256)) << 20,
	}

	channels, err := ParseChannels(os.Getenv("CHANNELS"))
	if err != nil {
		return nil, err
	}
	cfg.Channels = channels

	return cfg, nil
}

// ParseChannels parses the CHANNELS variable: semicolon-separated
// `uid=address` entries, where address may carry a `#streamid` suffix.
//
//	CHANNELS="1=srt://10.0.0.5:6000#das-erste;2=srt://10.0.0.5:6001"
func ParseChannels(s string) (map[uint32]Channel, error) {
	channels := make(map[uint32]Channel)
	if s == "" {
		return channels, nil
	}

	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		uidStr, addr, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("config: channel entry %q: missing '='", entry)
		}
		uid, err := strconv.ParseUint(strings.TrimSpace(uidStr), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: channel entry %q: bad uid: %w", entry, err)
		}

		ch := Channel{Addr: strings.TrimSpace(addr)}
		if a, id, ok := strings.Cut(ch.Addr, "#"); ok {
			ch.Addr, ch.StreamID = a, id
		}
		if ch.Addr == "" {
			return nil, fmt.Errorf("config: channel entry %q: empty address", entry)
		}

		channels[uint32(uid)] = ch
	}
	return channels, nil
}

// GetEnv returns the environment variable named by key, or fallback if
// unset or empty.
func GetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named
// by key, or fallback if unset, empty, or not an integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

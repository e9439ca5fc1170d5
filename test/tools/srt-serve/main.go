// Command srt-serve serves a transport stream file over SRT in listener
// mode, so a robotv channel configured with this address can pull it as
// a live feed. The file is paced at a fixed bitrate and can loop, which
// makes any capture a repeatable test channel.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// chunkSize is the standard SRT payload: 7 TS packets of 188 bytes.
const chunkSize = 1316

func main() {
	fileFlag := flag.String("file", "", "TS file to serve")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listen address")
	bitrateFlag := flag.Int("bitrate", 4_000_000, "pacing bitrate in bits per second")
	loopFlag := flag.Bool("loop", true, "restart from the beginning at EOF")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *fileFlag == "" {
		fmt.Fprintln(os.Stderr, "usage: srt-serve --file stream.ts [--addr host:port] [--bitrate bps] [--loop=false]")
		os.Exit(1)
	}

	data, err := os.ReadFile(*fileFlag)
	if err != nil {
		slog.Error("reading file failed", "error", err)
		os.Exit(1)
	}
	if len(data) == 0 {
		slog.Error("file is empty", "file", *fileFlag)
		os.Exit(1)
	}

	cfg := srtgo.DefaultConfig()
	l, err := srtgo.Listen(*addrFlag, cfg)
	if err != nil {
		slog.Error("listen failed", "addr", *addrFlag, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	slog.Info("serving", "file", *fileFlag, "addr", *addrFlag,
		"bytes", len(data), "bitrate", *bitrateFlag, "loop", *loopFlag)

	for {
		conn, err := l.Accept()
		if err != nil {
			slog.Warn("accept error", "error", err)
			continue
		}
		slog.Info("caller connected", "remote", conn.RemoteAddr(), "stream_id", conn.StreamID())
		go serve(conn, data, *bitrateFlag, *loopFlag)
	}
}

// serve pushes the file through conn at the configured bitrate until
// the caller hangs up.
func serve(conn *srtgo.Conn, data []byte, bitrate int, loop bool) {
	defer conn.Close()

	interval := time.Duration(chunkSize*8) * time.Second / time.Duration(bitrate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	pos := 0
	for range ticker.C {
		end := pos + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if _, err := conn.Write(data[pos:end]); err != nil {
			slog.Info("caller gone", "remote", conn.RemoteAddr(), "bytes", sent)
			return
		}
		sent += end - pos
		pos = end

		if pos >= len(data) {
			if !loop {
				slog.Info("file served", "remote", conn.RemoteAddr(), "bytes", sent)
				return
			}
			pos = 0
		}
	}
}

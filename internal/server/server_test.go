package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harix786/vdr-plugin-robotv/internal/cache"
	"github.com/harix786/vdr-plugin-robotv/internal/config"
	"github.com/harix786/vdr-plugin-robotv/internal/metrics"
	"github.com/harix786/vdr-plugin-robotv/internal/protocol"
	"github.com/harix786/vdr-plugin-robotv/internal/source"
	"github.com/harix786/vdr-plugin-robotv/internal/wire"
)

type failingOpener struct{ err error }

func (f *failingOpener) OpenSource(_ context.Context, _ uint32) (source.TsSource, error) {
	return nil, f.err
}

func newTestServer(t *testing.T, sources protocol.Opener) *Server {
	t.Helper()
	cc, err := cache.Open(filepath.Join(t.TempDir(), "channels.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cc.Close() })

	cfg := &config.Config{
		TCPAddr:       "127.0.0.1:0",
		RecordingsDir: t.TempDir(),
	}
	return New(cfg, cc, sources, NewDirRecordings(cfg.RecordingsDir), metrics.New(), nil)
}

func roundTrip(t *testing.T, conn net.Conn, req *wire.Message) *wire.Message {
	t.Helper()
	if err := wire.WriteMessage(conn, req); err != nil {
		t.Fatal(err)
	}
	resp, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestSessionHelloAndOpen(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &failingOpener{err: protocol.ErrUnknownChannel})

	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	sess := s.newSession(server, "pipe")
	go func() { done <- sess.run(ctx) }()

	hello := wire.NewMessage(wire.MsgHello, wire.ChannelRequestResponse)
	hello.PutU32(2)
	hello.PutString("test client")
	resp := roundTrip(t, client, hello)

	status, _ := resp.U32()
	version, _ := resp.U32()
	if status != wire.StatusOK || version != 2 {
		t.Fatalf("hello status=%d version=%d", status, version)
	}

	open := wire.NewMessage(wire.MsgChannelStreamOpen, wire.ChannelRequestResponse)
	open.PutU32(42)
	resp = roundTrip(t, client, open)

	status, _ = resp.U32()
	if status != wire.StatusDataInvalid {
		t.Fatalf("open status = %d, want data invalid", status)
	}

	client.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("session error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("session did not end after the client hung up")
	}
}

func TestSessionNotifyReachesClient(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &failingOpener{err: protocol.ErrUnknownChannel})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := s.newSession(server, "pipe")

	// Async controller messages bypass the request loop and go straight
	// to the connection through the session's notify path.
	got := make(chan *wire.Message, 1)
	go func() {
		if m, err := wire.ReadMessage(client); err == nil {
			got <- m
		}
	}()

	sess.notify(wire.NewMessage(wire.MsgStreamDetach, wire.ChannelStatus))

	select {
	case m := <-got:
		if m.MsgID() != wire.MsgStreamDetach || m.ChannelID() != wire.ChannelStatus {
			t.Errorf("got msg %d on channel %d, want detach on status", m.MsgID(), m.ChannelID())
		}
	case <-time.After(time.Second):
		t.Fatal("async message never reached the client")
	}
}

func TestSessionTracksForAPI(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &failingOpener{err: protocol.ErrUnknownChannel})

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := s.newSession(server, "pipe")
	s.track(sess)
	defer s.untrack(sess)

	infos := s.SessionInfos()
	if len(infos) != 1 {
		t.Fatalf("sessions = %d, want 1", len(infos))
	}
}

func TestAPIHandler(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, &failingOpener{err: protocol.ErrUnknownChannel})
	h := s.APIHandler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/api/sessions"); rec.Code != http.StatusOK {
		t.Errorf("/api/sessions = %d", rec.Code)
	}

	rec := get("/api/cache")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/cache = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["channels"] != float64(0) {
		t.Errorf("channels = %v, want 0", body["channels"])
	}

	if rec := get("/api/cache/999"); rec.Code != http.StatusNotFound {
		t.Errorf("/api/cache/999 = %d, want 404", rec.Code)
	}
	if rec := get("/api/cache/nope"); rec.Code != http.StatusBadRequest {
		t.Errorf("/api/cache/nope = %d, want 400", rec.Code)
	}
	if rec := get("/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}
}

func TestDirRecordingsResolve(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "news.ts"), []byte{0x47}, 0o644); err != nil {
		t.Fatal(err)
	}
	d := NewDirRecordings(dir)

	path, err := d.Resolve("news")
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "news.ts") {
		t.Errorf("path = %q", path)
	}

	if _, err := d.Resolve("news.ts"); err != nil {
		t.Errorf("explicit extension should resolve: %v", err)
	}

	for _, id := range []string{"", "missing", "../news", "a/b", `a\b`} {
		if _, err := d.Resolve(id); err == nil {
			t.Errorf("Resolve(%q) should fail", id)
		}
	}
}

func TestSRTChannelsUnknown(t *testing.T) {
	t.Parallel()
	chans := NewSRTChannels(map[uint32]config.Channel{
		1: {Addr: "srt://10.0.0.5:6000", StreamID: "one"},
	}, nil)

	if _, err := chans.OpenSource(context.Background(), 1); err != nil {
		t.Errorf("known channel: %v", err)
	}
	if _, err := chans.OpenSource(context.Background(), 2); err == nil {
		t.Error("unknown channel should fail")
	}
	if chans.Len() != 1 {
		t.Errorf("len = %d", chans.Len())
	}
}

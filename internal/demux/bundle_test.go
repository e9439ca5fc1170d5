package demux

import (
	"encoding/json"
	"testing"

	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
)

func testPMT() *mpegts.PMTData {
	return &mpegts.PMTData{
		Version: 3,
		PCRPID:  0x100,
		ElementaryStreams: []*mpegts.PMTElementaryStream{
			{ElementaryPID: 0x100, StreamType: 0x1B},
			{ElementaryPID: 0x101, StreamType: 0x0F, Language: "deu"},
			{ElementaryPID: 0x102, StreamType: 0x06, Language: "eng", HasAC3Descriptor: true},
			{ElementaryPID: 0x103, StreamType: 0x06, Language: "deu", HasSubtitlingDescriptor: true,
				SubtitlingType: 0x10, CompositionPageID: 1, AncillaryPageID: 2},
			{ElementaryPID: 0x104, StreamType: 0x06, HasTeletextDescriptor: true},
			{ElementaryPID: 0x105, StreamType: 0x06}, // plain private data, skipped
		},
	}
}

func TestNewBundleFromPMT(t *testing.T) {
	t.Parallel()
	b := NewBundleFromPMT(testPMT())

	if len(b) != 5 {
		t.Fatalf("expected 5 streams, got %d", len(b))
	}

	wantTypes := []Type{TypeH264, TypeAAC, TypeAC3, TypeDVBSub, TypeTeletext}
	for i, want := range wantTypes {
		if b[i].Type != want {
			t.Errorf("stream %d: type = %v, want %v", i, b[i].Type, want)
		}
	}

	if b[0].Content != ContentVideo {
		t.Errorf("H.264 content = %v, want video", b[0].Content)
	}
	if b[1].Language != "deu" {
		t.Errorf("AAC language = %q, want deu", b[1].Language)
	}

	sub := b.FindByPID(0x103)
	if sub == nil {
		t.Fatal("subtitle stream not found")
	}
	if sub.Content != ContentSubtitle || sub.CompositionPageID != 1 || sub.AncillaryPageID != 2 {
		t.Errorf("subtitle descriptor fields not carried over: %+v", sub)
	}
}

func TestBundleIsMetaOf(t *testing.T) {
	t.Parallel()
	a := NewBundleFromPMT(testPMT())
	b := NewBundleFromPMT(testPMT())

	if !a.IsMetaOf(b) {
		t.Error("identical layouts should match")
	}

	// Parsed state must not affect the comparison.
	b[0].Parsed = true
	b[0].Width = 1920
	if !a.IsMetaOf(b) {
		t.Error("parsed parameters should not affect layout comparison")
	}

	// Position-independent: reordering still matches.
	b[1], b[2] = b[2], b[1]
	if !a.IsMetaOf(b) {
		t.Error("stream order should not affect layout comparison")
	}

	// A different PID does not match.
	b[0].PID = 0x999
	if a.IsMetaOf(b) {
		t.Error("changed PID should not match")
	}

	// A missing stream does not match.
	c := a[:len(a)-1]
	if a.IsMetaOf(c) {
		t.Error("layouts of different size should not match")
	}
}

func TestBundleReorder(t *testing.T) {
	t.Parallel()
	b := StreamBundle{
		{PID: 1, Type: TypeAAC, Content: ContentAudio, Language: "eng"},
		{PID: 2, Type: TypeDVBSub, Content: ContentSubtitle},
		{PID: 3, Type: TypeAC3, Content: ContentAudio, Language: "deu"},
		{PID: 4, Type: TypeMPEG2Audio, Content: ContentAudio, Language: "deu"},
		{PID: 5, Type: TypeH264, Content: ContentVideo},
	}

	b.Reorder("deu", TypeAC3)

	wantPIDs := []uint16{5, 3, 4, 1, 2}
	for i, want := range wantPIDs {
		if b[i].PID != want {
			t.Errorf("position %d: PID = %d, want %d", i, b[i].PID, want)
		}
	}
}

func TestBundleReorderStable(t *testing.T) {
	t.Parallel()
	b := StreamBundle{
		{PID: 1, Type: TypeAAC, Content: ContentAudio, Language: "eng"},
		{PID: 2, Type: TypeAAC, Content: ContentAudio, Language: "fra"},
	}

	// No preference matches: PMT order must be preserved.
	b.Reorder("deu", TypeNone)
	if b[0].PID != 1 || b[1].PID != 2 {
		t.Errorf("unmatched reorder should keep PMT order, got %d,%d", b[0].PID, b[1].PID)
	}
}

func TestBundleJSONRoundTrip(t *testing.T) {
	t.Parallel()
	b := NewBundleFromPMT(testPMT())
	b[0].Parsed = true
	b[0].Width = 1280
	b[0].Height = 720
	b[0].SPS = []byte{0x67, 0x42, 0xE0}

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}

	var got StreamBundle
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}

	if !b.IsMetaOf(got) {
		t.Error("round-tripped bundle should match original layout")
	}
	if got[0].Width != 1280 || !got[0].Parsed {
		t.Errorf("parsed parameters lost in round trip: %+v", got[0])
	}
	if len(got[0].SPS) != 3 {
		t.Errorf("SPS lost in round trip: %v", got[0].SPS)
	}
}

func TestStreamInfoIsMetaOf(t *testing.T) {
	t.Parallel()
	a := &StreamInfo{PID: 0x101, Type: TypeAAC, Content: ContentAudio, Language: "deu"}
	b := &StreamInfo{PID: 0x101, Type: TypeAAC, Content: ContentAudio, Language: "deu",
		Parsed: true, SampleRate: 48000, Channels: 2}

	if !a.IsMetaOf(b) {
		t.Error("parsed parameters should not affect stream identity")
	}

	c := &StreamInfo{PID: 0x101, Type: TypeAC3, Content: ContentAudio, Language: "deu"}
	if a.IsMetaOf(c) {
		t.Error("different codec should not match")
	}
}

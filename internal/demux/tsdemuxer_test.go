package demux

import (
	"testing"

	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
)

// collectSink records demuxed packets and captions for assertions.
type collectSink struct {
	packets  []*StreamPacket
	captions []*CaptionPacket
}

func (s *collectSink) OnStreamPacket(p *StreamPacket) { s.packets = append(s.packets, p) }
func (s *collectSink) OnCaption(c *CaptionPacket)     { s.captions = append(s.captions, c) }

func makeTS(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, mpegts.PacketSize)
	buf[0] = mpegts.SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F)
	copy(buf[4:], payload)
	return buf
}

func encodeTimestamp(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

func makePES(streamID byte, pts int64, data []byte) []byte {
	buf := []byte{0x00, 0x00, 0x01, streamID, 0x00, 0x00, 0x80, 0x80, 0x05}
	buf = append(buf, encodeTimestamp(0x02, pts)...)
	return append(buf, data...)
}

// mpeg2Frame builds an elementary stream chunk: sequence header plus one
// picture header of the given coding type.
func mpeg2Frame(codingType byte, withSequence bool) []byte {
	var es []byte
	if withSequence {
		es = append(es, 0x00, 0x00, 0x01, 0xB3, 0x2D, 0x02, 0x40, 0x23, 0xFF, 0xFF, 0xE0, 0x18)
	}
	return append(es, 0x00, 0x00, 0x01, 0x00, 0x00, codingType<<3, 0x00, 0x00)
}

func adtsFrame(payloadLen int) []byte {
	frameLen := 7 + payloadLen
	hdr := []byte{
		0xFF, 0xF1,
		0x4C, // AAC-LC, 48 kHz
		0x80 | byte((frameLen>>11)&0x03),
		byte(frameLen >> 3),
		byte(frameLen&0x07) << 5,
		0xFC,
	}
	return append(hdr, make([]byte, payloadLen)...)
}

func TestTsDemuxerMPEG2Video(t *testing.T) {
	t.Parallel()
	sink := &collectSink{}
	info := &StreamInfo{PID: 0x100, Type: TypeMPEG2Video, Content: ContentVideo}
	d := NewTsDemuxer(info, sink, nil)

	pes1 := makePES(0xE0, 90000, mpeg2Frame(1, true))
	pes2 := makePES(0xE0, 93600, mpeg2Frame(2, false))

	feed := func(cc uint8, pes []byte) {
		p, err := mpegts.ParsePacket(makeTS(0x100, cc, true, pes))
		if err != nil {
			t.Fatal(err)
		}
		d.ProcessPacket(p)
	}

	feed(0, pes1)
	if len(sink.packets) != 0 {
		t.Fatal("packet should not flush before next PUSI")
	}
	feed(1, pes2)

	if len(sink.packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(sink.packets))
	}
	pkt := sink.packets[0]

	if pkt.FrameType != FrameI {
		t.Errorf("frame type = %v, want I", pkt.FrameType)
	}
	if pkt.PTS != 90000 {
		t.Errorf("PTS = %d, want 90000", pkt.PTS)
	}
	if pkt.DTS != 90000 {
		t.Errorf("DTS = %d, want PTS fallback 90000", pkt.DTS)
	}
	if pkt.Duration != 3600 { // 25 fps
		t.Errorf("duration = %d, want 3600", pkt.Duration)
	}

	if !info.Parsed {
		t.Error("stream should be parsed after sequence header")
	}
	if info.Width != 720 || info.Height != 576 {
		t.Errorf("size = %dx%d, want 720x576", info.Width, info.Height)
	}
}

func TestTsDemuxerAAC(t *testing.T) {
	t.Parallel()
	sink := &collectSink{}
	info := &StreamInfo{PID: 0x101, Type: TypeAAC, Content: ContentAudio, Language: "deu"}
	d := NewTsDemuxer(info, sink, nil)

	es := append(adtsFrame(16), adtsFrame(16)...)
	pes1 := makePES(0xC0, 90000, es)
	pes2 := makePES(0xC0, 93840, es)

	for cc, pes := range [][]byte{pes1, pes2} {
		p, err := mpegts.ParsePacket(makeTS(0x101, uint8(cc), true, pes))
		if err != nil {
			t.Fatal(err)
		}
		d.ProcessPacket(p)
	}

	if len(sink.packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(sink.packets))
	}
	pkt := sink.packets[0]

	if pkt.FrameType != FrameUnknown {
		t.Errorf("audio frame type = %v, want unknown", pkt.FrameType)
	}
	// Two ADTS frames of 1024 samples at 48 kHz.
	if pkt.Duration != 3840 {
		t.Errorf("duration = %d, want 3840", pkt.Duration)
	}

	if !info.Parsed {
		t.Error("stream should be parsed after first ADTS frame")
	}
	if info.SampleRate != 48000 {
		t.Errorf("sample rate = %d, want 48000", info.SampleRate)
	}
}

func TestTsDemuxerPassThroughParsed(t *testing.T) {
	t.Parallel()
	sink := &collectSink{}
	info := &StreamInfo{PID: 0x103, Type: TypeDVBSub, Content: ContentSubtitle}
	NewTsDemuxer(info, sink, nil)

	if !info.Parsed {
		t.Error("pass-through streams should be parsed immediately")
	}
}

func TestTsDemuxerH264ParameterSets(t *testing.T) {
	t.Parallel()
	sink := &collectSink{}
	info := &StreamInfo{PID: 0x100, Type: TypeH264, Content: ContentVideo}
	d := NewTsDemuxer(info, sink, nil)

	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}

	var es []byte
	es = append(es, 0x00, 0x00, 0x00, 0x01)
	es = append(es, sps...)
	es = append(es, 0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80) // PPS
	es = append(es, 0x00, 0x00, 0x00, 0x01, 0x65, 0xC0)             // IDR slice

	pes1 := makePES(0xE0, 90000, es)
	pes2 := makePES(0xE0, 93754, []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0xC0})

	for cc, pes := range [][]byte{pes1, pes2} {
		p, err := mpegts.ParsePacket(makeTS(0x100, uint8(cc), true, pes))
		if err != nil {
			t.Fatal(err)
		}
		d.ProcessPacket(p)
	}

	if len(sink.packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(sink.packets))
	}
	pkt := sink.packets[0]

	if pkt.FrameType != FrameI {
		t.Errorf("frame type = %v, want I", pkt.FrameType)
	}
	if !info.Parsed {
		t.Error("stream should be parsed after SPS")
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("size = %dx%d, want 1280x720", info.Width, info.Height)
	}
	if len(info.SPS) == 0 || len(info.PPS) == 0 {
		t.Error("parameter sets should be stored")
	}
}

func TestDemuxerBundleRouting(t *testing.T) {
	t.Parallel()
	sink := &collectSink{}
	b := NewDemuxerBundle(sink, nil)
	b.SetBundle(StreamBundle{
		{PID: 0x100, Type: TypeMPEG2Video, Content: ContentVideo},
		{PID: 0x101, Type: TypeAAC, Content: ContentAudio},
	})

	if b.Len() != 2 {
		t.Fatalf("expected 2 demuxers, got %d", b.Len())
	}

	// Two video PES packets: second flushes the first.
	if err := b.ProcessTsPacket(makeTS(0x100, 0, true, makePES(0xE0, 90000, mpeg2Frame(1, true)))); err != nil {
		t.Fatal(err)
	}
	if err := b.ProcessTsPacket(makeTS(0x100, 1, true, makePES(0xE0, 93600, mpeg2Frame(2, false)))); err != nil {
		t.Fatal(err)
	}
	// Unknown PID is ignored.
	if err := b.ProcessTsPacket(makeTS(0x999, 0, true, nil)); err != nil {
		t.Fatal(err)
	}

	if len(sink.packets) != 1 {
		t.Fatalf("expected 1 routed packet, got %d", len(sink.packets))
	}
	if sink.packets[0].Info.PID != 0x100 {
		t.Errorf("packet PID = %d, want 0x100", sink.packets[0].Info.PID)
	}

	if err := b.ProcessTsPacket([]byte{0x47}); err == nil {
		t.Error("expected error for short packet")
	}
}

func TestDemuxerBundleUpdateFromPreservesParsed(t *testing.T) {
	t.Parallel()
	sink := &collectSink{}
	b := NewDemuxerBundle(sink, nil)
	b.SetBundle(StreamBundle{
		{PID: 0x100, Type: TypeMPEG2Video, Content: ContentVideo},
	})

	// Parse the video stream.
	b.ProcessTsPacket(makeTS(0x100, 0, true, makePES(0xE0, 90000, mpeg2Frame(1, true))))
	b.ProcessTsPacket(makeTS(0x100, 1, true, makePES(0xE0, 93600, mpeg2Frame(2, false))))

	if !b.Bundle()[0].Parsed {
		t.Fatal("video stream should be parsed")
	}

	// PMT update adds an audio stream, video unchanged.
	changed := b.UpdateFrom(StreamBundle{
		{PID: 0x100, Type: TypeMPEG2Video, Content: ContentVideo},
		{PID: 0x101, Type: TypeAAC, Content: ContentAudio},
	})
	if !changed {
		t.Fatal("layout change should be reported")
	}

	sb := b.Bundle()
	if len(sb) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(sb))
	}
	if !sb[0].Parsed || sb[0].Width != 720 {
		t.Error("surviving demuxer should keep its parsed state")
	}
	if sb[1].Parsed {
		t.Error("new stream should start unparsed")
	}

	// Same layout again: no change.
	if b.UpdateFrom(b.Bundle()) {
		t.Error("identical layout should not report change")
	}
}

func TestDemuxerBundleIsReady(t *testing.T) {
	t.Parallel()
	sink := &collectSink{}
	b := NewDemuxerBundle(sink, nil)

	if b.IsReady() {
		t.Error("empty bundle should not be ready")
	}

	b.SetBundle(StreamBundle{
		{PID: 0x100, Type: TypeMPEG2Video, Content: ContentVideo},
		{PID: 0x103, Type: TypeDVBSub, Content: ContentSubtitle},
	})
	if b.IsReady() {
		t.Error("unparsed video stream should block readiness")
	}

	b.ProcessTsPacket(makeTS(0x100, 0, true, makePES(0xE0, 90000, mpeg2Frame(1, true))))
	b.ProcessTsPacket(makeTS(0x100, 1, true, makePES(0xE0, 93600, mpeg2Frame(2, false))))

	if !b.IsReady() {
		t.Error("bundle should be ready once all streams are parsed")
	}
}

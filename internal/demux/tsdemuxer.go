package demux

import (
	"log/slog"

	"github.com/harix786/vdr-plugin-robotv/internal/mpegts"
)

// Sink receives demuxed output. OnStreamPacket is called once per complete
// media frame, OnCaption once per decoded caption update.
type Sink interface {
	OnStreamPacket(p *StreamPacket)
	OnCaption(c *CaptionPacket)
}

// TsDemuxer turns the transport packets of a single PID into StreamPackets.
// It reassembles PES payloads, parses codec headers to fill in the
// StreamInfo, classifies video frames, and extracts captions from H.264
// SEI messages. If log is nil, slog.Default() is used.
type TsDemuxer struct {
	log  *slog.Logger
	info *StreamInfo
	sink Sink
	asm  mpegts.PESAssembler

	spsInfo SPSInfo
	lastDTS int64

	captions *captionDecoder
}

// NewTsDemuxer creates a demuxer for one elementary stream. The StreamInfo
// is owned by the demuxer and updated in place as codec parameters are
// discovered.
func NewTsDemuxer(info *StreamInfo, sink Sink, log *slog.Logger) *TsDemuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &TsDemuxer{
		log:  log.With("component", "tsdemuxer", "pid", info.PID, "type", info.Type.String()),
		info: info,
		sink: sink,
	}

	switch info.Type {
	case TypeDVBSub, TypeTeletext, TypeLATM:
		// Pass-through streams have no codec header to wait for.
		info.Parsed = true
	case TypeH264:
		d.captions = newCaptionDecoder(sink)
	}

	return d
}

// Info returns the stream metadata, updated in place during demuxing.
func (d *TsDemuxer) Info() *StreamInfo {
	return d.info
}

// ProcessPacket feeds one transport packet belonging to this demuxer's PID.
func (d *TsDemuxer) ProcessPacket(p *mpegts.Packet) {
	payload := d.asm.Add(p)
	if payload == nil {
		return
	}
	if !mpegts.IsPESPayload(payload) {
		return
	}

	pes, err := mpegts.ParsePES(payload)
	if err != nil {
		d.log.Debug("dropping malformed PES packet", "error", err)
		return
	}
	if len(pes.Data) == 0 {
		return
	}

	d.handlePES(pes)
}

// Reset discards any partially assembled PES payload, used on seeks and
// source discontinuities.
func (d *TsDemuxer) Reset() {
	d.asm.Reset()
	d.lastDTS = 0
}

func (d *TsDemuxer) handlePES(pes *mpegts.PESData) {
	var pts, dts int64 = -1, -1
	if pes.Header != nil && pes.Header.OptionalHeader != nil {
		if p := pes.Header.OptionalHeader.PTS; p != nil {
			pts = p.Base
		}
		if dt := pes.Header.OptionalHeader.DTS; dt != nil {
			dts = dt.Base
		}
	}
	if dts < 0 {
		dts = pts
	}

	pkt := &StreamPacket{
		Info: d.info,
		Data: pes.Data,
		PTS:  pts,
		DTS:  dts,
	}

	switch d.info.Type {
	case TypeH264:
		d.parseH264(pkt)
	case TypeH265:
		d.parseH265(pkt)
	case TypeMPEG2Video:
		d.parseMPEG2Video(pkt)
	case TypeAAC:
		d.parseAAC(pkt)
	case TypeAC3, TypeEAC3:
		d.parseAC3(pkt)
	case TypeMPEG2Audio:
		d.parseMPEGAudio(pkt)
	}

	if pkt.Duration == 0 && dts >= 0 {
		pkt.Duration = d.durationFromDTS(dts)
	}

	d.sink.OnStreamPacket(pkt)
}

// durationFromDTS estimates the frame duration from successive decode
// timestamps when the codec headers carry no timing.
func (d *TsDemuxer) durationFromDTS(dts int64) uint32 {
	defer func() { d.lastDTS = dts }()
	if d.lastDTS <= 0 || dts <= d.lastDTS {
		return 0
	}
	delta := dts - d.lastDTS
	if delta > 90000 { // longer than a second is a discontinuity, not a frame
		return 0
	}
	return uint32(delta)
}

func (d *TsDemuxer) parseH264(pkt *StreamPacket) {
	nalus := ParseAnnexB(pkt.Data)

	for _, nalu := range nalus {
		switch {
		case IsSPS(nalu.Type):
			info, err := ParseSPS(nalu.Data)
			if err != nil {
				continue
			}
			d.spsInfo = info
			setParameterSet(&d.info.SPS, nalu.Data)
			d.applyVideoInfo(info.Width, info.Height, info.DisplayAspect(),
				int(info.NumUnitsInTick)*2, int(info.TimeScale))

		case IsPPS(nalu.Type):
			setParameterSet(&d.info.PPS, nalu.Data)

		case nalu.Type == NALTypeSlice || nalu.Type == NALTypeIDR:
			if pkt.FrameType == FrameUnknown {
				pkt.FrameType = ParseSliceFrameType(nalu.Data)
			}

		case nalu.Type == NALTypeSEI:
			if d.captions != nil && pkt.PTS >= 0 {
				d.captions.processSEI(nalu.Data, pkt.PTS)
			}
		}
	}

	if d.info.FpsRate > 0 {
		pkt.Duration = uint32(90000 * int64(d.info.FpsScale) / int64(d.info.FpsRate))
	}
}

func (d *TsDemuxer) parseH265(pkt *StreamPacket) {
	nalus := ParseAnnexBHEVC(pkt.Data)

	for _, nalu := range nalus {
		switch {
		case IsHEVCVPS(nalu.Type):
			setParameterSet(&d.info.VPS, nalu.Data)

		case IsHEVCSPS(nalu.Type):
			info, err := ParseHEVCSPS(nalu.Data)
			if err != nil {
				continue
			}
			setParameterSet(&d.info.SPS, nalu.Data)
			aspect := 0.0
			if info.Height > 0 {
				aspect = float64(info.Width) / float64(info.Height)
			}
			d.applyVideoInfo(info.Width, info.Height, aspect, 0, 0)

		case IsHEVCPPS(nalu.Type):
			setParameterSet(&d.info.PPS, nalu.Data)

		case IsHEVCKeyframe(nalu.Type):
			pkt.FrameType = FrameI

		case nalu.Type < HEVCNALBlaWLP:
			// VCL NAL below the IRAP range is a trailing picture.
			if pkt.FrameType == FrameUnknown {
				pkt.FrameType = FrameP
			}
		}
	}
}

func (d *TsDemuxer) parseMPEG2Video(pkt *StreamPacket) {
	if seq, ok := ParseMPEG2Sequence(pkt.Data); ok {
		d.applyVideoInfo(seq.Width, seq.Height, seq.Aspect, seq.FpsScale, seq.FpsRate)
	}
	pkt.FrameType = ParseMPEG2FrameType(pkt.Data)

	if d.info.FpsRate > 0 {
		pkt.Duration = uint32(90000 * int64(d.info.FpsScale) / int64(d.info.FpsRate))
	}
}

func (d *TsDemuxer) applyVideoInfo(width, height int, aspect float64, fpsScale, fpsRate int) {
	if width == 0 || height == 0 {
		return
	}
	changed := d.info.Width != width || d.info.Height != height
	d.info.Width = width
	d.info.Height = height
	d.info.Aspect = aspect
	if fpsRate > 0 {
		d.info.FpsScale = fpsScale
		d.info.FpsRate = fpsRate
	}
	if !d.info.Parsed || changed {
		d.log.Debug("video stream configured",
			"width", width, "height", height,
			"fpsScale", d.info.FpsScale, "fpsRate", d.info.FpsRate)
	}
	d.info.Parsed = true
}

func (d *TsDemuxer) parseAAC(pkt *StreamPacket) {
	frames, err := ParseADTS(pkt.Data)
	if err != nil || len(frames) == 0 {
		return
	}

	first := frames[0]
	d.applyAudioInfo(AudioInfo{
		SampleRate:      first.SampleRate,
		Channels:        first.Channels,
		SamplesPerFrame: 1024,
	})

	if first.SampleRate > 0 {
		samples := int64(len(frames)) * 1024
		pkt.Duration = uint32(samples * 90000 / int64(first.SampleRate))
	}
}

func (d *TsDemuxer) parseAC3(pkt *StreamPacket) {
	info, ok := ParseAC3(pkt.Data)
	if !ok {
		return
	}
	d.applyAudioInfo(info)
	if info.SampleRate > 0 {
		pkt.Duration = uint32(int64(info.SamplesPerFrame) * 90000 / int64(info.SampleRate))
	}
}

func (d *TsDemuxer) parseMPEGAudio(pkt *StreamPacket) {
	info, ok := ParseMPEGAudio(pkt.Data)
	if !ok {
		return
	}
	d.applyAudioInfo(info)
	if info.SampleRate > 0 {
		pkt.Duration = uint32(int64(info.SamplesPerFrame) * 90000 / int64(info.SampleRate))
	}
}

func (d *TsDemuxer) applyAudioInfo(info AudioInfo) {
	d.info.SampleRate = info.SampleRate
	d.info.Channels = info.Channels
	if info.BitRate > 0 {
		d.info.BitRate = info.BitRate
	}
	if !d.info.Parsed {
		d.log.Debug("audio stream configured",
			"sampleRate", info.SampleRate, "channels", info.Channels)
	}
	d.info.Parsed = true
}

package demux

// MPEG-2 video start codes (ISO 13818-2).
const (
	mpeg2StartPicture  = 0x00
	mpeg2StartSequence = 0xB3
)

// Frame rates by frame_rate_code as (scale, rate) pairs, so the frame
// duration in 90 kHz units is 90000*scale/rate.
var mpeg2FrameRates = [9][2]int{
	{0, 0},
	{1001, 24000}, // 23.976
	{1, 24},
	{1, 25},
	{1001, 30000}, // 29.97
	{1, 30},
	{1, 50},
	{1001, 60000}, // 59.94
	{1, 60},
}

// Display aspect ratios by aspect_ratio_information.
var mpeg2AspectRatios = [5]float64{0, 1.0, 4.0 / 3.0, 16.0 / 9.0, 2.21}

// MPEG2SequenceInfo holds parameters from an MPEG-2 sequence header.
type MPEG2SequenceInfo struct {
	Width    int
	Height   int
	Aspect   float64
	FpsScale int
	FpsRate  int
}

// ParseMPEG2Sequence scans an MPEG-2 elementary stream for a sequence
// header and extracts size, aspect ratio, and frame rate. Returns false
// when no sequence header is present.
func ParseMPEG2Sequence(data []byte) (MPEG2SequenceInfo, bool) {
	for i := 0; i+11 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 || data[i+3] != mpeg2StartSequence {
			continue
		}
		h := data[i+4:]

		info := MPEG2SequenceInfo{
			Width:  int(h[0])<<4 | int(h[1]>>4),
			Height: int(h[1]&0x0F)<<8 | int(h[2]),
		}

		aspectCode := h[3] >> 4
		if int(aspectCode) < len(mpeg2AspectRatios) {
			info.Aspect = mpeg2AspectRatios[aspectCode]
		}
		if info.Aspect == 1.0 && info.Height > 0 {
			// Square sample aspect, display aspect follows the frame size.
			info.Aspect = float64(info.Width) / float64(info.Height)
		}

		frameRateCode := h[3] & 0x0F
		if int(frameRateCode) < len(mpeg2FrameRates) {
			info.FpsScale = mpeg2FrameRates[frameRateCode][0]
			info.FpsRate = mpeg2FrameRates[frameRateCode][1]
		}

		return info, true
	}
	return MPEG2SequenceInfo{}, false
}

// ParseMPEG2FrameType scans for a picture header and returns the frame
// classification from its picture_coding_type field.
func ParseMPEG2FrameType(data []byte) FrameType {
	for i := 0; i+5 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 || data[i+3] != mpeg2StartPicture {
			continue
		}
		// picture header: temporal_reference(10) + picture_coding_type(3)
		codingType := (data[i+5] >> 3) & 0x07
		switch codingType {
		case 1:
			return FrameI
		case 2:
			return FrameP
		case 3:
			return FrameB
		case 4:
			return FrameD
		}
		return FrameUnknown
	}
	return FrameUnknown
}

package demux

import "errors"

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame represents a single AAC audio frame parsed from ADTS.
type AACFrame struct {
	Data       []byte // complete ADTS frame (header + payload)
	SampleRate int
	Channels   int
}

// ParseADTS parses an ADTS byte stream into individual AAC frames.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break // not enough for ADTS header
		}

		// Sync word: 0xFFF
		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			// Try to find next sync word
			offset++
			continue
		}

		// Parse ADTS header
		hasCRC := (data[offset+1] & 0x01) == 0
		headerSize := 7
		if hasCRC {
			headerSize = 9
		}

		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}

		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize || offset+frameLen > len(data) {
			break // truncated
		}

		frames = append(frames, AACFrame{
			Data:       data[offset : offset+frameLen],
			SampleRate: aacSampleRates[sampleRateIdx],
			Channels:   int(channelCfg),
		})

		offset += frameLen
	}

	return frames, nil
}

// AudioInfo is the decoded configuration of an audio elementary stream.
type AudioInfo struct {
	SampleRate      int
	Channels        int
	BitRate         int
	SamplesPerFrame int
}

// AC-3 sample rates by fscod.
var ac3SampleRates = [3]int{48000, 44100, 32000}

// AC-3 bitrates in kbit/s by frmsizecod>>1 (ATSC A/52 Table 5.18).
var ac3BitRates = [19]int{
	32, 40, 48, 56, 64, 80, 96, 112, 128,
	160, 192, 224, 256, 320, 384, 448, 512, 576, 640,
}

// Channel counts by acmod, before the LFE channel.
var ac3Channels = [8]int{2, 1, 2, 3, 3, 4, 4, 5}

// E-AC-3 reduced sample rates by fscod2.
var eac3ReducedRates = [3]int{24000, 22050, 16000}

// ParseAC3 scans for an AC-3 or E-AC-3 sync frame and extracts the stream
// configuration. Both variants share the 0x0B77 sync word and the bsid
// field position; bsid values above 10 select the E-AC-3 header layout.
func ParseAC3(data []byte) (AudioInfo, bool) {
	for i := 0; i+7 < len(data); i++ {
		if data[i] != 0x0B || data[i+1] != 0x77 {
			continue
		}

		bsid := data[i+5] >> 3
		switch {
		case bsid <= 10:
			return parseAC3Frame(data[i:])
		case bsid <= 16:
			return parseEAC3Frame(data[i:])
		}
	}
	return AudioInfo{}, false
}

func parseAC3Frame(frame []byte) (AudioInfo, bool) {
	// syncword(16) crc1(16) fscod(2) frmsizecod(6) bsid(5) bsmod(3)
	// acmod(3) [mix levels] lfeon(1)
	fscod := frame[4] >> 6
	frmsizecod := frame[4] & 0x3F
	if fscod == 3 || int(frmsizecod>>1) >= len(ac3BitRates) {
		return AudioInfo{}, false
	}

	br := newBitReader(frame[6:])
	acmod, err := br.readBits(3)
	if err != nil {
		return AudioInfo{}, false
	}
	if acmod&0x01 != 0 && acmod != 1 {
		br.readBits(2) // cmixlev
	}
	if acmod&0x04 != 0 {
		br.readBits(2) // surmixlev
	}
	if acmod == 2 {
		br.readBits(2) // dsurmod
	}
	lfeon, err := br.readBits(1)
	if err != nil {
		return AudioInfo{}, false
	}

	return AudioInfo{
		SampleRate:      ac3SampleRates[fscod],
		Channels:        ac3Channels[acmod] + int(lfeon),
		BitRate:         ac3BitRates[frmsizecod>>1] * 1000,
		SamplesPerFrame: 1536,
	}, true
}

func parseEAC3Frame(frame []byte) (AudioInfo, bool) {
	// syncword(16) strmtyp(2) substreamid(3) frmsiz(11) fscod(2)
	// fscod2/numblkscod(2) acmod(3) lfeon(1) bsid(5)
	br := newBitReader(frame[2:])
	br.readBits(2) // strmtyp
	br.readBits(3) // substreamid
	frmsiz, err := br.readBits(11)
	if err != nil {
		return AudioInfo{}, false
	}

	fscod, _ := br.readBits(2)
	numBlocks := 6
	var sampleRate int
	if fscod == 3 {
		fscod2, err := br.readBits(2)
		if err != nil || fscod2 > 2 {
			return AudioInfo{}, false
		}
		sampleRate = eac3ReducedRates[fscod2]
	} else {
		numblkscod, _ := br.readBits(2)
		numBlocks = []int{1, 2, 3, 6}[numblkscod]
		sampleRate = ac3SampleRates[fscod]
	}

	acmod, _ := br.readBits(3)
	lfeon, err := br.readBits(1)
	if err != nil {
		return AudioInfo{}, false
	}

	frameBytes := (int(frmsiz) + 1) * 2
	samples := numBlocks * 256
	bitRate := 0
	if samples > 0 {
		bitRate = frameBytes * 8 * sampleRate / samples
	}

	return AudioInfo{
		SampleRate:      sampleRate,
		Channels:        ac3Channels[acmod] + int(lfeon),
		BitRate:         bitRate,
		SamplesPerFrame: 1536,
	}, true
}

// MPEG-1 audio bitrates in kbit/s by layer (index 0 unused, 15 forbidden).
var mpegAudioBitRates = [4][16]int{
	{}, // reserved
	{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},  // layer III
	{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0}, // layer II
	{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0}, // layer I
}

var mpegAudioSampleRates = [4]int{44100, 48000, 32000, 0}

// ParseMPEGAudio scans for an MPEG-1 audio frame header (layers I-III) and
// extracts the stream configuration.
func ParseMPEGAudio(data []byte) (AudioInfo, bool) {
	for i := 0; i+4 < len(data); i++ {
		if data[i] != 0xFF || data[i+1]&0xE0 != 0xE0 {
			continue
		}

		version := (data[i+1] >> 3) & 0x03
		layer := (data[i+1] >> 1) & 0x03
		if version != 3 || layer == 0 { // MPEG-1 only
			continue
		}

		bitRateIdx := data[i+2] >> 4
		sampleRateIdx := (data[i+2] >> 2) & 0x03
		if bitRateIdx == 0 || bitRateIdx == 15 || sampleRateIdx == 3 {
			continue
		}

		mode := data[i+3] >> 6
		channels := 2
		if mode == 3 {
			channels = 1
		}

		samples := 1152
		if layer == 3 { // layer I
			samples = 384
		}

		return AudioInfo{
			SampleRate:      mpegAudioSampleRates[sampleRateIdx],
			Channels:        channels,
			BitRate:         mpegAudioBitRates[layer][bitRateIdx] * 1000,
			SamplesPerFrame: samples,
		}, true
	}
	return AudioInfo{}, false
}

package demux

import "github.com/zsiec/ccx"

// captionDecoder extracts CEA-608 caption pairs from H.264 SEI user data
// and decodes them into text updates. Channels 1-4 get their own decoder
// state.
type captionDecoder struct {
	sink    Sink
	decs    map[int]*ccx.CEA608Decoder
	lastCtl [2][2]byte
	wasCtl  [2]bool
}

func newCaptionDecoder(sink Sink) *captionDecoder {
	return &captionDecoder{
		sink: sink,
		decs: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
	}
}

func (c *captionDecoder) processSEI(seiData []byte, pts int64) {
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field

		// Control codes are transmitted twice for robustness, drop the
		// immediate repeat.
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if c.wasCtl[f] && c.lastCtl[f] == cp {
				c.wasCtl[f] = false
				continue
			}
			c.lastCtl[f] = cp
			c.wasCtl[f] = true
		} else {
			c.wasCtl[f] = false
		}

		dec := c.decs[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			c.sink.OnCaption(&CaptionPacket{
				PTS:     pts,
				Channel: pair.Channel,
				Text:    text,
			})
		}
	}
}

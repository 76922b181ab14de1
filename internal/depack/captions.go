package depack

import (
	"context"

	"github.com/zsiec/ccx"
)

// captionState decodes CEA-608 byte pairs and CEA-708 DTVCC packets found in
// caption SEI messages. CEA-608 output uses channels 1-4; CEA-708 services
// 1-6 map to channels 7-12.
type captionState struct {
	out        chan *ccx.CaptionFrame
	cea608Decs map[int]*ccx.CEA608Decoder
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	lastCCCtrl      [2][2]byte
	lastCCWasCtrl   [2]bool
	lastCCCtrlFrame [2]int64
}

func newCaptionState(out chan *ccx.CaptionFrame) *captionState {
	return &captionState{
		out: out,
		cea608Decs: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
		cea708Svcs: map[int]*ccx.CEA708Service{
			1: ccx.NewCEA708Service(),
			2: ccx.NewCEA708Service(),
			3: ccx.NewCEA708Service(),
			4: ccx.NewCEA708Service(),
			5: ccx.NewCEA708Service(),
			6: ccx.NewCEA708Service(),
		},
	}
}

// handleSEI extracts caption data from a SEI NAL unit (header included).
// auCount is the number of access units emitted so far; CEA-608 control
// codes are transmitted twice for redundancy, and the repeat is dropped
// only when it arrives within two pictures of the first copy.
func (c *captionState) handleSEI(ctx context.Context, seiData []byte, pts, auCount int64, stats StatsRecorder) {
	cd := ccx.ExtractCaptions(seiData)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]

		isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
		f := pair.Field
		if isCtrl {
			cp := [2]byte{cc1, cc2}
			gap := auCount - c.lastCCCtrlFrame[f]
			if c.lastCCWasCtrl[f] && c.lastCCCtrl[f] == cp && gap <= 2 {
				c.lastCCWasCtrl[f] = false
				continue
			}
			c.lastCCCtrl[f] = cp
			c.lastCCWasCtrl[f] = true
			c.lastCCCtrlFrame[f] = auCount
		} else {
			c.lastCCWasCtrl[f] = false
		}

		dec := c.cea608Decs[pair.Channel]
		if dec == nil {
			continue
		}
		text := dec.Decode(cc1, cc2)
		if text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			if stats != nil {
				stats.RecordCaption(pair.Channel)
			}
			select {
			case c.out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			c.drainDTVCC(ctx, pts, stats)
			c.dtvccBuf = c.dtvccBuf[:0]
		}
		c.dtvccBuf = append(c.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (c *captionState) drainDTVCC(ctx context.Context, pts int64, stats StatsRecorder) {
	if len(c.dtvccBuf) < 1 {
		return
	}

	packetSize := ccx.DTVCCPacketSize(c.dtvccBuf[0])
	if len(c.dtvccBuf) < packetSize {
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(c.dtvccBuf[:packetSize]) {
		svc := c.cea708Svcs[block.ServiceNum]
		if svc == nil {
			continue
		}
		if svc.ProcessBlock(block.Data) {
			text := svc.DisplayText()
			if text != "" {
				channel := block.ServiceNum + 6
				frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: channel}
				frame.Regions = svc.StyledRegions()
				if stats != nil {
					stats.RecordCaption(channel)
				}
				select {
				case c.out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}
	c.dtvccBuf = c.dtvccBuf[packetSize:]
}

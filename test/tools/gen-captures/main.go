// gen-captures builds synthetic H.264 and H.265 capture record files for
// replay and depacketization testing. Each capture is a packetized
// elementary stream: valid parameter sets, generated slices with plausible
// size distributions, 90 kHz timestamps, and the marker bit on the last
// packet of every access unit. H.264 captures additionally carry a CEA-608
// roll-up caption track as A/53 SEI user data, one cc_data triplet per frame.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/zsiec/refract/internal/rtp"
)

const clockRate = 90000

type CaptureConfig struct {
	Number      int     `json:"number"`
	Key         string  `json:"key"`
	Codec       string  `json:"codec"`
	Description string  `json:"description"`
	DurationSec float64 `json:"durationSec"`
	FPS         int     `json:"fps"`
	GOPLen      int     `json:"gopLen"`
	MTU         int     `json:"mtu"`
	SSRC        uint32  `json:"ssrc"`
	Captions    bool    `json:"captions"`
}

type Manifest struct {
	Generated string          `json:"generated"`
	Captures  []CaptureConfig `json:"captures"`
}

var captures = []CaptureConfig{
	{Number: 1, Key: "h264_talking_head", Codec: "h264", DurationSec: 10, FPS: 30, GOPLen: 30, MTU: 1200, SSRC: 0x1001, Captions: true},
	{Number: 2, Key: "h264_high_motion", Codec: "h264", DurationSec: 10, FPS: 60, GOPLen: 120, MTU: 1200, SSRC: 0x1002, Captions: true},
	{Number: 3, Key: "h264_small_mtu", Codec: "h264", DurationSec: 5, FPS: 30, GOPLen: 30, MTU: 500, SSRC: 0x1003, Captions: true},
	{Number: 4, Key: "h265_talking_head", Codec: "h265", DurationSec: 10, FPS: 30, GOPLen: 30, MTU: 1200, SSRC: 0x2001},
	{Number: 5, Key: "h265_high_motion", Codec: "h265", DurationSec: 10, FPS: 60, GOPLen: 120, MTU: 1200, SSRC: 0x2002},
	{Number: 6, Key: "h265_small_mtu", Codec: "h265", DurationSec: 5, FPS: 30, GOPLen: 30, MTU: 500, SSRC: 0x2003},
}

// Parameter sets for a 1280x720 stream. The H.264 pair is High profile
// level 3.1; the H.265 triple is Main profile level 3.1.
var (
	h264SPS = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	h264PPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	h264EOS = []byte{0x0A}

	h265VPS = []byte{0x40, 0x01, 0x0C, 0x01, 0xFF, 0xFF, 0x01, 0x40}
	h265SPS = []byte{
		0x42, 0x01,
		0x01,
		0x01,
		0x40, 0x00, 0x00, 0x00,
		0xB0, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x5D,
		0xA0, 0x0A, 0x08, 0x0F, 0x10,
	}
	h265PPS = []byte{0x44, 0x01, 0xC1, 0x72, 0xB4, 0x62, 0x40}
	h265EOS = []byte{0x48, 0x01}
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

func main() {
	rng := rand.New(rand.NewSource(42))

	rootDir := findProjectRoot()
	capturesDir := filepath.Join(rootDir, "test", "captures")
	if err := os.MkdirAll(capturesDir, 0755); err != nil {
		fatal("create captures dir: %v", err)
	}

	fmt.Println("=== Refract Capture Generator ===")
	fmt.Printf("Generating %d synthetic captures\n\n", len(captures))

	for i := range captures {
		cc := captures[i]
		captures[i].Description = fmt.Sprintf("%s %.0f fps, GOP %d, MTU %d [%.0fs]",
			cc.Codec, float64(cc.FPS), cc.GOPLen, cc.MTU, cc.DurationSec)
		if cc.Captions {
			captures[i].Description += ", CEA-608 captions"
		}

		outFile := filepath.Join(capturesDir, fmt.Sprintf("capture_%d.rtpc", cc.Number))
		fmt.Printf("--- Capture %d: %s (%s, %d fps, MTU %d) ---\n",
			cc.Number, cc.Key, cc.Codec, cc.FPS, cc.MTU)

		if fileExists(outFile) {
			fmt.Printf("  Already exists, skipping\n")
			continue
		}

		packets, err := generate(cc, outFile, rng)
		if err != nil {
			fatal("generate capture %d: %v", cc.Number, err)
		}

		info, _ := os.Stat(outFile)
		if info != nil {
			fmt.Printf("  Output: %s (%d packets, %.1f MB)\n",
				outFile, packets, float64(info.Size())/1024/1024)
		}
	}

	manifestFile := filepath.Join(capturesDir, "manifest.json")
	if err := writeManifest(manifestFile); err != nil {
		fatal("write manifest: %v", err)
	}

	fmt.Printf("\n=== Done! %d captures generated in %s ===\n", len(captures), capturesDir)
}

// generate packetizes one synthetic stream and writes its capture records.
func generate(cc CaptureConfig, outPath string, rng *rand.Rand) (int, error) {
	f, err := os.Create(outPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var payloader pionrtp.Payloader
	var eos []byte
	switch cc.Codec {
	case "h264":
		payloader = &codecs.H264Payloader{}
		eos = h264EOS
	case "h265":
		payloader = &codecs.H265Payloader{}
		eos = h265EOS
	default:
		return 0, fmt.Errorf("unknown codec %q", cc.Codec)
	}

	seq := uint16(rng.Intn(1 << 16))
	ts := rng.Uint32()
	tsStep := uint32(clockRate / cc.FPS)
	frames := int(cc.DurationSec * float64(cc.FPS))

	var captionTrack []ccTriplet
	if cc.Captions && cc.Codec == "h264" {
		captionTrack = buildCaptionTriplets(captionScript, float64(cc.FPS), frames)
	}

	packets := 0
	writePacket := func(payload []byte, marker bool) error {
		pkt := &pionrtp.Packet{
			Header: pionrtp.Header{
				Version:        2,
				Marker:         marker,
				PayloadType:    96,
				SequenceNumber: seq,
				Timestamp:      ts,
				SSRC:           cc.SSRC,
			},
			Payload: payload,
		}
		seq++
		raw, err := pkt.Marshal()
		if err != nil {
			return err
		}
		packets++
		return rtp.WriteRecord(w, raw)
	}

	for i := 0; i < frames; i++ {
		var captionSEI []byte
		if captionTrack != nil {
			captionSEI = buildCaptionSEI(captionTrack[i])
		}
		au := buildAccessUnit(cc.Codec, i%cc.GOPLen == 0, captionSEI, rng)
		payloads := payloader.Payload(uint16(cc.MTU-12), au)
		for j, pl := range payloads {
			if err := writePacket(pl, j == len(payloads)-1); err != nil {
				return packets, err
			}
		}
		ts += tsStep
	}

	// A trailing end-of-sequence unit closes out the final picture on replay.
	if err := writePacket(eos, true); err != nil {
		return packets, err
	}

	return packets, w.Flush()
}

// buildAccessUnit returns one frame as an Annex-B unit sequence: parameter
// sets plus an IDR slice at GOP starts, a single delta slice elsewhere. A
// caption SEI, when present, precedes the slice as required by ITU-T H.264
// section 7.4.1.2.3.
func buildAccessUnit(codec string, key bool, captionSEI []byte, rng *rand.Rand) []byte {
	var buf []byte
	addUnit := func(unit []byte) {
		buf = append(buf, startCode...)
		buf = append(buf, unit...)
	}

	switch codec {
	case "h264":
		if key {
			addUnit(h264SPS)
			addUnit(h264PPS)
		}
		if len(captionSEI) > 0 {
			addUnit(captionSEI)
		}
		if key {
			addUnit(slice([]byte{0x65, 0x88, 0x84}, 4000+rng.Intn(8000), rng))
		} else {
			addUnit(slice([]byte{0x41, 0x9A, 0x26}, 600+rng.Intn(1800), rng))
		}
	case "h265":
		if key {
			addUnit(h265VPS)
			addUnit(h265SPS)
			addUnit(h265PPS)
			addUnit(slice([]byte{0x26, 0x01, 0xAF}, 4000+rng.Intn(8000), rng))
		} else {
			addUnit(slice([]byte{0x02, 0x01, 0xD0}, 600+rng.Intn(1800), rng))
		}
	}
	return buf
}

// slice builds a synthetic slice unit: the given header bytes followed by
// filler. Filler bytes stay above 0x0F so the body can never alias an
// Annex-B start code or an emulation sequence.
func slice(header []byte, size int, rng *rand.Rand) []byte {
	unit := make([]byte, size)
	copy(unit, header)
	for i := len(header); i < size; i++ {
		unit[i] = byte(0x10 + rng.Intn(0xE0))
	}
	return unit
}

// --- CEA-608 caption track ---

// captionCue is one line of the built-in caption script. Cues past the end
// of a short capture are dropped.
type captionCue struct {
	startSec float64
	endSec   float64
	text     string
}

var captionScript = []captionCue{
	{1.0, 3.0, "REFRACT SYNTHETIC CAPTURE"},
	{3.5, 5.5, "CEA-608 ROLL-UP TRACK"},
	{6.0, 8.0, "GENERATED FOR REPLAY TESTING"},
	{8.5, 9.8, "END OF TRACK"},
}

// ccTriplet is one cc_data triplet: cc_type plus a CEA-608 byte pair.
type ccTriplet struct {
	ccType byte // 0 = field 1 (CC1/CC2)
	data1  byte
	data2  byte
}

type cc608Pair struct {
	cc1, cc2 byte
	frame    int
}

// buildCaptionTriplets converts the caption script into a frame-indexed
// CC1 triplet array using roll-up mode:
//   - Control codes are sent twice (consecutive frames) for receiver dedup
//   - Roll-up 2 mode (RU2 = 0x14 0x25)
//   - One character pair per frame
//   - Erase displayed memory (EDM = 0x14 0x2C) at the cue end
//
// Frames with no scheduled pair carry the null padding pair.
func buildCaptionTriplets(cues []captionCue, fps float64, numFrames int) []ccTriplet {
	var commands []cc608Pair
	for _, cue := range cues {
		startFrame := int(cue.startSec * fps)
		endFrame := int(cue.endSec * fps)
		if startFrame >= numFrames {
			break
		}

		// RU2 (x2), EDM (x2), PAC row 14 (x2), then the text pairs.
		pairs := []cc608Pair{
			{cc1: 0x14, cc2: 0x25},
			{cc1: 0x14, cc2: 0x25},
			{cc1: 0x14, cc2: 0x2C},
			{cc1: 0x14, cc2: 0x2C},
			{cc1: 0x14, cc2: 0x60},
			{cc1: 0x14, cc2: 0x60},
		}
		text := cue.text
		for i := 0; i < len(text); i += 2 {
			if i+1 < len(text) {
				pairs = append(pairs, cc608Pair{cc1: text[i], cc2: text[i+1]})
			} else {
				pairs = append(pairs, cc608Pair{cc1: text[i], cc2: 0x80})
			}
		}

		for i, p := range pairs {
			f := startFrame + i
			if f >= numFrames {
				break
			}
			p.frame = f
			commands = append(commands, p)
		}

		if endFrame < numFrames {
			commands = append(commands,
				cc608Pair{cc1: 0x14, cc2: 0x2C, frame: endFrame},
				cc608Pair{cc1: 0x14, cc2: 0x2C, frame: endFrame + 1},
			)
		}
	}

	triplets := make([]ccTriplet, numFrames)
	for i := range triplets {
		triplets[i] = ccTriplet{data1: 0x80, data2: 0x80}
	}
	for _, cmd := range commands {
		if cmd.frame >= 0 && cmd.frame < numFrames {
			triplets[cmd.frame] = ccTriplet{data1: cmd.cc1, data2: cmd.cc2}
		}
	}
	return triplets
}

// buildCaptionSEI builds an H.264 SEI NAL unit (no start code) containing
// A/53 GA94 user_data_registered_itu_t_t35 caption data.
func buildCaptionSEI(t ccTriplet) []byte {
	// SEI message: type 4 (user_data_registered_itu_t_t35), size, payload.
	msg := encodeSEIMessage(4, buildA53Payload(t))
	msg = append(msg, 0x80) // RBSP trailing bits

	nal := []byte{0x06} // NAL header: type 6 (SEI), NRI=0
	return append(nal, addEPB(msg)...)
}

// buildA53Payload constructs the ATSC A/53 Part 4 cc_data() structure
// carrying a single caption triplet.
func buildA53Payload(t ccTriplet) []byte {
	var payload []byte
	payload = append(payload, 0xB5)       // itu_t_t35_country_code (United States)
	payload = append(payload, 0x00, 0x31) // itu_t_t35_provider_code (ATSC)
	payload = append(payload, 'G', 'A', '9', '4')
	payload = append(payload, 0x03) // user_data_type_code (cc_data)

	// cc_data_pkt: process_cc_data_flag=1, zero_bit=0, cc_count=1
	payload = append(payload, 0x41)
	payload = append(payload, 0xFF) // em_data (reserved, all 1s)

	// marker_bits(5) = 11111, cc_valid=1, cc_type(2)
	marker := byte(0xFC) | (t.ccType & 0x03)
	payload = append(payload, marker, addParity(t.data1), addParity(t.data2))

	payload = append(payload, 0xFF) // marker_bits (end)
	return payload
}

// addParity sets the high bit for odd parity (CEA-608 requirement).
func addParity(b byte) byte {
	b &= 0x7F
	ones := 0
	v := b
	for v != 0 {
		ones += int(v & 1)
		v >>= 1
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// encodeSEIMessage prepends the ladder-coded payload type and size.
func encodeSEIMessage(payloadType int, payload []byte) []byte {
	var out []byte
	pt := payloadType
	for pt >= 255 {
		out = append(out, 0xFF)
		pt -= 255
	}
	out = append(out, byte(pt))

	ps := len(payload)
	for ps >= 255 {
		out = append(out, 0xFF)
		ps -= 255
	}
	out = append(out, byte(ps))
	out = append(out, payload...)
	return out
}

// addEPB inserts an emulation prevention byte before any 0x00-0x03 byte
// that follows two consecutive zero bytes.
func addEPB(data []byte) []byte {
	var out []byte
	zeroCount := 0
	for _, b := range data {
		if zeroCount >= 2 && b <= 0x03 {
			out = append(out, 0x03)
			zeroCount = 0
		}
		out = append(out, b)
		if b == 0x00 {
			zeroCount++
		} else {
			zeroCount = 0
		}
	}
	return out
}

func writeManifest(path string) error {
	m := Manifest{
		Generated: time.Now().UTC().Format(time.RFC3339),
		Captures:  captures,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	fmt.Printf("Manifest written to %s\n", path)
	return nil
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		fatal("getwd: %v", err)
	}
	for {
		if fileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			fatal("could not find project root (no go.mod found)")
		}
		dir = parent
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

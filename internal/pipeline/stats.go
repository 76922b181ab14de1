package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/refract/internal/depack"
)

// Compile-time interface check.
var _ depack.StatsRecorder = (*SessionStats)(nil)

// VideoStats holds point-in-time access-unit metrics for a stream,
// serialized as JSON in session snapshots.
type VideoStats struct {
	Codec          string  `json:"codec"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	AccessUnits    int64   `json:"accessUnits"`
	RandomAccess   int64   `json:"randomAccess"`
	DeltaUnits     int64   `json:"deltaUnits"`
	CurrentGOPLen  int     `json:"currentGOPLen"`
	BitrateKbps    float64 `json:"bitrateKbps"`
	FrameRate      float64 `json:"frameRate"`
	PTSErrors      int64   `json:"ptsErrors"`
	TotalBytes     int64   `json:"totalBytes"`
	FirstPTS       int64   `json:"firstPTS"`
	LastPTS        int64   `json:"lastPTS"`
	TimestampWraps int64   `json:"timestampWraps"`
	Timecode       string  `json:"timecode,omitempty"`
}

// TransportStats counts raw RTP packet arrivals before reassembly.
type TransportStats struct {
	Packets      int64 `json:"packets"`
	PayloadBytes int64 `json:"payloadBytes"`
}

// CaptionStats tracks closed-caption activity across all channels.
type CaptionStats struct {
	ActiveChannels []int `json:"activeChannels"`
	TotalFrames    int64 `json:"totalFrames"`
}

// DiscardEvent records one dropped input and when it was dropped.
type DiscardEvent struct {
	Timestamp int64  `json:"ts"`
	Kind      string `json:"kind"`
}

// DiscardStats summarizes inputs the depacketizer dropped, broken down by
// taxonomy class, with a bounded log of the most recent events.
type DiscardStats struct {
	Total  int64            `json:"total"`
	ByKind map[string]int64 `json:"byKind,omitempty"`
	Recent []DiscardEvent   `json:"recent,omitempty"`
}

// StreamSnapshot is the top-level stats payload for one session, aggregating
// video, transport, caption, and discard metrics into a single
// JSON-serializable structure.
type StreamSnapshot struct {
	Timestamp        int64          `json:"ts"`
	UptimeMs         int64          `json:"uptimeMs"`
	StreamKey        string         `json:"streamKey"`
	Protocol         string         `json:"protocol"`
	Video            VideoStats     `json:"video"`
	Transport        TransportStats `json:"transport"`
	Captions         CaptionStats   `json:"captions"`
	Discards         DiscardStats   `json:"discards"`
	Forwarded        int64          `json:"forwarded"`
	DecompressErrors int64          `json:"decompressErrors"`
	AUChanDepth      int            `json:"auChanDepth"`
}

// statsWindow is the sliding-window span for the frame rate and bitrate
// estimates.
const statsWindow = 10 * time.Second

// maxDiscardLog bounds the recent-discard event ring.
const maxDiscardLog = 20

// SessionStats accumulates depacketizer telemetry in a concurrency-safe
// manner using atomic counters. It implements the depack.StatsRecorder
// interface and produces point-in-time Snapshots for logging and the stream
// manager.
//
// Fields are organized by the mutex/mechanism that guards them:
//   - Atomic counters: lock-free concurrent reads/writes
//   - discardMu: per-kind discard counts and the recent-event ring
//   - timecodeMu: SMPTE timecode string
//   - captionMu: caption channel set
//   - bitrateWindowMu: access-unit bitrate sliding window
//   - fpsWindowMu: access-unit rate sliding window
//   - codecMu: codec label
type SessionStats struct {
	// Atomic counters, no mutex needed
	packets       atomic.Int64
	payloadBytes  atomic.Int64
	accessUnits   atomic.Int64
	randomAccess  atomic.Int64
	deltaUnits    atomic.Int64
	auBytes       atomic.Int64
	currentGOPLen atomic.Int32
	firstPTS      atomic.Int64
	firstPTSSet   atomic.Bool
	lastPTS       atomic.Int64
	ptsErrors     atomic.Int64
	width         atomic.Int32
	height        atomic.Int32
	wraps         atomic.Int64
	captionCount  atomic.Int64
	discardTotal  atomic.Int64

	// discardMu guards discardByKind and discardLog
	discardMu     sync.Mutex
	discardByKind map[depack.DiscardKind]int64
	discardLog    []DiscardEvent

	// timecodeMu guards timecode
	timecodeMu sync.RWMutex
	timecode   string

	// captionMu guards captionChans
	captionMu    sync.RWMutex
	captionChans map[int]bool

	// bitrateWindowMu guards bitrateWindow
	bitrateWindowMu sync.Mutex
	bitrateWindow   []bitrateEntry

	// fpsWindowMu guards fpsWindow
	fpsWindowMu sync.Mutex
	fpsWindow   []time.Time

	// codecMu guards codec
	codecMu sync.RWMutex
	codec   string
}

type bitrateEntry struct {
	ts    time.Time
	bytes int64
}

// NewSessionStats creates a SessionStats ready for use as a StatsRecorder.
func NewSessionStats() *SessionStats {
	return &SessionStats{
		discardByKind: make(map[depack.DiscardKind]int64),
		captionChans:  make(map[int]bool),
	}
}

// RecordPacket counts one RTP packet and its payload size.
func (ss *SessionStats) RecordPacket(bytes int64) {
	ss.packets.Add(1)
	ss.payloadBytes.Add(bytes)
}

// RecordAccessUnit records an assembled access unit's size, type, and PTS,
// updating unit counters, GOP length, bitrate/FPS sliding windows, and PTS
// continuity.
func (ss *SessionStats) RecordAccessUnit(bytes int64, isRandomAccess bool, pts int64) {
	ss.accessUnits.Add(1)
	ss.auBytes.Add(bytes)

	if !ss.firstPTSSet.Load() {
		ss.firstPTS.Store(pts)
		ss.firstPTSSet.Store(true)
	}

	if isRandomAccess {
		ss.randomAccess.Add(1)
		ss.currentGOPLen.Store(1)
	} else {
		ss.deltaUnits.Add(1)
		ss.currentGOPLen.Add(1)
	}

	// PTS arrives unwrapped, so any backward step is a continuity error.
	lastPTS := ss.lastPTS.Swap(pts)
	if lastPTS > 0 && pts < lastPTS {
		ss.ptsErrors.Add(1)
	}

	now := time.Now()

	ss.fpsWindowMu.Lock()
	ss.fpsWindow = append(ss.fpsWindow, now)
	fpsCutoff := now.Add(-statsWindow)
	j := 0
	for j < len(ss.fpsWindow) && ss.fpsWindow[j].Before(fpsCutoff) {
		j++
	}
	ss.fpsWindow = ss.fpsWindow[j:]
	ss.fpsWindowMu.Unlock()

	ss.bitrateWindowMu.Lock()
	ss.bitrateWindow = append(ss.bitrateWindow, bitrateEntry{ts: now, bytes: bytes})
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(ss.bitrateWindow) && ss.bitrateWindow[i].ts.Before(cutoff) {
		i++
	}
	ss.bitrateWindow = ss.bitrateWindow[i:]
	ss.bitrateWindowMu.Unlock()
}

// RecordDiscard counts one dropped input, maintaining per-kind totals and a
// bounded recent-event log.
func (ss *SessionStats) RecordDiscard(kind depack.DiscardKind) {
	ss.discardTotal.Add(1)

	ev := DiscardEvent{
		Timestamp: time.Now().UnixMilli(),
		Kind:      string(kind),
	}
	ss.discardMu.Lock()
	ss.discardByKind[kind]++
	ss.discardLog = append(ss.discardLog, ev)
	if len(ss.discardLog) > maxDiscardLog {
		ss.discardLog = ss.discardLog[len(ss.discardLog)-maxDiscardLog:]
	}
	ss.discardMu.Unlock()
}

// RecordCaption records a caption frame on the given channel.
func (ss *SessionStats) RecordCaption(channel int) {
	ss.captionCount.Add(1)
	ss.captionMu.Lock()
	ss.captionChans[channel] = true
	ss.captionMu.Unlock()
}

// RecordResolution stores the detected video resolution from an SPS.
func (ss *SessionStats) RecordResolution(width, height int) {
	ss.width.Store(int32(width))
	ss.height.Store(int32(height))
}

// RecordTimecode stores the latest SMPTE 12M timecode string.
func (ss *SessionStats) RecordTimecode(tc string) {
	ss.timecodeMu.Lock()
	ss.timecode = tc
	ss.timecodeMu.Unlock()
}

// RecordVideoCodec stores the RFC 6381 codec string (e.g. "avc1.64001F").
func (ss *SessionStats) RecordVideoCodec(codec string) {
	ss.codecMu.Lock()
	ss.codec = codec
	ss.codecMu.Unlock()
}

// RecordTimestampWrap counts one 32-bit RTP timestamp wraparound.
func (ss *SessionStats) RecordTimestampWrap() {
	ss.wraps.Add(1)
}

// FrameRate computes the current access-unit rate from the sliding window.
func (ss *SessionStats) FrameRate() float64 {
	ss.fpsWindowMu.Lock()
	defer ss.fpsWindowMu.Unlock()

	if len(ss.fpsWindow) < 2 {
		return 0
	}

	first := ss.fpsWindow[0]
	last := ss.fpsWindow[len(ss.fpsWindow)-1]
	dur := last.Sub(first).Seconds()
	if dur <= 0 {
		return 0
	}

	return float64(len(ss.fpsWindow)-1) / dur
}

// BitrateKbps computes the current video bitrate from the sliding window of
// access-unit sizes.
func (ss *SessionStats) BitrateKbps() float64 {
	ss.bitrateWindowMu.Lock()
	defer ss.bitrateWindowMu.Unlock()

	if len(ss.bitrateWindow) < 2 {
		return 0
	}

	first := ss.bitrateWindow[0].ts
	last := ss.bitrateWindow[len(ss.bitrateWindow)-1].ts
	dur := last.Sub(first).Seconds()
	if dur <= 0 {
		return 0
	}

	var total int64
	for _, e := range ss.bitrateWindow {
		total += e.bytes
	}
	return float64(total) * 8 / dur / 1000
}

// Snapshot produces a consistent point-in-time view of all session
// statistics.
func (ss *SessionStats) Snapshot() (VideoStats, TransportStats, CaptionStats, DiscardStats) {
	ss.timecodeMu.RLock()
	tc := ss.timecode
	ss.timecodeMu.RUnlock()

	ss.codecMu.RLock()
	codecLabel := ss.codec
	ss.codecMu.RUnlock()

	vs := VideoStats{
		Codec:          codecLabel,
		Width:          int(ss.width.Load()),
		Height:         int(ss.height.Load()),
		AccessUnits:    ss.accessUnits.Load(),
		RandomAccess:   ss.randomAccess.Load(),
		DeltaUnits:     ss.deltaUnits.Load(),
		CurrentGOPLen:  int(ss.currentGOPLen.Load()),
		BitrateKbps:    ss.BitrateKbps(),
		FrameRate:      ss.FrameRate(),
		PTSErrors:      ss.ptsErrors.Load(),
		TotalBytes:     ss.auBytes.Load(),
		FirstPTS:       ss.firstPTS.Load(),
		LastPTS:        ss.lastPTS.Load(),
		TimestampWraps: ss.wraps.Load(),
		Timecode:       tc,
	}

	ts := TransportStats{
		Packets:      ss.packets.Load(),
		PayloadBytes: ss.payloadBytes.Load(),
	}

	ss.captionMu.RLock()
	activeChans := make([]int, 0, len(ss.captionChans))
	for ch := range ss.captionChans {
		activeChans = append(activeChans, ch)
	}
	ss.captionMu.RUnlock()

	cs := CaptionStats{
		ActiveChannels: activeChans,
		TotalFrames:    ss.captionCount.Load(),
	}

	ss.discardMu.Lock()
	byKind := make(map[string]int64, len(ss.discardByKind))
	for kind, n := range ss.discardByKind {
		byKind[string(kind)] = n
	}
	recent := make([]DiscardEvent, len(ss.discardLog))
	copy(recent, ss.discardLog)
	ss.discardMu.Unlock()

	dsc := DiscardStats{
		Total:  ss.discardTotal.Load(),
		ByKind: byKind,
		Recent: recent,
	}

	return vs, ts, cs, dsc
}

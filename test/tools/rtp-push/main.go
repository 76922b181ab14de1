// rtp-push reads a capture record file and pushes it over SRT to a running
// refract listener at media rate, pacing each record by its RTP timestamp.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/refract/internal/rtp"
)

const clockRate = 90000

// maxGapTicks bounds the per-packet schedule step. Timestamp jumps above it
// (or backward) are treated as discontinuities and sent immediately.
const maxGapTicks = 10 * clockRate

type captureManifestEntry struct {
	Number int    `json:"number"`
	Key    string `json:"key"`
}

type manifest struct {
	Captures []captureManifestEntry `json:"captures"`
}

func main() {
	allFlag := flag.Bool("all", false, "Push all generated captures simultaneously")
	fileFlag := flag.String("file", "", "Single capture file to push")
	keyFlag := flag.String("key", "", "Stream key (default: filename without extension)")
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	speedFlag := flag.Float64("speed", 1.0, "Push speed multiplier")
	flag.Parse()

	if *allFlag {
		pushAll(*addrFlag, *speedFlag)
		return
	}

	filePath := *fileFlag
	if filePath == "" && flag.NArg() > 0 {
		filePath = flag.Arg(0)
	}
	if filePath == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  rtp-push --all                               Push all generated captures\n")
		fmt.Fprintf(os.Stderr, "  rtp-push --file capture.rtpc --key mykey     Push a single capture\n")
		os.Exit(1)
	}

	streamID := *keyFlag
	if streamID == "" {
		base := filepath.Base(filePath)
		streamID = "live/" + base[:len(base)-len(filepath.Ext(base))]
	}

	pushSingle(filePath, streamID, *addrFlag, *speedFlag)
}

func pushAll(addr string, speed float64) {
	capturesDir := findCapturesDir()
	manifestPath := filepath.Join(capturesDir, "manifest.json")

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot read manifest at %s: %v\n", manifestPath, err)
		fmt.Fprintf(os.Stderr, "Run 'go run ./test/tools/gen-captures' first.\n")
		os.Exit(1)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid manifest: %v\n", err)
		os.Exit(1)
	}

	if len(m.Captures) == 0 {
		fmt.Fprintf(os.Stderr, "No captures in manifest\n")
		os.Exit(1)
	}

	fmt.Printf("Pushing %d captures to %s\n", len(m.Captures), addr)

	var wg sync.WaitGroup
	for _, c := range m.Captures {
		capFile := filepath.Join(capturesDir, fmt.Sprintf("capture_%d.rtpc", c.Number))
		if _, err := os.Stat(capFile); os.IsNotExist(err) {
			fmt.Printf("  Skipping capture %d (%s): file not found\n", c.Number, c.Key)
			continue
		}

		wg.Add(1)
		go func(file, key string, num int) {
			defer wg.Done()
			streamID := "live/" + key
			fmt.Printf("  Capture %d: %s -> %s\n", num, key, streamID)
			pushSingle(file, streamID, addr, speed)
		}(capFile, c.Key, c.Number)

		time.Sleep(200 * time.Millisecond)
	}

	wg.Wait()
}

// pushSingle sends the whole capture once, reconnecting and restarting from
// the top if the connection drops mid-push.
func pushSingle(filePath, streamID, addr string, speed float64) {
	if speed <= 0 {
		speed = 1.0
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read file: %v\n", err)
		return
	}

	fmt.Printf("File: %s (%.1f MB, speed %.2fx)\n",
		filePath, float64(len(data))/1024/1024, speed)

	for {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", streamID, err)
			time.Sleep(time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, pushing at media rate\n", streamID)
		pushErr := pushLoop(conn, data, speed, streamID)
		conn.Close()

		if pushErr == nil {
			fmt.Printf("[%s] Capture fully sent\n", streamID)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", streamID, pushErr)
		time.Sleep(time.Second)
	}
}

// pushLoop streams every record, sleeping out the RTP timestamp delta before
// each one so the receiver sees the capture at its original media rate.
func pushLoop(conn *srt.Conn, data []byte, speed float64, streamID string) error {
	r := rtp.NewReader(bytes.NewReader(data), nil)
	var unwrap rtp.TimestampUnwrapper

	start := time.Now()
	var basePTS, lastPTS int64
	haveBase := false

	var sent, sentBytes int64
	lastLog := time.Now()
	const logInterval = 10 * time.Second

	for {
		rec, err := r.NextRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}

		if pkt, perr := rtp.Parse(rec); perr == nil {
			pts := unwrap.Unwrap(pkt.Timestamp)
			if !haveBase {
				basePTS, lastPTS = pts, pts
				haveBase = true
			}
			if delta := pts - lastPTS; delta < 0 || delta > maxGapTicks {
				// Discontinuity: shift the schedule so the stream continues
				// without a stall.
				basePTS += delta
			}
			lastPTS = pts

			target := time.Duration(float64(pts-basePTS) * float64(time.Second) / (clockRate * speed))
			if d := target - time.Since(start); d > 0 {
				time.Sleep(d)
			}
		}

		if err := rtp.WriteRecord(conn, rec); err != nil {
			return err
		}
		sent++
		sentBytes += int64(len(rec)) + 4

		if time.Since(lastLog) >= logInterval {
			pct := float64(sentBytes) / float64(len(data)) * 100
			fmt.Printf("[%s] packets=%d offset=%.1f%% elapsed=%s\n",
				streamID, sent, pct, time.Since(start).Truncate(time.Second))
			lastLog = time.Now()
		}
	}
}

func findCapturesDir() string {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "getwd: %v\n", err)
		os.Exit(1)
	}
	for {
		candidate := filepath.Join(dir, "test", "captures")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "test", "captures")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Join("test", "captures")
		}
		dir = parent
	}
}

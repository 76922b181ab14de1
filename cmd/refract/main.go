package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/ingest"
	srtingest "github.com/zsiec/refract/internal/ingest/srt"
	"github.com/zsiec/refract/internal/pipeline"
	"github.com/zsiec/refract/internal/playback"
	"github.com/zsiec/refract/internal/replay"
	"github.com/zsiec/refract/internal/stream"
	"github.com/zsiec/refract/media"
)

var version = "dev"

// frameLogEvery throttles per-picture display logging to roughly one line
// per second of 30 fps video.
const frameLogEvery = 30

func main() {
	playPath := flag.String("play", "", "capture file to replay through a session")
	codecName := flag.String("codec", "h264", "capture codec: h264 or h265")
	outPath := flag.String("out", "", "write the replayed Annex-B elementary stream to this file")
	srtAddr := flag.String("srt", "", "accept live SRT record streams on this address")
	pullSpec := flag.String("pull", "", "pull a remote SRT record stream: address,streamkey")
	speed := flag.Float64("speed", 1.0, "replay speed multiplier")
	flag.Parse()

	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	codec, err := parseCodec(*codecName)
	if err != nil {
		slog.Error("invalid -codec", "error", err)
		os.Exit(2)
	}
	if *playPath == "" && *srtAddr == "" && *pullSpec == "" {
		fmt.Fprintln(os.Stderr, "refract: one of -play <capture>, -srt <addr>, or -pull <address,streamkey> is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("refract starting", "version", version, "codec", codec)

	g, ctx := errgroup.WithContext(ctx)

	if *playPath != "" {
		play, out, spd := *playPath, *outPath, *speed
		g.Go(func() error {
			return runReplay(ctx, play, out, codec, spd)
		})
	}

	if *srtAddr != "" || *pullSpec != "" {
		a := &app{mgr: stream.NewManager(nil), codec: codec}
		// Create the registry after the errgroup so the callback captures the
		// errgroup-derived context, ensuring sessions shut down when any
		// component fails.
		a.registry = ingest.NewRegistry(func(key string, input io.Reader, format ingest.InputFormat) {
			a.handleNewStream(ctx, key, input, format)
		})

		if *srtAddr != "" {
			srtSrv := srtingest.NewServer(*srtAddr, a.registry, nil)
			g.Go(func() error {
				return srtSrv.Start(ctx)
			})
		}

		if *pullSpec != "" {
			req, err := parsePullSpec(*pullSpec)
			if err != nil {
				slog.Error("invalid -pull", "error", err)
				os.Exit(2)
			}
			caller := srtingest.NewCaller(a.registry, nil)
			g.Go(func() error {
				if err := caller.Pull(ctx, req); err != nil {
					return fmt.Errorf("pull %s: %w", req.Address, err)
				}
				// Streaming continues in the caller's own goroutine; hold
				// the group open until shutdown.
				<-ctx.Done()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		slog.Error("refract error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	mgr      *stream.Manager
	registry *ingest.Registry
	codec    media.Codec
}

// handleNewStream runs one session per ingest key: packets come off the
// registry pipe as fast as they arrive, assembled pictures are counted and
// logged, and the stream manager tracks the session for its lifetime.
func (a *app) handleNewStream(ctx context.Context, key string, input io.Reader, _ ingest.InputFormat) {
	slog.Info("new stream from ingest", "key", key)

	esw := playback.NewESWriter(io.Discard, playback.NewFrameLogger(nil, frameLogEvery), nil)
	sess, err := pipeline.NewSession(key, a.codec, pipeline.RecordSource{R: input}, esw)
	if err != nil {
		slog.Error("session setup failed", "stream", key, "error", err)
		return
	}
	sess.SetProtocol("SRT")

	if _, created := a.mgr.Create(key, sess); !created {
		slog.Warn("rejecting duplicate stream connection", "key", key)
		return
	}
	defer a.mgr.Remove(key)

	if err := sess.Run(ctx); err != nil {
		slog.Error("session error", "stream", key, "error", err)
	}
	slog.Info("stream ended", "key", key)
}

// runReplay plays a capture file through a session at media rate, writing
// the reconstructed elementary stream to outPath if given.
func runReplay(ctx context.Context, playPath, outPath string, codec media.Codec, speed float64) error {
	f, err := os.Open(playPath)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()

	var out io.Writer = io.Discard
	if outPath != "" {
		of, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer of.Close()
		out = of
	}

	esw := playback.NewESWriter(out, playback.NewFrameLogger(nil, frameLogEvery), nil)
	player := replay.NewPlayer(f, speed, nil)

	key := strings.TrimSuffix(filepath.Base(playPath), filepath.Ext(playPath))
	sess, err := pipeline.NewSession(key, codec, player, esw)
	if err != nil {
		return err
	}
	sess.SetProtocol("replay")

	if err := sess.Run(ctx); err != nil {
		return err
	}

	esBytes, units := esw.Stats()
	slog.Info("replay complete", "stream", key, "nal_units", units, "es_bytes", esBytes)
	return nil
}

// parsePullSpec splits the -pull argument into an SRT pull request. The
// stream key doubles as the remote streamid ("live/<key>").
func parsePullSpec(spec string) (srtingest.PullRequest, error) {
	addr, key, ok := strings.Cut(spec, ",")
	if !ok || addr == "" || key == "" {
		return srtingest.PullRequest{}, fmt.Errorf("pull spec %q: want address,streamkey", spec)
	}
	return srtingest.PullRequest{Address: addr, StreamKey: key}, nil
}

func parseCodec(name string) (media.Codec, error) {
	switch strings.ToLower(name) {
	case "h264", "avc":
		return media.CodecH264, nil
	case "h265", "hevc":
		return media.CodecH265, nil
	}
	return "", fmt.Errorf("unknown codec %q (want h264 or h265)", name)
}

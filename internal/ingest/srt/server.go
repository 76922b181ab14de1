package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/refract/internal/ingest"
)

// srtReadBufferSize sizes socket reads. SRT delivers 1316-byte payloads and
// capture records straddle payload boundaries freely, so each read pulls
// several payloads at once.
const srtReadBufferSize = 1316 * 10

// srtLatencyNs is the SRT receive latency, in nanoseconds (120 ms).
const srtLatencyNs = 120_000_000

// Server is the listening half of SRT ingest: publishers connect with a
// stream key in their streamid and push a capture record stream, which the
// server pipes into the ingest registry byte-for-byte. Record framing is
// the registry reader's concern; the server never inspects the bytes.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server for addr. A nil logger falls back to
// slog.Default.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start listens on the server address and serves publishers until ctx is
// cancelled. Each accepted connection gets its own goroutine; a failed
// accept is logged and the loop keeps going.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	// Connections without a streamid have no stream key to land on.
	l.SetAcceptRejectFunc(rejectAnonymous)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

func rejectAnonymous(req srtgo.ConnRequest) srtgo.RejectReason {
	if req.StreamID == "" {
		return srtgo.RejPeer
	}
	return 0
}

// serveConn registers the publisher's stream key and copies socket reads
// into the registry pipe until the connection drops, the pipe's session
// goes away, or the server shuts down.
func (s *Server) serveConn(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	streamKey := extractStreamKey(conn.StreamID())
	s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())

	stream, writer := s.registry.Register(streamKey, ingest.FormatRTPRecords)
	stream.SetRemoteAddr(conn.RemoteAddr().String())
	defer func() {
		stats := stream.IngestStats()
		s.registry.Unregister(streamKey)
		s.log.Info("connection closed", "stream_key", streamKey,
			"bytes", stats.BytesReceived, "reads", stats.ReadCount,
			"uptime_ms", stats.UptimeMs)
	}()

	buf := make([]byte, srtReadBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "stream_key", streamKey, "error", err)
			}
			return
		}
		stream.RecordRead(n)
		if _, err := writer.Write(buf[:n]); err != nil {
			s.log.Debug("pipe write error", "stream_key", streamKey, "error", err)
			return
		}
	}
}

// extractStreamKey maps a publisher streamid to a registry key: a bare key,
// or one under the conventional "live/" prefix. Empty input falls back to
// "default" (rejectAnonymous normally prevents it from getting this far).
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}

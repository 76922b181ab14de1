package srt

import (
	"context"
	"strings"
	"testing"

	"github.com/zsiec/refract/internal/ingest"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "cam-front", want: "cam-front"},
		{name: "leading slash", streamID: "/cam-front", want: "cam-front"},
		{name: "live prefix", streamID: "live/cam-front", want: "cam-front"},
		{name: "slash and live prefix", streamID: "/live/cam-front", want: "cam-front"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/cam-front", want: "studio/cam-front"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := extractStreamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestCallerPullValidation(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)

	tests := []struct {
		name    string
		req     PullRequest
		wantSub string
	}{
		{
			name:    "missing address",
			req:     PullRequest{StreamKey: "cam-front"},
			wantSub: "address is required",
		},
		{
			name:    "missing stream key",
			req:     PullRequest{Address: "203.0.113.9:9000"},
			wantSub: "streamKey is required",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := c.Pull(context.Background(), tc.req)
			if err == nil {
				t.Fatal("Pull returned nil error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("Pull error = %q, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestCallerStopMissing(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	if err := c.Stop("ghost"); err == nil {
		t.Fatal("Stop returned nil error for missing pull")
	}
}

func TestCallerActivePullsEmpty(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	if pulls := c.ActivePulls(); len(pulls) != 0 {
		t.Fatalf("ActivePulls returned %d entries, want 0", len(pulls))
	}
}

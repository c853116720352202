package engine

import (
	"testing"
	"time"
)

func TestStreamFrameSourceLiveness(t *testing.T) {
	source := NewStreamFrameSource(3 * time.Second)
	now := time.Unix(1000, 0)
	source.now = func() time.Time { return now }

	if source.Liveness().Live() {
		t.Fatalf("empty source must not be live")
	}

	source.Offer([]byte{0xff, 0xd8}, 1)
	if !source.Liveness().Live() {
		t.Fatalf("fresh frame should make source live")
	}
	frame, ok := source.Current()
	if !ok || frame.Seq != 1 {
		t.Fatalf("expected current frame seq 1, got %+v ok=%v", frame, ok)
	}
}

func TestStreamFrameSourceStaleness(t *testing.T) {
	source := NewStreamFrameSource(3 * time.Second)
	now := time.Unix(1000, 0)
	source.now = func() time.Time { return now }

	source.Offer([]byte{1}, 1)
	now = now.Add(4 * time.Second)
	if _, ok := source.Current(); ok {
		t.Fatalf("stale frame must not be current")
	}
	if source.Liveness().Live() {
		t.Fatalf("stale frame must read as no stream")
	}

	// A new frame restores liveness.
	source.Offer([]byte{2}, 2)
	if !source.Liveness().Live() {
		t.Fatalf("fresh frame should restore liveness")
	}
}

func TestTrackFlagsGateLiveness(t *testing.T) {
	source := NewStreamFrameSource(0)
	source.Offer([]byte{1}, 1)

	source.SetTrackState(true, false, false)
	if !source.Liveness().Live() {
		t.Fatalf("enabled unmuted track with frames should be live")
	}

	source.SetTrackState(false, false, false)
	if source.Liveness().Live() {
		t.Fatalf("disabled track must not be live")
	}
	source.SetTrackState(true, true, false)
	if source.Liveness().Live() {
		t.Fatalf("muted track must not be live")
	}
	source.SetTrackState(true, false, true)
	if source.Liveness().Live() {
		t.Fatalf("ended track must not be live")
	}
}

func TestStreamFrameSourceRelease(t *testing.T) {
	source := NewStreamFrameSource(0)
	source.Offer([]byte{1}, 1)

	source.Release()
	if _, ok := source.Current(); ok {
		t.Fatalf("released source must hold no frame")
	}
	if source.Liveness().Live() {
		t.Fatalf("released source must not be live")
	}

	// Idempotent, and offers after release are dropped.
	source.Release()
	source.Offer([]byte{2}, 2)
	if _, ok := source.Current(); ok {
		t.Fatalf("offer after release must be dropped")
	}
}

package engine

import (
	"context"
	"errors"
	"testing"
)

type fakeFaces struct {
	boxes      []FaceBox
	detectErr  error
	embedErr   error
	compareErr error
	verified   bool
	confidence float64
}

func (f *fakeFaces) DetectFaces(ctx context.Context, frame []byte) ([]FaceBox, error) {
	return f.boxes, f.detectErr
}

func (f *fakeFaces) Embed(ctx context.Context, frame []byte, box FaceBox) (Embedding, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return Embedding{0.1, 0.2}, nil
}

func (f *fakeFaces) CompareToRegistered(ctx context.Context, sessionID string, embedding Embedding) (VerifyResult, error) {
	if f.compareErr != nil {
		return VerifyResult{}, f.compareErr
	}
	return VerifyResult{Verified: f.verified, Confidence: f.confidence}, nil
}

func liveSource() *StreamFrameSource {
	source := NewStreamFrameSource(0)
	source.Offer([]byte{0xff, 0xd8, 0xff}, 1)
	return source
}

func TestIdentitySampleMatch(t *testing.T) {
	faces := &fakeFaces{
		boxes:      []FaceBox{{Confidence: 0.9}},
		verified:   true,
		confidence: 0.97,
	}
	sampler := NewIdentitySampler("ses_1", faces, liveSource(), IdentityConfig{MinFaceConfidence: 0.5}, nil)

	sample := sampler.Sample(context.Background(), false)
	if sample.Verdict != VerdictMatch {
		t.Fatalf("expected match, got %s", sample.Verdict)
	}
	if sample.Matched == nil || !*sample.Matched {
		t.Fatalf("expected matched=true")
	}
	if sample.Confidence != 0.97 {
		t.Fatalf("expected confidence passthrough, got %f", sample.Confidence)
	}
}

func TestIdentitySampleMismatchCounter(t *testing.T) {
	faces := &fakeFaces{boxes: []FaceBox{{Confidence: 0.9}}, verified: false}
	sampler := NewIdentitySampler("ses_1", faces, liveSource(), IdentityConfig{MinFaceConfidence: 0.5}, nil)

	_ = sampler.Sample(context.Background(), false)
	_ = sampler.Sample(context.Background(), false)
	if sampler.MismatchCount() != 2 {
		t.Fatalf("expected 2 mismatches, got %d", sampler.MismatchCount())
	}

	faces.verified = true
	_ = sampler.Sample(context.Background(), false)
	if sampler.MismatchCount() != 0 {
		t.Fatalf("verified match must reset counter, got %d", sampler.MismatchCount())
	}
}

func TestIdentitySampleDistractionPause(t *testing.T) {
	faces := &fakeFaces{boxes: []FaceBox{{Confidence: 0.9}}, verified: false}
	sampler := NewIdentitySampler("ses_1", faces, liveSource(), IdentityConfig{
		PauseWhenDistracted: true,
		MinFaceConfidence:   0.5,
	}, nil)

	sample := sampler.Sample(context.Background(), true)
	if sample.Verdict != VerdictPaused {
		t.Fatalf("expected paused verdict while distracted, got %s", sample.Verdict)
	}
	if sample.Matched != nil {
		t.Fatalf("paused sample must not carry a match decision")
	}
	if sampler.MismatchCount() != 0 {
		t.Fatalf("paused tick must not touch the counter")
	}
}

func TestIdentitySamplePauseDisabledStillChecks(t *testing.T) {
	faces := &fakeFaces{boxes: []FaceBox{{Confidence: 0.9}}, verified: false}
	sampler := NewIdentitySampler("ses_1", faces, liveSource(), IdentityConfig{
		PauseWhenDistracted: false,
		MinFaceConfidence:   0.5,
	}, nil)

	sample := sampler.Sample(context.Background(), true)
	if sample.Verdict != VerdictMismatch {
		t.Fatalf("with pause disabled a distracted tick still compares, got %s", sample.Verdict)
	}
}

func TestIdentitySampleConfidenceFilter(t *testing.T) {
	faces := &fakeFaces{boxes: []FaceBox{{Confidence: 0.2}, {Confidence: 0.3}}}
	sampler := NewIdentitySampler("ses_1", faces, liveSource(), IdentityConfig{MinFaceConfidence: 0.5}, nil)

	sample := sampler.Sample(context.Background(), false)
	if sample.Verdict != VerdictNoFace {
		t.Fatalf("low-confidence boxes must filter to no_face, got %s", sample.Verdict)
	}
}

func TestIdentitySampleMultiFace(t *testing.T) {
	faces := &fakeFaces{boxes: []FaceBox{{Confidence: 0.9}, {Confidence: 0.8}}}
	sampler := NewIdentitySampler("ses_1", faces, liveSource(), IdentityConfig{MinFaceConfidence: 0.5}, nil)

	sample := sampler.Sample(context.Background(), false)
	if sample.Verdict != VerdictMultiFace {
		t.Fatalf("expected multi_face, got %s", sample.Verdict)
	}
	if sample.FacesDetected != 2 {
		t.Fatalf("expected 2 faces, got %d", sample.FacesDetected)
	}
}

func TestIdentitySampleDeadSource(t *testing.T) {
	faces := &fakeFaces{boxes: []FaceBox{{Confidence: 0.9}}}
	source := NewStreamFrameSource(0)
	sampler := NewIdentitySampler("ses_1", faces, source, IdentityConfig{MinFaceConfidence: 0.5}, nil)

	sample := sampler.Sample(context.Background(), false)
	if sample.Verdict != VerdictSourceUnavailable {
		t.Fatalf("expected source_unavailable, got %s", sample.Verdict)
	}
}

func TestIdentitySampleErrorsNeverMutate(t *testing.T) {
	faces := &fakeFaces{boxes: []FaceBox{{Confidence: 0.9}}, verified: false}
	sampler := NewIdentitySampler("ses_1", faces, liveSource(), IdentityConfig{MinFaceConfidence: 0.5}, nil)

	_ = sampler.Sample(context.Background(), false)
	if sampler.MismatchCount() != 1 {
		t.Fatalf("setup: expected 1 mismatch")
	}

	// Transient and unexpected failures both classify as transient ticks.
	faces.compareErr = &TransientDetectionError{Op: "compare", Err: errors.New("model warming up")}
	sample := sampler.Sample(context.Background(), false)
	if sample.Verdict != VerdictTransientError {
		t.Fatalf("expected transient_error, got %s", sample.Verdict)
	}
	faces.compareErr = errors.New("boom")
	sample = sampler.Sample(context.Background(), false)
	if sample.Verdict != VerdictTransientError {
		t.Fatalf("expected transient_error for unexpected failure, got %s", sample.Verdict)
	}
	if sampler.MismatchCount() != 1 {
		t.Fatalf("error ticks must not move the counter, got %d", sampler.MismatchCount())
	}
}

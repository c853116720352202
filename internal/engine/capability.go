package engine

import (
	"context"
	"errors"
	"fmt"
)

// FaceVerifier is the face detection/recognition capability. Implementations
// talk to an external model runtime and may fail transiently.
type FaceVerifier interface {
	DetectFaces(ctx context.Context, frame []byte) ([]FaceBox, error)
	Embed(ctx context.Context, frame []byte, box FaceBox) (Embedding, error)
	CompareToRegistered(ctx context.Context, sessionID string, embedding Embedding) (VerifyResult, error)
}

// BehaviorAnalyzer is the behavior/object detection capability.
type BehaviorAnalyzer interface {
	Analyze(ctx context.Context, frame []byte) (BehaviorReading, error)
}

// SpeechSynthesizer turns prompt text into playable audio.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// ViolationReport is the payload handed to the backend reporting collaborator.
type ViolationReport struct {
	SessionID      string     `json:"session_id"`
	ViolationType  RuleID     `json:"violation_type"`
	Reason         ExitReason `json:"reason"`
	ActionTaken    string     `json:"action_taken"`
	EvidenceJPEG   []byte     `json:"evidence,omitempty"`
	EvidenceDigest string     `json:"evidence_digest,omitempty"`
}

// ViolationReporter submits violation reports. Fire-and-forget from the
// engine's perspective: a submission failure never blocks termination.
type ViolationReporter interface {
	SubmitViolation(ctx context.Context, report ViolationReport) error
}

// TransientDetectionError marks a detection failure that should be logged and
// skipped without any state change: model runtime not ready, a single bad
// frame, a timed-out inference call.
type TransientDetectionError struct {
	Op  string
	Err error
}

func (e *TransientDetectionError) Error() string {
	return fmt.Sprintf("transient detection error in %s: %v", e.Op, e.Err)
}

func (e *TransientDetectionError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is classified as a transient detection
// failure. Context cancellation and deadline expiry count as transient: the
// tick is simply skipped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientDetectionError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package engine

import (
	"context"
	"log/slog"
	"time"
)

// IdentitySampler asks the face capability whether the person in the current
// frame is the registered candidate. One call produces one IdentitySample; the
// caller enforces cadence and single-flight.
type IdentitySampler struct {
	sessionID string
	faces     FaceVerifier
	source    FrameSource
	cfg       IdentityConfig
	log       *slog.Logger

	mismatchCount int
}

func NewIdentitySampler(sessionID string, faces FaceVerifier, source FrameSource, cfg IdentityConfig, log *slog.Logger) *IdentitySampler {
	if log == nil {
		log = slog.Default()
	}
	return &IdentitySampler{
		sessionID: sessionID,
		faces:     faces,
		source:    source,
		cfg:       cfg,
		log:       log,
	}
}

// MismatchCount returns the monotonic mismatch counter. It only resets on a
// genuine verified match, never on paused or transient ticks.
func (s *IdentitySampler) MismatchCount() int {
	return s.mismatchCount
}

// Sample runs one identity check. distracted is the behavior classification
// for the same tick; under the distraction pause rule it suppresses the
// comparison entirely. Errors from the capability never escape: they are
// classified, logged, and folded into the verdict.
func (s *IdentitySampler) Sample(ctx context.Context, distracted bool) IdentitySample {
	sample := IdentitySample{CapturedAt: time.Now()}

	if !s.source.Liveness().Live() {
		sample.Verdict = VerdictSourceUnavailable
		return sample
	}
	frame, ok := s.source.Current()
	if !ok {
		sample.Verdict = VerdictSourceUnavailable
		return sample
	}

	if distracted && s.cfg.PauseWhenDistracted {
		sample.Verdict = VerdictPaused
		return sample
	}

	boxes, err := s.faces.DetectFaces(ctx, frame.Data)
	if err != nil {
		return s.classifyError("detect_faces", err, sample)
	}
	confident := boxes[:0:0]
	for _, box := range boxes {
		if box.Confidence >= s.cfg.MinFaceConfidence {
			confident = append(confident, box)
		}
	}
	sample.FacesDetected = len(confident)
	switch {
	case len(confident) == 0:
		sample.Verdict = VerdictNoFace
		return sample
	case len(confident) > 1:
		sample.Verdict = VerdictMultiFace
		return sample
	}

	embedding, err := s.faces.Embed(ctx, frame.Data, confident[0])
	if err != nil {
		return s.classifyError("embed", err, sample)
	}
	result, err := s.faces.CompareToRegistered(ctx, s.sessionID, embedding)
	if err != nil {
		return s.classifyError("compare", err, sample)
	}

	matched := result.Verified
	sample.Matched = &matched
	sample.Confidence = result.Confidence
	if matched {
		sample.Verdict = VerdictMatch
		s.mismatchCount = 0
	} else {
		sample.Verdict = VerdictMismatch
		s.mismatchCount++
	}
	return sample
}

func (s *IdentitySampler) classifyError(op string, err error, sample IdentitySample) IdentitySample {
	if IsTransient(err) {
		s.log.Debug("identity sample skipped", "op", op, "error", err)
	} else {
		s.log.Warn("identity capability error", "op", op, "error", err)
	}
	// Either way the tick is a no-op: mismatchCount untouched, no escalation.
	sample.Verdict = VerdictTransientError
	return sample
}

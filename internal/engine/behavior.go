package engine

import (
	"context"
	"log/slog"
	"time"
)

// BehaviorSampler derives gaze, posture, and prohibited-object signals from
// the current frame. It owns the accumulated gaze-down clock and the lifetime
// object strike counter; both survive across ticks, everything else is
// recomputed per sample.
type BehaviorSampler struct {
	sessionID string
	analyzer  BehaviorAnalyzer
	source    FrameSource
	cfg       BehaviorConfig
	log       *slog.Logger
	now       func() time.Time

	gazeDownSeconds float64
	lastGazeAt      time.Time
	objectPresent   bool
	objectStrikes   int
	lastStatus      BehaviorStatus
}

func NewBehaviorSampler(sessionID string, analyzer BehaviorAnalyzer, source FrameSource, cfg BehaviorConfig, log *slog.Logger) *BehaviorSampler {
	if log == nil {
		log = slog.Default()
	}
	return &BehaviorSampler{
		sessionID:  sessionID,
		analyzer:   analyzer,
		source:     source,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		lastStatus: BehaviorFocused,
	}
}

// Status returns the classification of the most recent successful sample.
// The identity sampler reads this for the distraction pause rule.
func (s *BehaviorSampler) Status() BehaviorStatus {
	return s.lastStatus
}

// ObjectStrikes returns the lifetime-of-session strike counter.
func (s *BehaviorSampler) ObjectStrikes() int {
	return s.objectStrikes
}

// seedStrikes restores the counter from a persisted session. Strikes only ever
// grow, so a seed below the current count is ignored.
func (s *BehaviorSampler) seedStrikes(n int) {
	if n > s.objectStrikes {
		s.objectStrikes = n
	}
}

// Sample runs one behavior analysis round. ok is false when the tick produced
// nothing usable (dead source or transient detector failure); no accumulated
// state changes in that case.
func (s *BehaviorSampler) Sample(ctx context.Context) (BehaviorSample, bool) {
	frame, live := s.source.Current()
	if !live || !s.source.Liveness().Live() {
		return BehaviorSample{}, false
	}

	reading, err := s.analyzer.Analyze(ctx, frame.Data)
	if err != nil {
		if IsTransient(err) {
			s.log.Debug("behavior sample skipped", "error", err)
		} else {
			s.log.Warn("behavior capability error", "error", err)
		}
		return BehaviorSample{}, false
	}

	now := s.now()
	if reading.GazeDown || reading.FaceOutOfFrame {
		if !s.lastGazeAt.IsZero() {
			s.gazeDownSeconds += now.Sub(s.lastGazeAt).Seconds()
		}
		s.lastGazeAt = now
	} else {
		s.gazeDownSeconds = 0
		s.lastGazeAt = time.Time{}
	}

	// Rising edge only: continuous detection without an intervening clear
	// reading never re-increments. The counter itself never decrements.
	if reading.ObjectDetected && !s.objectPresent {
		s.objectStrikes++
		s.log.Info("prohibited object strike",
			"strike", s.objectStrikes,
			"label", reading.ObjectLabel)
	}
	s.objectPresent = reading.ObjectDetected

	sample := BehaviorSample{
		GazeDownSeconds: s.gazeDownSeconds,
		HeadPitchDown:   reading.HeadPitchDown,
		HandNearFace:    reading.HandNearFace,
		FaceOutOfFrame:  reading.FaceOutOfFrame,
		ObjectDetected:  reading.ObjectDetected,
		ObjectStrikes:   s.objectStrikes,
		CapturedAt:      now,
	}
	sample.CompositeScore = s.compositeScore(reading)
	sample.Status = s.deriveStatus(sample)
	s.lastStatus = sample.Status
	return sample, true
}

func (s *BehaviorSampler) compositeScore(reading BehaviorReading) int {
	score := 100
	if reading.GazeDown {
		score -= s.cfg.PenaltyGazeDown
	}
	if reading.HeadPitchDown {
		score -= s.cfg.PenaltyHeadPitch
	}
	if reading.HandNearFace {
		score -= s.cfg.PenaltyHandNear
	}
	if reading.FaceOutOfFrame {
		score -= s.cfg.PenaltyOutOfFrame
	}
	if reading.ObjectDetected {
		score -= s.cfg.PenaltyObject
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (s *BehaviorSampler) deriveStatus(sample BehaviorSample) BehaviorStatus {
	distracted := sample.FaceOutOfFrame || sample.GazeDownSeconds >= s.cfg.GazeDownDistractedSec
	if !distracted && sample.CompositeScore > s.cfg.SuspiciousScoreBelow && !sample.ObjectDetected {
		return BehaviorFocused
	}
	sustained := sample.GazeDownSeconds >= s.cfg.GazeDownSuspiciousSec
	corroborated := sample.HeadPitchDown && sample.HandNearFace
	if sample.ObjectDetected || sustained || (distracted && corroborated) || sample.CompositeScore <= s.cfg.SuspiciousScoreBelow {
		return BehaviorSuspicious
	}
	return BehaviorDistracted
}

package engine

import "time"

// Config carries every tunable of the proctoring engine. Thresholds and grace
// windows are deliberately configuration, not hard-coded business rules.
type Config struct {
	// HousekeepingInterval is the cheap tick that probes liveness and decides
	// whether enough time has elapsed for a real (expensive) sample.
	HousekeepingInterval time.Duration
	// CheckInterval is the detection sampling cadence.
	CheckInterval time.Duration
	// SampleTimeout bounds one round of capability calls.
	SampleTimeout time.Duration
	// FrameStaleAfter is how old the newest ingested frame may be before the
	// source counts as having no stream. Zero disables staleness checking.
	FrameStaleAfter time.Duration
	// NavigateDelay is the pause between termination and the host navigation
	// signal, leaving the UI time to render the termination notice.
	NavigateDelay time.Duration

	Identity IdentityConfig
	Behavior BehaviorConfig
	Rules    RulesConfig
}

type IdentityConfig struct {
	// PauseWhenDistracted suspends identity comparison while the behavior
	// subsystem classifies the candidate as distracted, so a turned head is
	// not mistaken for a different person. Product policy; keep togglable.
	PauseWhenDistracted bool
	// MinFaceConfidence filters detector noise below this confidence.
	MinFaceConfidence float64
}

type BehaviorConfig struct {
	// GazeDownDistractedSec is the sustained gaze-down duration that flips the
	// derived status to distracted.
	GazeDownDistractedSec float64
	// GazeDownSuspiciousSec is the sustained duration that, combined with a
	// corroborating signal, flips the status to suspicious.
	GazeDownSuspiciousSec float64
	// SuspiciousScoreBelow marks the composite score floor for suspicion.
	SuspiciousScoreBelow int

	// Composite score penalties, subtracted from 100 per observed signal.
	PenaltyGazeDown   int
	PenaltyHeadPitch  int
	PenaltyHandNear   int
	PenaltyOutOfFrame int
	PenaltyObject     int
}

type RulesConfig struct {
	// CameraGraceSec is the per-stage countdown for the camera/face absence
	// rule. The ladder is soft warning, final warning, terminated.
	CameraGraceSec int
	// MultiFaceGraceSec is the single warning countdown for multiple faces.
	MultiFaceGraceSec int
	// ObjectMaxStrikes is the prohibited-object strike count that terminates.
	ObjectMaxStrikes int
}

func DefaultConfig() Config {
	return Config{
		HousekeepingInterval: 500 * time.Millisecond,
		CheckInterval:        2 * time.Second,
		SampleTimeout:        5 * time.Second,
		FrameStaleAfter:      3 * time.Second,
		NavigateDelay:        4 * time.Second,
		Identity: IdentityConfig{
			PauseWhenDistracted: true,
			MinFaceConfidence:   0.5,
		},
		Behavior: BehaviorConfig{
			GazeDownDistractedSec: 3,
			GazeDownSuspiciousSec: 8,
			SuspiciousScoreBelow:  40,
			PenaltyGazeDown:       20,
			PenaltyHeadPitch:      15,
			PenaltyHandNear:       15,
			PenaltyOutOfFrame:     30,
			PenaltyObject:         40,
		},
		Rules: RulesConfig{
			CameraGraceSec:    10,
			MultiFaceGraceSec: 5,
			ObjectMaxStrikes:  3,
		},
	}
}

// Normalize fills zero values with defaults so a partially specified config
// (for example from YAML) behaves the same as DefaultConfig.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = def.HousekeepingInterval
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.SampleTimeout <= 0 {
		c.SampleTimeout = def.SampleTimeout
	}
	if c.FrameStaleAfter < 0 {
		c.FrameStaleAfter = def.FrameStaleAfter
	}
	if c.NavigateDelay < 0 {
		c.NavigateDelay = def.NavigateDelay
	}
	if c.Identity.MinFaceConfidence <= 0 {
		c.Identity.MinFaceConfidence = def.Identity.MinFaceConfidence
	}
	if c.Behavior.GazeDownDistractedSec <= 0 {
		c.Behavior.GazeDownDistractedSec = def.Behavior.GazeDownDistractedSec
	}
	if c.Behavior.GazeDownSuspiciousSec <= 0 {
		c.Behavior.GazeDownSuspiciousSec = def.Behavior.GazeDownSuspiciousSec
	}
	if c.Behavior.SuspiciousScoreBelow <= 0 {
		c.Behavior.SuspiciousScoreBelow = def.Behavior.SuspiciousScoreBelow
	}
	if c.Behavior.PenaltyGazeDown <= 0 {
		c.Behavior.PenaltyGazeDown = def.Behavior.PenaltyGazeDown
	}
	if c.Behavior.PenaltyHeadPitch <= 0 {
		c.Behavior.PenaltyHeadPitch = def.Behavior.PenaltyHeadPitch
	}
	if c.Behavior.PenaltyHandNear <= 0 {
		c.Behavior.PenaltyHandNear = def.Behavior.PenaltyHandNear
	}
	if c.Behavior.PenaltyOutOfFrame <= 0 {
		c.Behavior.PenaltyOutOfFrame = def.Behavior.PenaltyOutOfFrame
	}
	if c.Behavior.PenaltyObject <= 0 {
		c.Behavior.PenaltyObject = def.Behavior.PenaltyObject
	}
	if c.Rules.CameraGraceSec <= 0 {
		c.Rules.CameraGraceSec = def.Rules.CameraGraceSec
	}
	if c.Rules.MultiFaceGraceSec <= 0 {
		c.Rules.MultiFaceGraceSec = def.Rules.MultiFaceGraceSec
	}
	if c.Rules.ObjectMaxStrikes <= 0 {
		c.Rules.ObjectMaxStrikes = def.Rules.ObjectMaxStrikes
	}
}

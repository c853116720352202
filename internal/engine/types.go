package engine

import "time"

// RuleID identifies one of the four escalation rules owned by the rule engine.
type RuleID string

const (
	RuleIdentityMismatch RuleID = "identity_mismatch"
	RuleCameraAbsence    RuleID = "camera_absence"
	RuleMultipleFaces    RuleID = "multiple_faces"
	RuleProhibitedObject RuleID = "prohibited_object"
)

// ExitReason is the fixed enum surfaced to the host UI on termination.
type ExitReason string

const (
	ReasonIdentityMismatch ExitReason = "IDENTITY_MISMATCH"
	ReasonCameraOff        ExitReason = "CAMERA_OFF"
	ReasonMultipleFaces    ExitReason = "MULTIPLE_FACES"
	ReasonPhoneCheating    ExitReason = "PHONE_CHEATING"
)

// ReasonForRule maps a terminating rule to its host-facing exit reason.
func ReasonForRule(rule RuleID) ExitReason {
	switch rule {
	case RuleIdentityMismatch:
		return ReasonIdentityMismatch
	case RuleMultipleFaces:
		return ReasonMultipleFaces
	case RuleProhibitedObject:
		return ReasonPhoneCheating
	default:
		return ReasonCameraOff
	}
}

type Phase string

const (
	PhaseActive     Phase = "active"
	PhaseWarning    Phase = "warning"
	PhaseTerminated Phase = "terminated"
	PhaseCompleted  Phase = "completed"
)

// ProctorStatus is the single authoritative session status. Once the phase is
// terminated no further transitions occur.
type ProctorStatus struct {
	Phase            Phase      `json:"phase"`
	Rule             RuleID     `json:"rule,omitempty"`
	Stage            int        `json:"stage,omitempty"`
	SecondsRemaining int        `json:"seconds_remaining,omitempty"`
	Reason           ExitReason `json:"reason,omitempty"`
}

// FrameSourceState is the liveness snapshot of the candidate's media source.
// It is recomputed on every probe and never cached across probes.
type FrameSourceState struct {
	HasStream    bool `json:"has_stream"`
	TrackEnabled bool `json:"track_enabled"`
	TrackMuted   bool `json:"track_muted"`
	TrackEnded   bool `json:"track_ended"`
}

func (s FrameSourceState) Live() bool {
	return s.HasStream && s.TrackEnabled && !s.TrackMuted && !s.TrackEnded
}

// Frame is one captured webcam still (JPEG bytes as delivered by the host).
type Frame struct {
	Data       []byte
	Seq        int64
	CapturedAt time.Time
}

type IdentityVerdict string

const (
	VerdictMatch             IdentityVerdict = "match"
	VerdictMismatch          IdentityVerdict = "mismatch"
	VerdictNoFace            IdentityVerdict = "no_face"
	VerdictMultiFace         IdentityVerdict = "multi_face"
	VerdictSourceUnavailable IdentityVerdict = "source_unavailable"
	VerdictTransientError    IdentityVerdict = "transient_error"
	// VerdictPaused is the synthetic match-equivalent reported while identity
	// checking is suspended under the distraction pause rule. It neither
	// increments nor resets the mismatch counter.
	VerdictPaused IdentityVerdict = "paused"
)

// IdentitySample is the outcome of one identity poll tick. Matched is nil when
// identity checking was paused for the tick.
type IdentitySample struct {
	Verdict       IdentityVerdict `json:"verdict"`
	FacesDetected int             `json:"faces_detected"`
	Matched       *bool           `json:"matched,omitempty"`
	Confidence    float64         `json:"confidence,omitempty"`
	CapturedAt    time.Time       `json:"captured_at"`
}

type BehaviorStatus string

const (
	BehaviorFocused    BehaviorStatus = "focused"
	BehaviorDistracted BehaviorStatus = "distracted"
	BehaviorSuspicious BehaviorStatus = "suspicious"
)

// BehaviorSample is the outcome of one behavior poll tick. ObjectStrikes is the
// lifetime-of-session strike counter; it never decreases.
type BehaviorSample struct {
	GazeDownSeconds float64        `json:"gaze_down_seconds"`
	HeadPitchDown   bool           `json:"head_pitch_down"`
	HandNearFace    bool           `json:"hand_near_face"`
	FaceOutOfFrame  bool           `json:"face_out_of_frame"`
	ObjectDetected  bool           `json:"object_detected"`
	CompositeScore  int            `json:"composite_score"`
	Status          BehaviorStatus `json:"status"`
	ObjectStrikes   int            `json:"object_strikes"`
	CapturedAt      time.Time      `json:"captured_at"`
}

// ViolationRecord is created once per escalation stage transition and never
// mutated afterwards.
type ViolationRecord struct {
	Rule           RuleID     `json:"rule"`
	Stage          int        `json:"stage"`
	Reason         ExitReason `json:"reason,omitempty"`
	ActionTaken    string     `json:"action_taken"`
	EvidenceJPEG   []byte     `json:"-"`
	EvidenceDigest string     `json:"evidence_digest,omitempty"`
	ReportedAt     time.Time  `json:"reported_at"`
}

// FaceBox is one detected face region in a frame.
type FaceBox struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Embedding is a fixed-length vector representing a detected face.
type Embedding []float32

// VerifyResult is the outcome of comparing an embedding to the registered one.
type VerifyResult struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
}

// BehaviorReading is the raw per-frame signal set from the behavior/object
// detection capability. Accumulation and status derivation happen in the
// sampler, not the detector.
type BehaviorReading struct {
	GazeDown       bool    `json:"gaze_down"`
	HeadPitchDown  bool    `json:"head_pitch_down"`
	HandNearFace   bool    `json:"hand_near_face"`
	FaceOutOfFrame bool    `json:"face_out_of_frame"`
	ObjectDetected bool    `json:"object_detected"`
	ObjectLabel    string  `json:"object_label,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
}

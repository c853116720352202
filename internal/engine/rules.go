package engine

import "time"

// The rule engine is a single explicit reducer: Apply takes the current state
// and one event and returns the next state plus the transitions the event
// committed. All four escalation rules race through this one function, so
// there is exactly one place where the authoritative status can change.

type EventKind string

const (
	EventIdentitySample EventKind = "identity_sample"
	EventBehaviorSample EventKind = "behavior_sample"
	EventFrameState     EventKind = "frame_state"
	EventTimerTick      EventKind = "timer_tick"
	EventConditionClear EventKind = "condition_cleared"
	EventManualStop     EventKind = "manual_terminate"
)

// Event is one input to the reducer.
type Event struct {
	Kind     EventKind
	Identity *IdentitySample
	Behavior *BehaviorSample
	Frame    *FrameSourceState
	Rule     RuleID // for EventTimerTick / EventConditionClear
	Reason   ExitReason
	Elapsed  time.Duration // wall time the sampler spent producing this sample
}

type TransitionKind string

const (
	TransitionWarningEntered   TransitionKind = "warning_entered"
	TransitionWarningEscalated TransitionKind = "warning_escalated"
	TransitionWarningCleared   TransitionKind = "warning_cleared"
	TransitionStrike           TransitionKind = "strike"
	TransitionTerminated       TransitionKind = "terminated"
)

// Transition is one committed state change, in order of occurrence. Violation
// records are derived from transitions, never from raw samples.
type Transition struct {
	Kind             TransitionKind
	Rule             RuleID
	Stage            int
	SecondsRemaining int
	Reason           ExitReason
}

// countdown is a running per-rule grace timer. Its presence in the state means
// the 1-second timer for that rule is armed; removing it cancels the timer.
type countdown struct {
	Stage     int
	Remaining int
}

// RuleState is the whole reducer state. Zero value plus Reset gives a fresh
// active session.
type RuleState struct {
	Status        ProctorStatus
	Countdowns    map[RuleID]countdown
	Live          bool
	LastIdentity  IdentityVerdict
	ObjectStrikes int
	ObjectVisible bool
	Terminated    bool
}

func NewRuleState() RuleState {
	return RuleState{
		Status:       ProctorStatus{Phase: PhaseActive},
		Countdowns:   map[RuleID]countdown{},
		Live:         true,
		LastIdentity: VerdictMatch,
	}
}

// RuleEngine evaluates events against the configured ladders.
type RuleEngine struct {
	cfg RulesConfig
}

func NewRuleEngine(cfg RulesConfig) *RuleEngine {
	return &RuleEngine{cfg: cfg}
}

// ActiveCountdowns lists rules with an armed grace timer in precedence order.
// The engine drives a TimerTick for each on every countdown second.
func (r *RuleEngine) ActiveCountdowns(state RuleState) []RuleID {
	out := make([]RuleID, 0, 2)
	// Pinned precedence: camera absence before multiple faces.
	for _, rule := range []RuleID{RuleCameraAbsence, RuleMultipleFaces} {
		if _, ok := state.Countdowns[rule]; ok {
			out = append(out, rule)
		}
	}
	return out
}

// Apply reduces one event. Terminated is absorbing: any event against a
// terminated state is discarded with no transitions.
func (r *RuleEngine) Apply(state RuleState, event Event) (RuleState, []Transition) {
	if state.Terminated {
		return state, nil
	}
	next := cloneState(state)
	var transitions []Transition

	switch event.Kind {
	case EventIdentitySample:
		if event.Identity != nil {
			transitions = r.applyIdentity(&next, *event.Identity)
		}
	case EventBehaviorSample:
		if event.Behavior != nil {
			transitions = r.applyBehavior(&next, *event.Behavior)
		}
	case EventFrameState:
		if event.Frame != nil {
			transitions = r.applyFrameState(&next, *event.Frame)
		}
	case EventTimerTick:
		transitions = r.applyTick(&next, event.Rule)
	case EventConditionClear:
		transitions = r.clearRule(&next, event.Rule)
	case EventManualStop:
		reason := event.Reason
		if reason == "" {
			reason = ReasonCameraOff
		}
		transitions = r.terminate(&next, event.Rule, 0, reason)
	}

	r.reduceStatus(&next)
	return next, transitions
}

func (r *RuleEngine) applyIdentity(state *RuleState, sample IdentitySample) []Transition {
	state.LastIdentity = sample.Verdict
	var transitions []Transition
	switch sample.Verdict {
	case VerdictMismatch:
		// Unauthorized person: no grace window, no countdown stage.
		return r.terminate(state, RuleIdentityMismatch, 0, ReasonIdentityMismatch)
	case VerdictMatch, VerdictPaused:
		transitions = append(transitions, r.clearRule(state, RuleCameraAbsence)...)
		transitions = append(transitions, r.clearRule(state, RuleMultipleFaces)...)
	case VerdictNoFace:
		transitions = append(transitions, r.clearRule(state, RuleMultipleFaces)...)
		transitions = append(transitions, r.armCountdown(state, RuleCameraAbsence, r.cfg.CameraGraceSec)...)
	case VerdictMultiFace:
		transitions = append(transitions, r.clearRule(state, RuleCameraAbsence)...)
		transitions = append(transitions, r.armCountdown(state, RuleMultipleFaces, r.cfg.MultiFaceGraceSec)...)
	case VerdictSourceUnavailable:
		transitions = append(transitions, r.armCountdown(state, RuleCameraAbsence, r.cfg.CameraGraceSec)...)
	case VerdictTransientError:
		// Logged no-op tick.
	}
	return transitions
}

func (r *RuleEngine) applyBehavior(state *RuleState, sample BehaviorSample) []Transition {
	state.ObjectVisible = sample.ObjectDetected
	var transitions []Transition
	// Strikes arrive as a lifetime counter; replay every unseen strike so a
	// sampler that advanced more than once between events cannot skip stages.
	for sample.ObjectStrikes > state.ObjectStrikes {
		state.ObjectStrikes++
		strike := state.ObjectStrikes
		if strike >= r.cfg.ObjectMaxStrikes {
			transitions = append(transitions, Transition{
				Kind:  TransitionStrike,
				Rule:  RuleProhibitedObject,
				Stage: strike,
			})
			transitions = append(transitions, r.terminate(state, RuleProhibitedObject, strike, ReasonPhoneCheating)...)
			return transitions
		}
		transitions = append(transitions, Transition{
			Kind:  TransitionStrike,
			Rule:  RuleProhibitedObject,
			Stage: strike,
		})
	}
	return transitions
}

func (r *RuleEngine) applyFrameState(state *RuleState, frame FrameSourceState) []Transition {
	wasLive := state.Live
	state.Live = frame.Live()
	if !state.Live {
		return r.armCountdown(state, RuleCameraAbsence, r.cfg.CameraGraceSec)
	}
	// Liveness returning does not clear the camera rule by itself: a NoFace
	// verdict may still be standing. Only a face-bearing identity sample, or
	// the timer finding the condition false, resets it.
	if !wasLive && state.LastIdentity != VerdictNoFace {
		return r.clearRule(state, RuleCameraAbsence)
	}
	return nil
}

func (r *RuleEngine) applyTick(state *RuleState, rule RuleID) []Transition {
	cd, ok := state.Countdowns[rule]
	if !ok {
		// Stale tick for a cancelled countdown.
		return nil
	}
	if !r.conditionHolds(*state, rule) {
		return r.clearRule(state, rule)
	}
	cd.Remaining--
	if cd.Remaining > 0 {
		state.Countdowns[rule] = cd
		return nil
	}
	switch rule {
	case RuleCameraAbsence:
		if cd.Stage < 2 {
			escalated := countdown{Stage: cd.Stage + 1, Remaining: r.cfg.CameraGraceSec}
			state.Countdowns[rule] = escalated
			return []Transition{{
				Kind:             TransitionWarningEscalated,
				Rule:             rule,
				Stage:            escalated.Stage,
				SecondsRemaining: escalated.Remaining,
			}}
		}
		return r.terminate(state, rule, cd.Stage, ReasonCameraOff)
	case RuleMultipleFaces:
		return r.terminate(state, rule, cd.Stage, ReasonMultipleFaces)
	}
	return nil
}

func (r *RuleEngine) conditionHolds(state RuleState, rule RuleID) bool {
	switch rule {
	case RuleCameraAbsence:
		return !state.Live || state.LastIdentity == VerdictNoFace || state.LastIdentity == VerdictSourceUnavailable
	case RuleMultipleFaces:
		return state.LastIdentity == VerdictMultiFace
	}
	return false
}

func (r *RuleEngine) armCountdown(state *RuleState, rule RuleID, grace int) []Transition {
	if _, ok := state.Countdowns[rule]; ok {
		return nil
	}
	cd := countdown{Stage: 1, Remaining: grace}
	state.Countdowns[rule] = cd
	return []Transition{{
		Kind:             TransitionWarningEntered,
		Rule:             rule,
		Stage:            cd.Stage,
		SecondsRemaining: cd.Remaining,
	}}
}

// clearRule cancels the rule's countdown and resets it to active. Countdown
// stages are not sticky; only the object strike counter persists.
func (r *RuleEngine) clearRule(state *RuleState, rule RuleID) []Transition {
	if _, ok := state.Countdowns[rule]; !ok {
		return nil
	}
	delete(state.Countdowns, rule)
	return []Transition{{Kind: TransitionWarningCleared, Rule: rule}}
}

func (r *RuleEngine) terminate(state *RuleState, rule RuleID, stage int, reason ExitReason) []Transition {
	if state.Terminated {
		return nil
	}
	state.Terminated = true
	state.Countdowns = map[RuleID]countdown{}
	state.Status = ProctorStatus{
		Phase:  PhaseTerminated,
		Rule:   rule,
		Stage:  stage,
		Reason: reason,
	}
	return []Transition{{
		Kind:   TransitionTerminated,
		Rule:   rule,
		Stage:  stage,
		Reason: reason,
	}}
}

// reduceStatus recomputes the one authoritative status from rule state, in
// pinned precedence order: terminated, object banner, camera, multiple faces.
func (r *RuleEngine) reduceStatus(state *RuleState) {
	if state.Terminated {
		// terminate() already wrote the final status; keep it.
		return
	}
	if state.ObjectVisible && state.ObjectStrikes > 0 {
		state.Status = ProctorStatus{
			Phase: PhaseWarning,
			Rule:  RuleProhibitedObject,
			Stage: state.ObjectStrikes,
		}
		return
	}
	for _, rule := range []RuleID{RuleCameraAbsence, RuleMultipleFaces} {
		if cd, ok := state.Countdowns[rule]; ok {
			state.Status = ProctorStatus{
				Phase:            PhaseWarning,
				Rule:             rule,
				Stage:            cd.Stage,
				SecondsRemaining: cd.Remaining,
			}
			return
		}
	}
	state.Status = ProctorStatus{Phase: PhaseActive}
}

func cloneState(state RuleState) RuleState {
	next := state
	next.Countdowns = make(map[RuleID]countdown, len(state.Countdowns))
	for rule, cd := range state.Countdowns {
		next.Countdowns[rule] = cd
	}
	return next
}

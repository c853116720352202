package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Hooks are the engine's outbound notifications. All callbacks are invoked
// from the engine's own goroutine and must not block.
type Hooks struct {
	// OnStatus fires whenever the authoritative status changes.
	OnStatus func(status ProctorStatus)
	// OnTransition fires for every committed rule transition, in order.
	OnTransition func(transition Transition, status ProctorStatus)
	// OnSample fires per applied sample with the wall time the capability
	// round took, for observability counters and latency histograms.
	OnSample func(kind EventKind, verdict string, elapsed time.Duration)
	// OnViolation fires once with the violation record of a fatal verdict.
	OnViolation func(record ViolationRecord)
	// Navigate tells the host to leave the assessment view after the
	// post-termination delay.
	Navigate func(reason ExitReason)
}

// Deps are the collaborators one engine instance runs against.
type Deps struct {
	SessionID       string
	Source          FrameSource
	Faces           FaceVerifier
	Behavior        BehaviorAnalyzer
	Speech          SpeechSynthesizer
	Playback        PlaybackSink
	Reporter        ViolationReporter
	FinalizeSession func(ctx context.Context, reason string) error
	Hooks           Hooks
	Logger          *slog.Logger

	// InitialObjectStrikes seeds the lifetime strike counter when a persisted
	// session resumes, so the three-strike budget does not reset on reload.
	InitialObjectStrikes int
}

// Engine runs one session's proctoring loop: a fast housekeeping tick that
// probes liveness and schedules samples, a 1-second tick that drives armed
// rule countdowns, and an event channel feeding the reducer. All state
// mutation happens on the loop goroutine; samplers run single-flight on a
// helper goroutine and report back through events.
type Engine struct {
	cfg         Config
	sessionID   string
	source      FrameSource
	identity    *IdentitySampler
	behavior    *BehaviorSampler
	rules       *RuleEngine
	state       RuleState
	coordinator *TerminationCoordinator
	narration   *NarrationChannel
	hooks       Hooks
	log         *slog.Logger

	events     chan Event
	flightDone chan struct{}
	sampling   bool
	lastSample time.Time
	disabled   atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	statusMu sync.Mutex
	status   ProctorStatus
}

func New(cfg Config, deps Deps) *Engine {
	cfg.Normalize()
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", deps.SessionID)

	sink := deps.Playback
	if sink == nil {
		sink = noopSink{}
	}
	narration := NewNarrationChannel(deps.SessionID, deps.Speech, sink, log)

	e := &Engine{
		cfg:        cfg,
		sessionID:  deps.SessionID,
		source:     deps.Source,
		rules:      NewRuleEngine(cfg.Rules),
		state:      NewRuleState(),
		narration:  narration,
		hooks:      deps.Hooks,
		log:        log,
		events:     make(chan Event, 32),
		flightDone: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		status:     ProctorStatus{Phase: PhaseActive},
	}
	e.identity = NewIdentitySampler(deps.SessionID, deps.Faces, deps.Source, cfg.Identity, log)
	e.behavior = NewBehaviorSampler(deps.SessionID, deps.Behavior, deps.Source, cfg.Behavior, log)
	if deps.InitialObjectStrikes > 0 {
		e.state.ObjectStrikes = deps.InitialObjectStrikes
		e.behavior.seedStrikes(deps.InitialObjectStrikes)
	}
	e.coordinator = NewTerminationCoordinator(CoordinatorDeps{
		SessionID:       deps.SessionID,
		Source:          deps.Source,
		Narration:       narration,
		Reporter:        deps.Reporter,
		DisableSamplers: func() { e.disabled.Store(true) },
		FinalizeSession: deps.FinalizeSession,
		Navigate:        deps.Hooks.Navigate,
		NavigateDelay:   cfg.NavigateDelay,
		Logger:          log,
	})
	return e
}

// Narration exposes the session's narration channel.
func (e *Engine) Narration() *NarrationChannel {
	return e.narration
}

// Status returns the current authoritative status.
func (e *Engine) Status() ProctorStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

// Done closes when the loop has exited.
func (e *Engine) Done() <-chan struct{} {
	return e.doneCh
}

// RequestTermination injects a manual termination event, e.g. from an
// operator action.
func (e *Engine) RequestTermination(rule RuleID, reason ExitReason) {
	e.post(Event{Kind: EventManualStop, Rule: rule, Reason: reason})
}

// Shutdown is the normal-completion path. It converges on the same teardown
// as a fatal verdict: samplers stopped, media released, timers cancelled,
// session flushed.
func (e *Engine) Shutdown(ctx context.Context) {
	e.coordinator.CompleteNormally(ctx)
	e.stop()
}

// Run drives the loop until the context is cancelled, the session completes,
// or a rule terminates it. Blocks; callers run it on its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)
	housekeeper := time.NewTicker(e.cfg.HousekeepingInterval)
	defer housekeeper.Stop()
	seconds := time.NewTicker(time.Second)
	defer seconds.Stop()

	e.log.Info("proctor engine started",
		"check_interval", e.cfg.CheckInterval,
		"camera_grace_sec", e.cfg.Rules.CameraGraceSec)

	for {
		select {
		case <-ctx.Done():
			e.coordinator.CompleteNormally(context.WithoutCancel(ctx))
			return
		case <-e.stopCh:
			return
		case event := <-e.events:
			e.dispatch(ctx, event)
		case <-e.flightDone:
			e.sampling = false
		case <-housekeeper.C:
			e.houseTick(ctx)
		case <-seconds.C:
			for _, rule := range e.rules.ActiveCountdowns(e.state) {
				e.dispatch(ctx, Event{Kind: EventTimerTick, Rule: rule})
				if e.state.Terminated {
					break
				}
			}
		}
	}
}

// houseTick is the cheap 500ms pass: recompute liveness, feed it to the
// reducer, and decide whether the expensive sampling round is due.
func (e *Engine) houseTick(ctx context.Context) {
	if e.disabled.Load() {
		return
	}
	liveness := e.source.Liveness()
	e.dispatch(ctx, Event{Kind: EventFrameState, Frame: &liveness})
	if e.state.Terminated {
		return
	}
	if !liveness.Live() {
		return
	}
	if e.sampling {
		// Previous round still in flight: skip, never queue.
		return
	}
	if time.Since(e.lastSample) < e.cfg.CheckInterval {
		return
	}
	e.sampling = true
	e.lastSample = time.Now()
	go e.sampleFlight(ctx)
}

// sampleFlight runs one behavior-then-identity round. Running both on one
// goroutine keeps each sampler single-flight and guarantees the behavior
// classification is visible to the identity decision of the same tick.
func (e *Engine) sampleFlight(ctx context.Context) {
	defer func() {
		select {
		case e.flightDone <- struct{}{}:
		case <-e.stopCh:
		}
	}()
	sampleCtx, cancel := context.WithTimeout(ctx, e.cfg.SampleTimeout)
	defer cancel()

	distracted := e.behavior.Status() == BehaviorDistracted
	begin := time.Now()
	if behavior, ok := e.behavior.Sample(sampleCtx); ok {
		distracted = behavior.Status == BehaviorDistracted
		e.post(Event{Kind: EventBehaviorSample, Behavior: &behavior, Elapsed: time.Since(begin)})
	}
	begin = time.Now()
	identity := e.identity.Sample(sampleCtx, distracted)
	e.post(Event{Kind: EventIdentitySample, Identity: &identity, Elapsed: time.Since(begin)})
}

func (e *Engine) post(event Event) {
	select {
	case e.events <- event:
	case <-e.stopCh:
	}
}

func (e *Engine) dispatch(ctx context.Context, event Event) {
	if e.disabled.Load() && event.Kind != EventManualStop {
		return
	}
	previous := e.state.Status
	state, transitions := e.rules.Apply(e.state, event)
	e.state = state
	e.observeSample(event)

	for _, transition := range transitions {
		if e.hooks.OnTransition != nil {
			e.hooks.OnTransition(transition, e.state.Status)
		}
		if transition.Kind == TransitionTerminated {
			record := e.coordinator.Terminate(ctx, transition.Rule, transition.Stage, transition.Reason)
			if record != nil && e.hooks.OnViolation != nil {
				e.hooks.OnViolation(*record)
			}
			e.stop()
		}
	}

	if e.state.Status != previous {
		e.statusMu.Lock()
		e.status = e.state.Status
		e.statusMu.Unlock()
		if e.hooks.OnStatus != nil {
			e.hooks.OnStatus(e.state.Status)
		}
	}
}

func (e *Engine) observeSample(event Event) {
	if e.hooks.OnSample == nil {
		return
	}
	switch event.Kind {
	case EventIdentitySample:
		if event.Identity != nil {
			e.hooks.OnSample(event.Kind, string(event.Identity.Verdict), event.Elapsed)
		}
	case EventBehaviorSample:
		if event.Behavior != nil {
			e.hooks.OnSample(event.Kind, string(event.Behavior.Status), event.Elapsed)
		}
	}
}

func (e *Engine) stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

type noopSink struct{}

func (noopSink) Play(string, []byte) error { return nil }
func (noopSink) Stop(string)               {}

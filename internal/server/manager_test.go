package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"proctor/internal/engine"
)

type stubFaces struct{}

func (stubFaces) DetectFaces(ctx context.Context, frame []byte) ([]engine.FaceBox, error) {
	return []engine.FaceBox{{Confidence: 0.9}}, nil
}

func (stubFaces) Embed(ctx context.Context, frame []byte, box engine.FaceBox) (engine.Embedding, error) {
	return engine.Embedding{0.1, 0.2}, nil
}

func (stubFaces) CompareToRegistered(ctx context.Context, sessionID string, embedding engine.Embedding) (engine.VerifyResult, error) {
	return engine.VerifyResult{Verified: true, Confidence: 0.95}, nil
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(ctx context.Context, frame []byte) (engine.BehaviorReading, error) {
	return engine.BehaviorReading{}, nil
}

type stubSpeech struct{}

func (stubSpeech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("audio"), nil
}

type fakeHostSink struct {
	mu      sync.Mutex
	played  []string
	stopped []string
}

func (f *fakeHostSink) SendStatus(engine.ProctorStatus)                        {}
func (f *fakeHostSink) SendTransition(engine.Transition, engine.ProctorStatus) {}
func (f *fakeHostSink) SendViolation(engine.ViolationRecord)                   {}
func (f *fakeHostSink) SendNavigate(engine.ExitReason)                         {}

func (f *fakeHostSink) PlayAudio(key string, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, key)
	return nil
}

func (f *fakeHostSink) StopAudio(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, key)
}

func newTestManager(t *testing.T) (*SessionManager, *MemoryFileStore) {
	t.Helper()
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	cfg := DefaultServerConfig()
	cfg.Limits.SessionStartRPM = 1000
	manager := NewSessionManager(cfg, store, Capabilities{
		Faces:    stubFaces{},
		Behavior: stubAnalyzer{},
		Speech:   stubSpeech{},
	}, nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return manager, store
}

func startSession(t *testing.T, manager *SessionManager, candidateID string) SessionView {
	t.Helper()
	view, err := manager.StartSession(StartRequest{
		CandidateID: candidateID,
		SetupID:     "setup_1",
		Questions:   []string{"Tell me about yourself.", "Why this role?"},
	}, "10.0.0.1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return view
}

func TestManagerStartRequiresQuestions(t *testing.T) {
	manager, _ := newTestManager(t)
	_, err := manager.StartSession(StartRequest{CandidateID: "cand_1", SetupID: "setup_1"}, "ip")
	if err == nil {
		t.Fatalf("fresh start without questions must fail")
	}
}

func TestManagerStartCreatesLiveSession(t *testing.T) {
	manager, _ := newTestManager(t)
	view := startSession(t, manager, "cand_1")

	if view.SessionID == "" || view.Resumed {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.CurrentQuestion != "Tell me about yourself." {
		t.Fatalf("current question = %q", view.CurrentQuestion)
	}
	if view.TotalQuestions != 2 || view.QuestionIndex != 0 {
		t.Fatalf("progress wrong: %+v", view)
	}
	if manager.ActiveCount() != 1 {
		t.Fatalf("expected one live engine, got %d", manager.ActiveCount())
	}
	got, err := manager.GetSession(view.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.SessionID != view.SessionID {
		t.Fatalf("GetSession mismatch: %+v", got)
	}
}

func TestManagerResumesByCandidateAndSetup(t *testing.T) {
	manager, _ := newTestManager(t)
	first := startSession(t, manager, "cand_1")

	resumed, err := manager.StartSession(StartRequest{CandidateID: "cand_1", SetupID: "setup_1"}, "10.0.0.2")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !resumed.Resumed || resumed.SessionID != first.SessionID {
		t.Fatalf("expected resume of %s, got %+v", first.SessionID, resumed)
	}
	if manager.ActiveCount() != 1 {
		t.Fatalf("resume must not boot a second engine, got %d", manager.ActiveCount())
	}
}

func TestManagerSetupMismatchDiscardsStaleSession(t *testing.T) {
	manager, store := newTestManager(t)
	first := startSession(t, manager, "cand_1")

	fresh, err := manager.StartSession(StartRequest{
		SessionID:   first.SessionID,
		CandidateID: "cand_1",
		SetupID:     "setup_2",
		Questions:   []string{"New Q1"},
	}, "10.0.0.3")
	if err != nil {
		t.Fatalf("mismatched resume: %v", err)
	}
	if fresh.SessionID == first.SessionID || fresh.Resumed {
		t.Fatalf("expected a fresh session, got %+v", fresh)
	}
	stale, _ := store.GetSession(first.SessionID)
	if !stale.Discarded {
		t.Fatalf("stale session must be discarded: %+v", stale)
	}
	if _, ok := store.FindResumable("cand_1", "setup_1"); ok {
		t.Fatalf("discarded session must not resume")
	}
}

func TestManagerFreshStartDiscardsOtherSetups(t *testing.T) {
	manager, store := newTestManager(t)
	first := startSession(t, manager, "cand_1")

	// No explicit session id: the candidate simply begins a different setup.
	fresh, err := manager.StartSession(StartRequest{
		CandidateID: "cand_1",
		SetupID:     "setup_2",
		Questions:   []string{"New Q1"},
	}, "10.0.0.4")
	if err != nil {
		t.Fatalf("fresh start: %v", err)
	}
	if fresh.SessionID == first.SessionID || fresh.Resumed {
		t.Fatalf("expected a fresh session, got %+v", fresh)
	}
	stale, _ := store.GetSession(first.SessionID)
	if !stale.Discarded {
		t.Fatalf("stale session under the old setup must be discarded: %+v", stale)
	}
	if _, ok := store.FindResumable("cand_1", "setup_1"); ok {
		t.Fatalf("discarded session must not resume")
	}
}

func TestManagerStrikeTransitionPersists(t *testing.T) {
	manager, store := newTestManager(t)
	view := startSession(t, manager, "cand_1")

	manager.recordTransition(view.SessionID, engine.Transition{
		Kind:  engine.TransitionStrike,
		Rule:  engine.RuleProhibitedObject,
		Stage: 2,
	})
	meta, ok := store.GetSession(view.SessionID)
	if !ok {
		t.Fatalf("session vanished")
	}
	if meta.ObjectStrikes != 2 {
		t.Fatalf("persisted strikes = %d, want 2", meta.ObjectStrikes)
	}

	// An out-of-order replay never lowers the committed count.
	manager.recordTransition(view.SessionID, engine.Transition{
		Kind:  engine.TransitionStrike,
		Rule:  engine.RuleProhibitedObject,
		Stage: 1,
	})
	meta, _ = store.GetSession(view.SessionID)
	if meta.ObjectStrikes != 2 {
		t.Fatalf("strike count regressed to %d", meta.ObjectStrikes)
	}
}

func TestManagerExplicitResumeUnknownID(t *testing.T) {
	manager, _ := newTestManager(t)
	_, err := manager.StartSession(StartRequest{SessionID: "ses_missing"}, "ip")
	if err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestManagerAnswersAdvanceAndComplete(t *testing.T) {
	manager, store := newTestManager(t)
	view := startSession(t, manager, "cand_1")
	ctx := context.Background()

	mid, err := manager.SubmitAnswer(ctx, view.SessionID, "I am a software engineer.")
	if err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	if mid.QuestionIndex != 1 || mid.CurrentQuestion != "Why this role?" {
		t.Fatalf("expected advance to question 2, got %+v", mid)
	}
	if len(mid.Transcript) != 1 || mid.Transcript[0].Answer != "I am a software engineer." {
		t.Fatalf("transcript wrong: %+v", mid.Transcript)
	}

	final, err := manager.SubmitAnswer(ctx, view.SessionID, "It matches my background.")
	if err != nil {
		t.Fatalf("final SubmitAnswer: %v", err)
	}
	if !final.Completed || final.CompletedReason != "finished" {
		t.Fatalf("expected finished session, got %+v", final)
	}
	if _, err := manager.SubmitAnswer(ctx, view.SessionID, "extra"); err != ErrSessionClosed {
		t.Fatalf("answer after completion must fail with ErrSessionClosed, got %v", err)
	}

	meta, _ := store.GetSession(view.SessionID)
	if !meta.Completed || len(meta.Transcript) != 2 {
		t.Fatalf("persisted record wrong: %+v", meta)
	}
}

func TestManagerCompletedSessionIsReadOnlyOnResume(t *testing.T) {
	manager, _ := newTestManager(t)
	view := startSession(t, manager, "cand_1")
	ctx := context.Background()
	if _, err := manager.FinishSession(ctx, view.SessionID); err != nil {
		t.Fatalf("FinishSession: %v", err)
	}
	waitNoLive(t, manager)

	resumed, err := manager.StartSession(StartRequest{SessionID: view.SessionID}, "ip")
	if err != nil {
		t.Fatalf("resume of completed session: %v", err)
	}
	if !resumed.Completed || resumed.Resumed {
		t.Fatalf("completed session must come back read-only: %+v", resumed)
	}
	if manager.ActiveCount() != 0 {
		t.Fatalf("completed resume must not boot an engine")
	}
	if resumed.Proctor.Phase != engine.PhaseCompleted {
		t.Fatalf("phase = %s, want completed", resumed.Proctor.Phase)
	}
}

func TestManagerTerminateSession(t *testing.T) {
	manager, store := newTestManager(t)
	view := startSession(t, manager, "cand_1")

	if err := manager.TerminateSession(view.SessionID, engine.RuleProhibitedObject); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	waitNoLive(t, manager)

	meta, _ := store.GetSession(view.SessionID)
	if !meta.Completed || meta.CompletedReason != string(engine.ReasonPhoneCheating) {
		t.Fatalf("expected PHONE_CHEATING completion, got %+v", meta)
	}
	rows := store.ListViolations(view.SessionID)
	if len(rows) != 1 || rows[0].Rule != string(engine.RuleProhibitedObject) {
		t.Fatalf("expected archived violation, got %+v", rows)
	}
	if err := manager.TerminateSession(view.SessionID, engine.RuleProhibitedObject); err != ErrSessionNotFound {
		t.Fatalf("terminate of dead session must fail, got %v", err)
	}
}

func TestManagerStartRateLimit(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	cfg := DefaultServerConfig()
	cfg.Limits.SessionStartRPM = 1
	manager := NewSessionManager(cfg, store, Capabilities{
		Faces:    stubFaces{},
		Behavior: stubAnalyzer{},
		Speech:   stubSpeech{},
	}, nil, nil)
	defer manager.Shutdown(context.Background())

	if _, err := manager.StartSession(StartRequest{
		CandidateID: "cand_1",
		SetupID:     "setup_1",
		Questions:   []string{"Q1"},
	}, "10.0.0.9"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := manager.StartSession(StartRequest{
		CandidateID: "cand_2",
		SetupID:     "setup_1",
		Questions:   []string{"Q1"},
	}, "10.0.0.9")
	if err != ErrRateLimited {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestManagerBindAndHostLink(t *testing.T) {
	manager, _ := newTestManager(t)
	if _, _, ok := manager.Bind("ses_missing"); ok {
		t.Fatalf("bind of unknown session must fail")
	}
	view := startSession(t, manager, "cand_1")

	source, link, ok := manager.Bind(view.SessionID)
	if !ok || source == nil || link == nil {
		t.Fatalf("bind failed for live session")
	}

	sink := &fakeHostSink{}
	link.Attach(sink)
	if err := link.Play("ses:0", []byte("audio")); err != nil {
		t.Fatalf("Play: %v", err)
	}
	link.Stop("ses:0")
	sink.mu.Lock()
	played, stopped := len(sink.played), len(sink.stopped)
	sink.mu.Unlock()
	if played != 1 || stopped != 1 {
		t.Fatalf("link did not route audio: played=%d stopped=%d", played, stopped)
	}

	other := &fakeHostSink{}
	link.Detach(other)
	if err := link.Play("ses:1", nil); err != nil {
		t.Fatalf("Play after foreign detach: %v", err)
	}
	sink.mu.Lock()
	played = len(sink.played)
	sink.mu.Unlock()
	if played != 2 {
		t.Fatalf("foreign detach must not clear the attached sink")
	}

	link.Detach(sink)
	if err := link.Play("ses:2", nil); err != nil {
		t.Fatalf("Play with no sink must drop silently: %v", err)
	}
}

func waitNoLive(t *testing.T, manager *SessionManager) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for manager.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("live engine never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

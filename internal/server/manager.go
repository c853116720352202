package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"proctor/internal/engine"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session already completed")
	ErrRateLimited     = errors.New("session start rate limit reached")
)

// HostSink is the live host connection for one session. The websocket layer
// implements it; every method must tolerate being called after the peer went
// away.
type HostSink interface {
	SendStatus(status engine.ProctorStatus)
	SendTransition(transition engine.Transition, status engine.ProctorStatus)
	SendViolation(record engine.ViolationRecord)
	SendNavigate(reason engine.ExitReason)
	PlayAudio(key string, audio []byte) error
	StopAudio(key string)
}

// HostLink decouples the engine from whichever websocket connection currently
// serves the session. Hosts reconnect on reload; the engine keeps publishing
// into the link and whoever is attached receives it.
type HostLink struct {
	mu   sync.Mutex
	sink HostSink
}

func (l *HostLink) Attach(sink HostSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

func (l *HostLink) Detach(sink HostSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == sink {
		l.sink = nil
	}
}

func (l *HostLink) current() HostSink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink
}

// Play implements engine.PlaybackSink against the attached host connection.
// With no host attached the audio is dropped; narration keys are never
// replayed, so a reconnecting host simply picks up from the next prompt.
func (l *HostLink) Play(key string, audio []byte) error {
	if sink := l.current(); sink != nil {
		return sink.PlayAudio(key, audio)
	}
	return nil
}

func (l *HostLink) Stop(key string) {
	if sink := l.current(); sink != nil {
		sink.StopAudio(key)
	}
}

var _ engine.PlaybackSink = (*HostLink)(nil)

// liveSession is one running engine plus its host-facing plumbing.
type liveSession struct {
	sessionID string
	source    *engine.StreamFrameSource
	engine    *engine.Engine
	link      *HostLink
	cancel    context.CancelFunc
}

// Capabilities bundles the external detection services a session runs
// against.
type Capabilities struct {
	Faces    engine.FaceVerifier
	Behavior engine.BehaviorAnalyzer
	Speech   engine.SpeechSynthesizer
	Reporter engine.ViolationReporter
}

// SessionManager owns the lifecycle of every proctored session: create,
// resume, answer, finish, terminate. Persistence is synchronous on each
// transcript mutation so a crashed or reloaded host loses at most the answer
// that was still being typed.
type SessionManager struct {
	cfg        ServerConfig
	engineCfg  engine.Config
	store      Store
	caps       Capabilities
	obs        *Observability
	log        *slog.Logger
	startLimit *ipRateLimiter

	mu   sync.Mutex
	live map[string]*liveSession
}

func NewSessionManager(cfg ServerConfig, store Store, caps Capabilities, obs *Observability, log *slog.Logger) *SessionManager {
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		cfg:        cfg,
		engineCfg:  cfg.Proctor.ToEngine(),
		store:      store,
		caps:       caps,
		obs:        obs,
		log:        log,
		startLimit: newIPRateLimiter(cfg.Limits.SessionStartRPM),
		live:       map[string]*liveSession{},
	}
}

// ActiveCount reports how many sessions currently run an engine.
func (m *SessionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Shutdown stops every live engine through the normal-completion path and
// waits for the loops to exit.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*liveSession, 0, len(m.live))
	for _, live := range m.live {
		sessions = append(sessions, live)
	}
	m.mu.Unlock()
	for _, live := range sessions {
		live.engine.Shutdown(ctx)
		live.cancel()
		select {
		case <-live.engine.Done():
		case <-ctx.Done():
		}
	}
}

// StartSession opens a new session or resumes an existing one. The resume
// decision, in order: an explicit session id wins; otherwise the newest
// incomplete session for the candidate/setup pair; otherwise a fresh start.
// A completed session is returned read-only, never resumed into a live
// engine.
func (m *SessionManager) StartSession(req StartRequest, ipKey string) (SessionView, error) {
	if !m.startLimit.Allow(ipKey) {
		return SessionView{}, ErrRateLimited
	}
	if explicitID := strings.TrimSpace(req.SessionID); explicitID != "" {
		meta, ok := m.store.GetSession(explicitID)
		if !ok {
			return SessionView{}, ErrSessionNotFound
		}
		// A resume against a different setup means the stored record is
		// stale; discard it and start over.
		if !meta.Completed && strings.TrimSpace(req.SetupID) != "" && req.SetupID != meta.SetupID {
			if err := m.store.DiscardSession(meta.SessionID); err != nil {
				return SessionView{}, err
			}
			m.log.Info("discarded stale session on setup mismatch",
				"session_id", meta.SessionID,
				"stored_setup", meta.SetupID,
				"requested_setup", req.SetupID)
			if strings.TrimSpace(req.CandidateID) == "" {
				req.CandidateID = meta.CandidateID
			}
			return m.createSession(req)
		}
		return m.resumeOrView(meta)
	}
	if strings.TrimSpace(req.CandidateID) == "" || strings.TrimSpace(req.SetupID) == "" {
		return SessionView{}, errors.New("candidate_id and setup_id are required")
	}
	if meta, ok := m.store.FindResumable(req.CandidateID, req.SetupID); ok {
		return m.resumeOrView(meta)
	}
	return m.createSession(req)
}

func (m *SessionManager) createSession(req StartRequest) (SessionView, error) {
	if len(req.Questions) == 0 {
		return SessionView{}, errors.New("questions are required for a new session")
	}
	// A fresh start under a new setup supersedes whatever incomplete attempts
	// the candidate left behind under other setups; those records are stale
	// and must never win a later resume.
	for _, stale := range m.store.ListIncompleteSessions(req.CandidateID) {
		if stale.SetupID == req.SetupID {
			continue
		}
		if err := m.store.DiscardSession(stale.SessionID); err != nil {
			return SessionView{}, err
		}
		m.log.Info("discarded stale session on setup mismatch",
			"session_id", stale.SessionID,
			"stored_setup", stale.SetupID,
			"requested_setup", req.SetupID)
	}
	sessionID, err := randomID("ses")
	if err != nil {
		return SessionView{}, err
	}
	now := nowRFC3339()
	meta := PersistedSession{
		SessionID:      sessionID,
		CandidateID:    req.CandidateID,
		SetupID:        req.SetupID,
		QuestionIndex:  0,
		TotalQuestions: len(req.Questions),
		Questions:      req.Questions,
		Transcript:     []Exchange{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.CreateSession(meta); err != nil {
		return SessionView{}, err
	}
	_, _ = m.store.AppendSessionEvent(sessionID, "session", "session created", map[string]any{
		"setup_id":        req.SetupID,
		"total_questions": len(req.Questions),
	})
	live, err := m.bootEngine(meta)
	if err != nil {
		return SessionView{}, err
	}
	m.narrateQuestion(live, meta, 0)
	return m.view(meta, false), nil
}

// resumeOrView returns the live view for an incomplete session, booting an
// engine if none runs, or a read-only completed view.
func (m *SessionManager) resumeOrView(meta PersistedSession) (SessionView, error) {
	if meta.Completed {
		return m.view(meta, false), nil
	}
	m.mu.Lock()
	_, running := m.live[meta.SessionID]
	m.mu.Unlock()
	if !running {
		live, err := m.bootEngine(meta)
		if err != nil {
			return SessionView{}, err
		}
		_, _ = m.store.AppendSessionEvent(meta.SessionID, "session", "session resumed", map[string]any{
			"question_index": meta.QuestionIndex,
		})
		m.narrateQuestion(live, meta, meta.QuestionIndex)
	}
	return m.view(meta, true), nil
}

// GetSession returns the current view without resuming anything.
func (m *SessionManager) GetSession(sessionID string) (SessionView, error) {
	meta, ok := m.store.GetSession(sessionID)
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}
	return m.view(meta, false), nil
}

// SubmitAnswer records the answer for the current question and advances. The
// write is synchronous: the handler does not return until the transcript hit
// the store. Answering the last question completes the session.
func (m *SessionManager) SubmitAnswer(ctx context.Context, sessionID, answer string) (SessionView, error) {
	meta, ok := m.store.GetSession(sessionID)
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}
	if meta.Completed {
		return SessionView{}, ErrSessionClosed
	}
	if meta.QuestionIndex >= meta.TotalQuestions {
		return SessionView{}, ErrSessionClosed
	}
	index := meta.QuestionIndex
	updated, err := m.store.UpdateSession(sessionID, func(s *PersistedSession) {
		now := nowRFC3339()
		s.Transcript = append(s.Transcript, Exchange{
			Ordinal:    index,
			Question:   s.Questions[index],
			Answer:     answer,
			AskedAt:    now,
			AnsweredAt: now,
		})
		s.QuestionIndex = index + 1
	})
	if err != nil {
		return SessionView{}, err
	}
	_, _ = m.store.AppendSessionEvent(sessionID, "answer", "answer recorded", map[string]any{
		"ordinal": index,
	})

	if updated.QuestionIndex >= updated.TotalQuestions {
		m.finishLive(ctx, sessionID)
		meta, _ = m.store.GetSession(sessionID)
		return m.view(meta, false), nil
	}
	m.mu.Lock()
	live := m.live[sessionID]
	m.mu.Unlock()
	if live != nil {
		m.narrateQuestion(live, updated, updated.QuestionIndex)
	}
	return m.view(updated, false), nil
}

// FinishSession ends the session through the normal-completion path.
func (m *SessionManager) FinishSession(ctx context.Context, sessionID string) (SessionView, error) {
	meta, ok := m.store.GetSession(sessionID)
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}
	if meta.Completed {
		return m.view(meta, false), nil
	}
	m.finishLive(ctx, sessionID)
	meta, _ = m.store.GetSession(sessionID)
	return m.view(meta, false), nil
}

// TerminateSession injects an operator termination into the engine.
func (m *SessionManager) TerminateSession(sessionID string, rule engine.RuleID) error {
	m.mu.Lock()
	live := m.live[sessionID]
	m.mu.Unlock()
	if live == nil {
		return ErrSessionNotFound
	}
	live.engine.RequestTermination(rule, engine.ReasonForRule(rule))
	return nil
}

// Bind returns the frame source and host link for the websocket layer.
func (m *SessionManager) Bind(sessionID string) (*engine.StreamFrameSource, *HostLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.live[sessionID]
	if !ok {
		return nil, nil, false
	}
	return live.source, live.link, true
}

// finishLive shuts the engine down when one runs; otherwise the session is
// finalized directly (reload with no live engine yet).
func (m *SessionManager) finishLive(ctx context.Context, sessionID string) {
	m.mu.Lock()
	live := m.live[sessionID]
	m.mu.Unlock()
	if live != nil {
		live.engine.Shutdown(ctx)
		return
	}
	_, _ = m.store.UpdateSession(sessionID, func(s *PersistedSession) {
		s.Completed = true
		s.CompletedReason = "finished"
	})
}

func (m *SessionManager) bootEngine(meta PersistedSession) (*liveSession, error) {
	source := engine.NewStreamFrameSource(m.engineCfg.FrameStaleAfter)
	link := &HostLink{}
	sessionID := meta.SessionID

	ctx, cancel := context.WithCancel(context.Background())
	eng := engine.New(m.engineCfg, engine.Deps{
		SessionID:            sessionID,
		Source:               source,
		Faces:                m.caps.Faces,
		Behavior:             m.caps.Behavior,
		Speech:               m.caps.Speech,
		Playback:             link,
		Reporter:             m.caps.Reporter,
		InitialObjectStrikes: meta.ObjectStrikes,
		FinalizeSession: func(ctx context.Context, reason string) error {
			_, err := m.store.UpdateSession(sessionID, func(s *PersistedSession) {
				s.Completed = true
				s.CompletedReason = reason
			})
			return err
		},
		Hooks: engine.Hooks{
			OnStatus: func(status engine.ProctorStatus) {
				if sink := link.current(); sink != nil {
					sink.SendStatus(status)
				}
			},
			OnTransition: func(transition engine.Transition, status engine.ProctorStatus) {
				m.recordTransition(sessionID, transition)
				if sink := link.current(); sink != nil {
					sink.SendTransition(transition, status)
				}
			},
			OnSample: func(kind engine.EventKind, verdict string, elapsed time.Duration) {
				m.obs.MarkSample(context.Background(), string(kind), verdict, elapsed.Milliseconds())
			},
			OnViolation: func(record engine.ViolationRecord) {
				m.obs.MarkTermination(context.Background(), string(record.Reason))
				_ = m.store.AppendViolation(ViolationRow{
					SessionID:      sessionID,
					Rule:           string(record.Rule),
					Stage:          record.Stage,
					Reason:         string(record.Reason),
					ActionTaken:    record.ActionTaken,
					EvidenceDigest: record.EvidenceDigest,
					ReportedAt:     record.ReportedAt.Format(time.RFC3339),
				})
				if sink := link.current(); sink != nil {
					sink.SendViolation(record)
				}
			},
			Navigate: func(reason engine.ExitReason) {
				if sink := link.current(); sink != nil {
					sink.SendNavigate(reason)
				}
			},
		},
		Logger: m.log,
	})

	live := &liveSession{
		sessionID: sessionID,
		source:    source,
		engine:    eng,
		link:      link,
		cancel:    cancel,
	}
	m.mu.Lock()
	if _, exists := m.live[sessionID]; exists {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("session %s already running", sessionID)
	}
	m.live[sessionID] = live
	m.mu.Unlock()

	go eng.Run(ctx)
	go func() {
		<-eng.Done()
		cancel()
		m.mu.Lock()
		if m.live[sessionID] == live {
			delete(m.live, sessionID)
		}
		m.mu.Unlock()
	}()
	return live, nil
}

func (m *SessionManager) recordTransition(sessionID string, transition engine.Transition) {
	data := map[string]any{
		"rule":  string(transition.Rule),
		"stage": transition.Stage,
	}
	if transition.SecondsRemaining > 0 {
		data["seconds_remaining"] = transition.SecondsRemaining
	}
	if transition.Reason != "" {
		data["reason"] = string(transition.Reason)
	}
	_, _ = m.store.AppendSessionEvent(sessionID, string(transition.Kind), "rule transition", data)
	switch transition.Kind {
	case engine.TransitionWarningEntered, engine.TransitionWarningEscalated:
		m.obs.MarkEscalation(context.Background(), string(transition.Rule), transition.Stage)
	case engine.TransitionStrike:
		// The strike budget is lifetime-of-session; persist it so a resumed
		// engine starts from the committed count instead of zero.
		_, _ = m.store.UpdateSession(sessionID, func(s *PersistedSession) {
			if transition.Stage > s.ObjectStrikes {
				s.ObjectStrikes = transition.Stage
			}
		})
	}
}

// narrateQuestion speaks one prompt off the loop goroutine. The channel's
// per-ordinal key makes repeated calls for the same prompt, including across
// resumes of the same live engine, a no-op.
func (m *SessionManager) narrateQuestion(live *liveSession, meta PersistedSession, index int) {
	if index < 0 || index >= len(meta.Questions) {
		return
	}
	text := meta.Questions[index]
	go func() {
		ctx, cancel := withTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := live.engine.Narration().Speak(ctx, index, text); err != nil {
			m.obs.MarkNarration(ctx, "error")
			return
		}
		m.obs.MarkNarration(ctx, "spoken")
	}()
}

func (m *SessionManager) view(meta PersistedSession, resumed bool) SessionView {
	view := SessionView{
		SessionID:       meta.SessionID,
		SetupID:         meta.SetupID,
		Resumed:         resumed,
		Completed:       meta.Completed,
		CompletedReason: meta.CompletedReason,
		QuestionIndex:   meta.QuestionIndex,
		TotalQuestions:  meta.TotalQuestions,
		Transcript:      meta.Transcript,
		Proctor:         engine.ProctorStatus{Phase: engine.PhaseActive},
	}
	if !meta.Completed && meta.QuestionIndex < len(meta.Questions) {
		view.CurrentQuestion = meta.Questions[meta.QuestionIndex]
	}
	m.mu.Lock()
	live := m.live[meta.SessionID]
	m.mu.Unlock()
	if live != nil {
		view.Proctor = live.engine.Status()
	} else if meta.Completed {
		view.Proctor = engine.ProctorStatus{Phase: engine.PhaseTerminated}
		if meta.CompletedReason == "finished" {
			view.Proctor = engine.ProctorStatus{Phase: engine.PhaseCompleted}
		}
	}
	return view
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	kept := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			kept = append(kept, item)
		}
	}
	if len(kept) >= l.rpm {
		l.records[key] = kept
		return false
	}
	kept = append(kept, now)
	l.records[key] = kept
	return true
}

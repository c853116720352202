package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type Store interface {
	CreateSession(meta PersistedSession) error
	UpdateSession(sessionID string, mutate func(*PersistedSession)) (PersistedSession, error)
	GetSession(sessionID string) (PersistedSession, bool)
	// FindResumable returns the newest incomplete, non-discarded session for
	// the candidate/setup pair.
	FindResumable(candidateID, setupID string) (PersistedSession, bool)
	// ListIncompleteSessions returns every incomplete, non-discarded session
	// the candidate has, newest first, regardless of setup.
	ListIncompleteSessions(candidateID string) []PersistedSession
	DiscardSession(sessionID string) error
	AppendViolation(row ViolationRow) error
	ListViolations(sessionID string) []ViolationRow
	AppendSessionEvent(sessionID string, kind, message string, data map[string]any) (SessionEvent, error)
	ListSessionEvents(sessionID string, sinceSeq int64) []SessionEvent
	GetMetricsOverview(activeSessions int) MetricsOverview
}

type MemoryFileStore struct {
	mu         sync.RWMutex
	path       string
	sessions   map[string]PersistedSession
	violations map[string][]ViolationRow
	events     map[string][]SessionEvent
	nextSeq    map[string]int64
}

func NewMemoryFileStore(path string) (*MemoryFileStore, error) {
	store := &MemoryFileStore{
		path:       path,
		sessions:   map[string]PersistedSession{},
		violations: map[string][]ViolationRow{},
		events:     map[string][]SessionEvent{},
		nextSeq:    map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryFileStore) CreateSession(meta PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[meta.SessionID]; exists {
		return fmt.Errorf("session %s already exists", meta.SessionID)
	}
	s.sessions[meta.SessionID] = meta
	if _, ok := s.events[meta.SessionID]; !ok {
		s.events[meta.SessionID] = []SessionEvent{}
	}
	if _, ok := s.nextSeq[meta.SessionID]; !ok {
		s.nextSeq[meta.SessionID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) UpdateSession(sessionID string, mutate func(*PersistedSession)) (PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.sessions[sessionID]
	if !ok {
		return PersistedSession{}, fmt.Errorf("session not found: %s", sessionID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	meta.UpdatedAt = nowRFC3339()
	s.sessions[sessionID] = meta
	if err := s.persistLocked(); err != nil {
		return PersistedSession{}, err
	}
	return meta, nil
}

func (s *MemoryFileStore) GetSession(sessionID string) (PersistedSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.sessions[sessionID]
	return meta, ok
}

func (s *MemoryFileStore) FindResumable(candidateID, setupID string) (PersistedSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best PersistedSession
	found := false
	for _, meta := range s.sessions {
		if meta.CandidateID != candidateID || meta.SetupID != setupID {
			continue
		}
		if meta.Completed || meta.Discarded {
			continue
		}
		if !found || meta.CreatedAt > best.CreatedAt {
			best = meta
			found = true
		}
	}
	return best, found
}

func (s *MemoryFileStore) ListIncompleteSessions(candidateID string) []PersistedSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PersistedSession
	for _, meta := range s.sessions {
		if meta.CandidateID != candidateID || meta.Completed || meta.Discarded {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

func (s *MemoryFileStore) DiscardSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	meta.Discarded = true
	meta.UpdatedAt = nowRFC3339()
	s.sessions[sessionID] = meta
	return s.persistLocked()
}

func (s *MemoryFileStore) AppendViolation(row ViolationRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[row.SessionID]; !ok {
		return fmt.Errorf("session not found: %s", row.SessionID)
	}
	if strings.TrimSpace(row.ReportedAt) == "" {
		row.ReportedAt = nowRFC3339()
	}
	s.violations[row.SessionID] = append(s.violations[row.SessionID], row)
	return s.persistLocked()
}

func (s *MemoryFileStore) ListViolations(sessionID string) []ViolationRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.violations[sessionID]
	if len(rows) == 0 {
		return []ViolationRow{}
	}
	out := make([]ViolationRow, len(rows))
	copy(out, rows)
	return out
}

func (s *MemoryFileStore) AppendSessionEvent(sessionID string, kind, message string, data map[string]any) (SessionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return SessionEvent{}, fmt.Errorf("session not found: %s", sessionID)
	}
	seq := s.nextSeq[sessionID]
	if seq < 1 {
		seq = 1
	}
	event := SessionEvent{
		Seq:       seq,
		Timestamp: nowRFC3339(),
		Kind:      kind,
		Message:   message,
		Data:      cloneMap(data),
	}
	s.nextSeq[sessionID] = seq + 1
	s.events[sessionID] = append(s.events[sessionID], event)
	if err := s.persistLocked(); err != nil {
		return SessionEvent{}, err
	}
	return event, nil
}

func (s *MemoryFileStore) ListSessionEvents(sessionID string, sinceSeq int64) []SessionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[sessionID]
	if len(events) == 0 {
		return []SessionEvent{}
	}
	out := make([]SessionEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryFileStore) GetMetricsOverview(activeSessions int) MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{
		GeneratedAt:        nowRFC3339(),
		ActiveSessions:     activeSessions,
		ViolationsByReason: map[string]int{},
	}
	for _, meta := range s.sessions {
		overview.TotalSessions++
		if !meta.Completed {
			continue
		}
		if meta.CompletedReason == "" || meta.CompletedReason == "finished" {
			overview.CompletedSessions++
		} else {
			overview.TerminatedSessions++
		}
	}
	for _, rows := range s.violations {
		for _, row := range rows {
			overview.ViolationsByReason[row.Reason]++
		}
	}
	return overview
}

func (s *MemoryFileStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, meta := range snapshot.Sessions {
		s.sessions[meta.SessionID] = meta
	}
	for sessionID, rows := range snapshot.Violations {
		s.violations[sessionID] = rows
	}
	for sessionID, events := range snapshot.Events {
		s.events[sessionID] = events
		maxSeq := int64(0)
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[sessionID] = maxSeq + 1
	}
	return nil
}

type storeSnapshot struct {
	Sessions   []PersistedSession        `json:"sessions"`
	Violations map[string][]ViolationRow `json:"violations"`
	Events     map[string][]SessionEvent `json:"events"`
}

func (s *MemoryFileStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	sessions := make([]PersistedSession, 0, len(s.sessions))
	for _, meta := range s.sessions {
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt < sessions[j].CreatedAt
	})
	snapshot := storeSnapshot{
		Sessions:   sessions,
		Violations: s.violations,
		Events:     s.events,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

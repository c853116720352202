package server

import (
	"os"
	"path/filepath"
	"testing"
)

func testSession(id, candidateID, createdAt string) PersistedSession {
	return PersistedSession{
		SessionID:      id,
		CandidateID:    candidateID,
		SetupID:        "setup_1",
		TotalQuestions: 2,
		Questions:      []string{"Tell me about yourself.", "Why this role?"},
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestStoreSessionLifecycle(t *testing.T) {
	store, err := NewMemoryFileStore("")
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	if err := store.CreateSession(testSession("ses_1", "cand_1", "2026-01-01T10:00:00Z")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.CreateSession(testSession("ses_1", "cand_1", "2026-01-01T10:00:00Z")); err == nil {
		t.Fatalf("duplicate create must fail")
	}

	updated, err := store.UpdateSession("ses_1", func(meta *PersistedSession) {
		meta.QuestionIndex = 1
		meta.Transcript = append(meta.Transcript, Exchange{Ordinal: 0, Question: "Tell me about yourself.", Answer: "Sure."})
	})
	if err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if updated.QuestionIndex != 1 || len(updated.Transcript) != 1 {
		t.Fatalf("mutation not applied: %+v", updated)
	}

	meta, ok := store.GetSession("ses_1")
	if !ok || meta.QuestionIndex != 1 {
		t.Fatalf("GetSession after update: ok=%v meta=%+v", ok, meta)
	}
	if _, err := store.UpdateSession("missing", nil); err == nil {
		t.Fatalf("update of unknown session must fail")
	}
}

func TestStoreFindResumablePicksNewestIncomplete(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	older := testSession("ses_old", "cand_1", "2026-01-01T10:00:00Z")
	newer := testSession("ses_new", "cand_1", "2026-01-01T11:00:00Z")
	finished := testSession("ses_done", "cand_1", "2026-01-01T12:00:00Z")
	finished.Completed = true
	finished.CompletedReason = "finished"
	discarded := testSession("ses_gone", "cand_1", "2026-01-01T13:00:00Z")
	discarded.Discarded = true

	for _, meta := range []PersistedSession{older, newer, finished, discarded} {
		if err := store.CreateSession(meta); err != nil {
			t.Fatalf("CreateSession %s: %v", meta.SessionID, err)
		}
	}

	got, ok := store.FindResumable("cand_1", "setup_1")
	if !ok || got.SessionID != "ses_new" {
		t.Fatalf("expected ses_new, got ok=%v %+v", ok, got)
	}
	if _, ok := store.FindResumable("cand_2", "setup_1"); ok {
		t.Fatalf("unknown candidate must not resume")
	}
}

func TestStoreListIncompleteSpansSetups(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	first := testSession("ses_a", "cand_1", "2026-01-01T10:00:00Z")
	second := testSession("ses_b", "cand_1", "2026-01-01T11:00:00Z")
	second.SetupID = "setup_2"
	finished := testSession("ses_done", "cand_1", "2026-01-01T12:00:00Z")
	finished.Completed = true
	other := testSession("ses_other", "cand_2", "2026-01-01T10:30:00Z")

	for _, meta := range []PersistedSession{first, second, finished, other} {
		if err := store.CreateSession(meta); err != nil {
			t.Fatalf("CreateSession %s: %v", meta.SessionID, err)
		}
	}

	got := store.ListIncompleteSessions("cand_1")
	if len(got) != 2 {
		t.Fatalf("expected 2 incomplete sessions, got %+v", got)
	}
	if got[0].SessionID != "ses_b" || got[1].SessionID != "ses_a" {
		t.Fatalf("expected newest first, got %s then %s", got[0].SessionID, got[1].SessionID)
	}
}

func TestStoreDiscardExcludesFromResume(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	if err := store.CreateSession(testSession("ses_1", "cand_1", "2026-01-01T10:00:00Z")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.DiscardSession("ses_1"); err != nil {
		t.Fatalf("DiscardSession: %v", err)
	}
	if _, ok := store.FindResumable("cand_1", "setup_1"); ok {
		t.Fatalf("discarded session must not resume")
	}
}

func TestStoreSessionEventsSequence(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	if err := store.CreateSession(testSession("ses_1", "cand_1", "2026-01-01T10:00:00Z")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	first, err := store.AppendSessionEvent("ses_1", "session_started", "session started", nil)
	if err != nil {
		t.Fatalf("AppendSessionEvent: %v", err)
	}
	second, err := store.AppendSessionEvent("ses_1", "warning", "camera off", map[string]any{"rule": "camera_absence"})
	if err != nil {
		t.Fatalf("AppendSessionEvent: %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", first.Seq, second.Seq)
	}

	all := store.ListSessionEvents("ses_1", 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	tail := store.ListSessionEvents("ses_1", first.Seq)
	if len(tail) != 1 || tail[0].Seq != 2 {
		t.Fatalf("cursor must skip consumed events, got %+v", tail)
	}
	if _, err := store.AppendSessionEvent("missing", "x", "x", nil); err == nil {
		t.Fatalf("event for unknown session must fail")
	}
}

func TestStoreViolationsAndMetrics(t *testing.T) {
	store, _ := NewMemoryFileStore("")
	active := testSession("ses_1", "cand_1", "2026-01-01T10:00:00Z")
	done := testSession("ses_2", "cand_2", "2026-01-01T11:00:00Z")
	done.Completed = true
	done.CompletedReason = "finished"
	killed := testSession("ses_3", "cand_3", "2026-01-01T12:00:00Z")
	killed.Completed = true
	killed.CompletedReason = "CAMERA_OFF"
	for _, meta := range []PersistedSession{active, done, killed} {
		if err := store.CreateSession(meta); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if err := store.AppendViolation(ViolationRow{SessionID: "ses_3", Rule: "camera_absence", Reason: "CAMERA_OFF"}); err != nil {
		t.Fatalf("AppendViolation: %v", err)
	}
	if err := store.AppendViolation(ViolationRow{SessionID: "missing"}); err == nil {
		t.Fatalf("violation for unknown session must fail")
	}

	rows := store.ListViolations("ses_3")
	if len(rows) != 1 || rows[0].ReportedAt == "" {
		t.Fatalf("expected one stamped violation, got %+v", rows)
	}

	overview := store.GetMetricsOverview(1)
	if overview.TotalSessions != 3 || overview.ActiveSessions != 1 {
		t.Fatalf("unexpected totals %+v", overview)
	}
	if overview.CompletedSessions != 1 || overview.TerminatedSessions != 1 {
		t.Fatalf("completion split wrong %+v", overview)
	}
	if overview.ViolationsByReason["CAMERA_OFF"] != 1 {
		t.Fatalf("violation count wrong %+v", overview.ViolationsByReason)
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proctor", "store.json")
	store, err := NewMemoryFileStore(path)
	if err != nil {
		t.Fatalf("NewMemoryFileStore: %v", err)
	}
	if err := store.CreateSession(testSession("ses_1", "cand_1", "2026-01-01T10:00:00Z")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := store.AppendSessionEvent("ses_1", "session_started", "session started", nil); err != nil {
		t.Fatalf("AppendSessionEvent: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}

	reloaded, err := NewMemoryFileStore(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := reloaded.GetSession("ses_1"); !ok {
		t.Fatalf("session lost across reload")
	}
	event, err := reloaded.AppendSessionEvent("ses_1", "resumed", "session resumed", nil)
	if err != nil {
		t.Fatalf("AppendSessionEvent after reload: %v", err)
	}
	if event.Seq != 2 {
		t.Fatalf("sequence must continue after reload, got %d", event.Seq)
	}
}

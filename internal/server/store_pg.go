package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateSession(meta PersistedSession) error {
	questions, _ := json.Marshal(meta.Questions)
	transcript, _ := json.Marshal(meta.Transcript)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO sessions (session_id,candidate_id,setup_id,question_index,total_questions,
		 questions,transcript,object_strikes,completed,completed_reason,discarded,created_at,updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		meta.SessionID, meta.CandidateID, meta.SetupID, meta.QuestionIndex, meta.TotalQuestions,
		questions, transcript, meta.ObjectStrikes, meta.Completed, nullStr(meta.CompletedReason),
		meta.Discarded, meta.CreatedAt, meta.UpdatedAt)
	return err
}

func (s *PgStore) UpdateSession(sessionID string, mutate func(*PersistedSession)) (PersistedSession, error) {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return PersistedSession{}, err
	}
	defer tx.Rollback(context.Background())

	row := tx.QueryRow(context.Background(),
		`SELECT session_id,candidate_id,setup_id,question_index,total_questions,
		        questions,transcript,object_strikes,completed,completed_reason,discarded,created_at,updated_at
		 FROM sessions WHERE session_id=$1 FOR UPDATE`, sessionID)
	meta, err := scanSession(row)
	if err != nil {
		return PersistedSession{}, fmt.Errorf("session not found: %s", sessionID)
	}
	if mutate != nil {
		mutate(&meta)
	}
	meta.UpdatedAt = nowRFC3339()
	questions, _ := json.Marshal(meta.Questions)
	transcript, _ := json.Marshal(meta.Transcript)
	_, err = tx.Exec(context.Background(),
		`UPDATE sessions SET question_index=$1,total_questions=$2,questions=$3,transcript=$4,
		 object_strikes=$5,completed=$6,completed_reason=$7,discarded=$8,updated_at=$9 WHERE session_id=$10`,
		meta.QuestionIndex, meta.TotalQuestions, questions, transcript, meta.ObjectStrikes,
		meta.Completed, nullStr(meta.CompletedReason), meta.Discarded, meta.UpdatedAt, sessionID)
	if err != nil {
		return PersistedSession{}, err
	}
	return meta, tx.Commit(context.Background())
}

func (s *PgStore) GetSession(sessionID string) (PersistedSession, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT session_id,candidate_id,setup_id,question_index,total_questions,
		        questions,transcript,object_strikes,completed,completed_reason,discarded,created_at,updated_at
		 FROM sessions WHERE session_id=$1`, sessionID)
	meta, err := scanSession(row)
	if err != nil {
		return PersistedSession{}, false
	}
	return meta, true
}

func (s *PgStore) FindResumable(candidateID, setupID string) (PersistedSession, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT session_id,candidate_id,setup_id,question_index,total_questions,
		        questions,transcript,object_strikes,completed,completed_reason,discarded,created_at,updated_at
		 FROM sessions
		 WHERE candidate_id=$1 AND setup_id=$2 AND NOT completed AND NOT discarded
		 ORDER BY created_at DESC LIMIT 1`, candidateID, setupID)
	meta, err := scanSession(row)
	if err != nil {
		return PersistedSession{}, false
	}
	return meta, true
}

func (s *PgStore) ListIncompleteSessions(candidateID string) []PersistedSession {
	rows, err := s.pool.Query(context.Background(),
		`SELECT session_id,candidate_id,setup_id,question_index,total_questions,
		        questions,transcript,object_strikes,completed,completed_reason,discarded,created_at,updated_at
		 FROM sessions
		 WHERE candidate_id=$1 AND NOT completed AND NOT discarded
		 ORDER BY created_at DESC`, candidateID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var out []PersistedSession
	for rows.Next() {
		meta, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out
}

func (s *PgStore) DiscardSession(sessionID string) error {
	tag, err := s.pool.Exec(context.Background(),
		`UPDATE sessions SET discarded=TRUE, updated_at=$1 WHERE session_id=$2`,
		nowRFC3339(), sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

func (s *PgStore) AppendViolation(row ViolationRow) error {
	if strings.TrimSpace(row.ReportedAt) == "" {
		row.ReportedAt = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO violations (session_id,rule,stage,reason,action_taken,evidence_digest,reported_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		row.SessionID, row.Rule, row.Stage, row.Reason, row.ActionTaken,
		nullStr(row.EvidenceDigest), row.ReportedAt)
	return err
}

func (s *PgStore) ListViolations(sessionID string) []ViolationRow {
	rows, err := s.pool.Query(context.Background(),
		`SELECT session_id,rule,stage,reason,action_taken,evidence_digest,reported_at
		 FROM violations WHERE session_id=$1 ORDER BY reported_at`, sessionID)
	if err != nil {
		return []ViolationRow{}
	}
	defer rows.Close()
	var out []ViolationRow
	for rows.Next() {
		var v ViolationRow
		var digest *string
		if err := rows.Scan(&v.SessionID, &v.Rule, &v.Stage, &v.Reason, &v.ActionTaken, &digest, &v.ReportedAt); err != nil {
			continue
		}
		v.EvidenceDigest = deref(digest)
		out = append(out, v)
	}
	if out == nil {
		return []ViolationRow{}
	}
	return out
}

func (s *PgStore) AppendSessionEvent(sessionID string, kind, message string, data map[string]any) (SessionEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO session_events (session_id, seq, kind, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM session_events WHERE session_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, timestamp`, sessionID, kind, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return SessionEvent{}, err
	}
	return SessionEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Kind:      kind,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListSessionEvents(sessionID string, sinceSeq int64) []SessionEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, kind, message, data
		 FROM session_events WHERE session_id=$1 AND seq>$2 ORDER BY seq`, sessionID, sinceSeq)
	if err != nil {
		return []SessionEvent{}
	}
	defer rows.Close()
	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Seq, &ts, &e.Kind, &e.Message, &dataJSON); err != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	if out == nil {
		return []SessionEvent{}
	}
	return out
}

func (s *PgStore) GetMetricsOverview(activeSessions int) MetricsOverview {
	overview := MetricsOverview{
		GeneratedAt:        nowRFC3339(),
		ActiveSessions:     activeSessions,
		ViolationsByReason: map[string]int{},
	}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE completed AND (completed_reason IS NULL OR completed_reason='finished')),
			COUNT(*) FILTER (WHERE completed AND completed_reason IS NOT NULL AND completed_reason<>'finished')
		 FROM sessions`).Scan(
		&overview.TotalSessions, &overview.CompletedSessions, &overview.TerminatedSessions)

	rows, _ := s.pool.Query(context.Background(),
		`SELECT reason, COUNT(*) FROM violations GROUP BY reason`)
	if rows != nil {
		defer rows.Close()
		for rows.Next() {
			var reason string
			var count int
			if rows.Scan(&reason, &count) != nil {
				continue
			}
			overview.ViolationsByReason[reason] = count
		}
	}
	return overview
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (PersistedSession, error) {
	var m PersistedSession
	var questionsJSON, transcriptJSON []byte
	var completedReason *string
	err := row.Scan(&m.SessionID, &m.CandidateID, &m.SetupID, &m.QuestionIndex, &m.TotalQuestions,
		&questionsJSON, &transcriptJSON, &m.ObjectStrikes, &m.Completed, &completedReason, &m.Discarded,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return PersistedSession{}, err
	}
	m.CompletedReason = deref(completedReason)
	_ = json.Unmarshal(questionsJSON, &m.Questions)
	_ = json.Unmarshal(transcriptJSON, &m.Transcript)
	return m, nil
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

var _ Store = (*PgStore)(nil)

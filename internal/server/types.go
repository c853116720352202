package server

import (
	"time"

	"proctor/internal/engine"
)

// Exchange is one question/answer pair in a session transcript.
type Exchange struct {
	Ordinal    int    `json:"ordinal"`
	Question   string `json:"question"`
	Answer     string `json:"answer,omitempty"`
	AskedAt    string `json:"asked_at"`
	AnsweredAt string `json:"answered_at,omitempty"`
}

// PersistedSession is the durable record a reload resumes from. Every
// transcript or progress mutation is written back synchronously, so at most
// the in-flight unsent answer is lost. Once Completed is set the record is
// read-only for resume purposes: a completed session is never resumed into a
// live view.
type PersistedSession struct {
	SessionID       string     `json:"session_id"`
	CandidateID     string     `json:"candidate_id"`
	SetupID         string     `json:"setup_id"`
	QuestionIndex   int        `json:"question_index"`
	TotalQuestions  int        `json:"total_questions"`
	Questions       []string   `json:"questions"`
	Transcript      []Exchange `json:"transcript"`
	ObjectStrikes   int        `json:"object_strikes,omitempty"`
	Completed       bool       `json:"completed"`
	CompletedReason string     `json:"completed_reason,omitempty"`
	Discarded       bool       `json:"discarded,omitempty"`
	CreatedAt       string     `json:"created_at"`
	UpdatedAt       string     `json:"updated_at"`
}

// StartRequest opens or resumes a session. SessionID set means an explicit
// deep-link resume; otherwise the candidate/setup pair drives the resume
// decision.
type StartRequest struct {
	SessionID   string   `json:"session_id,omitempty"`
	CandidateID string   `json:"candidate_id"`
	SetupID     string   `json:"setup_id"`
	Questions   []string `json:"questions,omitempty"`
}

type AnswerRequest struct {
	Answer string `json:"answer"`
}

// SessionView is what the host receives on start/resume/get.
type SessionView struct {
	SessionID       string               `json:"session_id"`
	SetupID         string               `json:"setup_id"`
	Resumed         bool                 `json:"resumed"`
	Completed       bool                 `json:"completed"`
	CompletedReason string               `json:"completed_reason,omitempty"`
	QuestionIndex   int                  `json:"question_index"`
	TotalQuestions  int                  `json:"total_questions"`
	CurrentQuestion string               `json:"current_question,omitempty"`
	Transcript      []Exchange           `json:"transcript,omitempty"`
	Proctor         engine.ProctorStatus `json:"proctor"`
}

// ViolationRow is the archived form of an engine violation record.
type ViolationRow struct {
	SessionID      string `json:"session_id"`
	Rule           string `json:"rule"`
	Stage          int    `json:"stage"`
	Reason         string `json:"reason"`
	ActionTaken    string `json:"action_taken"`
	EvidenceDigest string `json:"evidence_digest,omitempty"`
	ReportedAt     string `json:"reported_at"`
}

// SessionEvent is one entry in the append-only per-session event ledger.
type SessionEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt        string         `json:"generated_at"`
	TotalSessions      int            `json:"total_sessions"`
	ActiveSessions     int            `json:"active_sessions"`
	CompletedSessions  int            `json:"completed_sessions"`
	TerminatedSessions int            `json:"terminated_sessions"`
	ViolationsByReason map[string]int `json:"violations_by_reason"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

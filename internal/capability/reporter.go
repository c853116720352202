package capability

import (
	"context"
	"encoding/base64"
	"log/slog"

	"proctor/internal/engine"
)

// ReportClient submits violation reports to the backend collaborator. The
// engine treats submission as fire-and-forget: a failed submit is logged by
// the caller and never blocks termination.
type ReportClient struct {
	http *httpClient
	log  *slog.Logger
}

func NewReportClient(cfg Config, log *slog.Logger) *ReportClient {
	if log == nil {
		log = slog.Default()
	}
	return &ReportClient{http: newHTTPClient(cfg), log: log}
}

type violationRequest struct {
	SessionID      string `json:"session_id"`
	ViolationType  string `json:"violation_type"`
	Reason         string `json:"reason"`
	ActionTaken    string `json:"action_taken"`
	EvidenceB64    string `json:"evidence_b64,omitempty"`
	EvidenceDigest string `json:"evidence_digest,omitempty"`
}

func (c *ReportClient) SubmitViolation(ctx context.Context, report engine.ViolationReport) error {
	body := violationRequest{
		SessionID:     report.SessionID,
		ViolationType: string(report.ViolationType),
		Reason:        string(report.Reason),
		ActionTaken:   report.ActionTaken,
	}
	if len(report.EvidenceJPEG) > 0 {
		body.EvidenceB64 = base64.StdEncoding.EncodeToString(report.EvidenceJPEG)
		body.EvidenceDigest = report.EvidenceDigest
	}
	if err := c.http.postJSON(ctx, "/v1/violations", body, nil); err != nil {
		return err
	}
	c.log.Info("violation report submitted",
		"session_id", report.SessionID,
		"violation_type", string(report.ViolationType))
	return nil
}

var _ engine.ViolationReporter = (*ReportClient)(nil)

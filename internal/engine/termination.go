package engine

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// TerminationCoordinator owns the one teardown path of a session. Normal
// completion and fatal verdicts both converge here, and every side effect runs
// exactly once no matter how many rules or callers race into it.
type TerminationCoordinator struct {
	sessionID string
	source    FrameSource
	narration *NarrationChannel
	reporter  ViolationReporter
	log       *slog.Logger

	// disableSamplers must stop all sampling synchronously before anything
	// else runs, so no further ticks mutate state mid-teardown.
	disableSamplers func()
	// finalizeSession marks the persisted session completed so it can never
	// be resumed.
	finalizeSession func(ctx context.Context, reason string) error
	// navigate tells the host application to leave the assessment view.
	navigate func(reason ExitReason)

	navigateDelay time.Duration

	mu   sync.Mutex
	done bool
}

type CoordinatorDeps struct {
	SessionID       string
	Source          FrameSource
	Narration       *NarrationChannel
	Reporter        ViolationReporter
	DisableSamplers func()
	FinalizeSession func(ctx context.Context, reason string) error
	Navigate        func(reason ExitReason)
	NavigateDelay   time.Duration
	Logger          *slog.Logger
}

func NewTerminationCoordinator(deps CoordinatorDeps) *TerminationCoordinator {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &TerminationCoordinator{
		sessionID:       deps.SessionID,
		source:          deps.Source,
		narration:       deps.Narration,
		reporter:        deps.Reporter,
		disableSamplers: deps.DisableSamplers,
		finalizeSession: deps.FinalizeSession,
		navigate:        deps.Navigate,
		navigateDelay:   deps.NavigateDelay,
		log:             log,
	}
}

// Done reports whether teardown has already run.
func (c *TerminationCoordinator) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// CompleteNormally tears the session down after the candidate finishes all
// answers. No violation is recorded and no navigation signal is sent; the
// host drives its own completion view.
func (c *TerminationCoordinator) CompleteNormally(ctx context.Context) {
	if !c.begin() {
		return
	}
	c.log.Info("session completed normally")
	c.teardown(ctx, "finished")
}

// Terminate runs the full fatal-verdict sequence for the first terminating
// rule and ignores every later attempt. Each step is individually fault
// isolated: a failing step is logged and the rest still run.
func (c *TerminationCoordinator) Terminate(ctx context.Context, rule RuleID, stage int, reason ExitReason) *ViolationRecord {
	if !c.begin() {
		return nil
	}
	c.log.Warn("terminating session",
		"rule", string(rule),
		"reason", string(reason))

	record := &ViolationRecord{
		Rule:        rule,
		Stage:       stage,
		Reason:      reason,
		ActionTaken: "session_terminated",
		ReportedAt:  time.Now().UTC(),
	}

	// Evidence first, while the frame source is still attached. Identity
	// mismatch is the only rule where a still of the impostor has value.
	if rule == RuleIdentityMismatch {
		c.step("capture_evidence", func() error {
			frame, ok := c.source.Current()
			if !ok {
				return nil
			}
			record.EvidenceJPEG = frame.Data
			digest := blake2b.Sum256(frame.Data)
			record.EvidenceDigest = hex.EncodeToString(digest[:])
			return nil
		})
	}

	c.teardown(ctx, string(reason))

	c.step("submit_report", func() error {
		if c.reporter == nil {
			return nil
		}
		return c.reporter.SubmitViolation(ctx, ViolationReport{
			SessionID:      c.sessionID,
			ViolationType:  rule,
			Reason:         reason,
			ActionTaken:    record.ActionTaken,
			EvidenceJPEG:   record.EvidenceJPEG,
			EvidenceDigest: record.EvidenceDigest,
		})
	})

	if c.navigate != nil {
		navigate := c.navigate
		time.AfterFunc(c.navigateDelay, func() {
			navigate(reason)
		})
	}
	return record
}

func (c *TerminationCoordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	return true
}

// teardown is the single converged cleanup sequence: stop samplers, release
// media, silence narration, finalize the persisted session.
func (c *TerminationCoordinator) teardown(ctx context.Context, reason string) {
	c.step("disable_samplers", func() error {
		if c.disableSamplers != nil {
			c.disableSamplers()
		}
		return nil
	})
	c.step("release_media", func() error {
		if c.source != nil {
			c.source.Release()
		}
		return nil
	})
	c.step("stop_narration", func() error {
		if c.narration != nil {
			c.narration.Close()
		}
		return nil
	})
	c.step("finalize_session", func() error {
		if c.finalizeSession == nil {
			return nil
		}
		return c.finalizeSession(ctx, reason)
	})
}

// step runs one teardown stage, absorbing both errors and panics so partial
// failure can never leave the remaining stages unexecuted.
func (c *TerminationCoordinator) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("termination step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		c.log.Error("termination step failed", "step", name, "error", err)
	}
}

package navigator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/ctxutil"
)

// cleanupTimeout bounds the detached persistence work after a run ends.
const cleanupTimeout = 30 * time.Second

func (m *Machine) success(ctx context.Context) (State, error) {
	m.recordErr(m.deps.Recorder.RecordPageState("success", map[string]interface{}{"evidence": m.successEvidence}))
	m.syncProgress()
	if m.fieldsFound == 0 {
		m.session.CompletionPercentage = 100
	}
	m.session.Status = schemas.StatusCompleted
	m.session.Reason = ""
	m.session.FailurePoint = ""
	m.finish(ctx, "Application submitted")
	return StateSuccess, nil
}

// fail leaves the session resumable with its journal.
func (m *Machine) fail(ctx context.Context) (State, error) {
	if m.reason == "" {
		m.reason = "Run failed"
	}
	m.recordErr(m.deps.Recorder.RecordFailure("run_failed", schemas.Failed(schemas.ErrCodeExecutionFailure, m.reason), nil))
	m.syncProgress()
	m.session.Status = schemas.StatusNeedsAttention
	m.session.Reason = m.reason
	m.session.FailurePoint = m.failurePoint()
	m.finish(ctx, m.reason)
	return StateFail, nil
}

// finish flushes the journal before the terminal record so a completed
// session is never written ahead of its history.
func (m *Machine) finish(ctx context.Context, msg string) {
	dctx, cancel := ctxutil.DetachWithTimeout(ctx, cleanupTimeout)
	defer cancel()

	if _, err := m.deps.Recorder.Stop(dctx, true); err != nil {
		m.logger.Error("Failed to persist journal.", zap.Error(err))
	}
	if err := m.deps.Store.Save(dctx, m.session); err != nil {
		m.logger.Error("Failed to persist session.", zap.String("status", string(m.session.Status)), zap.Error(err))
	}
	m.logger.Info("Run finished.",
		zap.String("status", string(m.session.Status)),
		zap.String("reason", m.session.Reason),
		zap.Float64("completion", m.session.CompletionPercentage))
	m.publishStatus(dctx, msg)
}

// humanIntervention freezes the session and tells the operator why.
func (m *Machine) humanIntervention(ctx context.Context) (State, error) {
	dctx, cancel := ctxutil.DetachWithTimeout(ctx, cleanupTimeout)
	defer cancel()

	if m.reason == "" {
		m.reason = "Automation could not continue"
	}
	code := schemas.ErrCodeExecutionFailure
	status := schemas.StatusFrozen
	if m.authRequired {
		code, status = schemas.ErrCodeAuthRequired, schemas.StatusRequiresAuth
	}
	m.recordErr(m.deps.Recorder.RecordFailure("human_intervention", schemas.NeedsHuman(m.reason), map[string]interface{}{
		"state": m.failurePoint(),
		"code":  string(code),
	}))

	snap := m.capture(dctx)
	m.syncProgress()
	m.session.Status = status
	m.session.Reason = m.reason
	m.session.FailurePoint = m.failurePoint()

	j, err := m.deps.Recorder.Stop(dctx, false)
	if err != nil {
		m.logger.Error("Failed to close journal.", zap.Error(err))
	}
	if err := m.deps.Store.Freeze(dctx, m.session, j, snap); err != nil {
		m.logger.Error("Failed to freeze session.", zap.Error(err))
	}

	req := schemas.HumanRequest{
		SessionID:     m.session.ID,
		EntryPoint:    m.session.EntryPoint,
		Reason:        m.reason,
		RecentActions: append([]string(nil), m.session.RecentActions...),
		RequestedAt:   time.Now().UTC(),
	}
	if snap != nil {
		req.ScreenshotPath = snap.ScreenshotPath
	}
	if err := m.deps.Notifier.NotifyHuman(dctx, req); err != nil {
		m.logger.Warn("Failed to notify operator.", zap.Error(err))
	}
	m.logger.Warn("Run handed to a human.", zap.String("reason", m.reason), zap.Strings("recent_actions", req.RecentActions))
	m.publishStatus(dctx, m.reason)
	return StateHumanIntervention, nil
}

// capture snapshots the surface for a later resume. A failed capture still
// freezes the session, just without a snapshot.
func (m *Machine) capture(ctx context.Context) *schemas.SurfaceSnapshot {
	snap, err := m.deps.Surface.Capture(ctx)
	if err != nil || snap == nil {
		m.logger.Warn("Could not capture surface snapshot.", zap.Error(err))
		return nil
	}
	snap.SessionID = m.session.ID
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	if len(snap.Screenshot) == 0 {
		if shot, err := m.deps.Surface.Screenshot(ctx); err == nil {
			snap.Screenshot = shot
		}
	}
	return snap
}

// cancelled flushes the partial journal and freezes the session so it stays
// resumable.
func (m *Machine) cancelled(ctx context.Context, cause error) *RunResult {
	dctx, cancel := ctxutil.DetachWithTimeout(ctx, cleanupTimeout)
	defer cancel()

	m.session.FailurePoint = m.failurePoint()
	m.reason = fmt.Sprintf("Run cancelled during %s: %v", m.failurePoint(), cause)
	if m.deps.Recorder.Recording() {
		m.recordErr(m.deps.Recorder.RecordFailure("cancelled", schemas.Failed(schemas.ErrCodeCancelled, m.reason), nil))
		if _, err := m.deps.Recorder.Stop(dctx, true); err != nil {
			m.logger.Error("Failed to persist partial journal.", zap.Error(err))
		}
	}
	m.session.CompletionPercentage = completion(m.fieldsFilled, m.fieldsFound)
	m.session.Status = schemas.StatusFrozen
	m.session.Reason = m.reason
	if err := m.deps.Store.Save(dctx, m.session); err != nil {
		m.logger.Error("Failed to persist cancelled session.", zap.Error(err))
	}
	m.logger.Info("Run cancelled.", zap.String("state", string(m.state)))
	m.publishStatus(dctx, m.reason)
	return m.result()
}

// failurePoint names the last working state and page.
func (m *Machine) failurePoint() string {
	s := m.state
	if s.Terminal() && m.prev != "" {
		s = m.prev
	}
	if m.page != nil && m.page.URL != "" {
		return fmt.Sprintf("%s @ %s", s, m.page.URL)
	}
	return string(s)
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rathodworks/whatsflow/internal/models"
)

// CreateRun inserts a new workflow run
func (s *Store) CreateRun(ctx context.Context, run *models.WorkflowRun) error {
	return wrapDBErr("create run", s.db.WithContext(ctx).Create(run).Error)
}

// SetRunStatus moves a run to a new lifecycle state, stamping finished_at on
// terminal states and attaching output when given.
func (s *Store) SetRunStatus(ctx context.Context, runID uuid.UUID, status models.WorkflowRunStatus, output models.JSONB) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if output != nil {
		updates["output"] = output
	}
	switch status {
	case models.RunStatusRunning:
		updates["started_at"] = time.Now()
	case models.RunStatusSuccess, models.RunStatusFailed, models.RunStatusSkipped, models.RunStatusError:
		updates["finished_at"] = time.Now()
	}
	err := s.db.WithContext(ctx).Model(&models.WorkflowRun{}).Where("id = ?", runID).Updates(updates).Error
	return wrapDBErr("set run status", err)
}

// AppendRunLog records one node attempt. Logs are append-only; retries write
// a fresh row rather than mutating an earlier one.
func (s *Store) AppendRunLog(ctx context.Context, log *models.WorkflowRunLog) error {
	return wrapDBErr("append run log", s.db.WithContext(ctx).Create(log).Error)
}

// FinishRunLog closes a previously appended node attempt
func (s *Store) FinishRunLog(ctx context.Context, logID uuid.UUID, status string, output models.JSONB, errMsg string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&models.WorkflowRunLog{}).
		Where("id = ?", logID).
		Updates(map[string]interface{}{
			"status":       status,
			"output":       output,
			"error":        errMsg,
			"completed_at": now,
			"updated_at":   now,
		}).Error
	return wrapDBErr("finish run log", err)
}

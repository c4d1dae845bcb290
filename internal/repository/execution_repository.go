package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/idp-studio/engine/internal/models"
	appErr "github.com/idp-studio/engine/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ExecutionRepository interface {
	BaseRepository[models.WorkflowExecution]
	// SaveCheckpoint records a completed step's result under its step name.
	SaveCheckpoint(ctx context.Context, id uuid.UUID, step string, result any) error
	// Checkpoints loads the recorded step results for an execution.
	Checkpoints(ctx context.Context, id uuid.UUID) (map[string]json.RawMessage, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, output any) error
	MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	// SetSignalWindow records when the post-success signal window closes;
	// nil clears it.
	SetSignalWindow(ctx context.Context, id uuid.UUID, until *time.Time) error
	RecordSignal(ctx context.Context, id uuid.UUID, kind string, payload []byte) error
	ListRecent(ctx context.Context, limit int) ([]models.WorkflowExecution, error)
}

type executionRepository struct {
	BaseRepository[models.WorkflowExecution]
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) ExecutionRepository {
	return &executionRepository{BaseRepository: NewBaseRepository[models.WorkflowExecution](db), db: db}
}

func (r *executionRepository) SaveCheckpoint(ctx context.Context, id uuid.UUID, step string, result any) error {
	cps, err := r.Checkpoints(ctx, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal checkpoint result failed")
	}
	cps[step] = raw
	doc, err := json.Marshal(cps)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal checkpoint document failed")
	}
	return r.updates(ctx, id, map[string]any{"checkpoints": datatypes.JSON(doc)})
}

func (r *executionRepository) Checkpoints(ctx context.Context, id uuid.UUID) (map[string]json.RawMessage, error) {
	var e models.WorkflowExecution
	if err := r.GetByID(ctx, id, &e); err != nil {
		return nil, err
	}
	cps := map[string]json.RawMessage{}
	if len(e.Checkpoints) > 0 {
		if err := json.Unmarshal(e.Checkpoints, &cps); err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "unmarshal checkpoint document failed")
		}
	}
	return cps, nil
}

func (r *executionRepository) MarkCompleted(ctx context.Context, id uuid.UUID, output any) error {
	fields := map[string]any{"status": models.ExecutionCompleted}
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "marshal execution output failed")
		}
		fields["output"] = datatypes.JSON(raw)
	}
	return r.updates(ctx, id, fields)
}

func (r *executionRepository) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error {
	return r.updates(ctx, id, map[string]any{
		"status":        models.ExecutionFailed,
		"error_code":    code,
		"error_message": message,
	})
}

func (r *executionRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	return r.updates(ctx, id, map[string]any{"status": models.ExecutionCancelled})
}

func (r *executionRepository) SetSignalWindow(ctx context.Context, id uuid.UUID, until *time.Time) error {
	return r.updates(ctx, id, map[string]any{"window_open_until": until})
}

func (r *executionRepository) RecordSignal(ctx context.Context, id uuid.UUID, kind string, payload []byte) error {
	fields := map[string]any{"last_signal": kind}
	if len(payload) > 0 {
		fields["last_signal_payload"] = datatypes.JSON(payload)
	}
	return r.updates(ctx, id, fields)
}

func (r *executionRepository) ListRecent(ctx context.Context, limit int) ([]models.WorkflowExecution, error) {
	var out []models.WorkflowExecution
	if err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list executions failed")
	}
	return out, nil
}

func (r *executionRepository) updates(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&models.WorkflowExecution{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return appErr.Wrap(res.Error, appErr.CodeInternal, "update execution failed")
	}
	if res.RowsAffected == 0 {
		return appErr.New(appErr.CodeNotFound, "execution not found")
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Execution statuses. A running execution is resumed by the worker after a
// crash; every other status is terminal.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Resource types addressed by workflows.
const (
	ResourceOrganization = "org"
	ResourceUser         = "user"
)

// Workflow operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// WorkflowExecution is the durable record of one workflow run. WorkflowID is
// the deterministic identity (`<op>-<type>-<key>`); the task queue enforces at
// most one active execution per identity, so rows for the same identity never
// overlap in time. Checkpoints holds each completed step's recorded result and
// is what makes redelivered tasks replay-safe.
type WorkflowExecution struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	WorkflowID        string         `gorm:"type:varchar(256);index;not null" json:"workflow_id"`
	Operation         string         `gorm:"type:varchar(16);not null" json:"operation"`
	ResourceType      string         `gorm:"type:varchar(16);not null" json:"resource_type"`
	ResourceID        uuid.UUID      `gorm:"type:uuid;index" json:"resource_id"`
	Status            string         `gorm:"type:varchar(16);index;not null" json:"status"`
	Checkpoints       datatypes.JSON `gorm:"type:jsonb" json:"-"`
	Output            datatypes.JSON `gorm:"type:jsonb" json:"output,omitempty"`
	ErrorCode         string         `gorm:"type:varchar(32)" json:"error_code,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	LastSignal        string         `gorm:"type:varchar(16)" json:"last_signal,omitempty"`
	LastSignalPayload datatypes.JSON `gorm:"type:jsonb" json:"last_signal_payload,omitempty"`
	WindowOpenUntil   *time.Time     `json:"window_open_until,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Terminal reports whether the execution has settled.
func (e *WorkflowExecution) Terminal() bool {
	return e.Status != ExecutionRunning
}

// SignalWindowOpen reports whether the post-success signal window is still
// accepting signals. A completed create execution keeps its window open for a
// bounded time; every other execution has no window.
func (e *WorkflowExecution) SignalWindowOpen(now time.Time) bool {
	return e.WindowOpenUntil != nil && now.Before(*e.WindowOpenUntil)
}

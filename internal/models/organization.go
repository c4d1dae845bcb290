package models

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle statuses shared by organization and user records.
const (
	StatusProvisioning = "provisioning"
	StatusUpdating     = "updating"
	StatusDeleting     = "deleting"
	StatusSuccess      = "success"
	StatusUpdated      = "updated"
	StatusDeleted      = "deleted"
	StatusFailed       = "failed"
	StatusCancelled    = "cancelled"
)

// TerminalStatuses are the statuses a lifecycle workflow is allowed to
// leave a record in.
var TerminalStatuses = []string{StatusSuccess, StatusUpdated, StatusDeleted, StatusFailed, StatusCancelled}

// Organization is the durable local record of a provisioned organization.
// ProviderID is assigned by the identity provider during the create workflow
// and is set at most once; deletion removes the row rather than clearing it.
type Organization struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProviderID     *string   `gorm:"type:varchar(64);uniqueIndex" json:"provider_id,omitempty"`
	Identifier     string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"identifier" validate:"required"`
	Name           string    `gorm:"not null" json:"name" validate:"required"`
	CredentialsRef string    `gorm:"type:varchar(256)" json:"credentials_ref,omitempty"`
	OwnerEmail     string    `gorm:"not null" json:"owner_email" validate:"required,email"`
	Status         string    `gorm:"type:varchar(32);index;not null" json:"status" validate:"required,oneof=provisioning updating deleting success updated deleted failed cancelled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the durable local record of a provisioned identity-provider user.
// Email is the natural key.
type User struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	ProviderID *string   `gorm:"type:varchar(64);uniqueIndex" json:"provider_id,omitempty"`
	Email      string    `gorm:"uniqueIndex;not null" json:"email" validate:"required,email"`
	Name       string    `gorm:"not null" json:"name" validate:"required"`
	OwnerEmail string    `gorm:"not null" json:"owner_email" validate:"required,email"`
	Status     string    `gorm:"type:varchar(32);index;not null" json:"status" validate:"required,oneof=provisioning updating deleting success updated deleted failed cancelled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Provisioned reports whether the user ever finished provisioning on the
// provider side. Unprovisioned users skip the remote delete.
func (u *User) Provisioned() bool {
	if u.ProviderID == nil || *u.ProviderID == "" {
		return false
	}
	return u.Status != StatusFailed && u.Status != StatusProvisioning
}

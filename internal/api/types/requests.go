package types

import "encoding/json"

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type OrganizationCreateRequest struct {
	Name           string `json:"name" validate:"required"`
	Identifier     string `json:"identifier" validate:"required,min=2,max=128"`
	CredentialsRef string `json:"credentials_ref"`
	OwnerEmail     string `json:"owner_email" validate:"required,email"`
}

// Pointer fields distinguish "leave alone" from "set to empty".
type OrganizationUpdateRequest struct {
	Name           *string `json:"name" validate:"omitempty,min=1"`
	Identifier     *string `json:"identifier" validate:"omitempty,min=2,max=128"`
	CredentialsRef *string `json:"credentials_ref"`
}

type UserCreateRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Name       string `json:"name" validate:"required"`
	OwnerEmail string `json:"owner_email" validate:"required,email"`
}

type UserUpdateRequest struct {
	Email *string `json:"email" validate:"omitempty,email"`
	Name  *string `json:"name" validate:"omitempty,min=1"`
}

type SignalRequest struct {
	Kind    string          `json:"kind" validate:"required,oneof=update terminate cancel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

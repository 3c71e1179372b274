package domain

import (
	"time"

	"github.com/google/uuid"
)

// User - сотрудник CRM. Учётные записи создаёт и ведёт внешний Auth-сервис;
// мессенджер читает их как справочник идентичностей.
type User struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	Role        string     `json:"role"`
	OfficeID    *uuid.UUID `json:"office_id,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

const (
	RoleAgent   = "agent"
	RoleManager = "manager"
	RoleAdmin   = "admin"
	RoleOwner   = "owner"
)

package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm_messenger/internal/domain"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

// UserRepository читает справочник сотрудников. Записи ведёт ядро CRM,
// мессенджер в users не пишет.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.User, error)
}

type userRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewUserRepository(db *pgxpool.Pool, log logger.Logger) UserRepository {
	return &userRepository{db: db, log: log}
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	query := `
		SELECT id, email, display_name, avatar_url, role, office_id, is_active, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	user := &domain.User{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL,
		&user.Role, &user.OfficeID, &user.IsActive, &user.CreatedAt, &user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.ErrNotFound
		}
		r.log.Error("Failed to get user by ID", "error", err)
		return nil, err
	}

	return user, nil
}

func (r *userRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, email, display_name, avatar_url, role, office_id, is_active, created_at, updated_at
		FROM users
		WHERE id = ANY($1)
	`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		r.log.Error("Failed to get users by IDs", "error", err)
		return nil, err
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		user := &domain.User{}
		err := rows.Scan(
			&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL,
			&user.Role, &user.OfficeID, &user.IsActive, &user.CreatedAt, &user.UpdatedAt,
		)
		if err != nil {
			r.log.Error("Failed to scan user", "error", err)
			return nil, err
		}
		users = append(users, user)
	}

	return users, nil
}

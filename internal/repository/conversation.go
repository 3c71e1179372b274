package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm_messenger/internal/domain"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

type ConversationRepository interface {
	Create(ctx context.Context, conversation *domain.Conversation, memberIDs []uuid.UUID) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error)
	GetByDirectKey(ctx context.Context, key string) (*domain.Conversation, error)
	ListByUser(ctx context.Context, userID uuid.UUID, filter ConversationFilter) ([]*domain.Conversation, error)
	AddMember(ctx context.Context, conversationID, userID uuid.UUID, addedBy *uuid.UUID) error
	RemoveMember(ctx context.Context, conversationID, userID uuid.UUID) error
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	GetMembers(ctx context.Context, conversationID uuid.UUID) ([]*domain.ConversationMember, error)
	GetMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	RefreshSummary(ctx context.Context, conversationID uuid.UUID) error
	Deactivate(ctx context.Context, conversationID uuid.UUID) error
}

// ConversationFilter - параметры выборки списка бесед пользователя
type ConversationFilter struct {
	Type   string // direct | group | "" (все)
	Search string // подстрока названия группы или имени участника
	Limit  int
	Offset int
}

type conversationRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

// Create вставляет беседу вместе с участниками в одной транзакции.
// Для direct-бесед уникальный индекс по direct_key гасит гонку параллельных
// созданий: проигравший получает false и перечитывает существующую запись.
func (r *conversationRepository) Create(ctx context.Context, conversation *domain.Conversation, memberIDs []uuid.UUID) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin transaction", "error", err)
		return false, err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO conversations (id, type, title, created_by, direct_key, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (direct_key) WHERE direct_key IS NOT NULL AND is_active DO NOTHING
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		conversation.ID, conversation.Type, conversation.Title, conversation.CreatedBy,
		conversation.DirectKey, conversation.IsActive,
	).Scan(&conversation.CreatedAt, &conversation.UpdatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Конфликт по direct_key: беседу уже создал параллельный запрос
			return false, nil
		}
		r.log.Error("Failed to create conversation", "error", err)
		return false, err
	}

	memberQuery := `
		INSERT INTO conversation_members (conversation_id, user_id, added_by, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`

	now := time.Now()
	for _, memberID := range memberIDs {
		// У создателя added_by пуст, остальных в состав включил он
		var addedBy *uuid.UUID
		if memberID != conversation.CreatedBy {
			addedBy = &conversation.CreatedBy
		}
		if _, err := tx.Exec(ctx, memberQuery, conversation.ID, memberID, addedBy, now); err != nil {
			r.log.Error("Failed to add conversation member", "error", err, "user_id", memberID)
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.Error("Failed to commit conversation", "error", err)
		return false, err
	}

	return true, nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT id, type, title, created_by, direct_key,
		       last_message_content, last_message_at, last_message_sender_id,
		       is_active, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	conversation := &domain.Conversation{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&conversation.ID, &conversation.Type, &conversation.Title, &conversation.CreatedBy, &conversation.DirectKey,
		&conversation.LastMessageContent, &conversation.LastMessageAt, &conversation.LastMessageSenderID,
		&conversation.IsActive, &conversation.CreatedAt, &conversation.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.ErrConversationNotFound
		}
		r.log.Error("Failed to get conversation by ID", "error", err)
		return nil, err
	}

	return conversation, nil
}

func (r *conversationRepository) GetByDirectKey(ctx context.Context, key string) (*domain.Conversation, error) {
	query := `
		SELECT id, type, title, created_by, direct_key,
		       last_message_content, last_message_at, last_message_sender_id,
		       is_active, created_at, updated_at
		FROM conversations
		WHERE direct_key = $1 AND is_active = TRUE
	`

	conversation := &domain.Conversation{}
	err := r.db.QueryRow(ctx, query, key).Scan(
		&conversation.ID, &conversation.Type, &conversation.Title, &conversation.CreatedBy, &conversation.DirectKey,
		&conversation.LastMessageContent, &conversation.LastMessageAt, &conversation.LastMessageSenderID,
		&conversation.IsActive, &conversation.CreatedAt, &conversation.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.ErrConversationNotFound
		}
		r.log.Error("Failed to get conversation by direct key", "error", err)
		return nil, err
	}

	return conversation, nil
}

// ListByUser отдаёт беседы пользователя от свежих к старым. Поиск идёт по
// названию группы и по именам участников: так находятся и личные диалоги.
func (r *conversationRepository) ListByUser(ctx context.Context, userID uuid.UUID, filter ConversationFilter) ([]*domain.Conversation, error) {
	query := `
		SELECT c.id, c.type, c.title, c.created_by, c.direct_key,
		       c.last_message_content, c.last_message_at, c.last_message_sender_id,
		       c.is_active, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = $1 AND c.is_active = TRUE
	`
	args := []interface{}{userID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND c.type = $%d", len(args))
	}

	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		n := len(args)
		query += fmt.Sprintf(` AND (c.title ILIKE $%d OR EXISTS (
			SELECT 1 FROM conversation_members cm2
			JOIN users u ON u.id = cm2.user_id
			WHERE cm2.conversation_id = c.id AND cm2.user_id <> $1 AND u.display_name ILIKE $%d
		))`, n, n)
	}

	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(`
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
		LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.log.Error("Failed to list conversations", "error", err)
		return nil, err
	}
	defer rows.Close()

	var conversations []*domain.Conversation
	for rows.Next() {
		conversation := &domain.Conversation{}
		err := rows.Scan(
			&conversation.ID, &conversation.Type, &conversation.Title, &conversation.CreatedBy, &conversation.DirectKey,
			&conversation.LastMessageContent, &conversation.LastMessageAt, &conversation.LastMessageSenderID,
			&conversation.IsActive, &conversation.CreatedAt, &conversation.UpdatedAt,
		)
		if err != nil {
			r.log.Error("Failed to scan conversation", "error", err)
			return nil, err
		}
		conversations = append(conversations, conversation)
	}

	return conversations, nil
}

func (r *conversationRepository) AddMember(ctx context.Context, conversationID, userID uuid.UUID, addedBy *uuid.UUID) error {
	query := `
		INSERT INTO conversation_members (conversation_id, user_id, added_by, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query, conversationID, userID, addedBy, time.Now())
	if err != nil {
		r.log.Error("Failed to add member", "error", err, "conversation_id", conversationID, "user_id", userID)
		return err
	}

	return nil
}

func (r *conversationRepository) RemoveMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	query := `DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`

	_, err := r.db.Exec(ctx, query, conversationID, userID)
	if err != nil {
		r.log.Error("Failed to remove member", "error", err, "conversation_id", conversationID, "user_id", userID)
		return err
	}

	return nil
}

func (r *conversationRepository) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`

	var isMember bool
	err := r.db.QueryRow(ctx, query, conversationID, userID).Scan(&isMember)
	if err != nil {
		r.log.Error("Failed to check membership", "error", err)
		return false, err
	}

	return isMember, nil
}

func (r *conversationRepository) GetMembers(ctx context.Context, conversationID uuid.UUID) ([]*domain.ConversationMember, error) {
	query := `
		SELECT cm.conversation_id, cm.user_id, u.display_name, u.avatar_url, cm.added_by, cm.joined_at
		FROM conversation_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.conversation_id = $1
		ORDER BY cm.joined_at ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		r.log.Error("Failed to get members", "error", err)
		return nil, err
	}
	defer rows.Close()

	var members []*domain.ConversationMember
	for rows.Next() {
		member := &domain.ConversationMember{}
		err := rows.Scan(
			&member.ConversationID, &member.UserID, &member.DisplayName, &member.AvatarURL, &member.AddedBy, &member.JoinedAt,
		)
		if err != nil {
			r.log.Error("Failed to scan member", "error", err)
			return nil, err
		}
		members = append(members, member)
	}

	return members, nil
}

func (r *conversationRepository) GetMemberIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM conversation_members WHERE conversation_id = $1`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		r.log.Error("Failed to get member IDs", "error", err)
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			r.log.Error("Failed to scan member ID", "error", err)
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Deactivate мягко выключает беседу. Строка и история остаются,
// беседа пропадает из списков и перестаёт принимать сообщения.
func (r *conversationRepository) Deactivate(ctx context.Context, conversationID uuid.UUID) error {
	query := `UPDATE conversations SET is_active = FALSE, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, conversationID)
	if err != nil {
		r.log.Error("Failed to deactivate conversation", "error", err, "conversation_id", conversationID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.ErrConversationNotFound
	}

	return nil
}

// RefreshSummary пересчитывает сниппет последнего сообщения беседы.
// Вызывается после правки или удаления: последнее сообщение могло измениться.
func (r *conversationRepository) RefreshSummary(ctx context.Context, conversationID uuid.UUID) error {
	query := `
		UPDATE conversations
		SET (last_message_content, last_message_at, last_message_sender_id) =
		    (SELECT LEFT(content, $2), created_at, sender_id
		     FROM messages
		     WHERE conversation_id = $1 AND deleted_at IS NULL
		     ORDER BY created_at DESC, id DESC
		     LIMIT 1),
		    updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, conversationID, summarySnippetLength)
	if err != nil {
		r.log.Error("Failed to refresh conversation summary", "error", err)
		return err
	}

	return nil
}

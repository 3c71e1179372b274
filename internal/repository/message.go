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

// Сниппет последнего сообщения в карточке беседы
const summarySnippetLength = 140

type MessageRepository interface {
	Create(ctx context.Context, message *domain.Message) error
	GetByID(ctx context.Context, messageID int64) (*domain.Message, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.Message, error)
	Update(ctx context.Context, message *domain.Message) error
	Delete(ctx context.Context, messageID int64, deletedBy uuid.UUID) error
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

// Create вставляет сообщение и обновляет сниппет беседы в одной транзакции.
// id выдаёт база: он растёт в порядке вставки и служит тай-брейком сортировки.
func (r *messageRepository) Create(ctx context.Context, message *domain.Message) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin transaction", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO messages (conversation_id, sender_id, message_type, content, reply_to_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`

	err = tx.QueryRow(ctx, query,
		message.ConversationID, message.SenderID, message.MessageType,
		message.Content, message.ReplyToID,
	).Scan(&message.ID, &message.CreatedAt)

	if err != nil {
		r.log.Error("Failed to create message", "error", err)
		return err
	}

	summaryQuery := `
		UPDATE conversations
		SET last_message_content = LEFT($2, $5), last_message_at = $3, last_message_sender_id = $4, updated_at = NOW()
		WHERE id = $1
	`

	_, err = tx.Exec(ctx, summaryQuery,
		message.ConversationID, message.Content, message.CreatedAt, message.SenderID, summarySnippetLength,
	)

	if err != nil {
		r.log.Error("Failed to update conversation summary", "error", err)
		return err
	}

	return tx.Commit(ctx)
}

// GetByID не находит удалённые сообщения: надгробия наружу не отдаются
func (r *messageRepository) GetByID(ctx context.Context, messageID int64) (*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, message_type, content, reply_to_id, edited, edited_at, created_at
		FROM messages
		WHERE id = $1 AND deleted_at IS NULL
	`

	message := &domain.Message{}
	err := r.db.QueryRow(ctx, query, messageID).Scan(
		&message.ID, &message.ConversationID, &message.SenderID, &message.MessageType,
		&message.Content, &message.ReplyToID, &message.IsEdited, &message.EditedAt, &message.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pkgerrors.ErrMessageNotFound
		}
		r.log.Error("Failed to get message", "error", err)
		return nil, err
	}

	return message, nil
}

// ListByConversation отдаёт страницу истории от новых к старым.
// Сортировка (created_at, id) устойчива при совпадающих метках времени.
func (r *messageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, message_type, content, reply_to_id, edited, edited_at, created_at
		FROM messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		r.log.Error("Failed to get messages", "error", err)
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		message := &domain.Message{}
		err := rows.Scan(
			&message.ID, &message.ConversationID, &message.SenderID, &message.MessageType,
			&message.Content, &message.ReplyToID, &message.IsEdited, &message.EditedAt, &message.CreatedAt,
		)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, err
		}
		messages = append(messages, message)
	}

	return messages, nil
}

func (r *messageRepository) Update(ctx context.Context, message *domain.Message) error {
	query := `
		UPDATE messages
		SET content = $2, edited = TRUE, edited_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING edited, edited_at
	`

	err := r.db.QueryRow(ctx, query, message.ID, message.Content).Scan(&message.IsEdited, &message.EditedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pkgerrors.ErrMessageNotFound
		}
		r.log.Error("Failed to update message", "error", err)
		return err
	}

	return nil
}

// Delete ставит надгробие: строка остаётся ради целостности ответов и
// квитанций, но из выборок пропадает.
func (r *messageRepository) Delete(ctx context.Context, messageID int64, deletedBy uuid.UUID) error {
	query := `
		UPDATE messages
		SET deleted_at = NOW(), deleted_by = $2
		WHERE id = $1 AND deleted_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, messageID, deletedBy)
	if err != nil {
		r.log.Error("Failed to delete message", "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return pkgerrors.ErrMessageNotFound
	}

	return nil
}

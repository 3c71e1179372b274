package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"crm_messenger/internal/domain"
	"crm_messenger/pkg/logger"
)

type ReadReceiptRepository interface {
	MarkRead(ctx context.Context, messageID int64, userID uuid.UUID) (bool, error)
	MarkUnread(ctx context.Context, messageID int64, userID uuid.UUID) error
	MarkMessagesRead(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID, messageIDs []int64) ([]int64, error)
	MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]int64, error)
	GetReaders(ctx context.Context, messageID int64) ([]*domain.ReadReceipt, error)
	UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int, error)
	UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error)
}

type readReceiptRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewReadReceiptRepository(db *pgxpool.Pool, log logger.Logger) ReadReceiptRepository {
	return &readReceiptRepository{db: db, log: log}
}

// MarkRead идемпотентна: повторная отметка того же сообщения не меняет строку,
// поэтому read_at первой отметки сохраняется. true - отметка новая.
func (r *readReceiptRepository) MarkRead(ctx context.Context, messageID int64, userID uuid.UUID) (bool, error) {
	query := `
		INSERT INTO message_reads (message_id, user_id, read_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (message_id, user_id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query, messageID, userID)
	if err != nil {
		r.log.Error("Failed to mark message read", "error", err, "message_id", messageID)
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

func (r *readReceiptRepository) MarkUnread(ctx context.Context, messageID int64, userID uuid.UUID) error {
	query := `DELETE FROM message_reads WHERE message_id = $1 AND user_id = $2`

	_, err := r.db.Exec(ctx, query, messageID, userID)
	if err != nil {
		r.log.Error("Failed to mark message unread", "error", err, "message_id", messageID)
		return err
	}

	return nil
}

// MarkMessagesRead отмечает прочитанными перечисленные сообщения беседы.
// Чужие и собственные сообщения отсекаются условием, а не ошибкой.
// Возвращаются только новые отметки: повторный вызов отдаёт пустой список.
func (r *readReceiptRepository) MarkMessagesRead(ctx context.Context, conversationID uuid.UUID, userID uuid.UUID, messageIDs []int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	query := `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT m.id, $2, NOW()
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.id = ANY($3)
		  AND m.deleted_at IS NULL
		  AND (m.sender_id IS NULL OR m.sender_id <> $2)
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id
	`

	return r.collectMarkedIDs(ctx, query, conversationID, userID, messageIDs)
}

// MarkConversationRead отмечает прочитанными все чужие сообщения беседы
func (r *readReceiptRepository) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) ([]int64, error) {
	query := `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT m.id, $2, NOW()
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.deleted_at IS NULL
		  AND (m.sender_id IS NULL OR m.sender_id <> $2)
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id
	`

	return r.collectMarkedIDs(ctx, query, conversationID, userID)
}

func (r *readReceiptRepository) collectMarkedIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.log.Error("Failed to mark messages read", "error", err)
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			r.log.Error("Failed to scan marked message id", "error", err)
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (r *readReceiptRepository) GetReaders(ctx context.Context, messageID int64) ([]*domain.ReadReceipt, error) {
	query := `
		SELECT message_id, user_id, read_at
		FROM message_reads
		WHERE message_id = $1
		ORDER BY read_at ASC
	`

	rows, err := r.db.Query(ctx, query, messageID)
	if err != nil {
		r.log.Error("Failed to get readers", "error", err)
		return nil, err
	}
	defer rows.Close()

	var receipts []*domain.ReadReceipt
	for rows.Next() {
		receipt := &domain.ReadReceipt{}
		if err := rows.Scan(&receipt.MessageID, &receipt.UserID, &receipt.ReadAt); err != nil {
			r.log.Error("Failed to scan read receipt", "error", err)
			return nil, err
		}
		receipts = append(receipts, receipt)
	}

	return receipts, nil
}

// UnreadCount считает чужие непрочитанные сообщения беседы.
// Служебные сообщения в счётчик не входят.
func (r *readReceiptRepository) UnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.deleted_at IS NULL
		  AND m.message_type <> 'system'
		  AND m.sender_id <> $2
		  AND NOT EXISTS (
		      SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $2
		  )
	`

	var count int
	err := r.db.QueryRow(ctx, query, conversationID, userID).Scan(&count)
	if err != nil {
		r.log.Error("Failed to count unread messages", "error", err)
		return 0, err
	}

	return count, nil
}

func (r *readReceiptRepository) UnreadCounts(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]int, error) {
	query := `
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = $1
		WHERE m.deleted_at IS NULL
		  AND m.message_type <> 'system'
		  AND m.sender_id <> $1
		  AND NOT EXISTS (
		      SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $1
		  )
		GROUP BY m.conversation_id
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to count unread by conversation", "error", err)
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var conversationID uuid.UUID
		var count int
		if err := rows.Scan(&conversationID, &count); err != nil {
			r.log.Error("Failed to scan unread count", "error", err)
			return nil, err
		}
		counts[conversationID] = count
	}

	return counts, nil
}

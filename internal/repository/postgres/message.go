package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/partyhub/internal/models"
)

const defaultMessageLimit = 100

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

func (s *MessageStore) Create(ctx context.Context, communityID, authorID uuid.UUID, content *string, eventID *uuid.UUID) (*models.Message, error) {
	// Messages use bigserial, Postgres generates the ID.
	query := `
		INSERT INTO messages (community_id, author_id, content, event_id, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, community_id, author_id, content, event_id, created_at`

	var msg models.Message
	err := s.pool.QueryRow(ctx, query, communityID, authorID, content, eventID).Scan(
		&msg.ID,
		&msg.CommunityID,
		&msg.AuthorID,
		&msg.Content,
		&msg.EventID,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

func (s *MessageStore) ListByCommunity(ctx context.Context, communityID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > defaultMessageLimit {
		limit = defaultMessageLimit
	}

	// before=0 is the latest page. before=42 is the page older than ID 42.
	// Both select newest first so LIMIT keeps the right end, then the page is
	// reversed to oldest first.
	var query string
	var args []any

	if before > 0 {
		query = `
			SELECT id, community_id, author_id, content, event_id, created_at
			FROM messages
			WHERE community_id = $1 AND id < $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3`
		args = []any{communityID, before, limit}
	} else {
		query = `
			SELECT id, community_id, author_id, content, event_id, created_at
			FROM messages
			WHERE community_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`
		args = []any{communityID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.CommunityID,
			&msg.AuthorID,
			&msg.Content,
			&msg.EventID,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

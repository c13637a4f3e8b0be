package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/repository"
)

const entityColumns = `id, kind, title, description, owner_id, is_private, category,
	member_count, venue, age_group, starts_at, latitude, longitude, image_url, created_at`

const defaultListLimit = 200

type EntityStore struct {
	pool *pgxpool.Pool
}

func NewEntityStore(pool *pgxpool.Pool) *EntityStore {
	return &EntityStore{pool: pool}
}

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	err := row.Scan(
		&e.ID,
		&e.Kind,
		&e.Title,
		&e.Description,
		&e.OwnerID,
		&e.IsPrivate,
		&e.Category,
		&e.MemberCount,
		&e.Venue,
		&e.AgeGroup,
		&e.StartsAt,
		&e.Latitude,
		&e.Longitude,
		&e.ImageURL,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *EntityStore) Create(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create entity: %w", err)
	}
	defer tx.Rollback(ctx)

	initialCount := 0
	if e.OwnerID != nil {
		initialCount = 1
	}

	query := `
		INSERT INTO entities (kind, title, description, owner_id, is_private, category,
			member_count, venue, age_group, starts_at, latitude, longitude, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		RETURNING ` + entityColumns

	created, err := scanEntity(tx.QueryRow(ctx, query,
		e.Kind, e.Title, e.Description, e.OwnerID, e.IsPrivate, e.Category,
		initialCount, e.Venue, e.AgeGroup, e.StartsAt, e.Latitude, e.Longitude, e.ImageURL,
	))
	if err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}

	if e.OwnerID != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO memberships (entity_id, user_id, status, role, joined_at)
			VALUES ($1, $2, $3, $4, now())`,
			created.ID, *e.OwnerID, models.StatusApproved, models.RoleOwner)
		if err != nil {
			return nil, fmt.Errorf("insert owner membership: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create entity: %w", err)
	}
	return created, nil
}

func (s *EntityStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = $1`

	e, err := scanEntity(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func (s *EntityStore) List(ctx context.Context, kind models.EntityKind, filter repository.EntityFilter) ([]models.Entity, error) {
	var b strings.Builder
	args := []any{kind}

	b.WriteString(`SELECT ` + entityColumns + ` FROM entities WHERE kind = $1`)
	if filter.Category != "" {
		args = append(args, filter.Category)
		fmt.Fprintf(&b, " AND category = $%d", len(args))
	}
	if filter.AgeGroup != "" {
		args = append(args, filter.AgeGroup)
		fmt.Fprintf(&b, " AND age_group = $%d", len(args))
	}
	if filter.Query != "" {
		args = append(args, "%"+filter.Query+"%")
		fmt.Fprintf(&b, " AND (title ILIKE $%d OR venue ILIKE $%d)", len(args), len(args))
	}

	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	entities := make([]models.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}

	return entities, nil
}

// Update edits an entity in place.
//
// Why approve pending requests when an entity goes public?
//
// A pending request only means something while the owner gates entry. Once
// the entity is public anyone can join with one tap, so leaving the old
// requests pending would show those users a "requested" badge on something
// they could simply join, and the owner would keep an approval queue for a
// door that is already open. Approving them in the same transaction as the
// flag change keeps member_count exact: no reader sees the entity public
// with requests still pending, or approved rows missing from the counter.
// Going private leaves existing members alone.
func (s *EntityStore) Update(ctx context.Context, id uuid.UUID, update models.EntityUpdate) (*models.Entity, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin update entity: %w", err)
	}
	defer tx.Rollback(ctx)

	var wasPrivate bool
	err = tx.QueryRow(ctx, `SELECT is_private FROM entities WHERE id = $1 FOR UPDATE`, id).Scan(&wasPrivate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("lock entity: %w", err)
	}

	query := `
		UPDATE entities SET
			title = COALESCE($2, title),
			description = COALESCE($3, description),
			is_private = COALESCE($4, is_private),
			image_url = COALESCE($5, image_url)
		WHERE id = $1
		RETURNING ` + entityColumns

	updated, err := scanEntity(tx.QueryRow(ctx, query,
		id, update.Title, update.Description, update.IsPrivate, update.ImageURL,
	))
	if err != nil {
		return nil, 0, fmt.Errorf("update entity: %w", err)
	}

	approved := 0
	if wasPrivate && !updated.IsPrivate {
		tag, err := tx.Exec(ctx, `
			UPDATE memberships SET status = $2
			WHERE entity_id = $1 AND status = $3`,
			id, models.StatusApproved, models.StatusPending)
		if err != nil {
			return nil, 0, fmt.Errorf("approve pending requests: %w", err)
		}
		approved = int(tag.RowsAffected())
		if approved > 0 {
			if err := adjustCount(ctx, tx, id, approved); err != nil {
				return nil, 0, err
			}
			updated.MemberCount += approved
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit update entity: %w", err)
	}
	return updated, approved, nil
}

func (s *EntityStore) RecountMembers(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE entities
		SET member_count = (
			SELECT COUNT(*) FROM memberships
			WHERE entity_id = $1 AND status = 'approved'
		)
		WHERE id = $1
		RETURNING member_count`

	var count int
	if err := s.pool.QueryRow(ctx, query, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("recount members: %w", err)
	}
	return count, nil
}

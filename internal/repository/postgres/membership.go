package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/partyhub/internal/models"
)

// MembershipStore keeps entities.member_count in step with approved
// memberships: every write that adds or removes an approved row adjusts the
// counter with an atomic increment in the same transaction.
type MembershipStore struct {
	pool *pgxpool.Pool
}

func NewMembershipStore(pool *pgxpool.Pool) *MembershipStore {
	return &MembershipStore{pool: pool}
}

// adjustCount moves member_count by delta inside tx.
//
// Why an increment in the write's transaction instead of a recount or a
// read-modify-write in Go?
//   - Two people joining the same event at once both read 10 and both write
//     11 with read-modify-write. "member_count + 1" is applied by Postgres
//     under the row lock, so both increments land.
//   - Doing it in the same transaction as the membership row means a reader
//     never sees the row without the count or the count without the row. A
//     failed insert rolls the counter back with it.
//   - COUNT(*) on every join would scan memberships for popular events.
//     RecountMembers exists for repairs, not for the hot path.
//   - GREATEST(..., 0) keeps a counter that drifted before a repair from
//     going negative on the next leave.
func adjustCount(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, delta int) error {
	_, err := tx.Exec(ctx, `
		UPDATE entities
		SET member_count = GREATEST(member_count + $2, 0)
		WHERE id = $1`, entityID, delta)
	if err != nil {
		return fmt.Errorf("adjust member count: %w", err)
	}
	return nil
}

func (s *MembershipStore) Insert(ctx context.Context, entityID, userID uuid.UUID, status models.MembershipStatus, role models.Role) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin insert membership: %w", err)
	}
	defer tx.Rollback(ctx)

	// ON CONFLICT DO NOTHING keeps (entity_id, user_id) unique without an
	// error: a second join for the same pair writes nothing.
	tag, err := tx.Exec(ctx, `
		INSERT INTO memberships (entity_id, user_id, status, role, joined_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (entity_id, user_id) DO NOTHING`,
		entityID, userID, status, role)
	if err != nil {
		return false, fmt.Errorf("insert membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if status == models.StatusApproved {
		if err := adjustCount(ctx, tx, entityID, 1); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit insert membership: %w", err)
	}
	return true, nil
}

func (s *MembershipStore) UpdateStatus(ctx context.Context, entityID, userID uuid.UUID, from, to models.MembershipStatus) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin update membership: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE memberships SET status = $4
		WHERE entity_id = $1 AND user_id = $2 AND status = $3`,
		entityID, userID, from, to)
	if err != nil {
		return false, fmt.Errorf("update membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	switch {
	case from != models.StatusApproved && to == models.StatusApproved:
		err = adjustCount(ctx, tx, entityID, 1)
	case from == models.StatusApproved && to != models.StatusApproved:
		err = adjustCount(ctx, tx, entityID, -1)
	}
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit update membership: %w", err)
	}
	return true, nil
}

func (s *MembershipStore) Delete(ctx context.Context, entityID, userID uuid.UUID, expect models.MembershipStatus) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin delete membership: %w", err)
	}
	defer tx.Rollback(ctx)

	var removed models.MembershipStatus
	err = tx.QueryRow(ctx, `
		DELETE FROM memberships
		WHERE entity_id = $1 AND user_id = $2 AND ($3::text = '' OR status = $3::text)
		RETURNING status`,
		entityID, userID, string(expect)).Scan(&removed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("delete membership: %w", err)
	}

	if removed == models.StatusApproved {
		if err := adjustCount(ctx, tx, entityID, -1); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit delete membership: %w", err)
	}
	return true, nil
}

func (s *MembershipStore) Get(ctx context.Context, entityID, userID uuid.UUID) (*models.Membership, error) {
	query := `
		SELECT m.entity_id, e.kind, m.user_id, m.status, m.role, m.joined_at
		FROM memberships m
		JOIN entities e ON e.id = m.entity_id
		WHERE m.entity_id = $1 AND m.user_id = $2`

	var m models.Membership
	err := s.pool.QueryRow(ctx, query, entityID, userID).Scan(
		&m.EntityID, &m.EntityKind, &m.UserID, &m.Status, &m.Role, &m.JoinedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &m, nil
}

func (s *MembershipStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Membership, error) {
	query := `
		SELECT m.entity_id, e.kind, m.user_id, m.status, m.role, m.joined_at
		FROM memberships m
		JOIN entities e ON e.id = m.entity_id
		WHERE m.user_id = $1`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	memberships := make([]models.Membership, 0)
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.EntityID, &m.EntityKind, &m.UserID, &m.Status, &m.Role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}

	return memberships, nil
}

func (s *MembershipStore) ListPendingForOwner(ctx context.Context, ownerID uuid.UUID) ([]models.JoinRequest, error) {
	// Only the display name is selected. Requesters' emails and other
	// profile fields never reach the owner.
	query := `
		SELECT m.entity_id, m.user_id, u.display_name, m.joined_at
		FROM memberships m
		JOIN entities e ON e.id = m.entity_id
		JOIN users u ON u.id = m.user_id
		WHERE e.owner_id = $1 AND m.status = 'pending'
		ORDER BY m.joined_at, m.user_id`

	rows, err := s.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	requests := make([]models.JoinRequest, 0)
	for rows.Next() {
		var r models.JoinRequest
		if err := rows.Scan(&r.EntityID, &r.UserID, &r.DisplayName, &r.RequestedAt); err != nil {
			return nil, fmt.Errorf("scan pending request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending requests: %w", err)
	}

	return requests, nil
}

func (s *MembershipStore) CountApproved(ctx context.Context, userID uuid.UUID, kind models.EntityKind) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM memberships m
		JOIN entities e ON e.id = m.entity_id
		WHERE m.user_id = $1 AND e.kind = $2 AND m.status = 'approved'`

	var count int
	if err := s.pool.QueryRow(ctx, query, userID, kind).Scan(&count); err != nil {
		return 0, fmt.Errorf("count approved memberships: %w", err)
	}
	return count, nil
}

func (s *MembershipStore) ListTickets(ctx context.Context, userID uuid.UUID) ([]models.Ticket, error) {
	query := `
		SELECT e.id, e.title, e.venue, e.starts_at, m.joined_at
		FROM memberships m
		JOIN entities e ON e.id = m.entity_id
		WHERE m.user_id = $1 AND e.kind = 'event' AND m.status = 'approved'
		ORDER BY e.starts_at NULLS LAST, m.joined_at`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	tickets := make([]models.Ticket, 0)
	for rows.Next() {
		var t models.Ticket
		if err := rows.Scan(&t.EventID, &t.Title, &t.Venue, &t.StartsAt, &t.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tickets: %w", err)
	}

	return tickets, nil
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/repository"
)

const uniqueViolation = "23505"

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// Create inserts a new user row. Postgres generates the UUID, timestamp and
// default settings.
func (s *UserStore) Create(ctx context.Context, email, displayName, passwordHash string) (*models.User, error) {
	query := `
		INSERT INTO users (email, display_name, password_hash, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id, email, display_name, password_hash, created_at`

	var u models.User
	err := s.pool.QueryRow(ctx, query, email, displayName, passwordHash).Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&u.PasswordHash,
		&u.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, repository.ErrEmailTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

func (s *UserStore) GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE id = $1`

	var u models.User
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&u.PasswordHash,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetByEmail is the login lookup.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, email, display_name, password_hash, created_at
		FROM users
		WHERE email = $1`

	var u models.User
	err := s.pool.QueryRow(ctx, query, email).Scan(
		&u.ID,
		&u.Email,
		&u.DisplayName,
		&u.PasswordHash,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

const profileColumns = `id, display_name, email, avatar_url, bio, settings, created_at`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var p models.Profile
	var rawSettings []byte
	if err := row.Scan(&p.UserID, &p.DisplayName, &p.Email, &p.AvatarURL, &p.Bio, &rawSettings, &p.CreatedAt); err != nil {
		return nil, err
	}
	if len(rawSettings) > 0 {
		if err := json.Unmarshal(rawSettings, &p.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	return &p, nil
}

func (s *UserStore) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpdateProfile merges the update into the stored profile. Settings are read,
// patched and written back under a row lock so concurrent toggles of
// different keys do not overwrite each other.
func (s *UserStore) UpdateProfile(ctx context.Context, userID uuid.UUID, update models.ProfileUpdate) (*models.Profile, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update profile: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanProfile(tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock profile: %w", err)
	}

	if update.DisplayName != nil {
		current.DisplayName = *update.DisplayName
	}
	if update.Bio != nil {
		current.Bio = *update.Bio
	}
	if update.Settings != nil {
		current.Settings = update.Settings.Apply(current.Settings)
	}

	rawSettings, err := json.Marshal(current.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}

	updated, err := scanProfile(tx.QueryRow(ctx, `
		UPDATE users SET display_name = $2, bio = $3, settings = $4
		WHERE id = $1
		RETURNING `+profileColumns,
		userID, current.DisplayName, current.Bio, rawSettings))
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update profile: %w", err)
	}
	return updated, nil
}

func (s *UserStore) SetAvatar(ctx context.Context, userID uuid.UUID, url string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET avatar_url = $2 WHERE id = $1`, userID, url)
	if err != nil {
		return fmt.Errorf("set avatar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set avatar: user %s not found", userID)
	}
	return nil
}

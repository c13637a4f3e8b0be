package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lalith-99/partyhub/internal/models"
)

// ErrEmailTaken is returned by UserRepository.Create when the email is
// already registered.
var ErrEmailTaken = errors.New("email already registered")

// Every method takes ctx first and returns explicit errors. Lookups of a
// single row return nil, nil when the row does not exist.

// EntityFilter narrows a listing. Zero values mean "no filter".
type EntityFilter struct {
	Category string
	AgeGroup string
	Query    string
	Limit    int
}

// EntityRepository stores events and communities.
type EntityRepository interface {
	// Create inserts the entity and, when it has an owner, the owner's
	// approved membership. MemberCount starts at 1 in that case.
	Create(ctx context.Context, e *models.Entity) (*models.Entity, error)

	// GetByID returns nil, nil if not found.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Entity, error)

	// List returns entities of one kind, newest first. Empty slice, never nil.
	List(ctx context.Context, kind models.EntityKind, filter EntityFilter) ([]models.Entity, error)

	// Update applies the non-nil fields of update and returns the entity,
	// or nil if it does not exist. When a private entity turns public its
	// pending requests are approved in the same transaction; approved is how
	// many were.
	Update(ctx context.Context, id uuid.UUID, update models.EntityUpdate) (e *models.Entity, approved int, err error)

	// RecountMembers rewrites member_count from the approved memberships and
	// returns the new value.
	RecountMembers(ctx context.Context, id uuid.UUID) (int, error)
}

// MembershipRepository owns the memberships table and, through it, the
// denormalized member_count on entities.
type MembershipRepository interface {
	// Insert adds a membership. Returns false if a row for the pair already
	// exists (nothing is written). An approved insert bumps member_count.
	Insert(ctx context.Context, entityID, userID uuid.UUID, status models.MembershipStatus, role models.Role) (bool, error)

	// UpdateStatus moves a membership from one status to another. Returns
	// false if no row with status `from` exists for the pair.
	UpdateStatus(ctx context.Context, entityID, userID uuid.UUID, from, to models.MembershipStatus) (bool, error)

	// Delete removes the pair's membership. When expect is non-empty only a
	// row with that status is removed. Returns false if nothing was removed.
	Delete(ctx context.Context, entityID, userID uuid.UUID, expect models.MembershipStatus) (bool, error)

	// Get returns nil, nil if the user has no membership on the entity.
	Get(ctx context.Context, entityID, userID uuid.UUID) (*models.Membership, error)

	// ListByUser returns every membership the user holds.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Membership, error)

	// ListPendingForOwner returns pending requests on entities owned by ownerID.
	ListPendingForOwner(ctx context.Context, ownerID uuid.UUID) ([]models.JoinRequest, error)

	// CountApproved counts the user's approved memberships of one kind.
	CountApproved(ctx context.Context, userID uuid.UUID, kind models.EntityKind) (int, error)

	// ListTickets returns the user's approved event participations.
	ListTickets(ctx context.Context, userID uuid.UUID) ([]models.Ticket, error)
}

// MessageRepository handles community chat persistence.
type MessageRepository interface {
	// Create persists a message and returns it with ID and CreatedAt populated.
	Create(ctx context.Context, communityID, authorID uuid.UUID, content *string, eventID *uuid.UUID) (*models.Message, error)

	// ListByCommunity returns up to limit messages older than before (0 means
	// latest), oldest first.
	ListByCommunity(ctx context.Context, communityID uuid.UUID, before int64, limit int) ([]models.Message, error)
}

// UserRepository handles accounts and profiles.
type UserRepository interface {
	Create(ctx context.Context, email, displayName, passwordHash string) (*models.User, error)
	GetByID(ctx context.Context, userID uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, update models.ProfileUpdate) (*models.Profile, error)
	SetAvatar(ctx context.Context, userID uuid.UUID, url string) error
}

// Package gateway is the participation core's only view of the remote data
// store: relational reads and writes, change subscriptions, file uploads and
// the current session.
package gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lalith-99/partyhub/internal/auth"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/realtime"
	"github.com/lalith-99/partyhub/internal/repository"
)

var (
	// ErrMembershipExists is returned by InsertMembership when the pair
	// already has a membership. Nothing was written.
	ErrMembershipExists = errors.New("membership already exists")

	// ErrMembershipMissing is returned when an update or delete found no
	// membership in the expected status.
	ErrMembershipMissing = errors.New("membership not found")

	// ErrNotMember is returned when a non-member posts to a community or
	// reads a private community's chat.
	ErrNotMember = errors.New("not an approved member")

	// ErrSignInRequired is returned when an anonymous caller reads a private
	// community's chat.
	ErrSignInRequired = errors.New("sign in required")

	// ErrNotOwner is returned when someone other than the owner edits an
	// entity.
	ErrNotOwner = errors.New("only the owner can edit this")

	ErrEntityNotFound  = errors.New("entity not found")
	ErrInvalidMessage  = errors.New("message needs content or a shared event")
	ErrUploadsDisabled = errors.New("object storage is not configured")
)

// Gateway is implemented by Backend. Every method is safe for concurrent use.
type Gateway interface {
	FetchEntities(ctx context.Context, kind models.EntityKind, filter repository.EntityFilter) ([]models.Entity, error)
	FetchEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	CreateEntity(ctx context.Context, e *models.Entity) (*models.Entity, error)
	// UpdateEntity applies the session owner's edit. A private entity that
	// turns public approves its pending requests.
	UpdateEntity(ctx context.Context, id uuid.UUID, update models.EntityUpdate) (*models.Entity, error)

	FetchMemberships(ctx context.Context, userID uuid.UUID) ([]models.Membership, error)
	FetchPendingRequests(ctx context.Context, ownerID uuid.UUID) ([]models.JoinRequest, error)
	InsertMembership(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, status models.MembershipStatus) error
	UpdateMembershipStatus(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, status models.MembershipStatus) error
	// DeleteMembership removes the pair's membership. A non-empty expect
	// only removes a membership currently in that status.
	DeleteMembership(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, expect models.MembershipStatus) error

	// FetchMessages returns the community's messages ordered by
	// (CreatedAt, ID) ascending. A private community's chat is only
	// readable by its owner and approved members.
	FetchMessages(ctx context.Context, communityID uuid.UUID) ([]models.Message, error)
	InsertMessage(ctx context.Context, communityID, userID uuid.UUID, content *string, eventID *uuid.UUID) (*models.Message, error)

	Subscribe(ctx context.Context, collection, filter string, fn realtime.Handler) (realtime.Subscription, error)
	UploadFile(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)

	// CurrentUser returns nil, nil for anonymous callers.
	CurrentUser(ctx context.Context) (*auth.Session, error)
}

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/auth"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/realtime"
	"github.com/lalith-99/partyhub/internal/repository"
)

const (
	publishTimeout   = 2 * time.Second
	messagePageLimit = 100
)

// Uploader stores a file and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error)
}

// Backend implements Gateway on top of the Postgres repositories, a change
// feed and an object store. Every successful write publishes a change so
// other views refetch.
type Backend struct {
	entities    repository.EntityRepository
	memberships repository.MembershipRepository
	messages    repository.MessageRepository
	feed        realtime.Feed
	objects     Uploader
	logger      *zap.Logger
	now         func() time.Time
}

// NewBackend wires the gateway. objects may be nil, in which case uploads
// fail with ErrUploadsDisabled.
func NewBackend(
	entities repository.EntityRepository,
	memberships repository.MembershipRepository,
	messages repository.MessageRepository,
	feed realtime.Feed,
	objects Uploader,
	logger *zap.Logger,
) *Backend {
	return &Backend{
		entities:    entities,
		memberships: memberships,
		messages:    messages,
		feed:        feed,
		objects:     objects,
		logger:      logger,
		now:         time.Now,
	}
}

var _ Gateway = (*Backend)(nil)

func (b *Backend) FetchEntities(ctx context.Context, kind models.EntityKind, filter repository.EntityFilter) ([]models.Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("fetch entities: unknown kind %q", kind)
	}
	return b.entities.List(ctx, kind, filter)
}

func (b *Backend) FetchEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	e, err := b.entities.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrEntityNotFound
	}
	return e, nil
}

func (b *Backend) CreateEntity(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	created, err := b.entities.Create(ctx, e)
	if err != nil {
		return nil, err
	}

	actor := uuid.Nil
	if created.OwnerID != nil {
		actor = *created.OwnerID
	}
	b.publish(ctx, realtime.Change{
		Collection: realtime.CollectionEntities,
		Op:         realtime.OpInsert,
		Scope:      string(created.Kind),
		Actor:      actor,
	})
	return created, nil
}

func (b *Backend) UpdateEntity(ctx context.Context, id uuid.UUID, update models.EntityUpdate) (*models.Entity, error) {
	session, err := b.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSignInRequired
	}

	current, err := b.entities.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrEntityNotFound
	}
	if !current.IsOwnedBy(session.UserID) {
		return nil, ErrNotOwner
	}

	updated, approved, err := b.entities.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrEntityNotFound
	}

	b.publish(ctx, realtime.Change{
		Collection: realtime.CollectionEntities,
		Op:         realtime.OpUpdate,
		Scope:      string(updated.Kind),
		Actor:      session.UserID,
	})
	if approved > 0 {
		// Former requesters are members now.
		b.publishMembership(ctx, updated.Kind, id, session.UserID, realtime.OpUpdate)
	}
	return updated, nil
}

func (b *Backend) FetchMemberships(ctx context.Context, userID uuid.UUID) ([]models.Membership, error) {
	return b.memberships.ListByUser(ctx, userID)
}

func (b *Backend) FetchPendingRequests(ctx context.Context, ownerID uuid.UUID) ([]models.JoinRequest, error) {
	return b.memberships.ListPendingForOwner(ctx, ownerID)
}

func (b *Backend) InsertMembership(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, status models.MembershipStatus) error {
	inserted, err := b.memberships.Insert(ctx, entityID, userID, status, models.RoleMember)
	if err != nil {
		return err
	}
	if !inserted {
		return ErrMembershipExists
	}
	b.publishMembership(ctx, kind, entityID, userID, realtime.OpInsert)
	return nil
}

func (b *Backend) UpdateMembershipStatus(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, status models.MembershipStatus) error {
	from := models.StatusPending
	if status == models.StatusPending {
		from = models.StatusApproved
	}

	updated, err := b.memberships.UpdateStatus(ctx, entityID, userID, from, status)
	if err != nil {
		return err
	}
	if !updated {
		return ErrMembershipMissing
	}
	b.publishMembership(ctx, kind, entityID, userID, realtime.OpUpdate)
	return nil
}

func (b *Backend) DeleteMembership(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, expect models.MembershipStatus) error {
	deleted, err := b.memberships.Delete(ctx, entityID, userID, expect)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrMembershipMissing
	}
	b.publishMembership(ctx, kind, entityID, userID, realtime.OpDelete)
	return nil
}

func (b *Backend) FetchMessages(ctx context.Context, communityID uuid.UUID) ([]models.Message, error) {
	if err := b.checkChatAccess(ctx, communityID); err != nil {
		return nil, err
	}
	return b.messages.ListByCommunity(ctx, communityID, 0, messagePageLimit)
}

// checkChatAccess lets anyone read a public community's chat. A private one
// needs the session's user to own it or hold an approved membership.
func (b *Backend) checkChatAccess(ctx context.Context, communityID uuid.UUID) error {
	community, err := b.entities.GetByID(ctx, communityID)
	if err != nil {
		return err
	}
	if community == nil || community.Kind != models.KindCommunity {
		return ErrEntityNotFound
	}
	if !community.IsPrivate {
		return nil
	}

	session, err := b.CurrentUser(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrSignInRequired
	}
	if community.IsOwnedBy(session.UserID) {
		return nil
	}

	m, err := b.memberships.Get(ctx, communityID, session.UserID)
	if err != nil {
		return err
	}
	if m == nil || m.Status != models.StatusApproved {
		return ErrNotMember
	}
	return nil
}

// InsertMessage only accepts posts from approved members of the community.
// A shared event must exist and be an event.
func (b *Backend) InsertMessage(ctx context.Context, communityID, userID uuid.UUID, content *string, eventID *uuid.UUID) (*models.Message, error) {
	draft := models.Message{CommunityID: communityID, AuthorID: userID, Content: content, EventID: eventID}
	if !draft.Valid() {
		return nil, ErrInvalidMessage
	}

	community, err := b.entities.GetByID(ctx, communityID)
	if err != nil {
		return nil, err
	}
	if community == nil || community.Kind != models.KindCommunity {
		return nil, ErrEntityNotFound
	}

	m, err := b.memberships.Get(ctx, communityID, userID)
	if err != nil {
		return nil, err
	}
	if m == nil || m.Status != models.StatusApproved {
		return nil, ErrNotMember
	}

	if eventID != nil {
		event, err := b.entities.GetByID(ctx, *eventID)
		if err != nil {
			return nil, err
		}
		if event == nil || event.Kind != models.KindEvent {
			return nil, ErrEntityNotFound
		}
	}

	msg, err := b.messages.Create(ctx, communityID, userID, content, eventID)
	if err != nil {
		return nil, err
	}

	b.publish(ctx, realtime.Change{
		Collection: realtime.CollectionMessages,
		Op:         realtime.OpInsert,
		Scope:      communityID.String(),
		Actor:      userID,
	})
	return msg, nil
}

func (b *Backend) Subscribe(ctx context.Context, collection, filter string, fn realtime.Handler) (realtime.Subscription, error) {
	return b.feed.Subscribe(ctx, collection, filter, fn)
}

func (b *Backend) UploadFile(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	if b.objects == nil {
		return "", ErrUploadsDisabled
	}
	return b.objects.Upload(ctx, bucket, path, data, contentType)
}

// CurrentUser reads the session the auth middleware put on ctx. A session
// past its token expiry counts as anonymous.
func (b *Backend) CurrentUser(ctx context.Context) (*auth.Session, error) {
	s := auth.SessionFromContext(ctx)
	if s == nil {
		return nil, nil
	}
	if !s.ExpiresAt.IsZero() && b.now().After(s.ExpiresAt) {
		return nil, nil
	}
	return s, nil
}

func (b *Backend) publishMembership(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, op string) {
	b.publish(ctx, realtime.Change{
		Collection: realtime.MembershipCollection(string(kind)),
		Op:         op,
		Scope:      entityID.String(),
		Actor:      userID,
	})
}

// publish runs after the write has committed. A failed notification is
// logged and never turns a committed write into an error. It uses its own
// deadline so a caller that has gone away still notifies other views.
func (b *Backend) publish(ctx context.Context, change realtime.Change) {
	if b.feed == nil {
		return
	}
	change.At = b.now().UTC()

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := b.feed.Publish(pubCtx, change); err != nil {
		b.logger.Warn("publish change failed",
			zap.String("collection", change.Collection),
			zap.String("scope", change.Scope),
			zap.Error(err),
		)
	}
}

package participation

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/partyhub/internal/auth"
	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/realtime"
	"github.com/lalith-99/partyhub/internal/repository"
)

type pair struct {
	entity uuid.UUID
	user   uuid.UUID
}

// fakeGateway is an in-memory remote store. Writes publish to an in-memory
// broker like the real backend does.
type fakeGateway struct {
	mu          sync.Mutex
	order       []uuid.UUID
	entities    map[uuid.UUID]*models.Entity
	memberships map[pair]models.Membership
	names       map[uuid.UUID]string
	messages    []models.Message
	nextMsgID   int64

	broker *realtime.MemoryBroker

	failWrites   error
	gate         chan struct{}
	started      chan struct{}
	subscribeErr map[string]error

	insertCalls int
	fetchCalls  int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		entities:     make(map[uuid.UUID]*models.Entity),
		memberships:  make(map[pair]models.Membership),
		names:        make(map[uuid.UUID]string),
		broker:       realtime.NewMemoryBroker(),
		subscribeErr: make(map[string]error),
	}
}

var _ gateway.Gateway = (*fakeGateway)(nil)

func (f *fakeGateway) addEntity(kind models.EntityKind, owner uuid.UUID, private bool, members int) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New()
	e := &models.Entity{
		ID:          id,
		Kind:        kind,
		Title:       "entity " + id.String()[:8],
		IsPrivate:   private,
		MemberCount: members,
		CreatedAt:   time.Now(),
	}
	if owner != uuid.Nil {
		e.OwnerID = &owner
	}
	f.entities[id] = e
	f.order = append(f.order, id)
	return id
}

func (f *fakeGateway) removeEntity(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, id)
	f.order = slices.DeleteFunc(f.order, func(o uuid.UUID) bool { return o == id })
}

func (f *fakeGateway) setMembership(entityID, userID uuid.UUID, status models.MembershipStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[pair{entityID, userID}] = models.Membership{
		EntityID:   entityID,
		EntityKind: f.entities[entityID].Kind,
		UserID:     userID,
		Status:     status,
		Role:       models.RoleMember,
	}
}

func (f *fakeGateway) membership(entityID, userID uuid.UUID) (models.Membership, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memberships[pair{entityID, userID}]
	return m, ok
}

func (f *fakeGateway) memberCount(entityID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities[entityID].MemberCount
}

func (f *fakeGateway) countRecords(entityID, userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.memberships {
		if k.entity == entityID && k.user == userID {
			n++
		}
	}
	return n
}

// await blocks a write while a gate is installed.
func (f *fakeGateway) await(ctx context.Context) error {
	f.mu.Lock()
	gate, started, fail := f.gate, f.started, f.failWrites
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fail
}

func (f *fakeGateway) publish(collection, scope string, actor uuid.UUID) {
	_ = f.broker.Publish(context.Background(), realtime.Change{
		Collection: collection,
		Op:         realtime.OpUpdate,
		Scope:      scope,
		Actor:      actor,
		At:         time.Now(),
	})
}

func (f *fakeGateway) FetchEntities(ctx context.Context, kind models.EntityKind, filter repository.EntityFilter) ([]models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	out := make([]models.Entity, 0)
	for _, id := range f.order {
		if e := f.entities[id]; e.Kind == kind {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeGateway) FetchEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, gateway.ErrEntityNotFound
	}
	out := *e
	return &out, nil
}

func (f *fakeGateway) CreateEntity(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	owner := uuid.Nil
	if e.OwnerID != nil {
		owner = *e.OwnerID
	}
	id := f.addEntity(e.Kind, owner, e.IsPrivate, 0)
	return f.FetchEntity(ctx, id)
}

func (f *fakeGateway) UpdateEntity(ctx context.Context, id uuid.UUID, update models.EntityUpdate) (*models.Entity, error) {
	f.mu.Lock()
	e, ok := f.entities[id]
	if !ok {
		f.mu.Unlock()
		return nil, gateway.ErrEntityNotFound
	}
	if update.Title != nil {
		e.Title = *update.Title
	}
	if update.IsPrivate != nil {
		e.IsPrivate = *update.IsPrivate
	}
	out := *e
	f.mu.Unlock()

	f.publish(realtime.CollectionEntities, string(out.Kind), uuid.Nil)
	return &out, nil
}

func (f *fakeGateway) FetchMemberships(ctx context.Context, userID uuid.UUID) ([]models.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Membership, 0)
	for k, m := range f.memberships {
		if k.user == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeGateway) FetchPendingRequests(ctx context.Context, ownerID uuid.UUID) ([]models.JoinRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.JoinRequest, 0)
	for k, m := range f.memberships {
		e := f.entities[k.entity]
		if m.Status != models.StatusPending || !e.IsOwnedBy(ownerID) {
			continue
		}
		out = append(out, models.JoinRequest{
			EntityID:    k.entity,
			UserID:      k.user,
			DisplayName: f.names[k.user],
			RequestedAt: m.JoinedAt,
		})
	}
	return out, nil
}

func (f *fakeGateway) InsertMembership(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, status models.MembershipStatus) error {
	f.mu.Lock()
	f.insertCalls++
	f.mu.Unlock()

	if err := f.await(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	key := pair{entityID, userID}
	if _, ok := f.memberships[key]; ok {
		f.mu.Unlock()
		return gateway.ErrMembershipExists
	}
	f.memberships[key] = models.Membership{EntityID: entityID, EntityKind: kind, UserID: userID,
		Status: status, Role: models.RoleMember, JoinedAt: time.Now()}
	if status == models.StatusApproved {
		f.entities[entityID].MemberCount++
	}
	f.mu.Unlock()

	f.publish(realtime.MembershipCollection(string(kind)), entityID.String(), userID)
	return nil
}

func (f *fakeGateway) UpdateMembershipStatus(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, status models.MembershipStatus) error {
	if err := f.await(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	key := pair{entityID, userID}
	m, ok := f.memberships[key]
	if !ok || m.Status != models.StatusPending {
		f.mu.Unlock()
		return gateway.ErrMembershipMissing
	}
	m.Status = status
	f.memberships[key] = m
	if status == models.StatusApproved {
		f.entities[entityID].MemberCount++
	}
	f.mu.Unlock()

	f.publish(realtime.MembershipCollection(string(kind)), entityID.String(), userID)
	return nil
}

func (f *fakeGateway) DeleteMembership(ctx context.Context, kind models.EntityKind, entityID, userID uuid.UUID, expect models.MembershipStatus) error {
	if err := f.await(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	key := pair{entityID, userID}
	m, ok := f.memberships[key]
	if !ok || (expect != "" && m.Status != expect) {
		f.mu.Unlock()
		return gateway.ErrMembershipMissing
	}
	delete(f.memberships, key)
	if m.Status == models.StatusApproved {
		f.entities[entityID].MemberCount--
	}
	f.mu.Unlock()

	f.publish(realtime.MembershipCollection(string(kind)), entityID.String(), userID)
	return nil
}

func (f *fakeGateway) FetchMessages(ctx context.Context, communityID uuid.UUID) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Message, 0)
	for _, m := range f.messages {
		if m.CommunityID == communityID {
			out = append(out, m)
		}
	}
	return out, nil
}

// addMessage stores a message with an explicit timestamp, as if another
// user had sent it.
func (f *fakeGateway) addMessage(communityID uuid.UUID, text string, at time.Time) models.Message {
	f.mu.Lock()
	f.nextMsgID++
	msg := models.Message{ID: f.nextMsgID, CommunityID: communityID, AuthorID: uuid.New(), Content: &text, CreatedAt: at}
	f.messages = append(f.messages, msg)
	f.mu.Unlock()

	f.publish(realtime.CollectionMessages, communityID.String(), msg.AuthorID)
	return msg
}

func (f *fakeGateway) InsertMessage(ctx context.Context, communityID, userID uuid.UUID, content *string, eventID *uuid.UUID) (*models.Message, error) {
	if err := f.await(ctx); err != nil {
		return nil, err
	}

	f.mu.Lock()
	m, ok := f.memberships[pair{communityID, userID}]
	if !ok || m.Status != models.StatusApproved {
		f.mu.Unlock()
		return nil, gateway.ErrNotMember
	}
	f.nextMsgID++
	msg := models.Message{ID: f.nextMsgID, CommunityID: communityID, AuthorID: userID,
		Content: content, EventID: eventID, CreatedAt: time.Now()}
	f.messages = append(f.messages, msg)
	f.mu.Unlock()

	f.publish(realtime.CollectionMessages, communityID.String(), userID)
	return &msg, nil
}

func (f *fakeGateway) Subscribe(ctx context.Context, collection, filter string, fn realtime.Handler) (realtime.Subscription, error) {
	f.mu.Lock()
	err := f.subscribeErr[collection]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.broker.Subscribe(ctx, collection, filter, fn)
}

func (f *fakeGateway) UploadFile(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	return "http://objects.local/" + bucket + "/" + path, nil
}

func (f *fakeGateway) CurrentUser(ctx context.Context) (*auth.Session, error) {
	return auth.SessionFromContext(ctx), nil
}

func sessionCtx(userID uuid.UUID) context.Context {
	return auth.WithSession(context.Background(), &auth.Session{UserID: userID, DisplayName: "tester"})
}

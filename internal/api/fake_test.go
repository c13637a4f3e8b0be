package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/auth"
	"github.com/lalith-99/partyhub/internal/gamification"
	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/participation"
	"github.com/lalith-99/partyhub/internal/realtime"
	"github.com/lalith-99/partyhub/internal/repository"
)

const testSecret = "api-test-secret"

type pair struct {
	entity uuid.UUID
	user   uuid.UUID
}

// memStore backs entities, memberships and messages in memory with the same
// counter rules as the Postgres stores.
type memStore struct {
	mu          sync.Mutex
	order       []uuid.UUID
	entities    map[uuid.UUID]*models.Entity
	memberships map[pair]models.Membership
	messages    []models.Message
	nextMsgID   int64
	users       *memUsers
}

func newMemStore(users *memUsers) *memStore {
	return &memStore{
		entities:    make(map[uuid.UUID]*models.Entity),
		memberships: make(map[pair]models.Membership),
		users:       users,
	}
}

func (s *memStore) Create(ctx context.Context, e *models.Entity) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := *e
	out.ID = uuid.New()
	out.CreatedAt = time.Now()
	out.MemberCount = 0
	if out.OwnerID != nil {
		s.memberships[pair{out.ID, *out.OwnerID}] = models.Membership{
			EntityID: out.ID, EntityKind: out.Kind, UserID: *out.OwnerID,
			Status: models.StatusApproved, Role: models.RoleOwner, JoinedAt: out.CreatedAt,
		}
		out.MemberCount = 1
	}
	s.entities[out.ID] = &out
	s.order = append(s.order, out.ID)
	res := out
	return &res, nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	out := *e
	return &out, nil
}

func (s *memStore) List(ctx context.Context, kind models.EntityKind, filter repository.EntityFilter) ([]models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Entity, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.entities[s.order[i]]
		if e.Kind != kind || (filter.Category != "" && e.Category != filter.Category) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (s *memStore) Update(ctx context.Context, id uuid.UUID, update models.EntityUpdate) (*models.Entity, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, 0, nil
	}
	wasPrivate := e.IsPrivate
	if update.Title != nil {
		e.Title = *update.Title
	}
	if update.Description != nil {
		e.Description = *update.Description
	}
	if update.IsPrivate != nil {
		e.IsPrivate = *update.IsPrivate
	}
	if update.ImageURL != nil {
		e.ImageURL = *update.ImageURL
	}
	approved := 0
	if wasPrivate && !e.IsPrivate {
		for k, m := range s.memberships {
			if k.entity == id && m.Status == models.StatusPending {
				m.Status = models.StatusApproved
				s.memberships[k] = m
				approved++
			}
		}
		e.MemberCount += approved
	}
	out := *e
	return &out, approved, nil
}

func (s *memStore) RecountMembers(ctx context.Context, id uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.memberships {
		if k.entity == id && m.Status == models.StatusApproved {
			n++
		}
	}
	s.entities[id].MemberCount = n
	return n, nil
}

func (s *memStore) Insert(ctx context.Context, entityID, userID uuid.UUID, status models.MembershipStatus, role models.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{entityID, userID}
	if _, ok := s.memberships[key]; ok {
		return false, nil
	}
	s.memberships[key] = models.Membership{
		EntityID: entityID, EntityKind: s.entities[entityID].Kind, UserID: userID,
		Status: status, Role: role, JoinedAt: time.Now(),
	}
	if status == models.StatusApproved {
		s.entities[entityID].MemberCount++
	}
	return true, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, entityID, userID uuid.UUID, from, to models.MembershipStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{entityID, userID}
	m, ok := s.memberships[key]
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	s.memberships[key] = m
	if to == models.StatusApproved {
		s.entities[entityID].MemberCount++
	}
	return true, nil
}

func (s *memStore) Delete(ctx context.Context, entityID, userID uuid.UUID, expect models.MembershipStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{entityID, userID}
	m, ok := s.memberships[key]
	if !ok || (expect != "" && m.Status != expect) {
		return false, nil
	}
	delete(s.memberships, key)
	if m.Status == models.StatusApproved {
		s.entities[entityID].MemberCount--
	}
	return true, nil
}

func (s *memStore) Get(ctx context.Context, entityID, userID uuid.UUID) (*models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[pair{entityID, userID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *memStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Membership, 0)
	for k, m := range s.memberships {
		if k.user == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) ListPendingForOwner(ctx context.Context, ownerID uuid.UUID) ([]models.JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JoinRequest, 0)
	for k, m := range s.memberships {
		if m.Status != models.StatusPending || !s.entities[k.entity].IsOwnedBy(ownerID) {
			continue
		}
		out = append(out, models.JoinRequest{
			EntityID: k.entity, UserID: k.user,
			DisplayName: s.users.displayName(k.user), RequestedAt: m.JoinedAt,
		})
	}
	return out, nil
}

func (s *memStore) CountApproved(ctx context.Context, userID uuid.UUID, kind models.EntityKind) (int, error) {
	tickets, _ := s.ListTickets(ctx, userID)
	if kind != models.KindEvent {
		return 0, nil
	}
	return len(tickets), nil
}

func (s *memStore) ListTickets(ctx context.Context, userID uuid.UUID) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Ticket, 0)
	for k, m := range s.memberships {
		e := s.entities[k.entity]
		if k.user != userID || m.Status != models.StatusApproved || e.Kind != models.KindEvent {
			continue
		}
		out = append(out, models.Ticket{EventID: e.ID, Title: e.Title, Venue: e.Venue, StartsAt: e.StartsAt, JoinedAt: m.JoinedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// memMessages shares memStore's lock and data.
type memMessages struct{ s *memStore }

func (m memMessages) Create(ctx context.Context, communityID, authorID uuid.UUID, content *string, eventID *uuid.UUID) (*models.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.nextMsgID++
	msg := models.Message{ID: m.s.nextMsgID, CommunityID: communityID, AuthorID: authorID,
		Content: content, EventID: eventID, CreatedAt: time.Now()}
	m.s.messages = append(m.s.messages, msg)
	return &msg, nil
}

func (m memMessages) ListByCommunity(ctx context.Context, communityID uuid.UUID, before int64, limit int) ([]models.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]models.Message, 0)
	for _, msg := range m.s.messages {
		if msg.CommunityID == communityID {
			out = append(out, msg)
		}
	}
	return out, nil
}

type memUsers struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*models.User
	profiles map[uuid.UUID]*models.Profile
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[uuid.UUID]*models.User), profiles: make(map[uuid.UUID]*models.Profile)}
}

func (u *memUsers) displayName(id uuid.UUID) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if p, ok := u.profiles[id]; ok {
		return p.DisplayName
	}
	return ""
}

func (u *memUsers) Create(ctx context.Context, email, displayName, passwordHash string) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, existing := range u.users {
		if existing.Email == email {
			return nil, repository.ErrEmailTaken
		}
	}
	user := &models.User{ID: uuid.New(), Email: email, DisplayName: displayName, PasswordHash: passwordHash, CreatedAt: time.Now()}
	u.users[user.ID] = user
	u.profiles[user.ID] = &models.Profile{
		UserID: user.ID, DisplayName: displayName, Email: email,
		Settings: models.Settings{Notifications: true}, CreatedAt: user.CreatedAt,
	}
	out := *user
	return &out, nil
}

func (u *memUsers) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if user, ok := u.users[id]; ok {
		out := *user
		return &out, nil
	}
	return nil, nil
}

func (u *memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, user := range u.users {
		if user.Email == email {
			out := *user
			return &out, nil
		}
	}
	return nil, nil
}

func (u *memUsers) GetProfile(ctx context.Context, id uuid.UUID) (*models.Profile, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if p, ok := u.profiles[id]; ok {
		out := *p
		return &out, nil
	}
	return nil, nil
}

func (u *memUsers) UpdateProfile(ctx context.Context, id uuid.UUID, update models.ProfileUpdate) (*models.Profile, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, ok := u.profiles[id]
	if !ok {
		return nil, nil
	}
	if update.DisplayName != nil {
		p.DisplayName = *update.DisplayName
	}
	if update.Bio != nil {
		p.Bio = *update.Bio
	}
	if update.Settings != nil {
		p.Settings = update.Settings.Apply(p.Settings)
	}
	out := *p
	return &out, nil
}

func (u *memUsers) SetAvatar(ctx context.Context, id uuid.UUID, url string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, ok := u.profiles[id]
	if !ok {
		return context.Canceled
	}
	p.AvatarURL = &url
	return nil
}

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memUploader) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[bucket+"/"+path] = data
	return "http://objects.test/" + bucket + "/" + path, nil
}

type testServer struct {
	router  *gin.Engine
	store   *memStore
	users   *memUsers
	objects *memUploader
	idle    *auth.IdleTracker
}

func newTestServer(t *testing.T, withUploads bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	users := newMemUsers()
	store := newMemStore(users)
	ts := &testServer{store: store, users: users, idle: auth.NewIdleTracker(time.Hour)}

	var uploader gateway.Uploader
	if withUploads {
		ts.objects = &memUploader{}
		uploader = ts.objects
	}

	gw := gateway.NewBackend(store, store, memMessages{store}, realtime.NewMemoryBroker(), uploader, logger)
	engine := participation.NewEngine(gw, logger, 2*time.Second)

	ts.router = NewRouter(Handlers{
		Auth:     NewAuthHandler(users, testSecret, time.Hour, ts.idle, logger),
		Entities: NewEntityHandler(gw, engine, logger),
		Messages: NewMessageHandler(gw, engine, logger),
		Users:    NewUserHandler(users, store, gw, gamification.Default(), "partyhub", logger),
		Stream:   NewStreamHandler(engine, participation.NewSynchronizer(gw, logger), logger),
	}, testSecret, ts.idle, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// signup registers a user and returns the token and user ID.
func (ts *testServer) signup(t *testing.T, name string) (string, uuid.UUID) {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/auth/signup", "", gin.H{
		"email":        name + "@example.com",
		"password":     "correct-horse",
		"display_name": name,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("signup %s: %d %s", name, w.Code, w.Body.String())
	}
	var res authResponse
	decode(t, w, &res)
	return res.Token, res.User.ID
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (ts *testServer) createEvent(t *testing.T, token string, private bool) participation.EntityView {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/events", token, gin.H{
		"title":      "Rooftop Techno",
		"venue":      "Skybar",
		"starts_at":  time.Now().Add(24 * time.Hour).UTC(),
		"latitude":   41.01,
		"longitude":  28.97,
		"is_private": private,
		"category":   "techno",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create event: %d %s", w.Code, w.Body.String())
	}
	var ev participation.EntityView
	decode(t, w, &ev)
	return ev
}

func (ts *testServer) createCommunity(t *testing.T, token string, private bool) participation.EntityView {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/v1/communities", token, gin.H{
		"title":      "Night Owls",
		"is_private": private,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create community: %d %s", w.Code, w.Body.String())
	}
	var ev participation.EntityView
	decode(t, w, &ev)
	return ev
}

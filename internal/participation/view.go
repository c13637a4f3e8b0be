package participation

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/repository"
)

// State is the viewer's relationship to one entity. Exactly one applies.
type State string

const (
	StateNotJoined State = "not_joined"
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateOwner     State = "owner"
)

// Joined reports whether the state counts as a confirmed participation.
func (s State) Joined() bool {
	return s == StateApproved || s == StateOwner
}

// RequesterSummary is what an owner sees of a pending requester.
type RequesterSummary struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
}

// EntityView is an entity as one viewer sees it. It is produced by Reconcile
// and mutated only by transactions on the View that holds it.
type EntityView struct {
	ID          uuid.UUID         `json:"id"`
	Kind        models.EntityKind `json:"kind"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	OwnerID     *uuid.UUID        `json:"owner_id,omitempty"`
	IsPrivate   bool              `json:"is_private"`
	Category    string            `json:"category,omitempty"`
	Venue       string            `json:"venue,omitempty"`
	AgeGroup    string            `json:"age_group,omitempty"`
	StartsAt    *time.Time        `json:"starts_at,omitempty"`
	Latitude    *float64          `json:"latitude,omitempty"`
	Longitude   *float64          `json:"longitude,omitempty"`
	ImageURL    string            `json:"image_url,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`

	MemberCount int   `json:"member_count"`
	State       State `json:"state"`
	IsJoined    bool  `json:"is_joined"`

	// PendingRequests is set only when the viewer owns a private entity.
	PendingRequests []RequesterSummary `json:"pending_requests,omitempty"`
}

func (e EntityView) clone() EntityView {
	e.PendingRequests = slices.Clone(e.PendingRequests)
	return e
}

func (e *EntityView) setState(s State) {
	e.State = s
	e.IsJoined = s.Joined()
}

// View is the participation state of one list of entities (all events or all
// communities, after filters) for one viewer. It is owned by a single
// consumer: an HTTP request or a websocket connection.
//
// Every entity carries a revision that moves on each change. A transaction
// only rolls back if the entity is still at the revision it produced, so a
// fresh fetch that landed during the write is never overwritten by a stale
// snapshot.
type View struct {
	kind   models.EntityKind
	userID uuid.UUID
	filter repository.EntityFilter

	mu       sync.Mutex
	entities []EntityView
	index    map[uuid.UUID]int
	revision map[uuid.UUID]uint64
	closed   bool
	onChange func()
}

// NewView creates an empty view. userID is uuid.Nil for anonymous viewers.
func NewView(kind models.EntityKind, userID uuid.UUID, filter repository.EntityFilter) *View {
	return &View{
		kind:     kind,
		userID:   userID,
		filter:   filter,
		index:    make(map[uuid.UUID]int),
		revision: make(map[uuid.UUID]uint64),
	}
}

func (v *View) Kind() models.EntityKind         { return v.kind }
func (v *View) UserID() uuid.UUID               { return v.userID }
func (v *View) Filter() repository.EntityFilter { return v.filter }

// OnChange registers fn to run after every change to the view. It runs on
// the goroutine that made the change, outside the view's lock.
func (v *View) OnChange(fn func()) {
	v.mu.Lock()
	v.onChange = fn
	v.mu.Unlock()
}

// Snapshot returns a copy of every entity in display order.
func (v *View) Snapshot() []EntityView {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]EntityView, len(v.entities))
	for i, e := range v.entities {
		out[i] = e.clone()
	}
	return out
}

// Entity returns a copy of one entity.
func (v *View) Entity(id uuid.UUID) (EntityView, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	i, ok := v.index[id]
	if !ok {
		return EntityView{}, false
	}
	return v.entities[i].clone(), true
}

// Replace swaps in a freshly reconciled list. It is a no-op on a closed view.
func (v *View) Replace(entities []EntityView) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}

	for id := range v.index {
		v.revision[id]++
	}
	v.entities = make([]EntityView, len(entities))
	v.index = make(map[uuid.UUID]int, len(entities))
	for i, e := range entities {
		v.entities[i] = e.clone()
		v.index[e.ID] = i
		v.revision[e.ID]++
	}
	fn := v.onChange
	v.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Put replaces one entity with a freshly reconciled copy, or appends it if
// the view does not hold it yet. It is a no-op on a closed view.
func (v *View) Put(e EntityView) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}

	if i, ok := v.index[e.ID]; ok {
		v.entities[i] = e.clone()
	} else {
		v.index[e.ID] = len(v.entities)
		v.entities = append(v.entities, e.clone())
	}
	v.revision[e.ID]++
	fn := v.onChange
	v.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Close detaches the view. Pending transactions settle without touching it.
func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	v.onChange = nil
	v.mu.Unlock()
}

func (v *View) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

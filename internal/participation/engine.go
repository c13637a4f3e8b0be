package participation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lalith-99/partyhub/internal/auth"
	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/observ"
)

const DefaultMutationTimeout = 5 * time.Second

// Operation names, used in metrics, logs and RemoteError.Op.
const (
	OpJoin    = "join"
	OpLeave   = "leave"
	OpCancel  = "cancel request"
	OpApprove = "approve request"
	OpReject  = "reject request"
	OpSend    = "send message"
)

// Engine runs membership transitions optimistically: the view changes at
// once, the remote write follows, and a failed write puts the view back.
//
// Transitions for the same (entity, user) pair run one at a time across all
// views. An identical transition requested on the same view while one is in
// flight does not run twice; the duplicate gets the first one's result.
type Engine struct {
	gw      gateway.Gateway
	logger  *zap.Logger
	timeout time.Duration

	locks keyedMutex
	group singleflight.Group
}

func NewEngine(gw gateway.Gateway, logger *zap.Logger, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultMutationTimeout
	}
	return &Engine{
		gw:      gw,
		logger:  logger,
		timeout: timeout,
	}
}

// Refresh refetches and reconciles v.
func (e *Engine) Refresh(ctx context.Context, v *View) error {
	return Refresh(ctx, e.gw, v)
}

// LoadChat refetches chat's messages.
func (e *Engine) LoadChat(ctx context.Context, chat *Chat) error {
	return LoadChat(ctx, e.gw, chat)
}

// Join joins a public entity or requests to join a private one. Joining an
// entity the viewer already belongs to, or already asked to join, changes
// nothing and succeeds.
func (e *Engine) Join(ctx context.Context, v *View, entityID uuid.UUID) (EntityView, error) {
	return e.run(ctx, v, OpJoin, entityID, uuid.Nil)
}

// Request is Join for a private entity: the result is always pending until
// the owner decides.
func (e *Engine) Request(ctx context.Context, v *View, entityID uuid.UUID) (EntityView, error) {
	return e.Join(ctx, v, entityID)
}

// Leave drops an approved membership.
func (e *Engine) Leave(ctx context.Context, v *View, entityID uuid.UUID) (EntityView, error) {
	return e.run(ctx, v, OpLeave, entityID, uuid.Nil)
}

// Cancel withdraws a pending request.
func (e *Engine) Cancel(ctx context.Context, v *View, entityID uuid.UUID) (EntityView, error) {
	return e.run(ctx, v, OpCancel, entityID, uuid.Nil)
}

// Approve lets a pending requester in. Only the owner may approve.
func (e *Engine) Approve(ctx context.Context, v *View, entityID, requesterID uuid.UUID) (EntityView, error) {
	return e.run(ctx, v, OpApprove, entityID, requesterID)
}

// Reject turns a pending requester away. Only the owner may reject.
func (e *Engine) Reject(ctx context.Context, v *View, entityID, requesterID uuid.UUID) (EntityView, error) {
	return e.run(ctx, v, OpReject, entityID, requesterID)
}

func (e *Engine) run(ctx context.Context, v *View, op string, entityID, target uuid.UUID) (EntityView, error) {
	session, err := e.gw.CurrentUser(ctx)
	if err != nil {
		return EntityView{}, fmt.Errorf("resolve session: %w", err)
	}
	if session == nil {
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeRejected).Inc()
		return EntityView{}, ErrUnauthenticated
	}
	if session.UserID != v.UserID() {
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeRejected).Inc()
		return EntityView{}, ErrForbidden
	}

	key := fmt.Sprintf("%p:%s:%s:%s", v, op, entityID, target)
	res, err, _ := e.group.Do(key, func() (any, error) {
		return e.transition(ctx, session, v, op, entityID, target)
	})
	ev, _ := res.(EntityView)
	return ev, err
}

// plan is the optimistic change and remote write for one transition.
type plan struct {
	mutate func(*EntityView) error
	write  func(ctx context.Context) error
	// refetch after success. Owner decisions change another user's state,
	// so the view reloads instead of trusting the tentative value.
	refetch bool
}

func (e *Engine) transition(ctx context.Context, session *auth.Session, v *View, op string, entityID, target uuid.UUID) (EntityView, error) {
	unlock := e.locks.Lock(lockKey(entityID, session.UserID, target))
	defer unlock()

	if _, ok := v.Entity(entityID); !ok {
		if v.Closed() {
			return EntityView{}, ErrViewClosed
		}
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeRejected).Inc()
		return EntityView{}, ErrNotFound
	}

	logger := e.logger.With(
		zap.String("op", op),
		zap.Stringer("entity_id", entityID),
		zap.Stringer("user_id", session.UserID),
	)

	// Why detach from the caller's context?
	//
	// Once the optimistic change is applied the remote write has to finish
	// or fail on its own terms. If a browser tab closes mid-request and the
	// write is cancelled halfway, the client has already shown the new state
	// and the store may or may not have it; nobody is left to roll back.
	// WithoutCancel keeps the session values on the context and drops the
	// cancellation, and the mutation timeout is the only thing bounding it.
	// The reload below shares the same context so a request that queued on
	// the lock does not fail just because its caller gave up while waiting.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	// The caller's view may have been loaded before another transition for
	// this pair committed. Planning from it would turn a leave queued behind
	// a join into a silent no-op, so the entity is reconciled again now that
	// the lock is held.
	current, err := RefreshEntity(writeCtx, e.gw, v, entityID)
	if err != nil {
		switch {
		case errors.Is(err, ErrViewClosed):
			return EntityView{}, ErrViewClosed
		case errors.Is(err, gateway.ErrEntityNotFound):
			observ.MutationsTotal.WithLabelValues(op, observ.OutcomeRejected).Inc()
			return EntityView{}, ErrNotFound
		}
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeRejected).Inc()
		logger.Warn("reload before write failed", zap.Error(err))
		stale, _ := v.Entity(entityID)
		return stale, &RemoteError{Op: op, Err: err}
	}

	p, err := e.plan(op, current, session.UserID, target)
	if err != nil {
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeRejected).Inc()
		return current, err
	}
	if p == nil {
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeNoop).Inc()
		return current, nil
	}

	tx, err := v.Begin(entityID, p.mutate)
	if err != nil {
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeRejected).Inc()
		return current, err
	}

	start := time.Now()
	werr := p.write(writeCtx)
	observ.MutationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if werr != nil {
		if alreadySettled(op, werr) {
			// The remote already holds the state this transition asked for.
			tx.Commit()
			e.refetch(writeCtx, v, logger)
			observ.MutationsTotal.WithLabelValues(op, observ.OutcomeNoop).Inc()
			return e.result(v, entityID, tx)
		}

		tx.Rollback()
		if v.Closed() {
			observ.MutationsTotal.WithLabelValues(op, observ.OutcomeDiscarded).Inc()
			return EntityView{}, ErrViewClosed
		}
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeRolledBack).Inc()

		if errors.Is(werr, gateway.ErrMembershipMissing) {
			// The request was withdrawn or decided elsewhere.
			e.refetch(writeCtx, v, logger)
			reverted, _ := v.Entity(entityID)
			return reverted, ErrConflict
		}

		logger.Warn("remote write failed, reverted", zap.Error(werr))
		reverted, _ := v.Entity(entityID)
		return reverted, &RemoteError{Op: op, Err: werr}
	}

	if !tx.Commit() {
		observ.MutationsTotal.WithLabelValues(op, observ.OutcomeDiscarded).Inc()
		return EntityView{}, ErrViewClosed
	}
	observ.MutationsTotal.WithLabelValues(op, observ.OutcomeCommitted).Inc()
	logger.Debug("membership transition committed")

	if p.refetch {
		e.refetch(writeCtx, v, logger)
	}
	return e.result(v, entityID, tx)
}

// alreadySettled reports whether a write error means the remote is already
// where the transition wanted it.
func alreadySettled(op string, err error) bool {
	switch op {
	case OpJoin:
		return errors.Is(err, gateway.ErrMembershipExists)
	case OpLeave, OpCancel:
		return errors.Is(err, gateway.ErrMembershipMissing)
	}
	return false
}

func (e *Engine) result(v *View, entityID uuid.UUID, tx *Txn) (EntityView, error) {
	if v.Closed() {
		return EntityView{}, ErrViewClosed
	}
	if ev, ok := v.Entity(entityID); ok {
		return ev, nil
	}
	return tx.Tentative(), nil
}

func (e *Engine) refetch(ctx context.Context, v *View, logger *zap.Logger) {
	if err := Refresh(ctx, e.gw, v); err != nil && !errors.Is(err, ErrViewClosed) {
		logger.Warn("refetch after write failed", zap.Error(err))
	}
}

// plan decides the transition from the viewer's current state. A nil plan
// means the entity is already where the transition leads.
func (e *Engine) plan(op string, current EntityView, userID, target uuid.UUID) (*plan, error) {
	kind := current.Kind
	id := current.ID

	switch op {
	case OpJoin:
		switch current.State {
		case StateApproved, StateOwner, StatePending:
			return nil, nil
		}
		status := models.StatusApproved
		if current.IsPrivate {
			status = models.StatusPending
		}
		return &plan{
			mutate: func(ev *EntityView) error {
				if status == models.StatusPending {
					ev.setState(StatePending)
					return nil
				}
				ev.setState(StateApproved)
				ev.MemberCount++
				return nil
			},
			write: func(ctx context.Context) error {
				return e.gw.InsertMembership(ctx, kind, id, userID, status)
			},
		}, nil

	case OpLeave:
		switch current.State {
		case StateNotJoined:
			return nil, nil
		case StateOwner:
			return nil, fmt.Errorf("owner cannot leave: %w", ErrForbidden)
		case StatePending:
			return nil, fmt.Errorf("leave a pending request: %w", ErrConflict)
		}
		return &plan{
			mutate: func(ev *EntityView) error {
				ev.setState(StateNotJoined)
				ev.MemberCount = max(ev.MemberCount-1, 0)
				return nil
			},
			write: func(ctx context.Context) error {
				return e.gw.DeleteMembership(ctx, kind, id, userID, models.StatusApproved)
			},
		}, nil

	case OpCancel:
		switch current.State {
		case StateNotJoined:
			return nil, nil
		case StateApproved, StateOwner:
			return nil, fmt.Errorf("cancel an approved membership: %w", ErrConflict)
		}
		return &plan{
			mutate: func(ev *EntityView) error {
				ev.setState(StateNotJoined)
				return nil
			},
			write: func(ctx context.Context) error {
				return e.gw.DeleteMembership(ctx, kind, id, userID, models.StatusPending)
			},
		}, nil

	case OpApprove, OpReject:
		if target == uuid.Nil {
			return nil, fmt.Errorf("missing requester: %w", ErrInvalidInput)
		}
		if current.State != StateOwner {
			return nil, ErrForbidden
		}
		if !slices.ContainsFunc(current.PendingRequests, func(r RequesterSummary) bool { return r.UserID == target }) {
			return nil, fmt.Errorf("no pending request from %s: %w", target, ErrConflict)
		}

		approve := op == OpApprove
		return &plan{
			mutate: func(ev *EntityView) error {
				ev.PendingRequests = slices.DeleteFunc(ev.PendingRequests, func(r RequesterSummary) bool {
					return r.UserID == target
				})
				if approve {
					ev.MemberCount++
				}
				return nil
			},
			write: func(ctx context.Context) error {
				if approve {
					return e.gw.UpdateMembershipStatus(ctx, kind, id, target, models.StatusApproved)
				}
				return e.gw.DeleteMembership(ctx, kind, id, target, models.StatusPending)
			},
			refetch: true,
		}, nil
	}

	return nil, fmt.Errorf("unknown operation %q: %w", op, ErrInvalidInput)
}

// Send posts a message to chat's community. Blank text with no shared event
// is rejected before any remote call. The sent message is added to chat on
// success.
func (e *Engine) Send(ctx context.Context, chat *Chat, content *string, eventID *uuid.UUID) (models.Message, error) {
	session, err := e.gw.CurrentUser(ctx)
	if err != nil {
		return models.Message{}, fmt.Errorf("resolve session: %w", err)
	}
	if session == nil {
		observ.MutationsTotal.WithLabelValues(OpSend, observ.OutcomeRejected).Inc()
		return models.Message{}, ErrUnauthenticated
	}

	if content != nil {
		trimmed := strings.TrimSpace(*content)
		if trimmed == "" {
			content = nil
		} else {
			content = &trimmed
		}
	}
	draft := models.Message{CommunityID: chat.CommunityID(), AuthorID: session.UserID, Content: content, EventID: eventID}
	if !draft.Valid() {
		observ.MutationsTotal.WithLabelValues(OpSend, observ.OutcomeRejected).Inc()
		return models.Message{}, fmt.Errorf("empty message: %w", ErrInvalidInput)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	start := time.Now()
	msg, err := e.gw.InsertMessage(writeCtx, chat.CommunityID(), session.UserID, content, eventID)
	observ.MutationLatency.WithLabelValues(OpSend).Observe(time.Since(start).Seconds())
	if err != nil {
		observ.MutationsTotal.WithLabelValues(OpSend, observ.OutcomeRolledBack).Inc()
		switch {
		case errors.Is(err, gateway.ErrNotMember):
			return models.Message{}, fmt.Errorf("join the community to chat: %w", ErrForbidden)
		case errors.Is(err, gateway.ErrEntityNotFound):
			return models.Message{}, ErrNotFound
		case errors.Is(err, gateway.ErrInvalidMessage):
			return models.Message{}, ErrInvalidInput
		}
		e.logger.Warn("send message failed",
			zap.Stringer("community_id", chat.CommunityID()),
			zap.Error(err),
		)
		return models.Message{}, &RemoteError{Op: OpSend, Err: err}
	}

	if chat.Closed() {
		observ.MutationsTotal.WithLabelValues(OpSend, observ.OutcomeDiscarded).Inc()
		return *msg, nil
	}
	chat.Append(*msg)
	observ.MutationsTotal.WithLabelValues(OpSend, observ.OutcomeCommitted).Inc()
	return *msg, nil
}

// lockKey serializes transitions on one membership row. For owner decisions
// that row is the requester's, not the owner's.
func lockKey(entityID, userID, target uuid.UUID) string {
	if target != uuid.Nil {
		userID = target
	}
	return entityID.String() + ":" + userID.String()
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns its unlock func. Entries are
// dropped once nobody holds or waits on them.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

package participation

import (
	"github.com/google/uuid"
)

// Txn is an optimistic change to one entity of a View. Begin applies it
// immediately; the caller then settles it exactly once with Commit (keep the
// tentative state) or Rollback (restore the state from before Begin).
type Txn struct {
	view     *View
	entityID uuid.UUID
	before   EntityView
	after    EntityView
	rev      uint64
	settled  bool
}

// Begin applies mutate to a copy of the entity and stores the result. If
// mutate returns an error nothing changes and the error is returned.
func (v *View) Begin(entityID uuid.UUID, mutate func(*EntityView) error) (*Txn, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrViewClosed
	}
	i, ok := v.index[entityID]
	if !ok {
		v.mu.Unlock()
		return nil, ErrNotFound
	}

	before := v.entities[i].clone()
	after := before.clone()
	if err := mutate(&after); err != nil {
		v.mu.Unlock()
		return nil, err
	}
	after.IsJoined = after.State.Joined()

	v.entities[i] = after
	v.revision[entityID]++
	tx := &Txn{
		view:     v,
		entityID: entityID,
		before:   before,
		after:    after.clone(),
		rev:      v.revision[entityID],
	}
	fn := v.onChange
	v.mu.Unlock()

	if fn != nil {
		fn()
	}
	return tx, nil
}

// Tentative is the state Begin applied.
func (t *Txn) Tentative() EntityView {
	return t.after.clone()
}

// Commit keeps the tentative state. It reports false if the view was closed
// while the transaction was open, meaning the result went nowhere.
func (t *Txn) Commit() bool {
	v := t.view
	v.mu.Lock()
	defer v.mu.Unlock()

	t.settled = true
	return !v.closed
}

// Rollback restores the entity to its state before Begin, unless something
// else (a refresh or a later transaction) has changed it since. It reports
// whether the view was restored.
func (t *Txn) Rollback() bool {
	v := t.view
	v.mu.Lock()
	if t.settled || v.closed {
		t.settled = true
		v.mu.Unlock()
		return false
	}
	t.settled = true

	i, ok := v.index[t.entityID]
	if !ok || v.revision[t.entityID] != t.rev {
		v.mu.Unlock()
		return false
	}
	v.entities[i] = t.before.clone()
	v.revision[t.entityID]++
	fn := v.onChange
	v.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Package realtime carries change notifications between the writers of the
// relational store and the views that display it. A notification only says
// that something changed. Receivers refetch instead of patching.
package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Collections a view can watch.
const (
	CollectionEntities = "entities"
	CollectionMessages = "messages"
)

// Change ops.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// MembershipCollection names the membership feed of one entity kind, e.g.
// "event_memberships".
func MembershipCollection(kind string) string {
	return kind + "_memberships"
}

// Change is one row-level notification. Scope is the value subscribers
// filter on: the entity ID for memberships, the community ID for messages
// and the kind for entities.
type Change struct {
	Collection string    `json:"collection"`
	Op         string    `json:"op"`
	Scope      string    `json:"scope"`
	Actor      uuid.UUID `json:"actor"`
	At         time.Time `json:"at"`
}

// Handler receives changes on the feed's delivery goroutine. It must not
// block for long.
type Handler func(Change)

// Subscription is a disposable handle. Unsubscribe is safe to call more
// than once.
type Subscription interface {
	Unsubscribe()
}

// Feed publishes and delivers changes. An empty filter subscribes to every
// scope of the collection. A subscription also ends when ctx is cancelled.
type Feed interface {
	Publish(ctx context.Context, change Change) error
	Subscribe(ctx context.Context, collection, filter string, fn Handler) (Subscription, error)
}

func matches(change Change, collection, filter string) bool {
	if change.Collection != collection {
		return false
	}
	return filter == "" || change.Scope == filter
}

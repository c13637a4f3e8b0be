package participation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/observ"
)

// Refresh refetches the view's entities and the viewer's memberships and
// replaces the view's contents with the reconciled result.
func Refresh(ctx context.Context, gw gateway.Gateway, v *View) error {
	if v.Closed() {
		return ErrViewClosed
	}
	start := time.Now()

	entities, err := gw.FetchEntities(ctx, v.Kind(), v.Filter())
	if err != nil {
		return fmt.Errorf("fetch entities: %w", err)
	}

	var memberships []models.Membership
	var requests []models.JoinRequest
	if user := v.UserID(); user != uuid.Nil {
		memberships, err = gw.FetchMemberships(ctx, user)
		if err != nil {
			return fmt.Errorf("fetch memberships: %w", err)
		}
		requests, err = gw.FetchPendingRequests(ctx, user)
		if err != nil {
			return fmt.Errorf("fetch pending requests: %w", err)
		}
	}

	v.Replace(Reconcile(entities, memberships, requests, v.UserID()))
	observ.ReconcileSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// RefreshEntity refetches one entity and the viewer's memberships and puts
// the reconciled result into v.
func RefreshEntity(ctx context.Context, gw gateway.Gateway, v *View, id uuid.UUID) (EntityView, error) {
	if v.Closed() {
		return EntityView{}, ErrViewClosed
	}

	entity, err := gw.FetchEntity(ctx, id)
	if err != nil {
		return EntityView{}, fmt.Errorf("fetch entity: %w", err)
	}
	if entity.Kind != v.Kind() {
		return EntityView{}, fmt.Errorf("fetch entity: %w", gateway.ErrEntityNotFound)
	}

	var memberships []models.Membership
	var requests []models.JoinRequest
	if user := v.UserID(); user != uuid.Nil {
		memberships, err = gw.FetchMemberships(ctx, user)
		if err != nil {
			return EntityView{}, fmt.Errorf("fetch memberships: %w", err)
		}
		requests, err = gw.FetchPendingRequests(ctx, user)
		if err != nil {
			return EntityView{}, fmt.Errorf("fetch pending requests: %w", err)
		}
	}

	ev := Reconcile([]models.Entity{*entity}, memberships, requests, v.UserID())[0]
	v.Put(ev)
	if v.Closed() {
		return EntityView{}, ErrViewClosed
	}
	return ev, nil
}

// LoadChat refetches the community's messages into chat.
func LoadChat(ctx context.Context, gw gateway.Gateway, chat *Chat) error {
	if chat.Closed() {
		return ErrViewClosed
	}
	messages, err := gw.FetchMessages(ctx, chat.CommunityID())
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	chat.Replace(messages)
	return nil
}

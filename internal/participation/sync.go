package participation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/observ"
	"github.com/lalith-99/partyhub/internal/realtime"
)

const refreshTimeout = 10 * time.Second

// Synchronizer keeps views fresh when the remote store changes for reasons
// other than the viewer's own actions. Every notification triggers a full
// refetch and reconcile; notifications that arrive during a refresh are
// folded into one follow-up refresh.
type Synchronizer struct {
	gw     gateway.Gateway
	logger *zap.Logger
}

func NewSynchronizer(gw gateway.Gateway, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{gw: gw, logger: logger}
}

type feed struct {
	collection string
	filter     string
}

// WatchEntities follows membership and entity changes for v's kind.
// onUpdate, if set, runs after each successful refresh.
//
// The returned stop must be called when the view goes away; it releases
// every subscription and waits for the refresh goroutine. Cancelling ctx
// releases them too. onUpdate must not call stop.
func (s *Synchronizer) WatchEntities(ctx context.Context, v *View, onUpdate func()) (func(), error) {
	kind := string(v.Kind())
	feeds := []feed{
		{collection: realtime.MembershipCollection(kind)},
		{collection: realtime.CollectionEntities, filter: kind},
	}
	refresh := func(ctx context.Context) error {
		return Refresh(ctx, s.gw, v)
	}
	return s.watch(ctx, feeds, refresh, v.Closed, onUpdate)
}

// WatchChat follows new messages in chat's community. Same contract as
// WatchEntities.
func (s *Synchronizer) WatchChat(ctx context.Context, chat *Chat, onUpdate func()) (func(), error) {
	feeds := []feed{
		{collection: realtime.CollectionMessages, filter: chat.CommunityID().String()},
	}
	refresh := func(ctx context.Context) error {
		return LoadChat(ctx, s.gw, chat)
	}
	return s.watch(ctx, feeds, refresh, chat.Closed, onUpdate)
}

func (s *Synchronizer) watch(ctx context.Context, feeds []feed, refresh func(context.Context) error, closed func() bool, onUpdate func()) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)

	// Capacity one: while a refresh runs, any number of notifications
	// collapse into a single pending one.
	notify := make(chan struct{}, 1)
	handler := func(c realtime.Change) {
		observ.RealtimeNotifications.WithLabelValues(c.Collection).Inc()
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	subs := make([]realtime.Subscription, 0, len(feeds))
	release := func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}

	for _, f := range feeds {
		sub, err := s.gw.Subscribe(watchCtx, f.collection, f.filter, handler)
		if err != nil {
			release()
			cancel()
			return nil, fmt.Errorf("subscribe %s: %w", f.collection, err)
		}
		subs = append(subs, sub)
	}

	// One refresh right after subscribing covers changes made between the
	// caller's initial load and the subscription.
	notify <- struct{}{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer release()

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-notify:
			}
			if closed() {
				return
			}

			refreshCtx, cancelRefresh := context.WithTimeout(watchCtx, refreshTimeout)
			err := refresh(refreshCtx)
			cancelRefresh()
			if err != nil {
				if watchCtx.Err() != nil {
					return
				}
				s.logger.Warn("realtime refresh failed", zap.Error(err))
				continue
			}
			if onUpdate != nil {
				onUpdate()
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	return stop, nil
}

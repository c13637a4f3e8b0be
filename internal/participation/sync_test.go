package participation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/realtime"
	"github.com/lalith-99/partyhub/internal/repository"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWatchEntitiesRefreshesOnForeignChange(t *testing.T) {
	gw := newFakeGateway()
	event := gw.addEntity(models.KindEvent, uuid.New(), false, 10)
	viewer := uuid.New()

	v := NewView(models.KindEvent, viewer, repository.EntityFilter{})
	if err := Refresh(context.Background(), gw, v); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	updates := make(chan struct{}, 16)
	s := NewSynchronizer(gw, zap.NewNop())
	stop, err := s.WatchEntities(context.Background(), v, func() { updates <- struct{}{} })
	if err != nil {
		t.Fatalf("WatchEntities: %v", err)
	}
	defer stop()

	// Someone else joins.
	if err := gw.InsertMembership(context.Background(), models.KindEvent, event, uuid.New(), models.StatusApproved); err != nil {
		t.Fatalf("InsertMembership: %v", err)
	}

	waitFor(t, "member count 11", func() bool {
		ev, _ := v.Entity(event)
		return ev.MemberCount == 11
	})
	if ev, _ := v.Entity(event); ev.IsJoined {
		t.Fatalf("foreign join must not mark the viewer joined")
	}
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatalf("onUpdate never called")
	}
}

func TestWatchEntitiesSeesNewEntities(t *testing.T) {
	gw := newFakeGateway()
	v := NewView(models.KindCommunity, uuid.New(), repository.EntityFilter{})

	stop, err := NewSynchronizer(gw, zap.NewNop()).WatchEntities(context.Background(), v, nil)
	if err != nil {
		t.Fatalf("WatchEntities: %v", err)
	}
	defer stop()

	id := gw.addEntity(models.KindCommunity, uuid.New(), false, 1)
	gw.publish(realtime.CollectionEntities, string(models.KindCommunity), uuid.Nil)

	waitFor(t, "new community", func() bool {
		_, ok := v.Entity(id)
		return ok
	})
}

func TestWatchEntitiesSeesOwnerEdit(t *testing.T) {
	gw := newFakeGateway()
	community := gw.addEntity(models.KindCommunity, uuid.New(), true, 3)
	v := NewView(models.KindCommunity, uuid.New(), repository.EntityFilter{})

	stop, err := NewSynchronizer(gw, zap.NewNop()).WatchEntities(context.Background(), v, nil)
	if err != nil {
		t.Fatalf("WatchEntities: %v", err)
	}
	defer stop()
	waitFor(t, "initial load", func() bool {
		_, ok := v.Entity(community)
		return ok
	})

	title, public := "Night Owls", false
	if _, err := gw.UpdateEntity(context.Background(), community, models.EntityUpdate{Title: &title, IsPrivate: &public}); err != nil {
		t.Fatalf("UpdateEntity: %v", err)
	}

	waitFor(t, "edited community", func() bool {
		ev, _ := v.Entity(community)
		return ev.Title == title && !ev.IsPrivate
	})
}

func TestStopReleasesSubscriptions(t *testing.T) {
	gw := newFakeGateway()
	v := NewView(models.KindEvent, uuid.New(), repository.EntityFilter{})
	chat := NewChat(uuid.New())
	s := NewSynchronizer(gw, zap.NewNop())

	stopView, err := s.WatchEntities(context.Background(), v, nil)
	if err != nil {
		t.Fatalf("WatchEntities: %v", err)
	}
	stopChat, err := s.WatchChat(context.Background(), chat, nil)
	if err != nil {
		t.Fatalf("WatchChat: %v", err)
	}
	if n := gw.broker.Len(); n != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", n)
	}

	stopView()
	stopView()
	stopChat()
	if n := gw.broker.Len(); n != 0 {
		t.Fatalf("expected all subscriptions released, got %d", n)
	}
}

func TestContextCancelReleasesSubscriptions(t *testing.T) {
	gw := newFakeGateway()
	v := NewView(models.KindEvent, uuid.New(), repository.EntityFilter{})

	ctx, cancel := context.WithCancel(context.Background())
	stop, err := NewSynchronizer(gw, zap.NewNop()).WatchEntities(ctx, v, nil)
	if err != nil {
		t.Fatalf("WatchEntities: %v", err)
	}
	cancel()

	waitFor(t, "subscriptions released", func() bool { return gw.broker.Len() == 0 })
	stop()
}

func TestSubscribeFailureReleasesEarlierHandles(t *testing.T) {
	gw := newFakeGateway()
	gw.subscribeErr[realtime.CollectionEntities] = errors.New("feed down")
	v := NewView(models.KindEvent, uuid.New(), repository.EntityFilter{})

	stop, err := NewSynchronizer(gw, zap.NewNop()).WatchEntities(context.Background(), v, nil)
	if err == nil {
		stop()
		t.Fatalf("expected subscribe error")
	}
	if n := gw.broker.Len(); n != 0 {
		t.Fatalf("membership subscription leaked: %d live", n)
	}
}

func TestWatchChatKeepsOrder(t *testing.T) {
	gw := newFakeGateway()
	community := gw.addEntity(models.KindCommunity, uuid.New(), false, 1)
	chat := NewChat(community)
	base := time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)

	stop, err := NewSynchronizer(gw, zap.NewNop()).WatchChat(context.Background(), chat, nil)
	if err != nil {
		t.Fatalf("WatchChat: %v", err)
	}
	defer stop()

	gw.addMessage(community, "m3", base.Add(2*time.Second))
	gw.addMessage(community, "m1", base)
	gw.addMessage(community, "m2", base.Add(time.Second))

	waitFor(t, "three messages", func() bool { return len(chat.Messages()) == 3 })
	assertOrder(t, chat.Messages(), "m1", "m2", "m3")
}

func TestClosedViewStopsRefreshing(t *testing.T) {
	gw := newFakeGateway()
	event := gw.addEntity(models.KindEvent, uuid.New(), false, 10)
	v := NewView(models.KindEvent, uuid.New(), repository.EntityFilter{})
	if err := Refresh(context.Background(), gw, v); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	stop, err := NewSynchronizer(gw, zap.NewNop()).WatchEntities(context.Background(), v, nil)
	if err != nil {
		t.Fatalf("WatchEntities: %v", err)
	}
	defer stop()

	v.Close()
	if err := gw.InsertMembership(context.Background(), models.KindEvent, event, uuid.New(), models.StatusApproved); err != nil {
		t.Fatalf("InsertMembership: %v", err)
	}

	waitFor(t, "watcher exit", func() bool { return gw.broker.Len() == 0 })
	if ev, _ := v.Entity(event); ev.MemberCount != 10 {
		t.Fatalf("closed view was updated: %+v", ev)
	}
}

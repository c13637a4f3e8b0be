package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/middleware"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/participation"
	"github.com/lalith-99/partyhub/internal/repository"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 16 * 1024

	replyBuffer = 16
)

// Frame types pushed to the client.
const (
	frameSnapshot = "snapshot"
	frameChat     = "chat"
	frameResult   = "result"
	frameError    = "error"
)

// Actions a client may send.
const (
	actionJoin    = "join"
	actionLeave   = "leave"
	actionCancel  = "cancel"
	actionApprove = "approve"
	actionReject  = "reject"
	actionSend    = "send"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The token travels in the query string, so the origin adds nothing.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// actionFrame is what the client sends. Ref is echoed back on the reply.
type actionFrame struct {
	Ref      string            `json:"ref,omitempty"`
	Action   string            `json:"action"`
	Kind     models.EntityKind `json:"kind"`
	EntityID uuid.UUID         `json:"entity_id"`
	UserID   uuid.UUID         `json:"user_id"`
	Content  *string           `json:"content"`
	EventID  *uuid.UUID        `json:"event_id"`
}

type streamFrame struct {
	Type     string                     `json:"type"`
	Ref      string                     `json:"ref,omitempty"`
	Kind     models.EntityKind          `json:"kind,omitempty"`
	Entities []participation.EntityView `json:"entities,omitempty"`
	Entity   *participation.EntityView  `json:"entity,omitempty"`
	Messages []models.Message           `json:"messages,omitempty"`
	Message  *models.Message            `json:"message,omitempty"`
	Error    string                     `json:"error,omitempty"`
	Status   int                        `json:"status,omitempty"`
}

// StreamHandler serves GET /v1/stream. Each connection owns one view per
// entity kind and, with ?community_id=, one chat. The current state is
// pushed after every change; actions sent over the socket run through the
// same engine as the HTTP routes.
type StreamHandler struct {
	engine  *participation.Engine
	watcher *participation.Synchronizer
	logger  *zap.Logger
}

func NewStreamHandler(engine *participation.Engine, watcher *participation.Synchronizer, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{engine: engine, watcher: watcher, logger: logger}
}

// streamConn is one websocket client and the views it owns.
type streamConn struct {
	h      *StreamHandler
	conn   *websocket.Conn
	logger *zap.Logger

	views map[models.EntityKind]*participation.View
	chat  *participation.Chat
	stops []func()

	mu      sync.Mutex
	dirty   map[string]bool
	wake    chan struct{}
	replies chan streamFrame
}

func (h *StreamHandler) Serve(c *gin.Context) {
	var chat *participation.Chat
	if raw := c.Query("community_id"); raw != "" {
		communityID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid community_id"})
			return
		}
		chat = participation.NewChat(communityID)
		// Loaded before the upgrade so a refused chat gets a plain HTTP
		// status instead of a socket that closes right away.
		if err := h.engine.LoadChat(c.Request.Context(), chat); err != nil {
			chat.Close()
			respondError(c, h.logger, err, "failed to load chat")
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	userID := middleware.GetUserID(c)
	sc := &streamConn{
		h:      h,
		conn:   conn,
		logger: h.logger.With(zap.Stringer("user_id", userID)),
		views: map[models.EntityKind]*participation.View{
			models.KindEvent:     participation.NewView(models.KindEvent, userID, repository.EntityFilter{}),
			models.KindCommunity: participation.NewView(models.KindCommunity, userID, repository.EntityFilter{}),
		},
		chat:    chat,
		dirty:   make(map[string]bool),
		wake:    make(chan struct{}, 1),
		replies: make(chan streamFrame, replyBuffer),
	}

	// The request context carries the session and ends when the handler
	// returns, which is when the socket is done.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	defer sc.close()

	if err := sc.watch(ctx); err != nil {
		sc.logger.Warn("stream subscribe failed", zap.Error(err))
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteJSON(streamFrame{Type: frameError, Error: "realtime unavailable", Status: http.StatusServiceUnavailable})
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sc.writePump(ctx)
		// Unblocks readPump when the writer gave up first.
		cancel()
		sc.conn.Close()
	}()

	sc.readPump(ctx)
	cancel()
	wg.Wait()
}

// watch wires every view to the change feed. A view's OnChange marks its
// topic dirty; the write pump turns dirty topics into snapshot frames.
func (sc *streamConn) watch(ctx context.Context) error {
	for kind, v := range sc.views {
		topic := string(kind)
		v.OnChange(func() { sc.markDirty(topic) })
		stop, err := sc.h.watcher.WatchEntities(ctx, v, nil)
		if err != nil {
			return err
		}
		sc.stops = append(sc.stops, stop)
	}
	if sc.chat != nil {
		sc.chat.OnChange(func() { sc.markDirty(frameChat) })
		stop, err := sc.h.watcher.WatchChat(ctx, sc.chat, nil)
		if err != nil {
			return err
		}
		sc.stops = append(sc.stops, stop)
	}
	return nil
}

// close releases subscriptions before closing views so no refresh lands on
// a view that is already gone.
func (sc *streamConn) close() {
	for _, stop := range sc.stops {
		stop()
	}
	for _, v := range sc.views {
		v.Close()
	}
	if sc.chat != nil {
		sc.chat.Close()
	}
	sc.conn.Close()
}

func (sc *streamConn) markDirty(topic string) {
	sc.mu.Lock()
	sc.dirty[topic] = true
	sc.mu.Unlock()

	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

func (sc *streamConn) takeDirty() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	topics := make([]string, 0, len(sc.dirty))
	for t := range sc.dirty {
		topics = append(topics, t)
	}
	clear(sc.dirty)
	return topics
}

func (sc *streamConn) snapshotFrame(topic string) streamFrame {
	if topic == frameChat {
		return streamFrame{Type: frameChat, Messages: sc.chat.Messages()}
	}
	kind := models.EntityKind(topic)
	return streamFrame{Type: frameSnapshot, Kind: kind, Entities: sc.views[kind].Snapshot()}
}

func (sc *streamConn) readPump(ctx context.Context) {
	sc.conn.SetReadLimit(maxFrameSize)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		sc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.logger.Warn("unexpected websocket close", zap.Error(err))
			}
			return
		}

		var action actionFrame
		if err := json.Unmarshal(raw, &action); err != nil {
			sc.reply(ctx, streamFrame{Type: frameError, Error: "malformed frame", Status: http.StatusBadRequest})
			continue
		}
		sc.reply(ctx, sc.dispatch(ctx, action))
	}
}

func (sc *streamConn) reply(ctx context.Context, f streamFrame) {
	select {
	case sc.replies <- f:
	case <-ctx.Done():
	}
}

func errorFrame(ref string, err error) streamFrame {
	f := streamFrame{Type: frameError, Ref: ref, Status: statusFor(err), Error: err.Error()}
	var remote *participation.RemoteError
	if errors.As(err, &remote) {
		f.Error = remote.Message()
	}
	if f.Status == http.StatusInternalServerError {
		f.Error = "internal error"
	}
	return f
}

func (sc *streamConn) dispatch(ctx context.Context, a actionFrame) streamFrame {
	if a.Action == actionSend {
		if sc.chat == nil {
			return streamFrame{Type: frameError, Ref: a.Ref, Error: "connect with community_id to chat", Status: http.StatusBadRequest}
		}
		msg, err := sc.h.engine.Send(ctx, sc.chat, a.Content, a.EventID)
		if err != nil {
			sc.logIfInternal(a, err)
			return errorFrame(a.Ref, err)
		}
		return streamFrame{Type: frameResult, Ref: a.Ref, Message: &msg}
	}

	v, ok := sc.views[a.Kind]
	if !ok {
		return streamFrame{Type: frameError, Ref: a.Ref, Error: "unknown kind", Status: http.StatusBadRequest}
	}

	var (
		ev  participation.EntityView
		err error
	)
	switch a.Action {
	case actionJoin:
		ev, err = sc.h.engine.Join(ctx, v, a.EntityID)
	case actionLeave:
		ev, err = sc.h.engine.Leave(ctx, v, a.EntityID)
	case actionCancel:
		ev, err = sc.h.engine.Cancel(ctx, v, a.EntityID)
	case actionApprove:
		ev, err = sc.h.engine.Approve(ctx, v, a.EntityID, a.UserID)
	case actionReject:
		ev, err = sc.h.engine.Reject(ctx, v, a.EntityID, a.UserID)
	default:
		return streamFrame{Type: frameError, Ref: a.Ref, Error: "unknown action", Status: http.StatusBadRequest}
	}
	if err != nil {
		sc.logIfInternal(a, err)
		return errorFrame(a.Ref, err)
	}
	return streamFrame{Type: frameResult, Ref: a.Ref, Kind: a.Kind, Entity: &ev}
}

func (sc *streamConn) logIfInternal(a actionFrame, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		sc.logger.Error("stream action failed", zap.String("action", a.Action), zap.Error(err))
	}
}

func (sc *streamConn) write(f streamFrame) error {
	sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteJSON(f)
}

func (sc *streamConn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			sc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case f := <-sc.replies:
			if err := sc.write(f); err != nil {
				return
			}
		case <-sc.wake:
			for _, topic := range sc.takeDirty() {
				if err := sc.write(sc.snapshotFrame(topic)); err != nil {
					return
				}
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

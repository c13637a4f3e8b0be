package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/participation"
)

type transitionFunc func(ctx context.Context, v *participation.View, entityID uuid.UUID) (participation.EntityView, error)

// transition runs one membership transition through the engine and
// responds with the settled entity.
func (h *EntityHandler) transition(kind models.EntityKind, run transitionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + string(kind) + " id"})
			return
		}

		v, ok := h.loadOne(c, kind, entityID)
		if !ok {
			return
		}
		defer v.Close()

		ev, err := run(c.Request.Context(), v, entityID)
		if err != nil {
			respondError(c, h.logger, err, "membership update failed")
			return
		}
		c.JSON(http.StatusOK, ev)
	}
}

// Join handles POST /v1/{events,communities}/:id/join. Private entities
// answer with state "pending".
func (h *EntityHandler) Join(kind models.EntityKind) gin.HandlerFunc {
	return h.transition(kind, h.engine.Join)
}

// Leave handles POST /v1/{events,communities}/:id/leave
func (h *EntityHandler) Leave(kind models.EntityKind) gin.HandlerFunc {
	return h.transition(kind, h.engine.Leave)
}

// Cancel handles POST /v1/{events,communities}/:id/cancel
func (h *EntityHandler) Cancel(kind models.EntityKind) gin.HandlerFunc {
	return h.transition(kind, h.engine.Cancel)
}

type decideFunc func(ctx context.Context, v *participation.View, entityID, requesterID uuid.UUID) (participation.EntityView, error)

func (h *EntityHandler) decide(kind models.EntityKind, run decideFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		requesterID, err := uuid.Parse(c.Param("user_id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		h.transition(kind, func(ctx context.Context, v *participation.View, entityID uuid.UUID) (participation.EntityView, error) {
			return run(ctx, v, entityID, requesterID)
		})(c)
	}
}

// Approve handles POST /v1/{events,communities}/:id/requests/:user_id/approve
func (h *EntityHandler) Approve(kind models.EntityKind) gin.HandlerFunc {
	return h.decide(kind, h.engine.Approve)
}

// Reject handles POST /v1/{events,communities}/:id/requests/:user_id/reject
func (h *EntityHandler) Reject(kind models.EntityKind) gin.HandlerFunc {
	return h.decide(kind, h.engine.Reject)
}

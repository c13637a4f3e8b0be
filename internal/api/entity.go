package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/middleware"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/participation"
	"github.com/lalith-99/partyhub/internal/repository"
)

// EntityHandler serves events and communities. Every response is the
// reconciled view for the caller, so each entity carries the caller's state.
type EntityHandler struct {
	gw     gateway.Gateway
	engine *participation.Engine
	logger *zap.Logger
}

func NewEntityHandler(gw gateway.Gateway, engine *participation.Engine, logger *zap.Logger) *EntityHandler {
	return &EntityHandler{gw: gw, engine: engine, logger: logger}
}

func filterFromQuery(c *gin.Context) repository.EntityFilter {
	f := repository.EntityFilter{
		Category: strings.TrimSpace(c.Query("category")),
		AgeGroup: strings.TrimSpace(c.Query("age_group")),
		Query:    strings.TrimSpace(c.Query("q")),
	}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		f.Limit = l
	}
	return f
}

// loadView builds and fills a view for this request. It lives as long as
// the request.
func (h *EntityHandler) loadView(c *gin.Context, kind models.EntityKind, filter repository.EntityFilter) (*participation.View, bool) {
	v := participation.NewView(kind, middleware.GetUserID(c), filter)
	if err := h.engine.Refresh(c.Request.Context(), v); err != nil {
		respondError(c, h.logger, err, "failed to list "+string(kind)+" entries")
		return nil, false
	}
	return v, true
}

// List handles GET /v1/events and GET /v1/communities
func (h *EntityHandler) List(kind models.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := h.loadView(c, kind, filterFromQuery(c))
		if !ok {
			return
		}
		defer v.Close()

		c.JSON(http.StatusOK, v.Snapshot())
	}
}

// Get handles GET /v1/events/:id and GET /v1/communities/:id
func (h *EntityHandler) Get(kind models.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + string(kind) + " id"})
			return
		}

		v, ok := h.loadOne(c, kind, id)
		if !ok {
			return
		}
		defer v.Close()

		ev, _ := v.Entity(id)
		c.JSON(http.StatusOK, ev)
	}
}

// loadOne builds a view holding just the entity id, reconciled for the
// caller. Entities outside the default listing window stay reachable.
func (h *EntityHandler) loadOne(c *gin.Context, kind models.EntityKind, id uuid.UUID) (*participation.View, bool) {
	ctx := c.Request.Context()

	e, err := h.gw.FetchEntity(ctx, id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get "+string(kind))
		return nil, false
	}
	if e.Kind != kind {
		c.JSON(http.StatusNotFound, gin.H{"error": string(kind) + " not found"})
		return nil, false
	}

	userID := middleware.GetUserID(c)
	var memberships []models.Membership
	var requests []models.JoinRequest
	if userID != uuid.Nil {
		if memberships, err = h.gw.FetchMemberships(ctx, userID); err != nil {
			respondError(c, h.logger, err, "failed to get "+string(kind))
			return nil, false
		}
		if requests, err = h.gw.FetchPendingRequests(ctx, userID); err != nil {
			respondError(c, h.logger, err, "failed to get "+string(kind))
			return nil, false
		}
	}

	v := participation.NewView(kind, userID, repository.EntityFilter{})
	v.Replace(participation.Reconcile([]models.Entity{*e}, memberships, requests, userID))
	return v, true
}

// createEntityRequest covers both kinds. Events need a venue, a start time
// and coordinates; communities only a title.
type createEntityRequest struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	IsPrivate   bool       `json:"is_private"`
	Category    string     `json:"category"`
	Venue       string     `json:"venue"`
	AgeGroup    string     `json:"age_group"`
	StartsAt    *time.Time `json:"starts_at"`
	Latitude    *float64   `json:"latitude"`
	Longitude   *float64   `json:"longitude"`
	ImageURL    string     `json:"image_url"`
}

func (r createEntityRequest) validate(kind models.EntityKind) string {
	if strings.TrimSpace(r.Title) == "" {
		return "title is required"
	}
	if kind != models.KindEvent {
		return ""
	}
	switch {
	case strings.TrimSpace(r.Venue) == "":
		return "venue is required"
	case r.StartsAt == nil:
		return "starts_at is required"
	case r.Latitude == nil || r.Longitude == nil:
		return "latitude and longitude are required"
	case *r.Latitude < -90 || *r.Latitude > 90 || *r.Longitude < -180 || *r.Longitude > 180:
		return "coordinates out of range"
	}
	return ""
}

// Create handles POST /v1/events and POST /v1/communities. The creator
// becomes the owner and first member.
func (h *EntityHandler) Create(kind models.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createEntityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if msg := req.validate(kind); msg != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}

		owner := middleware.GetUserID(c)
		e := &models.Entity{
			Kind:        kind,
			Title:       strings.TrimSpace(req.Title),
			Description: req.Description,
			OwnerID:     &owner,
			IsPrivate:   req.IsPrivate,
			Category:    req.Category,
		}
		if kind == models.KindEvent {
			e.Venue = strings.TrimSpace(req.Venue)
			e.AgeGroup = req.AgeGroup
			e.StartsAt = req.StartsAt
			e.Latitude = req.Latitude
			e.Longitude = req.Longitude
		}
		e.ImageURL = strings.TrimSpace(req.ImageURL)

		created, err := h.gw.CreateEntity(c.Request.Context(), e)
		if err != nil {
			respondError(c, h.logger, err, "failed to create "+string(kind))
			return
		}

		views := participation.Reconcile([]models.Entity{*created}, nil, nil, owner)
		c.JSON(http.StatusCreated, views[0])
	}
}

// updateEntityRequest is a partial edit. Absent fields stay as they are.
type updateEntityRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	IsPrivate   *bool   `json:"is_private"`
	ImageURL    *string `json:"image_url"`
}

func (r updateEntityRequest) toUpdate() (models.EntityUpdate, string) {
	u := models.EntityUpdate{
		Description: r.Description,
		IsPrivate:   r.IsPrivate,
	}
	if r.Title != nil {
		title := strings.TrimSpace(*r.Title)
		if title == "" {
			return u, "title cannot be blank"
		}
		u.Title = &title
	}
	if r.ImageURL != nil {
		url := strings.TrimSpace(*r.ImageURL)
		u.ImageURL = &url
	}
	if u.Empty() {
		return u, "nothing to update"
	}
	return u, ""
}

// Update handles PATCH /v1/communities/:id
//
// Owner only. Making a private community public approves every pending
// request; making a public one private keeps its members.
func (h *EntityHandler) Update(kind models.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + string(kind) + " id"})
			return
		}

		var req updateEntityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		update, msg := req.toUpdate()
		if msg != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}

		ctx := c.Request.Context()
		e, err := h.gw.FetchEntity(ctx, id)
		if err != nil {
			respondError(c, h.logger, err, "failed to update "+string(kind))
			return
		}
		if e.Kind != kind {
			c.JSON(http.StatusNotFound, gin.H{"error": string(kind) + " not found"})
			return
		}

		if _, err := h.gw.UpdateEntity(ctx, id, update); err != nil {
			respondError(c, h.logger, err, "failed to update "+string(kind))
			return
		}

		v, ok := h.loadOne(c, kind, id)
		if !ok {
			return
		}
		defer v.Close()

		ev, _ := v.Entity(id)
		c.JSON(http.StatusOK, ev)
	}
}

package api

import (
	"io"
	"net/http"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/gamification"
	"github.com/lalith-99/partyhub/internal/gateway"
	"github.com/lalith-99/partyhub/internal/middleware"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/repository"
)

const (
	maxBioLength         = 280
	maxDisplayNameLength = 64
	maxAvatarBytes       = 5 << 20
)

// UserHandler serves the caller's own profile.
type UserHandler struct {
	users       repository.UserRepository
	memberships repository.MembershipRepository
	gw          gateway.Gateway
	calc        gamification.Calculator
	bucket      string
	logger      *zap.Logger
}

func NewUserHandler(
	users repository.UserRepository,
	memberships repository.MembershipRepository,
	gw gateway.Gateway,
	calc gamification.Calculator,
	bucket string,
	logger *zap.Logger,
) *UserHandler {
	return &UserHandler{
		users:       users,
		memberships: memberships,
		gw:          gw,
		calc:        calc,
		bucket:      bucket,
		logger:      logger,
	}
}

// profileResponse is the profile plus everything derived from it.
type profileResponse struct {
	*models.Profile
	Tickets  []models.Ticket       `json:"tickets"`
	Progress gamification.Progress `json:"progress"`
}

// GetMe handles GET /v1/users/me
//
// Experience and level are computed from approved event participations on
// every read. Nothing derived is stored.
func (h *UserHandler) GetMe(c *gin.Context) {
	h.respondProfile(c, http.StatusOK, nil)
}

func (h *UserHandler) respondProfile(c *gin.Context, status int, profile *models.Profile) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)

	if profile == nil {
		var err error
		profile, err = h.users.GetProfile(ctx, userID)
		if err != nil {
			h.logger.Error("failed to get profile", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get profile"})
			return
		}
		// Token for a deleted account.
		if profile == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
	}

	tickets, err := h.memberships.ListTickets(ctx, userID)
	if err != nil {
		h.logger.Error("failed to list tickets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get profile"})
		return
	}

	participations, err := h.memberships.CountApproved(ctx, userID, models.KindEvent)
	if err != nil {
		h.logger.Error("failed to count participations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get profile"})
		return
	}

	c.JSON(status, profileResponse{
		Profile:  profile,
		Tickets:  tickets,
		Progress: h.calc.Compute(participations),
	})
}

type updateProfileRequest struct {
	DisplayName *string               `json:"display_name"`
	Bio         *string               `json:"bio"`
	Settings    *models.SettingsPatch `json:"settings"`
}

func (r *updateProfileRequest) normalize() string {
	if r.DisplayName != nil {
		name := strings.TrimSpace(*r.DisplayName)
		if name == "" {
			return "display_name cannot be blank"
		}
		if utf8.RuneCountInString(name) > maxDisplayNameLength {
			return "display_name is too long"
		}
		r.DisplayName = &name
	}
	if r.Bio != nil {
		bio := strings.TrimSpace(*r.Bio)
		if utf8.RuneCountInString(bio) > maxBioLength {
			return "bio is too long"
		}
		r.Bio = &bio
	}
	return ""
}

// UpdateMe handles PATCH /v1/users/me
//
// Absent fields are left alone; settings are merged key by key.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.normalize(); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	profile, err := h.users.UpdateProfile(c.Request.Context(), middleware.GetUserID(c), models.ProfileUpdate{
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		Settings:    req.Settings,
	})
	if err != nil {
		h.logger.Error("failed to update profile", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update profile"})
		return
	}
	if profile == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	h.respondProfile(c, http.StatusOK, profile)
}

var avatarExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// UploadAvatar handles PUT /v1/users/me/avatar (multipart field "avatar").
func (h *UserHandler) UploadAvatar(c *gin.Context) {
	file, err := c.FormFile("avatar")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing avatar file"})
		return
	}
	if file.Size > maxAvatarBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "avatar must be 5MB or smaller"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable avatar file"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxAvatarBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable avatar file"})
		return
	}
	if len(data) > maxAvatarBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "avatar must be 5MB or smaller"})
		return
	}

	// Sniff rather than trust the part's Content-Type header.
	contentType := http.DetectContentType(data)
	ext, ok := avatarExtensions[contentType]
	if !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "avatar must be a jpeg, png, webp or gif image"})
		return
	}

	userID := middleware.GetUserID(c)
	objectPath := path.Join("avatars", userID.String(), uuid.NewString()+ext)
	url, err := h.gw.UploadFile(c.Request.Context(), h.bucket, objectPath, data, contentType)
	if err != nil {
		respondError(c, h.logger, err, "failed to upload avatar")
		return
	}

	if err := h.users.SetAvatar(c.Request.Context(), userID, url); err != nil {
		h.logger.Error("failed to set avatar", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set avatar"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"avatar_url": url})
}

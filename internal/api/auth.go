package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lalith-99/partyhub/internal/auth"
	"github.com/lalith-99/partyhub/internal/middleware"
	"github.com/lalith-99/partyhub/internal/models"
	"github.com/lalith-99/partyhub/internal/repository"
)

// AuthHandler handles signup, login and logout. Signup and login are public:
// the caller has no token yet, that is what they produce.
type AuthHandler struct {
	userRepo  repository.UserRepository
	jwtSecret string
	tokenTTL  time.Duration
	idle      *auth.IdleTracker
	logger    *zap.Logger
}

func NewAuthHandler(
	userRepo repository.UserRepository,
	jwtSecret string,
	tokenTTL time.Duration,
	idle *auth.IdleTracker,
	logger *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		userRepo:  userRepo,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		idle:      idle,
		logger:    logger,
	}
}

type signupRequest struct {
	Email       string `json:"email" binding:"required,email"`
	Password    string `json:"password" binding:"required,min=8"`
	DisplayName string `json:"display_name" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// authResponse is what signup and login return. The client sends the token
// back as "Authorization: Bearer <token>".
type authResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// Signup handles POST /v1/auth/signup
//
// Flow:
//  1. Validate input and normalize the email (lowercase, trimmed).
//  2. Hash the password with bcrypt.
//  3. Create the user. A taken email is a 409.
//  4. Issue a token so the client is signed in right away.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "display name is required"})
		return
	}

	// Why bcrypt and not sha256 with a salt?
	//   - bcrypt stores its own random salt inside the hash, so there is no
	//     salt column to manage.
	//   - The cost factor makes every guess expensive. A leaked users table
	//     is hard to brute force, and DefaultCost can be raised later
	//     without a migration because the cost is stored in the hash too.
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		h.logger.Error("failed to hash password", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	user, err := h.userRepo.Create(c.Request.Context(), email, displayName, string(hash))
	if err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
		h.logger.Error("failed to create user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	h.issue(c, http.StatusCreated, user, "signup failed")
}

// Login handles POST /v1/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.userRepo.GetByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		h.logger.Error("failed to find user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	// Why the same message for an unknown email and a wrong password?
	// Distinct errors would let anyone find out which addresses have an account
	// by watching the response. The 401 body is identical either way.
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}

	h.issue(c, http.StatusOK, user, "login failed")
}

// Logout handles POST /v1/auth/logout. The token stays signed but the idle
// tracker refuses it from now on.
func (h *AuthHandler) Logout(c *gin.Context) {
	session := middleware.GetSession(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "sign in required"})
		return
	}
	h.idle.Revoke(session.TokenID)
	c.Status(http.StatusNoContent)
}

func (h *AuthHandler) issue(c *gin.Context, status int, user *models.User, failMsg string) {
	token, tokenID, err := auth.GenerateToken(user.ID, user.Email, user.DisplayName, h.jwtSecret, h.tokenTTL)
	if err != nil {
		h.logger.Error("failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": failMsg})
		return
	}
	h.idle.Touch(tokenID)

	c.JSON(status, authResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.tokenTTL),
		User:      user,
	})
}

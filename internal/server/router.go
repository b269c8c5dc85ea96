package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/duetlabs/ritual/backend/internal/auth"
	"github.com/duetlabs/ritual/backend/internal/couples"
	"github.com/duetlabs/ritual/backend/internal/cycles"
	"github.com/duetlabs/ritual/backend/internal/profile"
	"github.com/duetlabs/ritual/backend/internal/synthesis"
)

const (
	userIDContextKey      = "ritual_user_id"
	displayNameContextKey = "ritual_display_name"
)

var (
	errMissingSessionManager = errors.New("session manager dependency required")
	errMissingCouplesService = errors.New("couples service dependency required")
	errMissingCyclesService  = errors.New("cycles service dependency required")
	errMissingTrigger        = errors.New("synthesis trigger dependency required")
	errMissingDispatcher     = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// SessionTokenManager validates (and, for the development login route,
// issues) session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, claims auth.SessionClaims) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the engine services.
type Dependencies struct {
	Sessions SessionTokenManager
	Couples  *couples.Service
	Cycles   *cycles.Service
	Trigger  *synthesis.Trigger
	Profiles *profile.Service
	Realtime *RealtimeDispatcher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin handler for the API server.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Couples == nil {
		return nil, errMissingCouplesService
	}
	if deps.Cycles == nil {
		return nil, errMissingCyclesService
	}
	if deps.Trigger == nil {
		return nil, errMissingTrigger
	}
	if deps.Realtime == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions: deps.Sessions,
		couples:  deps.Couples,
		cycles:   deps.Cycles,
		trigger:  deps.Trigger,
		profiles: deps.Profiles,
		realtime: deps.Realtime,
		clock:    clock,
		logger:   logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/auth/session", handler.handleSessionLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.POST("/couples", handler.handleCreateCouple)
	protected.POST("/couples/join", handler.handleJoinCouple)
	protected.DELETE("/couples/current", handler.handleDissolveCouple)
	protected.GET("/cycles/current", handler.handleCurrentCycle)
	protected.POST("/cycles/:id/input", handler.handleSubmitInput)
	protected.DELETE("/cycles/:id/input", handler.handleClearInput)
	protected.PUT("/cycles/:id/preferences", handler.handleSetPreference)
	protected.DELETE("/cycles/:id/preferences/:rank", handler.handleClearPreference)
	protected.POST("/cycles/:id/availability/toggle", handler.handleToggleAvailability)
	protected.POST("/cycles/:id/synthesize", handler.handleSynthesize)
	protected.POST("/cycles/:id/confirm", handler.handleConfirm)
	protected.GET("/cycles/:id/stream", handler.handleCycleStream)

	return router, nil
}

type httpHandler struct {
	sessions SessionTokenManager
	couples  *couples.Service
	cycles   *cycles.Service
	trigger  *synthesis.Trigger
	profiles *profile.Service
	realtime *RealtimeDispatcher
	clock    func() time.Time
	logger   *zap.Logger
}

type sessionRequestPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type sessionResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleSessionLogin(c *gin.Context) {
	var request sessionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.sessions.IssueSessionToken(c.Request.Context(), auth.SessionClaims{
		UserID:      strings.TrimSpace(request.UserID),
		DisplayName: strings.TrimSpace(request.DisplayName),
	})
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, sessionResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	default:
		// EventSource cannot set headers; the stream endpoint authenticates
		// via query parameter instead.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if h.profiles != nil {
		if err := h.profiles.Observe(c.Request.Context(), claims.UserID, claims.DisplayName); err != nil {
			h.logger.Warn("profile observation failed", zap.Error(err))
		}
	}

	c.Set(userIDContextKey, claims.UserID)
	c.Set(displayNameContextKey, claims.DisplayName)
	c.Next()
}

type mePayload struct {
	UserID      string         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Couple      *couplePayload `json:"couple,omitempty"`
}

type couplePayload struct {
	CoupleID         string `json:"couple_id"`
	PartnerID        string `json:"partner_id,omitempty"`
	PartnerName      string `json:"partner_name,omitempty"`
	CityZone         string `json:"city_zone"`
	Joined           bool   `json:"joined"`
	DesignatedPicker string `json:"designated_picker"`
}

func (h *httpHandler) handleMe(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	payload := mePayload{
		UserID:      userID,
		DisplayName: c.GetString(displayNameContextKey),
	}
	couple, err := h.couples.ForUser(c.Request.Context(), userID)
	if err == nil {
		partnerID := couple.PartnerOf(userID)
		partnerName := ""
		if h.profiles != nil && partnerID != "" {
			partnerName = h.profiles.DisplayName(c.Request.Context(), partnerID)
		}
		payload.Couple = &couplePayload{
			CoupleID:         couple.CoupleID,
			PartnerID:        partnerID,
			PartnerName:      partnerName,
			CityZone:         couple.CityZone,
			Joined:           couple.Joined(),
			DesignatedPicker: couple.DesignatedPicker(),
		}
	} else if !errors.Is(err, couples.ErrCoupleNotFound) {
		h.logger.Error("couple lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, payload)
}

type createCoupleRequest struct {
	CityZone string `json:"city_zone"`
}

func (h *httpHandler) handleCreateCouple(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request createCoupleRequest
	_ = c.ShouldBindJSON(&request)

	couple, err := h.couples.Create(c.Request.Context(), userID, strings.TrimSpace(request.CityZone))
	if errors.Is(err, couples.ErrAlreadyCoupled) {
		c.JSON(http.StatusConflict, gin.H{"error": "already_coupled"})
		return
	}
	if err != nil {
		h.logger.Error("couple creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"couple_id": couple.CoupleID, "city_zone": couple.CityZone})
}

type joinCoupleRequest struct {
	CoupleID string `json:"couple_id"`
}

func (h *httpHandler) handleJoinCouple(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request joinCoupleRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.CoupleID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	couple, err := h.couples.Join(c.Request.Context(), strings.TrimSpace(request.CoupleID), userID)
	switch {
	case errors.Is(err, couples.ErrCoupleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "couple_not_found"})
		return
	case errors.Is(err, couples.ErrAlreadyJoined):
		c.JSON(http.StatusConflict, gin.H{"error": "already_joined"})
		return
	case errors.Is(err, couples.ErrSelfJoin):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_join"})
		return
	case err != nil:
		h.logger.Error("couple join failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "join_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"couple_id": couple.CoupleID, "joined": couple.Joined()})
}

func (h *httpHandler) handleDissolveCouple(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	couple, err := h.couples.ForUser(c.Request.Context(), userID)
	if errors.Is(err, couples.ErrCoupleNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "couple_not_found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if err := h.couples.Dissolve(c.Request.Context(), couple.CoupleID); err != nil {
		h.logger.Error("couple dissolution failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dissolve_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dissolved": true})
}

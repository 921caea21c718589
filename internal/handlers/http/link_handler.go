package http

import (
	"encoding/json"
	"net/http"
	"time"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/internal/infrastructure/middleware"
	"wiregate/internal/infrastructure/monitoring"
	"wiregate/pkg/validation"

	"github.com/gin-gonic/gin"
)

// LinkHandler exposes the gateway's action surface: link creation and
// relay for clients that signal over HTTP rather than a live websocket,
// plus presence queries and event injection for trusted backends.
type LinkHandler struct {
	broker   ports.Broker
	router   ports.Router
	presence ports.PresenceRepository
	health   *monitoring.HealthChecker
}

func NewLinkHandler(
	broker ports.Broker,
	router ports.Router,
	presence ports.PresenceRepository,
	health *monitoring.HealthChecker,
) *LinkHandler {
	return &LinkHandler{
		broker:   broker,
		router:   router,
		presence: presence,
		health:   health,
	}
}

func (h *LinkHandler) SetupRoutes(router *gin.Engine, resolver ports.SessionResolver) {
	router.GET("/health", h.Health)

	api := router.Group("/v1", middleware.SessionMiddleware(resolver))
	{
		api.POST("/links", h.CreateLink)
		api.POST("/links/:token/relay", h.Relay)
		api.POST("/events", h.SendEvent)
		api.GET("/presence/:user", h.GetPresence)
	}
}

func (h *LinkHandler) CreateLink(c *gin.Context) {
	session, ok := middleware.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}

	var req struct {
		Target domain.UserID   `json:"target" binding:"required"`
		Offer  json.RawMessage `json:"offer" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	initiator := domain.Identity{User: session.User, Client: session.Client}
	token, err := h.broker.CreateLink(c.Request.Context(), initiator, req.Target, req.Offer)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"expires_in": int(domain.LinkTokenTTL / time.Second),
	})
}

func (h *LinkHandler) Relay(c *gin.Context) {
	session, ok := middleware.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}

	token := c.Param("token")

	var req struct {
		Payload json.RawMessage `json:"payload" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sender := domain.Identity{User: session.User, Client: session.Client}
	if err := h.broker.Relay(c.Request.Context(), sender, token, req.Payload); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"relayed": true})
}

func (h *LinkHandler) SendEvent(c *gin.Context) {
	if _, ok := middleware.SessionFromContext(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}

	var req struct {
		User    domain.UserID   `json:"user" binding:"required"`
		Client  domain.ClientID `json:"client"`
		Payload json.RawMessage `json:"payload" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateEventPayload(req.Payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	delivered, err := h.router.SendEvent(c.Request.Context(), &domain.Event{
		User:    req.User,
		Client:  req.Client,
		Kind:    domain.EventKindPlain,
		Payload: req.Payload,
	})
	if err != nil && !delivered {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (h *LinkHandler) GetPresence(c *gin.Context) {
	user := c.Param("user")
	if err := validation.ValidateUserID(user); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := h.presence.Lookup(c.Request.Context(), domain.UserID(user), "")
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":   user,
		"active": len(entries) > 0,
		"live":   entries,
	})
}

func (h *LinkHandler) Health(c *gin.Context) {
	healthy, results := h.health.Run(c.Request.Context())

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now().Unix(),
		"checks":    results,
	})
}

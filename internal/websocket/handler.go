package websocket

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ecoshare/backend/internal/auth"
	"github.com/ecoshare/backend/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades authenticated HTTP requests to socket connections.
type Handler struct {
	hub            *Hub
	proto          *Protocol
	jwtService     *auth.JWTService
	settings       Settings
	allowedOrigins []string
	upgrader       websocket.Upgrader
	ctx            context.Context
	log            *zap.Logger
}

// NewHandler creates a new WebSocket handler. ctx bounds the lifetime of
// every connection it accepts.
func NewHandler(ctx context.Context, hub *Hub, proto *Protocol, jwtService *auth.JWTService, settings Settings, allowedOrigins []string, log *zap.Logger) *Handler {
	h := &Handler{
		hub:            hub,
		proto:          proto,
		jwtService:     jwtService,
		settings:       settings,
		allowedOrigins: allowedOrigins,
		ctx:            ctx,
		log:            log.Named("ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
		return
	}

	claims, err := h.jwtService.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, claims.UserID, h.settings, h.log)
	h.hub.Register(client)
	if err := h.proto.JoinParticipating(h.ctx, client); err != nil {
		client.log.Warn("failed to join conversation rooms", zap.Error(err))
	}

	go client.WritePump()
	go client.ReadPump(h.ctx, h.proto)
}

// GetOnlineUsers returns online users
func (h *Handler) GetOnlineUsers(c *gin.Context) {
	if _, ok := middleware.UserID(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	onlineUsers := h.hub.OnlineUsers()
	c.JSON(http.StatusOK, gin.H{
		"onlineUsers": onlineUsers,
		"count":       len(onlineUsers),
	})
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients send no origin
		return true
	}
	for _, pattern := range h.allowedOrigins {
		if matchOrigin(pattern, origin) {
			return true
		}
	}
	return false
}

// matchOrigin supports exact matches or wildcard patterns like *.example.com
func matchOrigin(pattern, origin string) bool {
	if pattern == "*" || pattern == origin {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		originHost := origin
		if u, err := url.Parse(origin); err == nil {
			originHost = u.Hostname()
		}
		patHost := strings.TrimPrefix(pattern, "*.")
		if originHost == patHost || strings.HasSuffix(originHost, "."+patHost) {
			return true
		}
	}
	return false
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	wssignal "github.com/avolkov/meshcall/internal/adapters/signal"
	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/registry"
)

type RoomHandlers struct {
	Registry *registry.Registry
	// Limiter bounds room creations per client token; nil disables it.
	Limiter *wssignal.RateLimiter
}

type createRoomRequest struct {
	RoomID   string `json:"roomId"`
	Password string `json:"password"`
	MaxPeers int    `json:"maxPeers" binding:"omitempty,min=2,max=64"`
}

type createRoomResponse struct {
	RoomID domain.RoomID `json:"roomId"`
}

// Create registers a room explicitly. The websocket join can also
// auto-create rooms when room_auto_create is on; this endpoint exists
// for hosts that want password or size limits.
func (h *RoomHandlers) Create(c *gin.Context) {
	if h.Limiter != nil {
		key := c.GetString("client_token")
		if key == "" {
			key = c.ClientIP()
		}
		if !h.Limiter.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many rooms created"})
			return
		}
	}

	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := domain.RoomID(req.RoomID)
	if id == "" {
		id = domain.RoomID(uuid.NewString())
	}

	err := h.Registry.CreateRoom(id, domain.RoomConfig{
		Password: req.Password,
		MaxPeers: req.MaxPeers,
	})
	switch {
	case errors.Is(err, domain.ErrDuplicateRoom):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, domain.ErrRoomIDInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	log.Info().Str("module", "httpapi").Str("room", string(id)).Int("max_peers", req.MaxPeers).Msg("room created via api")
	c.JSON(http.StatusCreated, createRoomResponse{RoomID: id})
}

func (h *RoomHandlers) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"rooms":         h.Registry.Rooms(),
		"totalSessions": h.Registry.TotalSessions(),
	})
}

func (h *RoomHandlers) Get(c *gin.Context) {
	id := domain.RoomID(c.Param("roomId"))
	if !h.Registry.RoomExists(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrRoomNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":      id,
		"memberCount": h.Registry.RoomSize(id),
	})
}

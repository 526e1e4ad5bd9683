package stream

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	loggerf  func(format string, args ...interface{})
}

func NewHandler(hub *Hub, loggerf func(format string, args ...interface{})) *Handler {
	if loggerf == nil {
		loggerf = func(string, ...interface{}) {}
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Operator consoles connect from the admin origin which already
			// passed CORS and JWT auth; the upgrade itself is not origin-gated.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		loggerf: loggerf,
	}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/events/stream", h.Stream)
}

// Stream godoc
// @Summary      Live payment event stream
// @Description  Upgrades to a websocket that receives payment lifecycle events
// @Tags         Admin
// @Security     BearerAuth
// @Router       /admin/events/stream [get]
func (h *Handler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.loggerf("level=error msg=websocket upgrade failed err=%v", err)
		return
	}

	connID := uuid.NewString()
	h.hub.Register(connID, conn)
	h.loggerf("level=info msg=operator console connected conn_id=%s total=%d", connID, h.hub.ConnectionCount())

	// Consoles only listen; the read loop exists to notice the close.
	go func() {
		defer h.hub.Unregister(connID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.loggerf("level=info msg=operator console disconnected conn_id=%s", connID)
				return
			}
		}
	}()
}

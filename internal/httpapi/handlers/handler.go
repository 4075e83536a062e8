package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/config"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-relay/internal/identity"
	"github.com/suPer8Hu/ai-relay/internal/relay"
	"github.com/suPer8Hu/ai-relay/internal/usage"
	"github.com/suPer8Hu/ai-relay/internal/users"
)

// Checker reports the health of one dependency.
type Checker func(ctx context.Context) error

type Deps struct {
	Cfg         config.Config
	Users       *users.Repo // nil without a database
	Stores      chat.Stores
	Coordinator *relay.Coordinator
	Models      relay.ModelResolver
	Catalog     *ai.Catalog
	Usage       usage.Counter
	Checks      map[string]Checker
	Log         *slog.Logger
}

type Handler struct {
	Deps
	upgrader websocket.Upgrader
}

func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Catalog == nil {
		d.Catalog = ai.DefaultCatalog()
	}
	if d.Usage == nil {
		d.Usage = usage.Router{}
	}
	return &Handler{
		Deps: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origins are enforced by the CORS layer
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// caller is the authenticated user, else the guest named by the guest_id
// query parameter.
func caller(c *gin.Context) identity.Identity {
	if uid, ok := middleware.UserID(c); ok {
		return identity.User{UserID: uid}
	}
	return identity.Resolve("", c.Query("guest_id"))
}

func (h *Handler) Health(c *gin.Context) {
	status := gin.H{}
	healthy := true
	for name, check := range h.Checks {
		if err := check(c.Request.Context()); err != nil {
			h.Log.Warn("health check failed", "dependency", name, "err", err)
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": 50300, "message": "degraded", "data": status})
		return
	}
	common.OK(c, gin.H{"status": "ok", "dependencies": status})
}

func (h *Handler) ListModels(c *gin.Context) {
	common.OK(c, gin.H{
		"models":   h.Catalog.Models,
		"defaults": h.Catalog.Defaults(),
	})
}

package httpapi

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/middleware"
)

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func NewRouter(d handlers.Deps) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())
	r.Use(cors.New(corsConfig(d.Cfg.CORSOrigins)))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(d)
	secret := d.Cfg.JWTSecret

	// websocket; a token is optional
	r.GET("/ws", middleware.OptionalAuth(secret), h.ServeWS)

	api := r.Group("/api")
	api.GET("/health", h.Health)
	api.GET("/models", h.ListModels)

	// accounts
	api.POST("/users", h.CreateUser)
	api.POST("/login", h.Login)

	open := api.Group("/")
	open.Use(middleware.OptionalAuth(secret))
	open.POST("/chat", h.Complete)
	open.GET("/usage", h.GetUsage)
	open.GET("/chat/history/:session_id", h.ListChatHistory)

	authGroup := api.Group("/")
	authGroup.Use(middleware.AuthRequired(secret))
	authGroup.GET("/me", h.Me)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.PATCH("/chat/sessions/:session_id", h.RenameChatSession)
	authGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	authGroup.POST("/chat/sessions/:session_id/participants", h.AddParticipant)
	return r
}

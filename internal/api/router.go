// Package api exposes the engine over HTTP.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/orrn/autoprint/internal/api/handlers"
	"github.com/orrn/autoprint/internal/api/middleware"
)

type RouterConfig struct {
	Engine handlers.Engine
	DB     handlers.Pinger
	// Auth is nil when authentication is disabled.
	Auth   *middleware.AuthMiddleware
	Logger *logrus.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	r.GET("/health", handlers.NewHealthHandler(cfg.DB).Health)

	v1 := r.Group("/api/v1")
	if cfg.Auth != nil {
		v1.POST("/auth/token", cfg.Auth.TokenHandler)
	}

	protected := v1.Group("")
	if cfg.Auth != nil {
		protected.Use(cfg.Auth.RequireAuth())
	}
	handlers.NewJobHandler(cfg.Engine).RegisterRoutes(protected)
	handlers.NewPrinterHandler(cfg.Engine).RegisterRoutes(protected)

	return r
}

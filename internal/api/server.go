// Package api assembles the gin router: middleware chain, inference
// endpoints, model discovery, health and metrics.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/user/llm-gateway/internal/api/handler"
	"github.com/user/llm-gateway/internal/api/middleware"
	"github.com/user/llm-gateway/internal/config"
	"github.com/user/llm-gateway/internal/registry"
	"go.uber.org/zap"
)

// Server wraps the HTTP router and its dependencies.
type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds all dependencies for the API server.
type ServerDeps struct {
	Config   *config.Config
	Router   handler.Router
	Registry *registry.Registry
	Health   handler.HealthSource
	Breaker  handler.BreakerSnapshotter
	Lister   handler.ModelLister
	Metrics  http.Handler
	Logger   *zap.Logger
}

// NewServer creates the API server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.RateLimit(deps.Config.RateLimit))

	// Operational surfaces, no auth.
	healthHandler := handler.NewHealthHandler(deps.Registry, deps.Health, deps.Breaker)
	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	// Inference surface, API key auth.
	proxyHandler := handler.NewProxyHandler(deps.Router, deps.Config.Server.RequestTimeout, logger)
	modelsHandler := handler.NewModelsHandler(deps.Registry, deps.Lister, logger)
	v1 := r.Group("/v1")
	v1.Use(middleware.Auth(deps.Config.Auth))
	{
		v1.POST("/chat/completions", proxyHandler.ChatCompletions)
		v1.POST("/completions", proxyHandler.Completions)
		v1.POST("/embeddings", proxyHandler.Embeddings)
		v1.POST("/images/generations", proxyHandler.ImageGenerations)
		v1.GET("/models", modelsHandler.List)
	}

	return &Server{router: r, logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

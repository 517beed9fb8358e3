package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/granary-data/granary/cmd/ingest-gateway/middleware"
	"github.com/granary-data/granary/internal/auth"
	"github.com/granary-data/granary/internal/upload"
	"github.com/granary-data/granary/pkg/config"
)

// setupRouter configures all HTTP routes
func setupRouter(authService *auth.Service, coordinator *upload.Coordinator, cfg *config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")

	// Auth routes (no auth required)
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/register", handleRegister(authService))
		authGroup.POST("/login", handleLogin(authService))
	}

	// Authenticated routes
	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(authService))
	{
		protected.POST("/auth/api-keys", handleCreateAPIKey(authService))

		uploads := protected.Group("/uploads")
		{
			uploads.GET("/config", handleUploadConfig(cfg))
			uploads.POST("", handleInitiateUpload(coordinator))
			uploads.GET("/:id", handleUploadStatus(coordinator))
			uploads.GET("/:id/resume", handleResumeInfo(coordinator))
			uploads.PUT("/:id/chunks/:index",
				middleware.ChunkValidationMiddleware(&cfg.Upload),
				handleUploadChunk(coordinator))
			uploads.POST("/:id/complete", handleCompleteUpload(coordinator))
			uploads.POST("/:id/confirm", handleConfirmCompletion(coordinator))
			uploads.DELETE("/:id", handleAbortUpload(coordinator))
		}
	}

	return router
}

package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/granary-data/granary/cmd/ingest-gateway/middleware"
	"github.com/granary-data/granary/internal/auth"
	"github.com/granary-data/granary/internal/govern"
	"github.com/granary-data/granary/internal/upload"
	"github.com/granary-data/granary/pkg/config"
	"github.com/granary-data/granary/pkg/types"
	"github.com/rs/zerolog/log"
)

// statusForError maps coordinator errors onto HTTP status codes following
// the retryable/terminal split: 429 means back off and retry, 4xx are
// client mistakes, 410 means the session is gone for good.
func statusForError(err error) int {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, govern.ErrRateLimited),
		errors.Is(err, govern.ErrTooManyConcurrentSessions):
		return http.StatusTooManyRequests
	case errors.Is(err, upload.ErrSessionExpired),
		errors.Is(err, upload.ErrSessionFailed):
		return http.StatusGone
	case errors.Is(err, upload.ErrUploadIncomplete),
		errors.Is(err, upload.ErrCompletionInProgress),
		errors.Is(err, upload.ErrNoConfirmationPending),
		errors.Is(err, upload.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, upload.ErrInvalidTotalSize),
		errors.Is(err, upload.ErrInvalidChunkSize),
		errors.Is(err, upload.ErrChunkIndexOutOfRange),
		errors.Is(err, upload.ErrChunkSizeMismatch),
		errors.Is(err, upload.ErrInvalidDecision),
		errors.Is(err, upload.ErrChunkIntegrityMismatch),
		errors.Is(err, upload.ErrFileIntegrityMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(statusForError(err), types.APIResponse{Success: false, Error: err.Error()})
}

// sessionForOwner loads a session and hides its existence from non-owners.
func sessionForOwner(c *gin.Context, coordinator *upload.Coordinator) (*types.UploadSession, uuid.UUID, bool) {
	user, ok := middleware.GetUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
		return nil, uuid.Nil, false
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		fail(c, upload.ErrSessionNotFound)
		return nil, uuid.Nil, false
	}

	sess, err := coordinator.Status(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return nil, uuid.Nil, false
	}
	if sess.OwnerID != user.ID {
		fail(c, upload.ErrSessionNotFound)
		return nil, uuid.Nil, false
	}
	return sess, id, true
}

func handleUploadConfig(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Client-side policy hints: chunk sizing and the threshold above
		// which chunked upload is recommended over single-shot.
		c.JSON(http.StatusOK, types.APIResponse{
			Success: true,
			Data: gin.H{
				"chunk_size_bytes":           cfg.Upload.ChunkSizeBytes,
				"min_chunk_size_bytes":       cfg.Upload.MinChunkSizeBytes,
				"max_chunk_size_bytes":       cfg.Upload.MaxChunkSizeBytes,
				"large_file_threshold_bytes": cfg.Upload.LargeFileThresholdBytes,
			},
		})
	}
}

func handleInitiateUpload(coordinator *upload.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.GetUserFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		var req types.InitiateUploadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: err.Error()})
			return
		}

		sess, err := coordinator.Initiate(c.Request.Context(), user.ID, req.FileName, req.TotalSize, req.ChunkSize, req.SHA256)
		if err != nil {
			fail(c, err)
			return
		}

		c.JSON(http.StatusCreated, types.APIResponse{Success: true, Data: sess})
	}
}

func handleUploadChunk(coordinator *upload.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, id, ok := sessionForOwner(c, coordinator)
		if !ok {
			return
		}

		index, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			fail(c, upload.ErrChunkIndexOutOfRange)
			return
		}

		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: "failed to read chunk body"})
			return
		}

		receipt, err := coordinator.AcceptChunk(c.Request.Context(), id, index, data, c.GetHeader("X-Chunk-SHA256"))
		if err != nil {
			fail(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: receipt})
	}
}

func handleResumeInfo(coordinator *upload.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, id, ok := sessionForOwner(c, coordinator)
		if !ok {
			return
		}

		info, err := coordinator.ResumeInfo(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: info})
	}
}

func handleUploadStatus(coordinator *upload.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, _, ok := sessionForOwner(c, coordinator)
		if !ok {
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: sess})
	}
}

func handleCompleteUpload(coordinator *upload.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, id, ok := sessionForOwner(c, coordinator)
		if !ok {
			return
		}

		result, err := coordinator.Complete(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

func handleConfirmCompletion(coordinator *upload.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, id, ok := sessionForOwner(c, coordinator)
		if !ok {
			return
		}

		var req types.ConfirmRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: err.Error()})
			return
		}

		result, err := coordinator.Confirm(c.Request.Context(), id, req.Decision)
		if err != nil {
			fail(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: result})
	}
}

func handleAbortUpload(coordinator *upload.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		_, id, ok := sessionForOwner(c, coordinator)
		if !ok {
			return
		}

		if err := coordinator.Abort(c.Request.Context(), id); err != nil {
			fail(c, err)
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true})
	}
}

func handleRegister(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: err.Error()})
			return
		}

		user, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusConflict, types.APIResponse{Success: false, Error: err.Error()})
			return
		}

		c.JSON(http.StatusCreated, types.APIResponse{Success: true, Data: user})
	}
}

func handleLogin(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: err.Error()})
			return
		}

		token, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "invalid credentials"})
			return
		}

		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: token})
	}
}

func handleCreateAPIKey(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.GetUserFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, types.APIResponse{Success: false, Error: "unauthorized"})
			return
		}

		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, types.APIResponse{Success: false, Error: err.Error()})
			return
		}

		apiKey, keyValue, err := authService.CreateAPIKey(c.Request.Context(), user.ID, req.Name)
		if err != nil {
			log.Error().Err(err).Msg("failed to create API key")
			c.JSON(http.StatusInternalServerError, types.APIResponse{Success: false, Error: "failed to create API key"})
			return
		}

		c.JSON(http.StatusCreated, types.APIResponse{
			Success: true,
			Data:    gin.H{"api_key": apiKey, "key": keyValue},
		})
	}
}

package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/granary-data/granary/pkg/config"
	"github.com/rs/zerolog/log"
)

// ChunkValidationMiddleware rejects chunk submissions that are malformed at
// the transport level before any session state is touched: a non-numeric
// index or a body larger than the configured chunk ceiling.
func ChunkValidationMiddleware(cfg *config.UploadConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := strconv.Atoi(c.Param("index")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "chunk index must be an integer",
			})
			c.Abort()
			return
		}

		if c.Request.ContentLength > cfg.MaxChunkSizeBytes {
			log.Warn().
				Int64("content_length", c.Request.ContentLength).
				Int64("max_chunk_size", cfg.MaxChunkSizeBytes).
				Str("path", c.Request.URL.Path).
				Msg("oversized chunk rejected")
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "chunk exceeds maximum chunk size",
			})
			c.Abort()
			return
		}

		// Guard the body read in the handler as well; ContentLength can lie.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxChunkSizeBytes)

		c.Next()
	}
}

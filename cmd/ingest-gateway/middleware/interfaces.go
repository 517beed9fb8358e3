package middleware

import (
	"context"

	"github.com/granary-data/granary/pkg/types"
)

// AuthServiceInterface defines the contract for authentication services
type AuthServiceInterface interface {
	ValidateToken(ctx context.Context, token string) (*types.User, error)
	ValidateAPIKey(ctx context.Context, apiKey string) (*types.User, *types.APIKey, error)
}

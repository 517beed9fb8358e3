package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/granary-data/granary/internal/common"
	"github.com/granary-data/granary/pkg/types"
	"gorm.io/gorm"
)

// activeStates are the non-terminal states that count against the
// per-owner concurrent session limit.
var activeStates = []types.SessionState{
	types.StateInitiated,
	types.StateReceiving,
	types.StateAssembling,
	types.StateScanning,
	types.StateAwaitingConfirmation,
}

// Registry is the durable record of every upload session. All mutation
// goes through the Coordinator; the registry only talks to the database.
type Registry struct {
	db *common.Database
}

// NewRegistry creates a session registry over the given database.
func NewRegistry(db *common.Database) *Registry {
	return &Registry{db: db}
}

// Create persists a new session record.
func (r *Registry) Create(ctx context.Context, sess *types.UploadSession) error {
	if err := r.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get loads a session by ID.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*types.UploadSession, error) {
	var sess types.UploadSession
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

// Save persists the full session record.
func (r *Registry) Save(ctx context.Context, sess *types.UploadSession) error {
	if err := r.db.WithContext(ctx).Save(sess).Error; err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// CompareAndSetState transitions the session's state only if it currently
// holds the expected state. Returns false when another writer got there
// first, which makes terminal transitions idempotent across processes.
func (r *Registry) CompareAndSetState(ctx context.Context, id uuid.UUID, from, to types.SessionState) (bool, error) {
	result := r.db.WithContext(ctx).Model(&types.UploadSession{}).
		Where("id = ? AND state = ?", id, from).
		Update("state", to)
	if result.Error != nil {
		return false, fmt.Errorf("failed to transition session state: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// CountActiveByOwner implements govern.SessionCounter.
func (r *Registry) CountActiveByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&types.UploadSession{}).
		Where("owner_id = ? AND state IN ?", ownerID, activeStates).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// ExpiredActive returns non-terminal sessions whose TTL has passed.
func (r *Registry) ExpiredActive(ctx context.Context, now time.Time) ([]types.UploadSession, error) {
	var sessions []types.UploadSession
	if err := r.db.WithContext(ctx).
		Where("expires_at < ? AND state IN ?", now, activeStates).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	return sessions, nil
}

// TerminalBefore returns failed and expired sessions whose last activity is
// older than the cutoff. These are past their inspection grace period.
func (r *Registry) TerminalBefore(ctx context.Context, cutoff time.Time) ([]types.UploadSession, error) {
	var sessions []types.UploadSession
	if err := r.db.WithContext(ctx).
		Where("last_activity_at < ? AND state IN ?", cutoff,
			[]types.SessionState{types.StateFailed, types.StateExpired}).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to query terminal sessions: %w", err)
	}
	return sessions, nil
}

// CommittedUnreleased returns committed sessions whose staged chunks have
// not been released yet, usually because the post-commit purge failed.
func (r *Registry) CommittedUnreleased(ctx context.Context) ([]types.UploadSession, error) {
	var sessions []types.UploadSession
	if err := r.db.WithContext(ctx).
		Where("state = ? AND staging_released = ?", types.StateCommitted, false).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("failed to query unreleased sessions: %w", err)
	}
	return sessions, nil
}

// MarkStagingReleased records that the session's staged bytes are gone.
func (r *Registry) MarkStagingReleased(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Model(&types.UploadSession{}).
		Where("id = ?", id).
		Update("staging_released", true).Error; err != nil {
		return fmt.Errorf("failed to mark staging released: %w", err)
	}
	return nil
}

// Delete removes a session record.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Delete(&types.UploadSession{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

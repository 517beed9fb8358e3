// Package govern enforces per-owner admission control: a cap on live upload
// sessions and a sliding-window request rate. Both failures are retryable;
// clients are expected to back off and try again.
package govern

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRateLimited signals the owner exceeded its request rate window.
	ErrRateLimited = errors.New("rate limited")

	// ErrTooManyConcurrentSessions signals the owner is at its live session cap.
	ErrTooManyConcurrentSessions = errors.New("too many concurrent sessions")
)

// SessionCounter reports how many non-terminal sessions an owner holds.
// The governor keeps no session state of its own.
type SessionCounter interface {
	CountActiveByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error)
}

// Limits configures per-owner admission thresholds.
type Limits struct {
	MaxConcurrentSessions int
	RequestsPerMinute     int
}

// Governor tracks request timestamps per owner in a fixed-size ring buffer.
// Owner state lives in a sync.Map so independent tenants never contend on
// a shared lock.
type Governor struct {
	limits   Limits
	sessions SessionCounter
	owners   sync.Map // uuid.UUID -> *ownerWindow
	now      func() time.Time
}

// New creates a governor with the given limits.
func New(limits Limits, sessions SessionCounter) *Governor {
	return &Governor{
		limits:   limits,
		sessions: sessions,
		now:      time.Now,
	}
}

// ownerWindow is a ring of the owner's most recent request timestamps.
// Capacity equals the per-minute limit: if the ring is full and the oldest
// entry is still inside the window, the owner is over its rate.
type ownerWindow struct {
	mu     sync.Mutex
	stamps []time.Time
	head   int
	filled bool
}

func (g *Governor) window(ownerID uuid.UUID) *ownerWindow {
	if w, ok := g.owners.Load(ownerID); ok {
		return w.(*ownerWindow)
	}
	w, _ := g.owners.LoadOrStore(ownerID, &ownerWindow{
		stamps: make([]time.Time, g.limits.RequestsPerMinute),
	})
	return w.(*ownerWindow)
}

// AllowRequest records one request for the owner and reports whether it is
// inside the sliding-window rate limit. Denied requests are not recorded,
// so a backing-off client is not penalized for the rejected attempt.
func (g *Governor) AllowRequest(ownerID uuid.UUID) error {
	if g.limits.RequestsPerMinute <= 0 {
		return nil
	}

	w := g.window(ownerID)
	now := g.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled {
		oldest := w.stamps[w.head]
		if now.Sub(oldest) < time.Minute {
			log.Warn().
				Str("owner_id", ownerID.String()).
				Int("limit", g.limits.RequestsPerMinute).
				Msg("request rate limit exceeded")
			return ErrRateLimited
		}
	}

	w.stamps[w.head] = now
	w.head++
	if w.head == len(w.stamps) {
		w.head = 0
		w.filled = true
	}
	return nil
}

// AdmitSession checks whether the owner may open another upload session.
// Live counts come from the session registry so restarts and multi-node
// deployments agree on the number.
func (g *Governor) AdmitSession(ctx context.Context, ownerID uuid.UUID) error {
	if g.limits.MaxConcurrentSessions <= 0 {
		return nil
	}

	active, err := g.sessions.CountActiveByOwner(ctx, ownerID)
	if err != nil {
		return err
	}

	if active >= int64(g.limits.MaxConcurrentSessions) {
		log.Warn().
			Str("owner_id", ownerID.String()).
			Int64("active_sessions", active).
			Int("limit", g.limits.MaxConcurrentSessions).
			Msg("concurrent session limit reached")
		return ErrTooManyConcurrentSessions
	}
	return nil
}

package upload

import (
	"fmt"

	"github.com/granary-data/granary/pkg/types"
)

// transitions is the session lifecycle graph. Every state mutation goes
// through transition(), so an illegal edge is rejected outright instead of
// trusting callers.
var transitions = map[types.SessionState][]types.SessionState{
	types.StateInitiated: {
		types.StateReceiving,
	},
	types.StateReceiving: {
		types.StateAssembling,
		types.StateFailed,
		types.StateExpired,
	},
	types.StateAssembling: {
		types.StateScanning,
		types.StateFailed,
		types.StateExpired,
	},
	types.StateScanning: {
		types.StateCommitted,
		types.StateAwaitingConfirmation,
		types.StateFailed,
		types.StateExpired,
	},
	types.StateAwaitingConfirmation: {
		types.StateCommitted,
		types.StateFailed,
		types.StateExpired,
	},
	// Terminal states have no outgoing edges.
	types.StateCommitted: {},
	types.StateFailed:    {},
	types.StateExpired:   {},
}

func canTransition(from, to types.SessionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition validates and applies a state change in memory. The caller
// persists the session afterwards.
func transition(sess *types.UploadSession, to types.SessionState) error {
	if !canTransition(sess.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, sess.State, to)
	}
	sess.State = to
	return nil
}

// Package upload contains the coordinator that drives the resumable
// chunked upload lifecycle: session creation, chunk acceptance, resume gap
// computation, completion sequencing, and the sensitivity gate hand-off.
package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/granary-data/granary/internal/chunkstore"
	"github.com/granary-data/granary/internal/common"
	"github.com/granary-data/granary/internal/gate"
	"github.com/granary-data/granary/internal/govern"
	"github.com/granary-data/granary/internal/integrity"
	"github.com/granary-data/granary/internal/storage"
	"github.com/granary-data/granary/pkg/config"
	"github.com/granary-data/granary/pkg/types"
	"github.com/granary-data/granary/pkg/utils"
	"github.com/rs/zerolog/log"
)

const statusCacheTTL = 5 * time.Second

// Coordinator is the orchestrating state machine for upload sessions. It
// exclusively owns session mutation; every other component is a
// collaborator it drives.
type Coordinator struct {
	registry *Registry
	chunks   *chunkstore.Store
	blobs    storage.BlobStorage
	verifier integrity.Verifier
	governor *govern.Governor
	gate     *gate.Gate
	masker   gate.Masker
	cache    *common.Cache
	cfg      config.UploadConfig
	locks    sessionLocks
	now      func() time.Time
}

// NewCoordinator wires the upload coordinator. cache may be nil; it only
// serves the status endpoint.
func NewCoordinator(
	registry *Registry,
	chunks *chunkstore.Store,
	blobs storage.BlobStorage,
	governor *govern.Governor,
	gt *gate.Gate,
	masker gate.Masker,
	cache *common.Cache,
	cfg config.UploadConfig,
) *Coordinator {
	return &Coordinator{
		registry: registry,
		chunks:   chunks,
		blobs:    blobs,
		verifier: integrity.NewVerifier(),
		governor: governor,
		gate:     gt,
		masker:   masker,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
	}
}

func committedPath(id uuid.UUID) string {
	return fmt.Sprintf("files/%s", id)
}

// Initiate creates a new upload session for the owner. The session starts
// receiving immediately; INITIATED is a transient construction state.
func (c *Coordinator) Initiate(ctx context.Context, ownerID uuid.UUID, fileName string, totalSize, chunkSize int64, declaredSHA256 string) (*types.UploadSession, error) {
	if totalSize <= 0 {
		return nil, ErrInvalidTotalSize
	}
	if chunkSize < c.cfg.MinChunkSizeBytes || chunkSize > c.cfg.MaxChunkSizeBytes {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]",
			ErrInvalidChunkSize, chunkSize, c.cfg.MinChunkSizeBytes, c.cfg.MaxChunkSizeBytes)
	}

	if err := c.governor.AllowRequest(ownerID); err != nil {
		return nil, err
	}
	if err := c.governor.AdmitSession(ctx, ownerID); err != nil {
		return nil, err
	}

	now := c.now()
	count := int((totalSize + chunkSize - 1) / chunkSize)
	sess := &types.UploadSession{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		FileName:           fileName,
		DeclaredTotalSize:  totalSize,
		DeclaredChunkSize:  chunkSize,
		ExpectedChunkCount: count,
		DeclaredSHA256:     declaredSHA256,
		ReceivedBitmap:     types.NewChunkBitmap(count),
		State:              types.StateInitiated,
		CreatedAt:          now,
		LastActivityAt:     now,
		ExpiresAt:          now.Add(c.cfg.SessionIdleTimeout),
	}
	if err := transition(sess, types.StateReceiving); err != nil {
		return nil, err
	}

	if err := c.registry.Create(ctx, sess); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("owner_id", ownerID.String()).
		Str("total_size", utils.FormatBytes(totalSize)).
		Int64("chunk_size", chunkSize).
		Int("expected_chunks", count).
		Msg("upload session initiated")
	return sess, nil
}

// AcceptChunk stores and accounts one chunk. It is idempotent: resending a
// chunk the session already holds returns a duplicate receipt and mutates
// nothing. Chunk bytes are written to staging outside the session lock;
// only the bitmap and TTL update run under it.
func (c *Coordinator) AcceptChunk(ctx context.Context, sessionID uuid.UUID, index int, data []byte, chunkSHA256 string) (*types.ChunkReceipt, error) {
	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := c.governor.AllowRequest(sess.OwnerID); err != nil {
		return nil, err
	}

	now := c.now()
	if err := c.checkReceivable(sess, now); err != nil {
		return nil, err
	}

	if index < 0 || index >= sess.ExpectedChunkCount {
		return nil, fmt.Errorf("%w: index %d, expected [0, %d)",
			ErrChunkIndexOutOfRange, index, sess.ExpectedChunkCount)
	}

	expectedSize := sess.DeclaredChunkSize
	if index == sess.ExpectedChunkCount-1 {
		expectedSize = sess.LastChunkSize()
	}
	if len(data) == 0 || int64(len(data)) != expectedSize {
		return nil, fmt.Errorf("%w: chunk %d has %d bytes, expected %d",
			ErrChunkSizeMismatch, index, len(data), expectedSize)
	}

	if sess.ReceivedBitmap.Has(index) {
		staged, err := c.chunks.Has(ctx, sessionID, index)
		if err != nil {
			return nil, err
		}
		if staged {
			return c.duplicateReceipt(sess, index), nil
		}
		// Accounted but missing from staging: the blob was lost after the
		// receipt. Fall through and re-stage the resent bytes.
	}

	if chunkSHA256 != "" {
		if err := c.verifier.VerifyChunk(data, chunkSHA256); err != nil {
			// Chunk discarded, never staged. The client retries.
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrChunkIntegrityMismatch, index, err)
		}
	}

	if err := c.chunks.Put(ctx, sessionID, index, data); err != nil {
		return nil, err
	}

	unlock := c.locks.lock(sessionID)
	defer unlock()

	// Re-read under the lock: another upload of the same index may have
	// won the race, and the session may have moved on.
	sess, err = c.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := c.checkReceivable(sess, c.now()); err != nil {
		return nil, err
	}
	if sess.ReceivedBitmap.Has(index) {
		return c.duplicateReceipt(sess, index), nil
	}

	sess.ReceivedBitmap.Set(index)
	sess.ReceivedCount = sess.ReceivedBitmap.Count()
	sess.LastActivityAt = c.now()
	sess.ExpiresAt = sess.LastActivityAt.Add(c.cfg.SessionIdleTimeout)
	if err := c.registry.Save(ctx, sess); err != nil {
		return nil, err
	}

	log.Debug().
		Str("session_id", sessionID.String()).
		Int("chunk_index", index).
		Int("received", sess.ReceivedCount).
		Int("expected", sess.ExpectedChunkCount).
		Msg("chunk accepted")

	return &types.ChunkReceipt{
		SessionID:     sessionID,
		ChunkIndex:    index,
		Duplicate:     false,
		ReceivedCount: sess.ReceivedCount,
		ExpectedCount: sess.ExpectedChunkCount,
	}, nil
}

func (c *Coordinator) duplicateReceipt(sess *types.UploadSession, index int) *types.ChunkReceipt {
	return &types.ChunkReceipt{
		SessionID:     sess.ID,
		ChunkIndex:    index,
		Duplicate:     true,
		ReceivedCount: sess.ReceivedCount,
		ExpectedCount: sess.ExpectedChunkCount,
	}
}

// checkReceivable guards chunk submission against dead or advanced sessions.
func (c *Coordinator) checkReceivable(sess *types.UploadSession, now time.Time) error {
	switch {
	case sess.State == types.StateExpired || now.After(sess.ExpiresAt):
		return ErrSessionExpired
	case sess.State == types.StateFailed:
		return fmt.Errorf("%w: %s", ErrSessionFailed, sess.FailureReason)
	case sess.State != types.StateReceiving:
		return fmt.Errorf("%w: session is %s", ErrIllegalTransition, sess.State)
	}
	return nil
}

// ResumeInfo computes the ascending set of chunk indices not yet received.
// Pure read; a client that lost local progress re-derives exactly what
// still needs sending.
func (c *Coordinator) ResumeInfo(ctx context.Context, sessionID uuid.UUID) (*types.ResumeInfo, error) {
	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &types.ResumeInfo{
		SessionID:     sess.ID,
		MissingChunks: sess.ReceivedBitmap.Missing(sess.ExpectedChunkCount),
		ReceivedCount: sess.ReceivedCount,
		ExpectedCount: sess.ExpectedChunkCount,
	}, nil
}

// Complete assembles the file, verifies whole-file integrity, and runs the
// sensitivity gate. It is idempotent: a committed session returns its prior
// result without re-scanning, and a session awaiting confirmation returns
// its report again. Infrastructure failures leave the session in a state
// from which Complete can simply be retried.
func (c *Coordinator) Complete(ctx context.Context, sessionID uuid.UUID) (*types.CompletionResult, error) {
	unlock := c.locks.lock(sessionID)
	defer unlock()

	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	switch sess.State {
	case types.StateCommitted:
		return c.priorResult(sess), nil
	case types.StateFailed:
		return nil, fmt.Errorf("%w: %s", ErrSessionFailed, sess.FailureReason)
	case types.StateExpired:
		return nil, ErrSessionExpired
	}
	// Past the TTL every non-terminal session answers the same way, whether
	// or not the sweep has caught up with it yet.
	if now.After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	if sess.State == types.StateAwaitingConfirmation {
		return c.heldResult(sess), nil
	}

	if sess.State == types.StateReceiving {
		if !sess.ReceivedBitmap.Full(sess.ExpectedChunkCount) {
			return nil, fmt.Errorf("%w: %d of %d chunks received",
				ErrUploadIncomplete, sess.ReceivedCount, sess.ExpectedChunkCount)
		}
		// Compare-and-set so a racing Complete in another process cannot
		// also enter the assembly sequence.
		ok, err := c.registry.CompareAndSetState(ctx, sess.ID, types.StateReceiving, types.StateAssembling)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the transition: another completion is driving this
			// session. Answer from whatever state it left behind.
			sess, err = c.registry.Get(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			return c.concurrentCompletionResult(sess)
		}
		sess.State = types.StateAssembling
	}

	// Arriving here with ASSEMBLING or SCANNING already set means a prior
	// attempt crashed mid-flight; resume from where it stopped.
	if sess.State == types.StateAssembling {
		if err := c.assemble(ctx, sess); err != nil {
			return nil, err
		}
	}

	return c.scanAndGate(ctx, sess)
}

// concurrentCompletionResult maps the state another completion left behind
// onto this caller's answer. ASSEMBLING and SCANNING mean the other writer
// is still mid-flight; re-entering assembly here would duplicate its work.
func (c *Coordinator) concurrentCompletionResult(sess *types.UploadSession) (*types.CompletionResult, error) {
	switch sess.State {
	case types.StateCommitted:
		return c.priorResult(sess), nil
	case types.StateAwaitingConfirmation:
		return c.heldResult(sess), nil
	case types.StateFailed:
		return nil, fmt.Errorf("%w: %s", ErrSessionFailed, sess.FailureReason)
	case types.StateExpired:
		return nil, ErrSessionExpired
	default:
		return nil, ErrCompletionInProgress
	}
}

func (c *Coordinator) heldResult(sess *types.UploadSession) *types.CompletionResult {
	return &types.CompletionResult{
		SessionID:            sess.ID,
		RequiresConfirmation: true,
		PIIReport:            sess.PIIReport,
	}
}

// assemble concatenates chunks in index order into the staged assembled
// file, computing the authoritative whole-file digest on the way through.
func (c *Coordinator) assemble(ctx context.Context, sess *types.UploadSession) error {
	reader := c.chunks.Reader(ctx, sess.ID, sess.ExpectedChunkCount)
	defer reader.Close()

	digest := integrity.NewDigest()
	if err := c.chunks.PutAssembled(ctx, sess.ID, io.TeeReader(reader, digest)); err != nil {
		return err
	}

	computed := digest.Sum()
	if sess.DeclaredSHA256 != "" && !integrity.Equal(sess.DeclaredSHA256, computed) {
		// Systemic corruption beyond single-chunk retry. Terminal for the
		// session; the record sticks around long enough to inspect.
		reason := fmt.Sprintf("whole-file digest mismatch: declared %s, computed %s",
			sess.DeclaredSHA256, computed)
		if err := c.fail(ctx, sess, reason); err != nil {
			return err
		}
		log.Warn().
			Str("session_id", sess.ID.String()).
			Str("declared", sess.DeclaredSHA256).
			Str("computed", computed).
			Msg("whole-file integrity mismatch")
		return fmt.Errorf("%w: declared %s, computed %s",
			ErrFileIntegrityMismatch, sess.DeclaredSHA256, computed)
	}

	// Set exactly once, never recomputed for the unmasked content.
	sess.ComputedSHA256 = computed
	if err := transition(sess, types.StateScanning); err != nil {
		return err
	}
	return c.registry.Save(ctx, sess)
}

// scanAndGate runs the sensitivity scan on the staged assembled file and
// applies the gate policy.
func (c *Coordinator) scanAndGate(ctx context.Context, sess *types.UploadSession) (*types.CompletionResult, error) {
	assembled, err := c.chunks.Assembled(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer assembled.Close()

	report, outcome, err := c.gate.Inspect(ctx, assembled)
	if err != nil {
		// Scanner unavailable: no transition attempted, retry is safe.
		return nil, fmt.Errorf("sensitivity scan failed: %w", err)
	}

	sess.PIIReport = report

	if outcome == gate.OutcomeConfirm {
		if err := transition(sess, types.StateAwaitingConfirmation); err != nil {
			return nil, err
		}
		sess.LastActivityAt = c.now()
		if err := c.registry.Save(ctx, sess); err != nil {
			return nil, err
		}
		log.Info().
			Str("session_id", sess.ID.String()).
			Str("risk_level", string(report.RiskLevel)).
			Msg("upload held for confirmation")
		return c.heldResult(sess), nil
	}

	return c.commitAssembled(ctx, sess)
}

// commitAssembled moves the staged assembled file into durable storage and
// finalizes the session. Ownership of the bytes transfers to the blob
// store; staging is released.
func (c *Coordinator) commitAssembled(ctx context.Context, sess *types.UploadSession) (*types.CompletionResult, error) {
	assembled, err := c.chunks.Assembled(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer assembled.Close()

	path := committedPath(sess.ID)
	if err := c.blobs.Store(ctx, path, assembled); err != nil {
		return nil, fmt.Errorf("failed to commit file: %w", err)
	}

	if err := transition(sess, types.StateCommitted); err != nil {
		return nil, err
	}
	sess.StoragePath = path
	sess.LastActivityAt = c.now()
	if err := c.registry.Save(ctx, sess); err != nil {
		return nil, err
	}

	if err := c.releaseStaging(ctx, sess.ID); err != nil {
		// Committed either way; the sweep retries the release.
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to purge staging after commit")
	}

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("sha256", sess.ComputedSHA256).
		Str("path", path).
		Msg("upload committed")
	return c.priorResult(sess), nil
}

// releaseStaging purges the session's staged bytes and records the release
// so the sweep knows not to revisit it.
func (c *Coordinator) releaseStaging(ctx context.Context, id uuid.UUID) error {
	if err := c.chunks.Purge(ctx, id); err != nil {
		return err
	}
	return c.registry.MarkStagingReleased(ctx, id)
}

func (c *Coordinator) priorResult(sess *types.UploadSession) *types.CompletionResult {
	return &types.CompletionResult{
		SessionID: sess.ID,
		Committed: true,
		SHA256:    sess.ComputedSHA256,
		PIIReport: sess.PIIReport,
	}
}

// Confirm resolves a session held in AWAITING_CONFIRMATION. mask_and_accept
// rewrites the staged bytes through the masker and the commit digest is
// recomputed over the masked content.
func (c *Coordinator) Confirm(ctx context.Context, sessionID uuid.UUID, decision types.ConfirmDecision) (*types.CompletionResult, error) {
	unlock := c.locks.lock(sessionID)
	defer unlock()

	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.State {
	case types.StateCommitted:
		return c.priorResult(sess), nil
	case types.StateExpired:
		return nil, ErrSessionExpired
	case types.StateFailed:
		return nil, fmt.Errorf("%w: %s", ErrSessionFailed, sess.FailureReason)
	case types.StateAwaitingConfirmation:
		// proceed
	default:
		return nil, ErrNoConfirmationPending
	}
	if c.now().After(sess.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	switch decision {
	case types.DecisionAcceptAsIs:
		return c.commitAssembled(ctx, sess)

	case types.DecisionMaskAndAccept:
		return c.commitMasked(ctx, sess)

	case types.DecisionReject:
		if err := c.fail(ctx, sess, "rejected after sensitivity review"); err != nil {
			return nil, err
		}
		log.Info().Str("session_id", sess.ID.String()).Msg("upload rejected by owner")
		return &types.CompletionResult{
			SessionID: sess.ID,
			Rejected:  true,
			PIIReport: sess.PIIReport,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
}

func (c *Coordinator) commitMasked(ctx context.Context, sess *types.UploadSession) (*types.CompletionResult, error) {
	assembled, err := c.chunks.Assembled(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer assembled.Close()

	var findings []types.PIIFinding
	if sess.PIIReport != nil {
		findings = sess.PIIReport.Findings
	}
	masked, err := c.masker.Mask(ctx, assembled, findings)
	if err != nil {
		return nil, fmt.Errorf("failed to mask content: %w", err)
	}

	digest := integrity.NewDigest()
	path := committedPath(sess.ID)
	if err := c.blobs.Store(ctx, path, io.TeeReader(masked, digest)); err != nil {
		return nil, fmt.Errorf("failed to commit masked file: %w", err)
	}

	if err := transition(sess, types.StateCommitted); err != nil {
		return nil, err
	}
	sess.ComputedSHA256 = digest.Sum()
	sess.StoragePath = path
	sess.LastActivityAt = c.now()
	if err := c.registry.Save(ctx, sess); err != nil {
		return nil, err
	}

	if err := c.releaseStaging(ctx, sess.ID); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to purge staging after masked commit")
	}

	log.Info().
		Str("session_id", sess.ID.String()).
		Str("sha256", sess.ComputedSHA256).
		Msg("upload committed with masking")
	return c.priorResult(sess), nil
}

// Abort is the client-initiated cancellation: the session fails now and its
// staged chunks are released immediately instead of waiting for the TTL
// sweep. Aborting a terminal session is a no-op.
func (c *Coordinator) Abort(ctx context.Context, sessionID uuid.UUID) error {
	unlock := c.locks.lock(sessionID)
	defer unlock()

	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return nil
	}

	if err := c.fail(ctx, sess, "aborted by client"); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID.String()).Msg("upload aborted")
	return nil
}

// fail moves a session to FAILED and releases its staged bytes. The record
// itself survives until the retention sweep so the client can inspect the
// failure reason.
func (c *Coordinator) fail(ctx context.Context, sess *types.UploadSession, reason string) error {
	if err := transition(sess, types.StateFailed); err != nil {
		return err
	}
	sess.FailureReason = reason
	sess.LastActivityAt = c.now()
	if err := c.registry.Save(ctx, sess); err != nil {
		return err
	}
	if err := c.chunks.Purge(ctx, sess.ID); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to purge staging for failed session")
	}
	return nil
}

// Status returns the session record, via a short-lived cache when one is
// configured. Used by the read-only status endpoint.
func (c *Coordinator) Status(ctx context.Context, sessionID uuid.UUID) (*types.UploadSession, error) {
	key := fmt.Sprintf("session:status:%s", sessionID)
	if c.cache != nil {
		var cached types.UploadSession
		if err := c.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		}
	}

	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, sess, statusCacheTTL); err != nil {
			log.Debug().Err(err).Msg("failed to cache session status")
		}
	}
	return sess, nil
}

// Sweep expires idle sessions and reclaims their staged bytes, then drops
// failed/expired records past their retention grace. It takes only
// per-session try-locks, skipping sessions another operation holds, so it
// can run concurrently with live traffic.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	now := c.now()
	expired, err := c.registry.ExpiredActive(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range expired {
		sess := &expired[i]
		unlock, ok := c.locks.tryLock(sess.ID)
		if !ok {
			continue
		}

		// Re-read under the lock; the session may have completed since
		// the query.
		fresh, err := c.registry.Get(ctx, sess.ID)
		if err == nil && !fresh.State.Terminal() && now.After(fresh.ExpiresAt) {
			if terr := transition(fresh, types.StateExpired); terr == nil {
				fresh.LastActivityAt = now
				if serr := c.registry.Save(ctx, fresh); serr != nil {
					log.Error().Err(serr).Str("session_id", fresh.ID.String()).Msg("failed to expire session")
				} else {
					if perr := c.chunks.Purge(ctx, fresh.ID); perr != nil {
						log.Error().Err(perr).Str("session_id", fresh.ID.String()).Msg("failed to purge expired session")
					}
					swept++
				}
			}
		}
		unlock()
	}

	// Retention pass: drop terminal records past the inspection grace.
	old, err := c.registry.TerminalBefore(ctx, now.Add(-c.cfg.FailedRetention))
	if err != nil {
		return swept, err
	}
	for i := range old {
		sess := &old[i]
		unlock, ok := c.locks.tryLock(sess.ID)
		if !ok {
			continue
		}
		if err := c.chunks.Purge(ctx, sess.ID); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to purge retained session")
		}
		if err := c.registry.Delete(ctx, sess.ID); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to delete retained session")
		}
		unlock()
		c.locks.forget(sess.ID)
	}

	// Committed sessions whose post-commit purge failed still hold their
	// staged bytes; release them here.
	unreleased, err := c.registry.CommittedUnreleased(ctx)
	if err != nil {
		return swept, err
	}
	for i := range unreleased {
		sess := &unreleased[i]
		unlock, ok := c.locks.tryLock(sess.ID)
		if !ok {
			continue
		}
		if err := c.releaseStaging(ctx, sess.ID); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("failed to release staging for committed session")
		}
		unlock()
	}

	if swept > 0 {
		log.Info().Int("sessions_expired", swept).Msg("sweep completed")
	}
	return swept, nil
}

// RunSweeper runs Sweep on a ticker until the context is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("session sweep failed")
			}
		}
	}
}

package upload

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/granary-data/granary/internal/chunkstore"
	"github.com/granary-data/granary/internal/common"
	"github.com/granary-data/granary/internal/gate"
	"github.com/granary-data/granary/internal/govern"
	"github.com/granary-data/granary/internal/storage"
	"github.com/granary-data/granary/pkg/config"
	"github.com/granary-data/granary/pkg/types"
	"github.com/granary-data/granary/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// countingScanner wraps a scanner and counts invocations, to prove that
// repeated Complete calls do not re-scan.
type countingScanner struct {
	inner gate.Scanner
	calls int32
}

func (s *countingScanner) Scan(ctx context.Context, r io.Reader) (*types.PIIReport, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.inner.Scan(ctx, r)
}

type testEnv struct {
	coord    *Coordinator
	registry *Registry
	chunks   *chunkstore.Store
	blobs    storage.BlobStorage
	scanner  *countingScanner
	ownerID  uuid.UUID
}

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	// Every sqlite :memory: connection is a distinct database, so pin the
	// pool to one connection for the concurrency tests.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&types.User{}, &types.UploadSession{})
	require.NoError(t, err)

	return &common.Database{DB: db}
}

// Byte-scale limits so lifecycle tests run on tiny payloads.
func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		ChunkSizeBytes:                5,
		MinChunkSizeBytes:             1,
		MaxChunkSizeBytes:             16,
		MaxConcurrentSessionsPerOwner: 5,
		RequestsPerMinutePerOwner:     0, // disabled unless a test opts in
		SessionIdleTimeout:            time.Hour,
		FailedRetention:               time.Hour,
	}
}

func setupCoordinator(t *testing.T, cfg config.UploadConfig) *testEnv {
	db := setupTestDB(t)

	blobs, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	registry := NewRegistry(db)
	chunks := chunkstore.New(blobs)
	governor := govern.New(govern.Limits{
		MaxConcurrentSessions: cfg.MaxConcurrentSessionsPerOwner,
		RequestsPerMinute:     cfg.RequestsPerMinutePerOwner,
	}, registry)
	scanner := &countingScanner{inner: gate.NewRegexScanner()}

	owner := &types.User{Username: "uploader", Email: "uploader@example.com", Password: "x"}
	require.NoError(t, db.Create(owner).Error)

	coord := NewCoordinator(registry, chunks, blobs, governor,
		gate.New(scanner), gate.NewRedactMasker(), nil, cfg)

	return &testEnv{
		coord:    coord,
		registry: registry,
		chunks:   chunks,
		blobs:    blobs,
		scanner:  scanner,
		ownerID:  owner.ID,
	}
}

// sendAll splits content into declared-size chunks and submits each one.
func sendAll(t *testing.T, env *testEnv, sess *types.UploadSession, content []byte) {
	for i := 0; i < sess.ExpectedChunkCount; i++ {
		start := int64(i) * sess.DeclaredChunkSize
		end := start + sess.DeclaredChunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		_, err := env.coord.AcceptChunk(context.Background(), sess.ID, i, content[start:end], "")
		require.NoError(t, err)
	}
}

func readBlob(t *testing.T, blobs storage.BlobStorage, path string) []byte {
	r, err := blobs.Retrieve(context.Background(), path)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestInitiate(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "report.csv", 12, 5, "")
	require.NoError(t, err)

	assert.Equal(t, types.StateReceiving, sess.State)
	assert.Equal(t, 3, sess.ExpectedChunkCount)
	assert.Equal(t, int64(2), sess.LastChunkSize())
	assert.NotEqual(t, uuid.Nil, sess.ID)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateReceiving, stored.State)
	assert.Equal(t, env.ownerID, stored.OwnerID)
}

func TestInitiate_Validation(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	_, err := env.coord.Initiate(ctx, env.ownerID, "f", 0, 5, "")
	assert.ErrorIs(t, err, ErrInvalidTotalSize)

	_, err = env.coord.Initiate(ctx, env.ownerID, "f", -1, 5, "")
	assert.ErrorIs(t, err, ErrInvalidTotalSize)

	_, err = env.coord.Initiate(ctx, env.ownerID, "f", 12, 0, "")
	assert.ErrorIs(t, err, ErrInvalidChunkSize)

	_, err = env.coord.Initiate(ctx, env.ownerID, "f", 12, 17, "")
	assert.ErrorIs(t, err, ErrInvalidChunkSize)
}

func TestInitiate_ConcurrentSessionCap(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := env.coord.Initiate(ctx, env.ownerID, fmt.Sprintf("f%d", i), 12, 5, "")
		require.NoError(t, err)
	}

	_, err := env.coord.Initiate(ctx, env.ownerID, "one-too-many", 12, 5, "")
	assert.ErrorIs(t, err, govern.ErrTooManyConcurrentSessions)
}

func TestInitiate_CapReleasedByTerminalSession(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sessions := make([]*types.UploadSession, 5)
	for i := range sessions {
		sess, err := env.coord.Initiate(ctx, env.ownerID, fmt.Sprintf("f%d", i), 12, 5, "")
		require.NoError(t, err)
		sessions[i] = sess
	}

	require.NoError(t, env.coord.Abort(ctx, sessions[0].ID))

	_, err := env.coord.Initiate(ctx, env.ownerID, "after-abort", 12, 5, "")
	assert.NoError(t, err)
}

func TestInitiate_RateLimited(t *testing.T) {
	cfg := testUploadConfig()
	cfg.RequestsPerMinutePerOwner = 2
	cfg.MaxConcurrentSessionsPerOwner = 100
	env := setupCoordinator(t, cfg)
	ctx := context.Background()

	_, err := env.coord.Initiate(ctx, env.ownerID, "a", 12, 5, "")
	require.NoError(t, err)
	_, err = env.coord.Initiate(ctx, env.ownerID, "b", 12, 5, "")
	require.NoError(t, err)

	_, err = env.coord.Initiate(ctx, env.ownerID, "c", 12, 5, "")
	assert.ErrorIs(t, err, govern.ErrRateLimited)
}

func TestAcceptChunk(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	receipt, err := env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, 1, receipt.ReceivedCount)
	assert.Equal(t, 3, receipt.ExpectedCount)

	// Final chunk carries the remainder
	receipt, err = env.coord.AcceptChunk(ctx, sess.ID, 2, []byte("kl"), "")
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.ReceivedCount)
}

func TestAcceptChunk_DuplicateIsIdempotent(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)

	receipt, err := env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)
	assert.True(t, receipt.Duplicate)
	assert.Equal(t, 1, receipt.ReceivedCount)
}

func TestAcceptChunk_Validation(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	_, err = env.coord.AcceptChunk(ctx, sess.ID, -1, []byte("abcde"), "")
	assert.ErrorIs(t, err, ErrChunkIndexOutOfRange)

	_, err = env.coord.AcceptChunk(ctx, sess.ID, 3, []byte("abcde"), "")
	assert.ErrorIs(t, err, ErrChunkIndexOutOfRange)

	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abc"), "")
	assert.ErrorIs(t, err, ErrChunkSizeMismatch)

	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte{}, "")
	assert.ErrorIs(t, err, ErrChunkSizeMismatch)

	// Final chunk must be exactly the remainder, not the declared size
	_, err = env.coord.AcceptChunk(ctx, sess.ID, 2, []byte("abcde"), "")
	assert.ErrorIs(t, err, ErrChunkSizeMismatch)

	_, err = env.coord.AcceptChunk(ctx, uuid.New(), 0, []byte("abcde"), "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAcceptChunk_IntegrityMismatchDiscardsChunk(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	wrongDigest := utils.ComputeSHA256([]byte("other"))
	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), wrongDigest)
	assert.ErrorIs(t, err, ErrChunkIntegrityMismatch)

	// The rejected chunk counts as missing, so the client retries it
	info, err := env.coord.ResumeInfo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, info.MissingChunks)

	// Retry with a correct digest succeeds
	receipt, err := env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), utils.ComputeSHA256([]byte("abcde")))
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
}

func TestAcceptChunk_RestagesLostChunk(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)
	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)

	// Lose the staged blob behind the coordinator's back
	require.NoError(t, env.chunks.Purge(ctx, sess.ID))

	// The resend is acknowledged as a duplicate and the bytes come back
	receipt, err := env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)
	assert.True(t, receipt.Duplicate)
	assert.Equal(t, 1, receipt.ReceivedCount)

	has, err := env.chunks.Has(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestAcceptChunk_ExpiredSession(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	env.coord.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestResumeInfo(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	// 12-byte file in 5-byte chunks: indices 0, 1, 2
	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)
	_, err = env.coord.AcceptChunk(ctx, sess.ID, 2, []byte("kl"), "")
	require.NoError(t, err)

	info, err := env.coord.ResumeInfo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, info.MissingChunks)
	assert.Equal(t, 2, info.ReceivedCount)
	assert.Equal(t, 3, info.ExpectedCount)

	_, err = env.coord.AcceptChunk(ctx, sess.ID, 1, []byte("fghij"), "")
	require.NoError(t, err)

	info, err = env.coord.ResumeInfo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, info.MissingChunks)
}

func TestComplete_CleanContentCommits(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("abcdefghijkl")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	result, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)

	assert.True(t, result.Committed)
	assert.False(t, result.RequiresConfirmation)
	assert.Equal(t, utils.ComputeSHA256(content), result.SHA256)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCommitted, stored.State)

	// Durable blob holds the exact assembled bytes; staging is released
	assert.Equal(t, content, readBlob(t, env.blobs, stored.StoragePath))
	has, err := env.chunks.Has(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestComplete_Incomplete(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)

	_, err = env.coord.Complete(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrUploadIncomplete)

	// Session keeps receiving; the missing chunks can still arrive
	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateReceiving, stored.State)
}

func TestComplete_IdempotentWithoutRescan(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("abcdefghijkl")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	first, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, first.Committed)
	require.Equal(t, int32(1), atomic.LoadInt32(&env.scanner.calls))

	second, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, second.Committed)
	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, int32(1), atomic.LoadInt32(&env.scanner.calls))
}

func TestComplete_DeclaredDigestMatch(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("abcdefghijkl")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, utils.ComputeSHA256(content))
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	result, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, result.Committed)
}

func TestComplete_DeclaredDigestMismatchFailsSession(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("abcdefghijkl")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, utils.ComputeSHA256([]byte("different content")))
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	_, err = env.coord.Complete(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrFileIntegrityMismatch)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, stored.State)
	assert.Contains(t, stored.FailureReason, "digest mismatch")

	// Staged chunks are released on failure
	has, err := env.chunks.Has(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.False(t, has)

	// Terminal failure is sticky
	_, err = env.coord.Complete(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionFailed)
}

func TestComplete_SensitiveContentRequiresConfirmation(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("123-45-6789\n") // 12 bytes

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	result, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)

	assert.False(t, result.Committed)
	assert.True(t, result.RequiresConfirmation)
	require.NotNil(t, result.PIIReport)
	assert.Equal(t, types.RiskHigh, result.PIIReport.RiskLevel)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateAwaitingConfirmation, stored.State)

	// Repeated Complete returns the held report without re-scanning
	again, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, again.RequiresConfirmation)
	assert.Equal(t, int32(1), atomic.LoadInt32(&env.scanner.calls))
}

func TestComplete_ExpiredWhileAwaitingConfirmation(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("123-45-6789\n")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	result, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, result.RequiresConfirmation)

	env.coord.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	// Complete and Confirm agree once the TTL has run out
	_, err = env.coord.Complete(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = env.coord.Confirm(ctx, sess.ID, types.DecisionAcceptAsIs)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestComplete_ResumesAfterCrashedAssembly(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("abcdefghijkl")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	// Simulate a completion that claimed the session and then died before
	// assembling anything.
	ok, err := env.registry.CompareAndSetState(ctx, sess.ID, types.StateReceiving, types.StateAssembling)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.Equal(t, utils.ComputeSHA256(content), result.SHA256)
}

func TestConcurrentCompletionResult(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())

	sess := &types.UploadSession{
		ID:             uuid.New(),
		ComputedSHA256: "abc",
		PIIReport:      &types.PIIReport{HasSensitiveContent: true, RiskLevel: types.RiskHigh},
	}

	sess.State = types.StateCommitted
	result, err := env.coord.concurrentCompletionResult(sess)
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.Equal(t, "abc", result.SHA256)

	sess.State = types.StateAwaitingConfirmation
	result, err = env.coord.concurrentCompletionResult(sess)
	require.NoError(t, err)
	assert.True(t, result.RequiresConfirmation)

	sess.State = types.StateFailed
	sess.FailureReason = "whole-file digest mismatch"
	_, err = env.coord.concurrentCompletionResult(sess)
	assert.ErrorIs(t, err, ErrSessionFailed)

	sess.State = types.StateExpired
	_, err = env.coord.concurrentCompletionResult(sess)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// Another writer still mid-assembly or mid-scan: back off, retry later
	for _, state := range []types.SessionState{types.StateAssembling, types.StateScanning} {
		sess.State = state
		_, err = env.coord.concurrentCompletionResult(sess)
		assert.ErrorIs(t, err, ErrCompletionInProgress)
	}
}

func TestConfirm_AcceptAsIs(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("123-45-6789\n")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	_, err = env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)

	result, err := env.coord.Confirm(ctx, sess.ID, types.DecisionAcceptAsIs)
	require.NoError(t, err)

	assert.True(t, result.Committed)
	assert.Equal(t, utils.ComputeSHA256(content), result.SHA256)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCommitted, stored.State)
	assert.Equal(t, content, readBlob(t, env.blobs, stored.StoragePath))
}

func TestConfirm_MaskAndAccept(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("123-45-6789\n")
	originalSHA := utils.ComputeSHA256(content)

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	_, err = env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)

	result, err := env.coord.Confirm(ctx, sess.ID, types.DecisionMaskAndAccept)
	require.NoError(t, err)

	assert.True(t, result.Committed)
	assert.NotEqual(t, originalSHA, result.SHA256)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCommitted, stored.State)

	// Commit digest covers what was actually stored: the masked bytes
	masked := readBlob(t, env.blobs, stored.StoragePath)
	assert.Equal(t, []byte("***********\n"), masked)
	assert.Equal(t, utils.ComputeSHA256(masked), stored.ComputedSHA256)
}

func TestConfirm_Reject(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("123-45-6789\n")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	_, err = env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)

	result, err := env.coord.Confirm(ctx, sess.ID, types.DecisionReject)
	require.NoError(t, err)

	assert.True(t, result.Rejected)
	assert.False(t, result.Committed)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, stored.State)
	assert.Contains(t, stored.FailureReason, "rejected")

	// Nothing reached durable storage and staging is gone
	exists, err := env.blobs.Exists(ctx, committedPath(sess.ID))
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = env.chunks.Assembled(ctx, sess.ID)
	assert.Error(t, err)
}

func TestConfirm_InvalidDecision(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("123-45-6789\n")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	_, err = env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)

	_, err = env.coord.Confirm(ctx, sess.ID, "shred")
	assert.ErrorIs(t, err, ErrInvalidDecision)

	// The session is still awaiting a valid answer
	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateAwaitingConfirmation, stored.State)
}

func TestConfirm_NothingPending(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	_, err = env.coord.Confirm(ctx, sess.ID, types.DecisionAcceptAsIs)
	assert.ErrorIs(t, err, ErrNoConfirmationPending)
}

func TestConfirm_AfterCommitReturnsPriorResult(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("123-45-6789\n")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)

	_, err = env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)

	first, err := env.coord.Confirm(ctx, sess.ID, types.DecisionAcceptAsIs)
	require.NoError(t, err)

	second, err := env.coord.Confirm(ctx, sess.ID, types.DecisionReject)
	require.NoError(t, err)
	assert.True(t, second.Committed)
	assert.False(t, second.Rejected)
	assert.Equal(t, first.SHA256, second.SHA256)
}

func TestAbort(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)
	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)

	require.NoError(t, env.coord.Abort(ctx, sess.ID))

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, stored.State)
	assert.Equal(t, "aborted by client", stored.FailureReason)

	has, err := env.chunks.Has(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.False(t, has)

	// Aborting again is a no-op
	assert.NoError(t, env.coord.Abort(ctx, sess.ID))
}

func TestAbort_CommittedSessionUntouched(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()
	content := []byte("abcdefghijkl")

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	sendAll(t, env, sess, content)
	_, err = env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)

	require.NoError(t, env.coord.Abort(ctx, sess.ID))

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCommitted, stored.State)
}

func TestStatus(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	status, err := env.coord.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, status.ID)
	assert.Equal(t, types.StateReceiving, status.State)

	_, err = env.coord.Status(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweep_ExpiresIdleSessions(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)
	_, err = env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
	require.NoError(t, err)

	env.coord.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	swept, err := env.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExpired, stored.State)

	has, err := env.chunks.Has(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSweep_LiveSessionsUntouched(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	swept, err := env.coord.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)

	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateReceiving, stored.State)
}

// flakyDeleteStorage fails a fixed number of deletes before recovering.
type flakyDeleteStorage struct {
	storage.BlobStorage
	failures int32
}

func (f *flakyDeleteStorage) Delete(ctx context.Context, path string) error {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return fmt.Errorf("transient delete failure")
	}
	return f.BlobStorage.Delete(ctx, path)
}

func TestSweep_ReleasesStagingAfterFailedCommitPurge(t *testing.T) {
	cfg := testUploadConfig()
	db := setupTestDB(t)
	ctx := context.Background()

	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	flaky := &flakyDeleteStorage{BlobStorage: local, failures: 1}

	registry := NewRegistry(db)
	chunks := chunkstore.New(flaky)
	governor := govern.New(govern.Limits{
		MaxConcurrentSessions: cfg.MaxConcurrentSessionsPerOwner,
	}, registry)

	owner := &types.User{Username: "uploader", Email: "uploader@example.com", Password: "x"}
	require.NoError(t, db.Create(owner).Error)

	coord := NewCoordinator(registry, chunks, local, governor,
		gate.New(gate.NewRegexScanner()), gate.NewRedactMasker(), nil, cfg)

	content := []byte("abcdefghijkl")
	sess, err := coord.Initiate(ctx, owner.ID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)
	for i := 0; i < sess.ExpectedChunkCount; i++ {
		start := int64(i) * sess.DeclaredChunkSize
		end := start + sess.DeclaredChunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		_, err := coord.AcceptChunk(ctx, sess.ID, i, content[start:end], "")
		require.NoError(t, err)
	}

	// The commit succeeds even though its purge fails
	result, err := coord.Complete(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, result.Committed)

	has, err := chunks.Has(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.True(t, has, "staged chunks survive the failed purge")

	// The next sweep reclaims what the commit could not
	_, err = coord.Sweep(ctx)
	require.NoError(t, err)

	has, err = chunks.Has(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.False(t, has)

	stored, err := registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCommitted, stored.State)
	assert.True(t, stored.StagingReleased)
}

func TestSweep_DropsTerminalRecordsPastRetention(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)
	require.NoError(t, env.coord.Abort(ctx, sess.ID))

	// Inside the retention grace the failed record survives for inspection
	_, err = env.coord.Sweep(ctx)
	require.NoError(t, err)
	stored, err := env.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, stored.State)

	env.coord.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = env.coord.Sweep(ctx)
	require.NoError(t, err)

	_, err = env.registry.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAcceptChunk_ConcurrentDisjointChunks(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	// 40 bytes in 5-byte chunks: 8 uploaders, one chunk each
	content := []byte("aaaaabbbbbcccccdddddeeeeefffffggggghhhhh")
	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", int64(len(content)), 5, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, sess.ExpectedChunkCount)
	for i := 0; i < sess.ExpectedChunkCount; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			data := content[index*5 : index*5+5]
			_, err := env.coord.AcceptChunk(ctx, sess.ID, index, data, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	info, err := env.coord.ResumeInfo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, info.MissingChunks)
	assert.Equal(t, 8, info.ReceivedCount)

	result, err := env.coord.Complete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.Equal(t, utils.ComputeSHA256(content), result.SHA256)
}

func TestAcceptChunk_ConcurrentSameChunkSingleWinner(t *testing.T) {
	env := setupCoordinator(t, testUploadConfig())
	ctx := context.Background()

	sess, err := env.coord.Initiate(ctx, env.ownerID, "f", 12, 5, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	duplicates := int32(0)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			receipt, err := env.coord.AcceptChunk(ctx, sess.ID, 0, []byte("abcde"), "")
			if err == nil && receipt.Duplicate {
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	// Exactly one submission won; accounting never double-counts
	info, err := env.coord.ResumeInfo(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, info.ReceivedCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&duplicates))
}

// Package chunkstore is the staging area for in-flight upload sessions. It
// keys chunk bytes by (session, index) on top of BlobStorage and knows
// nothing about session state; the upload coordinator owns that.
package chunkstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/granary-data/granary/internal/storage"
	"github.com/rs/zerolog/log"
)

const stagingPrefix = "staging"

// Store stages chunk bytes and the assembled file for sessions that have
// not yet committed.
type Store struct {
	blobs storage.BlobStorage
}

// New creates a chunk store backed by the given blob storage.
func New(blobs storage.BlobStorage) *Store {
	return &Store{blobs: blobs}
}

func chunkPath(sessionID uuid.UUID, index int) string {
	// Zero-padded so lexical listing order matches index order.
	return fmt.Sprintf("%s/%s/chunks/%08d", stagingPrefix, sessionID, index)
}

func assembledPath(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/assembled", stagingPrefix, sessionID)
}

func sessionPrefix(sessionID uuid.UUID) string {
	return fmt.Sprintf("%s/%s", stagingPrefix, sessionID)
}

// Put writes one chunk. Writes to the same (session, index) are idempotent
// at the byte level: the coordinator guarantees identical content, so a
// racing duplicate simply overwrites with the same bytes.
func (s *Store) Put(ctx context.Context, sessionID uuid.UUID, index int, data []byte) error {
	if err := s.blobs.Store(ctx, chunkPath(sessionID, index), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to stage chunk %d: %w", index, err)
	}
	return nil
}

// Has reports whether chunk bytes exist for (session, index).
func (s *Store) Has(ctx context.Context, sessionID uuid.UUID, index int) (bool, error) {
	return s.blobs.Exists(ctx, chunkPath(sessionID, index))
}

// Reader returns a reader over the session's chunks concatenated in index
// order. The caller must have verified that all count chunks are present.
func (s *Store) Reader(ctx context.Context, sessionID uuid.UUID, count int) io.ReadCloser {
	return &chunkReader{
		ctx:       ctx,
		store:     s,
		sessionID: sessionID,
		count:     count,
	}
}

// PutAssembled stages the concatenated file for scanning and confirmation.
func (s *Store) PutAssembled(ctx context.Context, sessionID uuid.UUID, content io.Reader) error {
	if err := s.blobs.Store(ctx, assembledPath(sessionID), content); err != nil {
		return fmt.Errorf("failed to stage assembled file: %w", err)
	}
	return nil
}

// Assembled returns a reader over the staged assembled file.
func (s *Store) Assembled(ctx context.Context, sessionID uuid.UUID) (io.ReadCloser, error) {
	return s.blobs.Retrieve(ctx, assembledPath(sessionID))
}

// Purge removes every staged blob belonging to the session: all chunks and
// the assembled file if present.
func (s *Store) Purge(ctx context.Context, sessionID uuid.UUID) error {
	paths, err := s.blobs.List(ctx, sessionPrefix(sessionID))
	if err != nil {
		return fmt.Errorf("failed to list staged blobs: %w", err)
	}

	for _, p := range paths {
		if err := s.blobs.Delete(ctx, p); err != nil {
			return fmt.Errorf("failed to delete staged blob %s: %w", p, err)
		}
	}

	log.Debug().
		Str("session_id", sessionID.String()).
		Int("blobs_removed", len(paths)).
		Msg("session staging purged")
	return nil
}

// chunkReader streams chunks back-to-back in index order.
type chunkReader struct {
	ctx       context.Context
	store     *Store
	sessionID uuid.UUID
	count     int
	next      int
	current   io.ReadCloser
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.next >= r.count {
				return 0, io.EOF
			}
			rc, err := r.store.blobs.Retrieve(r.ctx, chunkPath(r.sessionID, r.next))
			if err != nil {
				return 0, fmt.Errorf("failed to open chunk %d: %w", r.next, err)
			}
			r.current = rc
			r.next++
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}

// Package integrity computes and checks the cryptographic digests that
// guard chunk and whole-file content. All digests are hex-encoded SHA-256
// so clients can independently reproduce them.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

// ErrDigestMismatch is returned when a declared digest disagrees with the
// digest computed over the actual bytes.
var ErrDigestMismatch = errors.New("digest mismatch")

// Verifier is stateless; the zero value is ready to use.
type Verifier struct{}

// NewVerifier returns a Verifier.
func NewVerifier() Verifier {
	return Verifier{}
}

// DigestChunk computes the digest of a single chunk held in memory.
func (Verifier) DigestChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestStream computes the digest of a byte stream and reports how many
// bytes were read.
func (Verifier) DigestStream(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to digest stream: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// VerifyChunk checks chunk bytes against a declared digest. Any byte
// difference is rejected; there is no partial-match tolerance.
func (v Verifier) VerifyChunk(data []byte, declared string) error {
	computed := v.DigestChunk(data)
	if !Equal(computed, declared) {
		return fmt.Errorf("%w: declared %s, computed %s", ErrDigestMismatch, declared, computed)
	}
	return nil
}

// Equal compares two hex digests, tolerating case differences.
func Equal(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Digest accumulates a stream digest incrementally. It implements
// io.Writer so it can sit on the write side of a TeeReader while bytes
// move to storage.
type Digest struct {
	h hash.Hash
	n int64
}

// NewDigest returns an empty incremental digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Bytes returns how many bytes have been written.
func (d *Digest) Bytes() int64 {
	return d.n
}

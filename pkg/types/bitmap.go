package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/bits"
)

// ChunkBitmap tracks which chunk indices of a session have been received and
// verified. It is a packed word array so sessions with hundreds of thousands
// of chunks stay cheap to persist and compare. Membership is authoritative
// for resume: insertion order is irrelevant.
type ChunkBitmap []uint64

// NewChunkBitmap returns a bitmap sized for n chunks, all unset.
func NewChunkBitmap(n int) ChunkBitmap {
	return make(ChunkBitmap, (n+63)/64)
}

// Set marks chunk index i as received, growing the bitmap if needed.
func (b *ChunkBitmap) Set(i int) {
	word := i / 64
	for word >= len(*b) {
		*b = append(*b, 0)
	}
	(*b)[word] |= 1 << uint(i%64)
}

// Has reports whether chunk index i has been received.
func (b ChunkBitmap) Has(i int) bool {
	word := i / 64
	if i < 0 || word >= len(b) {
		return false
	}
	return b[word]&(1<<uint(i%64)) != 0
}

// Count returns the number of received chunks.
func (b ChunkBitmap) Count() int {
	total := 0
	for _, w := range b {
		total += bits.OnesCount64(w)
	}
	return total
}

// Full reports whether all n chunk indices are present.
func (b ChunkBitmap) Full(n int) bool {
	return b.Count() == n
}

// Missing returns the ascending list of chunk indices in [0, n) that have
// not been received. This is the resume gap.
func (b ChunkBitmap) Missing(n int) []int {
	missing := make([]int, 0)
	for i := 0; i < n; i++ {
		if !b.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// GormDataType gives GORM a column type for schema migration; Value and
// Scan move the bitmap through that column as a JSON word array.
func (ChunkBitmap) GormDataType() string {
	return "text"
}

// Value implements the driver.Valuer interface for GORM
func (b ChunkBitmap) Value() (driver.Value, error) {
	if b == nil {
		return nil, nil
	}
	return json.Marshal([]uint64(b))
}

// Scan implements the sql.Scanner interface for GORM
func (b *ChunkBitmap) Scan(value interface{}) error {
	if value == nil {
		*b = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into ChunkBitmap", value)
	}

	var words []uint64
	if err := json.Unmarshal(raw, &words); err != nil {
		return err
	}
	*b = ChunkBitmap(words)
	return nil
}

package gate

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/granary-data/granary/pkg/types"
)

// RedactMasker replaces every sensitive span with asterisks of the same
// length, preserving the tabular layout of the file.
type RedactMasker struct {
	patterns []piiPattern
}

// NewRedactMasker returns a masker using the same pattern set as the
// default scanner, so everything the scan reported gets redacted.
func NewRedactMasker() *RedactMasker {
	return &RedactMasker{patterns: defaultPatterns}
}

// Mask streams the input through redaction. Only pattern kinds present in
// findings are rewritten. The returned reader is fed by a pipe; the caller
// must drain or close it.
func (m *RedactMasker) Mask(ctx context.Context, r io.Reader, findings []types.PIIFinding) (io.Reader, error) {
	active := make(map[string]bool, len(findings))
	for _, f := range findings {
		active[f.Kind] = true
	}

	pr, pw := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		w := bufio.NewWriter(pw)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				pw.CloseWithError(ctx.Err())
				return
			default:
			}

			line := scanner.Text()
			for _, p := range m.patterns {
				if !active[p.kind] {
					continue
				}
				line = p.re.ReplaceAllStringFunc(line, func(match string) string {
					return strings.Repeat("*", len(match))
				})
			}
			if _, err := w.WriteString(line + "\n"); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := w.Flush(); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	return pr, nil
}

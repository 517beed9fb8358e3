package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/granary-data/granary/pkg/types"
)

// piiPattern pairs a finding kind with its detector and the risk it implies.
type piiPattern struct {
	kind string
	re   *regexp.Regexp
	risk types.RiskLevel
}

var defaultPatterns = []piiPattern{
	{kind: "ssn", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), risk: types.RiskHigh},
	{kind: "credit_card", re: regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`), risk: types.RiskHigh},
	{kind: "email", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), risk: types.RiskMedium},
	{kind: "phone", re: regexp.MustCompile(`\b\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`), risk: types.RiskMedium},
}

// RegexScanner detects common PII shapes in tabular text, line by line, so
// memory use stays flat no matter how large the file is.
type RegexScanner struct {
	patterns []piiPattern
}

// NewRegexScanner returns a scanner with the default pattern set.
func NewRegexScanner() *RegexScanner {
	return &RegexScanner{patterns: defaultPatterns}
}

// Scan reads the stream and reports per-kind match counts and the highest
// risk level any match implies.
func (s *RegexScanner) Scan(ctx context.Context, r io.Reader) (*types.PIIReport, error) {
	counts := make(map[string]int)
	risk := types.RiskLow
	var scanned int64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		scanned += int64(len(line)) + 1
		for _, p := range s.patterns {
			n := len(p.re.FindAllStringIndex(line, -1))
			if n == 0 {
				continue
			}
			counts[p.kind] += n
			if riskAbove(p.risk, risk) {
				risk = p.risk
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan content: %w", err)
	}

	report := &types.PIIReport{
		HasSensitiveContent: len(counts) > 0,
		RiskLevel:           risk,
		ScannedBytes:        scanned,
		ScannedAt:           time.Now().UTC(),
	}
	for _, p := range s.patterns {
		if n := counts[p.kind]; n > 0 {
			report.Findings = append(report.Findings, types.PIIFinding{Kind: p.kind, Count: n})
		}
	}
	return report, nil
}

func riskAbove(a, b types.RiskLevel) bool {
	rank := map[types.RiskLevel]int{types.RiskLow: 0, types.RiskMedium: 1, types.RiskHigh: 2}
	return rank[a] > rank[b]
}

// Package gate is the content-sensitivity checkpoint between an assembled
// upload and durable storage. Low-risk files pass straight through; anything
// above that is held until the owner explicitly confirms, masks, or rejects.
package gate

import (
	"context"
	"io"

	"github.com/granary-data/granary/pkg/types"
	"github.com/rs/zerolog/log"
)

// Scanner inspects a byte stream for sensitive content. The built-in
// RegexScanner is a reference implementation; production deployments plug
// in an external DLP service here.
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) (*types.PIIReport, error)
}

// Masker rewrites a byte stream so the reported findings are redacted.
type Masker interface {
	Mask(ctx context.Context, r io.Reader, findings []types.PIIFinding) (io.Reader, error)
}

// Outcome is the gate's verdict for an assembled file.
type Outcome string

const (
	// OutcomeCommit means the file may be committed without review.
	OutcomeCommit Outcome = "commit"

	// OutcomeConfirm means the owner must review the report first.
	OutcomeConfirm Outcome = "confirm"
)

// Gate applies the commit policy on top of a Scanner.
type Gate struct {
	scanner Scanner
}

// New creates a gate around the given scanner.
func New(scanner Scanner) *Gate {
	return &Gate{scanner: scanner}
}

// Inspect scans the stream and maps the risk level to an outcome:
// low risk commits immediately, medium and high require confirmation.
func (g *Gate) Inspect(ctx context.Context, r io.Reader) (*types.PIIReport, Outcome, error) {
	report, err := g.scanner.Scan(ctx, r)
	if err != nil {
		return nil, "", err
	}

	outcome := OutcomeCommit
	if report.RiskLevel == types.RiskMedium || report.RiskLevel == types.RiskHigh {
		outcome = OutcomeConfirm
	}

	log.Info().
		Str("risk_level", string(report.RiskLevel)).
		Bool("has_sensitive_content", report.HasSensitiveContent).
		Int("finding_kinds", len(report.Findings)).
		Str("outcome", string(outcome)).
		Msg("sensitivity scan completed")

	return report, outcome, nil
}

package engine

import (
	"github.com/vigilstack/vigil-agent/internal/actions"
	"github.com/vigilstack/vigil-agent/internal/models"
)

// Confidence bounds: the agent is never certain and never hopeless.
const (
	minConfidence = 0.10
	maxConfidence = 0.95
)

// confidenceFor scores how confident the agent is that the chosen action is
// the right response. Remediations start high because they only reach this
// point for signals with a known first-line fix; diagnostics are information
// gathering and start low. Safer actions and louder signals raise the score.
func confidenceFor(category string, risk models.RiskLevel, severity models.Severity) float64 {
	base := 0.30
	if category == actions.CategoryRemediation {
		base = 0.70
	}

	switch risk {
	case models.RiskNone:
		base += 0.15
	case models.RiskLow:
		base += 0.10
	case models.RiskMedium:
		// No adjustment.
	case models.RiskHigh:
		base -= 0.10
	}

	switch severity {
	case models.SeverityCritical:
		base += 0.15
	case models.SeverityHigh:
		base += 0.10
	case models.SeverityMedium:
		base += 0.05
	}

	if base < minConfidence {
		return minConfidence
	}
	if base > maxConfidence {
		return maxConfidence
	}
	return base
}

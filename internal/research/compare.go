package research

import (
	"polysignal/internal/stats"
	"polysignal/pkg/types"
)

// ModeComparison is one row of the four-mode contrarian comparison, with the
// mode's p-value adjusted for the multiple comparisons being made.
type ModeComparison struct {
	Mode           types.ContrarianMode      `json:"contrarianMode"`
	Summary        *types.CorrelationSummary `json:"summary"`
	AdjustedPValue float64                   `json:"adjustedPValue"`
	Significant    bool                      `json:"significant"`
}

// CompareModes summarizes the same event set under every contrarian mode and
// applies Benjamini-Hochberg across the four p-values. alpha ≤ 0 falls back
// to 0.05.
func CompareModes(events []types.ContrarianEvent, alpha float64) []ModeComparison {
	if alpha <= 0 {
		alpha = 0.05
	}

	modes := types.AllContrarianModes()
	out := make([]ModeComparison, len(modes))
	pvalues := make([]float64, len(modes))
	for i, mode := range modes {
		summary := Summarize(events, mode)
		out[i] = ModeComparison{Mode: mode, Summary: summary}
		pvalues[i] = summary.PValue
	}

	adjusted, significant := stats.BenjaminiHochberg(pvalues, alpha)
	for i := range out {
		out[i].AdjustedPValue = adjusted[i]
		out[i].Significant = significant[i]
	}
	return out
}

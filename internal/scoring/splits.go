package scoring

import (
	"math"
	"strconv"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

// SplitTolerance absorbs float noise when comparing split sums with CO maxima.
const SplitTolerance = 1e-6

func formatAmount(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e6)/1e6, 'f', -1, 64)
}

// SplitRemaining returns, per CO, how much of the CO maximum the split amounts leave
// unassigned. Negative values mean the splits overshoot.
func SplitRemaining(cfg models.AssessmentConfig, splits [][]float64) [models.COCount]float64 {
	var out [models.COCount]float64
	for i := range out {
		sum := 0.0
		if i < len(splits) {
			for _, amount := range splits[i] {
				sum += amount
			}
		}
		out[i] = cfg.COMax[i] - sum
	}
	return out
}

// ValidateSplits checks that each CO's header split amounts add up to exactly that CO's
// maximum. Non-review variants carry no splits and always pass.
func ValidateSplits(v Variant, cfg models.AssessmentConfig, splits [][]float64) error {
	if !v.ReviewMode {
		return nil
	}
	if len(splits) != models.COCount {
		return models.NewValidationError("co_splits", "expected %d split arrays, got %d", models.COCount, len(splits))
	}

	remaining := SplitRemaining(cfg, splits)
	for i, rem := range remaining {
		for _, amount := range splits[i] {
			if amount < 0 || math.IsNaN(amount) {
				return models.NewValidationError("co_splits", "%s split amounts must be non-negative", v.COLabels[i])
			}
		}
		if math.Abs(rem) > SplitTolerance {
			return models.NewValidationError(
				"co_splits",
				"%s split total must equal %s (remaining %s)",
				v.COLabels[i],
				formatAmount(cfg.COMax[i]),
				formatAmount(rem),
			)
		}
	}
	return nil
}

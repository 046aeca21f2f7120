// internal/scoring/distributor.go
package scoring

import (
	"math"
	"strconv"

	"github.com/volatiletech/null/v8"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

// Distribution holds the marks derived from one entered total.
// Invalid entries mean "no derived value".
type Distribution struct {
	Total null.Float64                 `json:"total"`
	CO    [models.COCount]null.Float64 `json:"co"`
	BTL   map[int]null.Float64         `json:"btl"`
}

// Round1 rounds half-up to one decimal place.
func Round1(x float64) float64 {
	return math.Floor(x*10+0.5) / 10
}

func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}

func clampShare(share, max float64) float64 {
	if share > max {
		share = max
	}
	if share < 0 {
		return 0
	}
	return share
}

// Distribute splits total evenly across the two COs and across the visible BTLs.
// Shares are rounded to one decimal before clamping, and each share is clamped on its
// own, so the CO marks need not add up to total.
func Distribute(total null.Float64, cfg models.AssessmentConfig) Distribution {
	visible := cfg.Visible()
	d := Distribution{BTL: make(map[int]null.Float64, len(visible))}

	if !total.Valid {
		for _, b := range visible {
			d.BTL[b] = null.Float64{}
		}
		return d
	}

	t := total.Float64
	if cfg.MaxTotal <= 0 || math.IsNaN(t) {
		t = 0
	}
	t = models.ClampMark(t, math.Max(cfg.MaxTotal, 0))
	d.Total = null.Float64From(t)

	coShare := Round1(t / models.COCount)
	for i := range d.CO {
		d.CO[i] = null.Float64From(clampShare(coShare, cfg.COMax[i]))
	}

	btlShare := 0.0
	if len(visible) > 0 {
		btlShare = Round1(t / float64(len(visible)))
	}
	for _, b := range visible {
		if max := cfg.BTLMax[b]; max > 0 {
			d.BTL[b] = null.Float64From(clampShare(btlShare, max))
			continue
		}
		d.BTL[b] = null.Float64From(btlShare)
	}

	return d
}

// Pct renders mark as a whole percentage of max. It is "0" when max is not positive
// and "" when the mark is absent.
func Pct(mark null.Float64, max float64) string {
	if max <= 0 {
		return "0"
	}
	if !mark.Valid {
		return ""
	}
	return strconv.FormatFloat(roundHalfUp(mark.Float64/max*100), 'f', 0, 64)
}

// Attainment is a Distribution together with its display percentages.
// Screen, CSV and spreadsheet output are all rendered from it.
type Attainment struct {
	Distribution
	TotalPct string                 `json:"total_pct"`
	COPct    [models.COCount]string `json:"co_pct"`
	BTLPct   map[int]string         `json:"btl_pct"`
}

func Attain(total null.Float64, cfg models.AssessmentConfig) Attainment {
	d := Distribute(total, cfg)
	a := Attainment{
		Distribution: d,
		TotalPct:     Pct(d.Total, cfg.MaxTotal),
		BTLPct:       make(map[int]string, len(d.BTL)),
	}
	for i := range d.CO {
		a.COPct[i] = Pct(d.CO[i], cfg.COMax[i])
	}
	for b, mark := range d.BTL {
		a.BTLPct[b] = Pct(mark, cfg.BTLMax[b])
	}
	return a
}

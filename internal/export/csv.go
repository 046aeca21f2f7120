// Package export renders published marks, with their CO and BTL distribution,
// as CSV and into Google Sheets.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/volatiletech/null/v8"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/models"
	"github.com/shrimpsizemoose/markgate/internal/scoring"
)

type Row struct {
	StudentID  string
	RegisterNo string
	Name       string
	Attainment scoring.Attainment
}

func FromPublished(rows []app.PublishedRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{
			StudentID:  r.StudentID,
			RegisterNo: r.RegisterNo,
			Name:       r.Name,
			Attainment: r.Attainment,
		})
	}
	return out
}

func formatMark(v null.Float64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}

// Columns lists the derived columns after the identity columns: the total,
// each CO and each visible BTL, every one followed by its percentage.
func Columns(cfg models.AssessmentConfig, variant scoring.Variant) []string {
	cols := []string{
		fmt.Sprintf("Total (%s)", formatMark(null.Float64From(cfg.MaxTotal))),
		"Total %",
	}
	for i, label := range variant.COLabels {
		cols = append(cols, fmt.Sprintf("%s (%s)", label, formatMark(null.Float64From(cfg.COMax[i]))), label+" %")
	}
	for _, b := range cfg.Visible() {
		cols = append(cols, fmt.Sprintf("BTL%d", b), fmt.Sprintf("BTL%d %%", b))
	}
	return cols
}

// Values renders a row's derived columns in Columns order.
func Values(a scoring.Attainment, cfg models.AssessmentConfig) []string {
	vals := []string{formatMark(a.Total), a.TotalPct}
	for i := range a.CO {
		vals = append(vals, formatMark(a.CO[i]), a.COPct[i])
	}
	for _, b := range cfg.Visible() {
		vals = append(vals, formatMark(a.BTL[b]), a.BTLPct[b])
	}
	return vals
}

func WriteCSV(w io.Writer, rows []Row, cfg models.AssessmentConfig, variant scoring.Variant) error {
	cw := csv.NewWriter(w)

	header := append([]string{"Student ID", "Register No", "Name"}, Columns(cfg, variant)...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range rows {
		record := append([]string{r.StudentID, r.RegisterNo, r.Name}, Values(r.Attainment, cfg)...)
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row for %s: %w", r.StudentID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

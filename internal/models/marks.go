package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/volatiletech/null/v8"
)

type StudentMarkRow struct {
	StudentID  string       `json:"student_id" db:"student_id" validate:"required"`
	RegisterNo string       `json:"register_no" db:"register_no"`
	Name       string       `json:"name" db:"name"`
	Total      null.Float64 `json:"total" db:"total"`
}

// Sheet is the editable mark table. COSplits is only used by review variants:
// one array of header-level split amounts per CO.
type Sheet struct {
	Rows     []StudentMarkRow `json:"rows" validate:"dive"`
	COSplits [][]float64      `json:"co_splits,omitempty"`
}

// ClampTotals returns a copy of the sheet with every numeric total clamped to [0, max].
func (s Sheet) ClampTotals(max float64) Sheet {
	out := Sheet{
		Rows:     make([]StudentMarkRow, len(s.Rows)),
		COSplits: make([][]float64, len(s.COSplits)),
	}
	for i, r := range s.Rows {
		if r.Total.Valid {
			r.Total = null.Float64From(ClampMark(r.Total.Float64, max))
		}
		out.Rows[i] = r
	}
	for i, split := range s.COSplits {
		out.COSplits[i] = append([]float64(nil), split...)
	}
	return out
}

func (s Sheet) Validate() error {
	validate := validator.New()
	return validate.Struct(s)
}

// ClampMark limits v to [0, max].
func ClampMark(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

type DraftPayload struct {
	Sheet        Sheet `json:"sheet"`
	SelectedBTLs []int `json:"selected_btls" validate:"dive,min=1,max=6"`
}

func (p *DraftPayload) Validate() error {
	validate := validator.New()
	return validate.Struct(p)
}

type Draft struct {
	DraftPayload
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
}

type PublishedMarks struct {
	Marks       map[string]float64 `json:"marks"`
	PublishedAt *time.Time         `json:"published_at,omitempty"`
	PublishedBy string             `json:"published_by,omitempty"`
}

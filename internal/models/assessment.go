package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MinBTL  = 1
	MaxBTL  = 6
	COCount = 2
)

type AssessmentKind string

const (
	KindSSA1    AssessmentKind = "ssa1"
	KindSSA2    AssessmentKind = "ssa2"
	KindReview1 AssessmentKind = "review1"
	KindReview2 AssessmentKind = "review2"
	KindCIA1    AssessmentKind = "cia1"
	KindCIA2    AssessmentKind = "cia2"
)

var knownKinds = map[AssessmentKind]bool{
	KindSSA1:    true,
	KindSSA2:    true,
	KindReview1: true,
	KindReview2: true,
	KindCIA1:    true,
	KindCIA2:    true,
}

func ParseAssessmentKind(s string) (AssessmentKind, error) {
	k := AssessmentKind(strings.ToLower(strings.TrimSpace(s)))
	if !knownKinds[k] {
		return "", fmt.Errorf("unknown assessment %q", s)
	}
	return k, nil
}

// SheetKey identifies one mark sheet: a subject under one assessment.
type SheetKey struct {
	Assessment AssessmentKind `json:"assessment" validate:"required"`
	Subject    string         `json:"subject" validate:"required,max=32"`
}

func (k SheetKey) String() string {
	return fmt.Sprintf("%s/%s", k.Subject, k.Assessment)
}

type TeachingContext struct {
	TeachingAssignmentID string `json:"teaching_assignment_id,omitempty"`
}

// AssessmentConfig is the resolved configuration of one (subject, assessment) pair.
type AssessmentConfig struct {
	MaxTotal    float64          `json:"max_total" toml:"max_total" validate:"gt=0"`
	COMax       [COCount]float64 `json:"co_max" toml:"co_max" validate:"dive,gte=0"`
	BTLMax      map[int]float64  `json:"btl_max" toml:"btl_max" validate:"dive,keys,min=1,max=6,endkeys,gte=0"`
	VisibleBTLs []int            `json:"visible_btls" toml:"visible_btls" validate:"dive,min=1,max=6"`
}

func (c *AssessmentConfig) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Visible returns the visible BTL indices sorted, deduplicated and limited to 1..6.
func (c AssessmentConfig) Visible() []int {
	seen := make(map[int]bool, len(c.VisibleBTLs))
	out := make([]int, 0, len(c.VisibleBTLs))
	for _, b := range c.VisibleBTLs {
		if b < MinBTL || b > MaxBTL || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

func (c AssessmentConfig) Clone() AssessmentConfig {
	out := c
	out.BTLMax = make(map[int]float64, len(c.BTLMax))
	for k, v := range c.BTLMax {
		out.BTLMax[k] = v
	}
	out.VisibleBTLs = append([]int(nil), c.VisibleBTLs...)
	return out
}

// ConfigOverride holds per-assessment deviations from the institution default.
// Nil fields inherit the default; BTLMax entries are merged key by key.
type ConfigOverride struct {
	MaxTotal    *float64          `json:"max_total,omitempty" validate:"omitempty,gt=0"`
	COMax       *[COCount]float64 `json:"co_max,omitempty"`
	BTLMax      map[int]float64   `json:"btl_max,omitempty" validate:"dive,keys,min=1,max=6,endkeys,gte=0"`
	VisibleBTLs []int             `json:"visible_btls,omitempty" validate:"dive,min=1,max=6"`
}

func (o *ConfigOverride) Validate() error {
	validate := validator.New()
	return validate.Struct(o)
}

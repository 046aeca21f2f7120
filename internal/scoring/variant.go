package scoring

import (
	"fmt"

	"github.com/shrimpsizemoose/markgate/internal/models"
)

// Variant parameterises the engine for one assessment kind. SSA, review and CIA
// sheets differ only in these values.
type Variant struct {
	Kind              models.AssessmentKind   `toml:"-"`
	MaxTotal          float64                 `toml:"max_total"`
	COLabels          [models.COCount]string  `toml:"co_labels"`
	COMax             [models.COCount]float64 `toml:"co_max"`
	BTLMaxWhenVisible map[int]float64         `toml:"btl_max"`
	DefaultBTLs       []int                   `toml:"visible_btls"`
	ReviewMode        bool                    `toml:"review_mode"`
}

func uniformBTL(max float64) map[int]float64 {
	out := make(map[int]float64, models.MaxBTL)
	for b := models.MinBTL; b <= models.MaxBTL; b++ {
		out[b] = max
	}
	return out
}

// DefaultVariants is the institution-wide configuration used when no
// [defaults.<kind>] section overrides it.
func DefaultVariants() map[models.AssessmentKind]Variant {
	return map[models.AssessmentKind]Variant{
		models.KindSSA1: {
			Kind:              models.KindSSA1,
			MaxTotal:          20,
			COLabels:          [models.COCount]string{"CO1", "CO2"},
			COMax:             [models.COCount]float64{10, 10},
			BTLMaxWhenVisible: uniformBTL(10),
			DefaultBTLs:       []int{3, 4},
		},
		models.KindSSA2: {
			Kind:              models.KindSSA2,
			MaxTotal:          20,
			COLabels:          [models.COCount]string{"CO3", "CO4"},
			COMax:             [models.COCount]float64{10, 10},
			BTLMaxWhenVisible: uniformBTL(10),
			DefaultBTLs:       []int{3, 4},
		},
		models.KindReview1: {
			Kind:              models.KindReview1,
			MaxTotal:          30,
			COLabels:          [models.COCount]string{"CO1", "CO2"},
			COMax:             [models.COCount]float64{15, 15},
			BTLMaxWhenVisible: uniformBTL(0),
			DefaultBTLs:       []int{3, 4, 5},
			ReviewMode:        true,
		},
		models.KindReview2: {
			Kind:              models.KindReview2,
			MaxTotal:          30,
			COLabels:          [models.COCount]string{"CO3", "CO4"},
			COMax:             [models.COCount]float64{15, 15},
			BTLMaxWhenVisible: uniformBTL(0),
			DefaultBTLs:       []int{3, 4, 5},
			ReviewMode:        true,
		},
		models.KindCIA1: {
			Kind:              models.KindCIA1,
			MaxTotal:          60,
			COLabels:          [models.COCount]string{"CO1", "CO2"},
			COMax:             [models.COCount]float64{30, 30},
			BTLMaxWhenVisible: uniformBTL(0),
			DefaultBTLs:       []int{1, 2, 3, 4, 5, 6},
		},
		models.KindCIA2: {
			Kind:              models.KindCIA2,
			MaxTotal:          60,
			COLabels:          [models.COCount]string{"CO3", "CO4"},
			COMax:             [models.COCount]float64{30, 30},
			BTLMaxWhenVisible: uniformBTL(0),
			DefaultBTLs:       []int{1, 2, 3, 4, 5, 6},
		},
	}
}

// Registry resolves the variant of each assessment kind.
type Registry struct {
	variants map[models.AssessmentKind]Variant
}

// NewRegistry starts from DefaultVariants and replaces the kinds present in overrides.
func NewRegistry(overrides map[string]Variant) (*Registry, error) {
	variants := DefaultVariants()
	for name, v := range overrides {
		kind, err := models.ParseAssessmentKind(name)
		if err != nil {
			return nil, fmt.Errorf("defaults.%s: %w", name, err)
		}
		v.Kind = kind
		if v.BTLMaxWhenVisible == nil {
			v.BTLMaxWhenVisible = uniformBTL(0)
		}
		cfg := v.Base()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("defaults.%s: %w", name, err)
		}
		variants[kind] = v
	}
	return &Registry{variants: variants}, nil
}

func (r *Registry) Variant(kind models.AssessmentKind) (Variant, error) {
	v, ok := r.variants[kind]
	if !ok {
		return Variant{}, fmt.Errorf("no variant configured for %q", kind)
	}
	return v, nil
}

// Base is the variant's configuration before any per-assessment override.
func (v Variant) Base() models.AssessmentConfig {
	cfg := models.AssessmentConfig{
		MaxTotal:    v.MaxTotal,
		COMax:       v.COMax,
		BTLMax:      make(map[int]float64, len(v.BTLMaxWhenVisible)),
		VisibleBTLs: append([]int(nil), v.DefaultBTLs...),
	}
	for b, max := range v.BTLMaxWhenVisible {
		cfg.BTLMax[b] = max
	}
	return cfg
}

// Resolve merges an optional per-assessment override into the variant defaults.
func (v Variant) Resolve(override *models.ConfigOverride) models.AssessmentConfig {
	cfg := v.Base()
	if override == nil {
		return cfg
	}
	if override.MaxTotal != nil {
		cfg.MaxTotal = *override.MaxTotal
	}
	if override.COMax != nil {
		cfg.COMax = *override.COMax
	}
	for b, max := range override.BTLMax {
		cfg.BTLMax[b] = max
	}
	if override.VisibleBTLs != nil {
		cfg.VisibleBTLs = append([]int(nil), override.VisibleBTLs...)
	}
	return cfg
}

// WithSelection applies the BTLs selected on a draft. A nil selection keeps the
// configured visible set.
func WithSelection(cfg models.AssessmentConfig, selected []int) models.AssessmentConfig {
	if selected == nil {
		return cfg
	}
	out := cfg.Clone()
	out.VisibleBTLs = append([]int(nil), selected...)
	return out
}

// Package profile defines the timing, scoring, and feedback shape of
// every test part. Profiles are data, not code: they are loaded from an
// embedded YAML file so part parameters stay reviewable in one place.
package profile

import (
	_ "embed"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/haiminh-dev/aptis-trainer/internal/model"
)

//go:embed profiles.yaml
var profilesYAML []byte

// CaptureKind selects the capture controller mode for a part.
type CaptureKind string

const (
	CaptureAudio CaptureKind = "audio"
	CaptureText  CaptureKind = "text"
)

// FeedbackShape selects how the evaluation service structures feedback.
type FeedbackShape string

const (
	FeedbackSummary  FeedbackShape = "summary"
	FeedbackCriteria FeedbackShape = "criteria"
)

// LevelSource selects where the CEFR-like level comes from: the remote
// service response, or the part's local score-to-level scale.
type LevelSource string

const (
	LevelFromService LevelSource = "service"
	LevelFromScale   LevelSource = "scale"
)

// PartProfile describes one test part.
type PartProfile struct {
	Part            model.Part     `yaml:"part"`
	Section         model.Section  `yaml:"section"`
	Capture         CaptureKind    `yaml:"capture"`
	PrepSeconds     int            `yaml:"prep_seconds"`
	ResponseSeconds int            `yaml:"response_seconds"`
	SubQuestions    int            `yaml:"sub_questions"`
	TextSlots       int            `yaml:"text_slots"`
	ScaleMax        int            `yaml:"scale_max"`
	Feedback        FeedbackShape  `yaml:"feedback"`
	LevelSource     LevelSource    `yaml:"level_source"`
	Illustrations   int            `yaml:"illustrations"`
	Split           []string       `yaml:"split"`
	Criteria        []string       `yaml:"criteria"`
	CEFRScale       map[int]string `yaml:"cefr_scale"`
}

// FullTestProfile describes a composed multi-part test.
type FullTestProfile struct {
	Part         model.Part    `yaml:"part"`
	Section      model.Section `yaml:"section"`
	TotalSeconds int           `yaml:"total_seconds"`
	Parts        []model.Part  `yaml:"parts"`
}

type fileSchema struct {
	Parts     []PartProfile     `yaml:"parts"`
	FullTests []FullTestProfile `yaml:"full_tests"`
}

// Registry holds all loaded profiles.
type Registry struct {
	parts     map[model.Part]PartProfile
	fullTests map[model.Part]FullTestProfile
	order     []model.Part
}

// Load parses the embedded profile file and validates it.
func Load() (*Registry, error) {
	var f fileSchema
	if err := yaml.Unmarshal(profilesYAML, &f); err != nil {
		return nil, fmt.Errorf("parse part profiles: %w", err)
	}

	r := &Registry{
		parts:     make(map[model.Part]PartProfile, len(f.Parts)),
		fullTests: make(map[model.Part]FullTestProfile, len(f.FullTests)),
	}
	for _, p := range f.Parts {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("profile %s: %w", p.Part, err)
		}
		if _, dup := r.parts[p.Part]; dup {
			return nil, fmt.Errorf("duplicate profile %s", p.Part)
		}
		r.parts[p.Part] = p
		r.order = append(r.order, p.Part)
	}
	for _, ft := range f.FullTests {
		for _, sub := range ft.Parts {
			if _, ok := r.parts[sub]; !ok {
				return nil, fmt.Errorf("full test %s references unknown part %s", ft.Part, sub)
			}
		}
		r.fullTests[ft.Part] = ft
		r.order = append(r.order, ft.Part)
	}
	return r, nil
}

func validate(p PartProfile) error {
	if p.ResponseSeconds <= 0 {
		return fmt.Errorf("response_seconds must be positive, got %d", p.ResponseSeconds)
	}
	if p.SubQuestions <= 0 {
		return fmt.Errorf("sub_questions must be positive, got %d", p.SubQuestions)
	}
	if p.ScaleMax <= 0 {
		return fmt.Errorf("scale_max must be positive, got %d", p.ScaleMax)
	}
	if p.Capture == CaptureText && p.TextSlots <= 0 {
		return fmt.Errorf("text part needs text_slots, got %d", p.TextSlots)
	}
	if p.Feedback == FeedbackCriteria && len(p.Criteria) == 0 {
		return fmt.Errorf("criteria feedback shape needs a criteria list")
	}
	if p.LevelSource == LevelFromScale && len(p.CEFRScale) == 0 {
		return fmt.Errorf("scale level source needs cefr_scale")
	}
	return nil
}

// Part returns a part profile.
func (r *Registry) Part(p model.Part) (PartProfile, bool) {
	pp, ok := r.parts[p]
	return pp, ok
}

// FullTest returns a full-test profile.
func (r *Registry) FullTest(p model.Part) (FullTestProfile, bool) {
	ft, ok := r.fullTests[p]
	return ft, ok
}

// Parts lists all part profiles in file order.
func (r *Registry) Parts() []PartProfile {
	out := make([]PartProfile, 0, len(r.parts))
	for _, key := range r.order {
		if pp, ok := r.parts[key]; ok {
			out = append(out, pp)
		}
	}
	return out
}

// ClampScore bounds a raw service score into the part's scale.
func (p PartProfile) ClampScore(raw float64) float64 {
	if math.IsNaN(raw) || raw < 0 {
		return 0
	}
	if max := float64(p.ScaleMax); raw > max {
		return max
	}
	return raw
}

// LevelFor maps a score to the part's local CEFR-like label. Scores are
// rounded to the nearest band. Returns "" when the part takes its level
// from the service instead.
func (p PartProfile) LevelFor(score float64) string {
	if p.LevelSource != LevelFromScale {
		return ""
	}
	band := int(math.Round(p.ClampScore(score)))
	if label, ok := p.CEFRScale[band]; ok {
		return label
	}
	return strconv.Itoa(band)
}

package safety

import (
	"fmt"
	"regexp"
	"strings"

	"image-generation-gateway/internal/models"
)

// Verdict is the outcome of classifying a prompt. Category names the first
// banned category that matched and is empty when the prompt is allowed.
type Verdict struct {
	Allowed  bool
	Category string
}

// Rule pairs a category name with its compiled pattern.
type Rule struct {
	Category string
	Pattern  *regexp.Regexp
}

// Rules are evaluated in declaration order and the first match wins, so
// overlapping categories resolve by position rather than severity.
var defaultRules = []Rule{
	{"celebrities", regexp.MustCompile(`\b(taylor swift|scarlett johansson|emma watson|jennifer lawrence|megan fox|kim kardashian|ariana grande|selena gomez|beyonce|rihanna|angelina jolie|margot robbie|gal gadot|zendaya|billie eilish)\b`)},
	{"professions", regexp.MustCompile(`\b(actress|actor|famous model|influencer|celebrity|famous person)\b`)},
	{"references", regexp.MustCompile(`\b(looks? like|resembles?|similar to|based on|inspired by)\b`)},
	{"age_down", regexp.MustCompile(`\b(younger|teen|teenage|underage|school|student|childlike|loli|shota)\b`)},
	{"uniforms", regexp.MustCompile(`\b(school uniform|cheerleader uniform|schoolgirl|college girl uniform)\b`)},
	{"face_swap", regexp.MustCompile(`\b(face swap|deepfake|my face|her face|his face|real photo of)\b`)},
	{"illegal", regexp.MustCompile(`\b(child|minor|kid|forced|non-?consensual|rape)\b`)},
}

// Filter classifies prompt text against an ordered rule list.
type Filter struct {
	enabled bool
	rules   []Rule
}

// NewFilter returns a filter over the built-in categories.
func NewFilter(enabled bool) *Filter {
	return &Filter{enabled: enabled, rules: defaultRules}
}

// NewFilterWithRules uses a caller-supplied ordered rule list.
func NewFilterWithRules(enabled bool, rules []Rule) *Filter {
	return &Filter{enabled: enabled, rules: append([]Rule(nil), rules...)}
}

// Enabled reports whether classification is active.
func (f *Filter) Enabled() bool { return f.enabled }

// Categories lists rule names in evaluation order.
func (f *Filter) Categories() []string {
	out := make([]string, 0, len(f.rules))
	for _, r := range f.rules {
		out = append(out, r.Category)
	}
	return out
}

// Classify returns the verdict for text.
func (f *Filter) Classify(text string) Verdict {
	if !f.enabled {
		return Verdict{Allowed: true}
	}
	lower := strings.ToLower(text)
	for _, r := range f.rules {
		if r.Pattern.MatchString(lower) {
			return Verdict{Allowed: false, Category: r.Category}
		}
	}
	return Verdict{Allowed: true}
}

// Check is Classify expressed as an error. The error names the category only,
// never the matched text or the pattern.
func (f *Filter) Check(text string) error {
	v := f.Classify(text)
	if v.Allowed {
		return nil
	}
	return &models.GenerationError{
		Code:     models.CodeSafetyRejected,
		Message:  fmt.Sprintf("prompt rejected: %s content not allowed", v.Category),
		Category: v.Category,
	}
}

package plugins

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/megamelange/melange-backend/internal/apperr"
)

// Color temperature bounds in Kelvin and the step applied by relative
// descriptions.
const (
	KelvinMin    = 1500.0
	KelvinMax    = 15000.0
	kelvinStep   = 1000.0
	promptMaxLen = 800
)

// colorTempAbsolute maps the closed description vocabulary to Kelvin.
var colorTempAbsolute = map[string]float64{
	"warm":      4000,
	"very warm": 3000,
	"cool":      8000,
	"very cold": 10000,
	"daylight":  6500,
	"neutral":   6500,
	"sunset":    3000,
	"golden":    3500,
	"noon":      6000,
	"bright":    7000,
}

// ClampKelvin folds a value into the legal color-temperature range.
func ClampKelvin(k float64) float64 {
	if k < KelvinMin {
		return KelvinMin
	}
	if k > KelvinMax {
		return KelvinMax
	}
	return k
}

// ResolveColorTemperature turns a raw parameter (numeric Kelvin or a
// description word) into a concrete Kelvin value. Relative words (warmer,
// cooler) need the current value, fetched lazily through current. Cooler
// raises Kelvin, warmer lowers it.
func ResolveColorTemperature(value any, current func() float64) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		if k, err := strconv.ParseFloat(s, 64); err == nil {
			return k, nil
		}
		switch s {
		case "warmer":
			return ClampKelvin(current() - kelvinStep), nil
		case "cooler":
			return ClampKelvin(current() + kelvinStep), nil
		}
		if k, ok := colorTempAbsolute[s]; ok {
			return k, nil
		}
		return 0, apperr.UserInput(apperr.CodeValidationFailed,
			fmt.Sprintf("unrecognized color temperature %q", v))
	}
	return 0, apperr.UserInput(apperr.CodeValidationFailed,
		fmt.Sprintf("color temperature must be a number or description, got %T", value))
}

// PromptTranslator is the model-mediated combination step used when a
// prompt leaves the Latin ASCII range.
type PromptTranslator interface {
	CombinePrompts(ctx context.Context, mainPrompt string, referencePrompts []string) (string, error)
}

// ComposeStylePrompt builds the final style instruction from an optional
// main prompt and reference prompts. All-ASCII input is concatenated with
// "; " and truncated to 800 characters at a separator; anything else goes
// through the translator. With no main prompt, a synthetic
// "Apply style transformation: ..." prompt is generated.
func ComposeStylePrompt(ctx context.Context, mainPrompt string, referencePrompts []string, translator PromptTranslator) (string, error) {
	var refs []string
	for _, rp := range referencePrompts {
		if s := strings.TrimSpace(rp); s != "" {
			refs = append(refs, s)
		}
	}
	mainPrompt = strings.TrimSpace(mainPrompt)
	if mainPrompt == "" && len(refs) == 0 {
		return "", nil
	}

	if !isLatinASCII(mainPrompt) || !allLatinASCII(refs) {
		if translator == nil {
			return "", apperr.UserInput(apperr.CodeValidationFailed,
				"non-ASCII prompt requires the translation provider")
		}
		combined, err := translator.CombinePrompts(ctx, mainPrompt, refs)
		if err != nil {
			return "", err
		}
		return truncateAtSeparator(combined, promptMaxLen), nil
	}

	var joined string
	switch {
	case mainPrompt == "":
		joined = "Apply style transformation: " + strings.Join(refs, "; ")
	case len(refs) == 0:
		joined = mainPrompt
	default:
		joined = mainPrompt + "; " + strings.Join(refs, "; ")
	}
	return truncateAtSeparator(joined, promptMaxLen), nil
}

func isLatinASCII(s string) bool {
	for _, r := range s {
		if r > 127 {
			return false
		}
	}
	return true
}

func allLatinASCII(ss []string) bool {
	for _, s := range ss {
		if !isLatinASCII(s) {
			return false
		}
	}
	return true
}

// truncateAtSeparator cuts s to max characters, preferring the last "; "
// boundary so no prompt fragment is chopped mid-clause.
func truncateAtSeparator(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := strings.LastIndex(cut, "; "); idx > 0 {
		return cut[:idx]
	}
	return cut
}

// ApplyLightDefaults fills the omitted light-creation parameters: location
// {0, 0, 100}, intensity 1000.0, white color.
func ApplyLightDefaults(params map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["location"]; !ok {
		out["location"] = map[string]any{"x": 0.0, "y": 0.0, "z": 100.0}
	}
	if _, ok := out["intensity"]; !ok {
		out["intensity"] = 1000.0
	}
	if _, ok := out["color"]; !ok {
		out["color"] = []any{255.0, 255.0, 255.0}
	}
	return out
}

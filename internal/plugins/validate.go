package plugins

import (
	"fmt"
	"strconv"
	"strings"
)

// Range-check helpers shared by the shipped plugins. Each returns an error
// string for the validation result, or "" when the value passes.

func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func CheckLatitude(v any) string {
	f, ok := AsFloat(v)
	if !ok || f < -90 || f > 90 {
		return fmt.Sprintf("latitude must be in [-90, 90], got %v", v)
	}
	return ""
}

func CheckLongitude(v any) string {
	f, ok := AsFloat(v)
	if !ok || f < -180 || f > 180 {
		return fmt.Sprintf("longitude must be in [-180, 180], got %v", v)
	}
	return ""
}

// CheckRGB accepts a 3-element color with channels in [0, 255].
func CheckRGB(v any) string {
	arr, ok := v.([]any)
	if !ok || len(arr) != 3 {
		return fmt.Sprintf("color must be [r, g, b], got %v", v)
	}
	for i, ch := range arr {
		f, ok := AsFloat(ch)
		if !ok || f < 0 || f > 255 {
			return fmt.Sprintf("color channel %d must be in [0, 255], got %v", i, ch)
		}
	}
	return ""
}

// CheckKelvin validates numeric color temperatures; description words are
// resolved later during preprocessing.
func CheckKelvin(v any) string {
	if s, isStr := v.(string); isStr {
		t := strings.ToLower(strings.TrimSpace(s))
		if _, err := strconv.ParseFloat(t, 64); err != nil {
			if t == "warmer" || t == "cooler" {
				return ""
			}
			if _, ok := colorTempAbsolute[t]; ok {
				return ""
			}
			return fmt.Sprintf("unrecognized color temperature %q", s)
		}
	}
	f, ok := AsFloat(v)
	if !ok || f < KelvinMin || f > KelvinMax {
		return fmt.Sprintf("color temperature must be in [%.0f, %.0f] K, got %v", KelvinMin, KelvinMax, v)
	}
	return ""
}

// CheckTimeOfDay validates the editor's 0-2400 clock.
func CheckTimeOfDay(v any) string {
	f, ok := AsFloat(v)
	if !ok || f < 0 || f > 2400 {
		return fmt.Sprintf("time of day must be in [0, 2400], got %v", v)
	}
	return ""
}

func CheckResolutionMultiplier(v any) string {
	f, ok := AsFloat(v)
	if !ok || f < 1.0 || f > 8.0 {
		return fmt.Sprintf("resolution multiplier must be in [1.0, 8.0], got %v", v)
	}
	return ""
}

func CheckIntensity(v any) string {
	f, ok := AsFloat(v)
	if !ok || f < 0 {
		return fmt.Sprintf("intensity must be >= 0, got %v", v)
	}
	return ""
}

package plugins

import (
	"context"
	"strings"
	"testing"
)

func TestResolveColorTemperatureRelative(t *testing.T) {
	current := func() float64 { return 5000 }

	got, err := ResolveColorTemperature("cooler", current)
	if err != nil {
		t.Fatalf("cooler: %v", err)
	}
	if got != 6000 {
		t.Fatalf("cooler from 5000: want=6000 got=%v", got)
	}

	got, err = ResolveColorTemperature("warmer", current)
	if err != nil {
		t.Fatalf("warmer: %v", err)
	}
	if got != 4000 {
		t.Fatalf("warmer from 5000: want=4000 got=%v", got)
	}
}

func TestResolveColorTemperatureClampsAtBounds(t *testing.T) {
	got, _ := ResolveColorTemperature("cooler", func() float64 { return 14800 })
	if got != KelvinMax {
		t.Fatalf("cooler near max: want=%v got=%v", KelvinMax, got)
	}
	got, _ = ResolveColorTemperature("warmer", func() float64 { return 1600 })
	if got != KelvinMin {
		t.Fatalf("warmer near min: want=%v got=%v", KelvinMin, got)
	}
}

func TestResolveColorTemperatureVocabulary(t *testing.T) {
	cases := map[string]float64{
		"daylight":  6500,
		"Sunset":    3000,
		"VERY WARM": 3000,
		"noon":      6000,
	}
	for word, want := range cases {
		got, err := ResolveColorTemperature(word, func() float64 { return 6500 })
		if err != nil {
			t.Fatalf("%s: %v", word, err)
		}
		if got != want {
			t.Fatalf("%s: want=%v got=%v", word, want, got)
		}
	}
	if _, err := ResolveColorTemperature("toasty", func() float64 { return 6500 }); err == nil {
		t.Fatalf("unknown description should fail")
	}
}

func TestResolveColorTemperatureNumeric(t *testing.T) {
	got, err := ResolveColorTemperature(7200.0, nil)
	if err != nil || got != 7200 {
		t.Fatalf("numeric: got=%v err=%v", got, err)
	}
	got, err = ResolveColorTemperature("3500", nil)
	if err != nil || got != 3500 {
		t.Fatalf("numeric string: got=%v err=%v", got, err)
	}
}

func TestComposeStylePromptSyntheticMain(t *testing.T) {
	got, err := ComposeStylePrompt(context.Background(), "",
		[]string{"make it look like oil painting"}, nil)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	want := "Apply style transformation: make it look like oil painting"
	if !strings.HasPrefix(got, want) {
		t.Fatalf("prompt: want prefix %q got %q", want, got)
	}
}

func TestComposeStylePromptConcatenation(t *testing.T) {
	got, err := ComposeStylePrompt(context.Background(), "sharpen the scene",
		[]string{"oil painting", "warm light"}, nil)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if got != "sharpen the scene; oil painting; warm light" {
		t.Fatalf("prompt: got %q", got)
	}
}

func TestComposeStylePromptTruncatesAtSeparator(t *testing.T) {
	long := strings.Repeat("a very long fragment about texture", 10)
	got, err := ComposeStylePrompt(context.Background(), long, []string{long, long}, nil)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(got) > promptMaxLen {
		t.Fatalf("prompt too long: %d > %d", len(got), promptMaxLen)
	}
	if strings.HasSuffix(got, ";") {
		t.Fatalf("prompt ends mid-separator: %q", got[len(got)-10:])
	}
}

type fakeTranslator struct {
	combined string
	called   bool
}

func (f *fakeTranslator) CombinePrompts(ctx context.Context, main string, refs []string) (string, error) {
	f.called = true
	return f.combined, nil
}

func TestComposeStylePromptNonASCIIGoesThroughTranslator(t *testing.T) {
	tr := &fakeTranslator{combined: "oil painting style with warm light"}
	got, err := ComposeStylePrompt(context.Background(), "färg som en oljemålning", nil, tr)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !tr.called {
		t.Fatalf("translator not invoked for non-ASCII prompt")
	}
	if got != tr.combined {
		t.Fatalf("prompt: got %q", got)
	}
}

func TestApplyLightDefaults(t *testing.T) {
	out := ApplyLightDefaults(map[string]any{"intensity": 250.0})
	if out["intensity"] != 250.0 {
		t.Fatalf("explicit intensity overwritten: %v", out["intensity"])
	}
	loc, ok := out["location"].(map[string]any)
	if !ok || loc["z"] != 100.0 {
		t.Fatalf("default location: %v", out["location"])
	}
	color, ok := out["color"].([]any)
	if !ok || len(color) != 3 || color[0] != 255.0 {
		t.Fatalf("default color: %v", out["color"])
	}
}

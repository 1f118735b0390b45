package imagetool

import "testing"

func TestImageTokensFlatRateForSmallImages(t *testing.T) {
	if got := ImageTokens(384, 384, 1.0); got != smallImageTokens {
		t.Fatalf("small image: want=%d got=%d", smallImageTokens, got)
	}
	if got := ImageTokens(100, 380, 1.0); got != smallImageTokens {
		t.Fatalf("small image: want=%d got=%d", smallImageTokens, got)
	}
}

func TestImageTokensTileRule(t *testing.T) {
	// 1024x1024 at 1x: ceil(1024/768)=2 tiles per axis.
	if got, want := ImageTokens(1024, 1024, 1.0), 4*perTileTokens; got != want {
		t.Fatalf("1024x1024: want=%d got=%d", want, got)
	}
	// The multiplier scales the tile count.
	if got, want := ImageTokens(1024, 1024, 2.0), 9*perTileTokens; got != want {
		t.Fatalf("1024x1024 x2: want=%d got=%d", want, got)
	}
	// 400x200 exceeds the small edge on one axis only.
	if got, want := ImageTokens(400, 200, 1.0), 1*perTileTokens; got != want {
		t.Fatalf("400x200: want=%d got=%d", want, got)
	}
}

func TestPromptTokensRoundsUp(t *testing.T) {
	if got := PromptTokens(""); got != 0 {
		t.Fatalf("empty prompt: want=0 got=%d", got)
	}
	if got := PromptTokens("abcd"); got != 1 {
		t.Fatalf("4 chars: want=1 got=%d", got)
	}
	if got := PromptTokens("abcde"); got != 2 {
		t.Fatalf("5 chars: want=2 got=%d", got)
	}
}

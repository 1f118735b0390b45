package pipeline

import (
	"strings"
	"testing"
)

func TestCandidateURLsDeterministic(t *testing.T) {
	hash := "30ffbbf3fe0f45fc9a031d1e2a62f17c"
	a := CandidateURLs(hash)
	b := CandidateURLs(hash)
	if len(a) != cdnHostCount {
		t.Fatalf("candidate count: want=%d got=%d", cdnHostCount, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("selector not deterministic at %d: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestCandidateURLsCoverAllMirrorsOnce(t *testing.T) {
	urls := CandidateURLs("4b2caf2a31df4ca4b54983712b2b0e2a")
	seen := map[string]bool{}
	for _, u := range urls {
		if !strings.HasSuffix(u, "/4b2caf2a31df4ca4b54983712b2b0e2a") {
			t.Fatalf("url does not embed hash: %s", u)
		}
		host := strings.TrimPrefix(strings.SplitN(u, "/", 4)[2], "")
		if seen[host] {
			t.Fatalf("mirror repeated: %s", host)
		}
		seen[host] = true
	}
	if len(seen) != cdnHostCount {
		t.Fatalf("mirror coverage: want=%d got=%d", cdnHostCount, len(seen))
	}
}

func TestCandidateURLsCanonicalHostFirst(t *testing.T) {
	hash := "aabbccddeeff00112233445566778899"
	want := cdnHostIndex(hash)
	first := CandidateURLs(hash)[0]
	if !strings.HasPrefix(first, "https://t") {
		t.Fatalf("unexpected scheme: %s", first)
	}
	got := int(first[len("https://t")] - '0')
	if got != want {
		t.Fatalf("canonical host: want=t%d got=t%d", want, got)
	}
}

func TestCandidateURLsEmptyHash(t *testing.T) {
	if urls := CandidateURLs(""); urls != nil {
		t.Fatalf("empty hash should yield no candidates, got %v", urls)
	}
}

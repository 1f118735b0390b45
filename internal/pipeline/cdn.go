package pipeline

import "fmt"

// cdnHostCount is the number of numbered CDN mirrors.
const cdnHostCount = 8

// cdnHostIndex derives the primary mirror for a content hash: XOR the first
// 32 hash characters into 31 and take the result mod the mirror count. The
// CDN routes each hash to one canonical host, so trying that one first
// avoids a redirect; the remaining mirrors still serve the file and act as
// fallbacks.
func cdnHostIndex(hash string) int {
	i := 31
	limit := len(hash)
	if limit > 32 {
		limit = 32
	}
	for _, c := range hash[:limit] {
		i ^= int(c)
	}
	if i < 0 {
		i = -i
	}
	return i % cdnHostCount
}

// CandidateURLs returns every mirror URL for hash, canonical host first,
// then the rest in ring order. Callers attempt them in order and fall
// through on 4xx/5xx.
func CandidateURLs(hash string) []string {
	if hash == "" {
		return nil
	}
	start := cdnHostIndex(hash)
	urls := make([]string, 0, cdnHostCount)
	for off := 0; off < cdnHostCount; off++ {
		n := (start + off) % cdnHostCount
		urls = append(urls, fmt.Sprintf("https://t%d.rbxcdn.com/%s", n, hash))
	}
	return urls
}

package imagetool

import "math"

// Tile-based image token accounting. Small images cost a flat rate; larger
// ones are billed per 768px tile after applying the resolution multiplier.
const (
	smallImageEdge   = 384
	tileEdge         = 768
	smallImageTokens = 258
	perTileTokens    = 258
)

func ImageTokens(width, height int, multiplier float64) int {
	if multiplier <= 0 {
		multiplier = 1.0
	}
	if width <= smallImageEdge && height <= smallImageEdge {
		return smallImageTokens
	}
	tilesX := int(math.Ceil(float64(width) * multiplier / tileEdge))
	tilesY := int(math.Ceil(float64(height) * multiplier / tileEdge))
	if tilesX < 1 {
		tilesX = 1
	}
	if tilesY < 1 {
		tilesY = 1
	}
	return tilesX * tilesY * perTileTokens
}

// PromptTokens is the rough four-characters-per-token estimate used by the
// request-size guard.
func PromptTokens(prompt string) int {
	return (len(prompt) + 3) / 4
}

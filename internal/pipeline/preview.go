package pipeline

import (
	"fmt"
	"image/color"
	"os"

	"github.com/fogleman/gg"
)

// avatarCardPalette is derived from the user id so repeated downloads of
// the same avatar render the same card.
var avatarCardPalette = []color.RGBA{
	{R: 0x4C, G: 0x6E, B: 0xF5, A: 255},
	{R: 0xE8, G: 0x5D, B: 0x4C, A: 255},
	{R: 0x3B, G: 0xA5, B: 0x7A, A: 255},
	{R: 0xB1, G: 0x5C, B: 0xD6, A: 255},
	{R: 0xE0, G: 0x9F, B: 0x3E, A: 255},
	{R: 0x46, G: 0xB5, B: 0xC9, A: 255},
}

// WriteAvatarCard renders a small PNG summary card for a downloaded avatar
// (name, id, uid, structure counts) next to the model files. Purely
// cosmetic; failures are the caller's to ignore.
func WriteAvatarCard(path, username string, userID int64, uid string, stats *ObjStats) error {
	const w, h = 480, 270
	dc := gg.NewContext(w, h)

	bg := avatarCardPalette[int(userID)%len(avatarCardPalette)]
	dc.SetColor(bg)
	dc.Clear()

	// Darkened footer band for the stats line.
	dc.SetRGBA(0, 0, 0, 0.25)
	dc.DrawRectangle(0, h-64, w, 64)
	dc.Fill()

	dc.SetColor(color.White)
	initial := "?"
	if username != "" {
		initial = string([]rune(username)[0:1])
	}
	dc.DrawCircle(64, 72, 40)
	dc.SetRGBA(1, 1, 1, 0.2)
	dc.Fill()
	dc.SetColor(color.White)
	tw, th := dc.MeasureString(initial)
	dc.DrawString(initial, 64-tw/2, 72+th/2)

	dc.DrawString(username, 124, 64)
	dc.DrawString(fmt.Sprintf("id %d", userID), 124, 86)
	dc.DrawString(uid, 124, 108)

	if stats != nil {
		line := fmt.Sprintf("%s  ·  %d verts  ·  %d groups  ·  %d materials",
			stats.AvatarType, stats.VertexCount, stats.GroupCount, stats.MaterialCount)
		dc.DrawString(line, 24, h-28)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return dc.EncodePNG(f)
}

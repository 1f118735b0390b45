package types

import (
	"fmt"
	"time"
)

// Filename templates, consolidated so tests can assert conformance without
// scanning call sites. All generated artifacts embed their uid so the
// registry record and the blob name can never drift apart.

// StyledImageFilename names a generated or transformed image:
// <uid>_<yyyymmdd>.png
func StyledImageFilename(uid string, at time.Time) string {
	return fmt.Sprintf("%s_%s.png", uid, at.Format("20060102"))
}

// GeneratedVideoFilename names a synthesized video:
// <parent>_VEO3_<timestamp>.mp4
func GeneratedVideoFilename(parentUID string, at time.Time) string {
	return fmt.Sprintf("%s_VEO3_%s.mp4", parentUID, at.Format("20060102_150405"))
}

// VideoUIDFilename names a video blob by its own uid: <uid>_<yyyymmdd>.mp4
func VideoUIDFilename(uid string, at time.Time) string {
	return fmt.Sprintf("%s_%s.mp4", uid, at.Format("20060102"))
}

// ReferenceImageFilename names a reference blob by refer uid and extension.
func ReferenceImageFilename(referUID, ext string) string {
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("%s.%s", referUID, ext)
}

// ReferenceMetaFilename names the sidecar next to a reference blob.
func ReferenceMetaFilename(referUID string) string {
	return fmt.Sprintf("%s_meta.json", referUID)
}

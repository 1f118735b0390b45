package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type ResourceKind string

const (
	KindImage    ResourceKind = "image"
	KindVideo    ResourceKind = "video"
	KindObject3D ResourceKind = "object3d"
)

// UID kind prefixes. The prefix partitions the identifier space, so UIDs
// never collide across kinds.
const (
	UIDKindImage     = "img"
	UIDKindVideo     = "vid"
	UIDKindObject    = "obj"
	UIDKindFBX       = "fbx"
	UIDKindReference = "refer"
)

var uidPattern = regexp.MustCompile(`^(img|vid|obj|fbx|refer)_(\d{3,})$`)

// ParseUID splits a uid into its kind prefix and numeric value.
func ParseUID(uid string) (kind string, n int, err error) {
	m := uidPattern.FindStringSubmatch(uid)
	if m == nil {
		return "", 0, fmt.Errorf("invalid uid format: %q", uid)
	}
	n, err = strconv.Atoi(m[2])
	if err != nil {
		return "", 0, fmt.Errorf("invalid uid number: %q", uid)
	}
	return m[1], n, nil
}

func UIDKind(uid string) string {
	kind, _, err := ParseUID(uid)
	if err != nil {
		return ""
	}
	return kind
}

func IsImageUID(uid string) bool { return strings.HasPrefix(uid, UIDKindImage+"_") }
func IsVideoUID(uid string) bool { return strings.HasPrefix(uid, UIDKindVideo+"_") }

// ResourceRecord is the registry's unit of record. Created only after the
// underlying file is fully written; immutable afterwards except via
// UpdateMetadata.
type ResourceRecord struct {
	UID       string         `json:"uid"`
	Kind      ResourceKind   `json:"kind"`
	Filename  string         `json:"filename"`
	SessionID string         `json:"session_id,omitempty"`
	ParentUID string         `json:"parent_uid,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ReferenceImageRecord lives in the reference store's own uid namespace
// and is never a parent of a registry record.
type ReferenceImageRecord struct {
	ReferUID  string         `json:"refer_uid"`
	SessionID string         `json:"session_id"`
	Filename  string         `json:"filename"`
	Purpose   string         `json:"purpose"`
	MimeType  string         `json:"mime_type"`
	SizeBytes int64          `json:"size_bytes"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

package pipeline

import (
	"bufio"
	"bytes"
	"strings"
)

// ObjStats summarizes the structure of a downloaded OBJ model.
type ObjStats struct {
	VertexCount   int            `json:"vertex_count"`
	FaceCount     int            `json:"face_count"`
	GroupCount    int            `json:"group_count"`
	MaterialCount int            `json:"material_count"`
	Groups        []string       `json:"groups,omitempty"`
	BodyParts     map[string]int `json:"body_parts,omitempty"`
	AvatarType    string         `json:"avatar_type"`
}

// playerGroupParts maps the exporter's numbered player groups to body
// parts. R6 avatars export six body groups (player1..player6); R15 exports
// fifteen. Anything above the known range is treated as an accessory.
var playerGroupParts = map[int]string{
	1:  "head",
	2:  "torso",
	3:  "left_arm",
	4:  "right_arm",
	5:  "left_leg",
	6:  "right_leg",
	7:  "upper_torso",
	8:  "lower_torso",
	9:  "left_upper_arm",
	10: "left_lower_arm",
	11: "left_hand",
	12: "right_upper_arm",
	13: "right_lower_arm",
	14: "right_hand",
	15: "accessories",
}

func classifyGroup(name string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(name))
	if !strings.HasPrefix(lower, "player") {
		return "", false
	}
	numPart := lower[len("player"):]
	n := 0
	for _, c := range numPart {
		if c < '0' || c > '9' {
			return "", false
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return "", false
	}
	if part, ok := playerGroupParts[n]; ok {
		return part, true
	}
	return "accessories", true
}

// AnalyzeOBJ counts vertices, faces, groups and materials, and classifies
// body parts from the numbered player groups. The avatar type falls out of
// the body-group count: six body groups means R6, fifteen means R15,
// anything else is Unknown.
func AnalyzeOBJ(data []byte) *ObjStats {
	stats := &ObjStats{BodyParts: map[string]int{}}
	groupsSeen := map[string]bool{}
	materialsSeen := map[string]bool{}
	bodyGroups := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "v "):
			stats.VertexCount++
		case strings.HasPrefix(line, "f "):
			stats.FaceCount++
		case strings.HasPrefix(line, "g "):
			name := strings.TrimSpace(line[2:])
			if name == "" || groupsSeen[name] {
				continue
			}
			groupsSeen[name] = true
			stats.Groups = append(stats.Groups, name)
			if part, ok := classifyGroup(name); ok {
				stats.BodyParts[part]++
				bodyGroups++
			}
		case strings.HasPrefix(line, "usemtl "):
			name := strings.TrimSpace(line[len("usemtl "):])
			if name != "" && !materialsSeen[name] {
				materialsSeen[name] = true
				stats.MaterialCount++
			}
		}
	}
	stats.GroupCount = len(stats.Groups)
	switch {
	case bodyGroups == 6:
		stats.AvatarType = "R6"
	case bodyGroups == 15:
		stats.AvatarType = "R15"
	default:
		stats.AvatarType = "Unknown"
	}
	return stats
}

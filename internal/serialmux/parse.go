package serialmux

import "strings"

// LineKind tags a hub line for the admin tail.
type LineKind string

const (
	LineSensor  LineKind = "sensor"
	LineReply   LineKind = "reply"
	LineComment LineKind = "comment"
	LineUnknown LineKind = "unknown"
)

// ClassifyLine looks only at the first characters. Replies to commands
// start with '$', comments with '#', and sensor lines with an upper-case
// tag followed by a comma.
func ClassifyLine(line string) LineKind {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return LineUnknown
	case line[0] == '$':
		return LineReply
	case line[0] == '#':
		return LineComment
	}
	tag, _, ok := strings.Cut(line, ",")
	if !ok || tag == "" || strings.ToUpper(tag) != tag {
		return LineUnknown
	}
	return LineSensor
}

package segment

import (
	"strings"

	"github.com/buger/jsonparser"
)

// DefaultExcludedTools are administrative tools whose completion never marks
// a category boundary.
var DefaultExcludedTools = []string{"endCall"}

// ToolCompletion is the normalized form of a provider tool-completion message.
type ToolCompletion struct {
	ToolName string
	Category string
}

// Ignored reports whether the tool is one of the excluded administrative tools.
func (tc ToolCompletion) Ignored(excluded []string) bool {
	for _, name := range excluded {
		if strings.EqualFold(tc.ToolName, name) {
			return true
		}
	}
	return false
}

// ParseToolCompletion extracts the tool name and rubric category from a raw
// tool-completion message. The provider has shipped the same information in
// several shapes, so each field is probed in order:
//
//	name | messages[].name | tool.name
//	rubric_category | messages[].metadata.responseBody.rubric_category | metadata.responseBody.rubric_category
//
// Missing fields are returned empty.
func ParseToolCompletion(raw []byte) ToolCompletion {
	return ToolCompletion{
		ToolName: firstString(raw,
			[]string{"name"},
			[]string{"messages", "*", "name"},
			[]string{"tool", "name"},
		),
		Category: strings.TrimSpace(firstString(raw,
			[]string{"rubric_category"},
			[]string{"messages", "*", "metadata", "responseBody", "rubric_category"},
			[]string{"metadata", "responseBody", "rubric_category"},
		)),
	}
}

// firstString returns the first non-empty string found at any of the paths.
// A "*" segment matches the first array element that has the rest of the path.
func firstString(raw []byte, paths ...[]string) string {
	for _, path := range paths {
		if s := lookup(raw, path); s != "" {
			return s
		}
	}
	return ""
}

func lookup(raw []byte, path []string) string {
	for i, key := range path {
		if key != "*" {
			continue
		}
		var found string
		_, _ = jsonparser.ArrayEach(raw, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
			if found != "" || dataType != jsonparser.Object {
				return
			}
			found = lookup(value, path[i+1:])
		}, path[:i]...)
		return found
	}
	s, err := jsonparser.GetString(raw, path...)
	if err != nil {
		return ""
	}
	return s
}

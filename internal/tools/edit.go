package tools

import (
	"fmt"
	"sort"
	"strings"
)

// ApplyEdits applies line-oriented edits to content. Edits are applied in
// descending startLine order so earlier edits never shift later line numbers.
// Any invalid edit fails the whole call; an empty edit list returns content
// unchanged.
func ApplyEdits(content string, edits []Edit) (string, error) {
	if len(edits) == 0 {
		return content, nil
	}

	lines := strings.Split(content, "\n")

	ordered := make([]Edit, len(edits))
	copy(ordered, edits)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].StartLine > ordered[j].StartLine
	})

	for _, e := range ordered {
		var err error
		lines, err = applyOne(lines, e)
		if err != nil {
			return "", err
		}
	}
	return strings.Join(lines, "\n"), nil
}

func applyOne(lines []string, e Edit) ([]string, error) {
	if e.StartLine < 1 {
		return nil, fmt.Errorf("Invalid start line: %d", e.StartLine)
	}

	switch e.Type {
	case EditInsert:
		// Insert before startLine; appending after the last line is allowed.
		if e.StartLine > len(lines)+1 {
			return nil, fmt.Errorf("start line %d exceeds file length %d", e.StartLine, len(lines))
		}
		idx := e.StartLine - 1
		inserted := strings.Split(e.Content, "\n")
		out := make([]string, 0, len(lines)+len(inserted))
		out = append(out, lines[:idx]...)
		out = append(out, inserted...)
		out = append(out, lines[idx:]...)
		return out, nil

	case EditReplace, EditDelete:
		end := e.EndLine
		if end == 0 {
			end = e.StartLine
		}
		if end < e.StartLine {
			return nil, fmt.Errorf("End line must be >= start line (start=%d end=%d)", e.StartLine, end)
		}
		if e.StartLine > len(lines) {
			return nil, fmt.Errorf("start line %d exceeds file length %d", e.StartLine, len(lines))
		}
		if end > len(lines) {
			return nil, fmt.Errorf("end line %d exceeds file length %d", end, len(lines))
		}

		out := make([]string, 0, len(lines))
		out = append(out, lines[:e.StartLine-1]...)
		if e.Type == EditReplace {
			out = append(out, strings.Split(e.Content, "\n")...)
		}
		out = append(out, lines[end:]...)
		return out, nil

	default:
		return nil, fmt.Errorf("unknown edit type: %s", e.Type)
	}
}

// Package extract pulls the machine-readable trailer out of a model response.
//
// The grammar is a header line "### RECOMMENDATIONS", followed by zero or more
// bullet lines ("- item" or "* item"), terminated by a blank line or the end
// of text. The block must be the last such header in the response. Anything
// that does not match yields an empty list; extraction never fails a turn.
package extract

import "strings"

const recommendationsHeader = "### RECOMMENDATIONS"

// ProductNames returns the bullet entries of the trailing RECOMMENDATIONS
// block, in order. Malformed or absent blocks return nil.
func ProductNames(text string) []string {
	lines := strings.Split(text, "\n")

	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == recommendationsHeader {
			start = i
		}
	}
	if start == -1 {
		return nil
	}

	var names []string
	for _, line := range lines[start+1:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			break
		}
		var entry string
		switch {
		case strings.HasPrefix(trimmed, "- "):
			entry = trimmed[2:]
		case strings.HasPrefix(trimmed, "* "):
			entry = trimmed[2:]
		default:
			// A non-bullet line inside the block means the model did not
			// follow the format; treat the whole block as absent.
			return nil
		}
		entry = cleanEntry(entry)
		if entry != "" {
			names = append(names, entry)
		}
	}
	return names
}

func cleanEntry(entry string) string {
	entry = strings.TrimSpace(entry)
	entry = strings.TrimPrefix(entry, "**")
	entry = strings.TrimSuffix(entry, "**")
	return strings.TrimSpace(entry)
}

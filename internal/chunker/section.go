package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

// numberedHeading matches outline-style headings such as "3." or "2.1 Term".
var numberedHeading = regexp.MustCompile(`^\d+(\.\d+)*[.)]?\s+\S`)

// heading is a heading-like line at a rune offset in the document.
type heading struct {
	offset int
	label  string
}

type headingList []heading

// scanHeadings collects heading-like lines with their rune offsets.
//
// A line counts as a heading when it starts with markdown hashes, looks like
// a numbered outline entry, or is a short all-caps line. Those are the shapes
// legal and business documents actually use for section titles.
func scanHeadings(text string) headingList {
	var out headingList
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		if label, ok := headingLabel(strings.TrimRight(line, "\n")); ok {
			out = append(out, heading{offset: offset, label: label})
		}
		offset += len([]rune(line))
	}
	return out
}

func headingLabel(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}

	if strings.HasPrefix(trimmed, "#") {
		label := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		return label, label != ""
	}

	if len(trimmed) <= 80 && numberedHeading.MatchString(trimmed) {
		return trimmed, true
	}

	if len(trimmed) <= 60 && isAllCapsLine(trimmed) {
		return trimmed, true
	}

	return "", false
}

// isAllCapsLine reports whether the line is made of upper-case words, as in
// "ARTICLE IV" or "TERMINATION AND REMEDIES".
func isAllCapsLine(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			letters++
		}
	}
	return letters >= 3
}

// sectionFor returns the label of the nearest heading preceding the chunk
// start. When no heading precedes it, a heading within the first scanWindow
// runes of the chunk may still claim it; otherwise the section is empty.
func (h headingList) sectionFor(start, scanWindow int) string {
	section := ""
	for _, hd := range h {
		if hd.offset <= start {
			section = hd.label
			continue
		}
		if section == "" && hd.offset < start+scanWindow {
			section = hd.label
		}
		break
	}
	return section
}

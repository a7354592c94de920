package messaging

import (
	"regexp"
	"strings"
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[@-Z\\-_]`)

// SanitizeTraceback strips terminal escape sequences from a kernel traceback and joins its lines.
func SanitizeTraceback(traceback []string) string {
	lines := make([]string, 0, len(traceback))
	for _, line := range traceback {
		lines = append(lines, ansiEscape.ReplaceAllString(line, ""))
	}

	return strings.Join(lines, "\n")
}

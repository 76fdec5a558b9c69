package cli

import "strings"

// LongDesc normalizes a command's long description: surrounding whitespace
// is trimmed so heredoc-style literals render cleanly in help output.
func LongDesc(s string) string {
	return strings.TrimSpace(s)
}

// Examples normalizes a command's examples block: each line is trimmed and
// indented by two spaces, matching cobra's help layout.
func Examples(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	for i, line := range lines {
		lines[i] = "  " + strings.TrimSpace(line)
	}

	return strings.Join(lines, "\n")
}

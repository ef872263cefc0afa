package dispatch

import "strings"

// SplitHeader separates the leading import block of code from the body.
// Blank lines and line comments may sit between imports. The body is
// everything after the last leading import, with one empty line standing in
// for each header line so positions in diagnostics match the submitted code.
func SplitHeader(code string) (header, body string) {
	lines := strings.SplitAfter(code, "\n")
	var imports []string
	end := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "import" || strings.HasPrefix(trimmed, "import ") {
			imports = append(imports, trimmed)
			end = i + 1
			continue
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		break
	}
	if len(imports) == 0 {
		return "", code
	}
	return strings.Join(imports, "\n"), strings.Repeat("\n", end) + strings.Join(lines[end:], "")
}

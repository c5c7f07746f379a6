package guardrails

import (
	"fmt"
	"maps"
	"path"
	"regexp"
	"slices"
)

type riskPattern struct {
	expr string
	re   *regexp.Regexp
}

//nolint:gochecknoglobals // compiled once, read-only
var riskyPatterns = func() []riskPattern {
	exprs := []string{
		`\beval\s*\(`,
		`\bexec\s*\(`,
		`\bsubprocess\b`,
		`\bos\.system\s*\(`,
		`\b__import__\s*\(`,
	}
	out := make([]riskPattern, len(exprs))
	for i, e := range exprs {
		out[i] = riskPattern{expr: e, re: regexp.MustCompile(e)}
	}
	return out
}()

// ScanRisky returns one warning per (file, pattern) match. Files are visited
// in name order so the result is stable. prefix labels the files, e.g. "backend".
func ScanRisky(prefix string, files map[string]string) []string {
	var warnings []string
	for _, name := range slices.Sorted(maps.Keys(files)) {
		label := name
		if prefix != "" {
			label = path.Join(prefix, name)
		}
		content := files[name]
		for _, p := range riskyPatterns {
			if p.re.MatchString(content) {
				warnings = append(warnings, fmt.Sprintf("[security] Risky pattern '%s' found in %s", p.expr, label))
			}
		}
	}
	return warnings
}

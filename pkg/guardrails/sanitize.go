package guardrails

import "regexp"

// Redaction replaces every injection marker.
const Redaction = "[REDACTED]"

//nolint:gochecknoglobals // compiled once, read-only
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)system\s*:`),
	regexp.MustCompile(`(?i)<\|im_start\|>`),
	regexp.MustCompile(`(?i)<\|im_end\|>`),
	regexp.MustCompile(`(?i)<\|endoftext\|>`),
	regexp.MustCompile("(?i)```\\s*system"),
}

// Sanitize redacts prompt-injection markers. It never fails and is idempotent:
// no pattern matches the redaction text, so a second pass changes nothing.
func Sanitize(text string) string {
	for _, p := range injectionPatterns {
		text = p.ReplaceAllLiteralString(text, Redaction)
	}
	return text
}

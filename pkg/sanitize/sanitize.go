// Package sanitize scrubs untrusted string values before they cross a trust
// boundary. Two views are produced from the same input: one that is safe to
// embed in a model prompt and one that is safe to persist as a single line of
// the NDJSON audit log.
package sanitize

import (
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	// PromptMaxLen caps prompt-bound strings, in runes.
	PromptMaxLen = 512
	// LogMaxLen caps log-bound strings, in runes.
	LogMaxLen = 1024
)

var (
	// ASCII control characters except \t, \n and \r.
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	lineBreaks   = regexp.MustCompile(`[\r\n]+`)

	credentialPatterns = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{8,}=*`), "Bearer [REDACTED]"},
		{regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|secret|password|passwd|key)[=:\s]+[A-Za-z0-9._~+/-]{8,}=*`), "${1}=[REDACTED]"},
		{regexp.MustCompile(`AIza[0-9A-Za-z_-]{30,}`), "[REDACTED]"},
		{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`), "[REDACTED]"},
	}
)

// PromptString returns s normalised to NFC, without control characters other
// than tab and newline, truncated to PromptMaxLen runes.
func PromptString(s string) string {
	s = norm.NFC.String(s)
	s = controlChars.ReplaceAllString(s, "")
	return Truncate(s, PromptMaxLen)
}

// LogString is PromptString with line breaks collapsed to a single space so
// the value can never split an NDJSON record, truncated to LogMaxLen runes.
func LogString(s string) string {
	s = norm.NFC.String(s)
	s = lineBreaks.ReplaceAllString(s, " ")
	s = controlChars.ReplaceAllString(s, "")
	return Truncate(s, LogMaxLen)
}

// ForPrompt returns a copy of fields with every string value passed through
// PromptString. Non-string values are copied unchanged.
func ForPrompt(fields map[string]any) map[string]any {
	return apply(fields, PromptString)
}

// ForLog returns a copy of fields with every string value passed through
// LogString. Non-string values are copied unchanged.
func ForLog(fields map[string]any) map[string]any {
	return apply(fields, LogString)
}

func apply(fields map[string]any, fn func(string) string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = fn(s)
			continue
		}
		out[k] = v
	}
	return out
}

// Redact replaces credential-shaped substrings (key=..., Bearer ..., provider
// key prefixes) with a placeholder. It is applied to every error message
// before it is logged or returned.
func Redact(msg string) string {
	for _, p := range credentialPatterns {
		msg = p.re.ReplaceAllString(msg, p.repl)
	}
	return msg
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

//go:build property
// +build property

package sanitize_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/agentscm/pkg/sanitize"
)

// TestLogStringIsSingleLine verifies no input can split an audit record.
// Property: LogString(s) contains no line break and is at most LogMaxLen runes.
func TestLogStringIsSingleLine(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("log view never contains line breaks", prop.ForAll(
		func(s string) bool {
			out := sanitize.LogString(s)
			return !strings.ContainsAny(out, "\r\n") && utf8.RuneCountInString(out) <= sanitize.LogMaxLen
		},
		gen.AnyString(),
	))

	properties.Property("prompt view has no control characters but tab/newline", prop.ForAll(
		func(s string) bool {
			for _, r := range sanitize.PromptString(s) {
				if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
					return false
				}
				if r == 0x7f {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

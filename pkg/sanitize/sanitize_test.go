package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptString_StripsControlCharacters(t *testing.T) {
	in := "Ber\x00lin\x07\tDE\nnext\x1b[31m"
	assert.Equal(t, "Berlin\tDE\nnext[31m", PromptString(in))
}

func TestPromptString_Truncates(t *testing.T) {
	in := strings.Repeat("é", PromptMaxLen+50)
	out := PromptString(in)
	assert.Equal(t, PromptMaxLen, len([]rune(out)))
}

func TestLogString_CollapsesLineBreaks(t *testing.T) {
	in := "line one\r\n{\"type\":\"PAYMENT_CONFIRMED\"}\nline three"
	out := LogString(in)
	assert.NotContains(t, out, "\n")
	assert.NotContains(t, out, "\r")
	assert.Equal(t, `line one {"type":"PAYMENT_CONFIRMED"} line three`, out)
}

func TestLogString_Truncates(t *testing.T) {
	out := LogString(strings.Repeat("a", 5000))
	assert.Len(t, out, LogMaxLen)
}

func TestForPromptAndForLog_PassNonStrings(t *testing.T) {
	amount := 5000.0
	fields := map[string]any{
		"shipment_id":    "S1",
		"location":       "Port\nof\x00Hamburg",
		"invoice_amount": amount,
		"temperature_ok": true,
	}

	p := ForPrompt(fields)
	assert.Equal(t, "Port\nofHamburg", p["location"])
	assert.Equal(t, amount, p["invoice_amount"])
	assert.Equal(t, true, p["temperature_ok"])

	l := ForLog(fields)
	assert.Equal(t, "Port ofHamburg", l["location"])
	assert.Equal(t, amount, l["invoice_amount"])

	// Input untouched.
	require.Equal(t, "Port\nof\x00Hamburg", fields["location"])
}

func TestRedact(t *testing.T) {
	cases := map[string]string{
		"Gemini API error: key=AIzaSyD0123456789abcdefghijklmnop": "Gemini API error: key=[REDACTED]",
		"upstream said Authorization: Bearer abc.def.ghijklmnop":  "upstream said Authorization: Bearer [REDACTED]",
		"token: 0123456789abcdef failed":                          "token=[REDACTED] failed",
		"no secrets here":                                         "no secrets here",
	}
	for in, want := range cases {
		assert.Equal(t, want, Redact(in), in)
	}

	out := Redact("leaked AIzaSyD0123456789abcdefghijklmnopqrstu in body")
	assert.NotContains(t, out, "AIza")
}

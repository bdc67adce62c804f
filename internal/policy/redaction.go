package policy

import (
	"regexp"

	"github.com/ent0n29/agenttest/internal/transcript"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		pattern *regexp.Regexp
		marker  string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		// Card before phone, otherwise card numbers match the phone pattern.
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactTranscript returns a redacted copy of msgs and the number of messages changed.
func RedactTranscript(msgs []transcript.Message) ([]transcript.Message, int) {
	out := make([]transcript.Message, len(msgs))
	n := 0
	for i, m := range msgs {
		text, changed := RedactPII(m.Text)
		m.Text = text
		if len(m.ToolCalls) > 0 {
			calls := make([]string, len(m.ToolCalls))
			for j, c := range m.ToolCalls {
				rc, callChanged := RedactPII(c)
				calls[j] = rc
				changed = changed || callChanged
			}
			m.ToolCalls = calls
		}
		if changed {
			n++
		}
		out[i] = m
	}
	return out, n
}

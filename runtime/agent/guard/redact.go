package guard

import (
	"fmt"
	"regexp"
)

// Marker replaces redacted spans.
const Marker = "[REDACTED]"

// piiPatterns is the ordered redaction pass. Order matters: structured
// identifiers (SSN, email) are consumed before the bare digit-run pattern so
// a single span is not double-counted.
var piiPatterns = []*regexp.Regexp{
	// Proper-noun-like name pairs ("Jane Doe").
	regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`),
	// SSN-shaped digit groups.
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// Email addresses.
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	// Runs of 10 or more digits (phone numbers, account numbers).
	regexp.MustCompile(`\b\d{10,}\b`),
}

// RedactPII replaces likely-PII spans in text with the redaction marker and,
// when anything matched, records one warning violation summarizing the count.
// Redaction is lossy and best-effort, not a security guarantee.
func (g *Guard) RedactPII(text string) string {
	matches := 0
	for _, pattern := range piiPatterns {
		text = pattern.ReplaceAllStringFunc(text, func(string) string {
			matches++
			return Marker
		})
	}
	if matches > 0 {
		g.mu.Lock()
		g.record(ViolationPIIRedacted, SeverityWarning,
			fmt.Sprintf("redacted %d likely-PII span(s)", matches),
			map[string]any{"count": matches})
		g.mu.Unlock()
	}
	return text
}

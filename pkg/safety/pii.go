package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PIIType names a detected PII category.
type PIIType string

const (
	PIIEmail          PIIType = "email"
	PIIPhoneUS        PIIType = "phone_us"
	PIISSN            PIIType = "ssn"
	PIICreditCard     PIIType = "credit_card"
	PIIIPAddress      PIIType = "ip_address"
	PIIDateOfBirth    PIIType = "date_of_birth"
	PIIPassport       PIIType = "passport"
	PIIDriversLicense PIIType = "drivers_license"
)

// Finding is one PII occurrence. Start and End are byte offsets into the
// scanned text, End exclusive.
type Finding struct {
	Type  PIIType `json:"type"`
	Start int     `json:"span_start"`
	End   int     `json:"span_end"`
}

type piiPattern struct {
	typ PIIType
	re  *regexp.Regexp

	// digitBounded rejects matches directly preceded or followed by a
	// digit. RE2 has no lookaround, so the boundary is checked in code.
	digitBounded bool

	// keywordAnchored marks patterns led by a domain keyword ("passport",
	// "dob"). These win overlap resolution against format-only patterns.
	keywordAnchored bool
}

// Pattern order fixes the tie-break between same-specificity overlaps:
// earlier table entries win.
var piiPatterns = []piiPattern{
	{typ: PIIDateOfBirth, keywordAnchored: true,
		re: regexp.MustCompile(`(?i)(dob|date\s+of\s+birth|born\s+on)\s*:?\s*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}`)},
	{typ: PIIPassport, keywordAnchored: true,
		re: regexp.MustCompile(`(?i)passport\s*(number|no|#)?\s*:?\s*[A-Z0-9]{6,9}`)},
	{typ: PIIDriversLicense, keywordAnchored: true,
		re: regexp.MustCompile(`(?i)(driver'?s?\s*licen[sc]e\s*(number|no|#)?|DL\s*#?|licen[sc]e\s*(number|no|#))\s*:?\s*[A-Z0-9]{5,15}`)},
	{typ: PIIEmail,
		re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{typ: PIICreditCard, digitBounded: true,
		re: regexp.MustCompile(`\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}`)},
	{typ: PIISSN, digitBounded: true,
		re: regexp.MustCompile(`\d{3}[-\s]?\d{2}[-\s]?\d{4}`)},
	{typ: PIIPhoneUS, digitBounded: true,
		re: regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)},
	{typ: PIIIPAddress, digitBounded: true,
		re: regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`)},
}

// PIIDetector finds and redacts PII. Detection is advisory: callers decide
// whether findings block. Pure and idempotent.
type PIIDetector struct{}

// NewPIIDetector returns a detector using the built-in pattern table.
func NewPIIDetector() *PIIDetector {
	return &PIIDetector{}
}

// Detect returns all findings sorted by start offset, with overlapping
// matches resolved. Resolution order: keyword-anchored beats format-only,
// then the longer match, then the earlier pattern-table entry.
func (d *PIIDetector) Detect(text string) []Finding {
	type candidate struct {
		Finding
		anchored bool
		order    int
	}

	var candidates []candidate
	for order, p := range piiPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if p.digitBounded && !digitBounded(text, loc[0], loc[1]) {
				continue
			}
			candidates = append(candidates, candidate{
				Finding:  Finding{Type: p.typ, Start: loc[0], End: loc[1]},
				anchored: p.keywordAnchored,
				order:    order,
			})
		}
	}

	// Stronger candidates claim their range first; weaker overlapping
	// candidates are dropped.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.anchored != b.anchored {
			return a.anchored
		}
		if la, lb := a.End-a.Start, b.End-b.Start; la != lb {
			return la > lb
		}
		return a.order < b.order
	})

	var kept []Finding
	for _, c := range candidates {
		overlaps := false
		for _, k := range kept {
			if c.Start < k.End && k.Start < c.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c.Finding)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// Redact replaces each finding with a [TYPE_REDACTED] placeholder.
// Findings must come from Detect on the same text.
func (d *PIIDetector) Redact(text string, findings []Finding) string {
	if len(findings) == 0 {
		return text
	}

	ordered := make([]Finding, len(findings))
	copy(ordered, findings)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start < ordered[j].Start })

	var b strings.Builder
	last := 0
	for _, f := range ordered {
		if f.Start < last {
			continue
		}
		b.WriteString(text[last:f.Start])
		b.WriteString(fmt.Sprintf("[%s_REDACTED]", strings.ToUpper(string(f.Type))))
		last = f.End
	}
	b.WriteString(text[last:])
	return b.String()
}

// Types returns the distinct finding types in first-seen order.
func Types(findings []Finding) []string {
	var out []string
	seen := make(map[PIIType]bool, len(findings))
	for _, f := range findings {
		if !seen[f.Type] {
			seen[f.Type] = true
			out = append(out, string(f.Type))
		}
	}
	return out
}

// digitBounded reports whether text[start:end] is not directly adjacent to
// another digit on either side.
func digitBounded(text string, start, end int) bool {
	if start > 0 && isDigit(text[start-1]) {
		return false
	}
	if end < len(text) && isDigit(text[end]) {
		return false
	}
	return true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

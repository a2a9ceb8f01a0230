// Package safety implements the input safety layer: fast pattern-based
// prompt-injection detection (L1), PII detection and redaction, and an
// optional ML-backed guard service (L2).
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Injection categories, aligned with the OWASP LLM Top 10 taxonomy.
const (
	CategoryInstructionOverride   = "instruction_override"
	CategoryRoleManipulation      = "role_manipulation"
	CategoryPromptExtraction      = "prompt_extraction"
	CategoryDelimiterAttack       = "delimiter_attack"
	CategoryEncodingEvasion       = "encoding_evasion"
	CategoryCodeInjection         = "code_injection"
	CategoryNestedInjection       = "nested_injection"
	CategoryMultiTurnManipulation = "multi_turn_manipulation"
	CategorySocialEngineering     = "social_engineering"
	CategoryHypotheticalBypass    = "hypothetical_bypass"

	CategoryControlCharacters = "control_characters"
	CategoryRepetitionAttack  = "repetition_attack"
	CategoryUnicodeFlooding   = "unicode_flooding"
	CategoryZeroWidthChars    = "zero_width_chars"
)

// Detection layers reported in span attributes.
const (
	LayerInjectionPattern  = "injection_pattern"
	LayerSuspiciousPattern = "suspicious_pattern"
)

// InjectionResult is the outcome of one detection pass.
type InjectionResult struct {
	Flagged   bool
	PatternID string
	Category  string
	Layer     string
}

type injectionPattern struct {
	re       *regexp.Regexp
	category string
}

// Ordered pattern table. First match wins, so higher-signal categories come
// first. Patterns that need backreferences or lookarounds are expressed as
// heuristic code checks in checkSuspicious instead.
var injectionPatterns = compilePatterns([]struct {
	expr     string
	category string
}{
	{`(?i)ignore\s+(all\s+)?(previous|above|prior|your)\s+(instructions?|prompts?|rules?|context|directives?|guidelines?)`, CategoryInstructionOverride},
	{`(?i)disregard\s+(all\s+)?(previous|above|prior|your|the)\s+(instructions?|prompts?|rules?|guidelines?|safety)`, CategoryInstructionOverride},
	{`(?i)disregard\s+the\s+above\b`, CategoryInstructionOverride},
	{`(?i)forget\s+(everything|all|your)\s+(you|instructions?|rules?|were|have)`, CategoryInstructionOverride},
	{`(?i)override\s+(your|all|the|any)\s+(safety|security|rules?|restrictions?|protocols?|guidelines?|instructions?)`, CategoryInstructionOverride},
	{`(?i)stop\s+following\s+(your|the|all)\s+(guidelines?|rules?|instructions?|restrictions?)`, CategoryInstructionOverride},
	{`(?i)previous\s+instructions?\s+(are|is)\s+(void|invalid|null|cancelled|overridden)`, CategoryInstructionOverride},
	{`(?i)you\s+must\s+(ignore|disregard|bypass|override|break)\s+(your|all|the|any)\s+(rules?|safety|restrictions?|instructions?)`, CategoryInstructionOverride},
	{`(?i)new\s+(instruction|directive|rule|system\s+prompt)\s*:`, CategoryInstructionOverride},

	{`(?i)you\s+are\s+(now\s+)?(a|an|the|DAN|operating|in)\b`, CategoryRoleManipulation},
	{`(?i)act\s+as\s+(a|an|if|though)\s+`, CategoryRoleManipulation},
	{`(?i)pretend\s+(you|to\s+be|that)\s+`, CategoryRoleManipulation},
	{`(?i)roleplay\s+(as|like)\s+`, CategoryRoleManipulation},
	{`(?i)from\s+now\s+on\s*,?\s*(you|act|behave|respond|ignore|operate)`, CategoryRoleManipulation},
	{`(?i)switch\s+to\s+(\w+)\s+mode`, CategoryRoleManipulation},
	{`(?i)enter\s+(\w+)\s+mode`, CategoryRoleManipulation},
	{`(?i)(enable|activate|unlock)\s+(developer|admin|unrestricted|jailbreak|debug|god)\s+mode`, CategoryRoleManipulation},
	{`(?i)you\s+have\s+(been|no)\s+(upgraded|updated|reprogrammed|restrictions?|filters?|rules?|limitations?|ethical|content\s+policy)`, CategoryRoleManipulation},
	{`(?i)imagine\s+you\s+(are|were|had|have)\s+(a|an|no)\s+`, CategoryRoleManipulation},
	{`(?i)assume\s+the\s+role\s+of`, CategoryRoleManipulation},
	{`(?i)(you\s+can|able\s+to)\s+(do\s+anything|bypass|break\s+free)`, CategoryRoleManipulation},
	{`(?i)without\s+(any|ethical|safety|content)\s+(guidelines?|restrictions?|filters?|policy|limitations?)`, CategoryRoleManipulation},

	{`(?i)(show|reveal|display|print|output|repeat|echo|tell|give)\s+(me\s+)?(your|the|system|base|original|initial|hidden|secret|complete|full)\s+((system|initial|original|hidden|secret|full|base|complete)\s+)?(prompt|instructions?|rules?|config|configuration|message|directives?)`, CategoryPromptExtraction},
	{`(?i)what\s+(are|is|were|does)\s+(your|the)\s+(system\s+)?(prompt|instructions?|rules?|initial\s+prompt|base\s+instructions?|configuration)`, CategoryPromptExtraction},
	{`(?i)(begin|start)\s+your\s+(response|reply|answer)\s+with\s+(the\s+)?(system|initial)\s+prompt`, CategoryPromptExtraction},
	{`(?i)repeat\s+(everything|all|the\s+text)\s+(above|before)\s+(this|my)`, CategoryPromptExtraction},
	{`(?i)(what|output)\s+(text|message|content)\s+appears?\s+before\s+my\s+message`, CategoryPromptExtraction},
	{`(?i)what\s+were\s+you\s+told\s+before\s+this`, CategoryPromptExtraction},
	{`(?i)confirm\s+by\s+showing\s+your\s+prompt`, CategoryPromptExtraction},
	{`(?i)copy\s+of\s+your\s+(system\s+)?instructions`, CategoryPromptExtraction},
	{`(?i)(output|show|display)\s+(the\s+)?(text|content|message)\s+.{0,30}(before|above|prior)`, CategoryPromptExtraction},
	{`(?i)show\s+me\s+(the\s+)?(hidden|secret|system)\s+(message|prompt|instructions?)`, CategoryPromptExtraction},
	{`(?i)(see|view|access)\s+(the\s+)?(system\s+)?(message|prompt|instructions?|configuration)`, CategoryPromptExtraction},
	{`(?i)(hidden|secret)\s+(system\s+)?(prompt|message|instructions?|config)`, CategoryPromptExtraction},
	{`(?i)(we\s+)?need\s+(your|the)\s+(base|system|complete|full|original)\s+(instructions?|prompt|configuration|message)`, CategoryPromptExtraction},
	{`(?i)(output|review|show)\s+your\s+(complete|full|entire|system)\s+(system\s+)?(prompt|instructions?|configuration)`, CategoryPromptExtraction},
	{`(?i)(told|said)\s+(me\s+)?(I|we)\s+could\s+see\s+(the\s+)?(system\s+)?(message|prompt|instructions?)`, CategoryPromptExtraction},

	{`(?i)\[/?system\]`, CategoryDelimiterAttack},
	{`(?i)<\|?(system|im_start|im_end|endoftext)\|?>`, CategoryDelimiterAttack},
	{"(?i)```\\s*(system|admin|root)", CategoryDelimiterAttack},
	{`(?i)###\s*(system|instruction|admin|end|break)`, CategoryDelimiterAttack},
	{`(?i)\[/?INST\]`, CategoryDelimiterAttack},
	{`(?i)(===|---)\s*(BREAK|END|SYSTEM|NEW)`, CategoryDelimiterAttack},
	{`(?i)END\s+OF\s+PROMPT`, CategoryDelimiterAttack},
	{`(?i)\\n\\n(Human|System|Assistant)\s*:`, CategoryDelimiterAttack},

	{`(?i)(decode|decrypt|deobfuscate|base64|rot13)\s*:?\s+(this|the\s+following|below|decode|[A-Za-z0-9+/=]{6,})`, CategoryEncodingEvasion},
	{`(?i)ign[o0]re\s+(all\s+)?prev[i1]`, CategoryEncodingEvasion},
	{`(?i)d\.?i\.?s\.?r\.?e\.?g\.?a\.?r\.?d`, CategoryEncodingEvasion},
	{`(?i)i\s*g\s+n\s*o\s*r\s*e\s+.{0,20}(instruct|prev|rules?|safety)`, CategoryEncodingEvasion},
	{`[ÏïÎî][gĝ][nñ][öoóò][rŕ][êeéè]`, CategoryEncodingEvasion},
	{`(?i)i\.g\.?n\.?o\.?r\.?e`, CategoryEncodingEvasion},

	{`(?i)(execute|run|eval|exec)\s+(this|the\s+following)\s+(code|command|script|payload|python|javascript)`, CategoryCodeInjection},
	{`(?i)(import|require|include)\s+(os|sys|subprocess|exec|shutil)`, CategoryCodeInjection},
	{`(?i)__import__\s*\(`, CategoryCodeInjection},
	{`(?i)(eval|exec)\s*\(`, CategoryCodeInjection},
	{`(?i)javascript\s*:`, CategoryCodeInjection},
	{`(?i)subprocess\.(run|call|Popen|check_output)`, CategoryCodeInjection},
	{`(?i)os\.(system|popen|exec)`, CategoryCodeInjection},

	{`(?i)(translate|summarize|analyze|search\s+for|rephrase)\s+(this|the\s+following)\s*:?\s*.{0,80}(ignore|disregard|forget|reveal|override|bypass)`, CategoryNestedInjection},
	{`(?i)(summarize|translate|analyze|search)\s*:\s*.{0,80}(disregard|ignore|override|reveal|safety|output\s+secrets)`, CategoryNestedInjection},

	{`(?i)in\s+(the|your)\s+(next|following)\s+(response|reply|message)\s*,?\s*(only|just|simply)`, CategoryMultiTurnManipulation},
	{`(?i)(actually|wait)\s*,?\s*(forget|ignore|new\s+topic|never\s+mind).{0,50}(ignore|reveal|override|prompt|rules)`, CategoryMultiTurnManipulation},
	{`(?i)step\s+\d+\s*:\s*.{0,50}(break|override|ignore|bypass|disable)\s+(them|your|the|all|it|rules?|safety)`, CategoryMultiTurnManipulation},
	{`(?i)I\s+(know|understand)\s+you\s+(said|can't|cannot).{0,50}(but|now|override|ignore|tell\s+me)`, CategoryMultiTurnManipulation},
	{`(?i)(now|so)\s+override\s+it`, CategoryMultiTurnManipulation},

	{`(?i)(I\s+am|I'm|as)\s+(your|a|the|an)\s+(developer|admin|administrator|creator|owner|CEO|manager|root|supervisor)`, CategorySocialEngineering},
	{`(?i)(authorized|admin|root)\s+(access|override|privilege|clearance)`, CategorySocialEngineering},
	{`(?i)(security|penetration|pen)\s+(test|audit|review)\s*(authorized|mode)?`, CategorySocialEngineering},
	{`(?i)for\s+(debugging|compliance|audit|review|testing)\s+purposes?\s*,?\s*(please\s+)?(show|reveal|display|output|give|print)`, CategorySocialEngineering},
	{`(?i)(management|CEO|CTO|team\s+lead)\s+(authorized|approved|told|instructed|said)`, CategorySocialEngineering},
	{`(?i)according\s+to\s+policy.{0,30}(you\s+must|show|reveal|display)`, CategorySocialEngineering},
	{`(?i)(quality\s+assurance|QA|internal\s+security|safety\s+team)\s*:?\s*(please\s+)?(show|reveal|confirm|need)`, CategorySocialEngineering},
	{`(?i)(FOIA|freedom\s+of\s+information)\s*.{0,30}(request|copy|your)`, CategorySocialEngineering},

	{`(?i)hypothetically\s*,?\s*(if|what\s+if)\s+you\s+(had|have|were)`, CategoryHypotheticalBypass},
	{`(?i)if\s+I\s+were\s+(an?\s+)?(admin|developer|root|authorized)`, CategoryHypotheticalBypass},
	{`(?i)in\s+an?\s+(emergency|override)\s+scenario`, CategoryHypotheticalBypass},
	{`(?i)to\s+pass\s+the\s+test\s*,?\s*(show|reveal|display|output)`, CategoryHypotheticalBypass},
})

// Suspicious content checks that have a regex form.
var (
	controlCharsRE   = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f]")
	unicodeFloodRE   = regexp.MustCompile(`[^\x00-\x7F]{50,}`)
	zeroWidthCharsRE = regexp.MustCompile("[\u200b-\u200f\u2028-\u202f\ufeff]")
)

func compilePatterns(specs []struct {
	expr     string
	category string
}) []injectionPattern {
	out := make([]injectionPattern, 0, len(specs))
	for _, s := range specs {
		out = append(out, injectionPattern{
			re:       regexp.MustCompile(s.expr),
			category: s.category,
		})
	}
	return out
}

const (
	// Character run length that flags a repetition flood.
	repeatedCharLimit = 21
	// Consecutive identical words that flag a repetition flood.
	repeatedWordLimit = 5
)

// InjectionDetector is the L1 pattern check. It is pure and idempotent;
// a zero-value detector uses the built-in pattern table.
type InjectionDetector struct{}

// NewInjectionDetector returns the L1 detector.
func NewInjectionDetector() *InjectionDetector {
	return &InjectionDetector{}
}

// Detect scans text in pattern order and returns on the first match.
// The PatternID is opaque and stable across restarts; it encodes the
// table position only, not the pattern text.
func (d *InjectionDetector) Detect(text string) InjectionResult {
	for i, p := range injectionPatterns {
		if p.re.MatchString(text) {
			return InjectionResult{
				Flagged:   true,
				PatternID: fmt.Sprintf("inj_%03d", i),
				Category:  p.category,
				Layer:     LayerInjectionPattern,
			}
		}
	}
	return d.checkSuspicious(text)
}

func (d *InjectionDetector) checkSuspicious(text string) InjectionResult {
	suspicious := func(id, category string) InjectionResult {
		return InjectionResult{
			Flagged:   true,
			PatternID: id,
			Category:  category,
			Layer:     LayerSuspiciousPattern,
		}
	}

	if controlCharsRE.MatchString(text) {
		return suspicious("sus_control", CategoryControlCharacters)
	}
	if hasRepeatedRun(text, repeatedCharLimit) || hasRepeatedWords(text, repeatedWordLimit) {
		return suspicious("sus_repeat", CategoryRepetitionAttack)
	}
	if unicodeFloodRE.MatchString(text) {
		return suspicious("sus_flood", CategoryUnicodeFlooding)
	}
	if zeroWidthCharsRE.MatchString(text) {
		return suspicious("sus_zwsp", CategoryZeroWidthChars)
	}
	return InjectionResult{}
}

// hasRepeatedRun reports a run of limit or more identical word characters.
func hasRepeatedRun(text string, limit int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev && isWordRune(r) {
			run++
			if run >= limit {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

// hasRepeatedWords reports limit or more consecutive identical
// whitespace-separated words.
func hasRepeatedWords(text string, limit int) bool {
	var prev string
	run := 0
	for _, word := range strings.Fields(text) {
		w := strings.ToLower(strings.TrimFunc(word, func(r rune) bool { return !isWordRune(r) }))
		if w == "" {
			continue
		}
		if w == prev {
			run++
			if run >= limit {
				return true
			}
		} else {
			prev = w
			run = 1
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

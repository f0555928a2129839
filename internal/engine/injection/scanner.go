package injection

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/Kanishka8375/RedTeamingAI/internal/engine"
	"github.com/Kanishka8375/RedTeamingAI/internal/event"
)

const (
	phraseScore     = 30
	oversizedScore  = 15
	numberedScore   = 25
	systemRoleScore = 45

	// oversizedLimit is the per-string length past which a payload is
	// suspicious on size alone.
	oversizedLimit = 5000

	// matchedTextLimit caps the evidence we carry per match so raw
	// payloads never ride along whole.
	matchedTextLimit = 180

	// detectThreshold is the confidence at which Detected flips.
	detectThreshold = 40

	layerPhrase     = "phrase"
	layerRegex      = "regex"
	layerStructural = "structural"
)

// Pre-compiled patterns — compiled once at startup, never during a request.
// exclude, when set, suppresses the pattern for strings it also matches.
var regexPatterns = []struct {
	name    string
	score   int
	re      *regexp.Regexp
	exclude *regexp.Regexp
}{
	{"instruction_override", 35, regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions|prompts|rules|context)`), nil},
	{"identity_override", 30, regexp.MustCompile(`(?i)\byou\s+are\s+now\b`), regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(talking|chatting|speaking|connected)\b`)},
	{"new_instructions", 25, regexp.MustCompile(`(?i)\b(new|updated)\s+instructions\b`), nil},
	{"chat_template_tag", 40, regexp.MustCompile(`(?i)<\|\s*(im_start|im_end|system|instructions?)\s*\|>`), nil},
	{"system_tag", 40, regexp.MustCompile(`(?i)\[(system|inst|sys)\]`), nil},
	{"base64_payload", 20, regexp.MustCompile(`(?i)base64:\s*[a-z0-9+/=]{20,}`), nil},
	{"control_characters", 15, regexp.MustCompile("[\x00  ]"), nil},
	{"script_tag", 20, regexp.MustCompile(`(?i)@--.*--|<script`), nil},
}

// numberedDirectiveRe catches enumerated task lists that open with an
// imperative ("1. Ignore the rules above ...").
var numberedDirectiveRe = regexp.MustCompile(`(?mi)^1\.\s+(ignore|reveal|print|exfiltrate|dump|extract|bypass|override|do)\b`)

// systemRoleRe runs against the raw request once: a system-role message
// smuggled into the conversation body.
var systemRoleRe = regexp.MustCompile(`"role"\s*:\s*"system"`)

// Scanner detects prompt-injection attempts in raw request bodies. It is
// stateless and safe for concurrent use.
type Scanner struct{}

// NewScanner returns a ready scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Scan parses the raw request as JSON and applies the phrase, regex, and
// structural layers to every string leaf; bodies that fail to parse are
// scanned as one opaque string. The raw text additionally gets one
// whole-request pass for an embedded system role. Scores are additive
// across every match, capped at 100.
func (s *Scanner) Scan(ctx context.Context, ev *event.LoggedEvent) engine.InjectionResult {
	raw := ev.RawRequest

	var patterns []engine.MatchedPattern
	total := 0
	for _, leaf := range extractStrings(raw) {
		if ctx.Err() != nil {
			break
		}
		patterns, total = scanString(leaf, patterns, total)
	}

	if m := systemRoleRe.FindString(raw); m != "" {
		patterns = append(patterns, engine.MatchedPattern{
			Name:        "embedded_system_role",
			Layer:       layerStructural,
			Confidence:  systemRoleScore,
			MatchedText: evidence(m),
		})
		total += systemRoleScore
	}

	confidence := min(total, 100)
	return engine.InjectionResult{
		Score:      confidence,
		Confidence: confidence,
		Detected:   confidence >= detectThreshold,
		Patterns:   patterns,
	}
}

// scanString applies the three layers to one string and returns the
// grown pattern list and running total.
func scanString(text string, patterns []engine.MatchedPattern, total int) ([]engine.MatchedPattern, int) {
	lower := strings.ToLower(text)
	for _, p := range phraseTable {
		if !strings.Contains(lower, p.text) {
			continue
		}
		patterns = append(patterns, engine.MatchedPattern{
			Name:        p.name,
			Layer:       layerPhrase,
			Confidence:  phraseScore,
			MatchedText: p.text,
		})
		total += phraseScore
	}

	for _, p := range regexPatterns {
		m := p.re.FindString(text)
		if m == "" {
			continue
		}
		if p.exclude != nil && p.exclude.MatchString(text) {
			continue
		}
		patterns = append(patterns, engine.MatchedPattern{
			Name:        p.name,
			Layer:       layerRegex,
			Confidence:  p.score,
			MatchedText: evidence(m),
		})
		total += p.score
	}

	if len(text) > oversizedLimit {
		patterns = append(patterns, engine.MatchedPattern{
			Name:        "oversized_string_payload",
			Layer:       layerStructural,
			Confidence:  oversizedScore,
			MatchedText: evidence(text),
		})
		total += oversizedScore
	}
	if m := numberedDirectiveRe.FindString(text); m != "" {
		patterns = append(patterns, engine.MatchedPattern{
			Name:        "numbered_directive",
			Layer:       layerStructural,
			Confidence:  numberedScore,
			MatchedText: evidence(m),
		})
		total += numberedScore
	}
	return patterns, total
}

// extractStrings returns every string leaf of the JSON document, walking
// objects in key order so results are deterministic. Non-JSON bodies
// come back as a single leaf.
func extractStrings(raw string) []string {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return []string{raw}
	}
	var out []string
	collectStrings(doc, &out)
	return out
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case []any:
		for _, child := range t {
			collectStrings(child, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStrings(t[k], out)
		}
	}
}

func evidence(s string) string {
	return event.Truncate(s, matchedTextLimit)
}

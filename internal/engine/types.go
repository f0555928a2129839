package engine

// Action is a policy verdict. Precedence when rules disagree:
// BLOCK > ALERT > ALLOW.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
	ActionAlert Action = "ALERT"
)

// Valid reports whether the action is one of the three known verdicts.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionBlock, ActionAlert:
		return true
	}
	return false
}

// Severity grades a policy rule's weight in the combined score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether the severity is within the enumeration.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Score returns the severity's contribution to the policy score.
func (s Severity) Score() int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 20
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 40
	default:
		return 0
	}
}

// AnomalyResult is the anomaly engine's verdict for one event.
type AnomalyResult struct {
	Score       int      `json:"score"`
	Flags       []string `json:"flags"`
	ShouldBlock bool     `json:"should_block"`
}

// MatchedPattern records one scanner hit. MatchedText is truncated to
// 180 chars so raw payloads never ride along whole.
type MatchedPattern struct {
	Name        string `json:"name"`
	Layer       string `json:"layer"`
	Confidence  int    `json:"confidence"`
	MatchedText string `json:"matched_text"`
}

// InjectionResult is the prompt-injection scanner's verdict.
type InjectionResult struct {
	Score      int              `json:"score"`
	Confidence int              `json:"confidence"`
	Detected   bool             `json:"detected"`
	Patterns   []MatchedPattern `json:"patterns"`
}

// RuleViolation is one matched policy rule.
type RuleViolation struct {
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	Action   Action   `json:"action"`
	Severity Severity `json:"severity"`
}

// PolicyResult is the policy engine's verdict.
type PolicyResult struct {
	Score      int             `json:"score"`
	Action     Action          `json:"action"`
	Violations []RuleViolation `json:"violations"`
}

// SecurityDecision is the combined outcome for one event. It is never
// persisted standalone; its fields are projected into the event row's
// security-result update.
type SecurityDecision struct {
	EventID      string          `json:"event_id"`
	RiskScore    int             `json:"risk_score"`
	Blocked      bool            `json:"blocked"`
	Flags        []string        `json:"flags"`
	Anomaly      AnomalyResult   `json:"anomaly"`
	Injection    InjectionResult `json:"injection"`
	Policy       PolicyResult    `json:"policy"`
	ProcessingMs int64           `json:"processing_ms"`
}

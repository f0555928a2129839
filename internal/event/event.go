package event

import "time"

// LoggedEvent is one intercepted provider call. It is created once per
// request with risk zero, then mutated exactly once after analysis via a
// security-result update.
type LoggedEvent struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	TenantID         string    `json:"tenant_id"`
	AgentID          string    `json:"agent_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Tools            []string  `json:"tools"`
	RequestHash      string    `json:"request_hash"`
	ResponsePreview  string    `json:"response_preview"`
	RiskScore        int       `json:"risk_score"`
	Blocked          bool      `json:"blocked"`
	Flags            []string  `json:"flags"`
	RawRequest       string    `json:"raw_request"`
	RawResponse      string    `json:"raw_response"`
}

// PreviewLength is the max chars stored in response_preview.
const PreviewLength = 256

// Truncate returns the first maxLen characters (runes) of s. It never
// splits a multi-byte UTF-8 character.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

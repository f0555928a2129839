package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/Kanishka8375/RedTeamingAI/internal/event"
)

// Request and response headers on the proxy surface.
const (
	HeaderAPIKey    = "X-RedTeamingAI-Key"
	HeaderAgentID   = "X-Agent-ID"
	HeaderEventID   = "X-RedTeamingAI-Event-ID"
	HeaderRiskScore = "X-RedTeamingAI-Risk-Score"
)

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	UpgradeURL string `json:"upgradeUrl,omitempty"`
}

type blockedBody struct {
	Error     string   `json:"error"`
	EventID   string   `json:"eventId"`
	RiskScore int      `json:"riskScore"`
	Flags     []string `json:"flags"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Code: code})
}

func writeLimitError(w http.ResponseWriter, upgradeURL string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:      "monthly event limit reached",
		Code:       "PLAN_LIMIT",
		UpgradeURL: upgradeURL,
	})
}

func writeBlocked(w http.ResponseWriter, ev *event.LoggedEvent) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(blockedBody{
		Error:     "request blocked by security policy",
		EventID:   ev.ID,
		RiskScore: ev.RiskScore,
		Flags:     ev.Flags,
	})
}

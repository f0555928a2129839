package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
)

// Usage holds token counts parsed from an upstream response body.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ParseUsage extracts token usage from a raw upstream response. OpenAI
// reports prompt_tokens/completion_tokens, Anthropic input_tokens/
// output_tokens; missing or malformed fields count as zero.
func ParseUsage(raw string) Usage {
	var wire struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Usage{}
	}
	u := Usage{
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
	}
	if u.PromptTokens == 0 {
		u.PromptTokens = wire.Usage.InputTokens
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = wire.Usage.OutputTokens
	}
	return u
}

// ExtractModel returns the model field of a request body, or empty.
func ExtractModel(raw string) string {
	var wire struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return ""
	}
	return wire.Model
}

// ExtractAPIKey returns the apiKey field of a request body, or empty.
// Used as a fallback when the key header is absent.
func ExtractAPIKey(raw string) string {
	var wire struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return ""
	}
	return wire.APIKey
}

// WantsStream reports whether the request body asked for a streamed
// response (OpenAI-style "stream": true).
func WantsStream(raw string) bool {
	var wire struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return false
	}
	return wire.Stream
}

// ExtractToolNames returns every tool name the request carries, in order
// and with repeats. It covers top-level tool declarations in both the
// OpenAI ({"function":{"name":...}}) and Anthropic ({"name":...}) shapes,
// plus tool invocations embedded in message history (OpenAI tool_calls
// and Anthropic tool_use content blocks). Malformed bodies yield nil.
func ExtractToolNames(raw string) []string {
	var wire struct {
		Tools []struct {
			Name     string `json:"name"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
		Messages []struct {
			ToolCalls []struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			} `json:"tool_calls"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil
	}
	var names []string
	for _, t := range wire.Tools {
		switch {
		case t.Name != "":
			names = append(names, t.Name)
		case t.Function.Name != "":
			names = append(names, t.Function.Name)
		}
	}
	for _, m := range wire.Messages {
		for _, tc := range m.ToolCalls {
			if tc.Function.Name != "" {
				names = append(names, tc.Function.Name)
			}
		}
		if len(m.Content) == 0 {
			continue
		}
		var blocks []struct {
			Type string `json:"type"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			if b.Type == "tool_use" && b.Name != "" {
				names = append(names, b.Name)
			}
		}
	}
	return names
}

var errorTextRe = regexp.MustCompile(`(?i)error|fail(ed|ure)?|exception`)

// IsErrorResponse reports whether an upstream body counts as a failure
// for sliding-window accounting: a case-insensitive error/fail/exception
// mention, or valid JSON carrying an error field.
func IsErrorResponse(raw string) bool {
	if raw == "" {
		return false
	}
	if errorTextRe.MatchString(raw) {
		return true
	}
	var wire map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return false
	}
	_, ok := wire["error"]
	return ok
}

// HashRequest returns the hex SHA-256 of the raw request body.
func HashRequest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

package event

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseUsage(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantPrompt     int
		wantCompletion int
	}{
		{"openai shape", `{"usage":{"prompt_tokens":120,"completion_tokens":45}}`, 120, 45},
		{"anthropic shape", `{"usage":{"input_tokens":80,"output_tokens":33}}`, 80, 33},
		{"mixed prefers openai names", `{"usage":{"prompt_tokens":10,"input_tokens":99,"completion_tokens":5,"output_tokens":99}}`, 10, 5},
		{"missing usage", `{"choices":[]}`, 0, 0},
		{"malformed body", `data: {"chunk": 1}` + "\n\n" + `data: [DONE]`, 0, 0},
		{"empty body", ``, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseUsage(tt.raw)
			if got.PromptTokens != tt.wantPrompt {
				t.Errorf("prompt tokens = %d, want %d", got.PromptTokens, tt.wantPrompt)
			}
			if got.CompletionTokens != tt.wantCompletion {
				t.Errorf("completion tokens = %d, want %d", got.CompletionTokens, tt.wantCompletion)
			}
		})
	}
}

func TestExtractModel(t *testing.T) {
	if got := ExtractModel(`{"model":"gpt-4o-mini","messages":[]}`); got != "gpt-4o-mini" {
		t.Errorf("model = %q, want %q", got, "gpt-4o-mini")
	}
	if got := ExtractModel(`not json`); got != "" {
		t.Errorf("model for malformed body = %q, want empty", got)
	}
}

func TestExtractAPIKey(t *testing.T) {
	if got := ExtractAPIKey(`{"apiKey":"rtk_abc123","model":"gpt-4o"}`); got != "rtk_abc123" {
		t.Errorf("apiKey = %q, want %q", got, "rtk_abc123")
	}
	if got := ExtractAPIKey(`{"model":"gpt-4o"}`); got != "" {
		t.Errorf("apiKey for body without field = %q, want empty", got)
	}
}

func TestWantsStream(t *testing.T) {
	if !WantsStream(`{"stream":true}`) {
		t.Error("expected stream=true to be detected")
	}
	if WantsStream(`{"stream":false}`) {
		t.Error("expected stream=false to be rejected")
	}
	if WantsStream(`garbage`) {
		t.Error("expected malformed body to be rejected")
	}
}

func TestExtractToolNames(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			"anthropic tools",
			`{"tools":[{"name":"get_weather"},{"name":"read_api_key"}]}`,
			[]string{"get_weather", "read_api_key"},
		},
		{
			"openai tools",
			`{"tools":[{"type":"function","function":{"name":"search_docs"}}]}`,
			[]string{"search_docs"},
		},
		{
			"openai tool_calls in history",
			`{"messages":[{"role":"assistant","tool_calls":[{"function":{"name":"file_read"}},{"function":{"name":"file_read"}}]}]}`,
			[]string{"file_read", "file_read"},
		},
		{
			"anthropic tool_use blocks",
			`{"messages":[{"role":"assistant","content":[{"type":"tool_use","name":"list_directory","input":{}},{"type":"text","text":"ok"}]}]}`,
			[]string{"list_directory"},
		},
		{
			"string content ignored",
			`{"messages":[{"role":"user","content":"hello"}]}`,
			nil,
		},
		{
			"malformed body",
			`{"tools": [`,
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractToolNames(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("tool names = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractToolNames_KeepsRepeats(t *testing.T) {
	var calls []string
	for i := 0; i < 11; i++ {
		calls = append(calls, `{"function":{"name":"file_read"}}`)
	}
	raw := `{"messages":[{"role":"assistant","tool_calls":[` + strings.Join(calls, ",") + `]}]}`

	got := ExtractToolNames(raw)
	if len(got) != 11 {
		t.Fatalf("expected 11 tool calls preserved, got %d", len(got))
	}
}

func TestIsErrorResponse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"plain error word", "internal Error occurred", true},
		{"failed word", "request FAILED upstream", true},
		{"failure word", "total failure", true},
		{"exception word", "unhandled exception in handler", true},
		{"json error field", `{"error":{"message":"rate limited"}}`, true},
		{"clean completion", `{"choices":[{"message":{"content":"hi"}}]}`, false},
		{"empty body", "", false},
		{"non-json without keywords", "all good here", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsErrorResponse(tt.raw); got != tt.want {
				t.Errorf("IsErrorResponse(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestHashRequest(t *testing.T) {
	// sha256("") is a well-known constant.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := HashRequest(""); got != want {
		t.Errorf("hash = %s, want %s", got, want)
	}
	if got := HashRequest("abc"); got == HashRequest("abd") {
		t.Errorf("distinct bodies produced identical hash %s", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("short string altered: %q", got)
	}
	long := strings.Repeat("a", 300)
	if got := Truncate(long, PreviewLength); len(got) != PreviewLength {
		t.Errorf("truncated length = %d, want %d", len(got), PreviewLength)
	}
	// 300 two-byte runes must cut on the rune boundary.
	multi := strings.Repeat("é", 300)
	got := Truncate(multi, PreviewLength)
	if runes := []rune(got); len(runes) != PreviewLength {
		t.Errorf("truncated rune count = %d, want %d", len(runes), PreviewLength)
	}
}

package openai

import (
	"testing"

	"github.com/pailflow/pailflow/pkg/provider/llm"
	"github.com/pailflow/pailflow/pkg/types"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	msg := types.Message{Role: "system", Content: "You are helpful."}
	param := convertMessage(msg)
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	msg := types.Message{Role: "user", Content: "Hello!"}
	param := convertMessage(msg)
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_Assistant checks that assistant role is converted.
func TestConvertMessage_Assistant(t *testing.T) {
	msg := types.Message{Role: "assistant", Content: "Hi there!"}
	param := convertMessage(msg)
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

// TestConvertMessage_AssistantWithName checks speaker names survive conversion.
func TestConvertMessage_AssistantWithName(t *testing.T) {
	msg := types.Message{Role: "assistant", Content: "Hi!", Name: "Interviewer"}
	param := convertMessage(msg)
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
	if got := param.OfAssistant.Name.Value; got != "Interviewer" {
		t.Errorf("expected name Interviewer, got %q", got)
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles fall back to user.
func TestConvertMessage_UnknownRole(t *testing.T) {
	msg := types.Message{Role: "narrator", Content: "scene change"}
	param := convertMessage(msg)
	if param.OfUser == nil {
		t.Fatal("expected unknown role to convert as user message")
	}
}

// TestBuildParams_SystemPrompt checks the system prompt is prepended.
func TestBuildParams_SystemPrompt(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be concise.",
		Messages:     []types.Message{{Role: "user", Content: "Hi"}},
	})
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("expected first message to be the system prompt")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("expected second message to be the user turn")
	}
}

// TestBuildParams_JSONMode checks that JSON mode sets the response format.
func TestBuildParams_JSONMode(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Return JSON"}},
		JSONMode: true,
	})
	if params.ResponseFormat.OfJSONObject == nil {
		t.Fatal("expected OfJSONObject response format to be set")
	}
}

// TestBuildParams_NoJSONMode checks the response format stays unset by default.
func TestBuildParams_NoJSONMode(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "Hi"}},
	})
	if params.ResponseFormat.OfJSONObject != nil {
		t.Fatal("expected response format to be unset without JSONMode")
	}
}

// TestBuildParams_Limits checks temperature and max token plumbing.
func TestBuildParams_Limits(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: "Hi"}},
		Temperature: 0.3,
		MaxTokens:   512,
	})
	if got := params.Temperature.Value; got != 0.3 {
		t.Errorf("expected temperature 0.3, got %v", got)
	}
	if got := params.MaxCompletionTokens.Value; got != 512 {
		t.Errorf("expected max completion tokens 512, got %v", got)
	}
}

// TestModelCapabilities_GPT4oMini checks gpt-4o-mini capabilities.
func TestModelCapabilities_GPT4oMini(t *testing.T) {
	caps := modelCapabilities("gpt-4o-mini")
	if caps.ContextWindow != 128_000 {
		t.Errorf("gpt-4o-mini: expected context window 128000, got %d", caps.ContextWindow)
	}
	if !caps.SupportsJSONMode {
		t.Error("gpt-4o-mini: expected SupportsJSONMode=true")
	}
	if !caps.SupportsStreaming {
		t.Error("gpt-4o-mini: expected SupportsStreaming=true")
	}
	if caps.MaxOutputTokens <= 0 {
		t.Error("gpt-4o-mini: expected MaxOutputTokens > 0")
	}
}

// TestModelCapabilities_GPT41 checks gpt-4.1 capabilities.
func TestModelCapabilities_GPT41(t *testing.T) {
	caps := modelCapabilities("gpt-4.1")
	if caps.ContextWindow != 1_047_576 {
		t.Errorf("gpt-4.1: expected context window 1047576, got %d", caps.ContextWindow)
	}
	if !caps.SupportsJSONMode {
		t.Error("gpt-4.1: expected SupportsJSONMode=true")
	}
}

// TestModelCapabilities_GPT35Turbo checks gpt-3.5-turbo capabilities.
func TestModelCapabilities_GPT35Turbo(t *testing.T) {
	caps := modelCapabilities("gpt-3.5-turbo")
	if caps.ContextWindow != 16_385 {
		t.Errorf("gpt-3.5-turbo: expected context window 16385, got %d", caps.ContextWindow)
	}
}

// TestModelCapabilities_O1Mini checks that o1-mini lacks JSON mode.
func TestModelCapabilities_O1Mini(t *testing.T) {
	caps := modelCapabilities("o1-mini")
	if caps.SupportsJSONMode {
		t.Error("o1-mini: expected SupportsJSONMode=false")
	}
}

// TestModelCapabilities_UnknownModel checks defaults for unrecognised models.
func TestModelCapabilities_UnknownModel(t *testing.T) {
	caps := modelCapabilities("my-custom-model")
	// Should return sensible defaults without panicking.
	if caps.ContextWindow <= 0 {
		t.Error("unknown model: expected positive ContextWindow")
	}
	if caps.MaxOutputTokens <= 0 {
		t.Error("unknown model: expected positive MaxOutputTokens")
	}
}

// TestCountTokens_Estimation checks that token counting returns a reasonable value.
func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	msgs := []types.Message{
		{Role: "user", Content: "Hello world"}, // 11 chars → ~3 tokens + 4 overhead = 7
	}
	count, err := p.CountTokens(msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

// TestNew_MissingAPIKey ensures constructor rejects an empty API key.
func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_MissingModel ensures constructor rejects an empty model.
func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_Options checks that optional settings are accepted without error.
func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"interview-engine/server/internal/config"
)

// TestOpenAIClientComplete 验证 OpenAI 协议客户端的请求与解析。
// 场景：httptest 模拟 /chat/completions，检查请求体中的 model 与 messages。
func TestOpenAIClientComplete(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  当时你是怎么想的？ "},"finish_reason":"stop"}]}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL + "/", APIKey: "dummy", Model: "gpt-test", MaxTokens: 64})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.Complete(ctx, []Message{{Role: "system", Content: "s"}, {Role: "user", Content: "u"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res != "当时你是怎么想的？" {
		t.Fatalf("unexpected content: %q", res)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotBody["model"] != "gpt-test" {
		t.Fatalf("unexpected model in request: %v", gotBody["model"])
	}
	if msgs, ok := gotBody["messages"].([]any); !ok || len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", gotBody["messages"])
	}
}

func TestOpenAIClientEmptyContent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":""}}]}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "gpt-test"})
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "u"}})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestOpenAIClientAPIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
	}))
	defer ts.Close()

	client := NewOpenAIClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "gpt-test"})
	if _, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "u"}}); err == nil {
		t.Fatalf("expected error for 429 response")
	}
}

// TestAnthropicClientSeparatesSystemMessage 验证 system 消息被单独放入 system 字段。
func TestAnthropicClientSeparatesSystemMessage(t *testing.T) {
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "dummy" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"这件事对你有什么影响？"}]}`))
	}))
	defer ts.Close()

	client := NewAnthropicClient(config.LLMProviderConfig{APIURL: ts.URL, APIKey: "dummy", Model: "claude-test", MaxTokens: 64})
	res, err := client.Complete(context.Background(), []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "u"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res != "这件事对你有什么影响？" {
		t.Fatalf("unexpected content: %q", res)
	}
	if gotBody["system"] != "sys" {
		t.Fatalf("expected system field, got %v", gotBody["system"])
	}
	if msgs, ok := gotBody["messages"].([]any); !ok || len(msgs) != 1 {
		t.Fatalf("expected 1 non-system message, got %v", gotBody["messages"])
	}
}

func TestNewClientProviders(t *testing.T) {
	c, err := NewClient(config.LLMConfig{Provider: "none"})
	if err != nil || c != nil {
		t.Fatalf("expected nil client for provider none, got %v %v", c, err)
	}
	if _, err := NewClient(config.LLMConfig{Provider: "gemini"}); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
	c, err = NewClient(config.LLMConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("mock client: %v", err)
	}
	if _, ok := c.(*MockClient); !ok {
		t.Fatalf("expected *MockClient, got %T", c)
	}
}

func TestMockClientHonorsContext(t *testing.T) {
	m := NewMockClient("ok")
	m.Delay = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.Complete(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if m.Calls() != 1 {
		t.Fatalf("expected 1 call, got %d", m.Calls())
	}
}

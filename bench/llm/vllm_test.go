package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func completionsResponse(text string) map[string]any {
	return map[string]any{
		"id":      "cmpl-1",
		"object":  "text_completion",
		"choices": []map[string]any{{"index": 0, "text": text}},
		"usage":   map[string]any{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
	}
}

func chatResponse(text string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":   0,
			"message": map[string]any{"role": "assistant", "content": text},
		}},
		"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16},
	}
}

// writeJSON encodes a response body with the content type the SDK
// requires before decoding.
func writeJSON(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func newTestVLLM(t *testing.T, handler http.HandlerFunc) *VLLMClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewVLLM(ts.URL+"/v1", "test-key", "test-model", WithHTTPClient(ts.Client()))
}

func TestVLLMCompletions(t *testing.T) {
	var gotPath string
	client := newTestVLLM(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		writeJSON(w, completionsResponse(`{"rating": 4}`))
	})

	res := client.Generate(context.Background(), PromptSpec{Prompt: "rate this", Tag: "k"})
	if res.Text != `{"rating": 4}` {
		t.Errorf("text = %q", res.Text)
	}
	if res.Tag != "k" {
		t.Errorf("tag = %v", res.Tag)
	}
	if gotPath != "/v1/completions" {
		t.Errorf("path = %q, want /v1/completions", gotPath)
	}
	if res.PromptTokens != 12 || res.CompletionTokens != 4 {
		t.Errorf("usage = %d/%d", res.PromptTokens, res.CompletionTokens)
	}
	if res.GenTime <= 0 {
		t.Error("GenTime not measured")
	}
}

func TestVLLMFallsBackToChatOn404(t *testing.T) {
	var paths []string
	client := newTestVLLM(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/completions" {
			http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, chatResponse(`{"rating": 2}`))
	})

	res := client.Generate(context.Background(), PromptSpec{Prompt: "rate this"})
	if res.Text != `{"rating": 2}` {
		t.Errorf("text = %q", res.Text)
	}
	want := []string{"/v1/completions", "/v1/chat/completions"}
	if len(paths) != 2 || paths[0] != want[0] || paths[1] != want[1] {
		t.Errorf("request paths = %v, want %v", paths, want)
	}
}

func TestVLLMFallsBackToChatOnEmptyCompletion(t *testing.T) {
	client := newTestVLLM(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/completions" {
			writeJSON(w, completionsResponse(""))
			return
		}
		writeJSON(w, chatResponse(`{"rating": 5}`))
	})

	res := client.Generate(context.Background(), PromptSpec{Prompt: "rate this"})
	if res.Text != `{"rating": 5}` {
		t.Errorf("text = %q", res.Text)
	}
}

func TestVLLMEncodesHTTPError(t *testing.T) {
	client := newTestVLLM(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusInternalServerError)
	})

	res := client.Generate(context.Background(), PromptSpec{Prompt: "rate this"})
	if !strings.HasPrefix(res.Text, "[error http 500]") {
		t.Errorf("text = %q, want [error http 500] prefix", res.Text)
	}
}

func TestVLLMEncodesTransportError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	hc := ts.Client()
	ts.Close() // connection refused from here on

	client := NewVLLM(ts.URL+"/v1", "test-key", "test-model", WithHTTPClient(hc))
	res := client.Generate(context.Background(), PromptSpec{Prompt: "rate this"})
	if !strings.HasPrefix(res.Text, "[error request]") {
		t.Errorf("text = %q, want [error request] prefix", res.Text)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already normalized", "http://localhost:8000/v1", "http://localhost:8000/v1"},
		{"missing scheme", "localhost:8000", "http://localhost:8000/v1"},
		{"trailing slash", "http://localhost:8000/", "http://localhost:8000/v1"},
		{"missing v1", "https://inference.example.com", "https://inference.example.com/v1"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeBaseURL(tt.in); got != tt.want {
				t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDiscoverBaseURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/models" {
			_, _ = w.Write([]byte(`{"object": "list", "data": []}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer ts.Close()

	base, err := DiscoverBaseURL(context.Background(), ts.URL, "test-key", "test-model")
	if err != nil {
		t.Fatalf("DiscoverBaseURL failed: %v", err)
	}
	if base != ts.URL+"/v1" {
		t.Errorf("base = %q, want %q", base, ts.URL+"/v1")
	}
}

func TestDiscoverBaseURLChecksModelList(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object": "list", "data": [{"id": "other-model"}]}`))
	}))
	defer ts.Close()

	// Server lists a different model; every candidate is rejected.
	if _, err := DiscoverBaseURL(context.Background(), ts.URL, "", "test-model"); err == nil {
		t.Fatal("expected discovery to fail for unlisted model")
	}

	// Requesting the listed model succeeds.
	base, err := DiscoverBaseURL(context.Background(), ts.URL, "", "other-model")
	if err != nil {
		t.Fatalf("DiscoverBaseURL failed: %v", err)
	}
	if base != ts.URL+"/v1" {
		t.Errorf("base = %q", base)
	}
}

func TestFakeClientScripting(t *testing.T) {
	fake := &FakeClient{RespondFunc: func(spec PromptSpec) string {
		if spec.Attempt < 2 {
			return "not parseable"
		}
		return `{"rating": 3}`
	}}

	first := fake.Generate(context.Background(), PromptSpec{Prompt: "p", Attempt: 1})
	second := fake.Generate(context.Background(), PromptSpec{Prompt: "p", Attempt: 2})
	if first.Text != "not parseable" || second.Text != `{"rating": 3}` {
		t.Errorf("scripted responses wrong: %q, %q", first.Text, second.Text)
	}
	if fake.CallCount() != 2 {
		t.Errorf("CallCount = %d, want 2", fake.CallCount())
	}
}

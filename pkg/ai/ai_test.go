package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var testRequest = Request{
	System: "You are the archivist.",
	Turns: []Turn{
		{Role: RoleUser, Text: "Who is Vira?"},
		{Role: RoleModel, Text: "A pilot."},
		{Role: RoleUser, Text: "Tell me more"},
	},
	Config: GenerationConfig{Temperature: 0.7, TopP: 0.95, TopK: 40},
}

func TestGeminiGenerateContent(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-test:generateContent" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "key-1" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"She flies "},{"text":"the Agni."}]}}]}`))
	}))
	defer srv.Close()

	client, err := NewGeminiClient("key-1", WithGeminiBaseURL(srv.URL), WithGeminiHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	text, err := NewGeminiGenerator(client, "models/gemini-test").Complete(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "She flies the Agni." {
		t.Fatalf("text = %q", text)
	}
	if len(got.Contents) != 3 || got.Contents[1].Role != RoleModel || got.Contents[2].Parts[0].Text != "Tell me more" {
		t.Fatalf("unexpected contents: %+v", got.Contents)
	}
	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != testRequest.System {
		t.Fatalf("missing system instruction")
	}
	if got.GenerationConfig == nil || got.GenerationConfig.TopK != 40 || got.GenerationConfig.Temperature != 0.7 {
		t.Fatalf("generation config = %+v", got.GenerationConfig)
	}
}

func TestGeminiClassifiesErrors(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		invalidCred bool
		empty       bool
	}{
		{"api key invalid", http.StatusBadRequest, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT","details":[{"reason":"API_KEY_INVALID"}]}}`, true, false},
		{"unauthorized", http.StatusUnauthorized, `{}`, true, false},
		{"forbidden", http.StatusForbidden, `{"error":{"message":"permission denied"}}`, true, false},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"backend busy"}}`, false, false},
		{"no candidates", http.StatusOK, `{"candidates":[]}`, false, true},
		{"blank text", http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"  "}]}}]}`, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			client, _ := NewGeminiClient("key", WithGeminiBaseURL(srv.URL))
			_, err := client.GenerateContent(context.Background(), "m", testRequest)
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := errors.Is(err, ErrInvalidCredential); got != tc.invalidCred {
				t.Fatalf("invalid credential = %v, want %v (err=%v)", got, tc.invalidCred, err)
			}
			if got := errors.Is(err, ErrEmptyCompletion); got != tc.empty {
				t.Fatalf("empty = %v, want %v (err=%v)", got, tc.empty, err)
			}
		})
	}
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	if _, err := NewGeminiClient("  "); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestOllamaGeneratorMapsRoles(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"ok"}}`))
	}))
	defer srv.Close()

	text, err := NewOllamaGenerator(srv.URL, "llama3").Complete(context.Background(), testRequest)
	if err != nil || text != "ok" {
		t.Fatalf("complete = %q, %v", text, err)
	}
	roles := []string{}
	for _, m := range got.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}
	if got.Stream || got.Options == nil || got.Options.TopK != 40 {
		t.Fatalf("unexpected request: %+v", got)
	}
}

func TestOllamaGeneratorEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":""}}`))
	}))
	defer srv.Close()
	_, err := NewOllamaGenerator(srv.URL, "llama3").Complete(context.Background(), testRequest)
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("err = %v, want ErrEmptyCompletion", err)
	}
}

func TestOpenAICompatGenerator(t *testing.T) {
	var got oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","code":"invalid_api_key"}}`))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" hello "}}]}`))
	}))
	defer srv.Close()

	text, err := NewOpenAICompatGenerator(srv.URL+"/", "sk-test", "gpt-test").Complete(context.Background(), testRequest)
	if err != nil || text != "hello" {
		t.Fatalf("complete = %q, %v", text, err)
	}
	if len(got.Messages) != 4 || got.Messages[2].Role != "assistant" || got.TopP != 0.95 {
		t.Fatalf("unexpected request: %+v", got)
	}

	_, err = NewOpenAICompatGenerator(srv.URL, "wrong", "gpt-test").Complete(context.Background(), testRequest)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("401 should classify as invalid credential")
	}
}

func TestOllamaGeneratorSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"llama3\" not found"}`))
	}))
	defer srv.Close()
	_, err := NewOllamaGenerator(srv.URL+"/", "llama3").Complete(context.Background(), testRequest)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || !strings.Contains(apiErr.Message, "not found") {
		t.Fatalf("api error = %+v", apiErr)
	}
	if _, err := NewOllamaGenerator(srv.URL, " ").Complete(context.Background(), testRequest); err == nil {
		t.Fatalf("expected missing model error")
	}
}

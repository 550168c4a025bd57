package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/j60127269-cyber/bidflow-platform-sub003/internal/db"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)

	client, err := NewClient(Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
	}, zap.NewNop())
	if err != nil {
		server.Close()
		t.Fatalf("NewClient failed: %v", err)
	}
	return client, server.Close
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestGenerateText(t *testing.T) {
	client, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("wrong path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("wrong auth header: %s", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if len(req.Messages) != 2 {
			t.Errorf("expected system + user messages, got %d", len(req.Messages))
		}

		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message      chatMessage `json:"message"`
				FinishReason string      `json:"finish_reason"`
			}{
				{Message: chatMessage{Role: "assistant", Content: "A short summary."}},
			},
		})
	})
	defer cleanup()

	got, err := client.GenerateText(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("GenerateText returned error: %v", err)
	}
	if got != "A short summary." {
		t.Errorf("unexpected completion: %q", got)
	}
}

func TestGenerateTextAPIError(t *testing.T) {
	client, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	})
	defer cleanup()

	if _, err := client.GenerateText(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected API error surfaced")
	}
}

func TestSummarizeIncludesContractFields(t *testing.T) {
	var gotPrompt string
	client, cleanup := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotPrompt = req.Messages[1].Content

		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message      chatMessage `json:"message"`
				FinishReason string      `json:"finish_reason"`
			}{
				{Message: chatMessage{Role: "assistant", Content: "  Summary text.  "}},
			},
		})
	})
	defer cleanup()

	s := NewSummarizer(client, zap.NewNop())
	summary, err := s.Summarize(context.Background(), &db.Contract{
		Title:           "Supply of Laptops",
		Category:        "Information Technology",
		ProcuringEntity: "Ministry of Education",
	})
	if err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}

	if summary != "Summary text." {
		t.Errorf("expected trimmed summary, got %q", summary)
	}
	for _, want := range []string{"Supply of Laptops", "Information Technology", "Ministry of Education"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

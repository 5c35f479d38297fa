package review

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"codebridge/internal/config"
)

// fakeCompletionServer mimics the chat-completions endpoint and records
// the last prompt it saw.
func fakeCompletionServer(t *testing.T, reply string) (*httptest.Server, *string) {
	t.Helper()
	var lastUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding completion request: %v", err)
		}
		for _, m := range req.Messages {
			if m.Role == "user" {
				lastUser = m.Content
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]string{"role": "assistant", "content": reply},
				},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &lastUser
}

func newTestReviewer(t *testing.T, baseURL string) *Reviewer {
	t.Helper()
	t.Setenv("TEST_REVIEW_KEY", "sk-test")
	r := New(config.ReviewConfig{
		Enabled:   true,
		BaseURL:   baseURL + "/v1",
		APIKeyEnv: "TEST_REVIEW_KEY",
		Model:     "gpt-4o-mini",
	})
	if r == nil {
		t.Fatal("reviewer not constructed")
	}
	return r
}

func TestNewDisabled(t *testing.T) {
	if r := New(config.ReviewConfig{Enabled: false}); r != nil {
		t.Fatal("disabled config produced a reviewer")
	}
	if r := New(config.ReviewConfig{Enabled: true, APIKeyEnv: "REVIEW_KEY_THAT_IS_UNSET"}); r != nil {
		t.Fatal("missing key produced a reviewer")
	}
}

func TestReviewRoundTrip(t *testing.T) {
	srv, lastUser := fakeCompletionServer(t, "Looks fine.")
	r := newTestReviewer(t, srv.URL)

	got, err := r.Review(t.Context(), "print(1)", "python")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Looks fine." {
		t.Fatalf("review = %q", got)
	}
	if !strings.Contains(*lastUser, "print(1)") || !strings.Contains(*lastUser, "python") {
		t.Fatalf("prompt = %q, missing code or language", *lastUser)
	}
}

func TestHandler(t *testing.T) {
	srv, _ := fakeCompletionServer(t, "Use a loop.")
	h := NewHandler(newTestReviewer(t, srv.URL))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/review",
		strings.NewReader(`{"code":"print(1)\nprint(2)","language":"python"}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Review != "Use a loop." {
		t.Fatalf("review = %q", resp.Review)
	}
}

func TestHandlerValidation(t *testing.T) {
	h := NewHandler(nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/review", strings.NewReader(`{"code":"x"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil reviewer status = %d, want 503", rec.Code)
	}

	srv, _ := fakeCompletionServer(t, "unused")
	h = NewHandler(newTestReviewer(t, srv.URL))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/review", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty code status = %d, want 400", rec.Code)
	}
}

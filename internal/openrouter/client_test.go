package openrouter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quillchat/backend/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Format: "text"})
}

func sseServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
}

func deltaFrame(content string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

func TestStreamCompletionDeliversDeltasInOrder(t *testing.T) {
	server := sseServer(t, []string{
		deltaFrame("Hel"),
		deltaFrame("lo"),
		"data: [DONE]\n\n",
	})
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	var got []string
	result, err := client.StreamCompletion(context.Background(), "test-key", Request{
		Model:    "test/model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, func(text string) {
		got = append(got, text)
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if strings.Join(got, "") != "Hello" {
		t.Errorf("accumulated %q, want %q", strings.Join(got, ""), "Hello")
	}
	if len(got) != 2 {
		t.Errorf("got %d deltas, want 2", len(got))
	}
	if len(result.Annotations) != 0 {
		t.Errorf("unexpected annotations: %v", result.Annotations)
	}
}

func TestStreamCompletionSkipsMalformedChunks(t *testing.T) {
	server := sseServer(t, []string{
		deltaFrame("first"),
		"data: {not json}\n\n",
		": keep-alive comment\n\n",
		"event: something\n\n",
		deltaFrame("second"),
		"data: [DONE]\n\n",
	})
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	var got []string
	_, err := client.StreamCompletion(context.Background(), "test-key", Request{Model: "m"}, func(text string) {
		got = append(got, text)
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if strings.Join(got, " ") != "first second" {
		t.Errorf("got %q, want %q", strings.Join(got, " "), "first second")
	}
}

func TestStreamCompletionStopsAtDoneSentinel(t *testing.T) {
	server := sseServer(t, []string{
		deltaFrame("kept"),
		"data: [DONE]\n\n",
		deltaFrame("dropped"),
	})
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	var got []string
	_, err := client.StreamCompletion(context.Background(), "test-key", Request{Model: "m"}, func(text string) {
		got = append(got, text)
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if len(got) != 1 || got[0] != "kept" {
		t.Errorf("got %v, want [kept]", got)
	}
}

func TestStreamCompletionCollectsAnnotations(t *testing.T) {
	server := sseServer(t, []string{
		deltaFrame("text"),
		`data: {"choices":[{"delta":{"annotations":[{"type":"url_citation","url_citation":{"url":"https://example.com"}}]}}]}` + "\n\n",
		"data: [DONE]\n\n",
	})
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	result, err := client.StreamCompletion(context.Background(), "test-key", Request{Model: "m"}, func(string) {})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if len(result.Annotations) != 1 {
		t.Fatalf("got %d annotations, want 1", len(result.Annotations))
	}
	if result.Annotations[0].Type != "url_citation" {
		t.Errorf("annotation type = %q, want url_citation", result.Annotations[0].Type)
	}
}

func TestStreamCompletionReturnsContextError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, deltaFrame("partial"))
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(server.URL, testLogger())

	done := make(chan error, 1)
	go func() {
		_, err := client.StreamCompletion(ctx, "test-key", Request{Model: "m"}, func(string) {})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StreamCompletion did not return after cancel")
	}
}

func TestStreamCompletionUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	_, err := client.StreamCompletion(context.Background(), "bad-key", Request{Model: "m"}, func(string) {})
	var statusErr *APIStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("got %v, want *APIStatusError", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", statusErr.StatusCode)
	}
}

func TestCompletionReturnsMessageContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"A Short Title"}}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	content, err := client.Completion(context.Background(), "test-key", Request{Model: "m"})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if content != "A Short Title" {
		t.Errorf("content = %q", content)
	}
}

func TestCompletionChoiceErrorObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"error":{"code":429,"message":"rate limited"}}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	_, err := client.Completion(context.Background(), "test-key", Request{Model: "m"})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("got %v, want *ProviderError", err)
	}
	if provErr.Code != "429" || provErr.Message != "rate limited" {
		t.Errorf("provider error = %+v", provErr)
	}
}

func TestCompletionTopLevelErrorObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":{"code":"invalid_model","message":"no such model"}}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	_, err := client.Completion(context.Background(), "test-key", Request{Model: "m"})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("got %v, want *ProviderError", err)
	}
	if provErr.Message != "no such model" {
		t.Errorf("provider error = %+v", provErr)
	}
}

func TestCompletionEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger())
	if _, err := client.Completion(context.Background(), "test-key", Request{Model: "m"}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mediagen/internal/domain"
)

func fluxTestServer(t *testing.T, handler http.HandlerFunc) *Flux {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFlux(FluxOptions{APIKey: "test-key", BaseURL: srv.URL})
}

func TestFluxSubmitAcceptsTask(t *testing.T) {
	var gotKey, gotPath string
	flux := fluxTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Key")
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "task-123"})
	})

	sub, err := flux.Submit(context.Background(), SubmitRequest{
		JobID:  "job-1",
		Kind:   domain.JobKindImage,
		Model:  "flux-dev",
		Prompt: "a red fox in the snow",
	})
	if err != nil {
		t.Fatalf("Submit() unexpected error: %v", err)
	}
	if sub.TaskRef != "task-123" {
		t.Fatalf("Submit() task ref = %q, want task-123", sub.TaskRef)
	}
	if gotKey != "test-key" {
		t.Fatalf("Submit() sent X-Key %q, want test-key", gotKey)
	}
	if gotPath != "/flux-dev" {
		t.Fatalf("Submit() hit %q, want /flux-dev", gotPath)
	}
}

func TestFluxSubmitRejectsVideoKind(t *testing.T) {
	flux := NewFlux(FluxOptions{BaseURL: "http://unused.invalid"})
	_, err := flux.Submit(context.Background(), SubmitRequest{Kind: domain.JobKindVideo, Prompt: "x"})
	if err == nil {
		t.Fatalf("Submit() expected error for video kind")
	}
	if IsTransient(err) {
		t.Fatalf("Submit() kind mismatch must be permanent, got transient")
	}
}

func TestFluxPollStatusReady(t *testing.T) {
	flux := fluxTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "task-123" {
			t.Errorf("PollStatus() queried id %q", r.URL.Query().Get("id"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "task-123",
			"status": "Ready",
			"result": map[string]string{"sample": "https://delivery.test/out.png"},
		})
	})

	res, err := flux.PollStatus(context.Background(), "task-123")
	if err != nil {
		t.Fatalf("PollStatus() unexpected error: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("PollStatus() status = %q, want completed", res.Status)
	}
	if res.Result == nil || res.Result.URL != "https://delivery.test/out.png" {
		t.Fatalf("PollStatus() result = %+v, want sample url", res.Result)
	}
}

func TestFluxPollStatusModerated(t *testing.T) {
	flux := fluxTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "task-123",
			"status":  "Content Moderated",
			"details": "prompt rejected",
		})
	})

	res, err := flux.PollStatus(context.Background(), "task-123")
	if err != nil {
		t.Fatalf("PollStatus() unexpected error: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("PollStatus() status = %q, want failed", res.Status)
	}
	if res.Message != "prompt rejected" {
		t.Fatalf("PollStatus() message = %q", res.Message)
	}
}

func TestFluxErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusInternalServerError, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"validation error", http.StatusUnprocessableEntity, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			flux := fluxTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := flux.Submit(context.Background(), SubmitRequest{
				Kind:   domain.JobKindImage,
				Model:  "flux-dev",
				Prompt: "a red fox",
			})
			if err == nil {
				t.Fatalf("Submit() expected error for status %d", tc.status)
			}
			if IsTransient(err) != tc.transient {
				t.Fatalf("IsTransient() = %v for status %d, want %v", IsTransient(err), tc.status, tc.transient)
			}
		})
	}
}

func TestFluxCancel(t *testing.T) {
	var cancelled string
	flux := fluxTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cancel" {
			cancelled = r.URL.Query().Get("id")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})

	if err := flux.Cancel(context.Background(), "task-123"); err != nil {
		t.Fatalf("Cancel() unexpected error: %v", err)
	}
	if cancelled != "task-123" {
		t.Fatalf("Cancel() hit id %q, want task-123", cancelled)
	}
}

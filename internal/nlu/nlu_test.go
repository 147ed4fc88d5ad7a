package nlu

import (
	"testing"
	"time"
)

func TestRetryPolicyAttemptsFloor(t *testing.T) {
	if got := (RetryPolicy{}).Attempts(); got != 1 {
		t.Fatalf("zero-value policy attempts = %d, want 1", got)
	}
	if got := (RetryPolicy{MaxAttempts: 3}).Attempts(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestRetryPolicyBackoffDoubles(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
	if got := p.Backoff(0); got != 100*time.Millisecond {
		t.Fatalf("backoff(0) = %v, want 100ms", got)
	}
	if got := p.Backoff(2); got != 400*time.Millisecond {
		t.Fatalf("backoff(2) = %v, want 400ms", got)
	}
}

func TestRetryPolicyJitterBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, Jitter: 50 * time.Millisecond}
	for i := 0; i < 50; i++ {
		got := p.Backoff(0)
		if got < 100*time.Millisecond || got >= 150*time.Millisecond {
			t.Fatalf("backoff with jitter = %v, want [100ms, 150ms)", got)
		}
	}
}

func TestBuildRequestFoldsSystemIntoFirstUserTurn(t *testing.T) {
	req := buildRequest([]Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
		{Role: "model", Content: "hi"},
	}, 256, 0.7)

	if len(req.Contents) != 2 {
		t.Fatalf("contents = %d, want 2", len(req.Contents))
	}
	first := req.Contents[0]
	if first.Role != "user" {
		t.Fatalf("first role = %q, want user", first.Role)
	}
	if want := "System Instructions: be brief\n\nhello"; first.Parts[0].Text != want {
		t.Fatalf("first text = %q, want %q", first.Parts[0].Text, want)
	}
	if req.GenerationConfig.MaxOutputTokens != 256 {
		t.Fatalf("maxOutputTokens = %d, want 256", req.GenerationConfig.MaxOutputTokens)
	}
}

func TestBuildRequestSystemOnly(t *testing.T) {
	req := buildRequest([]Message{{Role: "system", Content: "be brief"}}, 64, 0)
	if len(req.Contents) != 1 || req.Contents[0].Role != "user" {
		t.Fatalf("contents = %+v, want single synthetic user turn", req.Contents)
	}
}

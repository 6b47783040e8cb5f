package phases

import "testing"

func TestTokenCounterCount(t *testing.T) {
	tc := NewTokenCounter()
	if got := tc.Count("Build a task list page with filters and sorting"); got <= 0 {
		t.Fatalf("Count = %d, want positive", got)
	}
	if got := tc.Count(""); got != 0 {
		t.Fatalf("Count(empty) = %d", got)
	}
}

func TestTokenCounterFallback(t *testing.T) {
	tc := &TokenCounter{} // no codec, character estimation
	if got := tc.Count("12345678"); got != 2 {
		t.Fatalf("fallback Count = %d, want 2", got)
	}
}

func TestCountTokensSharedCounter(t *testing.T) {
	if CountTokens("hello world") <= 0 {
		t.Fatalf("shared counter returned non-positive count")
	}
}

package relay

import "testing"

func TestUsageMergeClaudeIsMonotonic(t *testing.T) {
	var u Usage
	u.MergeClaude(10, 20, 0, 0)
	u.MergeClaude(5, 15, 0, 0)
	if u.InputTokens != 10 || u.OutputTokens != 20 {
		t.Fatalf("a smaller later frame must not rewind the running max: got %+v", u)
	}
	u.MergeClaude(30, 5, 2, 3)
	if u.InputTokens != 30 || u.OutputTokens != 20 || u.CacheCreationTokens != 2 || u.CacheReadTokens != 3 {
		t.Fatalf("unexpected merged usage: %+v", u)
	}
}

func TestUsageMergeGemini(t *testing.T) {
	var u Usage
	u.MergeGemini(100, 50)
	u.MergeGemini(40, 60)
	if u.InputTokens != 100 || u.OutputTokens != 60 {
		t.Fatalf("unexpected merged gemini usage: %+v", u)
	}
}

func TestUsageIsZero(t *testing.T) {
	var u Usage
	if !u.IsZero() {
		t.Fatal("zero-value Usage should report IsZero")
	}
	u.MergeClaude(1, 0, 0, 0)
	if u.IsZero() {
		t.Fatal("usage with a nonzero input count should not report IsZero")
	}
}

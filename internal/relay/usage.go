package relay

// Usage accumulates token counts observed across a streamed or
// non-streamed response. Field updates are monotonic non-decreasing: a
// later, smaller value from a later frame never rewinds the running max,
// matching the original relay's per-field max semantics.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether no usage was ever observed, in which case the
// dispatch controller skips recording it.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// MergeClaude folds an Anthropic usage object (from a message or
// message_delta event) into the running max.
func (u *Usage) MergeClaude(input, output, cacheCreation, cacheRead int64) {
	u.InputTokens = maxInt64(u.InputTokens, input)
	u.OutputTokens = maxInt64(u.OutputTokens, output)
	u.CacheCreationTokens = maxInt64(u.CacheCreationTokens, cacheCreation)
	u.CacheReadTokens = maxInt64(u.CacheReadTokens, cacheRead)
}

// MergeGemini folds a Gemini usageMetadata object into the running max.
// Gemini has no cache-token fields; only input/output are tracked.
func (u *Usage) MergeGemini(promptTokenCount, candidatesTokenCount int64) {
	u.InputTokens = maxInt64(u.InputTokens, promptTokenCount)
	u.OutputTokens = maxInt64(u.OutputTokens, candidatesTokenCount)
}

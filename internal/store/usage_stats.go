package store

import "time"

// UsageRecord is one accounting entry for a completed (or partially
// streamed) relay request.
type UsageRecord struct {
	ClientAPIKeyHash    string
	AccountID           string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// RecordUsage appends one usage row. Partial-stream usage (a connection cut
// mid-response) is recorded with whatever token counts were observed up to
// that point rather than discarded, matching upstream billing behavior.
func (s *Store) RecordUsage(u UsageRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO usage_stats (client_api_key_hash, account_id, model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ClientAPIKeyHash, u.AccountID, u.Model, u.InputTokens, u.OutputTokens, u.CacheCreationTokens, u.CacheReadTokens)
	return err
}

// AccountUsageSummary aggregates usage for a single account over a window.
type AccountUsageSummary struct {
	AccountID           string
	RequestCount        int64
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// UsageByAccount aggregates usage_stats per account for rows created at or
// after since.
func (s *Store) UsageByAccount(since time.Time) ([]AccountUsageSummary, error) {
	rows, err := s.db.Query(`
		SELECT account_id,
		       SUM(request_count),
		       SUM(input_tokens),
		       SUM(output_tokens),
		       SUM(cache_creation_tokens),
		       SUM(cache_read_tokens)
		FROM usage_stats
		WHERE created_at >= ?
		GROUP BY account_id
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountUsageSummary
	for rows.Next() {
		var r AccountUsageSummary
		if err := rows.Scan(&r.AccountID, &r.RequestCount, &r.InputTokens, &r.OutputTokens, &r.CacheCreationTokens, &r.CacheReadTokens); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClientUsageSummary aggregates usage for a single client token over a window.
type ClientUsageSummary struct {
	ClientAPIKeyHash string
	RequestCount     int64
	InputTokens      int64
	OutputTokens     int64
}

// UsageByClient aggregates usage_stats per client key hash for rows created
// at or after since. The hash "anonymous" covers requests made without a
// client token.
func (s *Store) UsageByClient(since time.Time) ([]ClientUsageSummary, error) {
	rows, err := s.db.Query(`
		SELECT client_api_key_hash, SUM(request_count), SUM(input_tokens), SUM(output_tokens)
		FROM usage_stats
		WHERE created_at >= ?
		GROUP BY client_api_key_hash
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClientUsageSummary
	for rows.Next() {
		var r ClientUsageSummary
		if err := rows.Scan(&r.ClientAPIKeyHash, &r.RequestCount, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

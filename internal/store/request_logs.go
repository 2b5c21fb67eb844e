package store

import (
	"database/sql"
	"time"
)

// RequestLog is one audited relay request, recorded regardless of outcome.
type RequestLog struct {
	ID           string
	TokenID      sql.NullString
	AccountID    sql.NullString
	Platform     string
	Model        sql.NullString
	Stream       bool
	StatusCode   int
	DurationMs   sql.NullInt64
	ErrorMessage sql.NullString
	RequestAt    time.Time
}

// CreateRequestLog appends a request log row.
func (s *Store) CreateRequestLog(l RequestLog) error {
	_, err := s.db.Exec(`
		INSERT INTO request_logs (id, token_id, account_id, platform, model, stream, status_code, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.TokenID, l.AccountID, l.Platform, l.Model, l.Stream, l.StatusCode, l.DurationMs, l.ErrorMessage)
	return err
}

// RequestLogFilter narrows ListRequestLogs to a subset of rows.
type RequestLogFilter struct {
	AccountID string
	TokenID   string
	Since     time.Time
	Limit     int
	Offset    int
}

// ListRequestLogs returns request logs matching filter, most recent first,
// along with the total matching row count (ignoring Limit/Offset) for
// pagination.
func (s *Store) ListRequestLogs(filter RequestLogFilter) ([]RequestLog, int, error) {
	where := `WHERE request_at >= ?`
	args := []interface{}{filter.Since}

	if filter.AccountID != "" {
		where += ` AND account_id = ?`
		args = append(args, filter.AccountID)
	}
	if filter.TokenID != "" {
		where += ` AND token_id = ?`
		args = append(args, filter.TokenID)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM request_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, token_id, account_id, platform, model, stream, status_code, duration_ms, error_message, request_at
		FROM request_logs ` + where + `
		ORDER BY request_at DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []RequestLog
	for rows.Next() {
		var l RequestLog
		if err := rows.Scan(&l.ID, &l.TokenID, &l.AccountID, &l.Platform, &l.Model, &l.Stream, &l.StatusCode, &l.DurationMs, &l.ErrorMessage, &l.RequestAt); err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

// DeleteOldRequestLogs removes rows older than daysToKeep, returning the
// number of rows removed.
func (s *Store) DeleteOldRequestLogs(now time.Time, daysToKeep int) (int64, error) {
	cutoff := now.AddDate(0, 0, -daysToKeep)
	res, err := s.db.Exec(`DELETE FROM request_logs WHERE request_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

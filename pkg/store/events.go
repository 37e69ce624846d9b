package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/orbitd/orbit/pkg/models"
)

// Order controls replay direction for ReadEvents.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// AppendEvent durably persists one event and mirrors its payload text into
// the FTS index. Returns the assigned insertion id; the append commits
// before the caller broadcasts, so replay-then-subscribe clients always see
// a consistent prefix.
func (s *Store) AppendEvent(ctx context.Context, ev models.StoredEvent) (int64, error) {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (thread_id, turn_id, direction, role, method, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ThreadID, nullable(ev.TurnID), string(ev.Direction), string(ev.Role),
		nullable(ev.Method), string(ev.Payload), ev.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events_fts (rowid, body, thread_id) VALUES (?, ?, ?)`,
		id, ftsText(ev.Payload), ev.ThreadID)
	if err != nil {
		return 0, fmt.Errorf("index event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return id, nil
}

// ReadEvents returns a thread's events ordered by insertion id.
func (s *Store) ReadEvents(ctx context.Context, threadID string, limit int, order Order) ([]models.StoredEvent, error) {
	ds := s.qb.From("events").
		Select("id", "thread_id", "turn_id", "direction", "role", "method", "payload", "created_at").
		Where(goqu.Ex{"thread_id": threadID}).
		Prepared(true)
	if order == OrderDesc {
		ds = ds.Order(goqu.I("id").Desc())
	} else {
		ds = ds.Order(goqu.I("id").Asc())
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build read query: %w", err)
	}
	return s.queryEvents(ctx, query, args...)
}

// SearchEvents runs a full-text query scoped to one thread, ordered by
// insertion id.
func (s *Store) SearchEvents(ctx context.Context, threadID, query string) ([]models.StoredEvent, error) {
	rowsQuery := `
		SELECT e.id, e.thread_id, e.turn_id, e.direction, e.role, e.method, e.payload, e.created_at
		FROM events e
		JOIN events_fts f ON f.rowid = e.id
		WHERE events_fts MATCH ? AND e.thread_id = ?
		ORDER BY e.id ASC`
	return s.queryEvents(ctx, rowsQuery, ftsQuote(query), threadID)
}

// PruneEvents deletes events older than the retention window and their FTS
// rows. Returns the number of rows removed.
func (s *Store) PruneEvents(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events_fts WHERE rowid IN (SELECT id FROM events WHERE created_at < ?)`,
		cutoff); err != nil {
		return 0, fmt.Errorf("prune fts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	count, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return count, nil
}

// ThreadIDs returns the distinct thread ids present in the log.
func (s *Store) ThreadIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT thread_id FROM events ORDER BY thread_id`)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]models.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.StoredEvent
	for rows.Next() {
		var (
			ev      models.StoredEvent
			turnID  *string
			method  *string
			payload string
		)
		if err := rows.Scan(&ev.ID, &ev.ThreadID, &turnID, &ev.Direction, &ev.Role, &method, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if turnID != nil {
			ev.TurnID = *turnID
		}
		if method != nil {
			ev.Method = *method
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ftsText flattens the string values of a JSON payload into a single
// searchable body. Non-JSON payloads are indexed verbatim.
func ftsText(payload json.RawMessage) string {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	var sb strings.Builder
	collectStrings(v, &sb)
	if sb.Len() == 0 {
		return string(payload)
	}
	return sb.String()
}

func collectStrings(v any, sb *strings.Builder) {
	switch t := v.(type) {
	case string:
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t)
	case map[string]any:
		for _, val := range t {
			collectStrings(val, sb)
		}
	case []any:
		for _, val := range t {
			collectStrings(val, sb)
		}
	}
}

// ftsQuote wraps the user query so FTS5 treats it as literal terms rather
// than query syntax.
func ftsQuote(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

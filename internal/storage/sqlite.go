package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"reddit_mod_bot/internal/model"
	"reddit_mod_bot/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection keeps all writes serialized; required for :memory: too.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ShouldAlert implements the first-sighting check. The insert and the
// re-sighting refresh run in one transaction so concurrent cycles observing
// the same fullname cannot both decide to alert.
func (s *SQLite) ShouldAlert(ctx context.Context, setupID string, item model.ReportedItem) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM dedupe_records WHERE fullname = ?`, item.Fullname,
	).Scan(&state)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO dedupe_records
			   (fullname, setup_id, state, report_count, first_seen_at, last_seen_at, last_transition_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			item.Fullname, setupID, string(model.StateAlerted), item.NumReports, now, now, now,
		)
		if err != nil {
			return false, fmt.Errorf("insert dedupe record: %w", err)
		}
		return true, tx.Commit()
	case err != nil:
		return false, fmt.Errorf("query dedupe record: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE dedupe_records SET last_seen_at = ?, report_count = ? WHERE fullname = ?`,
		now, item.NumReports, item.Fullname,
	)
	if err != nil {
		return false, fmt.Errorf("refresh dedupe record: %w", err)
	}

	// An alerted record without a stored alert means an earlier dispatch
	// failed after the record was written; allow a retry.
	alert := false
	if state == string(model.StateAlerted) {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM alert_records WHERE fullname = ?`, item.Fullname,
		).Scan(&n); err != nil {
			return false, fmt.Errorf("check alert record: %w", err)
		}
		alert = n == 0
	}
	return alert, tx.Commit()
}

// GetDedupe returns the dedupe record for a fullname.
func (s *SQLite) GetDedupe(ctx context.Context, fullname string) (*model.DedupeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fullname, setup_id, state, report_count, first_seen_at, last_transition_at
		 FROM dedupe_records WHERE fullname = ?`, fullname,
	)
	var rec model.DedupeRecord
	var state, firstSeen, lastTransition string
	err := row.Scan(&rec.Fullname, &rec.SetupID, &state, &rec.ReportCount, &firstSeen, &lastTransition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dedupe record: %w", err)
	}
	rec.State = model.DedupeState(state)
	rec.FirstSeenAt, _ = time.Parse(timeLayout, firstSeen)
	rec.LastTransitionAt, _ = time.Parse(timeLayout, lastTransition)
	return &rec, nil
}

// Transition performs a compare-and-swap state change on a dedupe record.
func (s *SQLite) Transition(ctx context.Context, fullname string, from []model.DedupeState, to model.DedupeState) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source state")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := make([]any, 0, len(from)+3)
	args = append(args, string(to), time.Now().UTC().Format(timeLayout), fullname)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE dedupe_records SET state = ?, last_transition_at = ?
		 WHERE fullname = ? AND state IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("transition dedupe record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// PruneDedupe deletes records older than maxAge regardless of state.
func (s *SQLite) PruneDedupe(ctx context.Context, setupID string, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dedupe_records WHERE setup_id = ? AND first_seen_at < ?`,
		setupID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune dedupe records: %w", err)
	}
	return res.RowsAffected()
}

// SaveAlert inserts or replaces the alert record for a fullname.
func (s *SQLite) SaveAlert(ctx context.Context, rec *model.AlertRecord) error {
	payload, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("marshal alert context: %w", err)
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_records (fullname, setup_id, chat_id, message_id, context_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fullname) DO UPDATE SET
		   chat_id = excluded.chat_id,
		   message_id = excluded.message_id,
		   context_json = excluded.context_json,
		   updated_at = excluded.updated_at`,
		rec.Fullname, rec.SetupID, rec.ChatID, rec.MessageID, string(payload), now, now,
	)
	if err != nil {
		return fmt.Errorf("save alert record: %w", err)
	}
	return nil
}

// GetAlert returns the alert record for a fullname.
func (s *SQLite) GetAlert(ctx context.Context, fullname string) (*model.AlertRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fullname, setup_id, chat_id, message_id, context_json, created_at, updated_at
		 FROM alert_records WHERE fullname = ?`, fullname,
	)
	rec, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// DeleteAlert removes the alert record for a fullname.
func (s *SQLite) DeleteAlert(ctx context.Context, fullname string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_records WHERE fullname = ?`, fullname)
	if err != nil {
		return fmt.Errorf("delete alert record: %w", err)
	}
	return nil
}

// RestoreAlerts returns every stored alert for a setup, oldest first, for
// startup rehydration.
func (s *SQLite) RestoreAlerts(ctx context.Context, setupID string) ([]model.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fullname, setup_id, chat_id, message_id, context_json, created_at, updated_at
		 FROM alert_records WHERE setup_id = ? ORDER BY created_at`, setupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query alert records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []model.AlertRecord
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// EvictExpiredAlerts removes alert records older than ttl.
func (s *SQLite) EvictExpiredAlerts(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-ttl).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_records WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict alert records: %w", err)
	}
	return res.RowsAffected()
}

// CountOpenAlerts counts dedupe records still in an open state for a setup.
func (s *SQLite) CountOpenAlerts(ctx context.Context, setupID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dedupe_records WHERE setup_id = ? AND state IN (?, ?)`,
		setupID, string(model.StateAlerted), string(model.StateIgnored),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open alerts: %w", err)
	}
	return n, nil
}

// AppendAction appends one action log entry and populates its ID and CreatedAt.
func (s *SQLite) AppendAction(ctx context.Context, entry *model.ActionLogEntry) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (fullname, action, actor_id, actor_name, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.Fullname, string(entry.Kind), entry.ActorID, entry.ActorName,
		string(entry.Outcome), entry.Detail, now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	entry.ID = id
	entry.CreatedAt = now
	return nil
}

// LastAction returns the most recent action log entry for a fullname.
func (s *SQLite) LastAction(ctx context.Context, fullname string) (*model.ActionLogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fullname, action, actor_id, actor_name, outcome, detail, created_at
		 FROM action_log WHERE fullname = ? ORDER BY id DESC LIMIT 1`, fullname,
	)
	entry, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// ListActions returns up to limit entries for a fullname, oldest first.
func (s *SQLite) ListActions(ctx context.Context, fullname string, limit int) ([]model.ActionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fullname, action, actor_id, actor_name, outcome, detail, created_at
		 FROM action_log WHERE fullname = ? ORDER BY id DESC LIMIT ?`, fullname, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.ActionLogEntry
	for rows.Next() {
		entry, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAlert(row scannable) (*model.AlertRecord, error) {
	var rec model.AlertRecord
	var payload, created, updated string
	err := row.Scan(&rec.Fullname, &rec.SetupID, &rec.ChatID, &rec.MessageID, &payload, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert record: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec.Context); err != nil {
		return nil, fmt.Errorf("unmarshal alert context for %s: %w", rec.Fullname, err)
	}
	rec.CreatedAt, _ = time.Parse(timeLayout, created)
	rec.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &rec, nil
}

func scanAction(row scannable) (*model.ActionLogEntry, error) {
	var entry model.ActionLogEntry
	var kind, outcome, created string
	err := row.Scan(&entry.ID, &entry.Fullname, &kind, &entry.ActorID, &entry.ActorName, &outcome, &entry.Detail, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan action entry: %w", err)
	}
	entry.Kind = model.ActionKind(kind)
	entry.Outcome = model.ActionOutcome(outcome)
	entry.CreatedAt, _ = time.Parse(timeLayout, created)
	return &entry, nil
}

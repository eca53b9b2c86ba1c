package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"slot_bot/internal/model"
	"slot_bot/migrations"
)

// SQLite implements Storage backed by a SQLite database. It suits a single
// process; center locks are held in memory.
type SQLite struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Seen returns all keys announced for the center.
func (s *SQLite) Seen(ctx context.Context, centerID string) (model.KeySet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot_key FROM seen_slots WHERE center_id = ?`, centerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query seen slots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seen := make(model.KeySet)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan seen slot: %w", err)
		}
		seen[model.SlotKey(k)] = struct{}{}
	}
	return seen, rows.Err()
}

// MarkSeen records keys as announced for the center.
func (s *SQLite) MarkSeen(ctx context.Context, centerID string, keys []model.SlotKey) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO seen_slots (center_id, slot_key, slot_date) VALUES (?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare mark seen: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, k := range keys {
		d, ok := k.Date(time.UTC)
		if !ok {
			return fmt.Errorf("mark seen: key %q has no date", k)
		}
		if _, err := stmt.ExecContext(ctx, centerID, string(k), dayOf(d)); err != nil {
			return fmt.Errorf("mark seen: %w", err)
		}
	}
	return tx.Commit()
}

// Prune drops keys of the center dated before the given day.
func (s *SQLite) Prune(ctx context.Context, centerID string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_slots WHERE center_id = ? AND slot_date < ?`,
		centerID, dayOf(before),
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen slots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// SubscribersOf returns the chats subscribed to the center with their windows.
func (s *SQLite) SubscribersOf(ctx context.Context, centerID string) ([]model.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.chat_id, w.from_date, w.to_date
		 FROM subscriptions s
		 LEFT JOIN chat_windows w ON w.chat_id = s.chat_id
		 WHERE s.center_id = ?
		 ORDER BY s.chat_id`, centerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscriber
	for rows.Next() {
		var sub model.Subscriber
		var from, to sql.NullString
		if err := rows.Scan(&sub.ChatID, &from, &to); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.Window = windowFrom(from, to)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SubscriptionsOf returns the centers the chat tracks.
func (s *SQLite) SubscriptionsOf(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT center_id FROM subscriptions WHERE chat_id = ? ORDER BY center_id`, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Subscribe adds the center to the chat's subscriptions.
func (s *SQLite) Subscribe(ctx context.Context, chatID int64, centerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO subscriptions (chat_id, center_id) VALUES (?, ?)`,
		chatID, centerID,
	)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Unsubscribe removes the center from the chat's subscriptions.
func (s *SQLite) Unsubscribe(ctx context.Context, chatID int64, centerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id = ? AND center_id = ?`,
		chatID, centerID,
	)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// Window returns the chat's date window; zero when unset.
func (s *SQLite) Window(ctx context.Context, chatID int64) (model.Window, error) {
	var from, to sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT from_date, to_date FROM chat_windows WHERE chat_id = ?`, chatID,
	).Scan(&from, &to)
	if err == sql.ErrNoRows {
		return model.Window{}, nil
	}
	if err != nil {
		return model.Window{}, fmt.Errorf("query window: %w", err)
	}
	return windowFrom(from, to), nil
}

// SetWindow stores the chat's date window; a zero window clears it.
func (s *SQLite) SetWindow(ctx context.Context, chatID int64, w model.Window) error {
	if w.IsZero() {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_windows WHERE chat_id = ?`, chatID); err != nil {
			return fmt.Errorf("clear window: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_windows (chat_id, from_date, to_date) VALUES (?, ?, ?)
		 ON CONFLICT (chat_id) DO UPDATE SET from_date = excluded.from_date, to_date = excluded.to_date`,
		chatID, nullDay(w.From), nullDay(w.To),
	)
	if err != nil {
		return fmt.Errorf("set window: %w", err)
	}
	return nil
}

// LockCenter takes an in-process lock for the center.
func (s *SQLite) LockCenter(_ context.Context, centerID string, _ time.Duration) (func() error, bool, error) {
	s.locksMu.Lock()
	mu, ok := s.locks[centerID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[centerID] = mu
	}
	s.locksMu.Unlock()

	if !mu.TryLock() {
		return nil, false, nil
	}
	return func() error {
		mu.Unlock()
		return nil
	}, true, nil
}

func nullDay(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: dayOf(t), Valid: true}
}

func windowFrom(from, to sql.NullString) model.Window {
	var w model.Window
	if from.Valid {
		w.From, _ = time.Parse(model.DayLayout, from.String)
	}
	if to.Valid {
		w.To, _ = time.Parse(model.DayLayout, to.String)
	}
	return w
}

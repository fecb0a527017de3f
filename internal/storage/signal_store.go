package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/YassineXScenery/lampsync/internal/shared"
)

const timestampLayout = time.RFC3339Nano

// OpenOptions bounds the connect attempts made by Open.
type OpenOptions struct {
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// SignalStore persists the signal log and mode history in sqlite. Every call
// is bounded by the store timeout.
type SignalStore struct {
	db      *sql.DB
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewSignalStore(db *sql.DB, timeout time.Duration, logger *zap.Logger) *SignalStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignalStore{
		db:      db,
		timeout: timeout,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Open connects to the database at path, migrates it and returns a store.
// It makes up to opts.Retries attempts, sleeping opts.RetryBackoff (doubling)
// between them. The caller decides whether to continue without a store.
func Open(ctx context.Context, path string, opts OpenOptions, logger *zap.Logger) (*SignalStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 1
	}
	backoff := opts.RetryBackoff

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		db, err := openOnce(ctx, path, opts.Timeout, logger)
		if err == nil {
			return NewSignalStore(db, opts.Timeout, logger), nil
		}
		lastErr = err
		logger.Warn("database open failed",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", retries),
			zap.Error(err))

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("open database %s: %w", path, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("open database %s after %d attempts: %w", path, retries, lastErr)
}

func openOnce(ctx context.Context, path string, timeout time.Duration, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps per-connection pragmas in force.
	db.SetMaxOpenConns(1)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout*4)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := NewMigrationRunner(db, logger).Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *SignalStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SignalStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SignalStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// CurrentStates returns the latest lamp and button values logged for p.
// Missing rows default to {off, not pressed}.
func (s *SignalStore) CurrentStates(ctx context.Context, p shared.Protocol) (ChannelRecord, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec := ChannelRecord{Lamp: shared.LampOff, Button: shared.ButtonNotPressed}

	lamp, lampAt, err := s.latestValue(ctx, shared.LampSignal(p), p)
	if err != nil {
		return rec, fmt.Errorf("current %s lamp: %w", p, err)
	}
	button, buttonAt, err := s.latestValue(ctx, shared.ButtonSignal(p), p)
	if err != nil {
		return rec, fmt.Errorf("current %s button: %w", p, err)
	}

	if v := shared.LampState(lamp); v.Valid() {
		rec.Lamp = v
	} else if lamp != "" {
		s.logger.Warn("ignoring unknown lamp value", zap.String("protocol", string(p)), zap.String("value", lamp))
	}
	if v := shared.ButtonState(button); v.Valid() {
		rec.Button = v
	} else if button != "" {
		s.logger.Warn("ignoring unknown button value", zap.String("protocol", string(p)), zap.String("value", button))
	}

	rec.ChangedAt = lampAt
	if buttonAt.After(rec.ChangedAt) {
		rec.ChangedAt = buttonAt
	}
	return rec, nil
}

func (s *SignalStore) latestValue(ctx context.Context, name string, p shared.Protocol) (string, time.Time, error) {
	var value, ts string
	err := s.db.QueryRowContext(ctx, `
		SELECT value, timestamp FROM signals_log
		WHERE signal_name = ? AND protocol = ?
		ORDER BY id DESC LIMIT 1`, name, string(p),
	).Scan(&value, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	at, err := parseSQLiteTimestamp(ts)
	if err != nil {
		s.logger.Warn("unparseable signal timestamp", zap.String("signal", name), zap.String("timestamp", ts))
	}
	return value, at, nil
}

// UpdateStates logs the lamp and button values for p in one transaction.
func (s *SignalStore) UpdateStates(ctx context.Context, p shared.Protocol, lamp shared.LampState, button shared.ButtonState, source string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update %s states: %w", p, err)
	}
	defer tx.Rollback()

	ts := s.now().Format(timestampLayout)
	if err := insertChannel(ctx, tx, p, lamp, button, source, ts); err != nil {
		return fmt.Errorf("update %s states: %w", p, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update %s states: %w", p, err)
	}
	return nil
}

func insertChannel(ctx context.Context, tx *sql.Tx, p shared.Protocol, lamp shared.LampState, button shared.ButtonState, source, ts string) error {
	const q = `INSERT INTO signals_log (signal_name, value, source, protocol, timestamp) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, q, shared.LampSignal(p), string(lamp), source, string(p), ts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, shared.ButtonSignal(p), string(button), source, string(p), ts); err != nil {
		return err
	}
	return nil
}

// ActiveMode returns the single active mode row. With no history it reports
// Park at version 0.
func (s *SignalStore) ActiveMode(ctx context.Context) (shared.Mode, uint64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var mode string
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT mode, version FROM mode_history
		WHERE is_active = 1
		ORDER BY id DESC LIMIT 1`,
	).Scan(&mode, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return shared.ModePark, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("active mode: %w", err)
	}
	m := shared.Mode(mode)
	if !m.Valid() {
		return "", 0, fmt.Errorf("active mode: %w: %q", shared.ErrUnknownMode, mode)
	}
	if version < 0 {
		version = 0
	}
	return m, uint64(version), nil
}

// SetActiveMode supersedes every prior active row with mode.
func (s *SignalStore) SetActiveMode(ctx context.Context, mode shared.Mode, version uint64, source string) error {
	return s.ApplyModeChange(ctx, ModeChange{Mode: mode, Version: version, Source: source})
}

// ApplyModeChange writes the new active mode and its channel rewrites
// atomically.
func (s *SignalStore) ApplyModeChange(ctx context.Context, change ModeChange) error {
	if !change.Mode.Valid() {
		return fmt.Errorf("set active mode: %w: %q", shared.ErrUnknownMode, change.Mode)
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set active mode %s: %w", change.Mode, err)
	}
	defer tx.Rollback()

	ts := s.now().Format(timestampLayout)
	if _, err := tx.ExecContext(ctx, `UPDATE mode_history SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("deactivate modes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mode_history (mode, version, source, is_active, changed_at)
		VALUES (?, ?, ?, 1, ?)`,
		string(change.Mode), int64(change.Version), change.Source, ts,
	); err != nil {
		return fmt.Errorf("insert mode %s: %w", change.Mode, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO signals_log (signal_name, value, source, protocol, timestamp)
		VALUES (?, ?, ?, '', ?)`,
		shared.SignalMode, string(change.Mode), change.Source, ts,
	); err != nil {
		return fmt.Errorf("log mode %s: %w", change.Mode, err)
	}
	for _, ch := range change.Channels {
		if err := insertChannel(ctx, tx, ch.Protocol, ch.Lamp, ch.Button, change.Source, ts); err != nil {
			return fmt.Errorf("write %s channel: %w", ch.Protocol, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set active mode %s: %w", change.Mode, err)
	}
	return nil
}

// AppendSignalLog inserts one audit row.
func (s *SignalStore) AppendSignalLog(ctx context.Context, name, value, source string, p shared.Protocol) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals_log (signal_name, value, source, protocol, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		name, value, source, string(p), s.now().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("append signal %s: %w", name, err)
	}
	return nil
}

// RecentSignals returns up to limit rows, newest first. An empty protocol
// matches every row, mode changes included.
func (s *SignalStore) RecentSignals(ctx context.Context, p shared.Protocol, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	query := `SELECT id, signal_name, value, source, protocol, timestamp FROM signals_log`
	args := []any{}
	if p != "" {
		query += ` WHERE protocol = ?`
		args = append(args, string(p))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent signals: %w", err)
	}
	defer rows.Close()

	records := make([]SignalRecord, 0, limit)
	for rows.Next() {
		var rec SignalRecord
		var ts string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Value, &rec.Source, &rec.Protocol, &ts); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		rec.Timestamp, _ = parseSQLiteTimestamp(ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent signals: %w", err)
	}
	return records, nil
}

// LastUpdateTime returns the timestamp of the newest signal row, or zero.
func (s *SignalStore) LastUpdateTime(ctx context.Context) (time.Time, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	var ts string
	err := s.db.QueryRowContext(ctx, `SELECT timestamp FROM signals_log ORDER BY id DESC LIMIT 1`).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last update time: %w", err)
	}
	return parseSQLiteTimestamp(ts)
}

func parseSQLiteTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999",
	}
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

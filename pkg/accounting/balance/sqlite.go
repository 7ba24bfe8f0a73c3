package balance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"mercator-hq/tally/pkg/accounting/interval"
)

// SQLiteStore implements Store using SQLite for persistence.
// It is suitable for single-instance deployments where balances must
// survive restarts.
//
// SQLiteStore uses a write-ahead log (WAL) for better concurrent
// performance and periodic checkpointing to balance write performance
// with durability. Compare-and-swap writes execute as a single UPDATE
// whose predicate pins the expected credits value, so the check and the
// write are atomic relative to concurrent writers.
type SQLiteStore struct {
	db               *sql.DB
	dbPath           string
	snapshotInterval time.Duration
	done             chan struct{}
	mu               sync.RWMutex
	closeOnce        sync.Once

	getUserStmt   *sql.Stmt
	getLimitsStmt *sql.Stmt
}

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// SnapshotInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	SnapshotInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite balance store with default settings.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteStoreConfig{
		DBPath:           dbPath,
		SnapshotInterval: 5 * time.Minute,
		BusyTimeout:      5 * time.Second,
	})
}

// NewSQLiteStoreWithConfig creates a new SQLite store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:               db,
		dbPath:           cfg.DBPath,
		snapshotInterval: cfg.SnapshotInterval,
		done:             make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go store.checkpointLoop()

	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		user TEXT PRIMARY KEY,
		global_credits INTEGER NOT NULL DEFAULT 0,
		global_enabled INTEGER NOT NULL DEFAULT 0,
		global_refill_enabled INTEGER NOT NULL DEFAULT 0,
		global_refill_amount INTEGER NOT NULL DEFAULT 0,
		global_refill_interval_value INTEGER NOT NULL DEFAULT 0,
		global_refill_interval_unit TEXT NOT NULL DEFAULT '',
		global_last_refill INTEGER NOT NULL DEFAULT 0,
		global_alerts TEXT NOT NULL DEFAULT '[]',
		global_alert_reset INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS endpoint_limits (
		user TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		credits INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		refill_enabled INTEGER NOT NULL DEFAULT 0,
		refill_amount INTEGER NOT NULL DEFAULT 0,
		refill_interval_value INTEGER NOT NULL DEFAULT 0,
		refill_interval_unit TEXT NOT NULL DEFAULT '',
		last_refill INTEGER NOT NULL DEFAULT 0,
		last_used INTEGER NOT NULL DEFAULT 0,
		alerts TEXT NOT NULL DEFAULT '[]',
		alert_reset INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user, endpoint)
	);

	CREATE INDEX IF NOT EXISTS idx_endpoint_refill ON endpoint_limits(refill_enabled);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares hot-path SQL statements for reuse.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.getUserStmt, err = s.db.Prepare(`
		SELECT user, global_credits, global_enabled,
		       global_refill_enabled, global_refill_amount,
		       global_refill_interval_value, global_refill_interval_unit,
		       global_last_refill, global_alerts, global_alert_reset,
		       created_at, updated_at
		FROM balances WHERE user = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare user statement: %w", err)
	}

	s.getLimitsStmt, err = s.db.Prepare(`
		SELECT endpoint, credits, enabled,
		       refill_enabled, refill_amount,
		       refill_interval_value, refill_interval_unit,
		       last_refill, last_used, alerts, alert_reset
		FROM endpoint_limits WHERE user = ? ORDER BY endpoint
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare limits statement: %w", err)
	}

	return nil
}

// Get retrieves the balance record for a user.
func (s *SQLiteStore) Get(ctx context.Context, user string) (*Record, error) {
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.loadRecord(ctx, user)
}

// loadRecord reads a full record. Caller must hold at least a read lock.
func (s *SQLiteStore) loadRecord(ctx context.Context, user string) (*Record, error) {
	var (
		rec           Record
		globalEnabled int
		refillEnabled int
		refillUnit    string
		lastRefill    int64
		alertsJSON    string
		alertReset    int64
		createdAt     int64
		updatedAt     int64
	)

	err := s.getUserStmt.QueryRowContext(ctx, user).Scan(
		&rec.User,
		&rec.GlobalCredits,
		&globalEnabled,
		&refillEnabled,
		&rec.GlobalRefill.Amount,
		&rec.GlobalRefill.IntervalValue,
		&refillUnit,
		&lastRefill,
		&alertsJSON,
		&alertReset,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance record: %w", err)
	}

	rec.GlobalEnabled = globalEnabled != 0
	rec.GlobalRefill.Enabled = refillEnabled != 0
	rec.GlobalRefill.IntervalUnit = unitFromDB(refillUnit)
	rec.GlobalRefill.LastRefill = timeFromDB(lastRefill)
	rec.GlobalLastAlertReset = timeFromDB(alertReset)
	rec.CreatedAt = timeFromDB(createdAt)
	rec.UpdatedAt = timeFromDB(updatedAt)
	if err := json.Unmarshal([]byte(alertsJSON), &rec.GlobalAlertsSent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal global alerts: %w", err)
	}

	rows, err := s.getLimitsStmt.QueryContext(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoint limits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lim       EndpointLimit
			enabled   int
			rfEnabled int
			rfUnit    string
			rfLast    int64
			lastUsed  int64
			limAlerts string
			limReset  int64
		)
		if err := rows.Scan(
			&lim.Endpoint,
			&lim.Credits,
			&enabled,
			&rfEnabled,
			&lim.Refill.Amount,
			&lim.Refill.IntervalValue,
			&rfUnit,
			&rfLast,
			&lastUsed,
			&limAlerts,
			&limReset,
		); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint limit: %w", err)
		}
		lim.Enabled = enabled != 0
		lim.Refill.Enabled = rfEnabled != 0
		lim.Refill.IntervalUnit = unitFromDB(rfUnit)
		lim.Refill.LastRefill = timeFromDB(rfLast)
		lim.LastUsed = timeFromDB(lastUsed)
		lim.LastAlertReset = timeFromDB(limReset)
		if err := json.Unmarshal([]byte(limAlerts), &lim.AlertsSent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal endpoint alerts: %w", err)
		}
		rec.EndpointLimits = append(rec.EndpointLimits, lim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating endpoint limits: %w", err)
	}

	return &rec, nil
}

// CompareAndSwapGlobal writes newCredits to the global pool if the
// stored value still equals expected.
func (s *SQLiteStore) CompareAndSwapGlobal(ctx context.Context, user string, expected, newCredits int64, sets *Updates) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	refillAt := int64(0)
	if sets != nil && sets.LastRefill != nil {
		refillAt = sets.LastRefill.Unix()
	}

	// The WHERE clause pins the expected value; the CASE keeps
	// last_refill forward-only.
	res, err := s.db.ExecContext(ctx, `
		UPDATE balances SET
			global_credits = ?,
			global_last_refill = CASE WHEN ? > global_last_refill THEN ? ELSE global_last_refill END,
			updated_at = ?
		WHERE user = ? AND global_credits = ?
	`, newCredits, refillAt, refillAt, now.Unix(), user, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to swap global credits: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, s.casFailure(ctx, user, "")
	}

	return s.loadRecord(ctx, user)
}

// CompareAndSwapEndpoint writes newCredits to one endpoint pool if the
// stored value still equals expected.
func (s *SQLiteStore) CompareAndSwapEndpoint(ctx context.Context, user, endpoint string, expected, newCredits int64, sets *Updates) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	refillAt := int64(0)
	usedAt := int64(0)
	setUsed := 0
	if sets != nil {
		if sets.LastRefill != nil {
			refillAt = sets.LastRefill.Unix()
		}
		if sets.LastUsed != nil {
			usedAt = sets.LastUsed.Unix()
			setUsed = 1
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE endpoint_limits SET
			credits = ?,
			last_refill = CASE WHEN ? > last_refill THEN ? ELSE last_refill END,
			last_used = CASE WHEN ? = 1 THEN ? ELSE last_used END
		WHERE user = ? AND endpoint = ? AND credits = ?
	`, newCredits, refillAt, refillAt, setUsed, usedAt, user, endpoint, expected)
	if err != nil {
		return nil, fmt.Errorf("failed to swap endpoint credits: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return nil, s.casFailure(ctx, user, endpoint)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE balances SET updated_at = ? WHERE user = ?`, now.Unix(), user); err != nil {
		return nil, fmt.Errorf("failed to stamp record: %w", err)
	}

	return s.loadRecord(ctx, user)
}

// casFailure distinguishes a lost race from a missing row.
// Caller must hold the write lock.
func (s *SQLiteStore) casFailure(ctx context.Context, user, endpoint string) error {
	var exists int
	var err error
	if endpoint == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM balances WHERE user = ?`, user).Scan(&exists)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM endpoint_limits WHERE user = ? AND endpoint = ?`,
			user, endpoint).Scan(&exists)
	}
	if err != nil {
		return fmt.Errorf("failed to resolve swap failure: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// UpsertEndpointLimit creates the record and/or endpoint entry if
// absent, preserving timestamps and alert state of an existing entry
// unless explicitly overwritten.
func (s *SQLiteStore) UpsertEndpointLimit(ctx context.Context, user string, limit EndpointLimit) (*Record, error) {
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}
	if err := limit.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if err := s.ensureRecord(ctx, user, now); err != nil {
		return nil, err
	}

	alerts := limit.AlertsSent
	setAlerts := 1
	if alerts == nil {
		alerts = []int{}
		setAlerts = 0
	}
	alertsJSON, err := json.Marshal(alerts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alerts: %w", err)
	}

	// On conflict, zero incoming timestamps keep the stored values and a
	// nil incoming alert set keeps the stored set.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO endpoint_limits (
			user, endpoint, credits, enabled,
			refill_enabled, refill_amount, refill_interval_value, refill_interval_unit,
			last_refill, last_used, alerts, alert_reset
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user, endpoint) DO UPDATE SET
			credits = excluded.credits,
			enabled = excluded.enabled,
			refill_enabled = excluded.refill_enabled,
			refill_amount = excluded.refill_amount,
			refill_interval_value = excluded.refill_interval_value,
			refill_interval_unit = excluded.refill_interval_unit,
			last_refill = CASE WHEN excluded.last_refill > 0 THEN excluded.last_refill ELSE endpoint_limits.last_refill END,
			last_used = CASE WHEN excluded.last_used > 0 THEN excluded.last_used ELSE endpoint_limits.last_used END,
			alerts = CASE WHEN ? = 1 THEN excluded.alerts ELSE endpoint_limits.alerts END,
			alert_reset = CASE WHEN excluded.alert_reset > 0 THEN excluded.alert_reset ELSE endpoint_limits.alert_reset END
	`,
		user, limit.Endpoint, limit.Credits, boolToDB(limit.Enabled),
		boolToDB(limit.Refill.Enabled), limit.Refill.Amount,
		limit.Refill.IntervalValue, string(limit.Refill.IntervalUnit),
		timeToDB(limit.Refill.LastRefill), timeToDB(limit.LastUsed),
		string(alertsJSON), timeToDB(limit.LastAlertReset),
		setAlerts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert endpoint limit: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE balances SET updated_at = ? WHERE user = ?`, now.Unix(), user); err != nil {
		return nil, fmt.Errorf("failed to stamp record: %w", err)
	}

	return s.loadRecord(ctx, user)
}

// DeleteEndpointLimit removes an endpoint entry.
func (s *SQLiteStore) DeleteEndpointLimit(ctx context.Context, user, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM endpoint_limits WHERE user = ? AND endpoint = ?`, user, endpoint)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetGlobal configures the user's global pool, creating the record if
// absent.
func (s *SQLiteStore) SetGlobal(ctx context.Context, user string, credits int64, enabled bool, refill RefillPolicy) (*Record, error) {
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}
	if err := refill.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if err := s.ensureRecord(ctx, user, now); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE balances SET
			global_credits = ?,
			global_enabled = ?,
			global_refill_enabled = ?,
			global_refill_amount = ?,
			global_refill_interval_value = ?,
			global_refill_interval_unit = ?,
			global_last_refill = CASE WHEN ? > 0 THEN ? ELSE global_last_refill END,
			updated_at = ?
		WHERE user = ?
	`,
		credits, boolToDB(enabled),
		boolToDB(refill.Enabled), refill.Amount,
		refill.IntervalValue, string(refill.IntervalUnit),
		timeToDB(refill.LastRefill), timeToDB(refill.LastRefill),
		now.Unix(), user,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set global pool: %w", err)
	}

	return s.loadRecord(ctx, user)
}

// SetAlertsSent replaces the alerts-sent set for a balance source.
func (s *SQLiteStore) SetAlertsSent(ctx context.Context, user, source string, thresholds []int, resetAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := slices.Clone(thresholds)
	slices.Sort(sent)
	if sent == nil {
		sent = []int{}
	}
	alertsJSON, err := json.Marshal(sent)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	resetTS := int64(0)
	if resetAt != nil {
		resetTS = resetAt.Unix()
	}

	var res sql.Result
	if source == "" || source == SourceGlobal {
		res, err = s.db.ExecContext(ctx, `
			UPDATE balances SET
				global_alerts = ?,
				global_alert_reset = CASE WHEN ? > 0 THEN ? ELSE global_alert_reset END
			WHERE user = ?
		`, string(alertsJSON), resetTS, resetTS, user)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE endpoint_limits SET
				alerts = ?,
				alert_reset = CASE WHEN ? > 0 THEN ? ELSE alert_reset END
			WHERE user = ? AND endpoint = ?
		`, string(alertsJSON), resetTS, resetTS, user, source)
	}
	if err != nil {
		return fmt.Errorf("failed to set alerts sent: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAutoRefill returns every record with at least one refill-enabled
// pool.
func (s *SQLiteStore) ListAutoRefill(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user FROM balances WHERE global_enabled = 1 AND global_refill_enabled = 1
		UNION
		SELECT user FROM endpoint_limits WHERE enabled = 1 AND refill_enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-refill users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	records := make([]*Record, 0, len(users))
	for _, user := range users {
		rec, err := s.loadRecord(ctx, user)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases any resources held by the store.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		if s.getUserStmt != nil {
			s.getUserStmt.Close()
		}
		if s.getLimitsStmt != nil {
			s.getLimitsStmt.Close()
		}

		if s.db != nil {
			// Run final checkpoint
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

// ensureRecord inserts an empty balance row for a user if absent.
// Caller must hold the write lock.
func (s *SQLiteStore) ensureRecord(ctx context.Context, user string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user) DO NOTHING
	`, user, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("failed to ensure balance record: %w", err)
	}
	return nil
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// unitFromDB converts a stored unit string. Units are validated at
// write time, so an empty string only appears on pools with no refill
// policy.
func unitFromDB(s string) interval.Unit {
	return interval.Unit(s)
}

func boolToDB(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToDB(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeFromDB(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

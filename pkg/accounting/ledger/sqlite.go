package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite for durable transaction
// history. The transactions table is append-only: there is no update
// or delete path.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	closeOnce sync.Once

	appendStmt *sql.Stmt
	listStmt   *sql.Stmt
}

// NewSQLiteStore creates a new SQLite transaction store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user TEXT NOT NULL,
		token_type TEXT NOT NULL,
		raw_amount INTEGER NOT NULL,
		rate REAL NOT NULL,
		token_value INTEGER NOT NULL,
		balance_source TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_txn_user_created ON transactions(user, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.appendStmt, err = s.db.Prepare(`
		INSERT INTO transactions (
			id, user, token_type, raw_amount, rate, token_value,
			balance_source, context, model, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare append statement: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`
		SELECT id, user, token_type, raw_amount, rate, token_value,
		       balance_source, context, model, created_at
		FROM transactions
		WHERE user = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	return nil
}

// Append persists a transaction.
func (s *SQLiteStore) Append(ctx context.Context, txn *Transaction) error {
	if txn == nil {
		return fmt.Errorf("transaction cannot be nil")
	}
	if txn.User == "" {
		return fmt.Errorf("transaction user cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.appendStmt.ExecContext(ctx,
		txn.ID,
		txn.User,
		string(txn.TokenType),
		txn.RawAmount,
		txn.Rate,
		txn.TokenValue,
		txn.BalanceSource,
		txn.Context,
		txn.Model,
		txn.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// ListByUser returns the most recent transactions for a user, newest
// first.
func (s *SQLiteStore) ListByUser(ctx context.Context, user string, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.listStmt.QueryContext(ctx, user, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var (
			txn       Transaction
			tokenType string
			createdAt int64
		)
		if err := rows.Scan(
			&txn.ID,
			&txn.User,
			&tokenType,
			&txn.RawAmount,
			&txn.Rate,
			&txn.TokenValue,
			&txn.BalanceSource,
			&txn.Context,
			&txn.Model,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.TokenType = TokenType(tokenType)
		txn.CreatedAt = time.UnixMicro(createdAt)
		out = append(out, &txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return out, nil
}

// Close releases any resources held by the store.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		if s.appendStmt != nil {
			s.appendStmt.Close()
		}
		if s.listStmt != nil {
			s.listStmt.Close()
		}
		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Storage is the durable key-value store behind the analytics collections.
// Every collection is a single JSON array stored under its own key and
// updated with read-modify-write.
type Storage struct {
	db           *sql.DB
	writeMu      sync.Mutex
	queryTimeout time.Duration
	keys         map[Collection]string
	retention    map[Collection]int
	onEvict      func(Collection, int)

	stmtGet *sql.Stmt
	stmtPut *sql.Stmt
}

// Options configures the Storage instance.
type Options struct {
	MaxConnections int
	QueryTimeout   time.Duration

	// KeyPrefix names the owned collections: <prefix>_visitors etc.
	KeyPrefix string
	// SubscribersKey is the key of the externally owned subscriber list.
	SubscribersKey string

	// Retention caps visitors or sessions to their most recent N records.
	// Missing or zero means unbounded. Events are always capped at
	// DefaultEventRetention and their entry is ignored.
	Retention map[Collection]int

	// OnEvict is called after an append dropped records to honor Retention.
	OnEvict func(c Collection, evicted int)
}

// DefaultOptions returns the options New uses.
func DefaultOptions() Options {
	return Options{
		MaxConnections: 1,
		QueryTimeout:   30 * time.Second,
		KeyPrefix:      "landing",
		SubscribersKey: "subscribers",
		Retention: map[Collection]int{
			Events: DefaultEventRetention,
		},
	}
}

// DefaultEventRetention is the number of most recent events kept.
const DefaultEventRetention = 1000

// New creates a new Storage instance with default options.
// For custom options, use NewWithOptions.
func New(dbPath string) (*Storage, error) {
	return NewWithOptions(dbPath, DefaultOptions())
}

// NewWithOptions creates a new Storage instance with the given options.
func NewWithOptions(dbPath string, opts Options) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=30000&_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, err
	}

	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "landing"
	}
	subscribersKey := opts.SubscribersKey
	if subscribersKey == "" {
		subscribersKey = "subscribers"
	}

	retention := make(map[Collection]int, len(opts.Retention))
	for c, n := range opts.Retention {
		if n > 0 {
			retention[c] = n
		}
	}
	retention[Events] = DefaultEventRetention

	s := &Storage{
		db:           db,
		queryTimeout: queryTimeout,
		keys: map[Collection]string{
			Visitors:    prefix + "_visitors",
			Events:      prefix + "_events",
			Sessions:    prefix + "_sessions",
			Subscribers: subscribersKey,
		},
		retention: retention,
		onEvict:   opts.OnEvict,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

func (s *Storage) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) prepareStatements() error {
	var err error

	s.stmtGet, err = s.db.Prepare(`SELECT value FROM kv WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("prepare get: %w", err)
	}

	s.stmtPut, err = s.db.Prepare(`
INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at
`)
	if err != nil {
		return fmt.Errorf("prepare put: %w", err)
	}

	return nil
}

// Close closes the database connection and prepared statements.
func (s *Storage) Close() error {
	if s.stmtGet != nil {
		s.stmtGet.Close()
	}
	if s.stmtPut != nil {
		s.stmtPut.Close()
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// QueryTimeout returns the configured query timeout duration.
func (s *Storage) QueryTimeout() time.Duration {
	return s.queryTimeout
}

// Key returns the store key backing a collection.
func (s *Storage) Key(c Collection) string {
	if k, ok := s.keys[c]; ok {
		return k
	}
	return string(c)
}

// Retention returns the cap applied to c, 0 meaning unbounded.
func (s *Storage) Retention(c Collection) int {
	return s.retention[c]
}

// SizeBytes reports the on-disk size of the database.
func (s *Storage) SizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// get reads the raw value of key. A missing key returns nil without error.
func (s *Storage) get(ctx context.Context, stmt *sql.Stmt, key string) ([]byte, error) {
	var value string
	err := stmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

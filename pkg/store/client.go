// Package store implements the Artifact Store (C2): a pooled, embedded
// SQLite-backed relational store for ConsensusRun, AgentOutput, and
// AgentExecution rows, guarded by the retry engine for write contention.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Config controls the embedded store's connection pool.
type Config struct {
	// Path to the SQLite database file. Default (XDG-aware) is chosen by
	// the caller — see DefaultPath.
	Path string

	// MaxOpenConns bounds the pool (default 10). Writers and
	// readers share this pool — cross-connection write races are resolved
	// by the retry engine on SQLITE_BUSY/LOCKED, not by serializing here.
	MaxOpenConns int
	MaxIdleConns int

	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// BusyTimeout is applied as a connection-scoped pragma (milliseconds).
	BusyTimeout time.Duration
}

// DefaultConfig returns the standard tuning: pool of 10, WAL journal,
// 5s busy-timeout.
func DefaultConfig(path string) Config {
	return Config{
		Path:            path,
		MaxOpenConns:    10,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		BusyTimeout:     5 * time.Second,
	}
}

// DefaultPath returns the XDG-aware default path,
// "~/.code/consensus_artifacts.db", honoring XDG_DATA_HOME
// when set.
func DefaultPath(homeDir, xdgDataHome string) string {
	base := xdgDataHome
	if base == "" {
		base = homeDir + "/.code"
	}
	return base + "/consensus_artifacts.db"
}

// Client wraps a pooled SQLite connection and the schema migration applied
// at open: a thin wrapper around the driver's *sql.DB with the pool/pragma
// setup done once, here.
type Client struct {
	db *sqlx.DB
}

// DB returns the underlying *sqlx.DB for direct queries.
func (c *Client) DB() *sqlx.DB { return c.db }

// Close closes the pool.
func (c *Client) Close() error { return c.db.Close() }

// NewClient opens (creating if necessary) the embedded store, applies
// connection-scoped pragmas via DSN parameters (so every connection the pool
// opens gets them — not just the first), and runs schema migration.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := buildDSN(cfg)

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping artifact store: %w", err)
	}

	client := &Client{db: db}
	if err := client.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate artifact store: %w", err)
	}
	return client, nil
}

// buildDSN encodes WAL + busy_timeout + foreign_keys as modernc.org/sqlite
// DSN pragmas so they apply to every connection the pool opens, not only
// the first — required because the pool may hold up to MaxOpenConns
// distinct underlying connections.
func buildDSN(cfg Config) string {
	busyMS := int64(cfg.BusyTimeout / time.Millisecond)
	if busyMS <= 0 {
		busyMS = 5000
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyMS))
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + cfg.Path + "?" + q.Encode()
}

// NewClientFromDB wraps an existing *sql.DB (test seam).
func NewClientFromDB(db *sql.DB) *Client {
	return &Client{db: sqlx.NewDb(db, "sqlite")}
}

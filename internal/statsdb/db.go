// Package statsdb appends per-nameserver latency samples to a SQLite
// database, schema-versioned with github.com/golang-migrate/migrate/v4
// embedded migrations. Rows are never pruned.
//
// The resolver core never imports this package. Samples reach it through
// internal/stats.Aggregator's onSample fan-out, which runs synchronously
// inside Aggregator.Observe on the scheduler thread, so a slow insert delays
// that thread.
package statsdb

import (
	"database/sql"
	"embed"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/jroosing/stubresolver/resolver"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a SQLite database connection storing latency samples.
type DB struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Open opens or creates a SQLite database at path and brings its schema up
// to date via the embedded migrations.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statsdb: opening database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{conn: conn}
	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("statsdb: running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Health checks database connectivity.
func (db *DB) Health() error {
	return db.conn.Ping()
}

// Insert persists one resolver.LatencySample. Safe to wire directly as the
// onSample callback passed to internal/stats.NewAggregator.
func (db *DB) Insert(s resolver.LatencySample) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	success := 0
	if s.Success {
		success = 1
	}
	_, err := db.conn.Exec(
		`INSERT INTO latency_samples (nameserver, proto, success, rtt_us) VALUES (?, ?, ?, ?)`,
		s.Nameserver.String(), s.Proto, success, s.RTT.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("statsdb: inserting sample: %w", err)
	}
	return nil
}

// Sample is one row read back from latency_samples.
type Sample struct {
	Nameserver netip.AddrPort
	Proto      string
	Success    bool
	RTT        time.Duration
	ObservedAt time.Time
}

// Recent returns up to limit of the most recently inserted samples for
// nameserver, newest first.
func (db *DB) Recent(nameserver netip.AddrPort, limit int) ([]Sample, error) {
	rows, err := db.conn.Query(
		`SELECT proto, success, rtt_us, observed_at FROM latency_samples
		 WHERE nameserver = ? ORDER BY observed_at DESC, id DESC LIMIT ?`,
		nameserver.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("statsdb: querying recent samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var proto string
		var success int
		var rttUs int64
		var observedAt time.Time
		if err := rows.Scan(&proto, &success, &rttUs, &observedAt); err != nil {
			return nil, fmt.Errorf("statsdb: scanning sample: %w", err)
		}
		out = append(out, Sample{
			Nameserver: nameserver,
			Proto:      proto,
			Success:    success != 0,
			RTT:        time.Duration(rttUs) * time.Microsecond,
			ObservedAt: observedAt,
		})
	}
	return out, rows.Err()
}

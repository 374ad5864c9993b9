// Package storage is the relational warehouse: raw sales, the three fact
// tables, cached exchange rates and run bookkeeping, on SQLite or
// PostgreSQL.
//
// Queries are written once with ? placeholders and rebound for PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"salesetl/internal/log"
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgresql"
)

// DefaultTimeout bounds a single transaction attempt.
const DefaultTimeout = 30 * time.Second

func (d Dialect) driverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Config selects and locates the database.
type Config struct {
	Dialect    Dialect
	SQLitePath string
	// PostgresDSN is a lib/pq connection string or URL.
	PostgresDSN string
	Timeout     time.Duration
	Logger      *log.Logger
}

func (c Config) dsn() (string, error) {
	switch c.Dialect {
	case SQLite:
		if c.SQLitePath == "" {
			return "", fmt.Errorf("sqlite path is empty")
		}
		return c.SQLitePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	case Postgres:
		if c.PostgresDSN == "" {
			return "", fmt.Errorf("postgres dsn is empty")
		}
		return c.PostgresDSN, nil
	}
	return "", fmt.Errorf("unsupported dialect %q", c.Dialect)
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
	logger  *log.Logger
}

// Open connects, pings and migrates the configured database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn, err := cfg.dsn()
	if err != nil {
		return nil, err
	}
	if cfg.Dialect == SQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open(cfg.Dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Dialect, err)
	}
	if cfg.Dialect == SQLite {
		// One writer; BEGIN on a second connection would only wait on the lock.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(cfg.Dialect, dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := New(db, cfg.Dialect, cfg.Timeout, cfg.Logger)
	s.logger.InfoContext(ctx, "Warehouse ready",
		log.FieldOperation, log.OpMigrate,
		"dialect", string(cfg.Dialect))
	return s, nil
}

// New wraps an existing connection pool. The schema is assumed to exist.
func New(db *sql.DB, dialect Dialect, timeout time.Duration, logger *log.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		timeout: timeout,
		logger:  logger.WithComponent(log.ComponentStorage),
	}
}

func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// rebind rewrites ? placeholders as $1..$n for PostgreSQL.
func rebind(d Dialect, query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteTimeLayout is fixed width so that text comparison in SQL orders
// timestamps chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeArg renders t for the dialect: SQLite columns hold UTC text.
func timeArg(d Dialect, t time.Time) any {
	t = t.UTC()
	if d == SQLite {
		return t.Format(sqliteTimeLayout)
	}
	return t
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// dateArg renders a calendar day.
func dateArg(d Dialect, t time.Time) any {
	if d == SQLite {
		return t.Format("2006-01-02")
	}
	return t
}

// timestamp scans TEXT and native timestamp columns alike.
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (t *timestamp) parse(s string) error {
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

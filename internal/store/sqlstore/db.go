package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// openDB opens a GORM connection; the dialect is inferred from dsn.
func openDB(dsn string) (*gorm.DB, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, "", fmt.Errorf("sqlstore: empty dsn")
	}

	dialect, err := detectDialect(trimmed)
	if err != nil {
		return nil, "", err
	}

	var conn *gorm.DB
	switch dialect {
	case DialectPostgres:
		conn, err = openPostgres(trimmed)
	default:
		conn, err = openSQLite(trimmed)
	}
	if err != nil {
		return nil, "", err
	}
	return conn, dialect, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

func detectDialect(dsn string) (string, error) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "file:"),
		strings.HasPrefix(lower, "sqlite://"),
		strings.HasPrefix(lower, "sqlite3://"),
		!strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("sqlstore: unsupported dsn scheme")
	}
}

func openPostgres(dsn string) (*gorm.DB, error) {
	conn, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: postgres handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := ping(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return conn, nil
}

func openSQLite(dsn string) (*gorm.DB, error) {
	normalized := ensureSQLiteParams(normalizeSQLiteDSN(dsn))
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, err
	}

	conn, err := gorm.Open(sqlite.Open(normalized), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open sqlite: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlstore: sqlite handle: %w", err)
	}

	// One writer at a time; WAL lets readers proceed.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("sqlstore: sqlite %s: %w", p, err)
		}
	}

	if err := ping(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return conn, nil
}

func ping(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlstore: ping: %w", err)
	}
	return nil
}

// normalizeSQLiteDSN converts sqlite:// URLs into file: DSNs.
func normalizeSQLiteDSN(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "sqlite3://") || strings.HasPrefix(lower, "sqlite://") {
		if parts := strings.SplitN(dsn, "://", 2); len(parts) == 2 {
			return "file:" + parts[1]
		}
	}
	return dsn
}

func ensureSQLiteParams(dsn string) string {
	if strings.Contains(strings.ToLower(dsn), "_pragma=busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func sqlitePath(dsn string) string {
	path := dsn
	if strings.HasPrefix(strings.ToLower(path), "file:") {
		path = path[len("file:"):]
	}
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "//")
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func ensureSQLiteDir(dsn string) error {
	path := sqlitePath(dsn)
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sqlstore: create sqlite dir: %w", err)
	}
	return nil
}

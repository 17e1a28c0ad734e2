package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/lib/pq"

	"github.com/joao-fontenele/shopflow/internal/domain"
	"github.com/joao-fontenele/shopflow/internal/telemetry"
)

// Open connects to PostgreSQL and verifies the connection. Every pooled
// connection starts with search_path set to schema.
func Open(ctx context.Context, dsn, schema string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("store: empty connection string")
	}

	db, err := telemetry.OpenDB("postgres", WithSearchPath(dsn, schema))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Classify(fmt.Errorf("ping database: %w", err))
	}

	return db, nil
}

// WithSearchPath adds a search_path runtime parameter to a URL or key/value
// connection string. lib/pq forwards unknown parameters to the server, so the
// setting applies to every connection in the pool.
func WithSearchPath(dsn, schema string) string {
	if schema == "" {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}
	return strings.TrimSpace(dsn) + " search_path=" + schema
}

// WithTx runs fn inside a transaction and commits when fn returns nil.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return Classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// ReadOnly is the option set for query-only transactions.
var ReadOnly = &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}

// Classify marks connection-level failures with domain.ErrStoreUnavailable and
// returns every other error unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	if unavailable(err) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

func unavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "57":
			// connection exception, operator intervention
			return pqErr.Code != "57014"
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// UniqueViolation reports whether err is a unique constraint failure.
func UniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

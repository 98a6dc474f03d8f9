package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"userpipe/internal/pipeline"
	"userpipe/pkg/platform/sentinel"
)

// PostgresStore persists user rows in PostgreSQL.
// This store is pure I/O; mapping failures onto the step taxonomy belongs to the loader.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgres constructs a PostgreSQL-backed user store for table.
func NewPostgres(db *sql.DB, table string) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}, nil
}

// EnsureSchema creates the destination table when it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			username TEXT PRIMARY KEY,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			country TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", classify(err))
	}
	return nil
}

// Upsert writes the record keyed by username. The latest staged values win.
// inserted is false when an existing row was updated.
func (s *PostgresStore) Upsert(ctx context.Context, record pipeline.CanonicalRecord) (inserted bool, err error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (username, first_name, last_name, country, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (username) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			country = EXCLUDED.country,
			password_hash = EXCLUDED.password_hash,
			updated_at = NOW()
		RETURNING (xmax = 0)
	`, s.table)
	err = s.db.QueryRowContext(ctx, query,
		record.Username,
		record.FirstName,
		record.LastName,
		record.Country,
		record.Password,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert user %s: %w", record.Username, classify(err))
	}
	return inserted, nil
}

// FindByKey returns every row stored under username. More than one row means
// the table lost its key constraint.
func (s *PostgresStore) FindByKey(ctx context.Context, username string) ([]Row, error) {
	query := fmt.Sprintf(`
		SELECT username, first_name, last_name, country, password_hash, created_at, updated_at
		FROM %s
		WHERE username = $1
	`, s.table)
	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("find user %s: %w", username, classify(err))
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Username, &r.FirstName, &r.LastName, &r.Country, &r.Password, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", classify(err))
	}
	return out, nil
}

// Count returns the number of rows in the destination table.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", classify(err))
	}
	return n, nil
}

// classify tags driver errors with the sentinel the caller should branch on.
// Integrity violations and a missing conflict target are conflicts; everything
// that never reached a SQL verdict is unavailability.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), pgErr.Code == "42P10":
			return errors.Join(sentinel.ErrConflict, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return errors.Join(sentinel.ErrUnavailable, err)
		default:
			return err
		}
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return errors.Join(sentinel.ErrUnavailable, err)
	}
	return err
}

package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/meddler/meddler/internal/db/dialect"
)

// OpenPostgres opens a PostgreSQL connection pool using pgx and returns it as
// a Pool. Both writer and reader share the same pool; pgx handles pooling
// internally. If maxConns or minConns are 0, they default to 20 and 5.
func OpenPostgres(url string, maxConns, minConns int) (*Pool, error) {
	conn, err := sqlx.Open(dialect.PGX, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 20
	}
	if minConns <= 0 {
		minConns = 5
	}

	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return NewPool(conn, conn), nil
}

package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// sqlState extracts the SQLSTATE code from a pgx error chain, or "" for non-postgres errors.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation. The action event log relies on this to turn
// a replay of an already persisted (session, sequence) pair into a duplicate instead of a failure.
func IsUniqueViolation(err error) bool { return sqlState(err) == "23505" }

// IsForeignKeyViolation reports whether err is a foreign key violation, which surfaces when an event references a
// character row that does not exist.
func IsForeignKeyViolation(err error) bool { return sqlState(err) == "23503" }

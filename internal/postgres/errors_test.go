package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestConstraintViolationHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantUnique bool
		wantFK     bool
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, wantUnique: true},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}, wantFK: true},
		{name: "wrapped unique violation", err: fmt.Errorf("insert action event: %w", &pgconn.PgError{Code: "23505"}), wantUnique: true},
		{name: "joined foreign key violation", err: errors.Join(errors.New("context"), &pgconn.PgError{Code: "23503"}), wantFK: true},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}},
		{name: "plain error", err: errors.New("connection refused")},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsUniqueViolation(tt.err); got != tt.wantUnique {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.wantUnique)
			}
			if got := IsForeignKeyViolation(tt.err); got != tt.wantFK {
				t.Errorf("IsForeignKeyViolation() = %v, want %v", got, tt.wantFK)
			}
		})
	}
}

package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opia-app/server/internal/apierr"
)

// Postgres error codes we translate into API errors at the store boundary.
const (
	pgFKViolation     = "23503"
	pgUniqueViolation = "23505"
)

// refErr converts a foreign-key violation into a reference error naming
// the offending field; unique violations become conflicts. Anything else
// passes through for the handler to treat as internal.
func refErr(err error, field string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgFKViolation:
			return apierr.Reference(field, "referenced row does not exist")
		case pgUniqueViolation:
			return apierr.New(apierr.CodeConflict, field, "already exists")
		}
	}
	return err
}

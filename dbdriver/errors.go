package dbdriver // import "github.com/whisthq/whist/backend/webserver/dbdriver"

import (
	"errors"

	"github.com/jackc/pgconn"
)

// Sentinel errors surfaced by the state store. Callers are expected to check
// them with errors.Is, since most methods wrap them with context.
var (
	// ErrBusy is returned when a row lock could not be acquired within the
	// configured lock timeout.
	ErrBusy = errors.New("row lock acquisition timed out")

	// ErrNotFound is returned when no row matches the query.
	ErrNotFound = errors.New("no matching row found")
)

// lockNotAvailable is the Postgres SQLSTATE reported when a lock acquisition
// exceeds lock_timeout.
const lockNotAvailable = "55P03"

// isLockTimeout reports whether err is a Postgres lock timeout, which we
// surface as ErrBusy.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == lockNotAvailable
	}
	return false
}

// Package store provides the analytical write target. The Store interface
// is the loader's boundary; Postgres is the production implementation.
package store

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"
)

// Store is the loader's view of the target database.
type Store interface {
	// InsertRows bulk-inserts rows with the given columns into table,
	// returning the number of rows written.
	InsertRows(ctx context.Context, table string, cols []string, rows [][]any) (int64, error)

	// DeleteByKey deletes all rows whose key-column tuple matches one of
	// keys, returning the number of rows deleted.
	DeleteByKey(ctx context.Context, table string, keyCols []string, keys [][]any) (int64, error)

	// Exec runs a statement and returns the affected row count.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// Ping tests the connection.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close()
}

// Pinger is anything with a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckAll pings all given endpoints concurrently and returns the first
// failure, so a run fails fast before any extraction starts.
func CheckAll(ctx context.Context, endpoints map[string]Pinger) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, p := range endpoints {
		name, p := name, p
		g.Go(func() error {
			if err := p.Ping(ctx); err != nil {
				return errors.Join(errors.New(name+" unreachable"), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// IsTransient reports whether err looks like a connection-level failure
// worth retrying: network errors and Postgres connection/resource/
// serialization failures. Schema and type errors are not transient; the
// loader fails fast on those.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57": // connection, resources, operator intervention
			return true
		}
		return pgErr.Code == "40001" || pgErr.Code == "40P01" // serialization, deadlock
	}
	// pgx surfaces dead connections as plain errors in some paths.
	return pgconn.SafeToRetry(err)
}

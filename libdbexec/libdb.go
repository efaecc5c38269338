// Package libdbexec wraps database/sql behind a small executor abstraction so
// stores can run the same queries inside or outside a transaction, on
// PostgreSQL or SQLite, and receive driver-independent sentinel errors.
package libdbexec

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrNotFound            = errors.New("libdb: not found")
	ErrUniqueViolation     = errors.New("libdb: unique constraint violation")
	ErrForeignKeyViolation = errors.New("libdb: foreign key violation")
	ErrNotNullViolation    = errors.New("libdb: not null constraint violation")
	ErrCheckViolation      = errors.New("libdb: check constraint violation")
	ErrConstraintViolation = errors.New("libdb: constraint violation")
	ErrDeadlockDetected    = errors.New("libdb: deadlock detected")
	ErrSerializationFailure = errors.New("libdb: serialization failure")
	ErrLockNotAvailable    = errors.New("libdb: lock not available")
	ErrQueryCanceled       = errors.New("libdb: query canceled")
	ErrDataTruncation      = errors.New("libdb: data truncation")
	ErrNumericOutOfRange   = errors.New("libdb: numeric value out of range")
	ErrInvalidInputSyntax  = errors.New("libdb: invalid input syntax")
	ErrUndefinedColumn     = errors.New("libdb: undefined column")
	ErrUndefinedTable      = errors.New("libdb: undefined table")
	ErrTxFailed            = errors.New("libdb: transaction failed")
)

// QueryRower is the subset of *sql.Row used by stores.
type QueryRower interface {
	Scan(dest ...any) error
}

// Exec runs statements either directly on the pool or bound to a transaction.
type Exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) QueryRower
}

// CommitTx commits the transaction it was returned with.
type CommitTx func(ctx context.Context) error

// ReleaseTx rolls back the transaction unless it was committed. Safe to defer.
type ReleaseTx func() error

// DBManager hands out executors for a single database.
type DBManager interface {
	WithoutTransaction() Exec
	WithTransaction(ctx context.Context, onRollback ...func()) (Exec, CommitTx, ReleaseTx, error)
	Close() error
}

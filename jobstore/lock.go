package jobstore

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/tempo/errors"
)

// Named locks serializing cluster-wide access to protected tables.
const (
	LockTriggerAccess  = "TRIGGER_ACCESS"
	LockStateAccess    = "STATE_ACCESS"
	LockCalendarAccess = "CALENDAR_ACCESS"
)

// DefaultSelectWithLockSQL is the row-lock statement used when none is
// configured. SQLite has no SELECT ... FOR UPDATE; any write statement
// takes the database write lock for the rest of the transaction, which
// gives the same mutual exclusion.
const DefaultSelectWithLockSQL = "UPDATE sched_locks SET lock_name = lock_name WHERE lock_name = ?"

// LockHandler hands out named locks shared by every scheduler instance on
// the same database.
type LockHandler interface {
	// Obtain blocks until the named lock is held by the caller's
	// transaction and returns an error if it cannot be.
	Obtain(ctx context.Context, tx *sql.Tx, name string) error

	// Release lets go of the named lock. owned must be the value recorded
	// when Obtain succeeded; releasing an unowned lock is a no-op.
	Release(tx *sql.Tx, name string, owned bool) error
}

// RowLockHandler locks by executing a row-lock statement against the
// sched_locks table inside the caller's transaction. The lock is held until
// the transaction commits or rolls back, so Release does nothing.
type RowLockHandler struct {
	// SQL is the row-lock statement with one placeholder for the lock
	// name. Empty means DefaultSelectWithLockSQL.
	SQL string

	log *zap.SugaredLogger
}

// NewRowLockHandler builds a row-based lock handler with an optional
// dialect override for the lock statement.
func NewRowLockHandler(lockSQL string, log *zap.SugaredLogger) *RowLockHandler {
	if lockSQL == "" {
		lockSQL = DefaultSelectWithLockSQL
	}
	return &RowLockHandler{SQL: lockSQL, log: log}
}

// Obtain executes the row-lock statement, blocking on the database until
// any competing holder commits.
func (h *RowLockHandler) Obtain(ctx context.Context, tx *sql.Tx, name string) error {
	if isSelectStatement(h.SQL) {
		var lockName string
		err := tx.QueryRowContext(ctx, h.SQL, name).Scan(&lockName)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(errors.ErrCouldNotAcquireLock, "no row for lock %q, is the sched_locks table seeded", name)
		}
		if err != nil {
			return errors.Wrapf(errors.Mark(err, errors.ErrCouldNotAcquireLock), "failed to obtain lock %q", name)
		}
		return nil
	}

	result, err := tx.ExecContext(ctx, h.SQL, name)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrCouldNotAcquireLock), "failed to obtain lock %q", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "failed to get rows affected for lock %q", name)
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrCouldNotAcquireLock, "no row for lock %q, is the sched_locks table seeded", name)
	}

	if h.log != nil {
		h.log.Debugw("Obtained row lock", "lock", name)
	}
	return nil
}

// Release is a no-op: the row lock dies with the transaction.
func (h *RowLockHandler) Release(tx *sql.Tx, name string, owned bool) error {
	return nil
}

func isSelectStatement(stmt string) bool {
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "SELECT")
}

// MutexLockHandler locks with process-wide mutexes. Only safe for
// single-instance deployments; peers on other hosts are invisible to it.
type MutexLockHandler struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMutexLockHandler builds an in-process lock handler.
func NewMutexLockHandler() *MutexLockHandler {
	return &MutexLockHandler{locks: make(map[string]*sync.Mutex)}
}

func (h *MutexLockHandler) lockFor(name string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.locks[name]
	if !ok {
		m = &sync.Mutex{}
		h.locks[name] = m
	}
	return m
}

// Obtain blocks on the process-wide mutex for the lock name. The
// transaction is unused; in-process locks are not connection-bound.
func (h *MutexLockHandler) Obtain(ctx context.Context, tx *sql.Tx, name string) error {
	h.lockFor(name).Lock()
	return nil
}

// Release unlocks the named mutex when owned.
func (h *MutexLockHandler) Release(tx *sql.Tx, name string, owned bool) error {
	if !owned {
		return nil
	}
	h.lockFor(name).Unlock()
	return nil
}

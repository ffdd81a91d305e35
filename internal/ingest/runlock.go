package ingest

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/urbanmetrics/ingest-cli/internal/db"
)

// runLockKey is the advisory lock key that serializes pipeline runs
// system-wide. Only one run may hold it; contention fails fast rather than
// queuing.
const runLockKey = 7741002

// connAcquirer is satisfied by *pgxpool.Pool. Session-level advisory locks
// belong to one connection, so the lock is pinned to a dedicated connection
// whenever the pool can hand one out.
type connAcquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// RunLock holds the system-wide run lock for the duration of a pipeline
// invocation. Release must run on the same session that acquired the lock.
type RunLock struct {
	pool db.Pool
	conn *pgxpool.Conn
}

// AcquireRunLock takes the system-wide run lock, failing immediately if
// another pipeline run holds it.
func AcquireRunLock(ctx context.Context, pool db.Pool) (*RunLock, error) {
	l := &RunLock{pool: pool}

	var row pgx.Row
	if acq, ok := pool.(connAcquirer); ok {
		conn, err := acq.Acquire(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: acquire lock connection")
		}
		l.conn = conn
		row = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", runLockKey)
	} else {
		row = pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", runLockKey)
	}

	var acquired bool
	if err := row.Scan(&acquired); err != nil {
		l.releaseConn()
		return nil, eris.Wrap(err, "ingest: acquire run lock")
	}
	if !acquired {
		l.releaseConn()
		return nil, eris.New("ingest: run lock already held by another pipeline run")
	}
	return l, nil
}

// Release frees the advisory lock and returns the pinned connection to the
// pool. Failures are logged by callers, not fatal: dropping the session
// releases the lock anyway.
func (l *RunLock) Release(ctx context.Context) error {
	defer l.releaseConn()

	var err error
	if l.conn != nil {
		_, err = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", runLockKey)
	} else {
		_, err = l.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", runLockKey)
	}
	if err != nil {
		return eris.Wrap(err, "ingest: release run lock")
	}
	zap.L().Debug("run lock released", zap.String("component", "ingest.runlock"))
	return nil
}

func (l *RunLock) releaseConn() {
	if l.conn != nil {
		l.conn.Release()
		l.conn = nil
	}
}

package db

import (
	"context"
	"fmt"
)

// SyncLockKey is the advisory lock key held for the duration of a sync run.
const SyncLockKey int64 = 0x73707479 // "spty"

// TryAdvisoryLock tries to take the session-level advisory lock key on a
// dedicated connection. When acquired, the returned function releases the
// lock and the connection; it must be called exactly once.
func (db *DB) TryAdvisoryLock(ctx context.Context, key int64) (release func(), acquired bool, err error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, false, storeError("acquiring lock connection", err)
	}

	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, storeError("taking advisory lock", fmt.Errorf("key %d: %w", key, err))
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// Unlock even when ctx is already done.
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, true, nil
}

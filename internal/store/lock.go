package store

import (
	"context"
	"time"
)

// TryLock takes the named lock for holder until now+ttl. A lock whose expiry
// has passed is treated as abandoned and may be taken over.
func (s *SQLiteStore) TryLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO advisory_locks (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		     holder = excluded.holder,
		     acquired_at = excluded.acquired_at,
		     expires_at = excluded.expires_at
		 WHERE advisory_locks.expires_at <= ?`,
		name, holder, formatTime(now), formatTime(now.Add(ttl)), formatTime(now))
	if err != nil {
		return false, wrap("acquire lock "+name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("acquire lock "+name, err)
	}
	return n > 0, nil
}

// Unlock releases the named lock if holder still owns it.
func (s *SQLiteStore) Unlock(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM advisory_locks WHERE name = ? AND holder = ?`, name, holder)
	return wrap("release lock "+name, err)
}

// RenewLock pushes the expiry of holder's lock to now+ttl. It returns false
// when holder no longer owns the lock, either because it was released or
// because another holder took it over after it went stale.
func (s *SQLiteStore) RenewLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE advisory_locks SET expires_at = ? WHERE name = ? AND holder = ?`,
		formatTime(s.now().Add(ttl)), name, holder)
	if err != nil {
		return false, wrap("renew lock "+name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("renew lock "+name, err)
	}
	return n > 0, nil
}

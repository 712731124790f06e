package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is matched by every *LockedError
var ErrLocked = errors.New("deployment lease is held")

// LockedError reports the lease that blocked an acquisition
type LockedError struct {
	Held *Lease
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("deployment lease %q is held by %s (%s) until %s",
		e.Held.Key, e.Held.Holder, e.Held.Owner, e.Held.ExpiresAt.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// ErrLeaseLost means a lease being renewed is no longer the one stored for
// its key, because it was broken or taken over after expiring
var ErrLeaseLost = errors.New("deployment lease lost")

// Lease is an exclusive, expiring claim on one pool pair
type Lease struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer binding at now
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Locker hands out deployment leases. A held, unexpired lease for the
// same key makes Acquire fail with ErrLocked. Renew pushes a held lease's
// expiry out to ttl from now.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error
	Release(ctx context.Context, lease *Lease) error
}

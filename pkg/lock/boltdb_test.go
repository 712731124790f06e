package lock

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) *BoltLocker {
	t.Helper()
	l, err := NewBoltLocker(filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	return l
}

func TestAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	l := newTestLocker(t)

	lease, err := l.Acquire(ctx, "dev-app", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "dev-app", lease.Key)
	assert.NotEmpty(t, lease.Holder)
	assert.Equal(t, lease.AcquiredAt.Add(time.Hour), lease.ExpiresAt)

	_, err = l.Acquire(ctx, "dev-app", time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	var locked *LockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, lease.Holder, locked.Held.Holder)

	require.NoError(t, l.Release(ctx, lease))

	stored, err := l.Get("dev-app")
	require.NoError(t, err)
	assert.Nil(t, stored)

	_, err = l.Acquire(ctx, "dev-app", time.Hour)
	assert.NoError(t, err)
}

func TestDistinctKeysDoNotConflict(t *testing.T) {
	ctx := context.Background()
	l := newTestLocker(t)

	_, err := l.Acquire(ctx, "dev-app", time.Hour)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "prod-app", time.Hour)
	assert.NoError(t, err)
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	l := newTestLocker(t)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	first, err := l.Acquire(ctx, "dev-app", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	second, err := l.Acquire(ctx, "dev-app", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Holder, second.Holder)

	// Releasing the stale lease must not drop the new holder's claim.
	require.NoError(t, l.Release(ctx, first))
	stored, err := l.Get("dev-app")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, second.Holder, stored.Holder)
}

func TestAcquireRejectsNonPositiveTTL(t *testing.T) {
	l := newTestLocker(t)
	_, err := l.Acquire(context.Background(), "dev-app", 0)
	assert.Error(t, err)
}

func TestNewBoltLockerBadPath(t *testing.T) {
	_, err := NewBoltLocker(filepath.Join(t.TempDir(), "missing", "dir", "leases.db"))
	assert.Error(t, err)
}

func TestBreakDropsAnyHolder(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "dev-app", time.Hour)
	require.NoError(t, err)

	broken, err := l.Break("dev-app")
	require.NoError(t, err)
	require.NotNil(t, broken)
	assert.Equal(t, held.Holder, broken.Holder)

	_, err = l.Acquire(ctx, "dev-app", time.Hour)
	assert.NoError(t, err)

	broken, err = l.Break("dev-other")
	require.NoError(t, err)
	assert.Nil(t, broken)
}

func TestRenewExtendsLease(t *testing.T) {
	ctx := context.Background()
	l := newTestLocker(t)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	lease, err := l.Acquire(ctx, "dev-app", time.Minute)
	require.NoError(t, err)

	now = now.Add(50 * time.Second)
	require.NoError(t, l.Renew(ctx, lease, time.Minute))
	assert.Equal(t, now.Add(time.Minute), lease.ExpiresAt)

	// Past the original expiry the renewed lease still blocks others.
	now = now.Add(30 * time.Second)
	_, err = l.Acquire(ctx, "dev-app", time.Minute)
	assert.True(t, errors.Is(err, ErrLocked))

	stored, err := l.Get("dev-app")
	require.NoError(t, err)
	assert.True(t, stored.ExpiresAt.Equal(lease.ExpiresAt))
}

func TestRenewLostLease(t *testing.T) {
	ctx := context.Background()
	l := newTestLocker(t)

	lease, err := l.Acquire(ctx, "dev-app", time.Hour)
	require.NoError(t, err)
	_, err = l.Break("dev-app")
	require.NoError(t, err)

	err = l.Renew(ctx, lease, time.Hour)
	assert.True(t, errors.Is(err, ErrLeaseLost))

	other, err := l.Acquire(ctx, "dev-app", time.Hour)
	require.NoError(t, err)
	err = l.Renew(ctx, lease, time.Hour)
	assert.True(t, errors.Is(err, ErrLeaseLost))

	require.NoError(t, l.Renew(ctx, other, time.Hour))
}

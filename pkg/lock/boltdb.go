package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketLeases = []byte("leases")

// BoltLocker implements Locker on a bbolt file. The database is opened
// per call so that separate processes on one host can share the file.
type BoltLocker struct {
	path  string
	owner string
	now   func() time.Time
}

// NewBoltLocker creates a locker backed by the file at path
func NewBoltLocker(path string) (*BoltLocker, error) {
	owner, err := os.Hostname()
	if err != nil {
		owner = "unknown"
	}
	l := &BoltLocker{
		path:  path,
		owner: fmt.Sprintf("%s/%d", owner, os.Getpid()),
		now:   time.Now,
	}

	// Create the bucket up front so a bad path fails early.
	if err := l.update(func(tx *bolt.Tx) error { return nil }); err != nil {
		return nil, err
	}
	return l, nil
}

// Acquire claims key for ttl
func (l *BoltLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive, got %v", ttl)
	}

	now := l.now()
	lease := &Lease{
		Key:        key,
		Holder:     uuid.NewString(),
		Owner:      l.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	err := l.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if data := b.Get([]byte(key)); data != nil {
			var held Lease
			if err := json.Unmarshal(data, &held); err != nil {
				return fmt.Errorf("failed to decode lease %s: %w", key, err)
			}
			if !held.Expired(now) {
				return &LockedError{Held: &held}
			}
		}

		data, err := json.Marshal(lease)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Renew extends lease to ttl from now and updates lease.ExpiresAt. It fails
// with ErrLeaseLost when another holder, or nobody, owns the key.
func (l *BoltLocker) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("lease ttl must be positive, got %v", ttl)
	}

	expires := l.now().Add(ttl)
	err := l.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(lease.Key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrLeaseLost, lease.Key)
		}
		var held Lease
		if err := json.Unmarshal(data, &held); err != nil {
			return fmt.Errorf("failed to decode lease %s: %w", lease.Key, err)
		}
		if held.Holder != lease.Holder {
			return fmt.Errorf("%w: %s is held by %s", ErrLeaseLost, lease.Key, held.Holder)
		}

		held.ExpiresAt = expires
		data, err := json.Marshal(&held)
		if err != nil {
			return err
		}
		return b.Put([]byte(lease.Key), data)
	})
	if err != nil {
		return err
	}
	lease.ExpiresAt = expires
	return nil
}

// Release drops the lease if it is still the one stored for its key
func (l *BoltLocker) Release(ctx context.Context, lease *Lease) error {
	return l.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(lease.Key))
		if data == nil {
			return nil
		}
		var held Lease
		if err := json.Unmarshal(data, &held); err != nil {
			return fmt.Errorf("failed to decode lease %s: %w", lease.Key, err)
		}
		if held.Holder != lease.Holder {
			return nil
		}
		return b.Delete([]byte(lease.Key))
	})
}

// Get returns the lease stored for key, expired or not, or nil
func (l *BoltLocker) Get(key string) (*Lease, error) {
	var lease *Lease
	err := l.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLeases).Get([]byte(key))
		if data == nil {
			return nil
		}
		lease = &Lease{}
		return json.Unmarshal(data, lease)
	})
	return lease, err
}

// Break removes whatever lease is stored for key and returns it. It is the
// operator escape hatch for a run that died without releasing.
func (l *BoltLocker) Break(key string) (*Lease, error) {
	var broken *Lease
	err := l.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		broken = &Lease{}
		if err := json.Unmarshal(data, broken); err != nil {
			return fmt.Errorf("failed to decode lease %s: %w", key, err)
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return nil, err
	}
	return broken, nil
}

func (l *BoltLocker) open() (*bolt.DB, error) {
	db, err := bolt.Open(l.path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open lease database %s: %w", l.path, err)
	}
	return db, nil
}

func (l *BoltLocker) update(fn func(tx *bolt.Tx) error) error {
	db, err := l.open()
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLeases); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketLeases, err)
		}
		return fn(tx)
	})
}

func (l *BoltLocker) view(fn func(tx *bolt.Tx) error) error {
	db, err := l.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

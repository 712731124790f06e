package wait

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBudgetExceeded is matched by every *BudgetError
var ErrBudgetExceeded = errors.New("wait budget exceeded")

// BudgetError is returned when a bounded wait runs out of time
type BudgetError struct {
	Description string
	Budget      time.Duration
	Waited      time.Duration
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("timeout waiting for: %s (waited %v, budget %v)", e.Description, e.Waited, e.Budget)
}

func (e *BudgetError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

// Condition reports whether the awaited state has been reached. A non-nil
// error stops the wait immediately; only "not yet" is retried.
type Condition func(ctx context.Context) (bool, error)

// Sleeper blocks for d or until ctx is done
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper
type SleeperFunc func(ctx context.Context, d time.Duration) error

func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// RealSleeper sleeps on a timer and wakes early on cancellation
var RealSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// Poller polls a condition at a fixed interval
type Poller struct {
	interval time.Duration
	budget   time.Duration
	sleeper  Sleeper
	onPoll   func(poll int)
}

// Option configures a Poller
type Option func(*Poller)

// WithSleeper replaces the timer-based sleeper
func WithSleeper(s Sleeper) Option {
	return func(p *Poller) {
		if s != nil {
			p.sleeper = s
		}
	}
}

// WithPollHook calls fn after every evaluation of the condition, with the
// 1-based poll number
func WithPollHook(fn func(poll int)) Option {
	return func(p *Poller) {
		p.onPoll = fn
	}
}

// NewPoller creates a poller. A zero budget waits without limit.
func NewPoller(interval, budget time.Duration, opts ...Option) *Poller {
	p := &Poller{
		interval: interval,
		budget:   budget,
		sleeper:  RealSleeper,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the fixed delay between polls
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Budget returns the time budget, zero when unbounded
func (p *Poller) Budget() time.Duration {
	return p.budget
}

// Until evaluates cond immediately and then once per interval until it
// reports true, returns an error, the budget is spent, or ctx is done.
// The budget is measured in accumulated sleep so that it is deterministic
// under a fake sleeper.
func (p *Poller) Until(ctx context.Context, description string, cond Condition) error {
	var waited time.Duration
	for poll := 1; ; poll++ {
		done, err := cond(ctx)
		if p.onPoll != nil {
			p.onPoll(poll)
		}
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if p.budget > 0 && waited >= p.budget {
			return &BudgetError{Description: description, Budget: p.budget, Waited: waited}
		}

		if err := p.sleeper.Sleep(ctx, p.interval); err != nil {
			return fmt.Errorf("waiting for %s: %w", description, err)
		}
		waited += p.interval
	}
}

// RecordingSleeper returns immediately and remembers every requested delay
type RecordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

// Sleeps returns the recorded delays in order
func (r *RecordingSleeper) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]time.Duration, len(r.sleeps))
	copy(out, r.sleeps)
	return out
}

// Total returns the sum of the recorded delays
func (r *RecordingSleeper) Total() time.Duration {
	var total time.Duration
	for _, d := range r.Sleeps() {
		total += d
	}
	return total
}

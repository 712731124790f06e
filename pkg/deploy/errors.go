package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CountMismatchError means the naming convention did not yield exactly
// two resources. It indicates misconfiguration.
type CountMismatchError struct {
	Kind     string // "pool" or "balancer"
	Names    []string
	Found    []string
	Expected int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("wrong number of %ss found for %s: expected %d, found %d [%s]",
		e.Kind, strings.Join(e.Names, ", "), e.Expected, len(e.Found), strings.Join(e.Found, ", "))
}

// AmbiguousStateError means zero or more than one member of a pair carries
// the active tag. Automatic repair is unsafe.
type AmbiguousStateError struct {
	Kind   string
	TagKey string
	Names  []string
	Active []string
}

func (e *AmbiguousStateError) Error() string {
	if len(e.Active) == 0 {
		return fmt.Sprintf("no active %s found: none of [%s] carries tag %q",
			e.Kind, strings.Join(e.Names, ", "), e.TagKey)
	}
	return fmt.Sprintf("split-brain: more than one active %s found: [%s] all carry tag %q",
		e.Kind, strings.Join(e.Active, ", "), e.TagKey)
}

// UnsafeCapacityError means an active pool is allowed to scale to zero
type UnsafeCapacityError struct {
	Pool    string
	Min     int
	Desired int
	Max     int
}

func (e *UnsafeCapacityError) Error() string {
	return fmt.Sprintf("active pool %s has zero minimum size (min=%d desired=%d max=%d)",
		e.Pool, e.Min, e.Desired, e.Max)
}

// UnsafeAttachmentError means a balancer attachment change would put a pool
// without healthy capacity behind production traffic, or the attachment
// state is not one the controller can reason about.
type UnsafeAttachmentError struct {
	Pool     string
	Balancer string
	Reason   string
}

func (e *UnsafeAttachmentError) Error() string {
	if e.Balancer == "" {
		return fmt.Sprintf("unsafe attachment on pool %s: %s", e.Pool, e.Reason)
	}
	return fmt.Sprintf("unsafe attachment of pool %s to balancer %s: %s", e.Pool, e.Balancer, e.Reason)
}

// EmptyPoolError means the pool about to become active has no capacity.
// It aborts the swap before any mutation.
type EmptyPoolError struct {
	Pool    string
	Desired int
	Max     int
}

func (e *EmptyPoolError) Error() string {
	return fmt.Sprintf("cannot activate empty pool %s (desired=%d max=%d); run an update first",
		e.Pool, e.Desired, e.Max)
}

// Abort marks the error as a clean, non-fatal stop
func (e *EmptyPoolError) Abort() bool { return true }

// CollisionGuardError means both pools already run the same image, so
// there is nothing to promote
type CollisionGuardError struct {
	ActivePool   string
	InactivePool string
	ImageID      string
}

func (e *CollisionGuardError) Error() string {
	return fmt.Sprintf("pools %s and %s both use image %s; nothing to promote",
		e.ActivePool, e.InactivePool, e.ImageID)
}

// Abort marks the error as a clean, non-fatal stop
func (e *CollisionGuardError) Abort() bool { return true }

// WaitBudgetExceededError means a bounded convergence wait ran out of time.
// The workflow halts in whatever intermediate state it reached.
type WaitBudgetExceededError struct {
	Wait     string
	Resource string
	Budget   time.Duration
	Err      error
}

func (e *WaitBudgetExceededError) Error() string {
	return fmt.Sprintf("exceeded allowable wait time of %v for %s on %s", e.Budget, e.Wait, e.Resource)
}

func (e *WaitBudgetExceededError) Unwrap() error { return e.Err }

// SwapInProgressError means a pool swap stopped part way. Only rerunning
// the pool swap, which resumes it, is safe until it completes.
type SwapInProgressError struct {
	From      string
	To        string
	MarkerKey string
}

func (e *SwapInProgressError) Error() string {
	return fmt.Sprintf("pool swap from %s to %s is unfinished (tag %q on %s); rerun swap-pool to complete it",
		e.From, e.To, e.MarkerKey, e.From)
}

// IsAbort reports whether err is a guard abort rather than a failure
func IsAbort(err error) bool {
	var a interface{ Abort() bool }
	return errors.As(err, &a) && a.Abort()
}

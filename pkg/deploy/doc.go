/*
Package deploy orchestrates blue/green deployments over a pair of
auto-scaled pools and a pair of load balancers.

Which member of each pair is active is recorded only in cloud tags: a pool or
balancer is active when it carries the tag key (default "active"). The
Controller never caches that state between runs; every workflow starts by
resolving a fresh DeploymentTarget from the provider.

# Workflows

	update          discover → [roll image] → match capacity → wait pool → wait balancers
	swap-pool       discover → guards → swap tags → migrate actions → attach → detach → drain
	swap-balancer   discover → attach → detach → swap balancer tags
	update+swap-pool  update, then swap-pool, under one lease

# Pool swap

	┌──────────┐   guards: inactive pool not empty,
	│   idle   │   images differ, InService > 0
	└────┬─────┘
	     ▼
	┌──────────────────┐   mark old active with swapping-to,
	│   tags_swapped   │   delete tag on old active,
	└────┬─────────────┘   create tag on new active
	     ▼
	┌──────────────────────┐   put on new active,
	│  resources_migrated  │   then delete from old active
	└────┬─────────────────┘
	     ▼
	┌──────────────────────┐   attach new active to the active
	│  attached_new_active │   balancer, settle, verify
	└────┬─────────────────┘
	     ▼
	┌──────────────────────┐   detach old active if attached,
	│  detached_old_active │   settle
	└────┬─────────────────┘
	     ▼
	┌──────────────────┐   capacity 0/0/0, wait until the
	│  old_pool_drained│   pool has no instances, clear mark
	└────┬─────────────┘
	     ▼
	   done

Guards fail before anything is mutated. EmptyPoolError and
CollisionGuardError are aborts rather than failures; IsAbort reports them so
the command line can exit cleanly. From the tag swap onward the protocol only
moves forward: a failed step is not rolled back. Each step reads current
state first and skips calls whose effect is already present.

# Resuming

Once the active tag has moved, the tags alone would make a rerun swap back.
The pool being replaced therefore carries SwapMarkerKey (default
"swapping-to") naming its successor from before the tag swap until it has
drained. A swap-pool run that finds the mark skips the guards and resumes
with the roles the mark records; update and swap-balancer refuse to run with
a *SwapInProgressError. An interrupted balancer swap is recognised from the
active pool's attachments: attached behind the untagged balancer, or behind
one balancer of an untagged pair. SwapReport.Resumed is set in both cases.

# Waits

Capacity, balancer and drain waits poll every PollInterval (15s) and are
unbounded unless CapacityTimeout is set. Attachment settle polls every
SettleInterval (10s) with a SettleBudget (5m); exceeding it returns a
*WaitBudgetExceededError and stops the workflow where it is.

# Mutual exclusion

When a lock.Locker is configured every workflow holds a lease keyed by the
pool prefix, so two invocations cannot race on the same pool pair. The lease
is renewed every LeaseTTL/2 for as long as the workflow runs, so unbounded
waits do not outlive it. A renewal that finds the lease broken or taken over
cancels the workflow.
*/
package deploy

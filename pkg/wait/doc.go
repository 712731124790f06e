/*
Package wait provides the polling primitive used by every convergence wait.

A Poller evaluates a Condition, sleeps for a fixed interval and tries again.
There is no jitter and no backoff growth: cloud control planes are polled at
a steady rate. A Poller with a zero budget waits until the condition holds or
its context is cancelled; a Poller with a budget returns a *BudgetError once
the accumulated sleep reaches the budget.

	p := wait.NewPoller(10*time.Second, 5*time.Minute)
	err := p.Until(ctx, "attachments to settle", func(ctx context.Context) (bool, error) {
		atts, err := provider.DescribePoolBalancerAttachments(ctx, pool)
		if err != nil {
			return false, err
		}
		return allInService(atts), nil
	})
	if errors.Is(err, wait.ErrBudgetExceeded) {
		// abort the workflow
	}

Tests swap the timer for a RecordingSleeper so waits return instantly while
still asserting the interval used on every iteration.
*/
package wait

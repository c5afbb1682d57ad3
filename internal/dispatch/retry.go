package dispatch

// RetryPolicy runs an action up to MaxAttempts times. OnFailedAttempt
// fires after every failed attempt; OnRetry fires before every attempt
// past the first, i.e. only when the policy is about to actually
// retry. Both hooks are optional and any panic inside one is swallowed
// so a broken hook can't break retrying.
type RetryPolicy struct {
	MaxAttempts     int
	OnRetry         func(attempt int, lastErr error)
	OnFailedAttempt func(attempt int, err error)
}

// NewRetryPolicy builds a RetryPolicy with no hooks attached.
func NewRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryPolicy{MaxAttempts: maxAttempts}
}

// Do runs action, retrying on error up to MaxAttempts times. It
// returns the last error once attempts are exhausted, or nil on the
// first success.
func (p RetryPolicy) Do(action func() error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			safeHook(func() {
				if p.OnRetry != nil {
					p.OnRetry(attempt, lastErr)
				}
			})
		}

		lastErr = action()
		if lastErr == nil {
			return nil
		}

		safeHook(func() {
			if p.OnFailedAttempt != nil {
				p.OnFailedAttempt(attempt, lastErr)
			}
		})
	}
	return lastErr
}

func safeHook(f func()) {
	defer func() { _ = recover() }()
	f()
}

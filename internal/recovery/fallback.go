package recovery

import "context"

// step is one remediation attempt. Leaf steps record themselves; composed
// steps are not recorded.
type step func(ctx context.Context) error

// tryGracefulElse runs graceful and, when it fails or times out, invasive in
// the same cycle. A failed graceful attempt is not fatal.
func tryGracefulElse(graceful, invasive step) step {
	return func(ctx context.Context) error {
		if err := graceful(ctx); err == nil {
			return nil
		}
		return invasive(ctx)
	}
}

// ladder folds steps from least to most invasive with tryGracefulElse.
func ladder(steps ...step) step {
	if len(steps) == 0 {
		return func(context.Context) error { return nil }
	}
	s := steps[len(steps)-1]
	for i := len(steps) - 2; i >= 0; i-- {
		s = tryGracefulElse(steps[i], s)
	}
	return s
}

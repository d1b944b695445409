package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/glmharness/internal/poll"
)

// KeyLister lists the keys the service stores. cluster.Client satisfies it.
type KeyLister interface {
	ListKeys(ctx context.Context) ([]string, error)
}

// StoreView checks that imported files are visible in the service's key
// store before anything parses them. It is a single listing call, not a
// job, so it is timed against its budget directly.
type StoreView struct {
	Imported ImportOutput
	Files    []string
}

// StoreViewOutput is the listing the check saw.
type StoreViewOutput struct {
	Keys []string
}

func (StoreViewOutput) output() {}

func (StoreView) Name() string { return "store_view" }

// Run lists the store once. now measures the call against the budget.
func (s StoreView) Run(ctx context.Context, l KeyLister, budget poll.Budget, now func() time.Time) Result {
	res := Result{Stage: s.Name(), State: NotStarted}
	res.Outcome.Budget = budget
	start := now()

	finish := func(state State, err error) Result {
		res.State = state
		res.Err = err
		res.Outcome.State = state.String()
		res.Outcome.Err = err
		res.Outcome.Elapsed = now().Sub(start)
		return res
	}

	want := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		key, err := s.Imported.KeyFor(f)
		if err != nil {
			return finish(NotStarted, fmt.Errorf("%s: %w", s.Name(), err))
		}
		want = append(want, key)
	}

	callCtx, cancel := context.WithTimeout(ctx, budget.Limit)
	defer cancel()

	listed, err := l.ListKeys(callCtx)
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return finish(TimedOut, fmt.Errorf("%w: %s after %s", poll.ErrTimedOut, s.Name(), budget.Limit))
	case err != nil:
		return finish(Failed, fmt.Errorf("%s: %w", s.Name(), err))
	}

	stored := make(map[string]bool, len(listed))
	for _, k := range listed {
		stored[k] = true
	}
	var missing []string
	for _, k := range want {
		if !stored[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return finish(Failed, fmt.Errorf("%w: %s", ErrKeyNotVisible, strings.Join(missing, ", ")))
	}

	res.Output = StoreViewOutput{Keys: listed}
	return finish(Succeeded, nil)
}

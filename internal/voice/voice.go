package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrUnavailable wraps any failure talking to the voice platform
	ErrUnavailable = errors.New("voice: platform unavailable")
	// ErrPollTimeout is returned when a flow does not finish within the polling bounds
	ErrPollTimeout = errors.New("voice: flow did not finish in time")
)

// Handle identifies one running flow execution
type Handle struct {
	ScriptID     string
	ExecutionSID string
}

// Step is one completed step of a flow execution
type Step struct {
	SID  string
	Name string
}

// Status is a snapshot of a flow execution
type Status struct {
	Finished  bool
	State     string
	Steps     []Step
	Variables map[string]string // answers captured by the flow, set once finished
}

// Platform starts and observes interaction scripts on the voice platform
type Platform interface {
	Start(ctx context.Context, scriptID, phone string) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
}

// Poller waits for flow executions with a bounded number of polls
type Poller struct {
	Platform Platform
	Interval time.Duration
	Attempts int
}

var errRunning = errors.New("voice: flow still running")

// Await polls until the execution finishes. It gives up with ErrPollTimeout after Attempts polls
// and returns the context error if ctx ends first.
func (p *Poller) Await(ctx context.Context, h Handle) (Status, error) {
	var (
		last    Status
		lastErr error
	)
	op := func() error {
		st, err := p.Platform.Poll(ctx, h)
		if err != nil {
			lastErr = err
			return err
		}
		last, lastErr = st, nil
		if !st.Finished {
			return errRunning
		}
		return nil
	}

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return last, fmt.Errorf("waiting for execution %s: %w", h.ExecutionSID, ctxErr)
		}
		if lastErr != nil {
			return last, fmt.Errorf("%w: execution %s: %v", ErrUnavailable, h.ExecutionSID, lastErr)
		}
		return last, fmt.Errorf("%w: execution %s still %q after %d polls", ErrPollTimeout, h.ExecutionSID, last.State, attempts)
	}
	return last, nil
}

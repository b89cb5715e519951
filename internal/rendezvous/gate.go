package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MEKXH/signoff/internal/approval"
)

// ErrNotPrompted is returned by Gate when no approver was reached, so no
// decision can arrive.
var ErrNotPrompted = errors.New("rendezvous: request was not prompted")

// Submitter accepts approval requests and reports their records.
// approval.Service and the gateway client both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, req approval.Request) (approval.SubmitResult, error)
	Status(ctx context.Context, id string) (approval.State, error)
}

// Gate registers a handle for req, submits it and waits up to the request
// deadline for the decision. A duplicate of an already decided record
// returns the stored decision; a duplicate that is still open waits.
func (c *Coordinator) Gate(ctx context.Context, s Submitter, req approval.Request) (approval.Decision, error) {
	if _, err := c.Register(req.ID); err != nil {
		return approval.Decision{}, err
	}

	res, err := s.Submit(ctx, req)
	if err != nil {
		c.Cancel(req.ID)
		return approval.Decision{}, fmt.Errorf("submit %s: %w", req.ID, err)
	}
	if res.Status == approval.SubmitRateLimited {
		c.Cancel(req.ID)
		return approval.Decision{}, fmt.Errorf("%w: %s", ErrNotPrompted, res.Status)
	}
	if res.Status == approval.SubmitDuplicate {
		st, err := s.Status(ctx, req.ID)
		if err != nil {
			c.Cancel(req.ID)
			return approval.Decision{}, fmt.Errorf("status %s: %w", req.ID, err)
		}
		if st.Status.IsTerminal() {
			c.Cancel(req.ID)
			return approval.NewDecision(st)
		}
	}

	timeout := time.Duration(req.DeadlineSeconds) * time.Second
	if timeout <= 0 {
		timeout = approval.DefaultDeadline
	}
	return c.Await(ctx, req.ID, timeout)
}

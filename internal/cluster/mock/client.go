// Package mock provides a scripted cluster.Client for tests.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kiranshivaraju/glmharness/internal/cluster"
	"github.com/kiranshivaraju/glmharness/pkg/models"
)

// Step is one scripted answer to a Poll call.
type Step struct {
	Status models.JobStatus
	Err    error
}

// Submission records one Submit call.
type Submission struct {
	Handle  models.JobHandle
	Kind    models.JobKind
	Payload models.Payload
	// Seq counts submissions of the same kind, starting at zero.
	Seq int
}

// Responder returns the poll script for a submission, or an error to fail
// the Submit call itself. The last step of a script repeats forever.
type Responder func(sub Submission) ([]Step, error)

// Client satisfies cluster.Client with per-kind scripted responses.
type Client struct {
	mu         sync.Mutex
	responders map[models.JobKind]Responder
	ReadyErr   error
	// KeysFunc, when set, answers ListKeys instead of the recorded store.
	KeysFunc func() ([]string, error)

	submissions []Submission
	scripts     map[models.JobHandle][]Step
	polls       map[models.JobHandle]int
	terminal    map[models.JobHandle]bool
	violations  []models.JobHandle
	perKind     map[models.JobKind]int
	stored      map[string]bool
	listCalls   int
}

// NewClient returns a Client with no responders; unscripted kinds are rejected.
func NewClient() *Client {
	return &Client{
		responders: make(map[models.JobKind]Responder),
		scripts:    make(map[models.JobHandle][]Step),
		polls:      make(map[models.JobHandle]int),
		terminal:   make(map[models.JobHandle]bool),
		perKind:    make(map[models.JobKind]int),
		stored:     make(map[string]bool),
	}
}

// On installs the responder for a job kind and returns the client for chaining.
func (c *Client) On(kind models.JobKind, r Responder) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responders[kind] = r
	return c
}

func (c *Client) Submit(_ context.Context, kind models.JobKind, payload models.Payload) (models.JobHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.responders[kind]
	if !ok {
		return "", fmt.Errorf("%w: no script for kind %q", cluster.ErrRequestRejected, kind)
	}

	sub := Submission{
		Handle:  models.JobHandle(fmt.Sprintf("mock-%s-%d", kind, len(c.submissions))),
		Kind:    kind,
		Payload: payload,
		Seq:     c.perKind[kind],
	}
	c.perKind[kind]++

	steps, err := r(sub)
	if err != nil {
		return "", err
	}
	if len(steps) == 0 {
		steps = []Step{{Status: models.Running(0)}}
	}

	c.submissions = append(c.submissions, sub)
	c.scripts[sub.Handle] = steps
	return sub.Handle, nil
}

func (c *Client) Poll(_ context.Context, handle models.JobHandle) (models.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	steps, ok := c.scripts[handle]
	if !ok {
		return models.JobStatus{}, fmt.Errorf("%w: %s", cluster.ErrUnknownHandle, handle)
	}
	if c.terminal[handle] {
		c.violations = append(c.violations, handle)
	}

	i := c.polls[handle]
	c.polls[handle]++
	if i >= len(steps) {
		i = len(steps) - 1
	}

	step := steps[i]
	if step.Err != nil {
		return models.JobStatus{}, step.Err
	}

	status := step.Status
	status.Handle = handle
	if status.IsTerminal() {
		c.terminal[handle] = true
	}
	if status.State == models.JobStateSucceeded {
		c.store(status.Result)
	}
	return status, nil
}

// store records the keys a succeeded result names, so ListKeys sees what a
// real service would hold.
func (c *Client) store(result models.Payload) {
	add := func(v any) {
		if k, ok := v.(string); ok && k != "" {
			c.stored[k] = true
		}
	}
	keys, _ := result["keys"].([]any)
	if files, ok := result["files"].([]any); ok {
		for i, f := range files {
			if i < len(keys) {
				add(keys[i])
			} else {
				add(f)
			}
		}
	}
	if entries, ok := result["succeeded"].([]any); ok {
		for _, e := range entries {
			if m, ok := e.(map[string]any); ok {
				add(m["key"])
			}
		}
	}
	add(result["destination_key"])
	add(result["model_key"])
}

func (c *Client) ListKeys(_ context.Context) ([]string, error) {
	c.mu.Lock()
	c.listCalls++
	fn := c.KeysFunc
	out := make([]string, 0, len(c.stored))
	for k := range c.stored {
		out = append(out, k)
	}
	c.mu.Unlock()

	if fn != nil {
		return fn()
	}
	sort.Strings(out)
	return out, nil
}

// ListCount returns how many times ListKeys was called.
func (c *Client) ListCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listCalls
}

func (c *Client) Ready(_ context.Context) error {
	return c.ReadyErr
}

// Submissions returns a copy of all recorded submissions in call order.
func (c *Client) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Submission, len(c.submissions))
	copy(out, c.submissions)
	return out
}

// SubmitCount returns how many jobs of the given kind were submitted.
func (c *Client) SubmitCount(kind models.JobKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.submissions {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

// PollCount returns how many times a handle was polled.
func (c *Client) PollCount(handle models.JobHandle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls[handle]
}

// PolledAfterTerminal lists handles polled again after a terminal status.
func (c *Client) PolledAfterTerminal() []models.JobHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.JobHandle, len(c.violations))
	copy(out, c.violations)
	return out
}

// Always answers every submission with the same script.
func Always(steps ...Step) Responder {
	return func(Submission) ([]Step, error) { return steps, nil }
}

// Reject fails every submission with err.
func Reject(err error) Responder {
	return func(Submission) ([]Step, error) { return nil, err }
}

// RunningThen returns n running steps followed by final.
func RunningThen(n int, final models.JobStatus) []Step {
	steps := make([]Step, 0, n+1)
	for i := 0; i < n; i++ {
		steps = append(steps, Step{Status: models.Running(float64(i) / float64(n+1))})
	}
	return append(steps, Step{Status: final})
}

// Compile-time check that Client implements cluster.Client.
var _ cluster.Client = (*Client)(nil)

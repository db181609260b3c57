package client

import (
	"context"
	"time"

	"github.com/cuemby/taskcoordinator/pkg/coordinator"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// Client is the programmatic entry point named in the module's
// expanded scope: Submit/Wait/Cancel against an embedded coordinator,
// plus the Task builder in task.go, instead of requiring a caller to
// reach into pkg/coordinator and pkg/types directly.
type Client struct {
	coord *coordinator.Coordinator
}

// New wraps an already-constructed coordinator. The coordinator's own
// Serve loop still owns the listener and dispatch; Client only adds
// the task-construction surface around Submit/Wait/Cancel.
func New(coord *coordinator.Coordinator) *Client {
	return &Client{coord: coord}
}

// Submit hands t to the coordinator and returns its assigned task ID.
func (c *Client) Submit(t *Task) (int64, error) {
	return c.coord.Submit(t.Task)
}

// Wait blocks up to timeout for the next retrieved task, optionally
// filtered by tag, returning nil on timeout.
func (c *Client) Wait(ctx context.Context, timeout time.Duration, tag string) *types.Task {
	return c.coord.Wait(ctx, timeout, tag)
}

// CancelByTaskID cancels one task by ID.
func (c *Client) CancelByTaskID(taskID int64) (*types.Task, error) {
	return c.coord.CancelByTaskID(taskID)
}

// CancelByTag cancels every task sharing tag.
func (c *Client) CancelByTag(tag string) []*types.Task {
	return c.coord.CancelByTag(tag)
}

// Hungry reports how many additional tasks the coordinator could
// absorb right now, for callers pacing their own submit loop.
func (c *Client) Hungry() int {
	return c.coord.Hungry()
}

// Category returns the named category's policy record for tuning
// resource allocation ahead of submitting tasks into it.
func (c *Client) Category(name string) *types.Category {
	return c.coord.Category(name)
}

// Clean resets a retrieved task's transient per-attempt fields so it
// can be resubmitted.
func (c *Client) Clean(t *Task, full bool) {
	c.coord.Clean(t.Task, full)
}

// DrainWorker marks a worker for draining (§4.2): it stops receiving
// new tasks and is disconnected once its current work finishes.
func (c *Client) DrainWorker(hashkey string) {
	c.coord.DrainWorker(hashkey)
}

// InvalidateArtifact broadcasts invalidate <fingerprint> to every
// connected worker (§4.6), canceling and resubmitting any running task
// that depends on the dropped artifact.
func (c *Client) InvalidateArtifact(fingerprint string) {
	c.coord.InvalidateArtifact(fingerprint)
}

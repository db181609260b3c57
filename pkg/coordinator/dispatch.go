package coordinator

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/cuemby/taskcoordinator/pkg/fingerprint"
	"github.com/cuemby/taskcoordinator/pkg/metrics"
	"github.com/cuemby/taskcoordinator/pkg/observability"
	"github.com/cuemby/taskcoordinator/pkg/protocol"
	"github.com/cuemby/taskcoordinator/pkg/scheduler"
	"github.com/cuemby/taskcoordinator/pkg/transfer"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// dispatch runs the scheduler at most once per iteration (§4.7 step 4),
// issuing dispatches until either the ready queue or the eligible-
// worker set is empty. Large-task warnings are also checked here since
// both read the same ready-queue/worker snapshot.
func (c *Coordinator) dispatch(ctx context.Context) {
	ready := c.tasks.ReadyQueue()
	if len(ready) == 0 {
		return
	}
	workers := c.registry.All()
	if len(workers) == 0 {
		return
	}

	c.mu.Lock()
	categoriesSnapshot := make(map[string]*types.Category, len(c.categories))
	for k, v := range c.categories {
		categoriesSnapshot[k] = v
	}
	c.mu.Unlock()
	scheduler.CheckLargeTasks(ready, workers, categoriesSnapshot, nil)

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	for {
		ready = c.tasks.ReadyQueue()
		if len(ready) == 0 {
			return
		}
		task := c.scheduler.SelectTask(ready)
		if task == nil {
			return
		}
		cat := c.Category(task.Category)
		effective := cat.EffectiveAllocation(task.Requested, task.ResourceAttempt)

		var eligible []*types.Worker
		for _, w := range c.registry.All() {
			if scheduler.Eligible(task, w, effective, c.cfg.SubmitMultiplier, c.registry.Blocked, timeNow()) {
				eligible = append(eligible, w)
			}
		}
		if len(eligible) == 0 {
			return
		}
		worker := c.scheduler.SelectWorker(task, eligible, cat)
		if worker == nil {
			return
		}

		c.dispatchTo(ctx, task, worker, effective)
		metrics.TasksDispatchedTotal.WithLabelValues(task.Category).Inc()
	}
}

// dispatchTo sends the task envelope and inputs to worker, and updates
// committed resources and task state (§4.4).
func (c *Coordinator) dispatchTo(ctx context.Context, task *types.Task, worker *types.Worker, effective types.Resources) {
	c.mu.Lock()
	link, ok := c.links[worker.Hashkey]
	c.mu.Unlock()
	if !ok {
		return
	}

	for i, in := range task.Inputs {
		fp, err := fingerprint.Compute(in)
		if err == nil {
			task.Inputs[i].Fingerprint = fp
		}
	}

	task.Allocated = effective
	task.TryCount++
	task.TimeCommitStart = timeNow()
	task.Correlation = uuid.New().String()

	if err := link.conn.WriteLine(protocol.DefaultShortTimeout, protocol.TaskHeader{TaskID: task.ID}.Encode()); err != nil {
		c.handleWorkerLoss(worker.Hashkey)
		return
	}

	envelope := protocol.TaskEnvelope{
		Command:         task.Command,
		Coprocess:       task.Coprocess,
		Cores:           effective.Cores,
		MemoryMB:        effective.MemoryMB,
		DiskMB:          effective.DiskMB,
		GPUs:            effective.GPUs,
		WallTimeSeconds: int64(effective.WallTime.Seconds()),
		EnvCount:        len(task.Env),
		OutputCount:     len(task.Outputs),
		InputCount:      len(task.Inputs),
	}
	if err := link.conn.WriteLine(protocol.DefaultShortTimeout, envelope.Encode()); err != nil {
		c.handleWorkerLoss(worker.Hashkey)
		return
	}
	for _, kv := range task.Env {
		if err := link.conn.WriteLine(protocol.DefaultShortTimeout, protocol.TaskEnvVar{Assignment: kv}.Encode()); err != nil {
			c.handleWorkerLoss(worker.Hashkey)
			return
		}
	}
	for _, out := range task.Outputs {
		spec := protocol.TaskOutputSpec{RemoteName: out.RemoteName, Flags: uint8(out.Flags)}
		if err := link.conn.WriteLine(protocol.DefaultShortTimeout, spec.Encode()); err != nil {
			c.handleWorkerLoss(worker.Hashkey)
			return
		}
	}

	// Inputs stream over this one connection in order: the wire protocol
	// is a single framed sequence, so transfers to one worker cannot run
	// concurrently with each other (only across distinct workers' own
	// connections, which the accept-handshake fanout exploits instead).
	opts := transfer.PutOptions{MinTimeout: c.cfg.PutMinTimeout, BytesPerSecond: c.cfg.BytesPerSecond}
	for _, in := range task.Inputs {
		if err := transfer.Put(link.conn, transfer.OSSource{}, worker, in, opts); err != nil {
			if errors.Is(err, transfer.ErrSourceUnavailable) {
				// The input never left the coordinator: no resources were
				// committed and the worker link is still healthy, so this
				// is an app failure (ds_manager_put.c: DS_APP_FAILURE),
				// not a worker failure. Terminate the task instead of
				// retrying it forever against a worker that can't help.
				c.log.Warn().Err(err).Int64("task_id", task.ID).Msg("input source unavailable")
				task.Result = types.MergeResult(task.Result, types.ResultInputMissing)
				c.tasks.RemoveFromReady(task.ID)
				c.tasks.MarkRetrieved(task)
				return
			}
			c.log.Warn().Err(err).Int64("task_id", task.ID).Msg("input transfer failed")
			c.handleWorkerLoss(worker.Hashkey)
			return
		}
	}

	c.tasks.RemoveFromReady(task.ID)
	task.State = types.TaskRunning
	task.WorkerID = worker.Hashkey
	worker.InFlight[task.ID] = true
	worker.Committed.Cores += effective.Cores
	worker.Committed.MemoryMB += effective.MemoryMB
	worker.Committed.DiskMB += effective.DiskMB
	worker.Committed.GPUs += effective.GPUs

	if c.txnLog != nil {
		c.txnLog.Record(observability.TransactionRecord{Time: timeNow(), TaskID: task.ID, Event: "DISPATCHED", WorkerID: worker.Hashkey, Correlation: task.Correlation})
	}
}

// RequeueAtMax retries a task at the MAX resource-request bucket after
// a FIRST-attempt resource exhaustion, per §4.3.
func (c *Coordinator) RequeueAtMax(task *types.Task) {
	if task.ResourceAttempt == types.AttemptMax {
		task.Result = types.MergeResult(task.Result, types.ResultResourceExhaustion)
		task.State = types.TaskRetrieved
		c.tasks.MarkRetrieved(task)
		return
	}
	task.ResourceAttempt = types.AttemptMax
	task.ExhaustedAttempts++
	c.tasks.Requeue(task)
}

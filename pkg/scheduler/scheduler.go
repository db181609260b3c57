// Package scheduler implements the (task, worker) pairing policies from
// spec §4.3: task-level selection first, then worker-level selection
// under an eligibility filter that enforces resource, feature, and
// blocklist/draining constraints.
package scheduler

import (
	"math/rand"
	"time"

	"github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// Policy selects which ready task to dispatch next.
type Policy int

const (
	// PolicyRand is the default: pick a random ready task.
	PolicyRand Policy = iota
	PolicyFCFS
	PolicyFiles
	PolicyTime
	PolicyWorst
)

// Scheduler chooses (task, worker) pairs under the configured policy.
// It holds no task/worker storage of its own; callers pass in the
// current ready queue and worker set each cycle, mirroring the
// teacher's scheduler taking the manager's live collections rather
// than duplicating them.
type Scheduler struct {
	policy           Policy
	submitMultiplier float64
	rng              *rand.Rand

	// workerCategoryMean tracks, per worker hashkey and category, a
	// rolling mean completed-task runtime for the TIME policy — a
	// narrower scope than the category-wide mean used by fast-abort.
	workerCategoryMean map[string]map[string]float64
	workerCategoryN    map[string]map[string]int64
}

// New returns a scheduler using the given policy. submitMultiplier
// scales a worker's free resources before the fit check (§4.3 bullet
// 2); 1.0 disables over-commit.
func New(policy Policy, submitMultiplier float64) *Scheduler {
	if submitMultiplier <= 0 {
		submitMultiplier = 1.0
	}
	return &Scheduler{
		policy:             policy,
		submitMultiplier:   submitMultiplier,
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
		workerCategoryMean: make(map[string]map[string]float64),
		workerCategoryN:    make(map[string]map[string]int64),
	}
}

// RecordCompletion feeds a completed task's runtime into the
// worker/category mean used by PolicyTime.
func (s *Scheduler) RecordCompletion(workerHashkey, category string, runTime float64) {
	if s.workerCategoryMean[workerHashkey] == nil {
		s.workerCategoryMean[workerHashkey] = make(map[string]float64)
		s.workerCategoryN[workerHashkey] = make(map[string]int64)
	}
	n := s.workerCategoryN[workerHashkey][category]
	mean := s.workerCategoryMean[workerHashkey][category]
	n++
	mean += (runTime - mean) / float64(n)
	s.workerCategoryMean[workerHashkey][category] = mean
	s.workerCategoryN[workerHashkey][category] = n
}

// ResetCategory clears the TIME policy's per-worker rolling mean for
// category, the scheduler-side half of the category resource-history
// reset supplement (types.Category.ResetStats covers the other half).
func (s *Scheduler) ResetCategory(category string) {
	for _, means := range s.workerCategoryMean {
		delete(means, category)
	}
	for _, ns := range s.workerCategoryN {
		delete(ns, category)
	}
}

// SelectTask implements task-level selection: every policy picks a
// highest-Priority ready task. RAND breaks ties among them uniformly at
// random; FCFS and FILES/TIME/WORST break ties by queue order, the
// latter three because their discriminating
// signal is which *worker* to use, not which task to run first — the
// worker-level choice in SelectWorker is where those policies bite.
func (s *Scheduler) SelectTask(ready []*types.Task) *types.Task {
	if len(ready) == 0 {
		return nil
	}
	switch s.policy {
	case PolicyRand:
		return highestPriority(ready, s.rng)
	default:
		return highestPriority(ready, nil)
	}
}

// highestPriority returns the ready task with the highest Priority,
// breaking ties by queue order (stable, earliest first) unless rng is
// non-nil, in which case ties are broken uniformly at random —
// implementing "priority biases selection" (§3) on top of either FCFS
// or RAND ordering.
func highestPriority(ready []*types.Task, rng *rand.Rand) *types.Task {
	best := ready[0]
	tied := []*types.Task{best}
	for _, t := range ready[1:] {
		if t.Priority > best.Priority {
			best = t
			tied = []*types.Task{t}
		} else if t.Priority == best.Priority {
			tied = append(tied, t)
		}
	}
	if rng != nil && len(tied) > 1 {
		return tied[rng.Intn(len(tied))]
	}
	return tied[0]
}

// Eligible implements the four-point filter from §4.3: not
// blocked/draining/full, resources fit, features satisfied, and the
// task's end-time (if any) has not already passed.
func Eligible(task *types.Task, worker *types.Worker, effective types.Resources, submitMultiplier float64, blocked func(hashkey, addr string) bool, now time.Time) bool {
	if worker.Draining {
		return false
	}
	if blocked != nil && blocked(worker.Hashkey, worker.Address) {
		return false
	}
	if worker.Full() {
		return false
	}

	free := worker.FreeResources()
	if free.Cores*submitMultiplier < effective.Cores {
		return false
	}
	if float64(free.MemoryMB)*submitMultiplier < float64(effective.MemoryMB) {
		return false
	}
	if float64(free.DiskMB)*submitMultiplier < float64(effective.DiskMB) {
		return false
	}
	if float64(free.GPUs)*submitMultiplier < float64(effective.GPUs) {
		return false
	}

	if !worker.HasFeatures(task.EffectiveFeatures()) {
		return false
	}

	if !task.Requested.End.IsZero() {
		estimate := effective.WallTime
		if now.Add(estimate).After(task.Requested.End) {
			return false
		}
	}

	return true
}

// SelectWorker implements worker-level selection for an already-chosen
// task, given the set of workers that pass Eligible.
func (s *Scheduler) SelectWorker(task *types.Task, eligible []*types.Worker, category *types.Category) *types.Worker {
	if len(eligible) == 0 {
		return nil
	}
	switch s.policy {
	case PolicyFiles:
		return s.selectByFiles(task, eligible)
	case PolicyTime:
		return s.selectByTime(task, eligible, category)
	case PolicyWorst:
		return selectByWorst(eligible)
	default:
		return eligible[0]
	}
}

// selectByFiles picks the worker minimizing (total input footprint -
// cache hit size): the worker already holding the most of this task's
// inputs.
func (s *Scheduler) selectByFiles(task *types.Task, eligible []*types.Worker) *types.Worker {
	total := int64(0)
	for _, in := range task.Inputs {
		total++ // size is not always known ahead of transfer; count artifacts as a proxy
	}

	var best *types.Worker
	var bestFootprint int64 = -1
	for _, w := range eligible {
		hit := int64(0)
		for _, in := range task.Inputs {
			if info, ok := w.Cache[in.Fingerprint]; ok {
				hit += info.Size
			}
		}
		footprint := total - hit
		if bestFootprint == -1 || footprint < bestFootprint {
			bestFootprint = footprint
			best = w
		}
	}
	return best
}

func (s *Scheduler) selectByTime(task *types.Task, eligible []*types.Worker, category *types.Category) *types.Worker {
	var best *types.Worker
	bestMean := -1.0
	for _, w := range eligible {
		mean, ok := s.workerCategoryMean[w.Hashkey][task.Category]
		if !ok {
			// no observation yet: treat as tied-for-best so new workers
			// get a chance to be measured
			mean = 0
		}
		if bestMean < 0 || mean < bestMean {
			bestMean = mean
			best = w
		}
	}
	return best
}

func selectByWorst(eligible []*types.Worker) *types.Worker {
	var best *types.Worker
	var bestFree float64 = -1
	for _, w := range eligible {
		free := w.FreeResources()
		score := free.Cores + float64(free.MemoryMB)/1024 + float64(free.DiskMB)/1024
		if score > bestFree {
			bestFree = score
			best = w
		}
	}
	return best
}

// Hungry reports how many additional tasks the coordinator could
// efficiently absorb right now, per §4.3.
func Hungry(readyCount, dispatchedCount, minimum int) int {
	if readyCount >= minimum {
		return 0
	}
	need := minimum - readyCount
	if need < 0 {
		return 0
	}
	return need
}

// CheckLargeTasks reports each ready task whose effective allocation
// cannot fit any known worker's total resources — the periodic
// large-task warning in §4.3 — by calling logger with its id, or by
// logging a warning itself when logger is nil. It returns nothing and
// never fails the task; with no known workers nothing is reported.
func CheckLargeTasks(ready []*types.Task, workers []*types.Worker, categories map[string]*types.Category, logger func(taskID int64)) {
	for _, t := range ready {
		cat := categories[t.Category]
		if cat == nil {
			cat = types.NewCategory(t.Category)
		}
		eff := cat.EffectiveAllocation(t.Requested, t.ResourceAttempt)
		fits := false
		for _, w := range workers {
			if w.Total.Cores >= eff.Cores && w.Total.MemoryMB >= eff.MemoryMB && w.Total.DiskMB >= eff.DiskMB && w.Total.GPUs >= eff.GPUs {
				fits = true
				break
			}
		}
		if !fits && len(workers) > 0 {
			if logger != nil {
				logger(t.ID)
			} else {
				log.WithComponent("scheduler").Warn().Int64("task_id", t.ID).Msg("ready task cannot fit any known worker")
			}
		}
	}
}

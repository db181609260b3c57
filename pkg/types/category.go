package types

// AllocationMode selects how a category derives its effective per-task
// resource allocation (§3 Category, §4.3).
type AllocationMode int

const (
	AllocationFixed AllocationMode = iota
	AllocationMax
	AllocationMinWaste
	AllocationMaxThroughput
)

// AutolabelBits enables per-resource autolabeling independently.
type AutolabelBits struct {
	Cores    bool
	MemoryMB bool
	DiskMB   bool
	GPUs     bool
}

// Sample is one completed-task resource measurement retained for the
// category's rolling history.
type Sample struct {
	Cores    float64
	MemoryMB int64
	DiskMB   int64
	GPUs     int64
}

// Category holds the per-label resource policy described in §3/§4.3.
type Category struct {
	Name string
	Mode AllocationMode

	Max   Resources
	Min   Resources // per-task/per-worker minimum bounds
	First Resources // first-allocation guess

	Autolabel AutolabelBits

	samples    []Sample
	maxSamples int

	meanRunTime     float64 // seconds, rolling mean for fast-abort and TIME policy
	completedCount  int64
}

// NewCategory returns a category with the given name, defaulted to the
// FIXED allocation mode and a 50-sample rolling history.
func NewCategory(name string) *Category {
	return &Category{
		Name:       name,
		Mode:       AllocationFixed,
		maxSamples: 50,
	}
}

// RecordSample appends a completed-task measurement and updates the
// rolling mean runtime used by the TIME scheduling policy and the
// fast-abort check.
func (c *Category) RecordSample(s Sample, runTime float64) {
	c.samples = append(c.samples, s)
	if len(c.samples) > c.maxSamples {
		c.samples = c.samples[len(c.samples)-c.maxSamples:]
	}
	c.completedCount++
	if c.completedCount == 1 {
		c.meanRunTime = runTime
		return
	}
	// incremental mean whose divisor is the completed count capped at
	// maxSamples: an exact mean for the first maxSamples runs, after
	// which older run times decay instead of being retained.
	c.meanRunTime += (runTime - c.meanRunTime) / float64(min64(c.completedCount, int64(c.maxSamples)))
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MeanRunTime returns the rolling mean runtime in seconds, or 0 if no
// samples have been recorded yet.
func (c *Category) MeanRunTime() float64 { return c.meanRunTime }

// Stats returns a copy of the retained resource-measurement samples,
// the SPEC_FULL supplement grounded in ds_task.c's per-category
// resource-summary accumulation.
func (c *Category) Stats() []Sample {
	out := make([]Sample, len(c.samples))
	copy(out, c.samples)
	return out
}

// ResetStats clears the accumulated history, the SPEC_FULL supplement
// for operators whose workload shape has changed.
func (c *Category) ResetStats() {
	c.samples = nil
	c.meanRunTime = 0
	c.completedCount = 0
}

// EffectiveAllocation computes the per-attempt resource allocation by
// merging the first-allocation guess with the max bounds and widening
// with the min bounds, per §4.3: FIRST yields the first-allocation
// guess (or user-requested values where set), MAX yields the category
// max.
func (c *Category) EffectiveAllocation(requested Resources, attempt ResourceRequestAttempt) Resources {
	base := c.First
	if attempt == AttemptMax {
		base = c.Max
	}

	eff := base
	if requested.Cores > 0 {
		eff.Cores = requested.Cores
	}
	if requested.MemoryMB > 0 {
		eff.MemoryMB = requested.MemoryMB
	}
	if requested.DiskMB > 0 {
		eff.DiskMB = requested.DiskMB
	}
	if requested.GPUs > 0 {
		eff.GPUs = requested.GPUs
	}
	if requested.WallTime > 0 {
		eff.WallTime = requested.WallTime
	}
	if !requested.Start.IsZero() {
		eff.Start = requested.Start
	}
	if !requested.End.IsZero() {
		eff.End = requested.End
	}
	if requested.MinRunningTime > 0 {
		eff.MinRunningTime = requested.MinRunningTime
	}

	// clamp to max bounds so a request never exceeds the category cap
	if c.Max.Cores > 0 && eff.Cores > c.Max.Cores {
		eff.Cores = c.Max.Cores
	}
	if c.Max.MemoryMB > 0 && eff.MemoryMB > c.Max.MemoryMB {
		eff.MemoryMB = c.Max.MemoryMB
	}
	if c.Max.DiskMB > 0 && eff.DiskMB > c.Max.DiskMB {
		eff.DiskMB = c.Max.DiskMB
	}
	if c.Max.GPUs > 0 && eff.GPUs > c.Max.GPUs {
		eff.GPUs = c.Max.GPUs
	}

	// widen with min bounds so the allocation never drops below the floor
	if eff.Cores < c.Min.Cores {
		eff.Cores = c.Min.Cores
	}
	if eff.MemoryMB < c.Min.MemoryMB {
		eff.MemoryMB = c.Min.MemoryMB
	}
	if eff.DiskMB < c.Min.DiskMB {
		eff.DiskMB = c.Min.DiskMB
	}
	if eff.GPUs < c.Min.GPUs {
		eff.GPUs = c.Min.GPUs
	}

	return eff
}

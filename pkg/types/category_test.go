package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveAllocationFirstIsSubsetOfMax(t *testing.T) {
	c := NewCategory("blast")
	c.First = Resources{Cores: 1, MemoryMB: 512}
	c.Max = Resources{Cores: 4, MemoryMB: 4096}

	first := c.EffectiveAllocation(Resources{}, AttemptFirst)
	max := c.EffectiveAllocation(Resources{}, AttemptMax)

	assert.LessOrEqual(t, first.Cores, max.Cores)
	assert.LessOrEqual(t, first.MemoryMB, max.MemoryMB)
}

func TestEffectiveAllocationHonorsUserRequestWithinMax(t *testing.T) {
	c := NewCategory("blast")
	c.First = Resources{Cores: 1}
	c.Max = Resources{Cores: 4}

	eff := c.EffectiveAllocation(Resources{Cores: 2}, AttemptFirst)
	assert.Equal(t, 2.0, eff.Cores)

	// a request above max is clamped down to max
	eff = c.EffectiveAllocation(Resources{Cores: 10}, AttemptFirst)
	assert.Equal(t, 4.0, eff.Cores)
}

func TestEffectiveAllocationWidensToMin(t *testing.T) {
	c := NewCategory("blast")
	c.Min = Resources{Cores: 2}
	c.Max = Resources{Cores: 4}

	eff := c.EffectiveAllocation(Resources{}, AttemptFirst)
	assert.GreaterOrEqual(t, eff.Cores, 2.0)
}

func TestRecordSampleUpdatesRollingMean(t *testing.T) {
	c := NewCategory("blast")
	c.RecordSample(Sample{Cores: 1}, 10)
	assert.Equal(t, 10.0, c.MeanRunTime())
	c.RecordSample(Sample{Cores: 1}, 20)
	assert.InDelta(t, 15.0, c.MeanRunTime(), 0.001)
	assert.Len(t, c.Stats(), 2)

	c.ResetStats()
	assert.Equal(t, 0.0, c.MeanRunTime())
	assert.Empty(t, c.Stats())
}

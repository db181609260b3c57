package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/taskcoordinator/pkg/types"
)

func TestSelectTaskPicksHighestPriority(t *testing.T) {
	s := New(PolicyFCFS, 1.0)
	low := &types.Task{ID: 1, Priority: 1}
	high := &types.Task{ID: 2, Priority: 10}
	picked := s.SelectTask([]*types.Task{low, high})
	assert.Equal(t, high, picked)
}

func TestEligibleRejectsInsufficientResources(t *testing.T) {
	w := types.NewWorker("h1", "127.0.0.1", 9000)
	w.Total = types.Resources{Cores: 1}
	ok := Eligible(&types.Task{}, w, types.Resources{Cores: 2}, 1.0, nil, time.Now())
	assert.False(t, ok)
}

func TestEligibleRejectsMissingFeature(t *testing.T) {
	w := types.NewWorker("h1", "127.0.0.1", 9000)
	w.Total = types.Resources{Cores: 4}
	task := &types.Task{Features: []string{"cuda"}}
	ok := Eligible(task, w, types.Resources{Cores: 1}, 1.0, nil, time.Now())
	assert.False(t, ok)

	w.Features["cuda"] = true
	ok = Eligible(task, w, types.Resources{Cores: 1}, 1.0, nil, time.Now())
	assert.True(t, ok)
}

func TestEligibleRejectsBlockedWorker(t *testing.T) {
	w := types.NewWorker("h1", "10.0.0.1", 9000)
	w.Total = types.Resources{Cores: 4}
	blocked := func(hashkey, addr string) bool { return addr == "10.0.0.1" }
	ok := Eligible(&types.Task{}, w, types.Resources{Cores: 1}, 1.0, blocked, time.Now())
	assert.False(t, ok)
}

func TestEligibleRejectsDrainingAndFull(t *testing.T) {
	w := types.NewWorker("h1", "127.0.0.1", 9000)
	w.Total = types.Resources{Cores: 4}
	w.Draining = true
	assert.False(t, Eligible(&types.Task{}, w, types.Resources{Cores: 1}, 1.0, nil, time.Now()))

	w.Draining = false
	w.Committed = types.Resources{Cores: 4}
	assert.False(t, Eligible(&types.Task{}, w, types.Resources{Cores: 1}, 1.0, nil, time.Now()))
}

func TestSelectWorkerFilesPicksBestCacheHit(t *testing.T) {
	s := New(PolicyFiles, 1.0)
	task := &types.Task{Inputs: []types.Artifact{{Fingerprint: "fp1"}, {Fingerprint: "fp2"}}}

	cold := types.NewWorker("cold", "a", 1)
	warm := types.NewWorker("warm", "b", 1)
	warm.Cache["fp1"] = types.CachedArtifactInfo{Size: 100}
	warm.Cache["fp2"] = types.CachedArtifactInfo{Size: 100}

	picked := s.SelectWorker(task, []*types.Worker{cold, warm}, nil)
	assert.Equal(t, warm, picked)
}

func TestSelectWorkerWorstPicksMostFree(t *testing.T) {
	s := New(PolicyWorst, 1.0)
	busy := types.NewWorker("busy", "a", 1)
	busy.Total = types.Resources{Cores: 4}
	busy.Committed = types.Resources{Cores: 3}

	idle := types.NewWorker("idle", "b", 1)
	idle.Total = types.Resources{Cores: 4}

	picked := s.SelectWorker(&types.Task{}, []*types.Worker{busy, idle}, nil)
	assert.Equal(t, idle, picked)
}

func TestResetCategoryClearsTimeMean(t *testing.T) {
	s := New(PolicyTime, 1.0)
	s.RecordCompletion("w1", "default", 10)
	s.RecordCompletion("w1", "other", 1)

	s.ResetCategory("default")

	assert.NotContains(t, s.workerCategoryMean["w1"], "default")
	assert.Contains(t, s.workerCategoryMean["w1"], "other")
}

func TestHungry(t *testing.T) {
	assert.Equal(t, 0, Hungry(10, 0, 5))
	assert.Equal(t, 5, Hungry(0, 0, 5))
}

func TestRecordCompletionFeedsTimePolicy(t *testing.T) {
	s := New(PolicyTime, 1.0)
	s.RecordCompletion("w1", "default", 10)
	s.RecordCompletion("w2", "default", 1)

	w1 := types.NewWorker("w1", "a", 1)
	w1.Total = types.Resources{Cores: 4}
	w2 := types.NewWorker("w2", "b", 1)
	w2.Total = types.Resources{Cores: 4}

	picked := s.SelectWorker(&types.Task{Category: "default"}, []*types.Worker{w1, w2}, nil)
	assert.Equal(t, w2, picked)
}

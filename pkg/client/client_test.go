package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskcoordinator/pkg/coordinator"
)

func TestClientSubmitAndHungry(t *testing.T) {
	coord := coordinator.New(coordinator.DefaultConfig(), nil, nil)
	c := New(coord)

	id, err := c.Submit(NewTask("true"))
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Equal(t, 0, c.Hungry())
}

func TestClientWaitTimesOutWithNoRetrievedTask(t *testing.T) {
	coord := coordinator.New(coordinator.DefaultConfig(), nil, nil)
	c := New(coord)
	_, err := c.Submit(NewTask("true"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task := c.Wait(ctx, 50*time.Millisecond, "")
	assert.Nil(t, task, "no worker connected, nothing can ever be retrieved")
}

func TestClientCancelByTag(t *testing.T) {
	coord := coordinator.New(coordinator.DefaultConfig(), nil, nil)
	c := New(coord)
	_, err := c.Submit(NewTask("true").WithTag("batch"))
	require.NoError(t, err)

	canceled := c.CancelByTag("batch")
	require.Len(t, canceled, 1)
}

func TestClientCategory(t *testing.T) {
	coord := coordinator.New(coordinator.DefaultConfig(), nil, nil)
	c := New(coord)
	cat := c.Category("gpu")
	assert.Equal(t, "gpu", cat.Name)
}

func TestClientDrainWorkerAndInvalidateArtifactDoNotPanicWithoutWorkers(t *testing.T) {
	coord := coordinator.New(coordinator.DefaultConfig(), nil, nil)
	c := New(coord)

	c.DrainWorker("nonexistent")
	c.InvalidateArtifact("deadbeef")
}

package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskcoordinator/pkg/types"
)

func TestTaskManagerSubmitAssignsIDAndReady(t *testing.T) {
	m := NewTaskManager()
	id, err := m.Submit(&types.Task{Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	ready, total := m.Count()
	assert.Equal(t, 1, ready)
	assert.Equal(t, 1, total)
}

func TestTaskManagerSubmitRejectsEmptyCommand(t *testing.T) {
	m := NewTaskManager()
	_, err := m.Submit(&types.Task{})
	assert.Error(t, err)
}

func TestTaskManagerSubmitDefaultsCategory(t *testing.T) {
	m := NewTaskManager()
	task := &types.Task{Command: "true"}
	_, err := m.Submit(task)
	require.NoError(t, err)
	assert.Equal(t, types.DefaultCategory, task.Category)
}

func TestTaskManagerAllReturnsEveryTrackedTask(t *testing.T) {
	m := NewTaskManager()
	_, err := m.Submit(&types.Task{Command: "a"})
	require.NoError(t, err)
	_, err = m.Submit(&types.Task{Command: "b"})
	require.NoError(t, err)

	all := m.All()
	assert.Len(t, all, 2)
}

func TestTaskManagerRequeueReturnsToReady(t *testing.T) {
	m := NewTaskManager()
	task := &types.Task{Command: "true"}
	id, err := m.Submit(task)
	require.NoError(t, err)
	m.RemoveFromReady(id)

	ready, _ := m.Count()
	assert.Equal(t, 0, ready)

	m.Requeue(task)
	ready, _ = m.Count()
	assert.Equal(t, 1, ready)
	assert.Equal(t, types.TaskReady, task.State)
}

func TestTaskManagerMarkRetrievedAndTakeRetrieved(t *testing.T) {
	m := NewTaskManager()
	task := &types.Task{Command: "true", Tag: "build"}
	_, err := m.Submit(task)
	require.NoError(t, err)

	assert.Nil(t, m.TakeRetrieved(""))

	m.MarkRetrieved(task)
	got := m.TakeRetrieved("build")
	require.NotNil(t, got)
	assert.Equal(t, types.TaskDone, got.State)

	assert.Nil(t, m.TakeRetrieved("build"))
}

func TestTaskManagerCancelByTaskIDReady(t *testing.T) {
	m := NewTaskManager()
	id, err := m.Submit(&types.Task{Command: "true"})
	require.NoError(t, err)

	task, inFlight, err := m.CancelByTaskID(id)
	require.NoError(t, err)
	assert.False(t, inFlight)
	assert.Equal(t, types.TaskCanceled, task.State)

	ready, _ := m.Count()
	assert.Equal(t, 0, ready)
}

func TestTaskManagerCancelByTaskIDUnknown(t *testing.T) {
	m := NewTaskManager()
	_, _, err := m.CancelByTaskID(99)
	assert.Error(t, err)
}

func TestTaskManagerCancelByTag(t *testing.T) {
	m := NewTaskManager()
	_, err := m.Submit(&types.Task{Command: "true", Tag: "build"})
	require.NoError(t, err)
	_, err = m.Submit(&types.Task{Command: "true", Tag: "other"})
	require.NoError(t, err)

	canceled, inFlight := m.CancelByTag("build")
	require.Len(t, canceled, 1)
	assert.Empty(t, inFlight)

	ready, _ := m.Count()
	assert.Equal(t, 1, ready)
}

func TestTaskManagerWarnsOnDuplicateArtifactNames(t *testing.T) {
	m := NewTaskManager()
	task := &types.Task{
		Command: "true",
		Inputs: []types.Artifact{
			{RemoteName: "in.txt"},
			{RemoteName: "in.txt"},
		},
	}
	// duplicate names are only warned about, not fatal to submit
	id, err := m.Submit(task)
	require.NoError(t, err)
	assert.NotZero(t, id)
}

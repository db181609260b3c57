package coordinator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskcoordinator/pkg/protocol"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

func TestCoordinatorSubmitAndStats(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	_, err := c.Submit(&types.Task{Command: "true"})
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, 1, stats.TasksReady)
	assert.Equal(t, 1, stats.TasksTotal)
	assert.Equal(t, 0, stats.WorkersTotal)
}

func TestCoordinatorTasksAndWorkersSnapshots(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	id, err := c.Submit(&types.Task{Command: "true"})
	require.NoError(t, err)

	tasks := c.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, id, tasks[0].ID)

	assert.Empty(t, c.Workers())
	c.registry.Add(types.NewWorker("h1", "127.0.0.1", 9000))
	assert.Len(t, c.Workers(), 1)
}

func TestCoordinatorHungry(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	c.cfg.MinReadyTasks = 3
	assert.Equal(t, 3, c.Hungry())

	_, err := c.Submit(&types.Task{Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Hungry())
}

func TestCoordinatorCategoryCreatesOnFirstUse(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	cat := c.Category("build")
	assert.Same(t, cat, c.Category("build"))
}

func TestBindListenerDefaultsToListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	ln, err := bindListener(cfg)
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEmpty(t, ln.Addr().String())
}

func TestBindListenerProbesRange(t *testing.T) {
	// occupy the range's only port so bindListener must fail over
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	busyPort := blocker.Addr().(*net.TCPAddr).Port

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PortRangeMin = busyPort
	cfg.PortRangeMax = busyPort + 5

	ln, err := bindListener(cfg)
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEqual(t, busyPort, ln.Addr().(*net.TCPAddr).Port)
}

func TestCronTickerFiresOnSchedule(t *testing.T) {
	ch, stop := cronTicker("@every 10ms")
	defer stop()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("cron ticker never fired")
	}
}

func TestCronTickerFallsBackOnBadSpec(t *testing.T) {
	ch, stop := cronTicker("not a valid spec")
	defer stop()
	assert.NotNil(t, ch)
}

func TestDrainWorkerDisconnectsOnceIdle(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := protocol.NewConn(a)

	w := types.NewWorker("h1", "127.0.0.1", 9000)
	c.registry.Add(w)
	c.links["h1"] = &workerLink{hashkey: "h1", conn: conn, cancel: func() {}, resume: make(chan struct{}, 1)}

	c.disconnectDrainedWorkers()
	_, ok := c.registry.Get("h1")
	assert.True(t, ok, "a non-draining worker must not be disconnected")

	c.DrainWorker("h1")
	c.disconnectDrainedWorkers()

	_, ok = c.registry.Get("h1")
	assert.False(t, ok, "a drained, idle worker must be disconnected")
	assert.NotContains(t, c.links, "h1")
}

func TestDrainWorkerLeavesBusyWorkerConnected(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	conn := protocol.NewConn(a)

	w := types.NewWorker("h1", "127.0.0.1", 9000)
	w.InFlight[1] = true
	c.registry.Add(w)
	c.links["h1"] = &workerLink{hashkey: "h1", conn: conn, cancel: func() {}, resume: make(chan struct{}, 1)}

	c.DrainWorker("h1")
	c.disconnectDrainedWorkers()

	_, ok := c.registry.Get("h1")
	assert.True(t, ok, "a draining worker with in-flight tasks must stay connected")
}

func TestInvalidateArtifactBroadcastsAndResubmitsDependentTask(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	coordSide, workerSide := pipeConns(t)

	w := types.NewWorker("h1", "127.0.0.1", 9000)
	c.registry.Add(w)
	c.links["h1"] = &workerLink{hashkey: "h1", conn: coordSide, cancel: func() {}, resume: make(chan struct{}, 1)}

	task := &types.Task{
		Command: "echo hi",
		Inputs:  []types.Artifact{{Kind: types.ArtifactFile, Source: "in", Fingerprint: "fp1"}},
	}
	_, err := c.tasks.Submit(task)
	require.NoError(t, err)
	c.tasks.RemoveFromReady(task.ID)
	task.State = types.TaskRunning
	task.WorkerID = "h1"
	w.InFlight[task.ID] = true

	lines := make(chan string, 2)
	go func() {
		for i := 0; i < 2; i++ {
			line, err := workerSide.ReadLine(time.Second)
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	c.InvalidateArtifact("fp1")

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case l := <-lines:
			got = append(got, l)
		case <-time.After(time.Second):
			t.Fatal("did not observe both the invalidate broadcast and the kill")
		}
	}
	assert.Contains(t, got, "invalidate fp1")

	assert.Equal(t, types.TaskReady, task.State)
	assert.False(t, w.InFlight[task.ID], "invalidated task's worker slot is freed")
	assert.Contains(t, c.tasks.ReadyQueue(), task)
}

func TestBindListenerExhaustedRangeFails(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	busyPort := blocker.Addr().(*net.TCPAddr).Port

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.PortRangeMin = busyPort
	cfg.PortRangeMax = busyPort

	_, err = bindListener(cfg)
	assert.ErrorIs(t, err, ErrPortRangeExhausted)
}

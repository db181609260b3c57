package observability

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionLogRoundTripsThroughReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txn.log")
	log, err := OpenTransactionLog(path)
	require.NoError(t, err)

	want := []TransactionRecord{
		{Time: time.Unix(1, 0).UTC(), TaskID: 1, Event: "DISPATCHED", WorkerID: "w1"},
		{Time: time.Unix(2, 0).UTC(), TaskID: 1, Event: "RETRIEVED", WorkerID: "w1", Result: "SUCCESS"},
	}
	for _, r := range want {
		log.Record(r)
	}
	require.NoError(t, log.Close())

	var got []TransactionRecord
	err = ReplayLog(path, func(r TransactionRecord) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPerformanceLogWritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perf.log")
	log, err := OpenPerformanceLog(path)
	require.NoError(t, err)

	log.Snapshot(PerformanceSnapshot{Time: time.Unix(1, 0).UTC(), ReadyTasks: 3, TotalTasks: 10, WorkerCount: 2})
	require.NoError(t, log.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var got PerformanceSnapshot
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &got))
	assert.Equal(t, 3, got.ReadyTasks)
	assert.Equal(t, 10, got.TotalTasks)
}

// Package observability implements the coordinator's flat-file
// performance and transaction logs (§6/§8) and a replay helper for the
// transaction log. Both logs are newline-delimited JSON written with
// encoding/json through a buffered file writer.
package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// PerformanceSnapshot is one periodic row of the performance log (§8).
type PerformanceSnapshot struct {
	Time        time.Time `json:"time"`
	ReadyTasks  int       `json:"ready_tasks"`
	TotalTasks  int       `json:"total_tasks"`
	WorkerCount int       `json:"worker_count"`
	BusyWaiting bool      `json:"busy_waiting"`
}

// PerformanceLog appends newline-delimited JSON snapshot rows to a
// file, flushed on every write so a crash loses at most the in-flight
// row.
type PerformanceLog struct {
	mu sync.Mutex
	w  *bufio.Writer
	f  *os.File
}

// OpenPerformanceLog opens (creating/appending) the performance log at
// path.
func OpenPerformanceLog(path string) (*PerformanceLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open performance log: %w", err)
	}
	return &PerformanceLog{w: bufio.NewWriter(f), f: f}, nil
}

// Snapshot appends one row and flushes immediately.
func (p *PerformanceLog) Snapshot(s PerformanceSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	p.w.Write(data)
	p.w.WriteByte('\n')
	p.w.Flush()
}

// Close flushes and closes the underlying file.
func (p *PerformanceLog) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w.Flush()
	return p.f.Close()
}

// TransactionRecord is one per-event record of the transaction log
// (§6). The coordinator writes DISPATCHED and RETRIEVED records only;
// submission, cancellation, worker connect/loss and transfer events are
// not recorded.
// Correlation is a per-dispatch uuid so a task's commit and retrieval
// rows can be joined across attempts when a task is retried onto a
// different worker.
type TransactionRecord struct {
	Time        time.Time `json:"time"`
	TaskID      int64     `json:"task_id"`
	Event       string    `json:"event"`
	WorkerID    string    `json:"worker_id,omitempty"`
	Result      string    `json:"result,omitempty"`
	Correlation string    `json:"correlation,omitempty"`
}

// TransactionLog appends newline-delimited JSON transaction records.
type TransactionLog struct {
	mu sync.Mutex
	w  *bufio.Writer
	f  *os.File
}

// OpenTransactionLog opens (creating/appending) the transaction log at
// path.
func OpenTransactionLog(path string) (*TransactionLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open transaction log: %w", err)
	}
	return &TransactionLog{w: bufio.NewWriter(f), f: f}, nil
}

// Record appends one transaction record and flushes immediately, since
// the log exists precisely to survive a coordinator crash.
func (t *TransactionLog) Record(r TransactionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	t.w.Write(data)
	t.w.WriteByte('\n')
	t.w.Flush()
}

// Close flushes and closes the underlying file.
func (t *TransactionLog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
	return t.f.Close()
}

// ReplayLog reads a transaction log file and invokes fn for each
// record in order, the SPEC_FULL supplement for reconstructing task
// history after a coordinator restart or for offline auditing.
func ReplayLog(path string, fn func(TransactionRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("replay log: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	for {
		var rec TransactionRecord
		err := dec.Decode(&rec)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("replay log: decode: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

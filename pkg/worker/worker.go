// Package worker implements the remote process that executes dispatched
// tasks (§4.2, §4.4, §4.5, §6): it handshakes with the coordinator,
// receives task envelopes and input artifacts, runs the command,
// reports results, and serves declared outputs back on request.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/taskcoordinator/pkg/cacheindex"
	applog "github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/protocol"
	"github.com/cuemby/taskcoordinator/pkg/transfer"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// runningTask is a task still executing or awaiting cancellation.
type runningTask struct {
	sandboxDir string
	cancel     context.CancelFunc
	outputs    []protocol.TaskOutputSpec
}

// Worker holds one coordinator connection and the locally running and
// finished-but-not-yet-retrieved tasks it is tracking. Connection reads
// happen only from Run's single loop; every write, whether the
// periodic resource report, a task result, or a get response, goes
// through writeMu so the goroutines producing them never interleave
// bytes on the wire.
type Worker struct {
	cfg     Config
	conn    *protocol.Conn
	cache   *cacheindex.Index
	fetcher *httpFetcher
	runner  execRunner

	writeMu sync.Mutex

	mu                sync.Mutex
	tasks             map[int64]*runningTask
	finishedSandboxes map[int64]string // taskID -> sandbox dir, kept until its kill
	lastFinished      int64            // the task whose outputs `get` currently resolves against

	log zerolog.Logger
}

// Dial connects to the coordinator, opens the local persistent cache
// index, and performs the greeting handshake.
func Dial(cfg Config) (*Worker, error) {
	nc, err := net.DialTimeout("tcp", cfg.CoordinatorAddr, cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator: %w", err)
	}
	idx, err := cacheindex.Open(cfg.CacheDir)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	if err := os.MkdirAll(cfg.SandboxDir, 0755); err != nil {
		nc.Close()
		idx.Close()
		return nil, fmt.Errorf("create sandbox dir: %w", err)
	}

	w := newWorker(protocol.NewConn(nc), cfg, idx)
	if err := w.handshake(); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.announceCache(); err != nil {
		w.log.Warn().Err(err).Msg("failed to announce existing cache entries")
	}
	return w, nil
}

func newWorker(conn *protocol.Conn, cfg Config, idx *cacheindex.Index) *Worker {
	return &Worker{
		cfg:               cfg,
		conn:              conn,
		cache:             idx,
		fetcher:           newHTTPFetcher(cfg.HTTPTimeout),
		runner:            execRunner{},
		tasks:             make(map[int64]*runningTask),
		finishedSandboxes: make(map[int64]string),
		log:               applog.WithComponent("worker").With().Str("worker_id", cfg.WorkerID).Logger(),
	}
}

// Close closes the coordinator connection and the local cache index.
func (w *Worker) Close() error {
	err := w.conn.Close()
	if w.cache != nil {
		_ = w.cache.Close()
	}
	return err
}

// handshake sends the greeting and, if the coordinator challenges for
// a shared secret, replies with it, symmetric to the coordinator's own
// handshake method.
func (w *Worker) handshake() error {
	greeting := protocol.Ready{WorkerID: w.cfg.WorkerID, Features: w.cfg.Features, Version: w.cfg.ProtocolVersion}
	if err := w.conn.WriteLine(protocol.DefaultShortTimeout, greeting.Encode()); err != nil {
		return fmt.Errorf("handshake: send greeting: %w", err)
	}
	if w.cfg.SharedSecret != "" {
		line, err := w.conn.ReadLine(protocol.DefaultShortTimeout)
		if err != nil {
			return fmt.Errorf("handshake: read challenge: %w", err)
		}
		if verb, _ := protocol.Fields(line); verb != protocol.VerbPassword {
			return fmt.Errorf("handshake: expected password challenge, got %q", line)
		}
		if err := w.conn.WriteLine(protocol.DefaultShortTimeout, w.cfg.SharedSecret); err != nil {
			return fmt.Errorf("handshake: send secret: %w", err)
		}
	}
	return w.sendResources()
}

// Run reads messages from the coordinator until ctx is canceled or the
// connection fails. It also starts the periodic resource-report timer.
func (w *Worker) Run(ctx context.Context) error {
	go w.reportResourcesLoop(ctx)
	for {
		line, err := w.conn.ReadLine(0)
		if err != nil {
			return err
		}
		if err := w.handleLine(ctx, line); err != nil {
			w.log.Warn().Err(err).Str("line", line).Msg("failed to handle message")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (w *Worker) handleLine(ctx context.Context, line string) error {
	verb, fields := protocol.Fields(line)
	switch verb {
	case protocol.VerbTask:
		return w.handleTask(ctx, fields)
	case protocol.VerbGet:
		return w.handleGet(fields)
	case protocol.VerbKill:
		return w.handleKill(fields)
	case protocol.VerbInvalidate:
		return w.handleInvalidate(fields)
	case protocol.VerbKeepaliveProbe:
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		return w.conn.WriteLine(protocol.DefaultShortTimeout, protocol.VerbKeepaliveReply)
	default:
		return fmt.Errorf("unexpected message verb %q", verb)
	}
}

// handleTask reads a full task dispatch (§4.4): the envelope, its env
// lines, its output specs, then exactly InputCount input transfers,
// all synchronously on this, the connection's sole reader. Execution
// itself runs in a background goroutine so the read loop stays free to
// handle get/kill/invalidate traffic for other tasks meanwhile.
func (w *Worker) handleTask(ctx context.Context, fields []string) error {
	hdr, err := protocol.ParseTaskHeader(fields)
	if err != nil {
		return err
	}

	line, err := w.conn.ReadLine(protocol.DefaultLongTimeout)
	if err != nil {
		return err
	}
	verb, envFields := protocol.Fields(line)
	if verb != "envelope" {
		return fmt.Errorf("task %d: expected envelope, got %q", hdr.TaskID, verb)
	}
	envelope, err := protocol.ParseTaskEnvelope(envFields)
	if err != nil {
		return err
	}

	env := make([]string, 0, envelope.EnvCount)
	for i := 0; i < envelope.EnvCount; i++ {
		l, err := w.conn.ReadLine(protocol.DefaultShortTimeout)
		if err != nil {
			return err
		}
		v, f := protocol.Fields(l)
		if v != "envvar" {
			return fmt.Errorf("task %d: expected envvar, got %q", hdr.TaskID, v)
		}
		ev, err := protocol.ParseTaskEnvVar(f)
		if err != nil {
			return err
		}
		env = append(env, ev.Assignment)
	}

	outputs := make([]protocol.TaskOutputSpec, 0, envelope.OutputCount)
	for i := 0; i < envelope.OutputCount; i++ {
		l, err := w.conn.ReadLine(protocol.DefaultShortTimeout)
		if err != nil {
			return err
		}
		v, f := protocol.Fields(l)
		if v != "outspec" {
			return fmt.Errorf("task %d: expected outspec, got %q", hdr.TaskID, v)
		}
		spec, err := protocol.ParseTaskOutputSpec(f)
		if err != nil {
			return err
		}
		outputs = append(outputs, spec)
	}

	sandboxDir := filepath.Join(w.cfg.SandboxDir, strconv.FormatInt(hdr.TaskID, 10))
	if err := os.MkdirAll(sandboxDir, 0755); err != nil {
		return fmt.Errorf("task %d: create sandbox: %w", hdr.TaskID, err)
	}

	getOpts := transfer.GetOptions{MinTimeout: w.cfg.PutMinTimeout, BytesPerSecond: w.cfg.BytesPerSecond}
	for i := 0; i < envelope.InputCount; i++ {
		received, err := transfer.ReceiveInput(ctx, w.conn, transfer.OSSink{}, w.fetcher, w.runner, sandboxDir, getOpts)
		if err != nil {
			return fmt.Errorf("task %d: receive input %d: %w", hdr.TaskID, i, err)
		}
		if received.Fingerprint != "" {
			w.registerCached(received)
		}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.tasks[hdr.TaskID] = &runningTask{sandboxDir: sandboxDir, cancel: cancel, outputs: outputs}
	w.mu.Unlock()

	go w.execute(taskCtx, hdr.TaskID, envelope, env, sandboxDir)
	return nil
}

// execute runs the task's command and reports its result. It never
// touches w.conn itself beyond reportResult, which serializes through
// writeMu like every other writer.
func (w *Worker) execute(ctx context.Context, taskID int64, envelope protocol.TaskEnvelope, env []string, sandboxDir string) {
	wallTime := time.Duration(envelope.WallTimeSeconds) * time.Second
	outcome := runCommand(ctx, envelope.Command, sandboxDir, env, wallTime)

	w.mu.Lock()
	delete(w.tasks, taskID)
	w.finishedSandboxes[taskID] = sandboxDir
	w.lastFinished = taskID
	w.mu.Unlock()

	w.reportResult(taskID, outcome)
}

func (w *Worker) reportResult(taskID int64, outcome execOutcome) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	hdr := protocol.TaskResult{TaskID: taskID, Status: outcome.status, ExitCode: outcome.exitCode, StdoutSize: int64(len(outcome.stdout))}
	if err := w.conn.WriteLine(protocol.DefaultShortTimeout, hdr.Encode()); err != nil {
		w.log.Warn().Err(err).Int64("task_id", taskID).Msg("failed to report task result")
		return
	}
	if len(outcome.stdout) == 0 {
		return
	}
	timeout := protocol.TransferTimeout(int64(len(outcome.stdout)), w.cfg.PutMinTimeout, w.cfg.BytesPerSecond)
	if _, err := w.conn.WriteN(bytes.NewReader(outcome.stdout), int64(len(outcome.stdout)), timeout); err != nil {
		w.log.Warn().Err(err).Int64("task_id", taskID).Msg("failed to send stdout payload")
	}
}

// handleGet serves a declared output back to the coordinator (§4.5).
// The wire's `get <cached_name>` carries only the output's remote
// name, not a task id, so it resolves against the most recently
// finished task's sandbox: the coordinator retrieves one task's
// outputs fully, in order, before reading anything else from this
// worker, so at most one task's outputs are ever outstanding.
func (w *Worker) handleGet(fields []string) error {
	req, err := protocol.ParseGet(fields)
	if err != nil {
		return err
	}

	w.mu.Lock()
	dir, ok := w.finishedSandboxes[w.lastFinished]
	w.mu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if !ok {
		return w.conn.WriteLine(protocol.DefaultShortTimeout, protocol.Missing{Name: req.CachedName, Errno: int(syscall.ENOENT)}.Encode())
	}
	path := filepath.Join(dir, req.CachedName)
	info, err := os.Lstat(path)
	if err != nil {
		return w.conn.WriteLine(protocol.DefaultShortTimeout, protocol.Missing{Name: req.CachedName, Errno: int(syscall.ENOENT)}.Encode())
	}
	opts := transfer.PutOptions{MinTimeout: w.cfg.GetMinTimeout, BytesPerSecond: w.cfg.BytesPerSecond}
	return transfer.PutLocalPath(w.conn, transfer.OSSource{}, path, req.CachedName, info, opts)
}

// handleKill cancels a still-running task or releases a finished one's
// sandbox (§4.1, §4.5).
func (w *Worker) handleKill(fields []string) error {
	k, err := protocol.ParseKill(fields)
	if err != nil {
		return err
	}

	var dir string
	var found bool
	w.mu.Lock()
	if rt, ok := w.tasks[k.TaskID]; ok {
		rt.cancel()
		dir = rt.sandboxDir
		found = true
		delete(w.tasks, k.TaskID)
	}
	if d, ok := w.finishedSandboxes[k.TaskID]; ok {
		dir = d
		found = true
		delete(w.finishedSandboxes, k.TaskID)
		if w.lastFinished == k.TaskID {
			w.lastFinished = 0
		}
	}
	w.mu.Unlock()

	if found && dir != "" {
		_ = os.RemoveAll(dir)
	}
	return nil
}

// handleInvalidate drops a cache entry (§4.6). The worker keeps no
// reverse index from fingerprint to in-flight task, so it relies on
// the coordinator to cancel and resubmit any task depending on the
// dropped artifact rather than doing so locally.
func (w *Worker) handleInvalidate(fields []string) error {
	inv, err := protocol.ParseInvalidate(fields)
	if err != nil {
		return err
	}
	path, err := w.cache.Delete(inv.Fingerprint)
	if err != nil {
		return err
	}
	if path != "" {
		_ = os.RemoveAll(path)
	}
	return nil
}

func (w *Worker) reportResourcesLoop(ctx context.Context) {
	interval := w.cfg.ResourceReportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sendResources(); err != nil {
				w.log.Warn().Err(err).Msg("failed to send resource report")
				return
			}
		}
	}
}

func (w *Worker) sendResources() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	ru := protocol.ResourceUpdate{Cores: w.cfg.Total.Cores, MemoryMB: w.cfg.Total.MemoryMB, DiskMB: w.cfg.Total.DiskMB, GPUs: w.cfg.Total.GPUs}
	return w.conn.WriteLine(protocol.DefaultShortTimeout, ru.Encode())
}

// announceCache replays every entry already on disk from a prior run
// so the coordinator's view of this worker's cache survives a restart
// without re-transferring anything.
func (w *Worker) announceCache() error {
	all, err := w.cache.All()
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	for fp, info := range all {
		cu := protocol.CacheUpdate{Fingerprint: fp, Size: info.Size, ModTimeUnix: info.ModTime.Unix()}
		if err := w.conn.WriteLine(protocol.DefaultShortTimeout, cu.Encode()); err != nil {
			return err
		}
	}
	return nil
}

// registerCached persists a newly received cacheable top-level input
// in the local index and announces it, so future tasks referencing the
// same fingerprint skip the transfer.
func (w *Worker) registerCached(received transfer.ReceivedArtifact) {
	info := types.CachedArtifactInfo{Kind: types.ArtifactFile, ModTime: time.Now()}
	if received.IsDir {
		info.Kind = types.ArtifactDirectory
	}
	if fi, err := os.Stat(received.LocalPath); err == nil {
		info.Size = fi.Size()
		info.ModTime = fi.ModTime()
	}
	if err := w.cache.Put(received.Fingerprint, info, received.LocalPath); err != nil {
		w.log.Warn().Err(err).Str("fingerprint", received.Fingerprint).Msg("failed to persist cache entry")
		return
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	cu := protocol.CacheUpdate{Fingerprint: received.Fingerprint, Size: info.Size, ModTimeUnix: info.ModTime.Unix()}
	if err := w.conn.WriteLine(protocol.DefaultShortTimeout, cu.Encode()); err != nil {
		w.log.Warn().Err(err).Str("fingerprint", received.Fingerprint).Msg("failed to announce cache update")
	}
}

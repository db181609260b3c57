package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/metrics"
	"github.com/cuemby/taskcoordinator/pkg/observability"
	"github.com/cuemby/taskcoordinator/pkg/protocol"
	"github.com/cuemby/taskcoordinator/pkg/scheduler"
	"github.com/cuemby/taskcoordinator/pkg/transfer"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// Config tunes the coordinator's event loop and policies.
type Config struct {
	ListenAddr string

	// PortRangeMin/PortRangeMax, if either is nonzero, make Serve probe
	// sequential ports on ListenAddr's host instead of binding
	// ListenAddr's own port directly (§4.7's "port override, a
	// port-range pair" environment knobs).
	PortRangeMin int
	PortRangeMax int

	ProtocolVersion  int
	SharedSecret     string
	KeepaliveTimeout time.Duration
	KeepaliveProbe   time.Duration
	FastAbortEnabled bool
	FastAbortMult    float64
	CatalogInterval  time.Duration
	CatalogHosts     []string
	PerfLogInterval  time.Duration

	AcceptBurst      int
	SchedulerPolicy  scheduler.Policy
	SubmitMultiplier float64
	MinReadyTasks    int

	PutMinTimeout      time.Duration
	GetMinTimeout      time.Duration
	BytesPerSecond     int64
	MinFreeBytes       int64
	MonitorSummaryName string

	MultiRetrieve bool
}

// DefaultConfig returns conservative defaults grounded in §4.7/§5.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":9123",
		ProtocolVersion:  1,
		KeepaliveTimeout: 30 * time.Second,
		KeepaliveProbe:   10 * time.Second,
		FastAbortMult:    10,
		CatalogInterval:  time.Minute,
		PerfLogInterval:  30 * time.Second,
		AcceptBurst:      8,
		SchedulerPolicy:  scheduler.PolicyRand,
		SubmitMultiplier: 1.0,
		MinReadyTasks:    1,
		PutMinTimeout:    10 * time.Second,
		GetMinTimeout:    10 * time.Second,
	}
}

// workerLink pairs a connection with the goroutine feeding its lines
// into the coordinator's single inbox, the I/O fanout the single-
// threaded model in §5 permits. resume is the handoff token: readLoop
// blocks on it between messages and only calls ReadLine again once the
// single event-loop path has finished handling the previous one,
// including any synchronous get/put transfer that reads or writes this
// same connection directly. Without this handoff, readLoop's next
// ReadLine would race a get-response read issued from the event loop.
type workerLink struct {
	hashkey string
	conn    *protocol.Conn
	cancel  context.CancelFunc
	resume  chan struct{}
}

type inboundMessage struct {
	hashkey string
	line    string
	payload []byte // inline binary payload for verbs that declare one (result, update)
	err     error
}

// Coordinator is the central task-dispatch process (§4).
type Coordinator struct {
	cfg Config
	log zerolog.Logger

	registry *Registry
	tasks    *TaskManager

	mu         sync.Mutex
	categories map[string]*types.Category
	scheduler  *scheduler.Scheduler
	links      map[string]*workerLink

	listener net.Listener
	inbox    chan inboundMessage
	acceptCh chan net.Conn

	perfLog *observability.PerformanceLog
	txnLog  *observability.TransactionLog

	busyWaiting bool
}

// New constructs a Coordinator. perfLog/txnLog may be nil to disable
// those sinks.
func New(cfg Config, perfLog *observability.PerformanceLog, txnLog *observability.TransactionLog) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		log:        log.WithComponent("coordinator"),
		registry:   NewRegistry(),
		tasks:      NewTaskManager(),
		categories: make(map[string]*types.Category),
		scheduler:  scheduler.New(cfg.SchedulerPolicy, cfg.SubmitMultiplier),
		links:      make(map[string]*workerLink),
		inbox:      make(chan inboundMessage, 256),
		acceptCh:   make(chan net.Conn, 32),
		perfLog:    perfLog,
		txnLog:     txnLog,
	}
}

// Category returns (creating if necessary) the named category's policy
// record.
func (c *Coordinator) Category(name string) *types.Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	cat, ok := c.categories[name]
	if !ok {
		cat = types.NewCategory(name)
		c.categories[name] = cat
	}
	return cat
}

// Submit implements submit() from §4.1.
func (c *Coordinator) Submit(task *types.Task) (int64, error) {
	return c.tasks.Submit(task)
}

// CancelByTaskID implements cancel_by_taskid from §4.1, sending a kill
// to the owning worker if the task was in flight.
func (c *Coordinator) CancelByTaskID(taskID int64) (*types.Task, error) {
	task, inFlight, err := c.tasks.CancelByTaskID(taskID)
	if err != nil {
		return nil, err
	}
	if inFlight {
		c.killOnWorker(task)
	}
	return task, nil
}

// CancelByTag implements cancel_by_tag from §4.1.
func (c *Coordinator) CancelByTag(tag string) []*types.Task {
	canceled, inFlight := c.tasks.CancelByTag(tag)
	for _, t := range inFlight {
		c.killOnWorker(t)
	}
	return canceled
}

func (c *Coordinator) killOnWorker(task *types.Task) {
	c.mu.Lock()
	link, ok := c.links[task.WorkerID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := link.conn.WriteLine(protocol.DefaultShortTimeout, protocol.Kill{TaskID: task.ID}.Encode()); err != nil {
		c.log.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to send kill")
	}
	if w, ok := c.registry.Get(task.WorkerID); ok {
		delete(w.InFlight, task.ID)
	}
}

// Clean implements clean() from §4.1.
func (c *Coordinator) Clean(task *types.Task, full bool) { c.tasks.Clean(task, full) }

// DrainWorker marks a worker for draining (§4.2): it stops receiving
// new dispatches and is disconnected once its in-flight set empties,
// via disconnectDrainedWorkers on a later iteration.
func (c *Coordinator) DrainWorker(hashkey string) {
	c.registry.Drain(hashkey)
}

// disconnectDrainedWorkers closes the link for any worker that has
// finished draining, the other half of §4.2 that Eligible's filter
// alone does not provide: something has to actually disconnect a
// drained, idle worker instead of leaving it connected forever.
func (c *Coordinator) disconnectDrainedWorkers() {
	for _, w := range c.registry.All() {
		if !c.registry.DrainedAndIdle(w.Hashkey) {
			continue
		}
		c.log.Info().Str("worker", w.Hashkey).Msg("draining worker idle, disconnecting")
		c.registry.Remove(w.Hashkey)
		c.mu.Lock()
		if link, ok := c.links[w.Hashkey]; ok {
			link.cancel()
			link.conn.Close()
			delete(c.links, w.Hashkey)
		}
		c.mu.Unlock()
	}
}

// InvalidateArtifact broadcasts invalidate <fingerprint> to every
// connected worker (§4.6) and cancels and resubmits any running task
// that depends on the dropped artifact.
func (c *Coordinator) InvalidateArtifact(fingerprint string) {
	c.mu.Lock()
	links := make([]*workerLink, 0, len(c.links))
	for _, link := range c.links {
		links = append(links, link)
	}
	c.mu.Unlock()

	msg := protocol.Invalidate{Fingerprint: fingerprint}.Encode()
	for _, link := range links {
		if err := link.conn.WriteLine(protocol.DefaultShortTimeout, msg); err != nil {
			c.log.Warn().Err(err).Str("worker", link.hashkey).Msg("failed to broadcast invalidate")
		}
	}

	for _, task := range c.tasks.All() {
		if task.State != types.TaskRunning || !dependsOnFingerprint(task, fingerprint) {
			continue
		}
		c.log.Info().Int64("task_id", task.ID).Str("fingerprint", fingerprint).Msg("invalidating task's input, canceling and resubmitting")
		c.killOnWorker(task)
		c.tasks.Requeue(task)
	}
}

// dependsOnFingerprint reports whether task reads an input artifact
// carrying the given fingerprint.
func dependsOnFingerprint(task *types.Task, fingerprint string) bool {
	for _, in := range task.Inputs {
		if in.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// Workers returns a snapshot of every registered worker, for the HTTP
// introspection server's /workers endpoint.
func (c *Coordinator) Workers() []*types.Worker {
	return c.registry.All()
}

// Tasks returns a snapshot of every tracked task, for the HTTP
// introspection server's /tasks endpoint.
func (c *Coordinator) Tasks() []*types.Task {
	return c.tasks.All()
}

// Stats is the get_stats() counter snapshot from §4.7, the
// programmatic and HTTP-introspection view of coordinator health.
type Stats struct {
	TasksReady      int `json:"tasks_ready"`
	TasksTotal      int `json:"tasks_total"`
	WorkersTotal    int `json:"workers_total"`
	TasksDispatched int  `json:"tasks_dispatched"`
	BusyWaiting     bool `json:"busy_waiting"`
}

// Stats snapshots the coordinator's current counters.
func (c *Coordinator) Stats() Stats {
	ready, total := c.tasks.Count()
	workers := c.registry.All()
	dispatched := 0
	for _, w := range workers {
		dispatched += len(w.InFlight)
	}
	return Stats{
		TasksReady:      ready,
		TasksTotal:      total,
		WorkersTotal:    len(workers),
		TasksDispatched: dispatched,
		BusyWaiting:     c.BusyWaiting(),
	}
}

// Hungry reports how many additional tasks the coordinator could
// absorb right now.
func (c *Coordinator) Hungry() int {
	ready, _ := c.tasks.Count()
	dispatched := 0
	for _, w := range c.registry.All() {
		dispatched += len(w.InFlight)
	}
	return scheduler.Hungry(ready, dispatched, c.cfg.MinReadyTasks)
}

// Wait implements wait() from §4.1: blocks up to timeout, driving the
// event loop's I/O and dispatch, and returns the first task
// transitioning to RETRIEVED (optionally filtered by tag).
func (c *Coordinator) Wait(ctx context.Context, timeout time.Duration, tag string) *types.Task {
	if t := c.tasks.TakeRetrieved(tag); t != nil {
		return t
	}

	deadline := timeNow().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		notify := c.tasks.subscribe()
		iterTimeout := remaining
		if iterTimeout > time.Second {
			iterTimeout = time.Second
		}
		c.runIteration(ctx, iterTimeout)
		if c.cfg.MultiRetrieve {
			// keep harvesting until an iteration adds nothing to the
			// retrieved queue; still only one task is returned below
			retrievedLen := func() int {
				c.tasks.mu.Lock()
				defer c.tasks.mu.Unlock()
				return len(c.tasks.retrieved)
			}
			for ctx.Err() == nil && time.Until(deadline) > 0 {
				before := retrievedLen()
				c.runIteration(ctx, 10*time.Millisecond)
				if retrievedLen() <= before {
					break
				}
			}
		}

		if t := c.tasks.TakeRetrieved(tag); t != nil {
			return t
		}
		select {
		case <-notify:
		case <-time.After(iterTimeout):
		case <-ctx.Done():
			return nil
		}
	}
}

// ErrPortRangeExhausted is returned by Serve when every port in the
// configured PortRangeMin..PortRangeMax is already in use (§4.7's
// "if the range is exhausted, create returns failure").
var ErrPortRangeExhausted = errors.New("coordinator: port range exhausted")

// bindListener opens the coordinator's listening socket. With no port
// range configured it binds ListenAddr directly; otherwise it keeps
// ListenAddr's host and probes ports sequentially within the range,
// taking the first one that is free.
func bindListener(cfg Config) (net.Listener, error) {
	if cfg.PortRangeMin == 0 && cfg.PortRangeMax == 0 {
		return net.Listen("tcp", cfg.ListenAddr)
	}
	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		host = cfg.ListenAddr
	}
	for port := cfg.PortRangeMin; port <= cfg.PortRangeMax; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
	}
	return nil, ErrPortRangeExhausted
}

// cronTicker parses a robfig/cron schedule expression (the "@every
// <duration>" form, since the coordinator's periodic jobs are
// interval-driven rather than clock-aligned) and returns a channel
// fired at each scheduled time, shaped like a time.Ticker's C so
// Serve's select can treat it the same way. A spec that fails to parse
// falls back to a one-minute ticker rather than wedging the loop.
func cronTicker(spec string) (<-chan time.Time, func()) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		t := time.NewTicker(time.Minute)
		return t.C, t.Stop
	}
	ch := make(chan time.Time, 1)
	done := make(chan struct{})
	go func() {
		for {
			timer := time.NewTimer(time.Until(sched.Next(time.Now())))
			select {
			case fired := <-timer.C:
				select {
				case ch <- fired:
				default:
				}
			case <-done:
				timer.Stop()
				return
			}
		}
	}()
	return ch, func() { close(done) }
}

// Serve starts accepting connections and runs the event loop until ctx
// is canceled.
func (c *Coordinator) Serve(ctx context.Context) error {
	ln, err := bindListener(c.cfg)
	if err != nil {
		return fmt.Errorf("coordinator listen: %w", err)
	}
	c.listener = ln
	c.log.Info().Str("addr", ln.Addr().String()).Msg("coordinator listening")

	go c.acceptLoop(ctx)

	keepaliveTicker := time.NewTicker(c.cfg.KeepaliveProbe)
	defer keepaliveTicker.Stop()
	fastAbortCh, stopFastAbort := cronTicker("@every 5s")
	defer stopFastAbort()
	catalogCh, stopCatalog := cronTicker(fmt.Sprintf("@every %s", nonZero(c.cfg.CatalogInterval, time.Minute)))
	defer stopCatalog()
	perfCh, stopPerf := cronTicker(fmt.Sprintf("@every %s", nonZero(c.cfg.PerfLogInterval, 30*time.Second)))
	defer stopPerf()

	for {
		select {
		case <-ctx.Done():
			ln.Close()
			return ctx.Err()
		case <-keepaliveTicker.C:
			c.checkKeepalive()
		case <-fastAbortCh:
			c.checkFastAbort()
		case <-catalogCh:
			c.announceCatalog()
		case <-perfCh:
			c.flushPerfLog()
		default:
			c.runIteration(ctx, 200*time.Millisecond)
		}
	}
}

// computeHashkey derives a worker's locally-unique registry key from
// its address and announced worker id, using xxhash rather than the
// raw address string so the key is a fixed-width hex token. The
// address includes the port, so a worker that reconnects from a
// different ephemeral port gets a new key.
func computeHashkey(address, workerID string) string {
	h := xxhash.Sum64String(address + "|" + workerID)
	return fmt.Sprintf("%016x", h)
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// runIteration executes one pass of the main loop (§4.7): bounded
// accept, poll worker links, run the scheduler, harvest retrievals.
func (c *Coordinator) runIteration(ctx context.Context, pollTimeout time.Duration) {
	processed := 0
	processed += c.drainAccepts()
	processed += c.drainInbox(pollTimeout)
	c.dispatch(ctx)
	c.disconnectDrainedWorkers()

	c.mu.Lock()
	c.busyWaiting = processed == 0
	c.mu.Unlock()
}

// drainAccepts gathers up to AcceptBurst pending connections and
// handshakes them concurrently: each greeting read/parse touches only
// its own socket, so this is safe to fan out, unlike put/get transfers
// which share one worker's single framed connection. Results converge
// back onto this single goroutine before anything touches the
// registry or link table.
func (c *Coordinator) drainAccepts() int {
	var batch []net.Conn
collect:
	for i := 0; i < c.cfg.AcceptBurst; i++ {
		select {
		case conn := <-c.acceptCh:
			batch = append(batch, conn)
		default:
			break collect
		}
	}
	if len(batch) == 0 {
		return 0
	}

	results := make([]*handshakeResult, len(batch))
	var g errgroup.Group
	for i, conn := range batch {
		i, conn := i, conn
		g.Go(func() error {
			results[i] = c.handshake(conn)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			c.registerWorker(r)
		}
	}
	return len(batch)
}

func (c *Coordinator) drainInbox(timeout time.Duration) int {
	n := 0
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-c.inbox:
			c.handleMessage(msg)
			n++
		case <-deadline:
			return n
		}
	}
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				c.log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		select {
		case c.acceptCh <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// handshakeResult is a successfully identified worker awaiting
// registration on the single serialized path.
type handshakeResult struct {
	worker *types.Worker
	conn   *protocol.Conn
}

// handshake reads and validates a worker's greeting line. It touches
// only the given connection, making it safe to run concurrently across
// a batch of freshly accepted sockets.
func (c *Coordinator) handshake(nc net.Conn) *handshakeResult {
	host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	if c.registry.Blocked("", host) {
		c.log.Warn().Str("address", host).Msg("refusing connection from blocked address")
		nc.Close()
		return nil
	}

	conn := protocol.NewConn(nc)
	line, err := conn.ReadLine(protocol.DefaultShortTimeout)
	if err != nil {
		c.log.Warn().Err(err).Msg("greeting read failed")
		conn.Close()
		return nil
	}
	verb, fields := protocol.Fields(line)
	if verb != protocol.VerbReady {
		conn.Close()
		return nil
	}
	ready, err := protocol.ParseReady(fields)
	if err != nil || ready.Version != c.cfg.ProtocolVersion {
		c.log.Warn().Err(err).Msg("protocol version mismatch, closing")
		conn.Close()
		return nil
	}
	if c.cfg.SharedSecret != "" {
		if err := conn.WriteLine(protocol.DefaultShortTimeout, protocol.VerbPassword); err != nil {
			conn.Close()
			return nil
		}
		secretLine, err := conn.ReadLine(protocol.DefaultShortTimeout)
		if err != nil || secretLine != c.cfg.SharedSecret {
			c.log.Warn().Str("address", host).Msg("shared secret mismatch, closing")
			conn.Close()
			return nil
		}
	}

	hashkey := computeHashkey(nc.RemoteAddr().String(), ready.WorkerID)
	w := types.NewWorker(hashkey, host, 0)
	w.Identity.WorkerID = ready.WorkerID
	w.Type = types.WorkerTypeWorker
	for _, f := range ready.Features {
		w.Features[f] = true
	}
	w.LastMessage = timeNow()
	return &handshakeResult{worker: w, conn: conn}
}

// registerWorker adds a handshaken worker to the registry and starts
// its read-fanout goroutine. Called only from the single event-loop
// path.
func (c *Coordinator) registerWorker(r *handshakeResult) {
	c.registry.Add(r.worker)

	linkCtx, cancel := context.WithCancel(context.Background())
	link := &workerLink{hashkey: r.worker.Hashkey, conn: r.conn, cancel: cancel, resume: make(chan struct{}, 1)}
	c.mu.Lock()
	c.links[r.worker.Hashkey] = link
	c.mu.Unlock()

	link.resume <- struct{}{} // let readLoop read the greeting's first follow-on line
	go c.readLoop(linkCtx, link)
}

// readLoop is the per-worker I/O fanout goroutine: it only reads lines
// and forwards them, never mutating shared state itself, so all
// mutation still happens on the single event-loop path. It alone owns
// this connection's reader, so any inline binary payload a header line
// declares (result, update) must be drained here, synchronously,
// before the next ReadLine call — otherwise those bytes would be
// misread as the start of the next line.
func (c *Coordinator) readLoop(ctx context.Context, link *workerLink) {
	for {
		select {
		case <-link.resume:
		case <-ctx.Done():
			return
		}
		line, err := link.conn.ReadLine(0)
		var payload []byte
		if err == nil {
			payload, err = c.drainInlinePayload(link.conn, line)
		}
		select {
		case c.inbox <- inboundMessage{hashkey: link.hashkey, line: line, payload: payload, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// drainInlinePayload reads the binary payload a header line declares,
// if any, returning nil when the verb carries none.
func (c *Coordinator) drainInlinePayload(conn *protocol.Conn, line string) ([]byte, error) {
	verb, fields := protocol.Fields(line)
	var size int64
	switch verb {
	case protocol.VerbResult:
		tr, err := protocol.ParseTaskResult(fields)
		if err != nil {
			return nil, nil
		}
		size = tr.StdoutSize
	case protocol.VerbUpdate:
		wu, err := protocol.ParseWatchUpdate(fields)
		if err != nil {
			return nil, nil
		}
		size = wu.Bytes
	default:
		return nil, nil
	}
	if size <= 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := conn.ReadN(&buf, size, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Coordinator) handleMessage(msg inboundMessage) {
	if msg.err != nil {
		c.handleWorkerLoss(msg.hashkey)
		return
	}
	w, ok := c.registry.Get(msg.hashkey)
	if !ok {
		return
	}
	w.LastMessage = timeNow()

	verb, fields := protocol.Fields(msg.line)
	switch verb {
	case protocol.VerbResources:
		if ru, err := protocol.ParseResourceUpdate(fields); err == nil {
			w.Total = types.Resources{Cores: ru.Cores, MemoryMB: ru.MemoryMB, DiskMB: ru.DiskMB, GPUs: ru.GPUs}
		}
	case protocol.VerbCacheUpdate:
		if cu, err := protocol.ParseCacheUpdate(fields); err == nil {
			w.Cache[cu.Fingerprint] = types.CachedArtifactInfo{Size: cu.Size, ModTime: time.Unix(cu.ModTimeUnix, 0)}
			metrics.CacheHitsTotal.Inc()
		}
	case protocol.VerbCacheInvalidate:
		if ci, err := protocol.ParseCacheInvalidate(fields); err == nil {
			delete(w.Cache, ci.Fingerprint)
		}
	case protocol.VerbResult:
		if tr, err := protocol.ParseTaskResult(fields); err == nil {
			// handleTaskResult may synchronously drive a get retrieval
			// straight off this connection (retrieveOutputs); the resume
			// token below must wait until that finishes, or readLoop's
			// next ReadLine would race it for the same bytes.
			c.handleTaskResult(w, tr, msg.payload)
		}
	case protocol.VerbUpdate:
		if wu, err := protocol.ParseWatchUpdate(fields); err == nil {
			c.log.Debug().Int64("task_id", wu.TaskID).Int64("bytes", wu.Bytes).Msg("watched output updated")
		}
	}

	c.mu.Lock()
	link, ok := c.links[msg.hashkey]
	c.mu.Unlock()
	if ok {
		select {
		case link.resume <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) handleTaskResult(w *types.Worker, tr protocol.TaskResult, stdout []byte) {
	task, ok := c.tasks.Get(tr.TaskID)
	if !ok {
		return
	}
	task.ExitCode = tr.ExitCode
	task.StdoutSample = stdout
	task.TimeCommitEnd = timeNow()
	cat := c.Category(task.Category)
	runTime := task.TimeCommitEnd.Sub(task.TimeCommitStart).Seconds()
	cat.RecordSample(types.Sample{Cores: task.Allocated.Cores, MemoryMB: task.Allocated.MemoryMB, DiskMB: task.Allocated.DiskMB, GPUs: task.Allocated.GPUs}, runTime)
	c.scheduler.RecordCompletion(w.Hashkey, task.Category, runTime)

	succeeded := tr.Status == protocol.StatusDone && tr.ExitCode == 0
	switch tr.Status {
	case protocol.StatusDone:
		if succeeded {
			task.Result = types.MergeResult(task.Result, types.ResultSuccess)
		}
	case protocol.StatusTimeout:
		task.Result = types.MergeResult(task.Result, types.ResultTaskMaxRunTime)
	case protocol.StatusSignal:
		task.Result = types.MergeResult(task.Result, types.ResultSignal)
	case protocol.StatusKilled:
		task.Result = types.MergeResult(task.Result, types.ResultForsaken)
	}
	if succeeded {
		metrics.TasksDoneTotal.WithLabelValues("success").Inc()
	} else {
		metrics.TasksDoneTotal.WithLabelValues("failure").Inc()
	}

	task.State = types.TaskWaitingRetrieval
	c.retrieveOutputs(w, task, succeeded)
}

func (c *Coordinator) retrieveOutputs(w *types.Worker, task *types.Task, succeeded bool) {
	c.mu.Lock()
	link, ok := c.links[w.Hashkey]
	c.mu.Unlock()
	if !ok {
		return
	}
	outputs := transfer.SelectOutputs(task.Outputs, succeeded, c.cfg.MonitorSummaryName)

	// Each `get` and its mirrored stream occupies this connection until
	// fully consumed, so outputs are retrieved one at a time in order.
	opts := transfer.GetOptions{
		MinTimeout:     c.cfg.GetMinTimeout,
		BytesPerSecond: c.cfg.BytesPerSecond,
		MinFreeBytes:   c.cfg.MinFreeBytes,
		DestDir:        task.MonitorOutputDir,
	}
	outcomes := make([]transfer.Outcome, 0, len(outputs))
	for _, out := range outputs {
		outcomes = append(outcomes, transfer.Get(link.conn, transfer.OSSink{}, out.RemoteName, opts))
	}

	for _, out := range outcomes {
		switch out.Kind {
		case transfer.OutcomeMissing:
			task.Result = types.MergeResult(task.Result, types.ResultOutputMissing)
		case transfer.OutcomeDiskFull:
			c.log.Warn().Err(out.Err).Str("name", out.RemoteName).Msg("output retrieval disk space exhausted")
			task.Result = types.MergeResult(task.Result, types.ResultDiskAllocFull)
		case transfer.OutcomeStorageFailure:
			c.log.Warn().Err(out.Err).Str("name", out.RemoteName).Msg("output retrieval storage failure")
			task.Result = types.MergeResult(task.Result, types.ResultOutputTransferError)
		}
	}

	if err := link.conn.WriteLine(protocol.DefaultShortTimeout, protocol.Kill{TaskID: task.ID}.Encode()); err != nil {
		c.log.Warn().Err(err).Int64("task_id", task.ID).Msg("failed to free sandbox after retrieval")
	}
	delete(w.InFlight, task.ID)
	w.Committed.Cores -= task.Allocated.Cores
	w.Committed.MemoryMB -= task.Allocated.MemoryMB
	w.Committed.DiskMB -= task.Allocated.DiskMB
	w.Committed.GPUs -= task.Allocated.GPUs

	if c.txnLog != nil {
		c.txnLog.Record(observability.TransactionRecord{Time: timeNow(), TaskID: task.ID, Event: "RETRIEVED", WorkerID: w.Hashkey, Result: task.Result.String(), Correlation: task.Correlation})
	}
	c.tasks.MarkRetrieved(task)
}

func (c *Coordinator) handleWorkerLoss(hashkey string) {
	w, ok := c.registry.Get(hashkey)
	if !ok {
		return
	}
	metrics.WorkerLossesTotal.Inc()
	c.log.Warn().Str("worker", hashkey).Msg("worker connection lost")
	for taskID := range w.InFlight {
		if task, ok := c.tasks.Get(taskID); ok {
			if task.MaxRetries == 0 || task.TryCount < task.MaxRetries {
				task.TryCount++
				c.tasks.Requeue(task)
			} else {
				task.Result = types.MergeResult(task.Result, types.ResultForsaken)
				task.State = types.TaskRetrieved
				c.tasks.MarkRetrieved(task)
			}
		}
	}
	c.registry.Remove(hashkey)
	c.mu.Lock()
	if link, ok := c.links[hashkey]; ok {
		link.cancel()
		link.conn.Close()
		delete(c.links, hashkey)
	}
	c.mu.Unlock()
}

// checkKeepalive probes workers with no recent message activity.
func (c *Coordinator) checkKeepalive() {
	for _, w := range c.registry.Stale(c.cfg.KeepaliveTimeout, timeNow()) {
		c.mu.Lock()
		link, ok := c.links[w.Hashkey]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if timeNow().Sub(w.LastMessage) > 2*c.cfg.KeepaliveTimeout {
			c.handleWorkerLoss(w.Hashkey)
			continue
		}
		_ = link.conn.WriteLine(protocol.DefaultShortTimeout, protocol.VerbKeepaliveProbe)
	}
}

// checkFastAbort cancels in-flight tasks exceeding mean*multiplier for
// categories with fast-abort enabled.
func (c *Coordinator) checkFastAbort() {
	if !c.cfg.FastAbortEnabled {
		return
	}
	now := timeNow()
	for _, w := range c.registry.All() {
		for taskID := range w.InFlight {
			task, ok := c.tasks.Get(taskID)
			if !ok || task.State != types.TaskRunning {
				continue
			}
			cat := c.Category(task.Category)
			mean := cat.MeanRunTime()
			if mean <= 0 {
				continue
			}
			elapsed := now.Sub(task.TimeCommitStart).Seconds()
			if elapsed > mean*c.cfg.FastAbortMult {
				metrics.FastAbortsTotal.Inc()
				task.FastAbortCount++
				c.killOnWorker(task)
				c.tasks.Requeue(task)
				if w.FastAbortAlarm {
					c.handleWorkerLoss(w.Hashkey)
				}
				w.FastAbortAlarm = true
			}
		}
	}
}

func (c *Coordinator) announceCatalog() {
	if len(c.cfg.CatalogHosts) == 0 {
		return
	}
	ready, total := c.tasks.Count()
	c.log.Debug().Int("ready", ready).Int("total", total).Strs("hosts", c.cfg.CatalogHosts).Msg("catalog announce")
}

func (c *Coordinator) flushPerfLog() {
	if c.perfLog == nil {
		return
	}
	ready, total := c.tasks.Count()
	workers := c.registry.All()
	c.perfLog.Snapshot(observability.PerformanceSnapshot{
		Time:        timeNow(),
		ReadyTasks:  ready,
		TotalTasks:  total,
		WorkerCount: len(workers),
		BusyWaiting: c.busyWaiting,
	})
}

// BusyWaiting reports whether the most recent iteration processed no
// messages, per §4.7's outer-wait timeout hint.
func (c *Coordinator) BusyWaiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyWaiting
}

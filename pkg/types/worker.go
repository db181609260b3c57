package types

import "time"

// WorkerType distinguishes a worker connection's role once identified.
type WorkerType int

const (
	WorkerUnknown WorkerType = iota
	WorkerTypeWorker
	WorkerTypeStatusClient
)

// CachedArtifactInfo is one entry of a worker's reported cache index.
type CachedArtifactInfo struct {
	Kind         ArtifactKind
	Size         int64
	ModTime      time.Time
	TransferTime time.Duration
}

// WorkerIdentity is the information a worker announces in its greeting.
type WorkerIdentity struct {
	Hostname    string
	OS          string
	Arch        string
	Version     string
	WorkerID    string
	FactoryName string
}

// Worker is the coordinator's per-connected-worker record.
type Worker struct {
	Type     WorkerType
	Hashkey  string // locally-unique key, e.g. derived from addr:port
	Identity WorkerIdentity
	Address  string
	Port     int

	Total     Resources
	Committed Resources

	Features map[string]bool

	Cache map[string]CachedArtifactInfo // fingerprint -> info

	InFlight map[int64]bool // task ids assigned to this worker

	FirstSeen        time.Time
	LastMessage      time.Time
	LastUpdateSent   time.Time
	ScheduledEnd     time.Time

	Draining        bool
	FastAbortAlarm  bool
}

// NewWorker returns a freshly-accepted, not-yet-identified worker record.
func NewWorker(hashkey, address string, port int) *Worker {
	return &Worker{
		Type:     WorkerUnknown,
		Hashkey:  hashkey,
		Address:  address,
		Port:     port,
		Features: make(map[string]bool),
		Cache:    make(map[string]CachedArtifactInfo),
		InFlight: make(map[int64]bool),
		FirstSeen: time.Now(),
	}
}

// FreeResources returns total minus committed, never negative per field.
func (w *Worker) FreeResources() Resources {
	free := Resources{
		Cores:    w.Total.Cores - w.Committed.Cores,
		MemoryMB: w.Total.MemoryMB - w.Committed.MemoryMB,
		DiskMB:   w.Total.DiskMB - w.Committed.DiskMB,
		GPUs:     w.Total.GPUs - w.Committed.GPUs,
	}
	if free.Cores < 0 {
		free.Cores = 0
	}
	if free.MemoryMB < 0 {
		free.MemoryMB = 0
	}
	if free.DiskMB < 0 {
		free.DiskMB = 0
	}
	if free.GPUs < 0 {
		free.GPUs = 0
	}
	return free
}

// Full reports whether the worker has no free cores at all, a cheap
// pre-filter ahead of the full resource-fit check in the scheduler.
func (w *Worker) Full() bool {
	return w.Committed.Cores >= w.Total.Cores
}

// HasFeatures reports whether every feature in `required` is present.
func (w *Worker) HasFeatures(required []string) bool {
	for _, f := range required {
		if !w.Features[f] {
			return false
		}
	}
	return true
}

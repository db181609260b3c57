package worker

import (
	"time"

	"github.com/cuemby/taskcoordinator/pkg/types"
)

// Config configures a worker process's connection to the coordinator,
// its local sandbox/cache directories, and the resources it advertises.
type Config struct {
	CoordinatorAddr string
	WorkerID        string
	Features        []string
	ProtocolVersion int
	SharedSecret    string

	SandboxDir string
	CacheDir   string

	Total types.Resources

	DialTimeout            time.Duration
	ResourceReportInterval time.Duration
	HTTPTimeout            time.Duration
	PutMinTimeout          time.Duration
	GetMinTimeout          time.Duration
	BytesPerSecond         int64
}

// DefaultConfig returns the teacher's pattern of sane defaults a caller
// overrides selectively, the same shape cuemby-warren's worker.Config
// favors over requiring every field to be supplied.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:        1,
		SandboxDir:             "sandboxes",
		CacheDir:               "cache",
		DialTimeout:            10 * time.Second,
		ResourceReportInterval: 15 * time.Second,
		HTTPTimeout:            30 * time.Second,
		PutMinTimeout:          10 * time.Second,
		GetMinTimeout:          10 * time.Second,
	}
}

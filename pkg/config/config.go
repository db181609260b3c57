// Package config loads coordinator and worker configuration from YAML
// files, the same gopkg.in/yaml.v3 unmarshal-into-a-tagged-struct
// pattern cmd/warren/apply.go uses for its resource manifests.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/taskcoordinator/pkg/coordinator"
	"github.com/cuemby/taskcoordinator/pkg/scheduler"
	"github.com/cuemby/taskcoordinator/pkg/worker"
)

// CoordinatorFile is the on-disk shape of a coordinator config file.
// Every field is optional; an absent key leaves the corresponding
// coordinator.DefaultConfig value untouched.
type CoordinatorFile struct {
	ListenAddr   string `yaml:"listen_addr"`
	PortRangeMin int    `yaml:"port_range_min"`
	PortRangeMax int    `yaml:"port_range_max"`

	ProtocolVersion  int      `yaml:"protocol_version"`
	SharedSecret     string   `yaml:"shared_secret"`
	KeepaliveTimeout duration `yaml:"keepalive_timeout"`
	KeepaliveProbe   duration `yaml:"keepalive_probe"`
	FastAbortEnabled bool     `yaml:"fast_abort_enabled"`
	FastAbortMult    float64  `yaml:"fast_abort_mult"`
	CatalogInterval  duration `yaml:"catalog_interval"`
	CatalogHosts     []string `yaml:"catalog_hosts"`
	PerfLogInterval  duration `yaml:"perf_log_interval"`

	AcceptBurst      int     `yaml:"accept_burst"`
	SchedulerPolicy  string  `yaml:"scheduler_policy"`
	SubmitMultiplier float64 `yaml:"submit_multiplier"`
	MinReadyTasks    int     `yaml:"min_ready_tasks"`

	PutMinTimeout      duration `yaml:"put_min_timeout"`
	GetMinTimeout      duration `yaml:"get_min_timeout"`
	BytesPerSecond     int64    `yaml:"bytes_per_second"`
	MinFreeBytes       int64    `yaml:"min_free_bytes"`
	MonitorSummaryName string   `yaml:"monitor_summary_name"`

	MultiRetrieve bool `yaml:"multi_retrieve"`

	PerfLogPath string `yaml:"perf_log_path"`
	TxnLogPath  string `yaml:"txn_log_path"`
}

// WorkerFile is the on-disk shape of a worker config file.
type WorkerFile struct {
	CoordinatorAddr string   `yaml:"coordinator_addr"`
	WorkerID        string   `yaml:"worker_id"`
	Features        []string `yaml:"features"`
	ProtocolVersion int      `yaml:"protocol_version"`
	SharedSecret    string   `yaml:"shared_secret"`

	SandboxDir string `yaml:"sandbox_dir"`
	CacheDir   string `yaml:"cache_dir"`

	Cores    float64 `yaml:"cores"`
	MemoryMB int64   `yaml:"memory_mb"`
	DiskMB   int64   `yaml:"disk_mb"`
	GPUs     int64   `yaml:"gpus"`

	DialTimeout            duration `yaml:"dial_timeout"`
	ResourceReportInterval duration `yaml:"resource_report_interval"`
	HTTPTimeout            duration `yaml:"http_timeout"`
	PutMinTimeout          duration `yaml:"put_min_timeout"`
	GetMinTimeout          duration `yaml:"get_min_timeout"`
	BytesPerSecond         int64    `yaml:"bytes_per_second"`
}

// duration unmarshals from a Go duration string ("30s", "5m") rather
// than yaml.v3's default nanosecond integer, matching how operators
// actually write these files.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// LoadCoordinator reads path and overlays it onto coordinator's own
// defaults; a missing or zero-valued field in the file keeps the
// default.
func LoadCoordinator(path string) (coordinator.Config, error) {
	cfg := coordinator.DefaultConfig()
	var f CoordinatorFile
	if err := readYAML(path, &f); err != nil {
		return cfg, err
	}

	applyString(&cfg.ListenAddr, f.ListenAddr)
	applyInt(&cfg.PortRangeMin, f.PortRangeMin)
	applyInt(&cfg.PortRangeMax, f.PortRangeMax)
	applyInt(&cfg.ProtocolVersion, f.ProtocolVersion)
	applyString(&cfg.SharedSecret, f.SharedSecret)
	applyDuration(&cfg.KeepaliveTimeout, f.KeepaliveTimeout)
	applyDuration(&cfg.KeepaliveProbe, f.KeepaliveProbe)
	cfg.FastAbortEnabled = f.FastAbortEnabled
	applyFloat(&cfg.FastAbortMult, f.FastAbortMult)
	applyDuration(&cfg.CatalogInterval, f.CatalogInterval)
	if len(f.CatalogHosts) > 0 {
		cfg.CatalogHosts = f.CatalogHosts
	}
	applyDuration(&cfg.PerfLogInterval, f.PerfLogInterval)
	applyInt(&cfg.AcceptBurst, f.AcceptBurst)
	if f.SchedulerPolicy != "" {
		policy, err := parsePolicy(f.SchedulerPolicy)
		if err != nil {
			return cfg, err
		}
		cfg.SchedulerPolicy = policy
	}
	applyFloat(&cfg.SubmitMultiplier, f.SubmitMultiplier)
	applyInt(&cfg.MinReadyTasks, f.MinReadyTasks)
	applyDuration(&cfg.PutMinTimeout, f.PutMinTimeout)
	applyDuration(&cfg.GetMinTimeout, f.GetMinTimeout)
	if f.BytesPerSecond != 0 {
		cfg.BytesPerSecond = f.BytesPerSecond
	}
	if f.MinFreeBytes != 0 {
		cfg.MinFreeBytes = f.MinFreeBytes
	}
	applyString(&cfg.MonitorSummaryName, f.MonitorSummaryName)
	cfg.MultiRetrieve = f.MultiRetrieve

	return cfg, nil
}

// LoadWorker reads path and overlays it onto worker's own defaults.
func LoadWorker(path string) (worker.Config, error) {
	cfg := worker.DefaultConfig()
	var f WorkerFile
	if err := readYAML(path, &f); err != nil {
		return cfg, err
	}

	applyString(&cfg.CoordinatorAddr, f.CoordinatorAddr)
	applyString(&cfg.WorkerID, f.WorkerID)
	if len(f.Features) > 0 {
		cfg.Features = f.Features
	}
	applyInt(&cfg.ProtocolVersion, f.ProtocolVersion)
	applyString(&cfg.SharedSecret, f.SharedSecret)
	applyString(&cfg.SandboxDir, f.SandboxDir)
	applyString(&cfg.CacheDir, f.CacheDir)

	if f.Cores != 0 {
		cfg.Total.Cores = f.Cores
	}
	if f.MemoryMB != 0 {
		cfg.Total.MemoryMB = f.MemoryMB
	}
	if f.DiskMB != 0 {
		cfg.Total.DiskMB = f.DiskMB
	}
	if f.GPUs != 0 {
		cfg.Total.GPUs = f.GPUs
	}

	applyDuration(&cfg.DialTimeout, f.DialTimeout)
	applyDuration(&cfg.ResourceReportInterval, f.ResourceReportInterval)
	applyDuration(&cfg.HTTPTimeout, f.HTTPTimeout)
	applyDuration(&cfg.PutMinTimeout, f.PutMinTimeout)
	applyDuration(&cfg.GetMinTimeout, f.GetMinTimeout)
	if f.BytesPerSecond != 0 {
		cfg.BytesPerSecond = f.BytesPerSecond
	}

	return cfg, nil
}

func readYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func parsePolicy(name string) (scheduler.Policy, error) {
	switch name {
	case "rand":
		return scheduler.PolicyRand, nil
	case "fcfs":
		return scheduler.PolicyFCFS, nil
	case "files":
		return scheduler.PolicyFiles, nil
	case "time":
		return scheduler.PolicyTime, nil
	case "worst":
		return scheduler.PolicyWorst, nil
	default:
		return 0, fmt.Errorf("unknown scheduler_policy %q", name)
	}
}

func applyString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func applyInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func applyFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func applyDuration(dst *time.Duration, v duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}

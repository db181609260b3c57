package transfer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/cuemby/taskcoordinator/pkg/protocol"
)

// URLFetcher resolves a URL artifact into dest, the worker-side
// implementation of a PutURL request.
type URLFetcher interface {
	Fetch(ctx context.Context, url string, dest io.Writer) error
}

// CommandRunner executes a shell command and captures its stdout into
// dest, the worker-side implementation of a PutCmd request.
type CommandRunner interface {
	Run(ctx context.Context, command string, dest io.Writer) error
}

// ReceivedArtifact describes one input artifact a worker materialized
// under its sandbox, carrying enough to populate a cache-update
// announcement when Fingerprint is non-empty.
type ReceivedArtifact struct {
	RemoteName  string
	LocalPath   string
	Fingerprint string
	IsDir       bool
}

// ReceiveInput reads one top-level input artifact header and the
// transfer it introduces (file, symlink, dir, mkdir, puturl, or
// putcmd), materializing it under destDir. It mirrors getOne's verb
// dispatch but additionally resolves the two kinds whose content the
// worker itself produces rather than receives over the wire.
func ReceiveInput(ctx context.Context, conn *protocol.Conn, sink Sink, fetch URLFetcher, run CommandRunner, destDir string, opts GetOptions) (ReceivedArtifact, error) {
	line, err := conn.ReadLine(0)
	if err != nil {
		return ReceivedArtifact{}, err
	}
	verb, fields := protocol.Fields(line)
	childOpts := opts
	childOpts.DestDir = destDir

	switch verb {
	case protocol.VerbFile:
		hdr, err := protocol.ParseFileHeader(fields)
		if err != nil {
			return ReceivedArtifact{}, err
		}
		out := receiveFile(conn, sink, hdr, childOpts)
		if out.Kind != OutcomeOK {
			return ReceivedArtifact{}, fmt.Errorf("receive file %s: %w", hdr.Name, out.Err)
		}
		return ReceivedArtifact{RemoteName: hdr.Name, LocalPath: filepath.Join(destDir, hdr.Name), Fingerprint: hdr.Fingerprint}, nil

	case protocol.VerbSymlink:
		hdr, err := protocol.ParseSymlinkHeader(fields)
		if err != nil {
			return ReceivedArtifact{}, err
		}
		out := receiveSymlink(conn, sink, hdr, childOpts)
		if out.Kind != OutcomeOK {
			return ReceivedArtifact{}, fmt.Errorf("receive symlink %s: %w", hdr.Name, out.Err)
		}
		return ReceivedArtifact{RemoteName: hdr.Name, LocalPath: filepath.Join(destDir, hdr.Name)}, nil

	case protocol.VerbDir:
		hdr, err := protocol.ParseDirHeader(fields)
		if err != nil {
			return ReceivedArtifact{}, err
		}
		out := receiveDir(conn, sink, hdr, childOpts)
		if out.Kind != OutcomeOK {
			return ReceivedArtifact{}, fmt.Errorf("receive dir %s: %w", hdr.Name, out.Err)
		}
		return ReceivedArtifact{RemoteName: hdr.Name, LocalPath: filepath.Join(destDir, hdr.Name), Fingerprint: hdr.Fingerprint, IsDir: true}, nil

	case "mkdir":
		hdr, err := protocol.ParseEmptyDirHeader(fields)
		if err != nil {
			return ReceivedArtifact{}, err
		}
		dest := filepath.Join(destDir, hdr.Name)
		if err := sink.MkdirAll(dest); err != nil {
			return ReceivedArtifact{}, fmt.Errorf("mkdir %s: %w", hdr.Name, err)
		}
		return ReceivedArtifact{RemoteName: hdr.Name, LocalPath: dest, IsDir: true}, nil

	case protocol.VerbPutURL:
		hdr, err := protocol.ParsePutURL(fields)
		if err != nil {
			return ReceivedArtifact{}, err
		}
		dest := filepath.Join(destDir, hdr.RemoteName)
		w, err := sink.Create(dest, normalizeMode(hdr.Mode))
		if err != nil {
			return ReceivedArtifact{}, fmt.Errorf("puturl %s: %w", hdr.RemoteName, err)
		}
		defer w.Close()
		if err := fetch.Fetch(ctx, hdr.URL, w); err != nil {
			return ReceivedArtifact{}, fmt.Errorf("puturl %s: fetch %s: %w", hdr.RemoteName, hdr.URL, err)
		}
		return ReceivedArtifact{RemoteName: hdr.RemoteName, LocalPath: dest, Fingerprint: hdr.Fingerprint}, nil

	case protocol.VerbPutCmd:
		hdr, err := protocol.ParsePutCmd(fields)
		if err != nil {
			return ReceivedArtifact{}, err
		}
		dest := filepath.Join(destDir, hdr.RemoteName)
		w, err := sink.Create(dest, normalizeMode(hdr.Mode))
		if err != nil {
			return ReceivedArtifact{}, fmt.Errorf("putcmd %s: %w", hdr.RemoteName, err)
		}
		defer w.Close()
		if err := run.Run(ctx, hdr.Command, w); err != nil {
			return ReceivedArtifact{}, fmt.Errorf("putcmd %s: run %q: %w", hdr.RemoteName, hdr.Command, err)
		}
		return ReceivedArtifact{RemoteName: hdr.RemoteName, LocalPath: dest, Fingerprint: hdr.Fingerprint}, nil

	default:
		return ReceivedArtifact{}, fmt.Errorf("receive input: unexpected header verb %q", verb)
	}
}

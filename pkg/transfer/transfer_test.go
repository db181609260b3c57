package transfer

import (
	"bytes"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskcoordinator/pkg/protocol"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

func pipe(t *testing.T) (*protocol.Conn, *protocol.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return protocol.NewConn(a), protocol.NewConn(b)
}

func TestPutBufferSendsFileHeaderAndBytes(t *testing.T) {
	client, server := pipe(t)

	a := types.Artifact{Kind: types.ArtifactBuffer, Data: []byte("hello world"), RemoteName: "out.txt", Mode: 0644}

	done := make(chan error, 1)
	go func() { done <- Put(client, OSSource{}, types.NewWorker("w", "a", 1), a, PutOptions{MinTimeout: time.Second}) }()

	line, err := server.ReadLine(time.Second)
	require.NoError(t, err)
	verb, fields := protocol.Fields(line)
	require.Equal(t, protocol.VerbFile, verb)
	hdr, err := protocol.ParseFileHeader(fields)
	require.NoError(t, err)
	assert.Equal(t, "out.txt", hdr.Name)
	assert.Equal(t, int64(len("hello world")), hdr.Size)

	var buf bytes.Buffer
	n, err := server.ReadN(&buf, hdr.Size, time.Second)
	require.NoError(t, err)
	assert.Equal(t, hdr.Size, n)
	assert.Equal(t, "hello world", buf.String())

	require.NoError(t, <-done)
}

func TestPutSkipsWhenCacheHitMatches(t *testing.T) {
	client, server := pipe(t)
	tmp := t.TempDir()
	path := tmp + "/input.txt"
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))
	info, err := os.Stat(path)
	require.NoError(t, err)

	w := types.NewWorker("w", "a", 1)
	w.Cache["fp1"] = types.CachedArtifactInfo{Size: info.Size(), ModTime: info.ModTime()}

	a := types.Artifact{Kind: types.ArtifactFile, Source: path, RemoteName: "input.txt", Flags: types.FlagCache, Fingerprint: "fp1"}

	done := make(chan error, 1)
	go func() { done <- Put(client, OSSource{}, w, a, PutOptions{MinTimeout: time.Second}) }()

	require.NoError(t, <-done)
	server.Close()
}

func TestGetMissingReportsOutcomeWithoutError(t *testing.T) {
	client, server := pipe(t)

	go func() {
		line, _ := server.ReadLine(time.Second)
		verb, _ := protocol.Fields(line)
		if verb == protocol.VerbGet {
			_ = server.WriteLine(time.Second, protocol.Missing{Name: "out.bin", Errno: 2}.Encode())
		}
	}()

	out := Get(client, OSSink{}, "fp1", GetOptions{DestDir: t.TempDir(), MinTimeout: time.Second})
	assert.Equal(t, OutcomeMissing, out.Kind)
	assert.NoError(t, out.Err)
}

func TestGetFileWritesToDestDir(t *testing.T) {
	client, server := pipe(t)
	dest := t.TempDir()

	go func() {
		line, _ := server.ReadLine(time.Second)
		verb, _ := protocol.Fields(line)
		if verb != protocol.VerbGet {
			return
		}
		hdr := protocol.FileHeader{Name: "result.txt", Size: 5, Mode: 0644}
		_ = server.WriteLine(time.Second, hdr.Encode())
		_, _ = server.WriteN(bytesReader("hello"), 5, time.Second)
	}()

	out := Get(client, OSSink{}, "fp1", GetOptions{DestDir: dest, MinTimeout: time.Second})
	assert.Equal(t, OutcomeOK, out.Kind)

	data, err := os.ReadFile(dest + "/result.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestPutFileMissingSourceWrapsErrSourceUnavailable(t *testing.T) {
	client, server := pipe(t)
	t.Cleanup(func() { server.Close() })

	a := types.Artifact{Kind: types.ArtifactFile, Source: "/nonexistent/does-not-exist", RemoteName: "in.txt"}
	err := Put(client, OSSource{}, types.NewWorker("w", "a", 1), a, PutOptions{MinTimeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

// tightSink wraps OSSink but reports almost no free space, forcing
// checkDiskSpace's threshold check to fail.
type tightSink struct{ OSSink }

func (tightSink) FreeBytes(path string) (int64, error) { return 1, nil }

func TestGetFileInsufficientDiskSpaceReportsOutcomeDiskFull(t *testing.T) {
	client, server := pipe(t)
	dest := t.TempDir()

	go func() {
		line, _ := server.ReadLine(time.Second)
		verb, _ := protocol.Fields(line)
		if verb != protocol.VerbGet {
			return
		}
		hdr := protocol.FileHeader{Name: "result.txt", Size: 5, Mode: 0644}
		_ = server.WriteLine(time.Second, hdr.Encode())
		_, _ = server.WriteN(bytesReader("hello"), 5, time.Second)
	}()

	out := Get(client, tightSink{}, "fp1", GetOptions{DestDir: dest, MinTimeout: time.Second, MinFreeBytes: 1 << 30})
	assert.Equal(t, OutcomeDiskFull, out.Kind)
	assert.Error(t, out.Err)
}

func TestSelectOutputsAppliesFailureSuccessRules(t *testing.T) {
	outputs := []types.Artifact{
		{RemoteName: "always.txt"},
		{RemoteName: "fail.log", Flags: types.FlagFailureOnly},
		{RemoteName: "ok.txt", Flags: types.FlagSuccessOnly},
	}

	onSuccess := SelectOutputs(outputs, true, "")
	names := namesOf(onSuccess)
	assert.Contains(t, names, "always.txt")
	assert.Contains(t, names, "ok.txt")
	assert.NotContains(t, names, "fail.log")

	onFailure := SelectOutputs(outputs, false, "")
	names = namesOf(onFailure)
	assert.Contains(t, names, "always.txt")
	assert.Contains(t, names, "fail.log")
	assert.NotContains(t, names, "ok.txt")
}

func TestSelectOutputsAlwaysIncludesMonitorSummaryOnFailure(t *testing.T) {
	outputs := []types.Artifact{
		{RemoteName: "monitor.json", Flags: types.FlagSuccessOnly},
	}
	selected := SelectOutputs(outputs, false, "monitor.json")
	assert.Len(t, selected, 1)
	assert.Equal(t, "monitor.json", selected[0].RemoteName)
}

func namesOf(outs []types.Artifact) []string {
	var names []string
	for _, o := range outs {
		names = append(names, o.RemoteName)
	}
	return names
}

func bytesReader(s string) io.Reader { return bytes.NewReader([]byte(s)) }

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyRoundTrip(t *testing.T) {
	m := Ready{WorkerID: "worker one", Features: []string{"cuda", "avx512"}, Version: 3}
	verb, fields := Fields(m.Encode())
	assert.Equal(t, VerbReady, verb)
	got, err := ParseReady(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestReadyRoundTripNoFeatures(t *testing.T) {
	m := Ready{WorkerID: "w1", Version: 3}
	_, fields := Fields(m.Encode())
	got, err := ParseReady(fields)
	require.NoError(t, err)
	assert.Nil(t, got.Features)
}

func TestResourceUpdateRoundTrip(t *testing.T) {
	m := ResourceUpdate{Cores: 4.5, MemoryMB: 2048, DiskMB: 102400, GPUs: 1}
	_, fields := Fields(m.Encode())
	got, err := ParseResourceUpdate(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestCacheUpdateRoundTrip(t *testing.T) {
	m := CacheUpdate{Fingerprint: "abcd1234", Size: 4096, ModTimeUnix: 1700000000}
	_, fields := Fields(m.Encode())
	got, err := ParseCacheUpdate(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestTaskResultRoundTrip(t *testing.T) {
	m := TaskResult{TaskID: 42, Status: "done", ExitCode: 0, StdoutSize: 128}
	_, fields := Fields(m.Encode())
	got, err := ParseTaskResult(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestFileHeaderRoundTripEncodesSpaces(t *testing.T) {
	m := FileHeader{Name: "output dir/result.txt", Size: 1024, Mode: 0644}
	_, fields := Fields(m.Encode())
	got, err := ParseFileHeader(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestSymlinkHeaderRoundTrip(t *testing.T) {
	m := SymlinkHeader{Name: "link", Len: 10}
	_, fields := Fields(m.Encode())
	got, err := ParseSymlinkHeader(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestDirHeaderRoundTrip(t *testing.T) {
	m := DirHeader{Name: "nested/dir name"}
	_, fields := Fields(m.Encode())
	got, err := ParseDirHeader(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestPutURLRoundTrip(t *testing.T) {
	m := PutURL{URL: "https://example.com/a b.tar", RemoteName: "inputs/a.tar", Fingerprint: "fp1", Size: 99, Mode: 0755}
	_, fields := Fields(m.Encode())
	got, err := ParsePutURL(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestPutCmdRoundTrip(t *testing.T) {
	m := PutCmd{Command: "git archive HEAD", RemoteName: "src.tar", Fingerprint: "fp2", Size: 4096, Mode: 0644}
	_, fields := Fields(m.Encode())
	got, err := ParsePutCmd(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestTaskEnvelopeRoundTrip(t *testing.T) {
	m := TaskEnvelope{
		Command: "echo hi", Coprocess: "", Cores: 2.5, MemoryMB: 512, DiskMB: 1024, GPUs: 0,
		WallTimeSeconds: 60, EnvCount: 2, OutputCount: 1, InputCount: 3,
	}
	_, fields := Fields(m.Encode())
	got, err := ParseTaskEnvelope(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestTaskEnvelopeEmptyCommandRoundTrip(t *testing.T) {
	m := TaskEnvelope{Command: "", Coprocess: "builder"}
	_, fields := Fields(m.Encode())
	got, err := ParseTaskEnvelope(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestTaskEnvVarRoundTrip(t *testing.T) {
	m := TaskEnvVar{Assignment: "PATH=/usr/bin:/bin"}
	_, fields := Fields(m.Encode())
	got, err := ParseTaskEnvVar(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestTaskOutputSpecRoundTrip(t *testing.T) {
	m := TaskOutputSpec{RemoteName: "out dir/result.txt", Flags: 3}
	_, fields := Fields(m.Encode())
	got, err := ParseTaskOutputSpec(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestGetRoundTrip(t *testing.T) {
	m := Get{CachedName: "fp with spaces"}
	_, fields := Fields(m.Encode())
	got, err := ParseGet(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestKillRoundTrip(t *testing.T) {
	m := Kill{TaskID: 7}
	_, fields := Fields(m.Encode())
	got, err := ParseKill(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestMissingRoundTrip(t *testing.T) {
	m := Missing{Name: "out.bin", Errno: 2}
	_, fields := Fields(m.Encode())
	got, err := ParseMissing(fields)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestFieldsEmptyLine(t *testing.T) {
	verb, fields := Fields("")
	assert.Equal(t, "", verb)
	assert.Nil(t, fields)
}

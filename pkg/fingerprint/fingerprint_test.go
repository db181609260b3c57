package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskcoordinator/pkg/types"
)

func TestComputeIsStableForCachedArtifacts(t *testing.T) {
	a := types.Artifact{Kind: types.ArtifactFile, Source: "/data/input.csv", RemoteName: "input.csv"}

	fp1, err := Compute(a)
	require.NoError(t, err)
	fp2, err := Compute(a)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 32) // 16 bytes hex-encoded
}

func TestComputeDiffersByKindAndSource(t *testing.T) {
	a := types.Artifact{Kind: types.ArtifactFile, Source: "/data/a"}
	b := types.Artifact{Kind: types.ArtifactFile, Source: "/data/b"}
	c := types.Artifact{Kind: types.ArtifactDirectory, Source: "/data/a"}

	fa, _ := Compute(a)
	fb, _ := Compute(b)
	fc, _ := Compute(c)

	assert.NotEqual(t, fa, fb)
	assert.NotEqual(t, fa, fc)
}

func TestComputeNoCacheNeverCollides(t *testing.T) {
	a := types.Artifact{Kind: types.ArtifactFile, Source: "/data/a", Flags: types.FlagNoCache}

	fp1, err := Compute(a)
	require.NoError(t, err)
	fp2, err := Compute(a)
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestComputeBufferDependsOnData(t *testing.T) {
	a := types.Artifact{Kind: types.ArtifactBuffer, Data: []byte("hello")}
	b := types.Artifact{Kind: types.ArtifactBuffer, Data: []byte("world")}

	fa, _ := Compute(a)
	fb, _ := Compute(b)
	assert.NotEqual(t, fa, fb)
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArtifactValidateRejectsAbsoluteAndDotDot(t *testing.T) {
	cases := []struct {
		name string
		a    Artifact
		ok   bool
	}{
		{"relative ok", Artifact{Kind: ArtifactFile, RemoteName: "a/b"}, true},
		{"absolute rejected", Artifact{Kind: ArtifactFile, RemoteName: "/etc/passwd"}, false},
		{"dotdot rejected", Artifact{Kind: ArtifactFile, RemoteName: "a/../b"}, false},
		{"empty rejected", Artifact{Kind: ArtifactFile, RemoteName: ""}, false},
		{"file piece needs length", Artifact{Kind: ArtifactFilePiece, RemoteName: "a", Length: 0}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.a.Validate()
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// Package fingerprint computes the cache-key fingerprint for artifact
// descriptors (§4.6). Any stable digest of at least 128 bits suffices
// per the spec's design notes; this package uses blake2b-128 rather
// than MD5, matching golang.org/x/crypto usage elsewhere in the pack.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"github.com/cuemby/taskcoordinator/pkg/types"
)

// instanceCounter hands out the per-instance counter mixed into the
// fingerprint of non-cached artifacts so that two tasks never collide
// and a worker may safely delete its copy after the task completes.
var instanceCounter uint64

func nextInstance() uint64 {
	return atomic.AddUint64(&instanceCounter, 1)
}

// flagsClass collapses the flag bitset into the subset that partitions
// the fingerprint space: CACHE vs NOCACHE. WATCH/FAILURE_ONLY/
// SUCCESS_ONLY/UNPACK do not change the identity of the underlying
// content, so they are excluded from the digest.
func flagsClass(f types.ArtifactFlags) byte {
	if f.Has(types.FlagNoCache) {
		return 1
	}
	return 0
}

// Compute derives and returns the fingerprint for an artifact,
// formatted as a hex string. Cached artifacts (the default, unless
// NOCACHE is set) get a fingerprint that depends only on (kind, source,
// flags class), so identical artifacts across tasks share one cache
// entry. Non-cached artifacts additionally mix in a fresh per-process
// instance counter so they are never shared.
func Compute(a types.Artifact) (string, error) {
	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", fmt.Errorf("fingerprint: init digest: %w", err)
	}

	h.Write([]byte{byte(a.Kind)})
	h.Write([]byte{flagsClass(a.Flags)})

	switch a.Kind {
	case types.ArtifactBuffer:
		h.Write(a.Data)
	case types.ArtifactFilePiece:
		h.Write([]byte(a.Source))
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[:8], uint64(a.Offset))
		binary.BigEndian.PutUint64(buf[8:], uint64(a.Length))
		h.Write(buf[:])
	default:
		h.Write([]byte(a.Source))
	}

	if a.Flags.Has(types.FlagNoCache) {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], nextInstance())
		h.Write(buf[:])
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Assign computes and sets the fingerprint on a copy of the artifact.
func Assign(a types.Artifact) (types.Artifact, error) {
	fp, err := Compute(a)
	if err != nil {
		return a, err
	}
	a.Fingerprint = fp
	return a, nil
}

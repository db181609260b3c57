package types

import "testing"

import "github.com/stretchr/testify/assert"

func TestMergeResultPrecedence(t *testing.T) {
	// a high-order error clobbers a pending missing-* signal
	r := ResultUnknown
	r = MergeResult(r, ResultOutputMissing)
	assert.Equal(t, ResultOutputMissing, r)

	r = MergeResult(r, ResultResourceExhaustion)
	assert.Equal(t, ResultResourceExhaustion, r)

	// once high-order is set, later missing-* events are ignored
	r = MergeResult(r, ResultStdoutMissing)
	assert.Equal(t, ResultResourceExhaustion, r)

	// two high-order codes: the first one wins
	r = MergeResult(r, ResultSignal)
	assert.Equal(t, ResultResourceExhaustion, r)
}

func TestMergeResultInputMissingDisplacesOutputMissing(t *testing.T) {
	r := ResultOutputMissing
	r = MergeResult(r, ResultInputMissing)
	assert.Equal(t, ResultInputMissing, r)

	// and output-missing never displaces a recorded input-missing
	r = MergeResult(r, ResultOutputMissing)
	assert.Equal(t, ResultInputMissing, r)
}

func TestMergeResultNeverRevertsToUnknown(t *testing.T) {
	r := ResultSuccess
	r = MergeResult(r, ResultUnknown)
	assert.Equal(t, ResultSuccess, r)
}

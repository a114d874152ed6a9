package abci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullAssignsIncreasingBlockIDs(t *testing.T) {
	n := NewNull([32]byte{1})
	id1, err := n.AnalyzeBlock([]byte("block1"), BlockMeta{})
	assert.NoError(t, err)
	id2, err := n.AnalyzeBlock([]byte("block2"), BlockMeta{})
	assert.NoError(t, err)
	assert.Greater(t, id2, id1)
}

func TestNullReturnsConfiguredKey(t *testing.T) {
	key := [32]byte{9, 9, 9}
	n := NewNull(key)
	assert.Equal(t, key, n.GetKey())
}

func TestNullSubmitIsNoop(t *testing.T) {
	n := NewNull([32]byte{})
	assert.NoError(t, n.SubmitReceiptOnchain([]byte("receipt")))
}

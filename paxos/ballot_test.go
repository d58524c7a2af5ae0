package paxos

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBallotPacking(t *testing.T) {
	b := NewBallot(3, 17)
	assert.Equal(t, uint8(3), b.Counter())
	assert.Equal(t, uint8(17), b.NodeID())
	assert.Equal(t, "3.17", b.String())
}

func TestBallotOrderIsLexicographic(t *testing.T) {
	// Counter dominates; node id breaks ties.
	assert.True(t, NewBallot(1, 2) > NewBallot(1, 1))
	assert.True(t, NewBallot(2, 0) > NewBallot(1, 255))
	assert.True(t, NewBallot(2, 1) > NewBallot(1, 5))
	assert.True(t, NewBallot(1, 1) > 0)
}

func TestBallotZeroIsReserved(t *testing.T) {
	var b Ballot
	assert.True(t, b.IsZero())
	assert.False(t, NewBallot(1, 0).IsZero())
}

func TestBallotNextKeepsNodeID(t *testing.T) {
	b := NewBallot(1, 4)
	next := b.Next()
	assert.Equal(t, uint8(2), next.Counter())
	assert.Equal(t, uint8(4), next.NodeID())
	assert.True(t, next > b)
}

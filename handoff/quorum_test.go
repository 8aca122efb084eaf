package handoff

import (
	"testing"

	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/stretchr/testify/assert"
)

func node(b byte) interfaces.NodeID {
	return interfaces.NodeID{b}
}

func TestChecksumQuorum(t *testing.T) {
	a := interfaces.Checksum{0xa}
	b := interfaces.Checksum{0xb}

	tests := []struct {
		name   string
		votes  Votes
		quorum int
		want   interfaces.Checksum
		ok     bool
	}{
		{
			name:   "unanimous",
			votes:  Votes{node(1): a, node(2): a, node(3): a},
			quorum: 3,
			want:   a,
			ok:     true,
		},
		{
			name:   "minority does not block",
			votes:  Votes{node(1): a, node(2): b, node(3): a, node(4): a},
			quorum: 3,
			want:   a,
			ok:     true,
		},
		{
			name:   "split",
			votes:  Votes{node(1): a, node(2): b, node(3): a, node(4): b},
			quorum: 3,
		},
		{
			name:   "too few",
			votes:  Votes{node(1): a, node(2): a},
			quorum: 3,
		},
		{
			name:   "zero quorum never agrees",
			votes:  Votes{node(1): a},
			quorum: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ChecksumQuorum(tt.votes, tt.quorum)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestQuorumReachable(t *testing.T) {
	a := interfaces.Checksum{0xa}
	b := interfaces.Checksum{0xb}

	assert.True(t, QuorumReachable(Votes{}, 4, 3))
	assert.True(t, QuorumReachable(Votes{node(1): a, node(2): a}, 4, 3))
	assert.True(t, QuorumReachable(Votes{node(1): a, node(2): b}, 4, 3))
	assert.False(t, QuorumReachable(Votes{node(1): a, node(2): b, node(3): b, node(4): a}, 4, 3))
	assert.False(t, QuorumReachable(Votes{node(1): a, node(2): b, node(3): a}, 3, 3))
}

func TestThresholdPredicates(t *testing.T) {
	assert.True(t, ThresholdMet(3, 3))
	assert.False(t, ThresholdMet(2, 3))
	assert.False(t, ThresholdMet(0, 0))

	assert.True(t, ThresholdReachable(4, 1, 3))
	assert.False(t, ThresholdReachable(4, 2, 3))
}

func TestConfirmationQuorum(t *testing.T) {
	agreed := interfaces.Checksum{0xa}
	other := interfaces.Checksum{0xb}

	votes := Votes{node(1): agreed, node(2): other, node(3): agreed}
	assert.False(t, ConfirmationQuorum(votes, agreed, 3))

	votes[node(4)] = agreed
	assert.True(t, ConfirmationQuorum(votes, agreed, 3))
	assert.False(t, ConfirmationQuorum(votes, other, 3))
	assert.Equal(t, []interfaces.NodeID{node(2)}, votes.Dissenters(agreed))
}

func TestDefaultPredicates(t *testing.T) {
	p := DefaultPredicates()
	committee := interfaces.Committee{
		Members:   []interfaces.NodeID{node(1), node(2), node(3), node(4)},
		Threshold: 3,
		Quorum:    3,
	}
	c := interfaces.Checksum{0xc}

	_, ok := p.ApplicationsAgree(Votes{node(1): c, node(2): c}, committee)
	assert.False(t, ok)
	assert.True(t, p.AgreementReachable(Votes{node(1): c, node(2): c}, committee))

	got, ok := p.ApplicationsAgree(Votes{node(1): c, node(2): c, node(3): c}, committee)
	assert.True(t, ok)
	assert.Equal(t, c, got)

	assert.True(t, p.FetchComplete(3, committee))
	assert.False(t, p.FetchComplete(2, committee))
	assert.True(t, p.Finalized(Votes{node(1): c, node(2): c, node(4): c}, c, committee))

	assert.True(t, p.FaultsTolerated(1, committee))
	assert.False(t, p.FaultsTolerated(2, committee))
}

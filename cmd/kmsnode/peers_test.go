package main

import (
	"path/filepath"
	"testing"

	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/ruteri/tee-kms-handoff/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCommittee(t *testing.T) {
	members := make([]interfaces.NodeID, 7)
	for i := range members {
		members[i][0] = byte(i + 1)
	}

	c := defaultCommittee(members, 0, 0)
	assert.Equal(t, 3, c.Threshold)
	assert.Equal(t, 5, c.Quorum)
	require.NoError(t, c.Validate())

	c = defaultCommittee(members[:1], 0, 0)
	assert.Equal(t, 1, c.Threshold)
	assert.Equal(t, 1, c.Quorum)

	c = defaultCommittee(members, 4, 6)
	assert.Equal(t, 4, c.Threshold)
	assert.Equal(t, 6, c.Quorum)
}

func TestDefaultCommittee_SmallDevnetsDeal(t *testing.T) {
	dealer, err := kms.NewShamirDealer(nil)
	require.NoError(t, err)

	members := make([]interfaces.NodeID, 3)
	for i := range members {
		members[i][0] = byte(i + 1)
	}

	for n := 1; n <= 3; n++ {
		c := defaultCommittee(members[:n], 0, 0)
		require.NoError(t, c.Validate())

		id := interfaces.HandoffID{Scheme: 1, Epoch: interfaces.EpochTime(n)}
		var fragments []interfaces.Fragment
		for source := 1; source <= c.Threshold; source++ {
			dealt, err := dealer.Deal(id, c.Threshold, c.Size(), source)
			require.NoError(t, err, "committee of %d", n)
			data, err := dealer.Fragment(dealt, 1)
			require.NoError(t, err)
			fragments = append(fragments, interfaces.Fragment{Index: interfaces.FragmentIndex{Source: source, Target: 1}, Data: data})
		}
		dealt, err := dealer.Deal(id, c.Threshold, c.Size(), 1)
		require.NoError(t, err)
		_, err = dealer.Combine(fragments, c.Threshold, dealt.VerificationMatrix, 1)
		require.NoError(t, err, "committee of %d", n)
	}
}

func TestPeersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	peers := []Peer{
		{NodeID: interfaces.NodeID{0x01}, URL: "http://127.0.0.1:8100", OperatorURL: "http://127.0.0.1:8200"},
		{NodeID: interfaces.NodeID{0x02}, URL: "http://127.0.0.1:8101"},
	}
	require.NoError(t, savePeers(path, peers))

	loaded, err := loadPeers(path)
	require.NoError(t, err)
	assert.Equal(t, peers, loaded)

	url, ok := peerURL(loaded, interfaces.NodeID{0x02})
	assert.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8101", url)

	_, ok = peerURL(loaded, interfaces.NodeID{0x03})
	assert.False(t, ok)
}

func TestKeysFileIsReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")

	first, err := loadOrGenerateIdentities(path, 2)
	require.NoError(t, err)

	second, err := loadOrGenerateIdentities(path, 3)
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, first[0].NodeID(), second[0].NodeID())
	assert.Equal(t, first[1].NodeID(), second[1].NodeID())

	loaded, err := cryptoutils.LoadIdentity(second[2].Hex())
	require.NoError(t, err)
	assert.Equal(t, second[2].NodeID(), loaded.NodeID())
}

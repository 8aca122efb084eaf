package kms

import (
	"bytes"
	"testing"

	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dealAll deals for every member and returns the dealt material in index order.
func dealAll(t *testing.T, d *ShamirDealer, id interfaces.HandoffID, threshold, size int) []*interfaces.EncodedSecretShare {
	t.Helper()
	dealt := make([]*interfaces.EncodedSecretShare, size)
	for i := 1; i <= size; i++ {
		share, err := d.Deal(id, threshold, size, i)
		require.NoError(t, err)
		dealt[i-1] = share
	}
	return dealt
}

func fragmentsFor(t *testing.T, d *ShamirDealer, dealt []*interfaces.EncodedSecretShare, target int, sources ...int) []interfaces.Fragment {
	t.Helper()
	var out []interfaces.Fragment
	for _, source := range sources {
		data, err := d.Fragment(dealt[source-1], target)
		require.NoError(t, err)
		out = append(out, interfaces.Fragment{
			Index: interfaces.FragmentIndex{Source: source, Target: target},
			Data:  data,
		})
	}
	return out
}

func TestShamirDealer_MatrixAgreement(t *testing.T) {
	d, err := NewShamirDealer(nil)
	require.NoError(t, err)

	dealt := dealAll(t, d, handoffID(1), 3, 4)
	for _, share := range dealt[1:] {
		assert.Equal(t, dealt[0].VerificationMatrix, share.VerificationMatrix)
	}

	next := dealAll(t, d, handoffID(2), 3, 4)
	assert.False(t, dealt[0].VerificationMatrix.Equal(next[0].VerificationMatrix), "every handoff gets a fresh dealing")

	_, err = d.Deal(handoffID(1), 2, 4, 1)
	assert.Error(t, err, "parameters of an existing dealing cannot change")

	_, err = d.Deal(handoffID(1), 3, 4, 5)
	assert.Error(t, err)
}

func TestShamirDealer_VerifyFragment(t *testing.T) {
	d, err := NewShamirDealer(nil)
	require.NoError(t, err)

	dealt := dealAll(t, d, handoffID(1), 3, 4)
	matrix := dealt[0].VerificationMatrix

	frag := fragmentsFor(t, d, dealt, 2, 1)[0]
	assert.True(t, d.VerifyFragment(frag.Data, matrix, frag.Index))

	// Wrong position, corrupt data, or wrong matrix fail.
	assert.False(t, d.VerifyFragment(frag.Data, matrix, interfaces.FragmentIndex{Source: 3, Target: 2}))
	corrupt := bytes.Clone(frag.Data)
	corrupt[0] ^= 0xff
	assert.False(t, d.VerifyFragment(corrupt, matrix, frag.Index))
	assert.False(t, d.VerifyFragment(frag.Data, interfaces.VerificationMatrix("garbage"), frag.Index))
	assert.False(t, d.VerifyFragment(frag.Data, matrix, interfaces.FragmentIndex{Source: 0, Target: 2}))
}

func TestShamirDealer_Combine(t *testing.T) {
	d, err := NewShamirDealer(nil)
	require.NoError(t, err)

	dealt := dealAll(t, d, handoffID(1), 3, 4)
	matrix := dealt[0].VerificationMatrix

	share, err := d.Combine(fragmentsFor(t, d, dealt, 1, 2, 3, 4), 3, matrix, 1)
	require.NoError(t, err)
	assert.Equal(t, matrix, share.VerificationMatrix)

	// Any threshold subset yields the same share.
	again, err := d.Combine(fragmentsFor(t, d, dealt, 1, 1, 2, 4), 3, matrix, 1)
	require.NoError(t, err)
	assert.Equal(t, share.Polynomial, again.Polynomial)

	_, err = d.Combine(fragmentsFor(t, d, dealt, 1, 1, 2), 3, matrix, 1)
	assert.Error(t, err, "fewer than threshold fragments")

	bad := fragmentsFor(t, d, dealt, 1, 1, 2, 3)
	bad[1].Data[0] ^= 0xff
	_, err = d.Combine(bad, 3, matrix, 1)
	assert.ErrorIs(t, err, interfaces.ErrVerification)

	// Fragments for another target do not combine into this target's share.
	_, err = d.Combine(fragmentsFor(t, d, dealt, 2, 1, 2, 3), 3, matrix, 1)
	assert.ErrorIs(t, err, interfaces.ErrVerification)
}

func TestShamirDealer_ThresholdOne(t *testing.T) {
	secret := bytes.Repeat([]byte{0x24}, 32)
	d, err := NewShamirDealer(secret)
	require.NoError(t, err)

	for size := 1; size <= 3; size++ {
		id := handoffID(interfaces.EpochTime(size))
		dealt := dealAll(t, d, id, 1, size)
		matrix := dealt[0].VerificationMatrix

		var live []*interfaces.EncodedSecretShare
		for target := 1; target <= size; target++ {
			// A single fragment from any member is enough.
			frags := fragmentsFor(t, d, dealt, target, size)
			assert.True(t, d.VerifyFragment(frags[0].Data, matrix, frags[0].Index))

			share, err := d.Combine(frags, 1, matrix, target)
			require.NoError(t, err, "committee of %d", size)
			live = append(live, share)
		}

		recovered, err := Reconstruct(live)
		require.NoError(t, err)
		assert.Equal(t, secret, recovered)
	}

	_, err = d.Deal(handoffID(9), 0, 3, 1)
	assert.Error(t, err)
}

func TestShamirDealer_Proactivization(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	d, err := NewShamirDealer(secret)
	require.NoError(t, err)

	live := func(id interfaces.HandoffID) []*interfaces.EncodedSecretShare {
		dealt := dealAll(t, d, id, 2, 3)
		out := make([]*interfaces.EncodedSecretShare, 3)
		for target := 1; target <= 3; target++ {
			share, err := d.Combine(fragmentsFor(t, d, dealt, target, 1, 2), 2, dealt[0].VerificationMatrix, target)
			require.NoError(t, err)
			out[target-1] = share
		}
		return out
	}

	epoch1 := live(handoffID(1))
	epoch2 := live(handoffID(2))

	recovered, err := Reconstruct(epoch1[:2])
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)

	recovered, err = Reconstruct(epoch2[1:])
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)

	// Shares of different epochs do not combine to the secret.
	mixed, err := Reconstruct([]*interfaces.EncodedSecretShare{epoch1[0], epoch2[1]})
	if err == nil {
		assert.NotEqual(t, secret, mixed)
	}
}

func TestShamirDealer_Eviction(t *testing.T) {
	d, err := NewShamirDealer(nil)
	require.NoError(t, err)

	for e := interfaces.EpochTime(1); e <= 4; e++ {
		dealAll(t, d, handoffID(e), 2, 2)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.dealings, dealingsPerScheme)
	assert.Contains(t, d.dealings, handoffID(4))
	assert.Contains(t, d.dealings, handoffID(3))
}

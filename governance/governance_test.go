package governance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/tee-kms-handoff/cryptoutils"
	"github.com/ruteri/tee-kms-handoff/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCommittee(t *testing.T, n int) ([]*cryptoutils.Identity, interfaces.Committee) {
	t.Helper()
	ids := make([]*cryptoutils.Identity, n)
	committee := interfaces.Committee{Threshold: 2, Quorum: 2}
	for i := range ids {
		id, err := cryptoutils.GenerateIdentity()
		require.NoError(t, err)
		ids[i] = id
		committee.Members = append(committee.Members, id.NodeID())
	}
	return ids, committee
}

func epochEvent(epoch interfaces.EpochTime, committee interfaces.Committee) interfaces.EpochEvent {
	return interfaces.EpochEvent{Runtime: interfaces.RuntimeID{0x01}, Scheme: 0, Epoch: epoch, Committee: committee}
}

func receive(t *testing.T, events <-chan interfaces.AgreementEvent) interfaces.AgreementEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return interfaces.AgreementEvent{}
	}
}

func TestGovernance_OrdersAndReplaysEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids, committee := testCommittee(t, 3)
	gov := New(testLogger())
	defer gov.Close()

	early, err := gov.Subscribe(ctx)
	require.NoError(t, err)

	ev := epochEvent(1, committee)
	require.NoError(t, gov.AnnounceEpoch(ev))

	checksum := interfaces.Checksum{0xc}
	app, err := ids[1].SignApplication(interfaces.Application{HandoffID: ev.HandoffID(), Checksum: checksum})
	require.NoError(t, err)
	require.NoError(t, gov.SubmitApplication(ctx, app))
	require.NoError(t, gov.SubmitApplication(ctx, app), "resubmission is accepted")

	conf, err := ids[2].SignConfirmation(interfaces.Confirmation{HandoffID: ev.HandoffID(), Checksum: checksum})
	require.NoError(t, err)
	require.NoError(t, gov.SubmitConfirmation(ctx, conf))

	late, err := gov.Subscribe(ctx)
	require.NoError(t, err)

	for _, events := range []<-chan interfaces.AgreementEvent{early, late} {
		got := receive(t, events)
		require.NotNil(t, got.Epoch)
		assert.Equal(t, ev.HandoffID(), got.Epoch.HandoffID())

		got = receive(t, events)
		require.NotNil(t, got.Application)
		assert.Equal(t, ids[1].NodeID(), got.Application.Signer)

		got = receive(t, events)
		require.NotNil(t, got.Confirmation)
		assert.Equal(t, ids[2].NodeID(), got.Confirmation.Signer)
	}

	// The duplicate application was not delivered twice.
	select {
	case ev := <-late:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGovernance_RejectsInvalidSubmissions(t *testing.T) {
	ctx := context.Background()
	ids, committee := testCommittee(t, 3)
	outsider, err := cryptoutils.GenerateIdentity()
	require.NoError(t, err)

	gov := New(testLogger())
	defer gov.Close()

	ev := epochEvent(2, committee)
	require.NoError(t, gov.AnnounceEpoch(ev))
	assert.ErrorIs(t, gov.AnnounceEpoch(epochEvent(2, committee)), interfaces.ErrStaleHandoff)
	assert.Error(t, gov.AnnounceEpoch(epochEvent(3, interfaces.Committee{})))

	app, err := outsider.SignApplication(interfaces.Application{HandoffID: ev.HandoffID()})
	require.NoError(t, err)
	assert.ErrorIs(t, gov.SubmitApplication(ctx, app), interfaces.ErrNotMember)

	app, err = ids[0].SignApplication(interfaces.Application{HandoffID: epochEvent(1, committee).HandoffID()})
	require.NoError(t, err)
	assert.ErrorIs(t, gov.SubmitApplication(ctx, app), interfaces.ErrStaleHandoff)

	app, err = ids[0].SignApplication(interfaces.Application{HandoffID: ev.HandoffID()})
	require.NoError(t, err)
	app.Signature = app.Signature[:10]
	assert.ErrorIs(t, gov.SubmitApplication(ctx, app), interfaces.ErrInvalidSignature)

	// A tampered payload recovers to some other, non-member key.
	app, err = ids[0].SignApplication(interfaces.Application{HandoffID: ev.HandoffID()})
	require.NoError(t, err)
	app.Application.Checksum[0] ^= 0xff
	assert.ErrorIs(t, gov.SubmitApplication(ctx, app), interfaces.ErrNotMember)

	require.NoError(t, gov.Abandon(ev.HandoffID(), "operator request"))
	conf, err := ids[0].SignConfirmation(interfaces.Confirmation{HandoffID: ev.HandoffID()})
	require.NoError(t, err)
	assert.ErrorIs(t, gov.SubmitConfirmation(ctx, conf), interfaces.ErrStaleHandoff)
}

func TestGovernance_ExpiresApplicationDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewMock()
	ids, committee := testCommittee(t, 3)
	gov := New(testLogger(), WithClock(clk))
	defer gov.Close()

	ev := epochEvent(1, committee)
	ev.ApplicationDeadline = clk.Now().Add(time.Minute)
	require.NoError(t, gov.AnnounceEpoch(ev))

	app, err := ids[0].SignApplication(interfaces.Application{HandoffID: ev.HandoffID()})
	require.NoError(t, err)
	require.NoError(t, gov.SubmitApplication(ctx, app))

	assert.Zero(t, gov.Expire(clk.Now()))
	assert.Equal(t, 1, gov.Expire(clk.Now().Add(2*time.Minute)))
	assert.Zero(t, gov.Expire(clk.Now().Add(3*time.Minute)), "abandoned once")

	events, err := gov.Subscribe(ctx)
	require.NoError(t, err)
	receive(t, events)
	receive(t, events)
	got := receive(t, events)
	require.NotNil(t, got.Abandon)
	assert.Equal(t, ev.HandoffID(), got.Abandon.HandoffID)
	assert.Contains(t, got.Abandon.Reason, "insufficient applications")
}

func TestGovernance_CloseEndsSubscriptions(t *testing.T) {
	gov := New(testLogger())
	events, err := gov.Subscribe(context.Background())
	require.NoError(t, err)

	gov.Close()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	_, err = gov.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

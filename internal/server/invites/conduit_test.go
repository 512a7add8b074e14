package invites_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/invites"
	"github.com/dmitrijs2005/parsecd/internal/server/servertest"
)

type conduitEnv struct {
	env     *servertest.Env
	svc     *invites.Service
	token   uuid.UUID
	greeter protocol.UserID
}

func newConduit(t *testing.T) *conduitEnv {
	t.Helper()
	env := servertest.New(t)
	svc := newService(env)
	token, err := svc.NewUser(context.Background(), env.Org, env.Admin.DeviceID, "bob@example.com")
	if err != nil {
		t.Fatalf("create invitation: %v", err)
	}
	return &conduitEnv{env: env, svc: svc, token: token, greeter: env.Admin.UserID}
}

func (c *conduitEnv) talk(t *testing.T, peer invites.Peer, state protocol.ConduitState, payload string, last bool) *invites.ExchangeResult {
	t.Helper()
	result, err := c.svc.Talk(context.Background(), c.env.Org, c.token, c.greeter, peer, state, []byte(payload), last)
	if err != nil {
		t.Fatalf("talk %v at %s: %v", peer, state, err)
	}
	return result
}

func (c *conduitEnv) listen(t *testing.T, peer invites.Peer, state protocol.ConduitState) *invites.ExchangeResult {
	t.Helper()
	result, err := c.svc.Listen(context.Background(), c.env.Org, c.token, c.greeter, peer, state)
	if err != nil {
		t.Fatalf("listen %v at %s: %v", peer, state, err)
	}
	return result
}

// round plays one full exchange at state and asserts both sides see each
// other's payload.
func (c *conduitEnv) round(t *testing.T, state protocol.ConduitState, last bool) {
	t.Helper()
	c.talk(t, invites.PeerGreeter, state, "g-"+string(state), last)
	c.talk(t, invites.PeerClaimer, state, "c-"+string(state), false)

	first := c.listen(t, invites.PeerGreeter, state)
	if !first.PeerAnswered {
		t.Fatalf("greeter at %s: peer should have answered", state)
	}
	assert.Equal(t, []byte("c-"+string(state)), first.PeerPayload)
	assert.Equal(t, protocol.NextConduitState(state), first.State)

	// The claimer missed the transition and reads the cache.
	second := c.listen(t, invites.PeerClaimer, state)
	assert.True(t, second.PeerAnswered)
	assert.Equal(t, []byte("g-"+string(state)), second.PeerPayload)
	assert.Equal(t, protocol.NextConduitState(state), second.State)
}

func TestConduit_FullExchange(t *testing.T) {
	c := newConduit(t)

	c.round(t, protocol.ConduitWaitPeers, false)
	c.round(t, protocol.Conduit2A, false)
	c.round(t, protocol.Conduit2B, false)
	c.round(t, protocol.Conduit3A, false)
	c.round(t, protocol.Conduit3B, true)

	// The last exchange completed the invitation.
	_, err := c.svc.Info(context.Background(), c.env.Org, c.token)
	assert.ErrorIs(t, err, common.ErrInvitationAlreadyCompleted)
}

func TestConduit_ListenBeforePeerAnswers(t *testing.T) {
	c := newConduit(t)

	c.talk(t, invites.PeerGreeter, protocol.ConduitWaitPeers, "hello", false)
	result := c.listen(t, invites.PeerGreeter, protocol.ConduitWaitPeers)
	assert.False(t, result.PeerAnswered)
	assert.Nil(t, result.PeerPayload)
	assert.Equal(t, protocol.ConduitWaitPeers, result.State)
}

func TestConduit_ClaimerJoinPublishesReady(t *testing.T) {
	c := newConduit(t)

	c.talk(t, invites.PeerClaimer, protocol.ConduitWaitPeers, "hello", false)
	inv, err := c.svc.Info(context.Background(), c.env.Org, c.token)
	require.NoError(t, err)
	assert.Equal(t, protocol.InvitationReady, inv.Status)
}

func TestConduit_WrongState(t *testing.T) {
	c := newConduit(t)

	_, err := c.svc.Talk(context.Background(), c.env.Org, c.token, c.greeter,
		invites.PeerGreeter, protocol.Conduit3A, []byte("early"), false)
	assert.ErrorIs(t, err, common.ErrEnrollmentWrongState)

	_, err = c.svc.Listen(context.Background(), c.env.Org, c.token, c.greeter,
		invites.PeerGreeter, protocol.Conduit3A)
	assert.ErrorIs(t, err, common.ErrEnrollmentWrongState)
}

func TestConduit_LastFlagIsGreeterOnly(t *testing.T) {
	c := newConduit(t)

	_, err := c.svc.Talk(context.Background(), c.env.Org, c.token, c.greeter,
		invites.PeerClaimer, protocol.ConduitWaitPeers, []byte("x"), true)
	assert.ErrorIs(t, err, common.ErrEnrollmentWrongState)
}

func TestConduit_ResetFromWaitPeers(t *testing.T) {
	c := newConduit(t)

	c.round(t, protocol.ConduitWaitPeers, false)
	c.round(t, protocol.Conduit2A, false)

	// The claimer dropped and starts over: talking WAIT_PEERS resets the
	// conduit for both sides.
	result := c.talk(t, invites.PeerClaimer, protocol.ConduitWaitPeers, "restart", false)
	assert.Equal(t, protocol.ConduitWaitPeers, result.State)

	// The greeter's in-flight round now observes the reset.
	_, err := c.svc.Talk(context.Background(), c.env.Org, c.token, c.greeter,
		invites.PeerGreeter, protocol.Conduit2B, []byte("stale"), false)
	assert.ErrorIs(t, err, common.ErrEnrollmentWrongState)

	// And can follow from the beginning.
	c.talk(t, invites.PeerGreeter, protocol.ConduitWaitPeers, "again", false)
	first := c.listen(t, invites.PeerClaimer, protocol.ConduitWaitPeers)
	assert.True(t, first.PeerAnswered)
	assert.Equal(t, []byte("again"), first.PeerPayload)
}

func TestConduit_CompletionIsTerminal(t *testing.T) {
	c := newConduit(t)
	ctx := context.Background()

	c.round(t, protocol.ConduitWaitPeers, false)
	c.talk(t, invites.PeerGreeter, protocol.Conduit2A, "final", true)
	c.talk(t, invites.PeerClaimer, protocol.Conduit2A, "ack", false)
	c.listen(t, invites.PeerGreeter, protocol.Conduit2A)

	// The invitation is COMPLETED; Info reports it and new rounds fail.
	_, err := c.svc.Info(ctx, c.env.Org, c.token)
	assert.ErrorIs(t, err, common.ErrInvitationAlreadyCompleted)

	_, err = c.svc.Talk(ctx, c.env.Org, c.token, c.greeter,
		invites.PeerGreeter, protocol.Conduit2B, []byte("more"), false)
	assert.ErrorIs(t, err, common.ErrInvitationAlreadyCompleted)

	// The claimer can still collect the final cached payload.
	result, err := c.svc.Listen(ctx, c.env.Org, c.token, c.greeter,
		invites.PeerClaimer, protocol.Conduit2A)
	require.NoError(t, err)
	assert.True(t, result.PeerAnswered)
	assert.Equal(t, []byte("final"), result.PeerPayload)
}

func TestConduit_CancelledBlocksExchange(t *testing.T) {
	c := newConduit(t)
	ctx := context.Background()

	require.NoError(t, c.svc.Cancel(ctx, c.env.Org, c.env.Admin.DeviceID, c.token))
	_, err := c.svc.Talk(ctx, c.env.Org, c.token, c.greeter,
		invites.PeerGreeter, protocol.ConduitWaitPeers, []byte("x"), false)
	assert.ErrorIs(t, err, common.ErrInvitationCancelled)
}

func TestConduit_ForeignGreeterRejected(t *testing.T) {
	c := newConduit(t)
	bob := c.env.Enroll(t, "bob", "bob2@example.com", protocol.ProfileStandard)

	_, err := c.svc.Talk(context.Background(), c.env.Org, c.token, bob.UserID,
		invites.PeerGreeter, protocol.ConduitWaitPeers, []byte("x"), false)
	assert.ErrorIs(t, err, common.ErrAuthorNotAllowed)
}

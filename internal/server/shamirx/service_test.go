package shamirx_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/invites"
	"github.com/dmitrijs2005/parsecd/internal/server/servertest"
	"github.com/dmitrijs2005/parsecd/internal/server/shamirx"
	"github.com/dmitrijs2005/parsecd/internal/server/users"
)

func newService(env *servertest.Env) *shamirx.Service {
	return shamirx.NewService(env.Log, env.Store, env.Bus, env.Validator)
}

func briefCert(author servertest.Device, threshold uint64, shares map[protocol.UserID]uint64, ts time.Time) []byte {
	return protocol.MustSeal(author.SigningKey, protocol.ShamirBriefCertificate{
		Type:               protocol.TypeShamirBriefCertificate,
		Author:             author.DeviceID,
		Timestamp:          ts,
		UserID:             author.UserID,
		Threshold:          threshold,
		PerRecipientShares: shares,
	})
}

func shareCert(author servertest.Device, recipient protocol.UserID, ts time.Time) []byte {
	return protocol.MustSeal(author.SigningKey, protocol.ShamirShareCertificate{
		Type:      protocol.TypeShamirShareCertificate,
		Author:    author.DeviceID,
		Timestamp: ts,
		UserID:    author.UserID,
		Recipient: recipient,
	})
}

func setupParams(author servertest.Device, threshold uint64, recipients map[protocol.UserID]uint64, ts time.Time) shamirx.SetupParams {
	params := shamirx.SetupParams{
		BriefCertificate: briefCert(author, threshold, recipients, ts),
		CipheredData:     []byte("ciphered-recovery-data"),
		RevealToken:      uuid.New(),
	}
	for recipient := range recipients {
		params.ShareCertificates = append(params.ShareCertificates, shareCert(author, recipient, ts))
	}
	return params
}

func TestSetupAndReveal(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	alice := env.Enroll(t, "alice2", "alice2@example.com", protocol.ProfileStandard)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	carol := env.Enroll(t, "carol", "carol@example.com", protocol.ProfileStandard)
	ctx := context.Background()

	params := setupParams(alice, 2, map[protocol.UserID]uint64{bob.UserID: 1, carol.UserID: 2}, env.NextTime())
	require.NoError(t, svc.Setup(ctx, env.Org, alice.DeviceID, params))

	data, err := svc.Reveal(ctx, env.Org, params.RevealToken)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphered-recovery-data"), data)

	_, err = svc.Reveal(ctx, env.Org, uuid.New())
	assert.ErrorIs(t, err, common.ErrInvalidRevealToken)
}

func TestSetup_InvalidThreshold(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	alice := env.Enroll(t, "alice2", "alice2@example.com", protocol.ProfileStandard)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	ctx := context.Background()

	// Threshold above the total share count.
	params := setupParams(alice, 3, map[protocol.UserID]uint64{bob.UserID: 2}, env.NextTime())
	assert.ErrorIs(t, svc.Setup(ctx, env.Org, alice.DeviceID, params), common.ErrInvalidCertificate)

	// Zero threshold.
	params = setupParams(alice, 0, map[protocol.UserID]uint64{bob.UserID: 2}, env.NextTime())
	assert.ErrorIs(t, svc.Setup(ctx, env.Org, alice.DeviceID, params), common.ErrInvalidCertificate)
}

func TestSetup_SelfRecipientForbidden(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	alice := env.Enroll(t, "alice2", "alice2@example.com", protocol.ProfileStandard)

	params := setupParams(alice, 1, map[protocol.UserID]uint64{alice.UserID: 1}, env.NextTime())
	err := svc.Setup(context.Background(), env.Org, alice.DeviceID, params)
	assert.ErrorIs(t, err, common.ErrInvalidCertificate)
}

func TestSetup_ShareCountMismatch(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	alice := env.Enroll(t, "alice2", "alice2@example.com", protocol.ProfileStandard)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	carol := env.Enroll(t, "carol", "carol@example.com", protocol.ProfileStandard)
	ts := env.NextTime()

	params := shamirx.SetupParams{
		BriefCertificate:  briefCert(alice, 1, map[protocol.UserID]uint64{bob.UserID: 1, carol.UserID: 1}, ts),
		ShareCertificates: [][]byte{shareCert(alice, bob.UserID, ts)},
		CipheredData:      []byte("data"),
		RevealToken:       uuid.New(),
	}
	err := svc.Setup(context.Background(), env.Org, alice.DeviceID, params)
	assert.ErrorIs(t, err, common.ErrInvalidCertificate)
}

func TestSetup_RevokedRecipient(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	alice := env.Enroll(t, "alice2", "alice2@example.com", protocol.ProfileStandard)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	ctx := context.Background()

	revoke := protocol.MustSeal(env.Admin.SigningKey, protocol.RevokedUserCertificate{
		Type:      protocol.TypeRevokedUserCertificate,
		Author:    env.Admin.DeviceID,
		Timestamp: env.NextTime(),
		UserID:    bob.UserID,
	})
	userService := users.NewService(env.Log, env.Store, env.Bus, env.Validator)
	require.NoError(t, userService.Revoke(ctx, env.Org, env.Admin.DeviceID, revoke))

	params := setupParams(alice, 1, map[protocol.UserID]uint64{bob.UserID: 1}, env.NextTime())
	err := svc.Setup(ctx, env.Org, alice.DeviceID, params)
	assert.ErrorIs(t, err, common.ErrRecipientRevoked)
}

func TestSetup_ReplacesAndCancelsPendingInvitation(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	alice := env.Enroll(t, "alice2", "alice2@example.com", protocol.ProfileStandard)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	carol := env.Enroll(t, "carol", "carol@example.com", protocol.ProfileStandard)
	ctx := context.Background()

	first := setupParams(alice, 1, map[protocol.UserID]uint64{bob.UserID: 1}, env.NextTime())
	require.NoError(t, svc.Setup(ctx, env.Org, alice.DeviceID, first))

	// Bob starts a recovery for alice.
	inviteService := invites.NewService(env.Log, env.Store, env.Bus)
	token, err := inviteService.NewShamirRecovery(ctx, env.Org, bob.DeviceID, alice.UserID)
	require.NoError(t, err)

	// Alice re-installs a new setup: the old reveal token dies and the
	// pending invitation is cancelled.
	second := setupParams(alice, 1, map[protocol.UserID]uint64{carol.UserID: 1}, env.NextTime())
	require.NoError(t, svc.Setup(ctx, env.Org, alice.DeviceID, second))

	_, err = svc.Reveal(ctx, env.Org, first.RevealToken)
	assert.ErrorIs(t, err, common.ErrInvalidRevealToken)
	_, err = svc.Reveal(ctx, env.Org, second.RevealToken)
	assert.NoError(t, err)

	_, err = inviteService.Info(ctx, env.Org, token)
	assert.ErrorIs(t, err, common.ErrInvitationCancelled)
}

func TestNewShamirRecovery_RecipientOnly(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	alice := env.Enroll(t, "alice2", "alice2@example.com", protocol.ProfileStandard)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	carol := env.Enroll(t, "carol", "carol@example.com", protocol.ProfileStandard)
	ctx := context.Background()

	params := setupParams(alice, 1, map[protocol.UserID]uint64{bob.UserID: 1}, env.NextTime())
	require.NoError(t, svc.Setup(ctx, env.Org, alice.DeviceID, params))

	inviteService := invites.NewService(env.Log, env.Store, env.Bus)

	// Carol holds no share.
	_, err := inviteService.NewShamirRecovery(ctx, env.Org, carol.DeviceID, alice.UserID)
	assert.ErrorIs(t, err, common.ErrAuthorNotAllowed)

	// Bob does; repeated requests reuse the pending invitation.
	token, err := inviteService.NewShamirRecovery(ctx, env.Org, bob.DeviceID, alice.UserID)
	require.NoError(t, err)
	again, err := inviteService.NewShamirRecovery(ctx, env.Org, bob.DeviceID, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, token, again)

	// No setup, no invitation.
	_, err = inviteService.NewShamirRecovery(ctx, env.Org, bob.DeviceID, carol.UserID)
	assert.ErrorIs(t, err, common.ErrShamirSetupNotFound)
}

func TestDelete(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	alice := env.Enroll(t, "alice2", "alice2@example.com", protocol.ProfileStandard)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	ctx := context.Background()

	params := setupParams(alice, 1, map[protocol.UserID]uint64{bob.UserID: 1}, env.NextTime())
	require.NoError(t, svc.Setup(ctx, env.Org, alice.DeviceID, params))

	require.NoError(t, svc.Delete(ctx, env.Org, alice.DeviceID))
	_, err := svc.Reveal(ctx, env.Org, params.RevealToken)
	assert.ErrorIs(t, err, common.ErrInvalidRevealToken)

	// Deleting a missing setup.
	err = svc.Delete(ctx, env.Org, alice.DeviceID)
	assert.ErrorIs(t, err, common.ErrShamirSetupNotFound)
}

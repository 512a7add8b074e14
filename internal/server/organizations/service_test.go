package organizations_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/organizations"
	"github.com/dmitrijs2005/parsecd/internal/server/servertest"
	"github.com/dmitrijs2005/parsecd/internal/server/users"
)

func newService(env *servertest.Env) *organizations.Service {
	return organizations.NewService(env.Log, env.Store, env.Bus, env.Validator)
}

func TestCreate_AlreadyBootstrapped(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)

	err := svc.Create(context.Background(), organizations.CreateParams{
		ID:             env.Org,
		BootstrapToken: "other-token",
	})
	assert.ErrorIs(t, err, common.ErrOrganizationAlreadyExists)
}

func TestCreate_OverwritesUnbootstrapped(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, organizations.CreateParams{
		ID:             "org2",
		BootstrapToken: "first-token",
	}))
	// Not bootstrapped yet: re-creating rotates the token.
	require.NoError(t, svc.Create(ctx, organizations.CreateParams{
		ID:             "org2",
		BootstrapToken: "second-token",
	}))

	_, certs := env.ForgeUser(t, env.RootKey, "", "bob", "bob@example.com", protocol.ProfileAdmin, env.NextTime())
	err := svc.Bootstrap(ctx, organizations.BootstrapParams{
		ID:                        "org2",
		BootstrapToken:            "first-token",
		RootVerifyKey:             env.RootKey.VerifyKey(),
		UserCertificate:           certs.User,
		RedactedUserCertificate:   certs.RedactedUser,
		DeviceCertificate:         certs.Device,
		RedactedDeviceCertificate: certs.RedactedDevice,
	})
	assert.ErrorIs(t, err, common.ErrInvalidBootstrapToken)
}

func TestBootstrap_Twice(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)

	_, certs := env.ForgeUser(t, env.RootKey, "", "bob", "bob@example.com", protocol.ProfileAdmin, env.NextTime())
	err := svc.Bootstrap(context.Background(), organizations.BootstrapParams{
		ID:                        env.Org,
		BootstrapToken:            "bootstrap-token",
		RootVerifyKey:             env.RootKey.VerifyKey(),
		UserCertificate:           certs.User,
		RedactedUserCertificate:   certs.RedactedUser,
		DeviceCertificate:         certs.Device,
		RedactedDeviceCertificate: certs.RedactedDevice,
	})
	assert.ErrorIs(t, err, common.ErrOrganizationAlreadyBootstrapped)
}

func TestBootstrap_FirstUserMustBeAdmin(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, organizations.CreateParams{
		ID:             "org2",
		BootstrapToken: "token",
	}))
	_, certs := env.ForgeUser(t, env.RootKey, "", "bob", "bob@example.com", protocol.ProfileStandard, env.NextTime())
	err := svc.Bootstrap(ctx, organizations.BootstrapParams{
		ID:                        "org2",
		BootstrapToken:            "token",
		RootVerifyKey:             env.RootKey.VerifyKey(),
		UserCertificate:           certs.User,
		RedactedUserCertificate:   certs.RedactedUser,
		DeviceCertificate:         certs.Device,
		RedactedDeviceCertificate: certs.RedactedDevice,
	})
	assert.ErrorIs(t, err, common.ErrInvalidCertificate)
}

func TestBootstrap_TimestampOutOfBallpark(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, organizations.CreateParams{
		ID:             "org2",
		BootstrapToken: "token",
	}))
	stale := time.Now().UTC().Add(-time.Hour)
	_, certs := env.ForgeUser(t, env.RootKey, "", "bob", "bob@example.com", protocol.ProfileAdmin, stale)
	err := svc.Bootstrap(ctx, organizations.BootstrapParams{
		ID:                        "org2",
		BootstrapToken:            "token",
		RootVerifyKey:             env.RootKey.VerifyKey(),
		UserCertificate:           certs.User,
		RedactedUserCertificate:   certs.RedactedUser,
		DeviceCertificate:         certs.Device,
		RedactedDeviceCertificate: certs.RedactedDevice,
	})
	var ballpark *common.TimestampOutOfBallparkError
	assert.ErrorAs(t, err, &ballpark)
}

func TestSetExpired_BlocksAuthenticatedCommands(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	ctx := context.Background()

	require.NoError(t, svc.SetExpired(ctx, env.Org, true))

	userService := users.NewService(env.Log, env.Store, env.Bus, env.Validator)
	err := userService.Ping(ctx, env.Org, env.Admin.DeviceID, "hello")
	assert.ErrorIs(t, err, common.ErrOrganizationExpired)

	// Un-expiring restores access.
	require.NoError(t, svc.SetExpired(ctx, env.Org, false))
	assert.NoError(t, userService.Ping(ctx, env.Org, env.Admin.DeviceID, "hello"))
}

func TestUpdateConfig(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	ctx := context.Background()

	limit := int64(5)
	limitPtr := &limit
	outsiders := true
	require.NoError(t, svc.UpdateConfig(ctx, env.Org, organizations.ConfigUpdate{
		ActiveUsersLimit:           &limitPtr,
		UserProfileOutsiderAllowed: &outsiders,
		TosPerLocaleURLs:           map[string]string{"en": "https://example.com/tos"},
	}))

	org, err := svc.Get(ctx, env.Org)
	require.NoError(t, err)
	require.NotNil(t, org.ActiveUsersLimit)
	assert.Equal(t, int64(5), *org.ActiveUsersLimit)
	assert.True(t, org.UserProfileOutsiderAllowed)
	require.NotNil(t, org.TosUpdatedOn)
	assert.Equal(t, "https://example.com/tos", org.TosPerLocaleURLs["en"])

	// A nil inner pointer removes the limit; untouched fields survive.
	var noLimit *int64
	require.NoError(t, svc.UpdateConfig(ctx, env.Org, organizations.ConfigUpdate{
		ActiveUsersLimit: &noLimit,
	}))
	org, err = svc.Get(ctx, env.Org)
	require.NoError(t, err)
	assert.Nil(t, org.ActiveUsersLimit)
	assert.True(t, org.UserProfileOutsiderAllowed)
}

func TestStats(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)

	env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)

	stats, err := svc.Stats(context.Background(), env.Org)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActiveUsers)
	assert.Equal(t, int64(0), stats.RevokedUsers)
}

package blocks_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/blocks"
	"github.com/dmitrijs2005/parsecd/internal/server/realms"
	"github.com/dmitrijs2005/parsecd/internal/server/servertest"
)

func newService(env *servertest.Env) *blocks.Service {
	return blocks.NewService(env.Log, env.Store, blocks.NewMemoryBlockstore())
}

func newRealm(t *testing.T, env *servertest.Env) uuid.UUID {
	t.Helper()
	svc := realms.NewService(env.Log, env.Store, env.Bus, env.Validator)
	realm := uuid.New()
	cert := servertest.RealmRoleCert(env.Admin, realm, env.Admin.UserID, servertest.RolePtr(protocol.RoleOwner), env.NextTime())
	if err := svc.Create(context.Background(), env.Org, env.Admin.DeviceID, cert); err != nil {
		t.Fatalf("create realm: %v", err)
	}
	return realm
}

func TestCreateAndRead(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	realm := newRealm(t, env)
	block := uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, env.Org, env.Admin.DeviceID, block, realm, 0, []byte("payload")))

	result, err := svc.Read(ctx, env.Org, env.Admin.DeviceID, block)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), result.Data)
	assert.Equal(t, uint64(0), result.KeyIndex)
}

func TestCreate_Duplicate(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	realm := newRealm(t, env)
	block := uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, env.Org, env.Admin.DeviceID, block, realm, 0, []byte("payload")))
	err := svc.Create(ctx, env.Org, env.Admin.DeviceID, block, realm, 0, []byte("other"))
	assert.ErrorIs(t, err, common.ErrBlockAlreadyExists)
}

func TestCreate_RequiresWriteRole(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	realm := newRealm(t, env)
	ctx := context.Background()

	err := svc.Create(ctx, env.Org, bob.DeviceID, uuid.New(), realm, 0, []byte("payload"))
	assert.ErrorIs(t, err, common.ErrAuthorNotAllowed)

	realmService := realms.NewService(env.Log, env.Store, env.Bus, env.Validator)
	cert := servertest.RealmRoleCert(env.Admin, realm, bob.UserID, servertest.RolePtr(protocol.RoleReader), env.NextTime())
	require.NoError(t, realmService.Share(ctx, env.Org, env.Admin.DeviceID, realms.ShareParams{Certificate: cert}))

	err = svc.Create(ctx, env.Org, bob.DeviceID, uuid.New(), realm, 0, []byte("payload"))
	assert.ErrorIs(t, err, common.ErrAuthorNotAllowed)
}

func TestCreate_BadKeyIndex(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	realm := newRealm(t, env)

	err := svc.Create(context.Background(), env.Org, env.Admin.DeviceID, uuid.New(), realm, 2, []byte("payload"))
	var badIndex *common.BadKeyIndexError
	assert.ErrorAs(t, err, &badIndex)
}

func TestCreate_UnknownRealm(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)

	err := svc.Create(context.Background(), env.Org, env.Admin.DeviceID, uuid.New(), uuid.New(), 0, []byte("payload"))
	assert.ErrorIs(t, err, common.ErrRealmNotFound)
}

func TestRead_RequiresRole(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)
	bob := env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)
	realm := newRealm(t, env)
	block := uuid.New()
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, env.Org, env.Admin.DeviceID, block, realm, 0, []byte("payload")))

	_, err := svc.Read(ctx, env.Org, bob.DeviceID, block)
	assert.ErrorIs(t, err, common.ErrAuthorNotAllowed)

	// READER is enough to read.
	realmService := realms.NewService(env.Log, env.Store, env.Bus, env.Validator)
	cert := servertest.RealmRoleCert(env.Admin, realm, bob.UserID, servertest.RolePtr(protocol.RoleReader), env.NextTime())
	require.NoError(t, realmService.Share(ctx, env.Org, env.Admin.DeviceID, realms.ShareParams{Certificate: cert}))
	result, err := svc.Read(ctx, env.Org, bob.DeviceID, block)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), result.Data)
}

func TestRead_Unknown(t *testing.T) {
	env := servertest.New(t)
	svc := newService(env)

	_, err := svc.Read(context.Background(), env.Org, env.Admin.DeviceID, uuid.New())
	assert.ErrorIs(t, err, common.ErrBlockNotFound)
}

func TestFilesystemBlockstore(t *testing.T) {
	bs := blocks.NewFilesystemBlockstore(t.TempDir())
	ctx := context.Background()
	block := uuid.New()

	_, err := bs.Get(ctx, "org", block)
	assert.ErrorIs(t, err, common.ErrBlockNotFound)

	require.NoError(t, bs.Put(ctx, "org", block, []byte("payload")))
	data, err := bs.Get(ctx, "org", block)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	// Re-putting the same block is idempotent.
	require.NoError(t, bs.Put(ctx, "org", block, []byte("payload")))
}

package protocol

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/parsecd/internal/cryptox"
)

func testKey(t *testing.T) (cryptox.SigningKey, cryptox.VerifyKey) {
	t.Helper()
	sk, vk, err := cryptox.GenerateSigningKey()
	require.NoError(t, err)
	return sk, vk
}

func TestUserCertificate_RoundTrip(t *testing.T) {
	sk, vk := testKey(t)

	cert := UserCertificate{
		Type:      TypeUserCertificate,
		Author:    "alice@laptop",
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 678901000, time.UTC),
		UserID:    "bob",
		HumanHandle: &HumanHandle{
			Email: "bob@example.com",
			Label: "Bob",
		},
		PublicKey: []byte{1, 2, 3},
		Profile:   ProfileStandard,
	}

	signed, err := Seal(sk, cert)
	require.NoError(t, err)

	var got UserCertificate
	require.NoError(t, Open(vk, signed, TypeUserCertificate, &got))
	assert.Equal(t, cert.Author, got.Author)
	assert.True(t, cert.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, cert.UserID, got.UserID)
	assert.Equal(t, cert.HumanHandle, got.HumanHandle)
	assert.Equal(t, cert.Profile, got.Profile)
}

func TestUserCertificate_RedactedHasNilHandle(t *testing.T) {
	sk, vk := testKey(t)

	signed := MustSeal(sk, UserCertificate{
		Type:      TypeUserCertificate,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		UserID:    "bob",
		Profile:   ProfileOutsider,
	})

	var got UserCertificate
	require.NoError(t, Open(vk, signed, TypeUserCertificate, &got))
	assert.Nil(t, got.HumanHandle)
	assert.Empty(t, got.Author)
}

func TestRealmRoleCertificate_NilRoleMeansUnshare(t *testing.T) {
	sk, vk := testKey(t)
	realm := uuid.New()

	signed := MustSeal(sk, RealmRoleCertificate{
		Type:      TypeRealmRoleCertificate,
		Author:    "alice@laptop",
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		RealmID:   realm,
		UserID:    "bob",
	})

	var got RealmRoleCertificate
	require.NoError(t, Open(vk, signed, TypeRealmRoleCertificate, &got))
	assert.Nil(t, got.Role)
	assert.Equal(t, realm, got.RealmID)
}

func TestOpen_RejectsWrongType(t *testing.T) {
	sk, vk := testKey(t)

	signed := MustSeal(sk, RevokedUserCertificate{
		Type:      TypeRevokedUserCertificate,
		Author:    "alice@laptop",
		Timestamp: time.Now().UTC(),
		UserID:    "bob",
	})

	var got UserCertificate
	err := Open(vk, signed, TypeUserCertificate, &got)
	assert.ErrorIs(t, err, ErrUnexpectedCertificateType)
}

func TestOpen_RejectsWrongKey(t *testing.T) {
	sk, _ := testKey(t)
	_, otherVk := testKey(t)

	signed := MustSeal(sk, RevokedUserCertificate{
		Type:      TypeRevokedUserCertificate,
		Timestamp: time.Now().UTC(),
		UserID:    "bob",
	})

	var got RevokedUserCertificate
	err := Open(otherVk, signed, TypeRevokedUserCertificate, &got)
	assert.ErrorIs(t, err, cryptox.ErrInvalidSignature)
}

func TestPeekType(t *testing.T) {
	sk, _ := testKey(t)

	signed := MustSeal(sk, ShamirBriefCertificate{
		Type:      TypeShamirBriefCertificate,
		Author:    "alice@laptop",
		Timestamp: time.Now().UTC(),
		UserID:    "alice",
		Threshold: 2,
		PerRecipientShares: map[UserID]uint64{
			"bob":   1,
			"carol": 2,
		},
	})

	got, err := PeekType(signed)
	require.NoError(t, err)
	assert.Equal(t, TypeShamirBriefCertificate, got)
}

func TestNextConduitState(t *testing.T) {
	order := []ConduitState{ConduitWaitPeers, Conduit2A, Conduit2B, Conduit3A, Conduit3B, Conduit4}
	for i := 0; i < len(order)-1; i++ {
		assert.Equal(t, order[i+1], NextConduitState(order[i]))
	}
	assert.Equal(t, Conduit4, NextConduitState(Conduit4))
}

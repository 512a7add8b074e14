package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dmitrijs2005/parsecd/internal/cryptox"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/blocks"
	"github.com/dmitrijs2005/parsecd/internal/server/config"
	"github.com/dmitrijs2005/parsecd/internal/server/invites"
	"github.com/dmitrijs2005/parsecd/internal/server/organizations"
	"github.com/dmitrijs2005/parsecd/internal/server/realms"
	"github.com/dmitrijs2005/parsecd/internal/server/sequester"
	"github.com/dmitrijs2005/parsecd/internal/server/servertest"
	"github.com/dmitrijs2005/parsecd/internal/server/shamirx"
	"github.com/dmitrijs2005/parsecd/internal/server/users"
	"github.com/dmitrijs2005/parsecd/internal/server/vlobs"
)

type fixture struct {
	env *servertest.Env
	mux http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := servertest.New(t)
	cfg := &config.Config{}
	cfg.LoadDefaults()

	srv := NewServer(cfg, env.Log, env.Store, env.Bus, env.Validator,
		organizations.NewService(env.Log, env.Store, env.Bus, env.Validator),
		users.NewService(env.Log, env.Store, env.Bus, env.Validator),
		realms.NewService(env.Log, env.Store, env.Bus, env.Validator),
		vlobs.NewService(env.Log, env.Store, env.Bus, env.Validator,
			sequester.NewWebhookGate(env.Log, time.Second)),
		blocks.NewService(env.Log, env.Store, blocks.NewMemoryBlockstore()),
		invites.NewService(env.Log, env.Store, env.Bus),
		sequester.NewService(env.Log, env.Store, env.Bus, env.Validator),
		shamirx.NewService(env.Log, env.Store, env.Bus, env.Validator),
	)
	return &fixture{env: env, mux: srv.routes()}
}

func (f *fixture) adminRequest(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	token, err := GenerateAdminToken("ops", []byte("secretKey"), time.Minute)
	require.NoError(t, err)
	var raw []byte
	if body != nil {
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

// signedRequest builds a device-signed request the way a client would.
func signedRequest(device servertest.Device, method, path string, body []byte) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	stamp := time.Now().UTC().Format(time.RFC3339)
	signed := []byte(string(device.DeviceID) + "." + stamp + ".")
	signed = append(signed, body...)
	sig := device.SigningKey.Sign(signed)[:cryptox.SignatureSize]
	req.Header.Set("Authorization", "PARSEC-SIGN-ED25519")
	req.Header.Set("Author", string(device.DeviceID))
	req.Header.Set("Timestamp", stamp)
	req.Header.Set("Signature", base64.StdEncoding.EncodeToString(sig))
	return req
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t)

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/administration/organizations/test-org", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token signed with the wrong secret.
	token, err := GenerateAdminToken("ops", []byte("wrong"), time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/administration/organizations/test-org", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Expired token.
	token, err = GenerateAdminToken("ops", []byte("secretKey"), -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/administration/organizations/test-org", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	rec = f.adminRequest(t, http.MethodGet, "/administration/organizations/test-org", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminCreateOrganization(t *testing.T) {
	f := newFixture(t)

	rec := f.adminRequest(t, http.MethodPost, "/administration/organizations",
		map[string]any{"organization_id": "org2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		BootstrapToken string `json:"bootstrap_token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.BootstrapToken)

	// The fixture organization is bootstrapped already.
	rec = f.adminRequest(t, http.MethodPost, "/administration/organizations",
		map[string]any{"organization_id": "test-org"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing id.
	rec = f.adminRequest(t, http.MethodPost, "/administration/organizations", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminGetOrganization(t *testing.T) {
	f := newFixture(t)

	rec := f.adminRequest(t, http.MethodGet, "/administration/organizations/test-org", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		IsBootstrapped bool `json:"is_bootstrapped"`
		Sequestered    bool `json:"sequestered"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.IsBootstrapped)
	assert.False(t, resp.Sequestered)

	rec = f.adminRequest(t, http.MethodGet, "/administration/organizations/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminUpdateOrganization(t *testing.T) {
	f := newFixture(t)

	limit := func() *int64 {
		rec := f.adminRequest(t, http.MethodGet, "/administration/organizations/test-org", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			ActiveUsersLimit *int64 `json:"active_users_limit"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.ActiveUsersLimit
	}

	rec := f.adminRequest(t, http.MethodPatch, "/administration/organizations/test-org",
		map[string]any{"active_users_limit": 5})
	require.Equal(t, http.StatusOK, rec.Code)
	got := limit()
	require.NotNil(t, got)
	assert.Equal(t, int64(5), *got)

	// An absent field leaves the limit untouched.
	rec = f.adminRequest(t, http.MethodPatch, "/administration/organizations/test-org",
		map[string]any{"user_profile_outsider_allowed": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, limit())

	// An explicit null removes it.
	rec = f.adminRequest(t, http.MethodPatch, "/administration/organizations/test-org",
		map[string]any{"active_users_limit": nil})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, limit())
}

func TestAdminFreezeUser(t *testing.T) {
	f := newFixture(t)
	f.env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)

	rec := f.adminRequest(t, http.MethodPost, "/administration/organizations/test-org/users/freeze",
		map[string]any{"user_email": "bob@example.com", "frozen": true})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		UserID string `json:"user_id"`
		Frozen bool   `json:"frozen"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "bob", resp.UserID)
	assert.True(t, resp.Frozen)

	rec = f.adminRequest(t, http.MethodPost, "/administration/organizations/test-org/users/freeze",
		map[string]any{"user_email": "ghost@example.com", "frozen": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Neither user_id nor user_email.
	rec = f.adminRequest(t, http.MethodPost, "/administration/organizations/test-org/users/freeze",
		map[string]any{"frozen": true})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAnonymousInvitationInfo(t *testing.T) {
	f := newFixture(t)
	inviteService := invites.NewService(f.env.Log, f.env.Store, f.env.Bus)
	token, err := inviteService.NewUser(context.Background(), f.env.Org, f.env.Admin.DeviceID, "bob@example.com")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/anonymous/test-org/invitations/"+token.String(), nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Type         string `json:"type"`
		Status       string `json:"status"`
		ClaimerEmail string `json:"claimer_email"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "USER", resp.Type)
	assert.Equal(t, "IDLE", resp.Status)
	assert.Equal(t, "bob@example.com", resp.ClaimerEmail)

	req = httptest.NewRequest(http.MethodGet, "/anonymous/test-org/invitations/not-a-token", nil)
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAnonymousRateLimit(t *testing.T) {
	f := newFixture(t)

	var last int
	for i := 0; i < anonymousBurst+1; i++ {
		req := httptest.NewRequest(http.MethodGet, "/anonymous/limited-org/invitations/not-a-token", nil)
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	// Other organizations have their own bucket.
	req := httptest.NewRequest(http.MethodGet, "/anonymous/other-org/invitations/not-a-token", nil)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDeviceAuth(t *testing.T) {
	f := newFixture(t)

	req := signedRequest(f.env.Admin, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"hello"}`))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceAuth_WrongScheme(t *testing.T) {
	f := newFixture(t)

	req := signedRequest(f.env.Admin, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"hello"}`))
	req.Header.Set("Authorization", "Bearer something")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceAuth_BadSignature(t *testing.T) {
	f := newFixture(t)

	req := signedRequest(f.env.Admin, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"hello"}`))
	req.Header.Set("Signature", base64.StdEncoding.EncodeToString(make([]byte, cryptox.SignatureSize)))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceAuth_TamperedBody(t *testing.T) {
	f := newFixture(t)

	// Signed over one body, sent with another.
	req := signedRequest(f.env.Admin, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"hello"}`))
	req.Body = http.NoBody
	req.ContentLength = 0
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceAuth_StaleTimestamp(t *testing.T) {
	f := newFixture(t)
	device := f.env.Admin
	body := []byte(`{"ping":"hello"}`)

	req := httptest.NewRequest(http.MethodPost, "/authenticated/test-org/ping", bytes.NewReader(body))
	stamp := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	signed := []byte(string(device.DeviceID) + "." + stamp + ".")
	signed = append(signed, body...)
	sig := device.SigningKey.Sign(signed)[:cryptox.SignatureSize]
	req.Header.Set("Authorization", "PARSEC-SIGN-ED25519")
	req.Header.Set("Author", string(device.DeviceID))
	req.Header.Set("Timestamp", stamp)
	req.Header.Set("Signature", base64.StdEncoding.EncodeToString(sig))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceAuth_UnknownAuthor(t *testing.T) {
	f := newFixture(t)
	strangerKey, _, err := cryptox.GenerateSigningKey()
	require.NoError(t, err)
	stranger := servertest.Device{UserID: "ghost", DeviceID: "ghost@dev1", SigningKey: strangerKey}

	req := signedRequest(stranger, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"x"}`))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceAuth_RevokedAuthor(t *testing.T) {
	f := newFixture(t)
	bob := f.env.Enroll(t, "bob", "bob@example.com", protocol.ProfileStandard)

	userService := users.NewService(f.env.Log, f.env.Store, f.env.Bus, f.env.Validator)
	revoke := protocol.MustSeal(f.env.Admin.SigningKey, protocol.RevokedUserCertificate{
		Type:      protocol.TypeRevokedUserCertificate,
		Author:    f.env.Admin.DeviceID,
		Timestamp: f.env.NextTime(),
		UserID:    bob.UserID,
	})
	require.NoError(t, userService.Revoke(context.Background(), f.env.Org, f.env.Admin.DeviceID, revoke))

	req := signedRequest(bob, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"x"}`))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, statusAuthorRevoked, rec.Code)
}

func TestDeviceAuth_CachedKeyRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	// A first signed request populates the verify-key cache.
	req := signedRequest(f.env.Admin, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"hello"}`))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.env.Validator.CachedVerifyKey(f.env.Org, f.env.Admin.DeviceID))

	// With the cache warm, a forged signature is rejected.
	req = signedRequest(f.env.Admin, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"hello"}`))
	req.Header.Set("Signature", base64.StdEncoding.EncodeToString(make([]byte, cryptox.SignatureSize)))
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// A genuine signature still passes.
	req = signedRequest(f.env.Admin, http.MethodPost, "/authenticated/test-org/ping", []byte(`{"ping":"hello"}`))
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// deviceRequest signs and serves a JSON command from device.
func (f *fixture) deviceRequest(t *testing.T, device servertest.Device, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := signedRequest(device, method, path, raw)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestRealmCreate(t *testing.T) {
	f := newFixture(t)
	realm := uuid.New()
	cert := servertest.RealmRoleCert(f.env.Admin, realm, f.env.Admin.UserID,
		servertest.RolePtr(protocol.RoleOwner), f.env.NextTime())

	rec := f.deviceRequest(t, f.env.Admin, http.MethodPost, "/authenticated/test-org/realms",
		map[string]any{"realm_role_certificate": cert})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVlobPollChanges(t *testing.T) {
	f := newFixture(t)
	realm := uuid.New()
	cert := servertest.RealmRoleCert(f.env.Admin, realm, f.env.Admin.UserID,
		servertest.RolePtr(protocol.RoleOwner), f.env.NextTime())
	rec := f.deviceRequest(t, f.env.Admin, http.MethodPost, "/authenticated/test-org/realms",
		map[string]any{"realm_role_certificate": cert})
	require.Equal(t, http.StatusOK, rec.Code)

	vlobService := vlobs.NewService(f.env.Log, f.env.Store, f.env.Bus, f.env.Validator,
		sequester.NewWebhookGate(f.env.Log, time.Second))
	vlob := uuid.New()
	require.NoError(t, vlobService.Create(context.Background(), f.env.Org, f.env.Admin.DeviceID, vlobs.WriteParams{
		RealmID:   realm,
		VlobID:    vlob,
		Timestamp: f.env.NextTime(),
		Blob:      []byte("v1"),
	}))

	rec = f.deviceRequest(t, f.env.Admin, http.MethodPost, "/authenticated/test-org/vlobs/poll_changes",
		map[string]any{"realm_id": realm.String(), "last_checkpoint": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		CurrentCheckpoint uint64 `json:"current_checkpoint"`
		Changes           []struct {
			VlobID  string `json:"vlob_id"`
			Version uint64 `json:"version"`
		} `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1), resp.CurrentCheckpoint)
	require.Len(t, resp.Changes, 1)
	assert.Equal(t, vlob.String(), resp.Changes[0].VlobID)
	assert.Equal(t, uint64(1), resp.Changes[0].Version)

	// Unknown realm.
	rec = f.deviceRequest(t, f.env.Admin, http.MethodPost, "/authenticated/test-org/vlobs/poll_changes",
		map[string]any{"realm_id": uuid.NewString(), "last_checkpoint": 0})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBlockCreateAndRead(t *testing.T) {
	f := newFixture(t)
	realm := uuid.New()
	cert := servertest.RealmRoleCert(f.env.Admin, realm, f.env.Admin.UserID,
		servertest.RolePtr(protocol.RoleOwner), f.env.NextTime())
	rec := f.deviceRequest(t, f.env.Admin, http.MethodPost, "/authenticated/test-org/realms",
		map[string]any{"realm_role_certificate": cert})
	require.Equal(t, http.StatusOK, rec.Code)

	block := uuid.New()
	rec = f.deviceRequest(t, f.env.Admin, http.MethodPost, "/authenticated/test-org/blocks",
		map[string]any{"block_id": block.String(), "realm_id": realm.String(), "key_index": 0, "block": []byte("payload")})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.deviceRequest(t, f.env.Admin, http.MethodGet, "/authenticated/test-org/blocks/"+block.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Block    []byte `json:"block"`
		KeyIndex uint64 `json:"key_index"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []byte("payload"), resp.Block)
	assert.Equal(t, uint64(0), resp.KeyIndex)

	// Unknown block.
	rec = f.deviceRequest(t, f.env.Admin, http.MethodGet, "/authenticated/test-org/blocks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// frameEvents decodes the event name of every data frame in an SSE body.
func frameEvents(t *testing.T, body string) []string {
	t.Helper()
	var names []string
	for _, line := range strings.Split(body, "\n") {
		encoded, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		var payload struct {
			Event string `msgpack:"event"`
		}
		require.NoError(t, msgpack.Unmarshal(raw, &payload))
		names = append(names, payload.Event)
	}
	return names
}

func serveUntilTimeout(f *fixture, req *http.Request) *httptest.ResponseRecorder {
	ctx, cancel := context.WithTimeout(req.Context(), 100*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req.WithContext(ctx))
	return rec
}

func TestEventsStream_FirstFrameIsConfig(t *testing.T) {
	f := newFixture(t)

	req := signedRequest(f.env.Admin, http.MethodGet, "/authenticated/test-org/events", nil)
	rec := serveUntilTimeout(f, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	names := frameEvents(t, rec.Body.String())
	require.NotEmpty(t, names)
	assert.Equal(t, "organization_config", names[0])
}

func TestEventsStream_UnknownLastEventIDYieldsMissed(t *testing.T) {
	f := newFixture(t)

	req := signedRequest(f.env.Admin, http.MethodGet, "/authenticated/test-org/events", nil)
	req.Header.Set("Last-Event-Id", uuid.NewString())
	rec := serveUntilTimeout(f, req)

	require.Equal(t, http.StatusOK, rec.Code)
	names := frameEvents(t, rec.Body.String())
	require.Len(t, names, 2)
	assert.Equal(t, "organization_config", names[0])
	assert.Equal(t, "missed", names[1])
}

// Package servertest provides the shared fixture of the service test
// suites: a memory-backed organization bootstrapped with one ADMIN user,
// plus helpers to forge certificates the way a client would.
package servertest

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/cryptox"
	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/certif"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/organizations"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/server/store/memory"
	"github.com/dmitrijs2005/parsecd/internal/server/users"
	"github.com/dmitrijs2005/parsecd/internal/timex"
)

// Device bundles the identity and signing key of an enrolled device.
type Device struct {
	UserID     protocol.UserID
	DeviceID   protocol.DeviceID
	SigningKey cryptox.SigningKey
}

// Env is a bootstrapped single-organization environment on the memory
// store. Admin is the first user, enrolled during bootstrap.
type Env struct {
	Org       protocol.OrganizationID
	Store     store.Store
	Bus       *events.Bus
	Validator *certif.Validator
	Log       logging.Logger
	RootKey   cryptox.SigningKey
	Admin     Device

	base time.Time
	seq  atomic.Int64
}

// Logger returns a logger that discards everything.
func Logger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// New builds the environment and bootstraps organization "test-org" with
// admin alice.
func New(t *testing.T) *Env {
	t.Helper()
	return NewSequestered(t, nil)
}

// NewSequestered is New with a sequester authority installed at bootstrap
// when authorityKey is not nil.
func NewSequestered(t *testing.T, authorityKey cryptox.SigningKey) *Env {
	t.Helper()
	log := Logger()
	env := &Env{
		Org:       "test-org",
		Store:     memory.New(),
		Bus:       events.NewBus(log, 16, 16),
		Validator: certif.NewValidator(0, 0),
		Log:       log,
		// Start one minute in the past so a strictly increasing
		// millisecond sequence stays inside the ballpark.
		base: timex.TruncateMicroseconds(time.Now().UTC().Add(-time.Minute)),
	}

	rootKey, _, err := cryptox.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	env.RootKey = rootKey

	orgService := organizations.NewService(log, env.Store, env.Bus, env.Validator)
	ctx := context.Background()
	if err := orgService.Create(ctx, organizations.CreateParams{
		ID:             env.Org,
		BootstrapToken: "bootstrap-token",
	}); err != nil {
		t.Fatalf("create organization: %v", err)
	}

	ts := env.NextTime()
	admin, userCerts := env.ForgeUser(t, rootKey, "", "alice", "alice@example.com", protocol.ProfileAdmin, ts)
	env.Admin = admin

	params := organizations.BootstrapParams{
		ID:                        env.Org,
		BootstrapToken:            "bootstrap-token",
		RootVerifyKey:             rootKey.VerifyKey(),
		UserCertificate:           userCerts.User,
		RedactedUserCertificate:   userCerts.RedactedUser,
		DeviceCertificate:         userCerts.Device,
		RedactedDeviceCertificate: userCerts.RedactedDevice,
	}
	if authorityKey != nil {
		params.SequesterAuthorityCertificate = protocol.MustSeal(rootKey, protocol.SequesterAuthorityCertificate{
			Type:      protocol.TypeSequesterAuthorityCertificate,
			Timestamp: ts,
			VerifyKey: authorityKey.VerifyKey(),
		})
	}
	if err := orgService.Bootstrap(ctx, params); err != nil {
		t.Fatalf("bootstrap organization: %v", err)
	}
	return env
}

// NextTime returns a fresh timestamp, strictly greater than every previous
// one and inside the ballpark window.
func (e *Env) NextTime() time.Time {
	return e.base.Add(time.Duration(e.seq.Add(1)) * time.Millisecond)
}

// UserCerts is the full/redacted certificate set enrolling a user with its
// first device.
type UserCerts struct {
	User           []byte
	RedactedUser   []byte
	Device         []byte
	RedactedDevice []byte
}

// ForgeUser builds a new device keypair and the certificate set for user id
// at ts, sealed with authorKey. An empty author marks the self-signed
// bootstrap pair.
func (e *Env) ForgeUser(t *testing.T, authorKey cryptox.SigningKey, author protocol.DeviceID,
	id protocol.UserID, email string, profile protocol.Profile, ts time.Time) (Device, UserCerts) {
	t.Helper()
	signingKey, verifyKey, err := cryptox.GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}
	deviceID := protocol.DeviceID(string(id) + "@dev1")
	label := "dev1"
	certs := UserCerts{
		User: protocol.MustSeal(authorKey, protocol.UserCertificate{
			Type:        protocol.TypeUserCertificate,
			Author:      author,
			Timestamp:   ts,
			UserID:      id,
			HumanHandle: &protocol.HumanHandle{Email: email, Label: string(id)},
			Profile:     profile,
		}),
		RedactedUser: protocol.MustSeal(authorKey, protocol.UserCertificate{
			Type:      protocol.TypeUserCertificate,
			Author:    author,
			Timestamp: ts,
			UserID:    id,
			Profile:   profile,
		}),
		Device: protocol.MustSeal(authorKey, protocol.DeviceCertificate{
			Type:        protocol.TypeDeviceCertificate,
			Author:      author,
			Timestamp:   ts,
			UserID:      id,
			DeviceID:    deviceID,
			DeviceLabel: &label,
			VerifyKey:   verifyKey,
		}),
		RedactedDevice: protocol.MustSeal(authorKey, protocol.DeviceCertificate{
			Type:      protocol.TypeDeviceCertificate,
			Author:    author,
			Timestamp: ts,
			UserID:    id,
			DeviceID:  deviceID,
			VerifyKey: verifyKey,
		}),
	}
	return Device{UserID: id, DeviceID: deviceID, SigningKey: signingKey}, certs
}

// Enroll creates a user through the users service, authored by Admin.
func (e *Env) Enroll(t *testing.T, id protocol.UserID, email string, profile protocol.Profile) Device {
	t.Helper()
	svc := users.NewService(e.Log, e.Store, e.Bus, e.Validator)
	device, certs := e.ForgeUser(t, e.Admin.SigningKey, e.Admin.DeviceID, id, email, profile, e.NextTime())
	err := svc.CreateUser(context.Background(), e.Org, e.Admin.DeviceID, users.CreateUserParams{
		UserCertificate:           certs.User,
		RedactedUserCertificate:   certs.RedactedUser,
		DeviceCertificate:         certs.Device,
		RedactedDeviceCertificate: certs.RedactedDevice,
	})
	if err != nil {
		t.Fatalf("enroll %s: %v", id, err)
	}
	return device
}

// RealmRoleCert seals a realm role certificate with author's key.
func RealmRoleCert(author Device, realm uuid.UUID, user protocol.UserID, role *protocol.RealmRole, ts time.Time) []byte {
	return protocol.MustSeal(author.SigningKey, protocol.RealmRoleCertificate{
		Type:      protocol.TypeRealmRoleCertificate,
		Author:    author.DeviceID,
		Timestamp: ts,
		RealmID:   realm,
		UserID:    user,
		Role:      role,
	})
}

// RolePtr returns a pointer to role, for certificate literals.
func RolePtr(role protocol.RealmRole) *protocol.RealmRole { return &role }

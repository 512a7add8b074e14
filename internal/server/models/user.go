package models

import (
	"time"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// User is the materialized view of a user's certificate chain.
// CurrentProfile tracks the latest profile-update certificate (or
// InitialProfile when none exists). Frozen is a server-side access flag set
// by the administration API; it has no certificate.
type User struct {
	UserID                  protocol.UserID
	HumanEmail              string
	HumanLabel              string
	InitialProfile          protocol.Profile
	CurrentProfile          protocol.Profile
	UserCertificate         []byte
	RedactedUserCertificate []byte
	CreatedOn               time.Time
	RevokedOn               *time.Time
	RevokedUserCertificate  []byte
	Frozen                  bool
}

// IsRevoked reports whether a revoked-user certificate exists for the user.
func (u *User) IsRevoked() bool { return u.RevokedOn != nil }

// Device rows are append-only; revoking a user implicitly disables all its
// devices.
type Device struct {
	DeviceID                  protocol.DeviceID
	UserID                    protocol.UserID
	VerifyKey                 []byte
	DeviceCertificate         []byte
	RedactedDeviceCertificate []byte
	CreatedOn                 time.Time
}

// ProfileUpdate is one entry of the append-only profile log.
type ProfileUpdate struct {
	UserID      protocol.UserID
	NewProfile  protocol.Profile
	Certificate []byte
	CertifiedBy protocol.DeviceID
	CertifiedOn time.Time
}

// CertificateRef is one certificate of a topic stream, paired with its
// redacted variant when one exists. Priority orders certificates sharing a
// timestamp so that referenced rows come first (a device certificate
// depends on its user certificate).
type CertificateRef struct {
	Timestamp   time.Time
	Priority    int
	Certificate []byte
	Redacted    []byte
}

// Common-topic priorities: user < revoked < profile_update < device.
const (
	PriorityUser          = 0
	PriorityRevokedUser   = 1
	PriorityProfileUpdate = 2
	PriorityDevice        = 3
)

package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dmitrijs2005/parsecd/internal/cryptox"
)

// Certificate type tags, carried in the "type" field of every payload.
const (
	TypeUserCertificate               = "user_certificate"
	TypeDeviceCertificate             = "device_certificate"
	TypeRevokedUserCertificate        = "revoked_user_certificate"
	TypeUserUpdateCertificate         = "user_update_certificate"
	TypeRealmRoleCertificate          = "realm_role_certificate"
	TypeRealmKeyRotationCertificate   = "realm_key_rotation_certificate"
	TypeRealmNameCertificate          = "realm_name_certificate"
	TypeSequesterAuthorityCertificate = "sequester_authority_certificate"
	TypeSequesterServiceCertificate   = "sequester_service_certificate"
	TypeShamirBriefCertificate        = "shamir_recovery_brief_certificate"
	TypeShamirShareCertificate        = "shamir_recovery_share_certificate"
)

var ErrUnexpectedCertificateType = errors.New("unexpected certificate type")

// UserCertificate attests a user's existence, identity and initial profile.
// A nil HumanHandle marks the redacted variant served to OUTSIDER readers.
// An empty Author marks the self-signed bootstrap certificate.
type UserCertificate struct {
	Type        string       `msgpack:"type"`
	Author      DeviceID     `msgpack:"author"`
	Timestamp   time.Time    `msgpack:"timestamp"`
	UserID      UserID       `msgpack:"user_id"`
	HumanHandle *HumanHandle `msgpack:"human_handle"`
	PublicKey   []byte       `msgpack:"public_key"`
	Profile     Profile      `msgpack:"profile"`
}

// DeviceCertificate attests a device keypair owned by a user. A nil
// DeviceLabel marks the redacted variant.
type DeviceCertificate struct {
	Type        string    `msgpack:"type"`
	Author      DeviceID  `msgpack:"author"`
	Timestamp   time.Time `msgpack:"timestamp"`
	UserID      UserID    `msgpack:"user_id"`
	DeviceID    DeviceID  `msgpack:"device_id"`
	DeviceLabel *string   `msgpack:"device_label"`
	VerifyKey   []byte    `msgpack:"verify_key"`
}

type RevokedUserCertificate struct {
	Type      string    `msgpack:"type"`
	Author    DeviceID  `msgpack:"author"`
	Timestamp time.Time `msgpack:"timestamp"`
	UserID    UserID    `msgpack:"user_id"`
}

type UserUpdateCertificate struct {
	Type       string    `msgpack:"type"`
	Author     DeviceID  `msgpack:"author"`
	Timestamp  time.Time `msgpack:"timestamp"`
	UserID     UserID    `msgpack:"user_id"`
	NewProfile Profile   `msgpack:"new_profile"`
}

// RealmRoleCertificate grants, changes or removes (nil Role) a user's role
// in a realm. The first certificate of a realm is self-targeted with role
// OWNER.
type RealmRoleCertificate struct {
	Type      string     `msgpack:"type"`
	Author    DeviceID   `msgpack:"author"`
	Timestamp time.Time  `msgpack:"timestamp"`
	RealmID   uuid.UUID  `msgpack:"realm_id"`
	UserID    UserID     `msgpack:"user_id"`
	Role      *RealmRole `msgpack:"role"`
}

type RealmKeyRotationCertificate struct {
	Type                string    `msgpack:"type"`
	Author              DeviceID  `msgpack:"author"`
	Timestamp           time.Time `msgpack:"timestamp"`
	RealmID             uuid.UUID `msgpack:"realm_id"`
	KeyIndex            uint64    `msgpack:"key_index"`
	EncryptionAlgorithm string    `msgpack:"encryption_algorithm"`
	HashAlgorithm       string    `msgpack:"hash_algorithm"`
	KeyCanary           []byte    `msgpack:"key_canary"`
}

type RealmNameCertificate struct {
	Type          string    `msgpack:"type"`
	Author        DeviceID  `msgpack:"author"`
	Timestamp     time.Time `msgpack:"timestamp"`
	RealmID       uuid.UUID `msgpack:"realm_id"`
	KeyIndex      uint64    `msgpack:"key_index"`
	EncryptedName []byte    `msgpack:"encrypted_name"`
}

// SequesterAuthorityCertificate is signed by the organization root verify
// key at bootstrap time, hence carries no author device.
type SequesterAuthorityCertificate struct {
	Type      string    `msgpack:"type"`
	Timestamp time.Time `msgpack:"timestamp"`
	VerifyKey []byte    `msgpack:"verify_key_der"`
}

// SequesterServiceCertificate is signed by the sequester authority key, not
// by a device.
type SequesterServiceCertificate struct {
	Type          string    `msgpack:"type"`
	Timestamp     time.Time `msgpack:"timestamp"`
	ServiceID     uuid.UUID `msgpack:"service_id"`
	ServiceLabel  string    `msgpack:"service_label"`
	EncryptionKey []byte    `msgpack:"encryption_key_der"`
}

type ShamirBriefCertificate struct {
	Type               string            `msgpack:"type"`
	Author             DeviceID          `msgpack:"author"`
	Timestamp          time.Time         `msgpack:"timestamp"`
	UserID             UserID            `msgpack:"user_id"`
	Threshold          uint64            `msgpack:"threshold"`
	PerRecipientShares map[UserID]uint64 `msgpack:"per_recipient_shares"`
}

type ShamirShareCertificate struct {
	Type      string    `msgpack:"type"`
	Author    DeviceID  `msgpack:"author"`
	Timestamp time.Time `msgpack:"timestamp"`
	UserID    UserID    `msgpack:"user_id"`
	Recipient UserID    `msgpack:"recipient"`
}

// Seal encodes payload with msgpack and signs it with sk. Tests and
// client-side tooling use it to forge certificates; the server only opens.
func Seal(sk cryptox.SigningKey, payload any) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sk.Sign(raw), nil
}

// MustSeal is Seal for tests; it panics on marshal failure.
func MustSeal(sk cryptox.SigningKey, payload any) []byte {
	b, err := Seal(sk, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Open verifies the signed blob against vk and decodes the payload into
// dst, checking that the embedded type tag equals wantType.
func Open(vk cryptox.VerifyKey, signed []byte, wantType string, dst any) error {
	raw, err := vk.Open(signed)
	if err != nil {
		return err
	}
	if err := msgpack.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("malformed certificate payload: %w", err)
	}
	var envelope struct {
		Type string `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("malformed certificate payload: %w", err)
	}
	if envelope.Type != wantType {
		return fmt.Errorf("%w: got %q, want %q", ErrUnexpectedCertificateType, envelope.Type, wantType)
	}
	return nil
}

// PeekType decodes only the type tag of a signed blob without verifying the
// signature. It exists for dispatching and diagnostics; never trust the
// result for authorization.
func PeekType(signed []byte) (string, error) {
	if len(signed) < cryptox.SignatureSize {
		return "", errors.New("blob too short")
	}
	var envelope struct {
		Type string `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(signed[cryptox.SignatureSize:], &envelope); err != nil {
		return "", err
	}
	return envelope.Type, nil
}

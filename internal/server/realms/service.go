// Package realms implements realm creation, sharing, renaming, key rotation
// and keys-bundle retrieval, enforcing role-based access control and the
// key-index lockstep.
package realms

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/cryptox"
	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/authn"
	"github.com/dmitrijs2005/parsecd/internal/server/certif"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/timex"
)

type Service struct {
	log       logging.Logger
	store     store.Store
	bus       *events.Bus
	validator *certif.Validator
	now       func() time.Time
}

func NewService(log logging.Logger, st store.Store, bus *events.Bus, validator *certif.Validator) *Service {
	return &Service{
		log:       log.With("module", "realms"),
		store:     st,
		bus:       bus,
		validator: validator,
		now:       func() time.Time { return timex.TruncateMicroseconds(time.Now().UTC()) },
	}
}

// Create inserts a realm from its first role certificate, which must grant
// OWNER to the author itself. Re-creating an existing realm is idempotent.
func (s *Service) Create(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, certificate []byte) error {
	var certTimestamp time.Time
	var realmID uuid.UUID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		lastCommon, err := tx.LockShared(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		var cert protocol.RealmRoleCertificate
		if err := s.validator.Open(cryptox.VerifyKey(auth.Device.VerifyKey), certificate,
			protocol.TypeRealmRoleCertificate, &cert); err != nil {
			return err
		}
		if cert.Author != device || cert.Role == nil || *cert.Role != protocol.RoleOwner ||
			cert.UserID != auth.User.UserID {
			return common.ErrInvalidCertificate
		}
		switch _, err := tx.Realms().Get(ctx, org, cert.RealmID); {
		case err == nil:
			lastRealm, err := tx.LockShared(ctx, org, store.RealmTopic(cert.RealmID))
			if err != nil {
				return err
			}
			return &common.CertificateAlreadyExistsError{CertificateTimestamp: lastRealm}
		case !errors.Is(err, common.ErrRealmNotFound):
			return err
		}
		if err := s.validator.CheckBallpark(s.now(), cert.Timestamp); err != nil {
			return err
		}
		if !cert.Timestamp.After(lastCommon) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: lastCommon}
		}
		realm := &models.Realm{RealmID: cert.RealmID, CreatedOn: cert.Timestamp}
		firstRole := &models.RealmRole{
			RealmID:     cert.RealmID,
			UserID:      cert.UserID,
			Role:        cert.Role,
			Certificate: certificate,
			CertifiedBy: device,
			CertifiedOn: cert.Timestamp,
		}
		if err := tx.Realms().Create(ctx, org, realm, firstRole); err != nil {
			return err
		}
		if err := tx.InitTopic(ctx, org, store.RealmTopic(cert.RealmID)); err != nil {
			return err
		}
		if _, err := tx.LockExclusive(ctx, org, store.RealmTopic(cert.RealmID)); err != nil {
			return err
		}
		certTimestamp = cert.Timestamp
		realmID = cert.RealmID
		return tx.AdvanceTopic(ctx, org, store.RealmTopic(cert.RealmID), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.RealmCertificate{Org: org, Timestamp: certTimestamp, RealmID: realmID})
	return nil
}

// ShareParams carries realm_share and realm_unshare: the role certificate
// plus, for shares on rotated realms, the recipient's keys-bundle access
// blob for the current rotation.
type ShareParams struct {
	Certificate     []byte
	KeyIndex        uint64
	RecipientAccess []byte
}

// Share applies a role certificate: grant, change or (nil role) unshare.
func (s *Service) Share(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, params ShareParams) error {
	var certTimestamp time.Time
	var realmID uuid.UUID
	var recipient protocol.UserID
	var removed bool
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		lastCommon, err := tx.LockShared(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		var cert protocol.RealmRoleCertificate
		if err := s.validator.Open(cryptox.VerifyKey(auth.Device.VerifyKey), params.Certificate,
			protocol.TypeRealmRoleCertificate, &cert); err != nil {
			return err
		}
		if cert.Author != device {
			return common.ErrInvalidCertificate
		}
		if cert.Role != nil && !cert.Role.Valid() {
			return common.ErrInvalidCertificate
		}
		if cert.UserID == auth.User.UserID {
			return common.ErrAuthorNotAllowed
		}
		realm, err := tx.Realms().Get(ctx, org, cert.RealmID)
		if err != nil {
			return err
		}
		lastRealm, err := tx.LockExclusive(ctx, org, store.RealmTopic(cert.RealmID))
		if err != nil {
			return err
		}

		target, err := tx.Users().GetUser(ctx, org, cert.UserID)
		if err != nil {
			return common.ErrRecipientNotFound
		}
		if cert.Role != nil && target.IsRevoked() {
			return common.ErrRecipientRevoked
		}

		existingRole, err := tx.Realms().CurrentRole(ctx, org, cert.RealmID, cert.UserID)
		if err != nil {
			return err
		}
		authorRole, err := tx.Realms().CurrentRole(ctx, org, cert.RealmID, auth.User.UserID)
		if err != nil {
			return err
		}
		if authorRole == nil {
			return common.ErrAuthorNotAllowed
		}
		management := (existingRole != nil && existingRole.IsManagement()) ||
			(cert.Role != nil && cert.Role.IsManagement())
		if management {
			if *authorRole != protocol.RoleOwner {
				return common.ErrAuthorNotAllowed
			}
		} else if !authorRole.IsManagement() {
			return common.ErrAuthorNotAllowed
		}
		if cert.Role != nil && cert.Role.IsManagement() && target.CurrentProfile == protocol.ProfileOutsider {
			return common.ErrRoleIncompatibleWithOutsider
		}
		if rolesEqual(existingRole, cert.Role) {
			return &common.CertificateAlreadyExistsError{CertificateTimestamp: lastRealm}
		}
		if cert.Role != nil && params.KeyIndex != realm.KeyIndex {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealm}
		}

		if err := s.validator.CheckBallpark(s.now(), cert.Timestamp); err != nil {
			return err
		}
		floor, err := s.timestampFloor(ctx, tx, org, cert.RealmID, lastCommon, lastRealm)
		if err != nil {
			return err
		}
		if !cert.Timestamp.After(floor) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: floor}
		}

		role := &models.RealmRole{
			RealmID:     cert.RealmID,
			UserID:      cert.UserID,
			Role:        cert.Role,
			Certificate: params.Certificate,
			CertifiedBy: device,
			CertifiedOn: cert.Timestamp,
		}
		if err := tx.Realms().AppendRole(ctx, org, role); err != nil {
			return err
		}
		if cert.Role != nil && realm.KeyIndex > 0 {
			if err := tx.Realms().SetKeysBundleAccess(ctx, org, cert.RealmID, realm.KeyIndex,
				cert.UserID, params.RecipientAccess); err != nil {
				return err
			}
		}
		certTimestamp = cert.Timestamp
		realmID = cert.RealmID
		recipient = cert.UserID
		removed = cert.Role == nil
		return tx.AdvanceTopic(ctx, org, store.RealmTopic(cert.RealmID), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.RealmCertificate{
		Org:         org,
		Timestamp:   certTimestamp,
		RealmID:     realmID,
		UserID:      recipient,
		RoleRemoved: removed,
	})
	return nil
}

// RotateKeyParams carries realm_rotate_key: the rotation certificate, the
// keys bundle shared by all participants and one access blob per current
// participant.
type RotateKeyParams struct {
	Certificate          []byte
	KeysBundle           []byte
	PerParticipantAccess map[protocol.UserID][]byte
}

// RotateKey appends a key rotation. The provided per-participant access set
// must exactly match the realm's current participants.
func (s *Service) RotateKey(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, params RotateKeyParams) error {
	var certTimestamp time.Time
	var realmID uuid.UUID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		lastCommon, err := tx.LockShared(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		var cert protocol.RealmKeyRotationCertificate
		if err := s.validator.Open(cryptox.VerifyKey(auth.Device.VerifyKey), params.Certificate,
			protocol.TypeRealmKeyRotationCertificate, &cert); err != nil {
			return err
		}
		if cert.Author != device {
			return common.ErrInvalidCertificate
		}
		realm, err := tx.Realms().Get(ctx, org, cert.RealmID)
		if err != nil {
			return err
		}
		lastRealm, err := tx.LockExclusive(ctx, org, store.RealmTopic(cert.RealmID))
		if err != nil {
			return err
		}
		authorRole, err := tx.Realms().CurrentRole(ctx, org, cert.RealmID, auth.User.UserID)
		if err != nil {
			return err
		}
		if authorRole == nil || *authorRole != protocol.RoleOwner {
			return common.ErrAuthorNotAllowed
		}
		if cert.KeyIndex != realm.KeyIndex+1 {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealm}
		}
		participants, err := tx.Realms().CurrentRoles(ctx, org, cert.RealmID)
		if err != nil {
			return err
		}
		if len(participants) != len(params.PerParticipantAccess) {
			return common.ErrParticipantMismatch
		}
		for user := range participants {
			if _, ok := params.PerParticipantAccess[user]; !ok {
				return common.ErrParticipantMismatch
			}
		}

		if err := s.validator.CheckBallpark(s.now(), cert.Timestamp); err != nil {
			return err
		}
		floor, err := s.timestampFloor(ctx, tx, org, cert.RealmID, lastCommon, lastRealm)
		if err != nil {
			return err
		}
		if !cert.Timestamp.After(floor) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: floor}
		}

		rotation := &models.RealmKeyRotation{
			RealmID:              cert.RealmID,
			KeyIndex:             cert.KeyIndex,
			EncryptionAlgorithm:  cert.EncryptionAlgorithm,
			HashAlgorithm:        cert.HashAlgorithm,
			KeyCanary:            cert.KeyCanary,
			Certificate:          params.Certificate,
			CertifiedBy:          device,
			CertifiedOn:          cert.Timestamp,
			KeysBundle:           params.KeysBundle,
			PerParticipantAccess: params.PerParticipantAccess,
		}
		if err := tx.Realms().AppendKeyRotation(ctx, org, rotation); err != nil {
			return err
		}
		certTimestamp = cert.Timestamp
		realmID = cert.RealmID
		return tx.AdvanceTopic(ctx, org, store.RealmTopic(cert.RealmID), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.RealmCertificate{Org: org, Timestamp: certTimestamp, RealmID: realmID})
	return nil
}

// Rename appends a name certificate. With initialNameOrFail a realm that was
// already named returns the idempotent outcome instead of renaming.
func (s *Service) Rename(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, certificate []byte, initialNameOrFail bool) error {
	var certTimestamp time.Time
	var realmID uuid.UUID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		lastCommon, err := tx.LockShared(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		var cert protocol.RealmNameCertificate
		if err := s.validator.Open(cryptox.VerifyKey(auth.Device.VerifyKey), certificate,
			protocol.TypeRealmNameCertificate, &cert); err != nil {
			return err
		}
		if cert.Author != device {
			return common.ErrInvalidCertificate
		}
		realm, err := tx.Realms().Get(ctx, org, cert.RealmID)
		if err != nil {
			return err
		}
		lastRealm, err := tx.LockExclusive(ctx, org, store.RealmTopic(cert.RealmID))
		if err != nil {
			return err
		}
		authorRole, err := tx.Realms().CurrentRole(ctx, org, cert.RealmID, auth.User.UserID)
		if err != nil {
			return err
		}
		if authorRole == nil || *authorRole != protocol.RoleOwner {
			return common.ErrAuthorNotAllowed
		}
		if cert.KeyIndex != realm.KeyIndex {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealm}
		}
		if initialNameOrFail {
			existing, err := tx.Realms().LastName(ctx, org, cert.RealmID)
			if err != nil {
				return err
			}
			if existing != nil {
				return &common.CertificateAlreadyExistsError{CertificateTimestamp: existing.CertifiedOn}
			}
		}

		if err := s.validator.CheckBallpark(s.now(), cert.Timestamp); err != nil {
			return err
		}
		floor, err := s.timestampFloor(ctx, tx, org, cert.RealmID, lastCommon, lastRealm)
		if err != nil {
			return err
		}
		if !cert.Timestamp.After(floor) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: floor}
		}

		name := &models.RealmName{
			RealmID:     cert.RealmID,
			KeyIndex:    cert.KeyIndex,
			Certificate: certificate,
			CertifiedOn: cert.Timestamp,
		}
		if err := tx.Realms().AppendName(ctx, org, name); err != nil {
			return err
		}
		certTimestamp = cert.Timestamp
		realmID = cert.RealmID
		return tx.AdvanceTopic(ctx, org, store.RealmTopic(cert.RealmID), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.RealmCertificate{Org: org, Timestamp: certTimestamp, RealmID: realmID})
	return nil
}

// KeysBundle is the realm_get_keys_bundle reply.
type KeysBundle struct {
	KeyIndex uint64
	Access   []byte
	Bundle   []byte
}

// GetKeysBundle returns the keys bundle of the rotation at keyIndex (zero
// selects the latest) plus the caller's own access blob for it.
func (s *Service) GetKeysBundle(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, realm uuid.UUID, keyIndex uint64) (*KeysBundle, error) {
	var result *KeysBundle
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if _, err := tx.LockShared(ctx, org, store.CommonTopic()); err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if _, err := tx.Realms().Get(ctx, org, realm); err != nil {
			return err
		}
		lastRealm, err := tx.LockShared(ctx, org, store.RealmTopic(realm))
		if err != nil {
			return err
		}
		authorRole, err := tx.Realms().CurrentRole(ctx, org, realm, auth.User.UserID)
		if err != nil {
			return err
		}
		if authorRole == nil {
			return common.ErrAuthorNotAllowed
		}
		rotation, err := tx.Realms().GetKeyRotation(ctx, org, realm, keyIndex)
		if err != nil {
			return err
		}
		if rotation == nil {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealm}
		}
		access, ok := rotation.PerParticipantAccess[auth.User.UserID]
		if !ok || len(access) == 0 {
			return common.ErrAccessNotAvailableForAuthor
		}
		result = &KeysBundle{KeyIndex: rotation.KeyIndex, Access: access, Bundle: rotation.KeysBundle}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// timestampFloor returns the value a realm certificate timestamp must
// strictly exceed: the common clock, the realm clock and the newest vlob
// atom of the realm. The vlob bound prevents a role change from being
// ordered before data already written under the previous role set.
func (s *Service) timestampFloor(ctx context.Context, tx store.Tx, org protocol.OrganizationID, realm uuid.UUID, lastCommon, lastRealm time.Time) (time.Time, error) {
	floor := lastCommon
	if lastRealm.After(floor) {
		floor = lastRealm
	}
	lastVlob, err := tx.Vlobs().LastTimestampInRealm(ctx, org, realm)
	if err != nil {
		return time.Time{}, err
	}
	if lastVlob.After(floor) {
		floor = lastVlob
	}
	return floor, nil
}

func rolesEqual(a, b *protocol.RealmRole) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

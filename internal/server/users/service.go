// Package users implements user and device enrollment, profile updates,
// revocation, the administration freeze flag and the certificate feed.
package users

import (
	"context"
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
		log:       log.With("module", "users"),
		store:     st,
		bus:       bus,
		validator: validator,
		now:       func() time.Time { return timex.TruncateMicroseconds(time.Now().UTC()) },
	}
}

// CreateUserParams carries the user_create command: a full/redacted user
// certificate pair plus the first device's pair, all sharing one timestamp.
type CreateUserParams struct {
	UserCertificate           []byte
	RedactedUserCertificate   []byte
	DeviceCertificate         []byte
	RedactedDeviceCertificate []byte
}

// CreateUser enrolls a new user with its first device. Author must be ADMIN.
func (s *Service) CreateUser(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, params CreateUserParams) error {
	var certTimestamp time.Time
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		last, err := tx.LockExclusive(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.User.CurrentProfile != protocol.ProfileAdmin {
			return common.ErrAuthorNotAllowed
		}
		authorKey := cryptox.VerifyKey(auth.Device.VerifyKey)
		userCert, err := s.validator.OpenUserCertificates(authorKey, params.UserCertificate, params.RedactedUserCertificate)
		if err != nil {
			return err
		}
		deviceCert, err := s.validator.OpenDeviceCertificates(authorKey, params.DeviceCertificate, params.RedactedDeviceCertificate)
		if err != nil {
			return err
		}
		if userCert.Author != device || deviceCert.Author != device {
			return common.ErrInvalidCertificate
		}
		if deviceCert.UserID != userCert.UserID || !deviceCert.Timestamp.Equal(userCert.Timestamp) {
			return common.ErrInvalidCertificate
		}
		if userCert.Profile == protocol.ProfileOutsider && !auth.Organization.UserProfileOutsiderAllowed {
			return common.ErrAuthorNotAllowed
		}
		if err := s.validator.CheckBallpark(s.now(), userCert.Timestamp); err != nil {
			return err
		}
		if !userCert.Timestamp.After(last) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: last}
		}

		if userCert.Profile != protocol.ProfileOutsider && auth.Organization.ActiveUsersLimit != nil {
			count, err := tx.Users().ActiveUserCount(ctx, org)
			if err != nil {
				return err
			}
			if count >= *auth.Organization.ActiveUsersLimit {
				return common.ErrActiveUsersLimitReached
			}
		}
		taken, err := tx.Users().EmailTaken(ctx, org, userCert.HumanHandle.Email)
		if err != nil {
			return err
		}
		if taken {
			return common.ErrHumanHandleAlreadyTaken
		}

		user := &models.User{
			UserID:                  userCert.UserID,
			HumanEmail:              userCert.HumanHandle.Email,
			HumanLabel:              userCert.HumanHandle.Label,
			InitialProfile:          userCert.Profile,
			CurrentProfile:          userCert.Profile,
			UserCertificate:         params.UserCertificate,
			RedactedUserCertificate: params.RedactedUserCertificate,
			CreatedOn:               userCert.Timestamp,
		}
		if err := tx.Users().CreateUser(ctx, org, user); err != nil {
			return err
		}
		newDevice := &models.Device{
			DeviceID:                  deviceCert.DeviceID,
			UserID:                    deviceCert.UserID,
			VerifyKey:                 deviceCert.VerifyKey,
			DeviceCertificate:         params.DeviceCertificate,
			RedactedDeviceCertificate: params.RedactedDeviceCertificate,
			CreatedOn:                 deviceCert.Timestamp,
		}
		if err := tx.Users().CreateDevice(ctx, org, newDevice); err != nil {
			return err
		}
		s.validator.CacheVerifyKey(org, newDevice.DeviceID, newDevice.VerifyKey)
		certTimestamp = userCert.Timestamp
		return tx.AdvanceTopic(ctx, org, store.CommonTopic(), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.CommonCertificate{Org: org, Timestamp: certTimestamp})
	return nil
}

// CreateDevice enrolls an additional device for the author's own user.
func (s *Service) CreateDevice(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, full, redacted []byte) error {
	var certTimestamp time.Time
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		last, err := tx.LockExclusive(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		authorKey := cryptox.VerifyKey(auth.Device.VerifyKey)
		deviceCert, err := s.validator.OpenDeviceCertificates(authorKey, full, redacted)
		if err != nil {
			return err
		}
		if deviceCert.Author != device || deviceCert.UserID != auth.User.UserID {
			return common.ErrInvalidCertificate
		}
		if err := s.validator.CheckBallpark(s.now(), deviceCert.Timestamp); err != nil {
			return err
		}
		if !deviceCert.Timestamp.After(last) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: last}
		}
		newDevice := &models.Device{
			DeviceID:                  deviceCert.DeviceID,
			UserID:                    deviceCert.UserID,
			VerifyKey:                 deviceCert.VerifyKey,
			DeviceCertificate:         full,
			RedactedDeviceCertificate: redacted,
			CreatedOn:                 deviceCert.Timestamp,
		}
		if err := tx.Users().CreateDevice(ctx, org, newDevice); err != nil {
			return err
		}
		s.validator.CacheVerifyKey(org, newDevice.DeviceID, newDevice.VerifyKey)
		certTimestamp = deviceCert.Timestamp
		return tx.AdvanceTopic(ctx, org, store.CommonTopic(), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.CommonCertificate{Org: org, Timestamp: certTimestamp})
	return nil
}

// UpdateProfile applies a user_update certificate. Author must be ADMIN and
// may not update itself; an unchanged profile returns ErrUserNoChanges.
func (s *Service) UpdateProfile(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, certificate []byte) error {
	var certTimestamp time.Time
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		last, err := tx.LockExclusive(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.User.CurrentProfile != protocol.ProfileAdmin {
			return common.ErrAuthorNotAllowed
		}
		var cert protocol.UserUpdateCertificate
		if err := s.validator.Open(cryptox.VerifyKey(auth.Device.VerifyKey), certificate,
			protocol.TypeUserUpdateCertificate, &cert); err != nil {
			return err
		}
		if cert.Author != device || !cert.NewProfile.Valid() {
			return common.ErrInvalidCertificate
		}
		if cert.UserID == auth.User.UserID {
			return common.ErrAuthorNotAllowed
		}
		target, err := tx.Users().GetUser(ctx, org, cert.UserID)
		if err != nil {
			return err
		}
		if target.IsRevoked() {
			return common.ErrUserNotFound
		}
		if target.CurrentProfile == cert.NewProfile {
			return common.ErrUserNoChanges
		}
		if cert.NewProfile == protocol.ProfileOutsider && !auth.Organization.UserProfileOutsiderAllowed {
			return common.ErrAuthorNotAllowed
		}
		if err := s.validator.CheckBallpark(s.now(), cert.Timestamp); err != nil {
			return err
		}
		if !cert.Timestamp.After(last) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: last}
		}
		update := &models.ProfileUpdate{
			UserID:      cert.UserID,
			NewProfile:  cert.NewProfile,
			Certificate: certificate,
			CertifiedBy: device,
			CertifiedOn: cert.Timestamp,
		}
		if err := tx.Users().AppendProfileUpdate(ctx, org, update); err != nil {
			return err
		}
		certTimestamp = cert.Timestamp
		return tx.AdvanceTopic(ctx, org, store.CommonTopic(), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.CommonCertificate{Org: org, Timestamp: certTimestamp})
	return nil
}

// Revoke applies a revoked_user certificate. Idempotent: revoking an already
// revoked user returns CertificateAlreadyExistsError carrying the original
// revocation timestamp.
func (s *Service) Revoke(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, certificate []byte) error {
	var certTimestamp time.Time
	var revokedUser protocol.UserID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		last, err := tx.LockExclusive(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.User.CurrentProfile != protocol.ProfileAdmin {
			return common.ErrAuthorNotAllowed
		}
		var cert protocol.RevokedUserCertificate
		if err := s.validator.Open(cryptox.VerifyKey(auth.Device.VerifyKey), certificate,
			protocol.TypeRevokedUserCertificate, &cert); err != nil {
			return err
		}
		if cert.Author != device {
			return common.ErrInvalidCertificate
		}
		if cert.UserID == auth.User.UserID {
			return common.ErrAuthorNotAllowed
		}
		target, err := tx.Users().GetUser(ctx, org, cert.UserID)
		if err != nil {
			return err
		}
		if target.IsRevoked() {
			return &common.CertificateAlreadyExistsError{CertificateTimestamp: *target.RevokedOn}
		}
		if err := s.validator.CheckBallpark(s.now(), cert.Timestamp); err != nil {
			return err
		}
		if !cert.Timestamp.After(last) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: last}
		}
		if err := tx.Users().RevokeUser(ctx, org, cert.UserID, certificate, cert.Timestamp); err != nil {
			return err
		}
		certTimestamp = cert.Timestamp
		revokedUser = cert.UserID
		return tx.AdvanceTopic(ctx, org, store.CommonTopic(), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "user revoked", "organization", org, "user", revokedUser)
	s.bus.Publish(ctx, &events.CommonCertificate{Org: org, Timestamp: certTimestamp})
	s.bus.Publish(ctx, &events.UserRevokedOrFrozen{Org: org, UserID: revokedUser})
	return nil
}

// SetFrozen flips the server-side access flag without a certificate. It is
// administration-API only; freezing cancels the user's open streams.
func (s *Service) SetFrozen(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, frozen bool) error {
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		return tx.Users().SetUserFrozen(ctx, org, user, frozen)
	})
	if err != nil {
		return err
	}
	if frozen {
		s.bus.Publish(ctx, &events.UserRevokedOrFrozen{Org: org, UserID: user})
	} else {
		s.bus.Publish(ctx, &events.UserUnfrozen{Org: org, UserID: user})
	}
	return nil
}

// FreezeByEmail resolves the user by email first.
func (s *Service) FreezeByEmail(ctx context.Context, org protocol.OrganizationID, email string, frozen bool) (protocol.UserID, error) {
	var user protocol.UserID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		u, err := tx.Users().GetUserByEmail(ctx, org, email)
		if err != nil {
			return err
		}
		user = u.UserID
		return tx.Users().SetUserFrozen(ctx, org, user, frozen)
	})
	if err != nil {
		return "", err
	}
	if frozen {
		s.bus.Publish(ctx, &events.UserRevokedOrFrozen{Org: org, UserID: user})
	} else {
		s.bus.Publish(ctx, &events.UserUnfrozen{Org: org, UserID: user})
	}
	return user, nil
}

// CertificateCursors are the per-topic "strictly newer than" cursors of a
// certificate_get request. A realm missing from RealmAfter starts from the
// beginning.
type CertificateCursors struct {
	CommonAfter    *time.Time
	SequesterAfter *time.Time
	ShamirAfter    *time.Time
	RealmAfter     map[uuid.UUID]*time.Time
}

// Certificates is the four-stream reply of certificate_get, each stream in
// per-topic ascending order.
type Certificates struct {
	Common    [][]byte
	Sequester [][]byte
	Shamir    [][]byte
	Realm     map[uuid.UUID][][]byte
}

// GetCertificates returns every certificate visible to the author strictly
// newer than the cursors. OUTSIDER authors receive redacted variants.
func (s *Service) GetCertificates(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, cursors CertificateCursors) (*Certificates, error) {
	result := &Certificates{Realm: make(map[uuid.UUID][][]byte)}
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if _, err := tx.LockShared(ctx, org, store.CommonTopic()); err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		redact := auth.User.CurrentProfile == protocol.ProfileOutsider

		realms, err := tx.Realms().RealmsForUser(ctx, org, auth.User.UserID)
		if err != nil {
			return err
		}
		topics := []store.Topic{store.SequesterTopic(), store.ShamirTopic()}
		for _, realm := range realms {
			topics = append(topics, store.RealmTopic(realm))
		}
		for _, topic := range store.LockPlan(topics...) {
			if _, err := tx.LockShared(ctx, org, topic); err != nil {
				return err
			}
		}

		commonRefs, err := tx.Users().ListCommonCertificates(ctx, org, cursors.CommonAfter)
		if err != nil {
			return err
		}
		result.Common = blobs(commonRefs, redact)

		if auth.Organization.SequesterAuthorityCertifiedOn != nil {
			sequesterRefs, err := tx.Sequester().ListCertificates(ctx, org, cursors.SequesterAfter)
			if err != nil {
				return err
			}
			result.Sequester = blobs(sequesterRefs, false)
		}

		shamirRefs, err := tx.Shamir().ListCertificates(ctx, org, auth.User.UserID, cursors.ShamirAfter)
		if err != nil {
			return err
		}
		result.Shamir = blobs(shamirRefs, false)

		for _, realm := range realms {
			refs, err := tx.Realms().ListRealmCertificates(ctx, org, realm, cursors.RealmAfter[realm])
			if err != nil {
				return err
			}
			result.Realm[realm] = blobs(refs, false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// blobs extracts the certificate bytes, preferring the redacted variant when
// the reader is an OUTSIDER and one exists.
func blobs(refs []models.CertificateRef, redact bool) [][]byte {
	out := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		if redact && len(ref.Redacted) > 0 {
			out = append(out, ref.Redacted)
		} else {
			out = append(out, ref.Certificate)
		}
	}
	return out
}

// Ping echoes through the event bus to the author's own streams.
func (s *Service) Ping(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, ping string) error {
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		_, err := authn.Authenticate(ctx, tx, org, device)
		return err
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.Pinged{Org: org, Ping: ping})
	return nil
}

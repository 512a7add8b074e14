// Package organizations implements the tenant lifecycle: creation through
// the administration API, the one-shot anonymous bootstrap, expiration and
// configuration updates.
package organizations

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/cryptox"
	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
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
		log:       log.With("module", "organizations"),
		store:     st,
		bus:       bus,
		validator: validator,
		now:       func() time.Time { return timex.TruncateMicroseconds(time.Now().UTC()) },
	}
}

// CreateParams are the administration-API inputs of organization creation.
type CreateParams struct {
	ID                         protocol.OrganizationID
	BootstrapToken             string
	ActiveUsersLimit           *int64
	UserProfileOutsiderAllowed bool
	MinimumArchivingPeriod     time.Duration
}

// Create inserts the organization and its topic rows. An existing but not
// yet bootstrapped organization is overwritten, so tokens and limits can be
// rotated; a bootstrapped one returns ErrOrganizationAlreadyExists.
func (s *Service) Create(ctx context.Context, params CreateParams) error {
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		existing, err := tx.Organizations().Get(ctx, params.ID)
		if err != nil && !errors.Is(err, common.ErrOrganizationNotFound) {
			return err
		}
		if existing != nil && existing.IsBootstrapped() {
			return common.ErrOrganizationAlreadyExists
		}
		org := &models.Organization{
			ID:                         params.ID,
			BootstrapToken:             params.BootstrapToken,
			ActiveUsersLimit:           params.ActiveUsersLimit,
			UserProfileOutsiderAllowed: params.UserProfileOutsiderAllowed,
			MinimumArchivingPeriod:     params.MinimumArchivingPeriod,
			CreatedOn:                  s.now(),
		}
		if existing != nil {
			org.CreatedOn = existing.CreatedOn
		}
		if err := tx.Organizations().Upsert(ctx, org); err != nil {
			return err
		}
		for _, topic := range []store.Topic{store.CommonTopic(), store.SequesterTopic(), store.ShamirTopic()} {
			if err := tx.InitTopic(ctx, params.ID, topic); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.log.Info(ctx, "organization created", "organization", params.ID)
	}
	return err
}

// BootstrapParams carries the anonymous bootstrap request. All certificates
// are signed by the root signing key whose verify key is uploaded here.
type BootstrapParams struct {
	ID                            protocol.OrganizationID
	BootstrapToken                string
	RootVerifyKey                 []byte
	UserCertificate               []byte
	RedactedUserCertificate       []byte
	DeviceCertificate             []byte
	RedactedDeviceCertificate     []byte
	SequesterAuthorityCertificate []byte
}

// Bootstrap performs the one-shot first-user enrollment under the exclusive
// common lock.
func (s *Service) Bootstrap(ctx context.Context, params BootstrapParams) error {
	var certTimestamp time.Time
	var sequestered bool
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		org, err := tx.Organizations().Get(ctx, params.ID)
		if err != nil {
			return err
		}
		if org.IsExpired {
			return common.ErrOrganizationExpired
		}
		if _, err := tx.LockExclusive(ctx, params.ID, store.CommonTopic()); err != nil {
			return err
		}
		// Re-read under the lock: a concurrent bootstrap may have won.
		org, err = tx.Organizations().Get(ctx, params.ID)
		if err != nil {
			return err
		}
		if org.IsBootstrapped() {
			return common.ErrOrganizationAlreadyBootstrapped
		}
		if org.BootstrapToken != params.BootstrapToken {
			return common.ErrInvalidBootstrapToken
		}

		rootKey := cryptox.VerifyKey(params.RootVerifyKey)
		userCert, err := s.validator.OpenUserCertificates(rootKey, params.UserCertificate, params.RedactedUserCertificate)
		if err != nil {
			return err
		}
		deviceCert, err := s.validator.OpenDeviceCertificates(rootKey, params.DeviceCertificate, params.RedactedDeviceCertificate)
		if err != nil {
			return err
		}
		// The first user is self-signed: no author device exists yet.
		if userCert.Author != "" || deviceCert.Author != "" {
			return common.ErrInvalidCertificate
		}
		if userCert.Profile != protocol.ProfileAdmin {
			return common.ErrInvalidCertificate
		}
		if deviceCert.UserID != userCert.UserID || !deviceCert.Timestamp.Equal(userCert.Timestamp) {
			return common.ErrInvalidCertificate
		}
		if err := s.validator.CheckBallpark(s.now(), userCert.Timestamp); err != nil {
			return err
		}

		org.RootVerifyKey = params.RootVerifyKey
		if len(params.SequesterAuthorityCertificate) > 0 {
			var authority protocol.SequesterAuthorityCertificate
			if err := s.validator.Open(rootKey, params.SequesterAuthorityCertificate,
				protocol.TypeSequesterAuthorityCertificate, &authority); err != nil {
				return err
			}
			if !authority.Timestamp.Equal(userCert.Timestamp) {
				return common.ErrInvalidCertificate
			}
			org.SequesterAuthorityCertificate = params.SequesterAuthorityCertificate
			org.SequesterAuthorityVerifyKey = authority.VerifyKey
			on := authority.Timestamp
			org.SequesterAuthorityCertifiedOn = &on
			sequestered = true
		}
		if err := tx.Organizations().Update(ctx, org); err != nil {
			return err
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
		if err := tx.Users().CreateUser(ctx, params.ID, user); err != nil {
			return err
		}
		device := &models.Device{
			DeviceID:                  deviceCert.DeviceID,
			UserID:                    deviceCert.UserID,
			VerifyKey:                 deviceCert.VerifyKey,
			DeviceCertificate:         params.DeviceCertificate,
			RedactedDeviceCertificate: params.RedactedDeviceCertificate,
			CreatedOn:                 deviceCert.Timestamp,
		}
		if err := tx.Users().CreateDevice(ctx, params.ID, device); err != nil {
			return err
		}
		s.validator.CacheVerifyKey(params.ID, device.DeviceID, device.VerifyKey)

		certTimestamp = userCert.Timestamp
		if err := tx.AdvanceTopic(ctx, params.ID, store.CommonTopic(), certTimestamp); err != nil {
			return err
		}
		if sequestered {
			if _, err := tx.LockExclusive(ctx, params.ID, store.SequesterTopic()); err != nil {
				return err
			}
			if err := tx.AdvanceTopic(ctx, params.ID, store.SequesterTopic(), certTimestamp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info(ctx, "organization bootstrapped", "organization", params.ID, "sequestered", sequestered)
	s.bus.Publish(ctx, &events.CommonCertificate{Org: params.ID, Timestamp: certTimestamp})
	if sequestered {
		s.bus.Publish(ctx, &events.SequesterCertificate{Org: params.ID, Timestamp: certTimestamp})
	}
	return nil
}

// SetExpired flips the expiration flag. Expiring publishes
// OrganizationExpired, which cancels every open stream of the tenant.
func (s *Service) SetExpired(ctx context.Context, id protocol.OrganizationID, expired bool) error {
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		org, err := tx.Organizations().Get(ctx, id)
		if err != nil {
			return err
		}
		org.IsExpired = expired
		return tx.Organizations().Update(ctx, org)
	})
	if err != nil {
		return err
	}
	if expired {
		s.bus.Publish(ctx, &events.OrganizationExpired{Org: id})
	}
	return nil
}

// ConfigUpdate carries the administration-API mutable settings; nil fields
// are left untouched.
type ConfigUpdate struct {
	ActiveUsersLimit           **int64
	UserProfileOutsiderAllowed *bool
	MinimumArchivingPeriod     *time.Duration
	TosPerLocaleURLs           map[string]string
}

// UpdateConfig applies the update and re-pushes the organization_config
// frame to connected clients.
func (s *Service) UpdateConfig(ctx context.Context, id protocol.OrganizationID, update ConfigUpdate) error {
	var org *models.Organization
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		var err error
		org, err = tx.Organizations().Get(ctx, id)
		if err != nil {
			return err
		}
		if update.ActiveUsersLimit != nil {
			org.ActiveUsersLimit = *update.ActiveUsersLimit
		}
		if update.UserProfileOutsiderAllowed != nil {
			org.UserProfileOutsiderAllowed = *update.UserProfileOutsiderAllowed
		}
		if update.MinimumArchivingPeriod != nil {
			org.MinimumArchivingPeriod = *update.MinimumArchivingPeriod
		}
		if update.TosPerLocaleURLs != nil {
			org.TosPerLocaleURLs = update.TosPerLocaleURLs
			on := s.now()
			org.TosUpdatedOn = &on
		}
		return tx.Organizations().Update(ctx, org)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.OrganizationConfig{
		Org:                        id,
		UserProfileOutsiderAllowed: org.UserProfileOutsiderAllowed,
		ActiveUsersLimit:           org.ActiveUsersLimit,
	})
	return nil
}

// Get returns the organization row.
func (s *Service) Get(ctx context.Context, id protocol.OrganizationID) (*models.Organization, error) {
	var org *models.Organization
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		var err error
		org, err = tx.Organizations().Get(ctx, id)
		return err
	})
	return org, err
}

// Stats returns the administration-facing usage summary.
func (s *Service) Stats(ctx context.Context, id protocol.OrganizationID) (*models.OrganizationStats, error) {
	var stats *models.OrganizationStats
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		var err error
		stats, err = tx.Organizations().Stats(ctx, id)
		return err
	})
	return stats, err
}

// Package sequester implements sequester-service administration and the
// synchronous webhook gate consulted on every vlob write of a sequestered
// organization.
package sequester

import (
	"context"
	"time"

	"github.com/google/uuid"

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
		log:       log.With("module", "sequester"),
		store:     st,
		bus:       bus,
		validator: validator,
		now:       func() time.Time { return timex.TruncateMicroseconds(time.Now().UTC()) },
	}
}

// CreateServiceParams carries the administration request installing a new
// sequester service. WebhookURL is required for WEBHOOK services.
type CreateServiceParams struct {
	Certificate []byte
	ServiceType protocol.SequesterServiceType
	WebhookURL  string
}

// CreateService installs a service from its certificate, signed by the
// organization's sequester authority.
func (s *Service) CreateService(ctx context.Context, org protocol.OrganizationID, params CreateServiceParams) error {
	var certTimestamp time.Time
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		o, err := tx.Organizations().Get(ctx, org)
		if err != nil {
			return err
		}
		if o.SequesterAuthorityCertifiedOn == nil {
			return common.ErrSequesterDisabled
		}
		last, err := tx.LockExclusive(ctx, org, store.SequesterTopic())
		if err != nil {
			return err
		}
		var cert protocol.SequesterServiceCertificate
		if err := s.validator.Open(cryptox.VerifyKey(o.SequesterAuthorityVerifyKey), params.Certificate,
			protocol.TypeSequesterServiceCertificate, &cert); err != nil {
			return err
		}
		if params.ServiceType == protocol.SequesterWebhook && params.WebhookURL == "" {
			return common.ErrSequesterServiceWrongKind
		}
		if err := s.validator.CheckBallpark(s.now(), cert.Timestamp); err != nil {
			return err
		}
		if !cert.Timestamp.After(last) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: last}
		}
		if err := tx.Sequester().Create(ctx, org, &models.SequesterService{
			ServiceID:   cert.ServiceID,
			ServiceType: params.ServiceType,
			Certificate: params.Certificate,
			Label:       cert.ServiceLabel,
			CreatedOn:   cert.Timestamp,
			WebhookURL:  params.WebhookURL,
		}); err != nil {
			return err
		}
		certTimestamp = cert.Timestamp
		return tx.AdvanceTopic(ctx, org, store.SequesterTopic(), certTimestamp)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.SequesterCertificate{Org: org, Timestamp: certTimestamp})
	return nil
}

// RevokeService disables the service for future writes. Idempotence is an
// error here: a service is revoked at most once.
func (s *Service) RevokeService(ctx context.Context, org protocol.OrganizationID, service uuid.UUID) error {
	return store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if _, err := tx.LockExclusive(ctx, org, store.SequesterTopic()); err != nil {
			return err
		}
		svc, err := tx.Sequester().Get(ctx, org, service)
		if err != nil {
			return err
		}
		if !svc.IsEnabled() {
			return common.ErrSequesterServiceAlreadyRevoked
		}
		return tx.Sequester().Revoke(ctx, org, service, s.now())
	})
}

// UpdateWebhookURL rotates a WEBHOOK service endpoint.
func (s *Service) UpdateWebhookURL(ctx context.Context, org protocol.OrganizationID, service uuid.UUID, url string) error {
	return store.WithTx(ctx, s.store, func(tx store.Tx) error {
		svc, err := tx.Sequester().Get(ctx, org, service)
		if err != nil {
			return err
		}
		if svc.ServiceType != protocol.SequesterWebhook {
			return common.ErrSequesterServiceWrongKind
		}
		return tx.Sequester().SetWebhookURL(ctx, org, service, url)
	})
}

// GetService returns one service row.
func (s *Service) GetService(ctx context.Context, org protocol.OrganizationID, service uuid.UUID) (*models.SequesterService, error) {
	var svc *models.SequesterService
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		var err error
		svc, err = tx.Sequester().Get(ctx, org, service)
		return err
	})
	return svc, err
}

// ListServices returns every service of the organization in creation order.
func (s *Service) ListServices(ctx context.Context, org protocol.OrganizationID) ([]*models.SequesterService, error) {
	var services []*models.SequesterService
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		var err error
		services, err = tx.Sequester().List(ctx, org)
		return err
	})
	return services, err
}

// DumpEntry is one element of a realm dump: the sequester copy of one atom.
type DumpEntry struct {
	VlobID  uuid.UUID
	Version uint64
	Blob    []byte
}

// DumpRealm returns the STORAGE copies of every atom of the realm, in
// insertion order. Operations tooling only.
func (s *Service) DumpRealm(ctx context.Context, org protocol.OrganizationID, service uuid.UUID, realm uuid.UUID) ([]DumpEntry, error) {
	var entries []DumpEntry
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		svc, err := tx.Sequester().Get(ctx, org, service)
		if err != nil {
			return err
		}
		if svc.ServiceType != protocol.SequesterStorage {
			return common.ErrSequesterServiceWrongKind
		}
		atoms, err := tx.Vlobs().DumpRealm(ctx, org, realm)
		if err != nil {
			return err
		}
		for _, atom := range atoms {
			entries = append(entries, DumpEntry{
				VlobID:  atom.VlobID,
				Version: atom.Version,
				Blob:    atom.SequesterBlobs[service],
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

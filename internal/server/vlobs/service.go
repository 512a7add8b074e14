// Package vlobs implements versioned metadata writes and reads: atom
// insertion under the key-index lockstep, batched reads, and the per-realm
// checkpoint feed behind poll_changes.
package vlobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/authn"
	"github.com/dmitrijs2005/parsecd/internal/server/certif"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/timex"
)

// ReadRequestItemsLimit caps the item count of read_batch and
// read_versions requests.
const ReadRequestItemsLimit = 1000

// EventVlobMaxBlobSize bounds the blob carried inline in vlob events;
// bigger blobs are announced without payload and re-fetched by clients.
const EventVlobMaxBlobSize = 16 * 1024

// SequesterGate is asked before each write of a sequestered organization.
// Implementations invoke every enabled WEBHOOK service and return
// SequesterRejectedError or SequesterUnavailableError, which roll the write
// back.
type SequesterGate interface {
	CheckWrite(ctx context.Context, org protocol.OrganizationID, services []*models.SequesterService,
		vlob uuid.UUID, version uint64, blobs map[uuid.UUID][]byte) error
}

type Service struct {
	log       logging.Logger
	store     store.Store
	bus       *events.Bus
	validator *certif.Validator
	gate      SequesterGate
	now       func() time.Time
}

func NewService(log logging.Logger, st store.Store, bus *events.Bus, validator *certif.Validator, gate SequesterGate) *Service {
	return &Service{
		log:       log.With("module", "vlobs"),
		store:     st,
		bus:       bus,
		validator: validator,
		gate:      gate,
		now:       func() time.Time { return timex.TruncateMicroseconds(time.Now().UTC()) },
	}
}

// WriteParams carries vlob_create and vlob_update. SequesterBlobs maps each
// enabled sequester service to its ciphered copy; it must be empty for
// non-sequestered organizations.
type WriteParams struct {
	RealmID        uuid.UUID
	VlobID         uuid.UUID
	KeyIndex       uint64
	Timestamp      time.Time
	Version        uint64
	Blob           []byte
	SequesterBlobs map[uuid.UUID][]byte
}

// Create inserts version 1 of a new vlob.
func (s *Service) Create(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, params WriteParams) error {
	return s.write(ctx, org, device, params, true)
}

// Update inserts the next version of an existing vlob. params.Version must
// be the current version plus one.
func (s *Service) Update(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, params WriteParams) error {
	return s.write(ctx, org, device, params, false)
}

func (s *Service) write(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, params WriteParams, create bool) error {
	if create {
		params.Version = 1
	}
	var event *events.Vlob
	err := store.WithRetryTx(ctx, s.store, func(tx store.Tx) error {
		event = nil
		lastCommon, err := tx.LockShared(ctx, org, store.CommonTopic())
		if err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}

		realmID := params.RealmID
		if !create {
			// Updates address the vlob; its realm is authoritative.
			actualRealm, version, err := tx.Vlobs().Get(ctx, org, params.VlobID)
			if err != nil {
				return err
			}
			realmID = actualRealm
			if params.Version != version+1 {
				return common.ErrBadVlobVersion
			}
		}
		realm, err := tx.Realms().Get(ctx, org, realmID)
		if err != nil {
			return err
		}
		lastRealm, err := tx.LockShared(ctx, org, store.RealmTopic(realmID))
		if err != nil {
			return err
		}
		role, err := tx.Realms().CurrentRole(ctx, org, realmID, auth.User.UserID)
		if err != nil {
			return err
		}
		if role == nil || !role.CanWrite() {
			return common.ErrAuthorNotAllowed
		}
		if params.KeyIndex != realm.KeyIndex {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealm}
		}
		if err := s.validator.CheckBallpark(s.now(), params.Timestamp); err != nil {
			return err
		}
		floor := lastCommon
		if lastRealm.After(floor) {
			floor = lastRealm
		}
		if !params.Timestamp.After(floor) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: floor}
		}

		sequestered := auth.Organization.SequesterAuthorityCertifiedOn != nil
		if !sequestered && len(params.SequesterBlobs) > 0 {
			return common.ErrSequesterDisabled
		}
		var sequesterBlobs map[uuid.UUID][]byte
		if sequestered {
			services, err := tx.Sequester().List(ctx, org)
			if err != nil {
				return err
			}
			var enabled []*models.SequesterService
			for _, svc := range services {
				if svc.IsEnabled() {
					enabled = append(enabled, svc)
				}
			}
			if err := s.gate.CheckWrite(ctx, org, enabled, params.VlobID, params.Version, params.SequesterBlobs); err != nil {
				return err
			}
			sequesterBlobs = make(map[uuid.UUID][]byte)
			for _, svc := range enabled {
				if svc.ServiceType == protocol.SequesterStorage {
					sequesterBlobs[svc.ServiceID] = params.SequesterBlobs[svc.ServiceID]
				}
			}
		}

		atom := &models.VlobAtom{
			VlobID:         params.VlobID,
			RealmID:        realmID,
			Version:        params.Version,
			KeyIndex:       params.KeyIndex,
			Blob:           params.Blob,
			Author:         device,
			Timestamp:      params.Timestamp,
			CreatedOn:      s.now(),
			SequesterBlobs: sequesterBlobs,
		}
		if create {
			if err := tx.Vlobs().Create(ctx, org, atom); err != nil {
				return err
			}
		} else {
			if err := tx.Vlobs().Update(ctx, org, atom); err != nil {
				return err
			}
		}

		event = &events.Vlob{
			Org:                            org,
			RealmID:                        realmID,
			VlobID:                         params.VlobID,
			Author:                         device,
			Timestamp:                      params.Timestamp,
			Version:                        params.Version,
			LastCommonCertificateTimestamp: lastCommon,
			LastRealmCertificateTimestamp:  lastRealm,
		}
		if len(params.Blob) < EventVlobMaxBlobSize {
			event.Blob = params.Blob
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, event)
	return nil
}

// ReadResult pairs the returned atoms with the certificate cursors the
// client needs to detect a stale certificate view.
type ReadResult struct {
	Atoms                          []*models.VlobAtom
	LastCommonCertificateTimestamp time.Time
	LastRealmCertificateTimestamp  time.Time
}

// ReadBatch returns the latest atom of each vlob, at-or-before at when set.
func (s *Service) ReadBatch(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, realm uuid.UUID, vlobs []uuid.UUID, at *time.Time) (*ReadResult, error) {
	if len(vlobs) > ReadRequestItemsLimit {
		return nil, common.ErrTooManyItems
	}
	result := &ReadResult{}
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		lastCommon, lastRealm, err := s.authorizeRead(ctx, tx, org, device, realm)
		if err != nil {
			return err
		}
		atoms, err := tx.Vlobs().ReadLatest(ctx, org, realm, vlobs, at)
		if err != nil {
			return err
		}
		result.Atoms = atoms
		result.LastCommonCertificateTimestamp = lastCommon
		result.LastRealmCertificateTimestamp = lastRealm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// VersionItem addresses one exact atom in a read_versions request.
type VersionItem struct {
	VlobID  uuid.UUID
	Version uint64
}

// ReadVersions returns the requested exact versions; unknown items are
// skipped.
func (s *Service) ReadVersions(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, realm uuid.UUID, items []VersionItem) (*ReadResult, error) {
	if len(items) > ReadRequestItemsLimit {
		return nil, common.ErrTooManyItems
	}
	result := &ReadResult{}
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		lastCommon, lastRealm, err := s.authorizeRead(ctx, tx, org, device, realm)
		if err != nil {
			return err
		}
		for _, item := range items {
			atom, err := tx.Vlobs().ReadVersion(ctx, org, realm, item.VlobID, item.Version)
			if err != nil {
				return err
			}
			if atom != nil {
				result.Atoms = append(result.Atoms, atom)
			}
		}
		result.LastCommonCertificateTimestamp = lastCommon
		result.LastRealmCertificateTimestamp = lastRealm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PollChanges returns the realm checkpoint and the vlobs changed strictly
// after since, deduplicated by vlob, in change order.
func (s *Service) PollChanges(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, realm uuid.UUID, since uint64) (uint64, []models.VlobChange, error) {
	var checkpoint uint64
	var changes []models.VlobChange
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if _, _, err := s.authorizeRead(ctx, tx, org, device, realm); err != nil {
			return err
		}
		var err error
		checkpoint, changes, err = tx.Vlobs().PollChanges(ctx, org, realm, since)
		return err
	})
	if err != nil {
		return 0, nil, err
	}
	return checkpoint, changes, nil
}

// authorizeRead locks common and the realm shared and requires any current
// role.
func (s *Service) authorizeRead(ctx context.Context, tx store.Tx, org protocol.OrganizationID, device protocol.DeviceID, realm uuid.UUID) (time.Time, time.Time, error) {
	lastCommon, err := tx.LockShared(ctx, org, store.CommonTopic())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	auth, err := authn.Authenticate(ctx, tx, org, device)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if _, err := tx.Realms().Get(ctx, org, realm); err != nil {
		return time.Time{}, time.Time{}, err
	}
	lastRealm, err := tx.LockShared(ctx, org, store.RealmTopic(realm))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	role, err := tx.Realms().CurrentRole(ctx, org, realm, auth.User.UserID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if role == nil {
		return time.Time{}, time.Time{}, common.ErrAuthorNotAllowed
	}
	return lastCommon, lastRealm, nil
}

// Package blocks implements opaque data-block writes and reads. The core
// only keeps metadata; payload bytes go through the pluggable Blockstore.
package blocks

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/authn"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/timex"
)

type Service struct {
	log        logging.Logger
	store      store.Store
	blockstore Blockstore
	now        func() time.Time
}

func NewService(log logging.Logger, st store.Store, blockstore Blockstore) *Service {
	return &Service{
		log:        log.With("module", "blocks"),
		store:      st,
		blockstore: blockstore,
		now:        func() time.Time { return timex.TruncateMicroseconds(time.Now().UTC()) },
	}
}

// Create stores the payload and its metadata row. The blockstore write
// happens before the metadata commit; it is idempotent, so a failed
// transaction followed by a retry is safe.
func (s *Service) Create(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID,
	block uuid.UUID, realm uuid.UUID, keyIndex uint64, data []byte) error {
	return store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if _, err := tx.LockShared(ctx, org, store.CommonTopic()); err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		r, err := tx.Realms().Get(ctx, org, realm)
		if err != nil {
			return err
		}
		lastRealm, err := tx.LockShared(ctx, org, store.RealmTopic(realm))
		if err != nil {
			return err
		}
		role, err := tx.Realms().CurrentRole(ctx, org, realm, auth.User.UserID)
		if err != nil {
			return err
		}
		if role == nil || !role.CanWrite() {
			return common.ErrAuthorNotAllowed
		}
		if keyIndex != r.KeyIndex {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealm}
		}
		if _, err := tx.Blocks().Get(ctx, org, block); err == nil {
			return common.ErrBlockAlreadyExists
		} else if !errors.Is(err, common.ErrBlockNotFound) {
			return err
		}
		if err := s.blockstore.Put(ctx, org, block, data); err != nil {
			return err
		}
		return tx.Blocks().Create(ctx, org, &models.Block{
			BlockID:   block,
			RealmID:   realm,
			KeyIndex:  keyIndex,
			Author:    device,
			Size:      int64(len(data)),
			CreatedOn: s.now(),
		})
	})
}

// ReadResult is the block_read reply.
type ReadResult struct {
	Data     []byte
	KeyIndex uint64
}

// Read returns the payload and the key index it was written under. The
// author must currently hold any role in the block's realm.
func (s *Service) Read(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, block uuid.UUID) (*ReadResult, error) {
	var meta *models.Block
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if _, err := tx.LockShared(ctx, org, store.CommonTopic()); err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		meta, err = tx.Blocks().Get(ctx, org, block)
		if err != nil {
			return err
		}
		if _, err := tx.LockShared(ctx, org, store.RealmTopic(meta.RealmID)); err != nil {
			return err
		}
		role, err := tx.Realms().CurrentRole(ctx, org, meta.RealmID, auth.User.UserID)
		if err != nil {
			return err
		}
		if role == nil {
			return common.ErrAuthorNotAllowed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	data, err := s.blockstore.Get(ctx, org, block)
	if err != nil {
		return nil, err
	}
	return &ReadResult{Data: data, KeyIndex: meta.KeyIndex}, nil
}

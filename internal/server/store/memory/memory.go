// Package memory implements the store contract with nested maps. It is the
// reference backend for the component test suite and mirrors the PostgreSQL
// semantics: topic rows carry readers/writer locks held until commit, and
// every mutation records an undo closure so Rollback restores the previous
// state exactly.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
)

// Store keeps every organization in process memory.
type Store struct {
	mu   sync.Mutex
	orgs map[protocol.OrganizationID]*organizationData
}

// New returns an empty memory store.
func New() *Store {
	return &Store{orgs: make(map[protocol.OrganizationID]*organizationData)}
}

func (s *Store) Close() error { return nil }

type organizationData struct {
	org            models.Organization
	topics         map[store.Topic]*topicRow
	users          map[protocol.UserID]*models.User
	devices        map[protocol.DeviceID]*models.Device
	profileUpdates []*models.ProfileUpdate
	realms         map[uuid.UUID]*realmData
	vlobs          map[uuid.UUID]*vlobData
	blocks         map[uuid.UUID]*models.Block
	invitations    map[uuid.UUID]*invitationData
	services       map[uuid.UUID]*models.SequesterService
	shamirSetups   map[protocol.UserID]*models.ShamirRecoverySetup
}

func newOrganizationData() *organizationData {
	return &organizationData{
		topics:       make(map[store.Topic]*topicRow),
		users:        make(map[protocol.UserID]*models.User),
		devices:      make(map[protocol.DeviceID]*models.Device),
		realms:       make(map[uuid.UUID]*realmData),
		vlobs:        make(map[uuid.UUID]*vlobData),
		blocks:       make(map[uuid.UUID]*models.Block),
		invitations:  make(map[uuid.UUID]*invitationData),
		services:     make(map[uuid.UUID]*models.SequesterService),
		shamirSetups: make(map[protocol.UserID]*models.ShamirRecoverySetup),
	}
}

type topicRow struct {
	lock sync.RWMutex
	last time.Time
}

type realmData struct {
	realm     models.Realm
	roles     []*models.RealmRole
	rotations []*models.RealmKeyRotation
	names     []*models.RealmName
	changes   []changeEntry
}

type changeEntry struct {
	vlob    uuid.UUID
	version uint64
}

type vlobData struct {
	realm uuid.UUID
	atoms []*models.VlobAtom
}

type invitationData struct {
	invitation models.Invitation
	conduits   map[protocol.UserID]*conduitRow
}

type conduitRow struct {
	lock    sync.Mutex
	conduit models.Conduit
}

// Begin opens a transaction. Memory transactions apply writes in place and
// keep an undo journal; writes only ever happen under the exclusive lock of
// the topic that guards them, so uncommitted state is never observable by a
// correctly locking reader.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	return &memTx{store: s}, nil
}

type lockedTopic struct {
	row       *topicRow
	exclusive bool
}

type memTx struct {
	store          *Store
	lockedTopics   []lockedTopic
	lockedConduits []*conduitRow
	undo           []func()
	done           bool
}

func (t *memTx) onRollback(fn func()) { t.undo = append(t.undo, fn) }

func (t *memTx) release() {
	for i := len(t.lockedTopics) - 1; i >= 0; i-- {
		lt := t.lockedTopics[i]
		if lt.exclusive {
			lt.row.lock.Unlock()
		} else {
			lt.row.lock.RUnlock()
		}
	}
	t.lockedTopics = nil
	for i := len(t.lockedConduits) - 1; i >= 0; i-- {
		t.lockedConduits[i].lock.Unlock()
	}
	t.lockedConduits = nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.undo = nil
	t.release()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	t.release()
	return nil
}

// org returns the organization bucket, or nil when unknown. Callers must
// hold s.mu.
func (s *Store) org(id protocol.OrganizationID) *organizationData {
	return s.orgs[id]
}

func (t *memTx) topicRow(org protocol.OrganizationID, topic store.Topic) (*topicRow, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	data := t.store.org(org)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	row, ok := data.topics[topic]
	if !ok {
		if topic.Kind == store.TopicRealm {
			return nil, common.ErrRealmNotFound
		}
		return nil, common.ErrOrganizationNotFound
	}
	return row, nil
}

func (t *memTx) LockShared(ctx context.Context, org protocol.OrganizationID, topic store.Topic) (time.Time, error) {
	row, err := t.topicRow(org, topic)
	if err != nil {
		return time.Time{}, err
	}
	row.lock.RLock()
	t.lockedTopics = append(t.lockedTopics, lockedTopic{row: row})
	return row.last, nil
}

func (t *memTx) LockExclusive(ctx context.Context, org protocol.OrganizationID, topic store.Topic) (time.Time, error) {
	row, err := t.topicRow(org, topic)
	if err != nil {
		return time.Time{}, err
	}
	row.lock.Lock()
	t.lockedTopics = append(t.lockedTopics, lockedTopic{row: row, exclusive: true})
	return row.last, nil
}

func (t *memTx) AdvanceTopic(ctx context.Context, org protocol.OrganizationID, topic store.Topic, ts time.Time) error {
	row, err := t.topicRow(org, topic)
	if err != nil {
		return err
	}
	if !ts.After(row.last) {
		return &common.RequireGreaterTimestampError{StrictlyGreaterThan: row.last}
	}
	previous := row.last
	row.last = ts
	t.onRollback(func() { row.last = previous })
	return nil
}

func (t *memTx) InitTopic(ctx context.Context, org protocol.OrganizationID, topic store.Topic) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	data := t.store.org(org)
	if data == nil {
		return common.ErrOrganizationNotFound
	}
	if _, ok := data.topics[topic]; ok {
		return nil
	}
	data.topics[topic] = &topicRow{}
	t.undo = append(t.undo, func() { delete(data.topics, topic) })
	return nil
}

func (t *memTx) Organizations() store.OrganizationRepository { return &organizationRepo{tx: t} }
func (t *memTx) Users() store.UserRepository                 { return &userRepo{tx: t} }
func (t *memTx) Realms() store.RealmRepository               { return &realmRepo{tx: t} }
func (t *memTx) Vlobs() store.VlobRepository                 { return &vlobRepo{tx: t} }
func (t *memTx) Blocks() store.BlockRepository               { return &blockRepo{tx: t} }
func (t *memTx) Invitations() store.InvitationRepository     { return &invitationRepo{tx: t} }
func (t *memTx) Sequester() store.SequesterRepository        { return &sequesterRepo{tx: t} }
func (t *memTx) Shamir() store.ShamirRepository              { return &shamirRepo{tx: t} }

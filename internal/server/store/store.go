// Package store defines the persistence contract shared by the memory and
// PostgreSQL backends. Both implement the exact same semantics and are
// driven by the same component test suite.
//
// Topic rows are the sole mutable-state synchronization primitive: a write
// to topic T locks it exclusively, a read that must witness an up-to-date
// view of T locks it shared, and locks are held until the transaction
// commits or rolls back. When a transaction locks several topics it must
// acquire them in ascending Topic order (see Topic.Less) to preclude
// deadlock; LockPlan sorts a set of topics accordingly.
package store

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// TopicKind enumerates the certificate topics of an organization.
type TopicKind int

const (
	TopicCommon TopicKind = iota
	TopicSequester
	TopicShamir
	TopicRealm
)

// Topic names one monotonic timestamp cursor. Realm is only set for
// TopicRealm.
type Topic struct {
	Kind  TopicKind
	Realm uuid.UUID
}

func CommonTopic() Topic           { return Topic{Kind: TopicCommon} }
func SequesterTopic() Topic        { return Topic{Kind: TopicSequester} }
func ShamirTopic() Topic           { return Topic{Kind: TopicShamir} }
func RealmTopic(r uuid.UUID) Topic { return Topic{Kind: TopicRealm, Realm: r} }

// Less defines the global lock-acquisition order:
// common < sequester < shamir < realm(r1) < realm(r2) < … (realms sorted
// by id bytes).
func (t Topic) Less(other Topic) bool {
	if t.Kind != other.Kind {
		return t.Kind < other.Kind
	}
	return bytes.Compare(t.Realm[:], other.Realm[:]) < 0
}

// LockPlan returns the topics sorted in acquisition order.
func LockPlan(topics ...Topic) []Topic {
	sorted := append([]Topic(nil), topics...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	return sorted
}

// Store opens transactions against one backend.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one atomic unit of work. All repository handles obtained from it
// operate within the transaction; topic locks taken through it are released
// at Commit or Rollback.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// LockShared takes a shared lock on the topic row and returns its
	// last timestamp. Returns common.ErrOrganizationNotFound when the
	// topic row does not exist.
	LockShared(ctx context.Context, org protocol.OrganizationID, topic Topic) (time.Time, error)
	// LockExclusive takes an exclusive lock on the topic row and returns
	// its last timestamp.
	LockExclusive(ctx context.Context, org protocol.OrganizationID, topic Topic) (time.Time, error)
	// AdvanceTopic moves the topic cursor to ts. The caller must hold
	// the exclusive lock and ts must be strictly greater than the
	// current value.
	AdvanceTopic(ctx context.Context, org protocol.OrganizationID, topic Topic, ts time.Time) error
	// InitTopic creates the topic row at the zero timestamp if it does
	// not exist yet.
	InitTopic(ctx context.Context, org protocol.OrganizationID, topic Topic) error

	Organizations() OrganizationRepository
	Users() UserRepository
	Realms() RealmRepository
	Vlobs() VlobRepository
	Blocks() BlockRepository
	Invitations() InvitationRepository
	Sequester() SequesterRepository
	Shamir() ShamirRepository
}

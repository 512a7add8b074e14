// Package events implements the process-wide event bus. Mutating components
// publish typed events after their transaction commits; the SSE layer
// registers one client per open stream and receives pre-serialized frames
// through a bounded queue.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// Event is anything the bus can dispatch. Payload returns the structure
// serialized into the SSE frame; isForClient decides delivery for a given
// registered client and is called with the bus lock held.
type Event interface {
	Organization() protocol.OrganizationID
	Payload() any
	isForClient(c *Client) bool
}

// Pinged is emitted by the authenticated ping command.
type Pinged struct {
	Org  protocol.OrganizationID
	Ping string
}

func (e *Pinged) Organization() protocol.OrganizationID { return e.Org }
func (e *Pinged) isForClient(c *Client) bool            { return true }
func (e *Pinged) Payload() any {
	return struct {
		Event string `msgpack:"event"`
		Ping  string `msgpack:"ping"`
	}{"pinged", e.Ping}
}

// CommonCertificate signals a new certificate on the common topic.
type CommonCertificate struct {
	Org       protocol.OrganizationID
	Timestamp time.Time
}

func (e *CommonCertificate) Organization() protocol.OrganizationID { return e.Org }
func (e *CommonCertificate) isForClient(c *Client) bool            { return true }
func (e *CommonCertificate) Payload() any {
	return struct {
		Event     string    `msgpack:"event"`
		Timestamp time.Time `msgpack:"timestamp"`
	}{"common_certificate", e.Timestamp}
}

// SequesterCertificate signals a new certificate on the sequester topic.
type SequesterCertificate struct {
	Org       protocol.OrganizationID
	Timestamp time.Time
}

func (e *SequesterCertificate) Organization() protocol.OrganizationID { return e.Org }
func (e *SequesterCertificate) isForClient(c *Client) bool            { return true }
func (e *SequesterCertificate) Payload() any {
	return struct {
		Event     string    `msgpack:"event"`
		Timestamp time.Time `msgpack:"timestamp"`
	}{"sequester_certificate", e.Timestamp}
}

// RealmCertificate signals a new certificate on a realm topic. UserID is the
// subject of role certificates; RoleRemoved marks an unshare. The bus uses
// both to keep each client's tracked-realms set in sync: a share to the
// client adds the realm before delivery, an unshare removes it after.
type RealmCertificate struct {
	Org         protocol.OrganizationID
	Timestamp   time.Time
	RealmID     uuid.UUID
	UserID      protocol.UserID
	RoleRemoved bool
}

func (e *RealmCertificate) Organization() protocol.OrganizationID { return e.Org }
func (e *RealmCertificate) isForClient(c *Client) bool            { return c.tracksRealm(e.RealmID) }
func (e *RealmCertificate) Payload() any {
	return struct {
		Event     string    `msgpack:"event"`
		Timestamp time.Time `msgpack:"timestamp"`
		RealmID   uuid.UUID `msgpack:"realm_id"`
	}{"realm_certificate", e.Timestamp, e.RealmID}
}

// Vlob signals a created or updated vlob. Blob is inline only when small
// enough; clients re-fetch otherwise. The last-certificate timestamps let the
// client detect a stale certificate view before interpreting the data.
type Vlob struct {
	Org                            protocol.OrganizationID
	RealmID                        uuid.UUID
	VlobID                         uuid.UUID
	Author                         protocol.DeviceID
	Timestamp                      time.Time
	Version                        uint64
	Blob                           []byte
	LastCommonCertificateTimestamp time.Time
	LastRealmCertificateTimestamp  time.Time
}

func (e *Vlob) Organization() protocol.OrganizationID { return e.Org }
func (e *Vlob) isForClient(c *Client) bool            { return c.tracksRealm(e.RealmID) }
func (e *Vlob) Payload() any {
	return struct {
		Event                          string            `msgpack:"event"`
		RealmID                        uuid.UUID         `msgpack:"realm_id"`
		VlobID                         uuid.UUID         `msgpack:"vlob_id"`
		Author                         protocol.DeviceID `msgpack:"author"`
		Timestamp                      time.Time         `msgpack:"timestamp"`
		Version                        uint64            `msgpack:"version"`
		Blob                           []byte            `msgpack:"blob"`
		LastCommonCertificateTimestamp time.Time         `msgpack:"last_common_certificate_timestamp"`
		LastRealmCertificateTimestamp  time.Time         `msgpack:"last_realm_certificate_timestamp"`
	}{"vlob", e.RealmID, e.VlobID, e.Author, e.Timestamp, e.Version, e.Blob,
		e.LastCommonCertificateTimestamp, e.LastRealmCertificateTimestamp}
}

// Invitation signals an invitation status change to its greeters (every
// recipient, for shamir recovery invitations).
type Invitation struct {
	Org      protocol.OrganizationID
	Token    uuid.UUID
	Status   protocol.InvitationStatus
	Greeters []protocol.UserID
}

func (e *Invitation) Organization() protocol.OrganizationID { return e.Org }
func (e *Invitation) isForClient(c *Client) bool {
	for _, g := range e.Greeters {
		if g == c.User {
			return true
		}
	}
	return false
}
func (e *Invitation) Payload() any {
	return struct {
		Event  string                    `msgpack:"event"`
		Token  uuid.UUID                 `msgpack:"token"`
		Status protocol.InvitationStatus `msgpack:"invitation_status"`
	}{"invitation", e.Token, e.Status}
}

// EnrollmentConduit signals conduit progress to the greeter so it can stop
// polling.
type EnrollmentConduit struct {
	Org     protocol.OrganizationID
	Token   uuid.UUID
	Greeter protocol.UserID
}

func (e *EnrollmentConduit) Organization() protocol.OrganizationID { return e.Org }
func (e *EnrollmentConduit) isForClient(c *Client) bool            { return c.User == e.Greeter }
func (e *EnrollmentConduit) Payload() any {
	return struct {
		Event   string          `msgpack:"event"`
		Token   uuid.UUID       `msgpack:"token"`
		Greeter protocol.UserID `msgpack:"greeter"`
	}{"enrollment_conduit", e.Token, e.Greeter}
}

// OrganizationExpired cancels every stream of the organization.
type OrganizationExpired struct {
	Org protocol.OrganizationID
}

func (e *OrganizationExpired) Organization() protocol.OrganizationID { return e.Org }
func (e *OrganizationExpired) isForClient(c *Client) bool            { return false }
func (e *OrganizationExpired) Payload() any {
	return struct {
		Event string `msgpack:"event"`
	}{"organization_expired"}
}

// UserRevokedOrFrozen cancels every stream of the user.
type UserRevokedOrFrozen struct {
	Org    protocol.OrganizationID
	UserID protocol.UserID
}

func (e *UserRevokedOrFrozen) Organization() protocol.OrganizationID { return e.Org }
func (e *UserRevokedOrFrozen) isForClient(c *Client) bool            { return false }
func (e *UserRevokedOrFrozen) Payload() any {
	return struct {
		Event  string          `msgpack:"event"`
		UserID protocol.UserID `msgpack:"user_id"`
	}{"user_revoked_or_frozen", e.UserID}
}

// UserUnfrozen is informational; the frozen user has no open stream left.
type UserUnfrozen struct {
	Org    protocol.OrganizationID
	UserID protocol.UserID
}

func (e *UserUnfrozen) Organization() protocol.OrganizationID { return e.Org }
func (e *UserUnfrozen) isForClient(c *Client) bool            { return c.User == e.UserID }
func (e *UserUnfrozen) Payload() any {
	return struct {
		Event  string          `msgpack:"event"`
		UserID protocol.UserID `msgpack:"user_id"`
	}{"user_unfrozen", e.UserID}
}

// OrganizationConfig carries the per-organization limits. It is the first
// frame of every stream and is re-pushed when an administrator changes the
// configuration.
type OrganizationConfig struct {
	Org                        protocol.OrganizationID
	UserProfileOutsiderAllowed bool
	ActiveUsersLimit           *int64
	SseEventsCacheSize         int
}

func (e *OrganizationConfig) Organization() protocol.OrganizationID { return e.Org }
func (e *OrganizationConfig) isForClient(c *Client) bool            { return true }
func (e *OrganizationConfig) Payload() any {
	return struct {
		Event                      string `msgpack:"event"`
		UserProfileOutsiderAllowed bool   `msgpack:"user_profile_outsider_allowed"`
		ActiveUsersLimit           *int64 `msgpack:"active_users_limit"`
		SseEventsCacheSize         int    `msgpack:"sse_events_cache_size"`
	}{"organization_config", e.UserProfileOutsiderAllowed, e.ActiveUsersLimit, e.SseEventsCacheSize}
}

// Serialize encodes an event payload once, so fan-out shares the bytes.
func Serialize(e Event) ([]byte, error) {
	return msgpack.Marshal(e.Payload())
}

// MissedPayload is sent when a reconnecting client's Last-Event-Id fell out
// of the replay ring; the client must perform a full resync.
func MissedPayload() []byte {
	data, err := msgpack.Marshal(struct {
		Event string `msgpack:"event"`
	}{"missed"})
	if err != nil {
		panic(err)
	}
	return data
}

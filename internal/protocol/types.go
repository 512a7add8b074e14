// Package protocol defines the identifiers, enumerations and certificate
// payloads shared by every component of the server core. Certificates are
// msgpack-encoded payloads sealed by a device signing key; the server only
// ever opens and inspects them, it never produces one.
package protocol

import "github.com/google/uuid"

// OrganizationID identifies a tenant. Organizations are the unit of
// isolation: no identifier below is meaningful outside its organization.
type OrganizationID string

// UserID identifies a user inside an organization.
type UserID string

// DeviceID identifies a device inside an organization. Devices belong to
// exactly one user and are the only signers of certificates.
type DeviceID string

// Profile is the capability level of a user.
type Profile string

const (
	ProfileAdmin    Profile = "ADMIN"
	ProfileStandard Profile = "STANDARD"
	ProfileOutsider Profile = "OUTSIDER"
)

func (p Profile) Valid() bool {
	switch p {
	case ProfileAdmin, ProfileStandard, ProfileOutsider:
		return true
	}
	return false
}

// RealmRole is a user's role inside a realm. An absent role (nil pointer in
// role certificates) means the user is unshared from the realm.
type RealmRole string

const (
	RoleOwner       RealmRole = "OWNER"
	RoleManager     RealmRole = "MANAGER"
	RoleContributor RealmRole = "CONTRIBUTOR"
	RoleReader      RealmRole = "READER"
)

func (r RealmRole) Valid() bool {
	switch r {
	case RoleOwner, RoleManager, RoleContributor, RoleReader:
		return true
	}
	return false
}

// CanWrite reports whether the role allows vlob and block writes.
func (r RealmRole) CanWrite() bool {
	return r == RoleOwner || r == RoleManager || r == RoleContributor
}

// IsManagement reports whether the role is OWNER or MANAGER. Granting or
// removing a management role requires the author to be OWNER.
func (r RealmRole) IsManagement() bool {
	return r == RoleOwner || r == RoleManager
}

// InvitationType discriminates what an invitation enrolls.
type InvitationType string

const (
	InvitationUser           InvitationType = "USER"
	InvitationDevice         InvitationType = "DEVICE"
	InvitationShamirRecovery InvitationType = "SHAMIR_RECOVERY"
)

// InvitationStatus is the lifecycle state of an invitation. IDLE and READY
// toggle as the claimer joins and leaves; the other states are terminal.
type InvitationStatus string

const (
	InvitationIdle      InvitationStatus = "IDLE"
	InvitationReady     InvitationStatus = "READY"
	InvitationCancelled InvitationStatus = "CANCELLED"
	InvitationCompleted InvitationStatus = "COMPLETED"
	InvitationDeleted   InvitationStatus = "DELETED"
)

// ConduitState is the cursor of the greeter/claimer rendezvous.
type ConduitState string

const (
	ConduitWaitPeers ConduitState = "WAIT_PEERS"
	Conduit2A        ConduitState = "2A"
	Conduit2B        ConduitState = "2B"
	Conduit3A        ConduitState = "3A"
	Conduit3B        ConduitState = "3B"
	Conduit4         ConduitState = "4"
)

// NextConduitState returns the state following s in the canonical
// progression. The final state wraps to itself; completion is tracked on
// the invitation, not the conduit.
func NextConduitState(s ConduitState) ConduitState {
	switch s {
	case ConduitWaitPeers:
		return Conduit2A
	case Conduit2A:
		return Conduit2B
	case Conduit2B:
		return Conduit3A
	case Conduit3A:
		return Conduit3B
	case Conduit3B:
		return Conduit4
	default:
		return Conduit4
	}
}

// SequesterServiceType discriminates sequester service behavior. STORAGE
// services receive a copy of every vlob write; WEBHOOK services are asked
// synchronously and may reject the write.
type SequesterServiceType string

const (
	SequesterStorage SequesterServiceType = "STORAGE"
	SequesterWebhook SequesterServiceType = "WEBHOOK"
)

// HumanHandle is the human identity attached to a user. Email is unique
// among non-revoked users of an organization.
type HumanHandle struct {
	Email string `msgpack:"email"`
	Label string `msgpack:"label"`
}

// NewInvitationToken returns a fresh random invitation token.
func NewInvitationToken() uuid.UUID { return uuid.New() }

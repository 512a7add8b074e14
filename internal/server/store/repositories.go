package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// OrganizationRepository persists tenant rows.
type OrganizationRepository interface {
	// Get returns common.ErrOrganizationNotFound when absent.
	Get(ctx context.Context, id protocol.OrganizationID) (*models.Organization, error)
	// Upsert inserts or fully overwrites the organization row.
	Upsert(ctx context.Context, org *models.Organization) error
	// Update overwrites the mutable columns of an existing row.
	Update(ctx context.Context, org *models.Organization) error
	Stats(ctx context.Context, id protocol.OrganizationID) (*models.OrganizationStats, error)
}

// UserRepository persists users, devices and the profile log, and serves
// the common-topic certificate stream.
type UserRepository interface {
	GetUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.User, error)
	GetUserByEmail(ctx context.Context, org protocol.OrganizationID, email string) (*models.User, error)
	GetDevice(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID) (*models.Device, error)
	CreateUser(ctx context.Context, org protocol.OrganizationID, user *models.User) error
	CreateDevice(ctx context.Context, org protocol.OrganizationID, device *models.Device) error
	// ActiveUserCount counts non-revoked users; OUTSIDER profiles do not
	// count against the active-users limit.
	ActiveUserCount(ctx context.Context, org protocol.OrganizationID) (int64, error)
	// EmailTaken reports whether a non-revoked user already holds email.
	EmailTaken(ctx context.Context, org protocol.OrganizationID, email string) (bool, error)
	// AppendProfileUpdate appends to the profile log and materializes
	// the user's current profile.
	AppendProfileUpdate(ctx context.Context, org protocol.OrganizationID, update *models.ProfileUpdate) error
	// RevokeUser records the revocation certificate on the user row.
	RevokeUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, certificate []byte, revokedOn time.Time) error
	SetUserFrozen(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, frozen bool) error
	// ListCommonCertificates returns common-topic certificates strictly
	// newer than after (all of them when after is nil), ordered by
	// (timestamp, priority).
	ListCommonCertificates(ctx context.Context, org protocol.OrganizationID, after *time.Time) ([]models.CertificateRef, error)
}

// RealmRepository persists realms and their role, key-rotation and rename
// logs.
type RealmRepository interface {
	Get(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (*models.Realm, error)
	// Create inserts the realm together with its first (OWNER) role row.
	Create(ctx context.Context, org protocol.OrganizationID, realm *models.Realm, firstRole *models.RealmRole) error
	AppendRole(ctx context.Context, org protocol.OrganizationID, role *models.RealmRole) error
	// CurrentRole returns the role of the latest role-log entry for the
	// user, or nil when the user was never shared or is unshared.
	CurrentRole(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, user protocol.UserID) (*protocol.RealmRole, error)
	// CurrentRoles returns every user currently holding a role.
	CurrentRoles(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (map[protocol.UserID]protocol.RealmRole, error)
	// AppendKeyRotation inserts the rotation and bumps the realm's
	// current key index.
	AppendKeyRotation(ctx context.Context, org protocol.OrganizationID, rotation *models.RealmKeyRotation) error
	// GetKeyRotation returns the rotation at keyIndex, or the latest one
	// when keyIndex is zero; nil when no rotation exists at that index.
	GetKeyRotation(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, keyIndex uint64) (*models.RealmKeyRotation, error)
	// SetKeysBundleAccess attaches (or overwrites, for self-repair) the
	// recipient's access blob on the rotation at keyIndex.
	SetKeysBundleAccess(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, keyIndex uint64, user protocol.UserID, access []byte) error
	AppendName(ctx context.Context, org protocol.OrganizationID, name *models.RealmName) error
	// LastName returns the latest rename entry, or nil when the realm
	// was never named.
	LastName(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (*models.RealmName, error)
	// RealmsForUser lists the realms where the user currently holds a
	// role.
	RealmsForUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) ([]uuid.UUID, error)
	// ListRealmCertificates returns realm-topic certificates strictly
	// newer than after, in timestamp order.
	ListRealmCertificates(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, after *time.Time) ([]models.CertificateRef, error)
}

// VlobRepository persists vlob atoms and the per-realm checkpoint counter.
type VlobRepository interface {
	// Create inserts version 1 of a new vlob and bumps the realm
	// checkpoint. Returns common.ErrVlobAlreadyExists when the vlob id
	// is already used in the organization, common.ErrRetryNeeded on a
	// checkpoint race.
	Create(ctx context.Context, org protocol.OrganizationID, atom *models.VlobAtom) error
	// Update inserts the next version of an existing vlob and bumps the
	// realm checkpoint. Returns common.ErrRetryNeeded when the version
	// or checkpoint raced with a concurrent writer.
	Update(ctx context.Context, org protocol.OrganizationID, atom *models.VlobAtom) error
	// Get returns the realm and current version of a vlob, or
	// common.ErrVlobNotFound.
	Get(ctx context.Context, org protocol.OrganizationID, vlob uuid.UUID) (uuid.UUID, uint64, error)
	// ReadLatest returns, for each id, the latest atom at-or-before at
	// (or the current one when at is nil); missing ids are skipped.
	ReadLatest(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, vlobs []uuid.UUID, at *time.Time) ([]*models.VlobAtom, error)
	// ReadVersion returns the exact version of a vlob, or nil when the
	// vlob or version does not exist in the realm.
	ReadVersion(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, vlob uuid.UUID, version uint64) (*models.VlobAtom, error)
	// PollChanges returns the current checkpoint and the vlobs changed
	// strictly after since, deduplicated, in change order.
	PollChanges(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, since uint64) (uint64, []models.VlobChange, error)
	// LastTimestampInRealm returns the greatest atom timestamp of the
	// realm, or the zero time when the realm holds no atom.
	LastTimestampInRealm(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (time.Time, error)
	// DumpRealm returns every atom of the realm in insertion order.
	DumpRealm(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) ([]*models.VlobAtom, error)
}

// BlockRepository persists block metadata.
type BlockRepository interface {
	Create(ctx context.Context, org protocol.OrganizationID, block *models.Block) error
	Get(ctx context.Context, org protocol.OrganizationID, block uuid.UUID) (*models.Block, error)
}

// InvitationRepository persists invitations and their conduits.
type InvitationRepository interface {
	Create(ctx context.Context, org protocol.OrganizationID, invitation *models.Invitation) error
	Get(ctx context.Context, org protocol.OrganizationID, token uuid.UUID) (*models.Invitation, error)
	// List returns the invitations visible to user: the ones it created
	// plus the shamir ones where it is a recipient.
	List(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) ([]*models.Invitation, error)
	SetStatus(ctx context.Context, org protocol.OrganizationID, token uuid.UUID, status protocol.InvitationStatus) error
	// FindIdleUserInvitation dedups USER invitations by (author, email).
	FindIdleUserInvitation(ctx context.Context, org protocol.OrganizationID, author protocol.UserID, email string) (*models.Invitation, error)
	// FindIdleDeviceInvitation dedups DEVICE invitations by author.
	FindIdleDeviceInvitation(ctx context.Context, org protocol.OrganizationID, author protocol.UserID) (*models.Invitation, error)
	// FindPendingShamirInvitation returns the non-terminal
	// SHAMIR_RECOVERY invitation targeting user, if any.
	FindPendingShamirInvitation(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.Invitation, error)
	// GetConduitForUpdate returns the conduit of (token, greeter),
	// creating it in WAIT_PEERS when absent, and locks it until the
	// transaction ends.
	GetConduitForUpdate(ctx context.Context, org protocol.OrganizationID, token uuid.UUID, greeter protocol.UserID) (*models.Conduit, error)
	SetConduit(ctx context.Context, org protocol.OrganizationID, conduit *models.Conduit) error
}

// SequesterRepository persists sequester services.
type SequesterRepository interface {
	Create(ctx context.Context, org protocol.OrganizationID, service *models.SequesterService) error
	Get(ctx context.Context, org protocol.OrganizationID, service uuid.UUID) (*models.SequesterService, error)
	List(ctx context.Context, org protocol.OrganizationID) ([]*models.SequesterService, error)
	Revoke(ctx context.Context, org protocol.OrganizationID, service uuid.UUID, revokedOn time.Time) error
	SetWebhookURL(ctx context.Context, org protocol.OrganizationID, service uuid.UUID, url string) error
	ListCertificates(ctx context.Context, org protocol.OrganizationID, after *time.Time) ([]models.CertificateRef, error)
}

// ShamirRepository persists shamir recovery setups.
type ShamirRepository interface {
	Get(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.ShamirRecoverySetup, error)
	// Set installs the setup, replacing any previous one for the user.
	Set(ctx context.Context, org protocol.OrganizationID, setup *models.ShamirRecoverySetup) error
	Delete(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) error
	GetByRevealToken(ctx context.Context, org protocol.OrganizationID, token uuid.UUID) (*models.ShamirRecoverySetup, error)
	// ListCertificates returns the shamir-topic certificates involving
	// user (as author or recipient), strictly newer than after.
	ListCertificates(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, after *time.Time) ([]models.CertificateRef, error)
}

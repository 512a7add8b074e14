// Package common defines the shared outcome vocabulary of the server core.
// Components return these values instead of transport-level responses; the
// HTTP layer decides which ones abort the request and which ones become a
// typed reply. Callers should use errors.Is for sentinel values and
// errors.As for the struct outcomes carrying data.
package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// Authentication-level outcomes, consumed by the transport layer.
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrOrganizationExpired  = errors.New("organization expired")
	ErrAuthorNotFound       = errors.New("author not found")
	ErrAuthorRevoked        = errors.New("author revoked")
	ErrUserFrozen           = errors.New("user frozen")

	// Organization lifecycle.
	ErrOrganizationAlreadyBootstrapped = errors.New("organization already bootstrapped")
	ErrOrganizationAlreadyExists       = errors.New("organization already exists")
	ErrInvalidBootstrapToken           = errors.New("invalid bootstrap token")

	// Certificate validation.
	ErrInvalidCertificate = errors.New("invalid certificate")

	// Authorization / business rules.
	ErrAuthorNotAllowed             = errors.New("author not allowed")
	ErrUserNotFound                 = errors.New("user not found")
	ErrUserAlreadyExists            = errors.New("user already exists")
	ErrDeviceAlreadyExists          = errors.New("device already exists")
	ErrHumanHandleAlreadyTaken      = errors.New("human handle already taken")
	ErrActiveUsersLimitReached      = errors.New("active users limit reached")
	ErrUserNoChanges                = errors.New("user profile unchanged")
	ErrRealmNotFound                = errors.New("realm not found")
	ErrRealmAlreadyExists           = errors.New("realm already exists")
	ErrRecipientNotFound            = errors.New("recipient not found")
	ErrRecipientRevoked             = errors.New("recipient revoked")
	ErrRoleIncompatibleWithOutsider = errors.New("role incompatible with outsider profile")
	ErrParticipantMismatch          = errors.New("participant mismatch")
	ErrAccessNotAvailableForAuthor  = errors.New("keys bundle access not available for author")
	ErrVlobNotFound                 = errors.New("vlob not found")
	ErrVlobAlreadyExists            = errors.New("vlob already exists")
	ErrBadVlobVersion               = errors.New("bad vlob version")
	ErrBlockNotFound                = errors.New("block not found")
	ErrBlockAlreadyExists           = errors.New("block already exists")
	ErrTooManyItems                 = errors.New("too many items requested")

	// Invitations.
	ErrInvitationNotFound         = errors.New("invitation not found")
	ErrInvitationCancelled        = errors.New("invitation cancelled")
	ErrInvitationAlreadyCompleted = errors.New("invitation already completed")
	ErrEnrollmentWrongState       = errors.New("enrollment wrong state")

	// Sequester and shamir recovery.
	ErrSequesterDisabled              = errors.New("sequester disabled for organization")
	ErrSequesterServiceNotFound       = errors.New("sequester service not found")
	ErrSequesterServiceAlreadyExists  = errors.New("sequester service already exists")
	ErrSequesterServiceAlreadyRevoked = errors.New("sequester service already revoked")
	ErrSequesterServiceWrongKind      = errors.New("sequester service has wrong kind")
	ErrSequesterInconsistency         = errors.New("sequester blobs inconsistent with enabled services")
	ErrShamirSetupNotFound            = errors.New("shamir recovery setup not found")
	ErrInvalidRevealToken             = errors.New("invalid reveal token")

	// Internal control flow: the transaction raced with another writer and
	// must be replayed from the start under a fresh transaction.
	ErrRetryNeeded = errors.New("retry needed")
)

// RequireGreaterTimestampError is returned when a certificate timestamp does
// not strictly exceed the relevant topic clock. The client must re-sign with
// a timestamp strictly greater than StrictlyGreaterThan.
type RequireGreaterTimestampError struct {
	StrictlyGreaterThan time.Time
}

func (e *RequireGreaterTimestampError) Error() string {
	return fmt.Sprintf("timestamp must be strictly greater than %s", e.StrictlyGreaterThan.Format(time.RFC3339Nano))
}

// TimestampOutOfBallparkError is returned when a client timestamp is too far
// from the server clock.
type TimestampOutOfBallparkError struct {
	ServerTimestamp     time.Time
	ClientTimestamp     time.Time
	BallparkEarlyOffset time.Duration
	BallparkLateOffset  time.Duration
}

func (e *TimestampOutOfBallparkError) Error() string {
	return fmt.Sprintf("client timestamp %s out of ballpark (server %s)",
		e.ClientTimestamp.Format(time.RFC3339Nano), e.ServerTimestamp.Format(time.RFC3339Nano))
}

// CertificateAlreadyExistsError is the idempotent outcome: the requested
// certificate-based action was already performed. CertificateTimestamp is
// the timestamp of the certificate that caused it, so the client can resume
// from there without re-issuing.
type CertificateAlreadyExistsError struct {
	CertificateTimestamp time.Time
}

func (e *CertificateAlreadyExistsError) Error() string {
	return fmt.Sprintf("certificate already exists (timestamp %s)", e.CertificateTimestamp.Format(time.RFC3339Nano))
}

// BadKeyIndexError is returned when an operation names a key index that is
// not the realm's current one. LastRealmCertificateTimestamp lets the client
// fetch the rotation certificates it is missing.
type BadKeyIndexError struct {
	LastRealmCertificateTimestamp time.Time
}

func (e *BadKeyIndexError) Error() string {
	return fmt.Sprintf("bad key index (last realm certificate %s)", e.LastRealmCertificateTimestamp.Format(time.RFC3339Nano))
}

// SequesterRejectedError is returned when a sequester webhook service
// refused the write.
type SequesterRejectedError struct {
	ServiceID uuid.UUID
	Reason    string
}

func (e *SequesterRejectedError) Error() string {
	return fmt.Sprintf("rejected by sequester service %s: %s", e.ServiceID, e.Reason)
}

// SequesterUnavailableError is returned when a sequester webhook service
// could not be reached. The write is rolled back, not retried.
type SequesterUnavailableError struct {
	ServiceID uuid.UUID
}

func (e *SequesterUnavailableError) Error() string {
	return fmt.Sprintf("sequester service %s unavailable", e.ServiceID)
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// Invitation is the enrollment rendezvous record. ClaimerEmail is set for
// USER invitations only; ShamirRecoveryUser for SHAMIR_RECOVERY ones.
type Invitation struct {
	Token              uuid.UUID
	Type               protocol.InvitationType
	CreatedBy          protocol.UserID
	CreatedOn          time.Time
	Status             protocol.InvitationStatus
	ClaimerEmail       string
	ShamirRecoveryUser protocol.UserID
}

// Conduit is the two-slot exchange buffer of one greeter/claimer pair.
// USER and DEVICE invitations have exactly one conduit (Greeter is the
// invitation author); SHAMIR_RECOVERY invitations have one per recipient.
type Conduit struct {
	Token          uuid.UUID
	Greeter        protocol.UserID
	State          protocol.ConduitState
	GreeterPayload []byte
	ClaimerPayload []byte
	// Cached payloads of the round that most recently advanced, so the
	// second party to observe the advancement still sees its peer's
	// payload exactly once.
	LastGreeterPayload []byte
	LastClaimerPayload []byte
	// IsLastExchange is set by the greeter on the final talk; advancing
	// past it completes the invitation.
	IsLastExchange bool
}

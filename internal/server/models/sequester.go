package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// SequesterService only exists in organizations bootstrapped with a
// sequester authority. WebhookURL is set for WEBHOOK services only.
type SequesterService struct {
	ServiceID   uuid.UUID
	ServiceType protocol.SequesterServiceType
	Certificate []byte
	Label       string
	CreatedOn   time.Time
	RevokedOn   *time.Time
	WebhookURL  string
}

// IsEnabled reports whether the service still takes part in vlob writes.
func (s *SequesterService) IsEnabled() bool { return s.RevokedOn == nil }

// ShamirRecoverySetup is a user's current threshold-recovery configuration.
// A user has at most one; installing a new one replaces the previous and
// cancels any pending shamir invitation.
type ShamirRecoverySetup struct {
	UserID           protocol.UserID
	BriefCertificate []byte
	Threshold        uint64
	RevealToken      uuid.UUID
	CipheredData     []byte
	CreatedOn        time.Time
	Shares           []ShamirRecoveryShare
}

// ShamirRecoveryShare is the per-recipient half of a setup.
type ShamirRecoveryShare struct {
	Recipient        protocol.UserID
	ShareCertificate []byte
	SharesCount      uint64
}

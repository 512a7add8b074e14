// Package models defines the persisted row shapes shared by the memory and
// PostgreSQL stores. Certificates are stored as the opaque signed blobs the
// clients produced; decoded fields are materialized alongside them only
// when the server needs them for authorization decisions.
package models

import (
	"time"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// Organization is the tenant row. RootVerifyKey is nil until the
// organization has been bootstrapped; BootstrapToken is the one-shot secret
// handed out by the administration API.
type Organization struct {
	ID                         protocol.OrganizationID
	BootstrapToken             string
	RootVerifyKey              []byte
	IsExpired                  bool
	ActiveUsersLimit           *int64
	UserProfileOutsiderAllowed bool
	MinimumArchivingPeriod     time.Duration
	CreatedOn                  time.Time

	// Sequester authority, fixed at bootstrap. All nil when the
	// organization is not sequestered.
	SequesterAuthorityCertificate []byte
	SequesterAuthorityVerifyKey   []byte
	SequesterAuthorityCertifiedOn *time.Time

	// Terms of service. TosUpdatedOn is nil when none were ever set.
	TosUpdatedOn     *time.Time
	TosPerLocaleURLs map[string]string
}

// IsBootstrapped reports whether the one-shot bootstrap already happened.
func (o *Organization) IsBootstrapped() bool {
	return len(o.RootVerifyKey) > 0
}

// OrganizationStats is the administration-facing usage summary.
type OrganizationStats struct {
	ActiveUsers  int64
	RevokedUsers int64
	Realms       int64
	Vlobs        int64
	Blocks       int64
	MetadataSize int64
	DataSize     int64
}

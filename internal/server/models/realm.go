package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// Realm tracks the container itself; roles, rotations and names live in
// their own append-only logs.
type Realm struct {
	RealmID   uuid.UUID
	CreatedOn time.Time
	KeyIndex  uint64
}

// RealmRole is one entry of the realm's role log. A nil Role is an unshare.
type RealmRole struct {
	RealmID     uuid.UUID
	UserID      protocol.UserID
	Role        *protocol.RealmRole
	Certificate []byte
	CertifiedBy protocol.DeviceID
	CertifiedOn time.Time
}

// RealmKeyRotation is one entry of the realm's key-rotation log. KeysBundle
// is shared by every participant of the rotation; PerParticipantAccess maps
// each participant to its own opaque access blob. Share operations may
// later attach (or overwrite) an access blob for the recipient.
type RealmKeyRotation struct {
	RealmID              uuid.UUID
	KeyIndex             uint64
	EncryptionAlgorithm  string
	HashAlgorithm        string
	KeyCanary            []byte
	Certificate          []byte
	CertifiedBy          protocol.DeviceID
	CertifiedOn          time.Time
	KeysBundle           []byte
	PerParticipantAccess map[protocol.UserID][]byte
}

// RealmName is one entry of the realm's rename log; the first entry is the
// realm's initial name.
type RealmName struct {
	RealmID     uuid.UUID
	KeyIndex    uint64
	Certificate []byte
	CertifiedOn time.Time
}

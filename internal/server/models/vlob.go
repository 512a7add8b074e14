package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/protocol"
)

// VlobAtom is one committed version of a vlob. ChangeIndex is the value of
// the realm checkpoint counter after this write; poll_changes filters on it.
// SequesterBlobs carries the per-STORAGE-service copies attached to the
// write when the organization is sequestered.
type VlobAtom struct {
	VlobID         uuid.UUID
	RealmID        uuid.UUID
	Version        uint64
	KeyIndex       uint64
	Blob           []byte
	Author         protocol.DeviceID
	Timestamp      time.Time
	CreatedOn      time.Time
	ChangeIndex    uint64
	SequesterBlobs map[uuid.UUID][]byte
}

// VlobChange is one poll_changes entry: the vlob and its latest version.
type VlobChange struct {
	VlobID  uuid.UUID
	Version uint64
}

// Block is the metadata row of an opaque payload; the bytes themselves live
// in the blockstore, keyed by (organization, block id).
type Block struct {
	BlockID   uuid.UUID
	RealmID   uuid.UUID
	KeyIndex  uint64
	Author    protocol.DeviceID
	Size      int64
	CreatedOn time.Time
}

package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
)

type vlobRepo struct {
	tx *memTx
}

func copyAtom(a *models.VlobAtom) *models.VlobAtom {
	c := *a
	if a.SequesterBlobs != nil {
		c.SequesterBlobs = make(map[uuid.UUID][]byte, len(a.SequesterBlobs))
		for service, blob := range a.SequesterBlobs {
			c.SequesterBlobs[service] = blob
		}
	}
	return &c
}

func (r *vlobRepo) data(org protocol.OrganizationID) (*organizationData, error) {
	data := r.tx.store.org(org)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	return data, nil
}

func (r *vlobRepo) Create(ctx context.Context, org protocol.OrganizationID, atom *models.VlobAtom) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	if _, ok := data.vlobs[atom.VlobID]; ok {
		return common.ErrVlobAlreadyExists
	}
	rd, ok := data.realms[atom.RealmID]
	if !ok {
		return common.ErrRealmNotFound
	}
	c := copyAtom(atom)
	c.Version = 1
	c.ChangeIndex = uint64(len(rd.changes)) + 1
	data.vlobs[atom.VlobID] = &vlobData{realm: atom.RealmID, atoms: []*models.VlobAtom{c}}
	rd.changes = append(rd.changes, changeEntry{vlob: atom.VlobID, version: 1})
	r.tx.onRollback(func() {
		delete(data.vlobs, atom.VlobID)
		rd.changes = rd.changes[:len(rd.changes)-1]
	})
	return nil
}

func (r *vlobRepo) Update(ctx context.Context, org protocol.OrganizationID, atom *models.VlobAtom) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	vd, ok := data.vlobs[atom.VlobID]
	if !ok {
		return common.ErrVlobNotFound
	}
	rd, ok := data.realms[vd.realm]
	if !ok {
		return common.ErrRealmNotFound
	}
	if atom.Version != uint64(len(vd.atoms))+1 {
		// The caller validated the version before writing; a mismatch
		// here means the vlob moved under us.
		return common.ErrRetryNeeded
	}
	c := copyAtom(atom)
	c.RealmID = vd.realm
	c.ChangeIndex = uint64(len(rd.changes)) + 1
	vd.atoms = append(vd.atoms, c)
	rd.changes = append(rd.changes, changeEntry{vlob: atom.VlobID, version: atom.Version})
	r.tx.onRollback(func() {
		vd.atoms = vd.atoms[:len(vd.atoms)-1]
		rd.changes = rd.changes[:len(rd.changes)-1]
	})
	return nil
}

func (r *vlobRepo) Get(ctx context.Context, org protocol.OrganizationID, vlob uuid.UUID) (uuid.UUID, uint64, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return uuid.Nil, 0, err
	}
	vd, ok := data.vlobs[vlob]
	if !ok {
		return uuid.Nil, 0, common.ErrVlobNotFound
	}
	return vd.realm, uint64(len(vd.atoms)), nil
}

func (r *vlobRepo) ReadLatest(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, vlobs []uuid.UUID, at *time.Time) ([]*models.VlobAtom, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	var result []*models.VlobAtom
	for _, id := range vlobs {
		vd, ok := data.vlobs[id]
		if !ok || vd.realm != realm {
			continue
		}
		var found *models.VlobAtom
		for i := len(vd.atoms) - 1; i >= 0; i-- {
			if at == nil || !vd.atoms[i].Timestamp.After(*at) {
				found = vd.atoms[i]
				break
			}
		}
		if found != nil {
			result = append(result, copyAtom(found))
		}
	}
	return result, nil
}

func (r *vlobRepo) ReadVersion(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, vlob uuid.UUID, version uint64) (*models.VlobAtom, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	vd, ok := data.vlobs[vlob]
	if !ok || vd.realm != realm {
		return nil, nil
	}
	if version == 0 || version > uint64(len(vd.atoms)) {
		return nil, nil
	}
	return copyAtom(vd.atoms[version-1]), nil
}

func (r *vlobRepo) PollChanges(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, since uint64) (uint64, []models.VlobChange, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return 0, nil, err
	}
	rd, ok := data.realms[realm]
	if !ok {
		return 0, nil, common.ErrRealmNotFound
	}
	current := uint64(len(rd.changes))
	if since >= current {
		return current, nil, nil
	}
	type lastSeen struct {
		version uint64
		index   int
	}
	latest := make(map[uuid.UUID]lastSeen)
	for i := int(since); i < len(rd.changes); i++ {
		entry := rd.changes[i]
		latest[entry.vlob] = lastSeen{version: entry.version, index: i}
	}
	changes := make([]models.VlobChange, 0, len(latest))
	order := make(map[uuid.UUID]int, len(latest))
	for vlob, seen := range latest {
		changes = append(changes, models.VlobChange{VlobID: vlob, Version: seen.version})
		order[vlob] = seen.index
	}
	sort.Slice(changes, func(i, j int) bool { return order[changes[i].VlobID] < order[changes[j].VlobID] })
	return current, changes, nil
}

func (r *vlobRepo) LastTimestampInRealm(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (time.Time, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, vd := range data.vlobs {
		if vd.realm != realm {
			continue
		}
		for _, atom := range vd.atoms {
			if atom.Timestamp.After(last) {
				last = atom.Timestamp
			}
		}
	}
	return last, nil
}

func (r *vlobRepo) DumpRealm(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) ([]*models.VlobAtom, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	var atoms []*models.VlobAtom
	for _, vd := range data.vlobs {
		if vd.realm != realm {
			continue
		}
		for _, atom := range vd.atoms {
			atoms = append(atoms, copyAtom(atom))
		}
	}
	sort.Slice(atoms, func(i, j int) bool { return atoms[i].ChangeIndex < atoms[j].ChangeIndex })
	return atoms, nil
}

type blockRepo struct {
	tx *memTx
}

func (r *blockRepo) Create(ctx context.Context, org protocol.OrganizationID, block *models.Block) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.org(org)
	if data == nil {
		return common.ErrOrganizationNotFound
	}
	if _, ok := data.blocks[block.BlockID]; ok {
		return common.ErrBlockAlreadyExists
	}
	c := *block
	data.blocks[block.BlockID] = &c
	r.tx.onRollback(func() { delete(data.blocks, block.BlockID) })
	return nil
}

func (r *blockRepo) Get(ctx context.Context, org protocol.OrganizationID, block uuid.UUID) (*models.Block, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.org(org)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	b, ok := data.blocks[block]
	if !ok {
		return nil, common.ErrBlockNotFound
	}
	c := *b
	return &c, nil
}

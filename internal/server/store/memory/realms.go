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

type realmRepo struct {
	tx *memTx
}

func (r *realmRepo) data(org protocol.OrganizationID) (*organizationData, error) {
	data := r.tx.store.org(org)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	return data, nil
}

func (r *realmRepo) Get(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (*models.Realm, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	rd, ok := data.realms[realm]
	if !ok {
		return nil, common.ErrRealmNotFound
	}
	c := rd.realm
	return &c, nil
}

func (r *realmRepo) Create(ctx context.Context, org protocol.OrganizationID, realm *models.Realm, firstRole *models.RealmRole) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	if _, ok := data.realms[realm.RealmID]; ok {
		return common.ErrRealmAlreadyExists
	}
	role := *firstRole
	data.realms[realm.RealmID] = &realmData{realm: *realm, roles: []*models.RealmRole{&role}}
	r.tx.onRollback(func() { delete(data.realms, realm.RealmID) })
	return nil
}

func (r *realmRepo) realmData(org protocol.OrganizationID, realm uuid.UUID) (*realmData, error) {
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	rd, ok := data.realms[realm]
	if !ok {
		return nil, common.ErrRealmNotFound
	}
	return rd, nil
}

func (r *realmRepo) AppendRole(ctx context.Context, org protocol.OrganizationID, role *models.RealmRole) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, role.RealmID)
	if err != nil {
		return err
	}
	c := *role
	rd.roles = append(rd.roles, &c)
	r.tx.onRollback(func() { rd.roles = rd.roles[:len(rd.roles)-1] })
	return nil
}

func (r *realmRepo) CurrentRole(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, user protocol.UserID) (*protocol.RealmRole, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, realm)
	if err != nil {
		return nil, err
	}
	for i := len(rd.roles) - 1; i >= 0; i-- {
		if rd.roles[i].UserID == user {
			if rd.roles[i].Role == nil {
				return nil, nil
			}
			role := *rd.roles[i].Role
			return &role, nil
		}
	}
	return nil, nil
}

func (r *realmRepo) CurrentRoles(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (map[protocol.UserID]protocol.RealmRole, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, realm)
	if err != nil {
		return nil, err
	}
	latest := make(map[protocol.UserID]*protocol.RealmRole)
	for _, entry := range rd.roles {
		latest[entry.UserID] = entry.Role
	}
	current := make(map[protocol.UserID]protocol.RealmRole)
	for user, role := range latest {
		if role != nil {
			current[user] = *role
		}
	}
	return current, nil
}

func (r *realmRepo) AppendKeyRotation(ctx context.Context, org protocol.OrganizationID, rotation *models.RealmKeyRotation) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, rotation.RealmID)
	if err != nil {
		return err
	}
	c := *rotation
	c.PerParticipantAccess = make(map[protocol.UserID][]byte, len(rotation.PerParticipantAccess))
	for user, access := range rotation.PerParticipantAccess {
		c.PerParticipantAccess[user] = access
	}
	previousIndex := rd.realm.KeyIndex
	rd.rotations = append(rd.rotations, &c)
	rd.realm.KeyIndex = rotation.KeyIndex
	r.tx.onRollback(func() {
		rd.rotations = rd.rotations[:len(rd.rotations)-1]
		rd.realm.KeyIndex = previousIndex
	})
	return nil
}

func (r *realmRepo) GetKeyRotation(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, keyIndex uint64) (*models.RealmKeyRotation, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, realm)
	if err != nil {
		return nil, err
	}
	if len(rd.rotations) == 0 {
		return nil, nil
	}
	var found *models.RealmKeyRotation
	if keyIndex == 0 {
		found = rd.rotations[len(rd.rotations)-1]
	} else {
		for _, rotation := range rd.rotations {
			if rotation.KeyIndex == keyIndex {
				found = rotation
				break
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	c := *found
	c.PerParticipantAccess = make(map[protocol.UserID][]byte, len(found.PerParticipantAccess))
	for user, access := range found.PerParticipantAccess {
		c.PerParticipantAccess[user] = access
	}
	return &c, nil
}

func (r *realmRepo) SetKeysBundleAccess(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, keyIndex uint64, user protocol.UserID, access []byte) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, realm)
	if err != nil {
		return err
	}
	for _, rotation := range rd.rotations {
		if rotation.KeyIndex == keyIndex {
			previous, had := rotation.PerParticipantAccess[user]
			rotation.PerParticipantAccess[user] = access
			r.tx.onRollback(func() {
				if had {
					rotation.PerParticipantAccess[user] = previous
				} else {
					delete(rotation.PerParticipantAccess, user)
				}
			})
			return nil
		}
	}
	return common.ErrRealmNotFound
}

func (r *realmRepo) AppendName(ctx context.Context, org protocol.OrganizationID, name *models.RealmName) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, name.RealmID)
	if err != nil {
		return err
	}
	c := *name
	rd.names = append(rd.names, &c)
	r.tx.onRollback(func() { rd.names = rd.names[:len(rd.names)-1] })
	return nil
}

func (r *realmRepo) LastName(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (*models.RealmName, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, realm)
	if err != nil {
		return nil, err
	}
	if len(rd.names) == 0 {
		return nil, nil
	}
	c := *rd.names[len(rd.names)-1]
	return &c, nil
}

func (r *realmRepo) RealmsForUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) ([]uuid.UUID, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	var realms []uuid.UUID
	for id, rd := range data.realms {
		var latest *protocol.RealmRole
		for i := len(rd.roles) - 1; i >= 0; i-- {
			if rd.roles[i].UserID == user {
				latest = rd.roles[i].Role
				break
			}
		}
		if latest != nil {
			realms = append(realms, id)
		}
	}
	sort.Slice(realms, func(i, j int) bool { return realms[i].String() < realms[j].String() })
	return realms, nil
}

func (r *realmRepo) ListRealmCertificates(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, after *time.Time) ([]models.CertificateRef, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rd, err := r.realmData(org, realm)
	if err != nil {
		return nil, err
	}
	var refs []models.CertificateRef
	for _, role := range rd.roles {
		refs = append(refs, models.CertificateRef{Timestamp: role.CertifiedOn, Certificate: role.Certificate})
	}
	for _, rotation := range rd.rotations {
		refs = append(refs, models.CertificateRef{Timestamp: rotation.CertifiedOn, Certificate: rotation.Certificate})
	}
	for _, name := range rd.names {
		refs = append(refs, models.CertificateRef{Timestamp: name.CertifiedOn, Certificate: name.Certificate})
	}
	return sortAndFilterRefs(refs, after), nil
}

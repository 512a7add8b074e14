package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
)

type organizationRepo struct {
	tx *memTx
}

func copyOrganization(o *models.Organization) *models.Organization {
	c := *o
	if o.TosPerLocaleURLs != nil {
		c.TosPerLocaleURLs = make(map[string]string, len(o.TosPerLocaleURLs))
		for k, v := range o.TosPerLocaleURLs {
			c.TosPerLocaleURLs[k] = v
		}
	}
	return &c
}

func (r *organizationRepo) Get(ctx context.Context, id protocol.OrganizationID) (*models.Organization, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.org(id)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	return copyOrganization(&data.org), nil
}

func (r *organizationRepo) Upsert(ctx context.Context, org *models.Organization) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.org(org.ID)
	if data == nil {
		data = newOrganizationData()
		data.org = *copyOrganization(org)
		s.orgs[org.ID] = data
		r.tx.onRollback(func() { delete(s.orgs, org.ID) })
		return nil
	}
	previous := data.org
	data.org = *copyOrganization(org)
	r.tx.onRollback(func() { data.org = previous })
	return nil
}

func (r *organizationRepo) Update(ctx context.Context, org *models.Organization) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.org(org.ID)
	if data == nil {
		return common.ErrOrganizationNotFound
	}
	previous := data.org
	data.org = *copyOrganization(org)
	r.tx.onRollback(func() { data.org = previous })
	return nil
}

func (r *organizationRepo) Stats(ctx context.Context, id protocol.OrganizationID) (*models.OrganizationStats, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.org(id)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	stats := &models.OrganizationStats{Realms: int64(len(data.realms))}
	for _, u := range data.users {
		if u.IsRevoked() {
			stats.RevokedUsers++
		} else {
			stats.ActiveUsers++
		}
	}
	for _, vd := range data.vlobs {
		stats.Vlobs++
		for _, atom := range vd.atoms {
			stats.MetadataSize += int64(len(atom.Blob))
		}
	}
	for _, b := range data.blocks {
		stats.Blocks++
		stats.DataSize += b.Size
	}
	return stats, nil
}

type userRepo struct {
	tx *memTx
}

func copyUser(u *models.User) *models.User {
	c := *u
	return &c
}

func (r *userRepo) data(org protocol.OrganizationID) (*organizationData, error) {
	data := r.tx.store.org(org)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	return data, nil
}

func (r *userRepo) GetUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.User, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	u, ok := data.users[user]
	if !ok {
		return nil, common.ErrUserNotFound
	}
	return copyUser(u), nil
}

func (r *userRepo) GetUserByEmail(ctx context.Context, org protocol.OrganizationID, email string) (*models.User, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	for _, u := range data.users {
		if !u.IsRevoked() && u.HumanEmail == email {
			return copyUser(u), nil
		}
	}
	return nil, common.ErrUserNotFound
}

func (r *userRepo) GetDevice(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID) (*models.Device, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	d, ok := data.devices[device]
	if !ok {
		return nil, common.ErrAuthorNotFound
	}
	c := *d
	return &c, nil
}

func (r *userRepo) CreateUser(ctx context.Context, org protocol.OrganizationID, user *models.User) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	if _, ok := data.users[user.UserID]; ok {
		return common.ErrUserAlreadyExists
	}
	data.users[user.UserID] = copyUser(user)
	r.tx.onRollback(func() { delete(data.users, user.UserID) })
	return nil
}

func (r *userRepo) CreateDevice(ctx context.Context, org protocol.OrganizationID, device *models.Device) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	if _, ok := data.devices[device.DeviceID]; ok {
		return common.ErrDeviceAlreadyExists
	}
	c := *device
	data.devices[device.DeviceID] = &c
	r.tx.onRollback(func() { delete(data.devices, device.DeviceID) })
	return nil
}

func (r *userRepo) ActiveUserCount(ctx context.Context, org protocol.OrganizationID) (int64, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, u := range data.users {
		if !u.IsRevoked() && u.CurrentProfile != protocol.ProfileOutsider {
			n++
		}
	}
	return n, nil
}

func (r *userRepo) EmailTaken(ctx context.Context, org protocol.OrganizationID, email string) (bool, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return false, err
	}
	for _, u := range data.users {
		if !u.IsRevoked() && u.HumanEmail == email {
			return true, nil
		}
	}
	return false, nil
}

func (r *userRepo) AppendProfileUpdate(ctx context.Context, org protocol.OrganizationID, update *models.ProfileUpdate) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	u, ok := data.users[update.UserID]
	if !ok {
		return common.ErrUserNotFound
	}
	previousProfile := u.CurrentProfile
	c := *update
	data.profileUpdates = append(data.profileUpdates, &c)
	u.CurrentProfile = update.NewProfile
	r.tx.onRollback(func() {
		data.profileUpdates = data.profileUpdates[:len(data.profileUpdates)-1]
		u.CurrentProfile = previousProfile
	})
	return nil
}

func (r *userRepo) RevokeUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, certificate []byte, revokedOn time.Time) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	u, ok := data.users[user]
	if !ok {
		return common.ErrUserNotFound
	}
	previousOn, previousCert := u.RevokedOn, u.RevokedUserCertificate
	on := revokedOn
	u.RevokedOn = &on
	u.RevokedUserCertificate = certificate
	r.tx.onRollback(func() {
		u.RevokedOn = previousOn
		u.RevokedUserCertificate = previousCert
	})
	return nil
}

func (r *userRepo) SetUserFrozen(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, frozen bool) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	u, ok := data.users[user]
	if !ok {
		return common.ErrUserNotFound
	}
	previous := u.Frozen
	u.Frozen = frozen
	r.tx.onRollback(func() { u.Frozen = previous })
	return nil
}

func (r *userRepo) ListCommonCertificates(ctx context.Context, org protocol.OrganizationID, after *time.Time) ([]models.CertificateRef, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	var refs []models.CertificateRef
	for _, u := range data.users {
		refs = append(refs, models.CertificateRef{
			Timestamp:   u.CreatedOn,
			Priority:    models.PriorityUser,
			Certificate: u.UserCertificate,
			Redacted:    u.RedactedUserCertificate,
		})
		if u.IsRevoked() {
			refs = append(refs, models.CertificateRef{
				Timestamp:   *u.RevokedOn,
				Priority:    models.PriorityRevokedUser,
				Certificate: u.RevokedUserCertificate,
			})
		}
	}
	for _, pu := range data.profileUpdates {
		refs = append(refs, models.CertificateRef{
			Timestamp:   pu.CertifiedOn,
			Priority:    models.PriorityProfileUpdate,
			Certificate: pu.Certificate,
		})
	}
	for _, d := range data.devices {
		refs = append(refs, models.CertificateRef{
			Timestamp:   d.CreatedOn,
			Priority:    models.PriorityDevice,
			Certificate: d.DeviceCertificate,
			Redacted:    d.RedactedDeviceCertificate,
		})
	}
	return sortAndFilterRefs(refs, after), nil
}

func sortAndFilterRefs(refs []models.CertificateRef, after *time.Time) []models.CertificateRef {
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].Timestamp.Equal(refs[j].Timestamp) {
			return refs[i].Timestamp.Before(refs[j].Timestamp)
		}
		return refs[i].Priority < refs[j].Priority
	})
	if after == nil {
		return refs
	}
	filtered := refs[:0]
	for _, ref := range refs {
		if ref.Timestamp.After(*after) {
			filtered = append(filtered, ref)
		}
	}
	return filtered
}

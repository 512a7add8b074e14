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

type invitationRepo struct {
	tx *memTx
}

func (r *invitationRepo) data(org protocol.OrganizationID) (*organizationData, error) {
	data := r.tx.store.org(org)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	return data, nil
}

func copyInvitation(inv *models.Invitation) *models.Invitation {
	c := *inv
	return &c
}

func (r *invitationRepo) Create(ctx context.Context, org protocol.OrganizationID, invitation *models.Invitation) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	data.invitations[invitation.Token] = &invitationData{
		invitation: *invitation,
		conduits:   make(map[protocol.UserID]*conduitRow),
	}
	r.tx.onRollback(func() { delete(data.invitations, invitation.Token) })
	return nil
}

func (r *invitationRepo) Get(ctx context.Context, org protocol.OrganizationID, token uuid.UUID) (*models.Invitation, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	inv, ok := data.invitations[token]
	if !ok {
		return nil, common.ErrInvitationNotFound
	}
	return copyInvitation(&inv.invitation), nil
}

func (r *invitationRepo) List(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) ([]*models.Invitation, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	var result []*models.Invitation
	for _, inv := range data.invitations {
		if inv.invitation.CreatedBy == user {
			result = append(result, copyInvitation(&inv.invitation))
			continue
		}
		if inv.invitation.Type == protocol.InvitationShamirRecovery {
			if setup, ok := data.shamirSetups[inv.invitation.ShamirRecoveryUser]; ok {
				for _, share := range setup.Shares {
					if share.Recipient == user {
						result = append(result, copyInvitation(&inv.invitation))
						break
					}
				}
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedOn.Before(result[j].CreatedOn) })
	return result, nil
}

func (r *invitationRepo) SetStatus(ctx context.Context, org protocol.OrganizationID, token uuid.UUID, status protocol.InvitationStatus) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	inv, ok := data.invitations[token]
	if !ok {
		return common.ErrInvitationNotFound
	}
	previous := inv.invitation.Status
	inv.invitation.Status = status
	r.tx.onRollback(func() { inv.invitation.Status = previous })
	return nil
}

func (r *invitationRepo) FindIdleUserInvitation(ctx context.Context, org protocol.OrganizationID, author protocol.UserID, email string) (*models.Invitation, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	for _, inv := range data.invitations {
		i := inv.invitation
		if i.Type == protocol.InvitationUser && i.CreatedBy == author && i.ClaimerEmail == email &&
			(i.Status == protocol.InvitationIdle || i.Status == protocol.InvitationReady) {
			return copyInvitation(&i), nil
		}
	}
	return nil, nil
}

func (r *invitationRepo) FindIdleDeviceInvitation(ctx context.Context, org protocol.OrganizationID, author protocol.UserID) (*models.Invitation, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	for _, inv := range data.invitations {
		i := inv.invitation
		if i.Type == protocol.InvitationDevice && i.CreatedBy == author &&
			(i.Status == protocol.InvitationIdle || i.Status == protocol.InvitationReady) {
			return copyInvitation(&i), nil
		}
	}
	return nil, nil
}

func (r *invitationRepo) FindPendingShamirInvitation(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.Invitation, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	for _, inv := range data.invitations {
		i := inv.invitation
		if i.Type == protocol.InvitationShamirRecovery && i.ShamirRecoveryUser == user &&
			(i.Status == protocol.InvitationIdle || i.Status == protocol.InvitationReady) {
			return copyInvitation(&i), nil
		}
	}
	return nil, nil
}

func (r *invitationRepo) GetConduitForUpdate(ctx context.Context, org protocol.OrganizationID, token uuid.UUID, greeter protocol.UserID) (*models.Conduit, error) {
	s := r.tx.store
	s.mu.Lock()
	data, err := r.data(org)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	inv, ok := data.invitations[token]
	if !ok {
		s.mu.Unlock()
		return nil, common.ErrInvitationNotFound
	}
	row, ok := inv.conduits[greeter]
	if !ok {
		row = &conduitRow{conduit: models.Conduit{
			Token:   token,
			Greeter: greeter,
			State:   protocol.ConduitWaitPeers,
		}}
		inv.conduits[greeter] = row
		r.tx.onRollback(func() { delete(inv.conduits, greeter) })
	}
	s.mu.Unlock()

	// The row lock is acquired without holding the store mutex and held
	// until the transaction ends, like a topic lock.
	row.lock.Lock()
	r.tx.lockedConduits = append(r.tx.lockedConduits, row)
	c := row.conduit
	return &c, nil
}

func (r *invitationRepo) SetConduit(ctx context.Context, org protocol.OrganizationID, conduit *models.Conduit) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	inv, ok := data.invitations[conduit.Token]
	if !ok {
		return common.ErrInvitationNotFound
	}
	row, ok := inv.conduits[conduit.Greeter]
	if !ok {
		return common.ErrInvitationNotFound
	}
	previous := row.conduit
	row.conduit = *conduit
	r.tx.onRollback(func() { row.conduit = previous })
	return nil
}

type sequesterRepo struct {
	tx *memTx
}

func (r *sequesterRepo) data(org protocol.OrganizationID) (*organizationData, error) {
	data := r.tx.store.org(org)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	return data, nil
}

func copyService(s *models.SequesterService) *models.SequesterService {
	c := *s
	return &c
}

func (r *sequesterRepo) Create(ctx context.Context, org protocol.OrganizationID, service *models.SequesterService) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	if _, ok := data.services[service.ServiceID]; ok {
		return common.ErrSequesterServiceAlreadyExists
	}
	data.services[service.ServiceID] = copyService(service)
	r.tx.onRollback(func() { delete(data.services, service.ServiceID) })
	return nil
}

func (r *sequesterRepo) Get(ctx context.Context, org protocol.OrganizationID, service uuid.UUID) (*models.SequesterService, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	svc, ok := data.services[service]
	if !ok {
		return nil, common.ErrSequesterServiceNotFound
	}
	return copyService(svc), nil
}

func (r *sequesterRepo) List(ctx context.Context, org protocol.OrganizationID) ([]*models.SequesterService, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	result := make([]*models.SequesterService, 0, len(data.services))
	for _, svc := range data.services {
		result = append(result, copyService(svc))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedOn.Before(result[j].CreatedOn) })
	return result, nil
}

func (r *sequesterRepo) Revoke(ctx context.Context, org protocol.OrganizationID, service uuid.UUID, revokedOn time.Time) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	svc, ok := data.services[service]
	if !ok {
		return common.ErrSequesterServiceNotFound
	}
	previous := svc.RevokedOn
	on := revokedOn
	svc.RevokedOn = &on
	r.tx.onRollback(func() { svc.RevokedOn = previous })
	return nil
}

func (r *sequesterRepo) SetWebhookURL(ctx context.Context, org protocol.OrganizationID, service uuid.UUID, url string) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	svc, ok := data.services[service]
	if !ok {
		return common.ErrSequesterServiceNotFound
	}
	previous := svc.WebhookURL
	svc.WebhookURL = url
	r.tx.onRollback(func() { svc.WebhookURL = previous })
	return nil
}

func (r *sequesterRepo) ListCertificates(ctx context.Context, org protocol.OrganizationID, after *time.Time) ([]models.CertificateRef, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	var refs []models.CertificateRef
	if data.org.SequesterAuthorityCertifiedOn != nil {
		refs = append(refs, models.CertificateRef{
			Timestamp:   *data.org.SequesterAuthorityCertifiedOn,
			Certificate: data.org.SequesterAuthorityCertificate,
		})
	}
	for _, svc := range data.services {
		refs = append(refs, models.CertificateRef{Timestamp: svc.CreatedOn, Priority: 1, Certificate: svc.Certificate})
	}
	return sortAndFilterRefs(refs, after), nil
}

type shamirRepo struct {
	tx *memTx
}

func (r *shamirRepo) data(org protocol.OrganizationID) (*organizationData, error) {
	data := r.tx.store.org(org)
	if data == nil {
		return nil, common.ErrOrganizationNotFound
	}
	return data, nil
}

func copySetup(s *models.ShamirRecoverySetup) *models.ShamirRecoverySetup {
	c := *s
	c.Shares = append([]models.ShamirRecoveryShare(nil), s.Shares...)
	return &c
}

func (r *shamirRepo) Get(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.ShamirRecoverySetup, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	setup, ok := data.shamirSetups[user]
	if !ok {
		return nil, nil
	}
	return copySetup(setup), nil
}

func (r *shamirRepo) Set(ctx context.Context, org protocol.OrganizationID, setup *models.ShamirRecoverySetup) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	previous, had := data.shamirSetups[setup.UserID]
	data.shamirSetups[setup.UserID] = copySetup(setup)
	r.tx.onRollback(func() {
		if had {
			data.shamirSetups[setup.UserID] = previous
		} else {
			delete(data.shamirSetups, setup.UserID)
		}
	})
	return nil
}

func (r *shamirRepo) Delete(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) error {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return err
	}
	previous, had := data.shamirSetups[user]
	if !had {
		return common.ErrShamirSetupNotFound
	}
	delete(data.shamirSetups, user)
	r.tx.onRollback(func() { data.shamirSetups[user] = previous })
	return nil
}

func (r *shamirRepo) GetByRevealToken(ctx context.Context, org protocol.OrganizationID, token uuid.UUID) (*models.ShamirRecoverySetup, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	for _, setup := range data.shamirSetups {
		if setup.RevealToken == token {
			return copySetup(setup), nil
		}
	}
	return nil, common.ErrInvalidRevealToken
}

func (r *shamirRepo) ListCertificates(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, after *time.Time) ([]models.CertificateRef, error) {
	s := r.tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := r.data(org)
	if err != nil {
		return nil, err
	}
	var refs []models.CertificateRef
	for _, setup := range data.shamirSetups {
		involved := setup.UserID == user
		for _, share := range setup.Shares {
			if share.Recipient == user {
				involved = true
				refs = append(refs, models.CertificateRef{
					Timestamp:   setup.CreatedOn,
					Priority:    1,
					Certificate: share.ShareCertificate,
				})
			}
		}
		if involved {
			refs = append(refs, models.CertificateRef{
				Timestamp:   setup.CreatedOn,
				Certificate: setup.BriefCertificate,
			})
		}
	}
	return sortAndFilterRefs(refs, after), nil
}

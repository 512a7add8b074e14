// Package invites implements invitation lifecycle and the greeter/claimer
// conduit: a two-slot rendezvous buffer advancing through a fixed state
// progression, with WAIT_PEERS as the only reset point.
package invites

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/authn"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/timex"
)

type Service struct {
	log   logging.Logger
	store store.Store
	bus   *events.Bus
	now   func() time.Time
}

func NewService(log logging.Logger, st store.Store, bus *events.Bus) *Service {
	return &Service{
		log:   log.With("module", "invites"),
		store: st,
		bus:   bus,
		now:   func() time.Time { return timex.TruncateMicroseconds(time.Now().UTC()) },
	}
}

// NewUser creates (or reuses) a USER invitation. Pending invitations are
// deduplicated by (author, claimer email).
func (s *Service) NewUser(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, claimerEmail string) (uuid.UUID, error) {
	var token uuid.UUID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.User.CurrentProfile != protocol.ProfileAdmin {
			return common.ErrAuthorNotAllowed
		}
		existing, err := tx.Invitations().FindIdleUserInvitation(ctx, org, auth.User.UserID, claimerEmail)
		if err != nil {
			return err
		}
		if existing != nil {
			token = existing.Token
			return nil
		}
		token = protocol.NewInvitationToken()
		return tx.Invitations().Create(ctx, org, &models.Invitation{
			Token:        token,
			Type:         protocol.InvitationUser,
			CreatedBy:    auth.User.UserID,
			CreatedOn:    s.now(),
			Status:       protocol.InvitationIdle,
			ClaimerEmail: claimerEmail,
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return token, nil
}

// NewDevice creates (or reuses) a DEVICE invitation, deduplicated by author.
func (s *Service) NewDevice(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID) (uuid.UUID, error) {
	var token uuid.UUID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		existing, err := tx.Invitations().FindIdleDeviceInvitation(ctx, org, auth.User.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			token = existing.Token
			return nil
		}
		token = protocol.NewInvitationToken()
		return tx.Invitations().Create(ctx, org, &models.Invitation{
			Token:     token,
			Type:      protocol.InvitationDevice,
			CreatedBy: auth.User.UserID,
			CreatedOn: s.now(),
			Status:    protocol.InvitationIdle,
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return token, nil
}

// NewShamirRecovery creates an invitation to recover claimer's account. The
// author must be a recipient of the claimer's current setup; there is at
// most one pending shamir invitation per user.
func (s *Service) NewShamirRecovery(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, claimer protocol.UserID) (uuid.UUID, error) {
	var token uuid.UUID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		setup, err := tx.Shamir().Get(ctx, org, claimer)
		if err != nil {
			return err
		}
		if setup == nil {
			return common.ErrShamirSetupNotFound
		}
		recipient := false
		for _, share := range setup.Shares {
			if share.Recipient == auth.User.UserID {
				recipient = true
				break
			}
		}
		if !recipient {
			return common.ErrAuthorNotAllowed
		}
		existing, err := tx.Invitations().FindPendingShamirInvitation(ctx, org, claimer)
		if err != nil {
			return err
		}
		if existing != nil {
			token = existing.Token
			return nil
		}
		token = protocol.NewInvitationToken()
		return tx.Invitations().Create(ctx, org, &models.Invitation{
			Token:              token,
			Type:               protocol.InvitationShamirRecovery,
			CreatedBy:          auth.User.UserID,
			CreatedOn:          s.now(),
			Status:             protocol.InvitationIdle,
			ShamirRecoveryUser: claimer,
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return token, nil
}

// Cancel transitions the invitation to CANCELLED. Allowed for the creator,
// any ADMIN, and (for shamir) any recipient.
func (s *Service) Cancel(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, token uuid.UUID) error {
	var inv *models.Invitation
	var greeters []protocol.UserID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		inv, err = tx.Invitations().Get(ctx, org, token)
		if err != nil {
			return err
		}
		switch inv.Status {
		case protocol.InvitationCancelled:
			return common.ErrInvitationCancelled
		case protocol.InvitationCompleted:
			return common.ErrInvitationAlreadyCompleted
		}
		greeters, err = s.greeters(ctx, tx, org, inv)
		if err != nil {
			return err
		}
		allowed := inv.CreatedBy == auth.User.UserID || auth.User.CurrentProfile == protocol.ProfileAdmin
		for _, g := range greeters {
			if g == auth.User.UserID {
				allowed = true
			}
		}
		if !allowed {
			return common.ErrAuthorNotAllowed
		}
		return tx.Invitations().SetStatus(ctx, org, token, protocol.InvitationCancelled)
	})
	if err != nil {
		return err
	}
	s.bus.Publish(ctx, &events.Invitation{
		Org:      org,
		Token:    token,
		Status:   protocol.InvitationCancelled,
		Greeters: greeters,
	})
	return nil
}

// List returns the invitations visible to the author.
func (s *Service) List(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID) ([]*models.Invitation, error) {
	var result []*models.Invitation
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		result, err = tx.Invitations().List(ctx, org, auth.User.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Info returns the invitation for the claimer-side handshake. Terminal
// states are surfaced as errors so the claimer stops retrying.
func (s *Service) Info(ctx context.Context, org protocol.OrganizationID, token uuid.UUID) (*models.Invitation, error) {
	var inv *models.Invitation
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		var err error
		inv, err = tx.Invitations().Get(ctx, org, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch inv.Status {
	case protocol.InvitationCancelled:
		return nil, common.ErrInvitationCancelled
	case protocol.InvitationCompleted:
		return nil, common.ErrInvitationAlreadyCompleted
	}
	return inv, nil
}

// SetClaimerState records the claimer joining or leaving the rendezvous and
// notifies the greeters.
func (s *Service) SetClaimerState(ctx context.Context, org protocol.OrganizationID, token uuid.UUID, joined bool) error {
	status := protocol.InvitationIdle
	if joined {
		status = protocol.InvitationReady
	}
	var greeters []protocol.UserID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		inv, err := tx.Invitations().Get(ctx, org, token)
		if err != nil {
			return err
		}
		switch inv.Status {
		case protocol.InvitationCancelled, protocol.InvitationCompleted, protocol.InvitationDeleted:
			return nil
		}
		greeters, err = s.greeters(ctx, tx, org, inv)
		if err != nil {
			return err
		}
		return tx.Invitations().SetStatus(ctx, org, token, status)
	})
	if err != nil {
		return err
	}
	if greeters != nil {
		s.bus.Publish(ctx, &events.Invitation{Org: org, Token: token, Status: status, Greeters: greeters})
	}
	return nil
}

// greeters returns the users allowed to greet: the creator, or every
// recipient for shamir recovery invitations.
func (s *Service) greeters(ctx context.Context, tx store.Tx, org protocol.OrganizationID, inv *models.Invitation) ([]protocol.UserID, error) {
	if inv.Type != protocol.InvitationShamirRecovery {
		return []protocol.UserID{inv.CreatedBy}, nil
	}
	setup, err := tx.Shamir().Get(ctx, org, inv.ShamirRecoveryUser)
	if err != nil {
		return nil, err
	}
	if setup == nil {
		return nil, common.ErrShamirSetupNotFound
	}
	recipients := make([]protocol.UserID, 0, len(setup.Shares))
	for _, share := range setup.Shares {
		recipients = append(recipients, share.Recipient)
	}
	return recipients, nil
}

// Package shamirx implements threshold account recovery: installing a
// share-based setup, deleting it, and revealing the ciphered payload to a
// reveal-token holder.
package shamirx

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/cryptox"
	"github.com/dmitrijs2005/parsecd/internal/logging"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/authn"
	"github.com/dmitrijs2005/parsecd/internal/server/certif"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
	"github.com/dmitrijs2005/parsecd/internal/timex"
)

type Service struct {
	log       logging.Logger
	store     store.Store
	bus       *events.Bus
	validator *certif.Validator
	now       func() time.Time
}

func NewService(log logging.Logger, st store.Store, bus *events.Bus, validator *certif.Validator) *Service {
	return &Service{
		log:       log.With("module", "shamir"),
		store:     st,
		bus:       bus,
		validator: validator,
		now:       func() time.Time { return timex.TruncateMicroseconds(time.Now().UTC()) },
	}
}

// SetupParams carries shamir_recovery_setup: the brief certificate, one
// share certificate per recipient, the ciphered recovery payload and the
// token later used to reveal it.
type SetupParams struct {
	BriefCertificate  []byte
	ShareCertificates [][]byte
	CipheredData      []byte
	RevealToken       uuid.UUID
}

// Setup installs the author's recovery configuration, replacing any previous
// one and cancelling any pending shamir invitation in the same transaction.
func (s *Service) Setup(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID, params SetupParams) error {
	var cancelled *uuid.UUID
	var greeters []protocol.UserID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		if _, err := tx.LockShared(ctx, org, store.CommonTopic()); err != nil {
			return err
		}
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		last, err := tx.LockExclusive(ctx, org, store.ShamirTopic())
		if err != nil {
			return err
		}
		authorKey := cryptox.VerifyKey(auth.Device.VerifyKey)
		var brief protocol.ShamirBriefCertificate
		if err := s.validator.Open(authorKey, params.BriefCertificate, protocol.TypeShamirBriefCertificate, &brief); err != nil {
			return err
		}
		if brief.Author != device || brief.UserID != auth.User.UserID {
			return common.ErrInvalidCertificate
		}
		if len(params.ShareCertificates) != len(brief.PerRecipientShares) {
			return common.ErrInvalidCertificate
		}
		var total uint64
		for _, n := range brief.PerRecipientShares {
			total += n
		}
		if brief.Threshold == 0 || brief.Threshold > total {
			return common.ErrInvalidCertificate
		}

		shares := make([]models.ShamirRecoveryShare, 0, len(params.ShareCertificates))
		seen := make(map[protocol.UserID]bool)
		for _, raw := range params.ShareCertificates {
			var share protocol.ShamirShareCertificate
			if err := s.validator.Open(authorKey, raw, protocol.TypeShamirShareCertificate, &share); err != nil {
				return err
			}
			if share.Author != device || share.UserID != auth.User.UserID ||
				!share.Timestamp.Equal(brief.Timestamp) {
				return common.ErrInvalidCertificate
			}
			count, listed := brief.PerRecipientShares[share.Recipient]
			if !listed || share.Recipient == auth.User.UserID || seen[share.Recipient] {
				return common.ErrInvalidCertificate
			}
			seen[share.Recipient] = true
			recipient, err := tx.Users().GetUser(ctx, org, share.Recipient)
			if err != nil {
				return common.ErrRecipientNotFound
			}
			if recipient.IsRevoked() {
				return common.ErrRecipientRevoked
			}
			shares = append(shares, models.ShamirRecoveryShare{
				Recipient:        share.Recipient,
				ShareCertificate: raw,
				SharesCount:      count,
			})
		}

		if err := s.validator.CheckBallpark(s.now(), brief.Timestamp); err != nil {
			return err
		}
		if !brief.Timestamp.After(last) {
			return &common.RequireGreaterTimestampError{StrictlyGreaterThan: last}
		}

		cancelled, greeters, err = s.cancelPendingInvitation(ctx, tx, org, auth.User.UserID)
		if err != nil {
			return err
		}
		if err := tx.Shamir().Set(ctx, org, &models.ShamirRecoverySetup{
			UserID:           auth.User.UserID,
			BriefCertificate: params.BriefCertificate,
			Threshold:        brief.Threshold,
			RevealToken:      params.RevealToken,
			CipheredData:     params.CipheredData,
			CreatedOn:        brief.Timestamp,
			Shares:           shares,
		}); err != nil {
			return err
		}
		return tx.AdvanceTopic(ctx, org, store.ShamirTopic(), brief.Timestamp)
	})
	if err != nil {
		return err
	}
	if cancelled != nil {
		s.bus.Publish(ctx, &events.Invitation{
			Org: org, Token: *cancelled, Status: protocol.InvitationCancelled, Greeters: greeters,
		})
	}
	return nil
}

// Delete removes the author's setup and cancels any pending shamir
// invitation.
func (s *Service) Delete(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID) error {
	var cancelled *uuid.UUID
	var greeters []protocol.UserID
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		auth, err := authn.Authenticate(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if _, err := tx.LockExclusive(ctx, org, store.ShamirTopic()); err != nil {
			return err
		}
		cancelled, greeters, err = s.cancelPendingInvitation(ctx, tx, org, auth.User.UserID)
		if err != nil {
			return err
		}
		return tx.Shamir().Delete(ctx, org, auth.User.UserID)
	})
	if err != nil {
		return err
	}
	if cancelled != nil {
		s.bus.Publish(ctx, &events.Invitation{
			Org: org, Token: *cancelled, Status: protocol.InvitationCancelled, Greeters: greeters,
		})
	}
	return nil
}

// Reveal returns the ciphered recovery payload to any holder of the reveal
// token. No authentication: the token is the capability.
func (s *Service) Reveal(ctx context.Context, org protocol.OrganizationID, token uuid.UUID) ([]byte, error) {
	var data []byte
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		setup, err := tx.Shamir().GetByRevealToken(ctx, org, token)
		if err != nil {
			return err
		}
		data = setup.CipheredData
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// cancelPendingInvitation cancels the user's in-flight shamir invitation, if
// any. The greeter list is captured before the setup is replaced so the
// event reaches the old recipients.
func (s *Service) cancelPendingInvitation(ctx context.Context, tx store.Tx, org protocol.OrganizationID, user protocol.UserID) (*uuid.UUID, []protocol.UserID, error) {
	pending, err := tx.Invitations().FindPendingShamirInvitation(ctx, org, user)
	if err != nil {
		return nil, nil, err
	}
	if pending == nil {
		return nil, nil, nil
	}
	setup, err := tx.Shamir().Get(ctx, org, user)
	if err != nil {
		return nil, nil, err
	}
	var greeters []protocol.UserID
	if setup != nil {
		for _, share := range setup.Shares {
			greeters = append(greeters, share.Recipient)
		}
	}
	if err := tx.Invitations().SetStatus(ctx, org, pending.Token, protocol.InvitationCancelled); err != nil {
		return nil, nil, err
	}
	token := pending.Token
	return &token, greeters, nil
}

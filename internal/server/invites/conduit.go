package invites

import (
	"context"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/events"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
)

// Peer identifies which side of the conduit the caller occupies.
type Peer int

const (
	PeerGreeter Peer = iota
	PeerClaimer
)

// ExchangeResult is the reply of Talk and Listen. PeerPayload is nil until
// the round completes; the transport layer polls Listen until it is set.
type ExchangeResult struct {
	State        protocol.ConduitState
	PeerPayload  []byte
	PeerAnswered bool
}

// Talk deposits the caller's payload for the round at state. The only
// recovery from a mismatched state is WAIT_PEERS, which resets the conduit.
// The greeter sets last on the final exchange; advancing past it completes
// the invitation.
func (s *Service) Talk(ctx context.Context, org protocol.OrganizationID, token uuid.UUID,
	greeter protocol.UserID, peer Peer, state protocol.ConduitState, payload []byte, last bool) (*ExchangeResult, error) {
	if last && peer != PeerGreeter {
		return nil, common.ErrEnrollmentWrongState
	}
	var result *ExchangeResult
	var notify []func()
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		notify = nil
		inv, conduit, err := s.openConduit(ctx, tx, org, token, greeter, peer)
		if err != nil {
			return err
		}

		own, other := slots(conduit, peer)
		switch {
		case conduit.State == state && *own == nil:
			if inv.Status == protocol.InvitationCompleted {
				return common.ErrInvitationAlreadyCompleted
			}
			*own = payload
			if last {
				conduit.IsLastExchange = true
			}
			result = &ExchangeResult{State: conduit.State, PeerPayload: *other, PeerAnswered: *other != nil}

		case state == protocol.ConduitWaitPeers:
			if inv.Status == protocol.InvitationCompleted {
				return common.ErrInvitationAlreadyCompleted
			}
			// Reset: a dropped peer restarts the whole exchange from the
			// beginning; the other party's next call observes the reset as
			// enrollment_wrong_state and follows.
			conduit.State = protocol.ConduitWaitPeers
			conduit.GreeterPayload = nil
			conduit.ClaimerPayload = nil
			conduit.LastGreeterPayload = nil
			conduit.LastClaimerPayload = nil
			conduit.IsLastExchange = false
			*own = payload
			result = &ExchangeResult{State: conduit.State}

		case conduit.State == protocol.NextConduitState(state) && *own == nil:
			// The round already advanced; hand the cached peer payload to
			// the party that missed the transition.
			cached := cachedPeerPayload(conduit, peer)
			result = &ExchangeResult{State: conduit.State, PeerPayload: cached, PeerAnswered: true}
			return nil

		default:
			return common.ErrEnrollmentWrongState
		}

		if peer == PeerClaimer && state == protocol.ConduitWaitPeers && inv.Status == protocol.InvitationIdle {
			if err := tx.Invitations().SetStatus(ctx, org, token, protocol.InvitationReady); err != nil {
				return err
			}
			greeters, err := s.greeters(ctx, tx, org, inv)
			if err != nil {
				return err
			}
			notify = append(notify, func() {
				s.bus.Publish(ctx, &events.Invitation{
					Org: org, Token: token, Status: protocol.InvitationReady, Greeters: greeters,
				})
			})
		}
		notify = append(notify, func() {
			s.bus.Publish(ctx, &events.EnrollmentConduit{Org: org, Token: token, Greeter: greeter})
		})
		return tx.Invitations().SetConduit(ctx, org, conduit)
	})
	if err != nil {
		return nil, err
	}
	for _, fn := range notify {
		fn()
	}
	return result, nil
}

// Listen checks whether the round at state completed. The first party to
// observe both slots filled advances the state, caches the payloads and
// clears the slots; the second observes the advanced state and reads the
// cache. A nil PeerPayload with PeerAnswered false means "not yet": the
// transport re-polls.
func (s *Service) Listen(ctx context.Context, org protocol.OrganizationID, token uuid.UUID,
	greeter protocol.UserID, peer Peer, state protocol.ConduitState) (*ExchangeResult, error) {
	var result *ExchangeResult
	var notify []func()
	err := store.WithTx(ctx, s.store, func(tx store.Tx) error {
		notify = nil
		inv, conduit, err := s.openConduit(ctx, tx, org, token, greeter, peer)
		if err != nil {
			return err
		}

		own, other := slots(conduit, peer)
		switch {
		case conduit.State == state && *own != nil && *other != nil:
			peerPayload := *other
			conduit.LastGreeterPayload = conduit.GreeterPayload
			conduit.LastClaimerPayload = conduit.ClaimerPayload
			conduit.GreeterPayload = nil
			conduit.ClaimerPayload = nil
			conduit.State = protocol.NextConduitState(state)
			if conduit.IsLastExchange {
				if err := tx.Invitations().SetStatus(ctx, org, token, protocol.InvitationCompleted); err != nil {
					return err
				}
				greeters, err := s.greeters(ctx, tx, org, inv)
				if err != nil {
					return err
				}
				notify = append(notify, func() {
					s.bus.Publish(ctx, &events.Invitation{
						Org: org, Token: token, Status: protocol.InvitationCompleted, Greeters: greeters,
					})
				})
			}
			if err := tx.Invitations().SetConduit(ctx, org, conduit); err != nil {
				return err
			}
			notify = append(notify, func() {
				s.bus.Publish(ctx, &events.EnrollmentConduit{Org: org, Token: token, Greeter: greeter})
			})
			result = &ExchangeResult{State: conduit.State, PeerPayload: peerPayload, PeerAnswered: true}

		case conduit.State == state:
			// Peer has not answered yet.
			if inv.Status == protocol.InvitationCompleted {
				return common.ErrInvitationAlreadyCompleted
			}
			result = &ExchangeResult{State: conduit.State}

		case conduit.State == protocol.NextConduitState(state) && *own == nil:
			result = &ExchangeResult{State: conduit.State, PeerPayload: cachedPeerPayload(conduit, peer), PeerAnswered: true}

		default:
			return common.ErrEnrollmentWrongState
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, fn := range notify {
		fn()
	}
	return result, nil
}

// openConduit loads the invitation, rejects terminal cancellation, checks
// the caller is a legitimate greeter and locks the conduit row for the rest
// of the transaction.
func (s *Service) openConduit(ctx context.Context, tx store.Tx, org protocol.OrganizationID,
	token uuid.UUID, greeter protocol.UserID, peer Peer) (*models.Invitation, *models.Conduit, error) {
	inv, err := tx.Invitations().Get(ctx, org, token)
	if err != nil {
		return nil, nil, err
	}
	switch inv.Status {
	case protocol.InvitationCancelled:
		return nil, nil, common.ErrInvitationCancelled
	case protocol.InvitationDeleted:
		return nil, nil, common.ErrInvitationNotFound
	}
	greeters, err := s.greeters(ctx, tx, org, inv)
	if err != nil {
		return nil, nil, err
	}
	valid := false
	for _, g := range greeters {
		if g == greeter {
			valid = true
			break
		}
	}
	if !valid {
		return nil, nil, common.ErrAuthorNotAllowed
	}
	conduit, err := tx.Invitations().GetConduitForUpdate(ctx, org, token, greeter)
	if err != nil {
		return nil, nil, err
	}
	return inv, conduit, nil
}

func slots(conduit *models.Conduit, peer Peer) (own, other *[]byte) {
	if peer == PeerGreeter {
		return &conduit.GreeterPayload, &conduit.ClaimerPayload
	}
	return &conduit.ClaimerPayload, &conduit.GreeterPayload
}

func cachedPeerPayload(conduit *models.Conduit, peer Peer) []byte {
	if peer == PeerGreeter {
		return conduit.LastClaimerPayload
	}
	return conduit.LastGreeterPayload
}

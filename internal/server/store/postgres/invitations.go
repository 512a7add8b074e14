package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/dbx"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
)

type invitationRepo struct {
	db dbx.DBTX
}

const invitationColumns = `token, type, created_by, created_on, status, claimer_email, shamir_recovery_user`

func scanInvitations(rows *sql.Rows) ([]*models.Invitation, error) {
	defer rows.Close()
	var result []*models.Invitation
	for rows.Next() {
		var inv models.Invitation
		var createdOn int64
		if err := rows.Scan(&inv.Token, &inv.Type, &inv.CreatedBy, &createdOn,
			&inv.Status, &inv.ClaimerEmail, &inv.ShamirRecoveryUser); err != nil {
			return nil, err
		}
		inv.CreatedOn = fromMicros(createdOn)
		result = append(result, &inv)
	}
	return result, rows.Err()
}

func (r *invitationRepo) Create(ctx context.Context, org protocol.OrganizationID, invitation *models.Invitation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO invitation (organization, `+invitationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		org, invitation.Token, invitation.Type, invitation.CreatedBy, toMicros(invitation.CreatedOn),
		invitation.Status, invitation.ClaimerEmail, invitation.ShamirRecoveryUser,
	)
	return err
}

func (r *invitationRepo) Get(ctx context.Context, org protocol.OrganizationID, token uuid.UUID) (*models.Invitation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+invitationColumns+` FROM invitation
		 WHERE organization = $1 AND token = $2`, org, token)
	if err != nil {
		return nil, err
	}
	invs, err := scanInvitations(rows)
	if err != nil {
		return nil, err
	}
	if len(invs) == 0 {
		return nil, common.ErrInvitationNotFound
	}
	return invs[0], nil
}

func (r *invitationRepo) List(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) ([]*models.Invitation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+invitationColumns+` FROM invitation
		 WHERE organization = $1 AND (created_by = $2 OR (type = $3 AND shamir_recovery_user IN (
			SELECT user_id FROM shamir_recovery_share WHERE organization = $1 AND recipient = $2
		 )))
		 ORDER BY created_on`,
		org, user, protocol.InvitationShamirRecovery,
	)
	if err != nil {
		return nil, err
	}
	return scanInvitations(rows)
}

func (r *invitationRepo) SetStatus(ctx context.Context, org protocol.OrganizationID, token uuid.UUID, status protocol.InvitationStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE invitation SET status = $3 WHERE organization = $1 AND token = $2`,
		org, token, status,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrInvitationNotFound
	}
	return nil
}

func (r *invitationRepo) findPending(ctx context.Context, query string, args ...any) (*models.Invitation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	invs, err := scanInvitations(rows)
	if err != nil {
		return nil, err
	}
	if len(invs) == 0 {
		return nil, nil
	}
	return invs[0], nil
}

func (r *invitationRepo) FindIdleUserInvitation(ctx context.Context, org protocol.OrganizationID, author protocol.UserID, email string) (*models.Invitation, error) {
	return r.findPending(ctx,
		`SELECT `+invitationColumns+` FROM invitation
		 WHERE organization = $1 AND type = $2 AND created_by = $3 AND claimer_email = $4
			AND status IN ($5, $6) LIMIT 1`,
		org, protocol.InvitationUser, author, email,
		protocol.InvitationIdle, protocol.InvitationReady)
}

func (r *invitationRepo) FindIdleDeviceInvitation(ctx context.Context, org protocol.OrganizationID, author protocol.UserID) (*models.Invitation, error) {
	return r.findPending(ctx,
		`SELECT `+invitationColumns+` FROM invitation
		 WHERE organization = $1 AND type = $2 AND created_by = $3
			AND status IN ($4, $5) LIMIT 1`,
		org, protocol.InvitationDevice, author,
		protocol.InvitationIdle, protocol.InvitationReady)
}

func (r *invitationRepo) FindPendingShamirInvitation(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.Invitation, error) {
	return r.findPending(ctx,
		`SELECT `+invitationColumns+` FROM invitation
		 WHERE organization = $1 AND type = $2 AND shamir_recovery_user = $3
			AND status IN ($4, $5) LIMIT 1`,
		org, protocol.InvitationShamirRecovery, user,
		protocol.InvitationIdle, protocol.InvitationReady)
}

const conduitColumns = `token, greeter, state, greeter_payload, claimer_payload,
	last_greeter_payload, last_claimer_payload, is_last_exchange`

// GetConduitForUpdate locks the conduit row for the rest of the transaction,
// inserting it in WAIT_PEERS first when absent. The insert races with a
// concurrent first exchange; losing it just means locking the winner's row.
func (r *invitationRepo) GetConduitForUpdate(ctx context.Context, org protocol.OrganizationID, token uuid.UUID, greeter protocol.UserID) (*models.Conduit, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO conduit (organization, token, greeter, state)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (organization, token, greeter) DO NOTHING`,
		org, token, greeter, protocol.ConduitWaitPeers,
	)
	if err != nil {
		return nil, err
	}
	var c models.Conduit
	err = r.db.QueryRowContext(ctx,
		`SELECT `+conduitColumns+` FROM conduit
		 WHERE organization = $1 AND token = $2 AND greeter = $3
		 FOR UPDATE`,
		org, token, greeter,
	).Scan(&c.Token, &c.Greeter, &c.State, &c.GreeterPayload, &c.ClaimerPayload,
		&c.LastGreeterPayload, &c.LastClaimerPayload, &c.IsLastExchange)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrInvitationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *invitationRepo) SetConduit(ctx context.Context, org protocol.OrganizationID, conduit *models.Conduit) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE conduit SET state = $4, greeter_payload = $5, claimer_payload = $6,
			last_greeter_payload = $7, last_claimer_payload = $8, is_last_exchange = $9
		 WHERE organization = $1 AND token = $2 AND greeter = $3`,
		org, conduit.Token, conduit.Greeter, conduit.State,
		conduit.GreeterPayload, conduit.ClaimerPayload,
		conduit.LastGreeterPayload, conduit.LastClaimerPayload, conduit.IsLastExchange,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrInvitationNotFound
	}
	return nil
}

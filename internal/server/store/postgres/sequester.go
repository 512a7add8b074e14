package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/dbx"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
)

type sequesterRepo struct {
	db dbx.DBTX
}

const sequesterColumns = `service_id, service_type, certificate, label, created_on, revoked_on, webhook_url`

func scanServices(rows *sql.Rows) ([]*models.SequesterService, error) {
	defer rows.Close()
	var services []*models.SequesterService
	for rows.Next() {
		var svc models.SequesterService
		var createdOn int64
		var revokedOn sql.NullInt64
		if err := rows.Scan(&svc.ServiceID, &svc.ServiceType, &svc.Certificate,
			&svc.Label, &createdOn, &revokedOn, &svc.WebhookURL); err != nil {
			return nil, err
		}
		svc.CreatedOn = fromMicros(createdOn)
		svc.RevokedOn = fromMicrosPtr(revokedOn)
		services = append(services, &svc)
	}
	return services, rows.Err()
}

func (r *sequesterRepo) Create(ctx context.Context, org protocol.OrganizationID, service *models.SequesterService) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sequester_service (organization, `+sequesterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		org, service.ServiceID, service.ServiceType, service.Certificate,
		service.Label, toMicros(service.CreatedOn), toMicrosPtr(service.RevokedOn), service.WebhookURL,
	)
	if isUniqueViolation(err) {
		return common.ErrSequesterServiceAlreadyExists
	}
	return err
}

func (r *sequesterRepo) Get(ctx context.Context, org protocol.OrganizationID, service uuid.UUID) (*models.SequesterService, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sequesterColumns+` FROM sequester_service
		 WHERE organization = $1 AND service_id = $2`, org, service)
	if err != nil {
		return nil, err
	}
	services, err := scanServices(rows)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, common.ErrSequesterServiceNotFound
	}
	return services[0], nil
}

func (r *sequesterRepo) List(ctx context.Context, org protocol.OrganizationID) ([]*models.SequesterService, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sequesterColumns+` FROM sequester_service
		 WHERE organization = $1 ORDER BY created_on`, org)
	if err != nil {
		return nil, err
	}
	return scanServices(rows)
}

func (r *sequesterRepo) Revoke(ctx context.Context, org protocol.OrganizationID, service uuid.UUID, revokedOn time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sequester_service SET revoked_on = $3
		 WHERE organization = $1 AND service_id = $2`,
		org, service, toMicros(revokedOn),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrSequesterServiceNotFound
	}
	return nil
}

func (r *sequesterRepo) SetWebhookURL(ctx context.Context, org protocol.OrganizationID, service uuid.UUID, url string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sequester_service SET webhook_url = $3
		 WHERE organization = $1 AND service_id = $2`,
		org, service, url,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrSequesterServiceNotFound
	}
	return nil
}

// ListCertificates serves the sequester topic: the authority certificate
// (kept on the organization row) first, then the service certificates.
func (r *sequesterRepo) ListCertificates(ctx context.Context, org protocol.OrganizationID, after *time.Time) ([]models.CertificateRef, error) {
	query := `
		SELECT sequester_authority_certified_on AS ts, 0 AS priority,
			sequester_authority_certificate AS certificate, NULL AS redacted
		FROM organization WHERE id = $1 AND sequester_authority_certified_on IS NOT NULL
		UNION ALL
		SELECT created_on, 1, certificate, NULL
		FROM sequester_service WHERE organization = $1`
	return queryCertificateRefs(ctx, r.db, wrapRefs(query), org, afterMicros(after))
}

type shamirRepo struct {
	db dbx.DBTX
}

func (r *shamirRepo) loadShares(ctx context.Context, org protocol.OrganizationID, setup *models.ShamirRecoverySetup) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recipient, share_certificate, shares_count FROM shamir_recovery_share
		 WHERE organization = $1 AND user_id = $2 ORDER BY recipient`,
		org, setup.UserID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var share models.ShamirRecoveryShare
		if err := rows.Scan(&share.Recipient, &share.ShareCertificate, &share.SharesCount); err != nil {
			return err
		}
		setup.Shares = append(setup.Shares, share)
	}
	return rows.Err()
}

func (r *shamirRepo) get(ctx context.Context, org protocol.OrganizationID, query string, key any) (*models.ShamirRecoverySetup, error) {
	var setup models.ShamirRecoverySetup
	var createdOn int64
	err := r.db.QueryRowContext(ctx, query, org, key).Scan(
		&setup.UserID, &setup.BriefCertificate, &setup.Threshold,
		&setup.RevealToken, &setup.CipheredData, &createdOn)
	if err != nil {
		return nil, err
	}
	setup.CreatedOn = fromMicros(createdOn)
	if err := r.loadShares(ctx, org, &setup); err != nil {
		return nil, err
	}
	return &setup, nil
}

const shamirColumns = `user_id, brief_certificate, threshold, reveal_token, ciphered_data, created_on`

func (r *shamirRepo) Get(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.ShamirRecoverySetup, error) {
	setup, err := r.get(ctx, org,
		`SELECT `+shamirColumns+` FROM shamir_recovery_setup
		 WHERE organization = $1 AND user_id = $2`, user)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return setup, err
}

func (r *shamirRepo) Set(ctx context.Context, org protocol.OrganizationID, setup *models.ShamirRecoverySetup) error {
	// Replacing drops the previous shares through the CASCADE.
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM shamir_recovery_setup WHERE organization = $1 AND user_id = $2`,
		org, setup.UserID,
	)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO shamir_recovery_setup (organization, `+shamirColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org, setup.UserID, setup.BriefCertificate, setup.Threshold,
		setup.RevealToken, setup.CipheredData, toMicros(setup.CreatedOn),
	)
	if err != nil {
		return err
	}
	for _, share := range setup.Shares {
		_, err = r.db.ExecContext(ctx,
			`INSERT INTO shamir_recovery_share (organization, user_id, recipient, share_certificate, shares_count)
			 VALUES ($1, $2, $3, $4, $5)`,
			org, setup.UserID, share.Recipient, share.ShareCertificate, share.SharesCount,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *shamirRepo) Delete(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM shamir_recovery_setup WHERE organization = $1 AND user_id = $2`,
		org, user,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrShamirSetupNotFound
	}
	return nil
}

func (r *shamirRepo) GetByRevealToken(ctx context.Context, org protocol.OrganizationID, token uuid.UUID) (*models.ShamirRecoverySetup, error) {
	setup, err := r.get(ctx, org,
		`SELECT `+shamirColumns+` FROM shamir_recovery_setup
		 WHERE organization = $1 AND reveal_token = $2`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrInvalidRevealToken
	}
	return setup, err
}

// ListCertificates serves the per-user shamir topic: brief certificates of
// every setup the user authored or receives a share of, plus the share
// certificates addressed to the user. All carry the setup timestamp, brief
// before share.
func (r *shamirRepo) ListCertificates(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, after *time.Time) ([]models.CertificateRef, error) {
	query := `
		SELECT s.created_on AS ts, 0 AS priority, s.brief_certificate AS certificate, NULL AS redacted
		FROM shamir_recovery_setup s
		WHERE s.organization = $1 AND (s.user_id = $3 OR EXISTS (
			SELECT 1 FROM shamir_recovery_share sh
			WHERE sh.organization = $1 AND sh.user_id = s.user_id AND sh.recipient = $3))
		UNION ALL
		SELECT s.created_on, 1, sh.share_certificate, NULL
		FROM shamir_recovery_share sh
		JOIN shamir_recovery_setup s
			ON s.organization = sh.organization AND s.user_id = sh.user_id
		WHERE sh.organization = $1 AND sh.recipient = $3`
	return queryCertificateRefs(ctx, r.db, wrapRefs(query), org, afterMicros(after), user)
}

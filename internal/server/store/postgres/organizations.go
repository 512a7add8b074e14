package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/dbx"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
)

type orgRepo struct {
	db dbx.DBTX
}

const organizationColumns = `id, bootstrap_token, root_verify_key, is_expired, active_users_limit,
	user_profile_outsider_allowed, minimum_archiving_period, created_on,
	sequester_authority_certificate, sequester_authority_verify_key, sequester_authority_certified_on,
	tos_updated_on, tos_per_locale_urls`

func scanOrganization(row *sql.Row) (*models.Organization, error) {
	var o models.Organization
	var createdOn, archivingPeriod int64
	var sequesterOn, tosOn sql.NullInt64
	var tosURLs []byte
	err := row.Scan(&o.ID, &o.BootstrapToken, &o.RootVerifyKey, &o.IsExpired, &o.ActiveUsersLimit,
		&o.UserProfileOutsiderAllowed, &archivingPeriod, &createdOn,
		&o.SequesterAuthorityCertificate, &o.SequesterAuthorityVerifyKey, &sequesterOn,
		&tosOn, &tosURLs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	o.MinimumArchivingPeriod = time.Duration(archivingPeriod) * time.Microsecond
	o.CreatedOn = fromMicros(createdOn)
	o.SequesterAuthorityCertifiedOn = fromMicrosPtr(sequesterOn)
	o.TosUpdatedOn = fromMicrosPtr(tosOn)
	if len(tosURLs) > 0 {
		if err := json.Unmarshal(tosURLs, &o.TosPerLocaleURLs); err != nil {
			return nil, err
		}
	}
	return &o, nil
}

func (r *orgRepo) Get(ctx context.Context, id protocol.OrganizationID) (*models.Organization, error) {
	return scanOrganization(r.db.QueryRowContext(ctx,
		`SELECT `+organizationColumns+` FROM organization WHERE id = $1`, id))
}

func encodeTosURLs(urls map[string]string) (any, error) {
	if urls == nil {
		return nil, nil
	}
	return json.Marshal(urls)
}

func (r *orgRepo) Upsert(ctx context.Context, org *models.Organization) error {
	tosURLs, err := encodeTosURLs(org.TosPerLocaleURLs)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO organization (`+organizationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
			bootstrap_token = EXCLUDED.bootstrap_token,
			root_verify_key = EXCLUDED.root_verify_key,
			is_expired = EXCLUDED.is_expired,
			active_users_limit = EXCLUDED.active_users_limit,
			user_profile_outsider_allowed = EXCLUDED.user_profile_outsider_allowed,
			minimum_archiving_period = EXCLUDED.minimum_archiving_period,
			sequester_authority_certificate = EXCLUDED.sequester_authority_certificate,
			sequester_authority_verify_key = EXCLUDED.sequester_authority_verify_key,
			sequester_authority_certified_on = EXCLUDED.sequester_authority_certified_on,
			tos_updated_on = EXCLUDED.tos_updated_on,
			tos_per_locale_urls = EXCLUDED.tos_per_locale_urls`,
		org.ID, org.BootstrapToken, org.RootVerifyKey, org.IsExpired, org.ActiveUsersLimit,
		org.UserProfileOutsiderAllowed, int64(org.MinimumArchivingPeriod/time.Microsecond), toMicros(org.CreatedOn),
		org.SequesterAuthorityCertificate, org.SequesterAuthorityVerifyKey, toMicrosPtr(org.SequesterAuthorityCertifiedOn),
		toMicrosPtr(org.TosUpdatedOn), tosURLs,
	)
	return err
}

func (r *orgRepo) Update(ctx context.Context, org *models.Organization) error {
	tosURLs, err := encodeTosURLs(org.TosPerLocaleURLs)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE organization SET
			root_verify_key = $2,
			is_expired = $3,
			active_users_limit = $4,
			user_profile_outsider_allowed = $5,
			minimum_archiving_period = $6,
			sequester_authority_certificate = $7,
			sequester_authority_verify_key = $8,
			sequester_authority_certified_on = $9,
			tos_updated_on = $10,
			tos_per_locale_urls = $11
		 WHERE id = $1`,
		org.ID, org.RootVerifyKey, org.IsExpired, org.ActiveUsersLimit,
		org.UserProfileOutsiderAllowed, int64(org.MinimumArchivingPeriod/time.Microsecond),
		org.SequesterAuthorityCertificate, org.SequesterAuthorityVerifyKey, toMicrosPtr(org.SequesterAuthorityCertifiedOn),
		toMicrosPtr(org.TosUpdatedOn), tosURLs,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrOrganizationNotFound
	}
	return nil
}

func (r *orgRepo) Stats(ctx context.Context, id protocol.OrganizationID) (*models.OrganizationStats, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM organization WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, common.ErrOrganizationNotFound
	}
	stats := &models.OrganizationStats{}
	err = r.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM user_ WHERE organization = $1 AND revoked_on IS NULL),
			(SELECT COUNT(*) FROM user_ WHERE organization = $1 AND revoked_on IS NOT NULL),
			(SELECT COUNT(*) FROM realm WHERE organization = $1),
			(SELECT COUNT(DISTINCT vlob_id) FROM vlob_atom WHERE organization = $1),
			(SELECT COUNT(*) FROM block WHERE organization = $1),
			(SELECT COALESCE(SUM(LENGTH(blob)), 0) FROM vlob_atom WHERE organization = $1),
			(SELECT COALESCE(SUM(size), 0) FROM block WHERE organization = $1)`,
		id,
	).Scan(&stats.ActiveUsers, &stats.RevokedUsers, &stats.Realms, &stats.Vlobs,
		&stats.Blocks, &stats.MetadataSize, &stats.DataSize)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

type userRepo struct {
	db dbx.DBTX
}

const userColumns = `user_id, human_email, human_label, initial_profile, current_profile,
	user_certificate, redacted_user_certificate, created_on, revoked_on, revoked_user_certificate, frozen`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var createdOn int64
	var revokedOn sql.NullInt64
	err := row.Scan(&u.UserID, &u.HumanEmail, &u.HumanLabel, &u.InitialProfile, &u.CurrentProfile,
		&u.UserCertificate, &u.RedactedUserCertificate, &createdOn, &revokedOn, &u.RevokedUserCertificate, &u.Frozen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedOn = fromMicros(createdOn)
	u.RevokedOn = fromMicrosPtr(revokedOn)
	return &u, nil
}

func (r *userRepo) GetUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) (*models.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM user_ WHERE organization = $1 AND user_id = $2`, org, user))
}

func (r *userRepo) GetUserByEmail(ctx context.Context, org protocol.OrganizationID, email string) (*models.User, error) {
	return scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM user_
		 WHERE organization = $1 AND human_email = $2 AND revoked_on IS NULL
		 LIMIT 1`, org, email))
}

func (r *userRepo) GetDevice(ctx context.Context, org protocol.OrganizationID, device protocol.DeviceID) (*models.Device, error) {
	var d models.Device
	var createdOn int64
	err := r.db.QueryRowContext(ctx,
		`SELECT device_id, user_id, verify_key, device_certificate, redacted_device_certificate, created_on
		 FROM device WHERE organization = $1 AND device_id = $2`, org, device,
	).Scan(&d.DeviceID, &d.UserID, &d.VerifyKey, &d.DeviceCertificate, &d.RedactedDeviceCertificate, &createdOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrAuthorNotFound
	}
	if err != nil {
		return nil, err
	}
	d.CreatedOn = fromMicros(createdOn)
	return &d, nil
}

func (r *userRepo) CreateUser(ctx context.Context, org protocol.OrganizationID, user *models.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_ (organization, `+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		org, user.UserID, user.HumanEmail, user.HumanLabel, user.InitialProfile, user.CurrentProfile,
		user.UserCertificate, user.RedactedUserCertificate, toMicros(user.CreatedOn),
		toMicrosPtr(user.RevokedOn), user.RevokedUserCertificate, user.Frozen,
	)
	if isUniqueViolation(err) {
		return common.ErrUserAlreadyExists
	}
	return err
}

func (r *userRepo) CreateDevice(ctx context.Context, org protocol.OrganizationID, device *models.Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device (organization, device_id, user_id, verify_key,
			device_certificate, redacted_device_certificate, created_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org, device.DeviceID, device.UserID, device.VerifyKey,
		device.DeviceCertificate, device.RedactedDeviceCertificate, toMicros(device.CreatedOn),
	)
	if isUniqueViolation(err) {
		return common.ErrDeviceAlreadyExists
	}
	return err
}

func (r *userRepo) ActiveUserCount(ctx context.Context, org protocol.OrganizationID) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_
		 WHERE organization = $1 AND revoked_on IS NULL AND current_profile <> $2`,
		org, protocol.ProfileOutsider,
	).Scan(&n)
	return n, err
}

func (r *userRepo) EmailTaken(ctx context.Context, org protocol.OrganizationID, email string) (bool, error) {
	var taken bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_
		 WHERE organization = $1 AND human_email = $2 AND revoked_on IS NULL)`,
		org, email,
	).Scan(&taken)
	return taken, err
}

func (r *userRepo) AppendProfileUpdate(ctx context.Context, org protocol.OrganizationID, update *models.ProfileUpdate) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profile_update (organization, user_id, new_profile, certificate, certified_by, certified_on)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		org, update.UserID, update.NewProfile, update.Certificate, update.CertifiedBy, toMicros(update.CertifiedOn),
	)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_ SET current_profile = $3 WHERE organization = $1 AND user_id = $2`,
		org, update.UserID, update.NewProfile,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrUserNotFound
	}
	return nil
}

func (r *userRepo) RevokeUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, certificate []byte, revokedOn time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_ SET revoked_on = $3, revoked_user_certificate = $4
		 WHERE organization = $1 AND user_id = $2`,
		org, user, toMicros(revokedOn), certificate,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrUserNotFound
	}
	return nil
}

func (r *userRepo) SetUserFrozen(ctx context.Context, org protocol.OrganizationID, user protocol.UserID, frozen bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_ SET frozen = $3 WHERE organization = $1 AND user_id = $2`,
		org, user, frozen,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrUserNotFound
	}
	return nil
}

func (r *userRepo) ListCommonCertificates(ctx context.Context, org protocol.OrganizationID, after *time.Time) ([]models.CertificateRef, error) {
	// Priorities order certificates sharing a timestamp so that referenced
	// rows come first (user before its revocation, profile update, device).
	query := `
		SELECT created_on AS ts, ` + priorityUser + ` AS priority, user_certificate AS certificate, redacted_user_certificate AS redacted
		FROM user_ WHERE organization = $1
		UNION ALL
		SELECT revoked_on, ` + priorityRevokedUser + `, revoked_user_certificate, NULL
		FROM user_ WHERE organization = $1 AND revoked_on IS NOT NULL
		UNION ALL
		SELECT certified_on, ` + priorityProfileUpdate + `, certificate, NULL
		FROM profile_update WHERE organization = $1
		UNION ALL
		SELECT created_on, ` + priorityDevice + `, device_certificate, redacted_device_certificate
		FROM device WHERE organization = $1`
	return queryCertificateRefs(ctx, r.db, wrapRefs(query), org, afterMicros(after))
}

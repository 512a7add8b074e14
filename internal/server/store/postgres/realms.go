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

type realmRepo struct {
	db dbx.DBTX
}

func (r *realmRepo) Get(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (*models.Realm, error) {
	var m models.Realm
	var createdOn int64
	err := r.db.QueryRowContext(ctx,
		`SELECT realm_id, created_on, key_index FROM realm
		 WHERE organization = $1 AND realm_id = $2`, org, realm,
	).Scan(&m.RealmID, &createdOn, &m.KeyIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrRealmNotFound
	}
	if err != nil {
		return nil, err
	}
	m.CreatedOn = fromMicros(createdOn)
	return &m, nil
}

func (r *realmRepo) Create(ctx context.Context, org protocol.OrganizationID, realm *models.Realm, firstRole *models.RealmRole) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO realm (organization, realm_id, created_on, key_index) VALUES ($1, $2, $3, $4)`,
		org, realm.RealmID, toMicros(realm.CreatedOn), realm.KeyIndex,
	)
	if isUniqueViolation(err) {
		return common.ErrRealmAlreadyExists
	}
	if err != nil {
		return err
	}
	return r.AppendRole(ctx, org, firstRole)
}

func (r *realmRepo) AppendRole(ctx context.Context, org protocol.OrganizationID, role *models.RealmRole) error {
	var roleValue any
	if role.Role != nil {
		roleValue = string(*role.Role)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO realm_user_role (organization, realm_id, user_id, role, certificate, certified_by, certified_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org, role.RealmID, role.UserID, roleValue, role.Certificate, role.CertifiedBy, toMicros(role.CertifiedOn),
	)
	return err
}

func (r *realmRepo) CurrentRole(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, user protocol.UserID) (*protocol.RealmRole, error) {
	var role sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT role FROM realm_user_role
		 WHERE organization = $1 AND realm_id = $2 AND user_id = $3
		 ORDER BY certified_on DESC LIMIT 1`,
		org, realm, user,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !role.Valid {
		return nil, nil
	}
	current := protocol.RealmRole(role.String)
	return &current, nil
}

func (r *realmRepo) CurrentRoles(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (map[protocol.UserID]protocol.RealmRole, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT ON (user_id) user_id, role FROM realm_user_role
		 WHERE organization = $1 AND realm_id = $2
		 ORDER BY user_id, certified_on DESC`,
		org, realm,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	current := make(map[protocol.UserID]protocol.RealmRole)
	for rows.Next() {
		var user protocol.UserID
		var role sql.NullString
		if err := rows.Scan(&user, &role); err != nil {
			return nil, err
		}
		if role.Valid {
			current[user] = protocol.RealmRole(role.String)
		}
	}
	return current, rows.Err()
}

func (r *realmRepo) AppendKeyRotation(ctx context.Context, org protocol.OrganizationID, rotation *models.RealmKeyRotation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO realm_keys_bundle (organization, realm_id, key_index, encryption_algorithm,
			hash_algorithm, key_canary, certificate, certified_by, certified_on, keys_bundle)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		org, rotation.RealmID, rotation.KeyIndex, rotation.EncryptionAlgorithm,
		rotation.HashAlgorithm, rotation.KeyCanary, rotation.Certificate,
		rotation.CertifiedBy, toMicros(rotation.CertifiedOn), rotation.KeysBundle,
	)
	if err != nil {
		return err
	}
	for user, access := range rotation.PerParticipantAccess {
		if err := r.SetKeysBundleAccess(ctx, org, rotation.RealmID, rotation.KeyIndex, user, access); err != nil {
			return err
		}
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE realm SET key_index = $3 WHERE organization = $1 AND realm_id = $2`,
		org, rotation.RealmID, rotation.KeyIndex,
	)
	return err
}

func scanRotation(row *sql.Row) (*models.RealmKeyRotation, error) {
	var m models.RealmKeyRotation
	var certifiedOn int64
	err := row.Scan(&m.RealmID, &m.KeyIndex, &m.EncryptionAlgorithm, &m.HashAlgorithm,
		&m.KeyCanary, &m.Certificate, &m.CertifiedBy, &certifiedOn, &m.KeysBundle)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CertifiedOn = fromMicros(certifiedOn)
	return &m, nil
}

func (r *realmRepo) GetKeyRotation(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, keyIndex uint64) (*models.RealmKeyRotation, error) {
	const columns = `realm_id, key_index, encryption_algorithm, hash_algorithm,
		key_canary, certificate, certified_by, certified_on, keys_bundle`
	var rotation *models.RealmKeyRotation
	var err error
	if keyIndex == 0 {
		rotation, err = scanRotation(r.db.QueryRowContext(ctx,
			`SELECT `+columns+` FROM realm_keys_bundle
			 WHERE organization = $1 AND realm_id = $2
			 ORDER BY key_index DESC LIMIT 1`, org, realm))
	} else {
		rotation, err = scanRotation(r.db.QueryRowContext(ctx,
			`SELECT `+columns+` FROM realm_keys_bundle
			 WHERE organization = $1 AND realm_id = $2 AND key_index = $3`, org, realm, keyIndex))
	}
	if err != nil || rotation == nil {
		return rotation, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, access FROM realm_keys_bundle_access
		 WHERE organization = $1 AND realm_id = $2 AND key_index = $3`,
		org, realm, rotation.KeyIndex,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	rotation.PerParticipantAccess = make(map[protocol.UserID][]byte)
	for rows.Next() {
		var user protocol.UserID
		var access []byte
		if err := rows.Scan(&user, &access); err != nil {
			return nil, err
		}
		rotation.PerParticipantAccess[user] = access
	}
	return rotation, rows.Err()
}

func (r *realmRepo) SetKeysBundleAccess(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, keyIndex uint64, user protocol.UserID, access []byte) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO realm_keys_bundle_access (organization, realm_id, key_index, user_id, access)
		 SELECT $1, $2, $3, $4, $5
		 WHERE EXISTS (SELECT 1 FROM realm_keys_bundle
			WHERE organization = $1 AND realm_id = $2 AND key_index = $3)
		 ON CONFLICT (organization, realm_id, key_index, user_id) DO UPDATE SET access = EXCLUDED.access`,
		org, realm, keyIndex, user, access,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrRealmNotFound
	}
	return nil
}

func (r *realmRepo) AppendName(ctx context.Context, org protocol.OrganizationID, name *models.RealmName) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO realm_name (organization, realm_id, key_index, certificate, certified_on)
		 VALUES ($1, $2, $3, $4, $5)`,
		org, name.RealmID, name.KeyIndex, name.Certificate, toMicros(name.CertifiedOn),
	)
	return err
}

func (r *realmRepo) LastName(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (*models.RealmName, error) {
	var m models.RealmName
	var certifiedOn int64
	err := r.db.QueryRowContext(ctx,
		`SELECT realm_id, key_index, certificate, certified_on FROM realm_name
		 WHERE organization = $1 AND realm_id = $2
		 ORDER BY certified_on DESC LIMIT 1`, org, realm,
	).Scan(&m.RealmID, &m.KeyIndex, &m.Certificate, &certifiedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CertifiedOn = fromMicros(certifiedOn)
	return &m, nil
}

func (r *realmRepo) RealmsForUser(ctx context.Context, org protocol.OrganizationID, user protocol.UserID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT realm_id FROM (
			SELECT DISTINCT ON (realm_id) realm_id, role FROM realm_user_role
			WHERE organization = $1 AND user_id = $2
			ORDER BY realm_id, certified_on DESC
		 ) latest WHERE role IS NOT NULL ORDER BY realm_id`,
		org, user,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var realms []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		realms = append(realms, id)
	}
	return realms, rows.Err()
}

func (r *realmRepo) ListRealmCertificates(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, after *time.Time) ([]models.CertificateRef, error) {
	query := `
		SELECT certified_on AS ts, 0 AS priority, certificate, NULL AS redacted
		FROM realm_user_role WHERE organization = $1 AND realm_id = $3
		UNION ALL
		SELECT certified_on, 0, certificate, NULL
		FROM realm_keys_bundle WHERE organization = $1 AND realm_id = $3
		UNION ALL
		SELECT certified_on, 0, certificate, NULL
		FROM realm_name WHERE organization = $1 AND realm_id = $3`
	return queryCertificateRefs(ctx, r.db, wrapRefs(query), org, afterMicros(after), realm)
}

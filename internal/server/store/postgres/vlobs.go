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

type vlobRepo struct {
	db dbx.DBTX
}

// bumpCheckpoint increments the realm change counter. The UPDATE takes the
// realm row lock, so concurrent writers to one realm serialize here.
func (r *vlobRepo) bumpCheckpoint(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (uint64, error) {
	var checkpoint uint64
	err := r.db.QueryRowContext(ctx,
		`UPDATE realm SET checkpoint = checkpoint + 1
		 WHERE organization = $1 AND realm_id = $2
		 RETURNING checkpoint`,
		org, realm,
	).Scan(&checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, common.ErrRealmNotFound
	}
	return checkpoint, err
}

func (r *vlobRepo) insertAtom(ctx context.Context, org protocol.OrganizationID, atom *models.VlobAtom) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO vlob_atom (organization, vlob_id, version, realm_id, key_index,
			blob, author, timestamp, created_on, change_index)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		org, atom.VlobID, atom.Version, atom.RealmID, atom.KeyIndex,
		atom.Blob, atom.Author, toMicros(atom.Timestamp), toMicros(atom.CreatedOn), atom.ChangeIndex,
	)
	if err != nil {
		return err
	}
	for service, blob := range atom.SequesterBlobs {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO vlob_atom_sequester_blob (organization, vlob_id, version, service_id, blob)
			 VALUES ($1, $2, $3, $4, $5)`,
			org, atom.VlobID, atom.Version, service, blob,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *vlobRepo) Create(ctx context.Context, org protocol.OrganizationID, atom *models.VlobAtom) error {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM vlob_atom WHERE organization = $1 AND vlob_id = $2)`,
		org, atom.VlobID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return common.ErrVlobAlreadyExists
	}
	checkpoint, err := r.bumpCheckpoint(ctx, org, atom.RealmID)
	if err != nil {
		return err
	}
	atom.Version = 1
	atom.ChangeIndex = checkpoint
	err = r.insertAtom(ctx, org, atom)
	if isUniqueViolation(err) {
		// Lost the race against a concurrent create of the same vlob.
		return common.ErrVlobAlreadyExists
	}
	return err
}

func (r *vlobRepo) Update(ctx context.Context, org protocol.OrganizationID, atom *models.VlobAtom) error {
	realm, current, err := r.Get(ctx, org, atom.VlobID)
	if err != nil {
		return err
	}
	if atom.Version != current+1 {
		// The caller validated the version before writing; a mismatch
		// here means the vlob moved under us.
		return common.ErrRetryNeeded
	}
	checkpoint, err := r.bumpCheckpoint(ctx, org, realm)
	if err != nil {
		return err
	}
	atom.RealmID = realm
	atom.ChangeIndex = checkpoint
	err = r.insertAtom(ctx, org, atom)
	if isUniqueViolation(err) {
		return common.ErrRetryNeeded
	}
	return err
}

func (r *vlobRepo) Get(ctx context.Context, org protocol.OrganizationID, vlob uuid.UUID) (uuid.UUID, uint64, error) {
	var realm uuid.UUID
	var version uint64
	err := r.db.QueryRowContext(ctx,
		`SELECT realm_id, version FROM vlob_atom
		 WHERE organization = $1 AND vlob_id = $2
		 ORDER BY version DESC LIMIT 1`,
		org, vlob,
	).Scan(&realm, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, 0, common.ErrVlobNotFound
	}
	if err != nil {
		return uuid.Nil, 0, err
	}
	return realm, version, nil
}

const atomColumns = `vlob_id, realm_id, version, key_index, blob, author, timestamp, created_on, change_index`

func scanAtoms(rows *sql.Rows) ([]*models.VlobAtom, error) {
	defer rows.Close()
	var atoms []*models.VlobAtom
	for rows.Next() {
		var a models.VlobAtom
		var timestamp, createdOn int64
		if err := rows.Scan(&a.VlobID, &a.RealmID, &a.Version, &a.KeyIndex, &a.Blob,
			&a.Author, &timestamp, &createdOn, &a.ChangeIndex); err != nil {
			return nil, err
		}
		a.Timestamp = fromMicros(timestamp)
		a.CreatedOn = fromMicros(createdOn)
		atoms = append(atoms, &a)
	}
	return atoms, rows.Err()
}

func (r *vlobRepo) loadSequesterBlobs(ctx context.Context, org protocol.OrganizationID, atoms []*models.VlobAtom) error {
	for _, atom := range atoms {
		rows, err := r.db.QueryContext(ctx,
			`SELECT service_id, blob FROM vlob_atom_sequester_blob
			 WHERE organization = $1 AND vlob_id = $2 AND version = $3`,
			org, atom.VlobID, atom.Version,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var service uuid.UUID
			var blob []byte
			if err := rows.Scan(&service, &blob); err != nil {
				rows.Close()
				return err
			}
			if atom.SequesterBlobs == nil {
				atom.SequesterBlobs = make(map[uuid.UUID][]byte)
			}
			atom.SequesterBlobs[service] = blob
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

func (r *vlobRepo) ReadLatest(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, vlobs []uuid.UUID, at *time.Time) ([]*models.VlobAtom, error) {
	var result []*models.VlobAtom
	for _, id := range vlobs {
		var rows *sql.Rows
		var err error
		if at == nil {
			rows, err = r.db.QueryContext(ctx,
				`SELECT `+atomColumns+` FROM vlob_atom
				 WHERE organization = $1 AND realm_id = $2 AND vlob_id = $3
				 ORDER BY version DESC LIMIT 1`,
				org, realm, id,
			)
		} else {
			rows, err = r.db.QueryContext(ctx,
				`SELECT `+atomColumns+` FROM vlob_atom
				 WHERE organization = $1 AND realm_id = $2 AND vlob_id = $3 AND timestamp <= $4
				 ORDER BY version DESC LIMIT 1`,
				org, realm, id, toMicros(*at),
			)
		}
		if err != nil {
			return nil, err
		}
		atoms, err := scanAtoms(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, atoms...)
	}
	return result, nil
}

func (r *vlobRepo) ReadVersion(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, vlob uuid.UUID, version uint64) (*models.VlobAtom, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+atomColumns+` FROM vlob_atom
		 WHERE organization = $1 AND realm_id = $2 AND vlob_id = $3 AND version = $4`,
		org, realm, vlob, version,
	)
	if err != nil {
		return nil, err
	}
	atoms, err := scanAtoms(rows)
	if err != nil {
		return nil, err
	}
	if len(atoms) == 0 {
		return nil, nil
	}
	return atoms[0], nil
}

func (r *vlobRepo) PollChanges(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID, since uint64) (uint64, []models.VlobChange, error) {
	var checkpoint uint64
	err := r.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM realm WHERE organization = $1 AND realm_id = $2`,
		org, realm,
	).Scan(&checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, common.ErrRealmNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	if since >= checkpoint {
		return checkpoint, nil, nil
	}
	// The latest change of each vlob since the cursor, in change order.
	rows, err := r.db.QueryContext(ctx,
		`SELECT vlob_id, version FROM (
			SELECT DISTINCT ON (vlob_id) vlob_id, version, change_index FROM vlob_atom
			WHERE organization = $1 AND realm_id = $2 AND change_index > $3
			ORDER BY vlob_id, change_index DESC
		 ) latest ORDER BY change_index`,
		org, realm, since,
	)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var changes []models.VlobChange
	for rows.Next() {
		var c models.VlobChange
		if err := rows.Scan(&c.VlobID, &c.Version); err != nil {
			return 0, nil, err
		}
		changes = append(changes, c)
	}
	return checkpoint, changes, rows.Err()
}

func (r *vlobRepo) LastTimestampInRealm(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) (time.Time, error) {
	var last sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM vlob_atom WHERE organization = $1 AND realm_id = $2`,
		org, realm,
	).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return fromMicros(last.Int64), nil
}

func (r *vlobRepo) DumpRealm(ctx context.Context, org protocol.OrganizationID, realm uuid.UUID) ([]*models.VlobAtom, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+atomColumns+` FROM vlob_atom
		 WHERE organization = $1 AND realm_id = $2
		 ORDER BY change_index`,
		org, realm,
	)
	if err != nil {
		return nil, err
	}
	atoms, err := scanAtoms(rows)
	if err != nil {
		return nil, err
	}
	if err := r.loadSequesterBlobs(ctx, org, atoms); err != nil {
		return nil, err
	}
	return atoms, nil
}

type blockRepo struct {
	db dbx.DBTX
}

func (r *blockRepo) Create(ctx context.Context, org protocol.OrganizationID, block *models.Block) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO block (organization, block_id, realm_id, key_index, author, size, created_on)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		org, block.BlockID, block.RealmID, block.KeyIndex, block.Author, block.Size, toMicros(block.CreatedOn),
	)
	if isUniqueViolation(err) {
		return common.ErrBlockAlreadyExists
	}
	return err
}

func (r *blockRepo) Get(ctx context.Context, org protocol.OrganizationID, block uuid.UUID) (*models.Block, error) {
	var b models.Block
	var createdOn int64
	err := r.db.QueryRowContext(ctx,
		`SELECT block_id, realm_id, key_index, author, size, created_on
		 FROM block WHERE organization = $1 AND block_id = $2`,
		org, block,
	).Scan(&b.BlockID, &b.RealmID, &b.KeyIndex, &b.Author, &b.Size, &createdOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	b.CreatedOn = fromMicros(createdOn)
	return &b, nil
}

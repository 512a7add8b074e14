// Package postgres implements the store contract on PostgreSQL. Topic locks
// map to SELECT … FOR SHARE / FOR UPDATE on the topic rows, so lock scope
// and transaction scope coincide by construction.
//
// Timestamps are persisted as microseconds since 2000-01-01T00:00:00Z; the
// conversion is encapsulated here and never leaks past the row scans.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrijs2005/parsecd/internal/common"
	"github.com/dmitrijs2005/parsecd/internal/protocol"
	"github.com/dmitrijs2005/parsecd/internal/server/migrations"
	"github.com/dmitrijs2005/parsecd/internal/server/store"
)

// microsEpoch anchors the stored microsecond offsets.
var microsEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func toMicros(t time.Time) int64 {
	return t.Sub(microsEpoch).Microseconds()
}

func fromMicros(us int64) time.Time {
	return microsEpoch.Add(time.Duration(us) * time.Microsecond)
}

func toMicrosPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*t), Valid: true}
}

func fromMicrosPtr(us sql.NullInt64) *time.Time {
	if !us.Valid {
		return nil
	}
	t := fromMicros(us.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Store is the PostgreSQL-backed store.
type Store struct {
	db *sql.DB
}

func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	return &Store{db: db}, nil
}

// RunMigrations applies the embedded schema migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, ".")
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit()
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback()
}

func topicKey(topic store.Topic) (int16, uuid.UUID) {
	return int16(topic.Kind), topic.Realm
}

func (t *pgTx) lockTopic(ctx context.Context, org protocol.OrganizationID, topic store.Topic, mode string) (time.Time, error) {
	kind, realm := topicKey(topic)
	var us int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT last_timestamp FROM topic WHERE organization = $1 AND kind = $2 AND realm = $3 `+mode,
		org, kind, realm,
	).Scan(&us)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, common.ErrOrganizationNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromMicros(us), nil
}

func (t *pgTx) LockShared(ctx context.Context, org protocol.OrganizationID, topic store.Topic) (time.Time, error) {
	return t.lockTopic(ctx, org, topic, "FOR SHARE")
}

func (t *pgTx) LockExclusive(ctx context.Context, org protocol.OrganizationID, topic store.Topic) (time.Time, error) {
	return t.lockTopic(ctx, org, topic, "FOR UPDATE")
}

func (t *pgTx) AdvanceTopic(ctx context.Context, org protocol.OrganizationID, topic store.Topic, ts time.Time) error {
	kind, realm := topicKey(topic)
	res, err := t.tx.ExecContext(ctx,
		`UPDATE topic SET last_timestamp = $4
		 WHERE organization = $1 AND kind = $2 AND realm = $3 AND last_timestamp < $4`,
		org, kind, realm, toMicros(ts),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		last, err := t.lockTopic(ctx, org, topic, "FOR UPDATE")
		if err != nil {
			return err
		}
		return &common.RequireGreaterTimestampError{StrictlyGreaterThan: last}
	}
	return nil
}

func (t *pgTx) InitTopic(ctx context.Context, org protocol.OrganizationID, topic store.Topic) error {
	kind, realm := topicKey(topic)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO topic (organization, kind, realm, last_timestamp)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (organization, kind, realm) DO NOTHING`,
		org, kind, realm, int64(0),
	)
	return err
}

// Repositories are bound to the transaction through the dbx.DBTX seam, so
// the sqlmock tests can drive them without a live database.
func (t *pgTx) Organizations() store.OrganizationRepository { return &orgRepo{db: t.tx} }
func (t *pgTx) Users() store.UserRepository                 { return &userRepo{db: t.tx} }
func (t *pgTx) Realms() store.RealmRepository               { return &realmRepo{db: t.tx} }
func (t *pgTx) Vlobs() store.VlobRepository                 { return &vlobRepo{db: t.tx} }
func (t *pgTx) Blocks() store.BlockRepository               { return &blockRepo{db: t.tx} }
func (t *pgTx) Invitations() store.InvitationRepository     { return &invitationRepo{db: t.tx} }
func (t *pgTx) Sequester() store.SequesterRepository        { return &sequesterRepo{db: t.tx} }
func (t *pgTx) Shamir() store.ShamirRepository              { return &shamirRepo{db: t.tx} }

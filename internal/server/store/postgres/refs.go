package postgres

import (
	"context"
	"time"

	"github.com/dmitrijs2005/parsecd/internal/dbx"
	"github.com/dmitrijs2005/parsecd/internal/server/models"
)

// SQL literals for models.Priority*, used inside the certificate UNIONs.
const (
	priorityUser          = "0"
	priorityRevokedUser   = "1"
	priorityProfileUpdate = "2"
	priorityDevice        = "3"
)

// wrapRefs turns a UNION of (ts, priority, certificate, redacted) rows into
// the filtered, ordered certificate stream. $2 is the exclusive lower bound
// in microseconds; afterMicros(nil) passes -1 to select everything.
func wrapRefs(inner string) string {
	return `SELECT ts, priority, certificate, redacted FROM (` + inner + `) refs
		WHERE ts > $2 ORDER BY ts, priority`
}

func afterMicros(after *time.Time) int64 {
	if after == nil {
		return -1
	}
	return toMicros(*after)
}

func queryCertificateRefs(ctx context.Context, db dbx.DBTX, query string, args ...any) ([]models.CertificateRef, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []models.CertificateRef
	for rows.Next() {
		var ref models.CertificateRef
		var ts int64
		if err := rows.Scan(&ts, &ref.Priority, &ref.Certificate, &ref.Redacted); err != nil {
			return nil, err
		}
		ref.Timestamp = fromMicros(ts)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

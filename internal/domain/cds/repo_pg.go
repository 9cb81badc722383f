package cds

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// overrideRepoPG persists override records in Postgres. Schema:
//
//	CREATE TABLE cds_override (
//	    id            UUID PRIMARY KEY,
//	    service_id    TEXT NOT NULL DEFAULT '',
//	    card_uuid     TEXT NOT NULL,
//	    user_id       TEXT NOT NULL DEFAULT '',
//	    patient_id    TEXT NOT NULL DEFAULT '',
//	    hook_instance TEXT NOT NULL DEFAULT '',
//	    reason_code   TEXT NOT NULL DEFAULT '',
//	    reason_text   TEXT NOT NULL DEFAULT '',
//	    card_summary  TEXT NOT NULL DEFAULT '',
//	    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE INDEX cds_override_patient_idx ON cds_override (patient_id, created_at DESC);
type overrideRepoPG struct{ db queryable }

// NewOverrideRepoPG creates a Postgres-backed override store.
func NewOverrideRepoPG(pool *pgxpool.Pool) OverrideRepo {
	return &overrideRepoPG{db: pool}
}

const overrideCols = `id, service_id, card_uuid, user_id, patient_id, hook_instance,
	reason_code, reason_text, card_summary, created_at`

func scanOverride(row pgx.Row) (*OverrideRecord, error) {
	var rec OverrideRecord
	err := row.Scan(&rec.ID, &rec.ServiceID, &rec.CardUUID, &rec.UserID, &rec.PatientID, &rec.HookInstance,
		&rec.ReasonCode, &rec.ReasonText, &rec.CardSummary, &rec.CreatedAt)
	return &rec, err
}

func (r *overrideRepoPG) Create(ctx context.Context, rec *OverrideRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO cds_override (id, service_id, card_uuid, user_id, patient_id, hook_instance,
			reason_code, reason_text, card_summary, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.ServiceID, rec.CardUUID, rec.UserID, rec.PatientID, rec.HookInstance,
		rec.ReasonCode, rec.ReasonText, rec.CardSummary, rec.CreatedAt)
	return err
}

func (r *overrideRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*OverrideRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+overrideCols+` FROM cds_override
		WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*OverrideRecord{}
	for rows.Next() {
		rec, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *overrideRepoPG) List(ctx context.Context, limit, offset int) ([]*OverrideRecord, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM cds_override`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+overrideCols+` FROM cds_override
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*OverrideRecord{}
	for rows.Next() {
		rec, err := scanOverride(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

package encounter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const encCols = `id, patient_id, class_code, status, reason_text, period_start, period_end,
	locked, locked_at, locked_by_id, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, enc *Encounter) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounter (id, patient_id, class_code, status, reason_text, period_start, period_end)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		enc.ID, enc.PatientID, enc.ClassCode, enc.Status, enc.ReasonText, enc.PeriodStart, enc.PeriodEnd,
	).Scan(&enc.CreatedAt, &enc.UpdatedAt)
	return db.MapError(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return r.get(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1`, id)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return r.get(ctx, `SELECT `+encCols+` FROM encounter WHERE id = $1 FOR UPDATE`, id)
}

func (r *repoPG) get(ctx context.Context, query string, id uuid.UUID) (*Encounter, error) {
	enc, err := scanEnc(r.conn(ctx).QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("encounter %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get encounter: %w", err)
	}
	return enc, nil
}

func (r *repoPG) Update(ctx context.Context, enc *Encounter) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter SET
			status=$2, reason_text=$3, period_end=$4,
			locked=$5, locked_at=$6, locked_by_id=$7, updated_at=$8
		WHERE id = $1`,
		enc.ID, enc.Status, enc.ReasonText, enc.PeriodEnd,
		enc.Locked, enc.LockedAt, enc.LockedByID, enc.UpdatedAt,
	)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("encounter %s not found", enc.ID)
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM encounter WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+encCols+` FROM encounter WHERE patient_id = $1 ORDER BY period_start DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var encs []*Encounter
	for rows.Next() {
		e, err := scanEnc(rows)
		if err != nil {
			return nil, 0, err
		}
		encs = append(encs, e)
	}
	return encs, total, rows.Err()
}

func (r *repoPG) AddStatusHistory(ctx context.Context, sh *StatusHistory) error {
	sh.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter_status_history (id, encounter_id, status, period_start, period_end, changed_by_id)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sh.ID, sh.EncounterID, sh.Status, sh.PeriodStart, sh.PeriodEnd, sh.ChangedByID,
	)
	return db.MapError(err)
}

func (r *repoPG) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, encounter_id, status, period_start, period_end, changed_by_id
		FROM encounter_status_history WHERE encounter_id = $1 ORDER BY period_start`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*StatusHistory
	for rows.Next() {
		var sh StatusHistory
		if err := rows.Scan(&sh.ID, &sh.EncounterID, &sh.Status, &sh.PeriodStart, &sh.PeriodEnd, &sh.ChangedByID); err != nil {
			return nil, err
		}
		history = append(history, &sh)
	}
	return history, rows.Err()
}

func (r *repoPG) IsLocked(ctx context.Context, id uuid.UUID) (bool, error) {
	var locked bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT locked FROM encounter WHERE id = $1 FOR SHARE`, id).Scan(&locked)
	if db.IsNoRows(err) {
		return false, apperr.NotFound("encounter %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("check encounter lock: %w", err)
	}
	return locked, nil
}

func scanEnc(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(
		&e.ID, &e.PatientID, &e.ClassCode, &e.Status, &e.ReasonText, &e.PeriodStart, &e.PeriodEnd,
		&e.Locked, &e.LockedAt, &e.LockedByID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

package clinical

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/apperr"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// whereClause accumulates AND-ed predicates with positional arguments.
type whereClause struct {
	conds []string
	args  []interface{}
}

func (w *whereClause) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereClause) sql() string {
	return strings.Join(w.conds, " AND ")
}

// mapWriteError turns a second head in one chain into a conflict. The partial
// unique index on the chain root is what raises it.
func mapWriteError(err error, kind string) error {
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return apperr.Conflict("%s chain already has a newer version", kind)
	}
	return db.MapError(err)
}

// =========== Observation Repository ===========

type observationRepoPG struct{ pool *pgxpool.Pool }

func NewObservationRepoPG(pool *pgxpool.Pool) ObservationRepository {
	return &observationRepoPG{pool: pool}
}

func (r *observationRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const obsCols = `id, patient_id, encounter_id, status, category,
	code_system, code_value, code_display,
	value_quantity, value_unit, value_string, effective_at, note,
	version, is_latest, previous_version_id, root_version_id, created_by_id, created_at`

func scanObs(row pgx.Row) (*Observation, error) {
	var o Observation
	err := row.Scan(&o.ID, &o.PatientID, &o.EncounterID, &o.Status, &o.Category,
		&o.CodeSystem, &o.CodeValue, &o.CodeDisplay,
		&o.ValueQuantity, &o.ValueUnit, &o.ValueString, &o.EffectiveAt, &o.Note,
		&o.Version, &o.IsLatest, &o.PreviousVersionID, &o.RootVersionID, &o.CreatedByID, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *observationRepoPG) Create(ctx context.Context, o *Observation) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO observation (id, patient_id, encounter_id, status, category,
			code_system, code_value, code_display,
			value_quantity, value_unit, value_string, effective_at, note,
			version, is_latest, previous_version_id, root_version_id, created_by_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		o.ID, o.PatientID, o.EncounterID, o.Status, o.Category,
		o.CodeSystem, o.CodeValue, o.CodeDisplay,
		o.ValueQuantity, o.ValueUnit, o.ValueString, o.EffectiveAt, o.Note,
		o.Version, o.IsLatest, o.PreviousVersionID, o.RootVersionID, o.CreatedByID, o.CreatedAt)
	return mapWriteError(err, "observation")
}

func (r *observationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Observation, error) {
	return r.get(ctx, `SELECT `+obsCols+` FROM observation WHERE id = $1`, id)
}

func (r *observationRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Observation, error) {
	return r.get(ctx, `SELECT `+obsCols+` FROM observation WHERE id = $1 FOR UPDATE`, id)
}

func (r *observationRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Observation, error) {
	o, err := scanObs(r.conn(ctx).QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("observation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get observation: %w", err)
	}
	return o, nil
}

func (r *observationRepoPG) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE observation SET is_latest = FALSE WHERE id = $1 AND is_latest`, id)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("observation %s is not the latest version", id)
	}
	return nil
}

func (r *observationRepoPG) ListLatest(ctx context.Context, patientID uuid.UUID, f ObservationFilter, limit, offset int) ([]*Observation, int, error) {
	w := &whereClause{}
	w.add("patient_id = $%d", patientID)
	w.conds = append(w.conds, "is_latest")
	if f.Category != "" {
		w.add("category = $%d", f.Category)
	}
	if f.CodeValue != "" {
		w.add("code_value = $%d", f.CodeValue)
	}
	if f.EncounterID != nil {
		w.add("encounter_id = $%d", *f.EncounterID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM observation WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args := append(w.args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+obsCols+` FROM observation WHERE %s ORDER BY effective_at DESC NULLS LAST, created_at DESC LIMIT $%d OFFSET $%d`,
		w.sql(), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectObs(rows)
	return items, total, err
}

func (r *observationRepoPG) ListVersions(ctx context.Context, rootID uuid.UUID) ([]*Observation, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+obsCols+` FROM observation WHERE COALESCE(root_version_id, id) = $1 ORDER BY version`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectObs(rows)
}

func collectObs(rows pgx.Rows) ([]*Observation, error) {
	var items []*Observation
	for rows.Next() {
		o, err := scanObs(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, rows.Err()
}

// =========== Condition Repository ===========

type conditionRepoPG struct{ pool *pgxpool.Pool }

func NewConditionRepoPG(pool *pgxpool.Pool) ConditionRepository { return &conditionRepoPG{pool: pool} }

func (r *conditionRepoPG) conn(ctx context.Context) queryable {
	return connFor(ctx, r.pool)
}

const condCols = `id, patient_id, encounter_id, status, clinical_status, verification_status,
	category, severity, code_system, code_value, code_display, onset_at, abatement_at, note,
	version, is_latest, previous_version_id, root_version_id, created_by_id, created_at`

func scanCondition(row pgx.Row) (*Condition, error) {
	var c Condition
	err := row.Scan(&c.ID, &c.PatientID, &c.EncounterID, &c.Status, &c.ClinicalStatus, &c.VerificationStatus,
		&c.Category, &c.Severity, &c.CodeSystem, &c.CodeValue, &c.CodeDisplay, &c.OnsetAt, &c.AbatementAt, &c.Note,
		&c.Version, &c.IsLatest, &c.PreviousVersionID, &c.RootVersionID, &c.CreatedByID, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *conditionRepoPG) Create(ctx context.Context, c *Condition) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO condition (id, patient_id, encounter_id, status, clinical_status, verification_status,
			category, severity, code_system, code_value, code_display, onset_at, abatement_at, note,
			version, is_latest, previous_version_id, root_version_id, created_by_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		c.ID, c.PatientID, c.EncounterID, c.Status, c.ClinicalStatus, c.VerificationStatus,
		c.Category, c.Severity, c.CodeSystem, c.CodeValue, c.CodeDisplay, c.OnsetAt, c.AbatementAt, c.Note,
		c.Version, c.IsLatest, c.PreviousVersionID, c.RootVersionID, c.CreatedByID, c.CreatedAt)
	return mapWriteError(err, "condition")
}

func (r *conditionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Condition, error) {
	return r.get(ctx, `SELECT `+condCols+` FROM condition WHERE id = $1`, id)
}

func (r *conditionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Condition, error) {
	return r.get(ctx, `SELECT `+condCols+` FROM condition WHERE id = $1 FOR UPDATE`, id)
}

func (r *conditionRepoPG) get(ctx context.Context, query string, id uuid.UUID) (*Condition, error) {
	c, err := scanCondition(r.conn(ctx).QueryRow(ctx, query, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("condition %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get condition: %w", err)
	}
	return c, nil
}

func (r *conditionRepoPG) MarkSuperseded(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE condition SET is_latest = FALSE WHERE id = $1 AND is_latest`, id)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Conflict("condition %s is not the latest version", id)
	}
	return nil
}

func (r *conditionRepoPG) ListLatest(ctx context.Context, patientID uuid.UUID, f ConditionFilter, limit, offset int) ([]*Condition, int, error) {
	w := &whereClause{}
	w.add("patient_id = $%d", patientID)
	w.conds = append(w.conds, "is_latest")
	if f.ClinicalStatus != "" {
		w.add("clinical_status = $%d", f.ClinicalStatus)
	}
	if f.Category != "" {
		w.add("category = $%d", f.Category)
	}
	if f.CodeValue != "" {
		w.add("code_value = $%d", f.CodeValue)
	}
	if f.EncounterID != nil {
		w.add("encounter_id = $%d", *f.EncounterID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM condition WHERE `+w.sql(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args := append(w.args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+condCols+` FROM condition WHERE %s ORDER BY onset_at DESC NULLS LAST, created_at DESC LIMIT $%d OFFSET $%d`,
		w.sql(), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectConditions(rows)
	return items, total, err
}

func (r *conditionRepoPG) ListVersions(ctx context.Context, rootID uuid.UUID) ([]*Condition, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+condCols+` FROM condition WHERE COALESCE(root_version_id, id) = $1 ORDER BY version`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConditions(rows)
}

func collectConditions(rows pgx.Rows) ([]*Condition, error) {
	var items []*Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

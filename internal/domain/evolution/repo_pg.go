package evolution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medrecords/prontuario/internal/platform/apperror"
	"github.com/medrecords/prontuario/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type repoPG struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const evolutionCols = `id, patient_id, patient_name, date, weight_kg, medications,
	altered_labs, notes, created_at, updated_at`

func scanEvolution(row pgx.Row) (*Evolution, error) {
	var e Evolution
	err := row.Scan(&e.ID, &e.PatientID, &e.PatientName, &e.Date, &e.WeightKG, &e.Medications,
		&e.AlteredLabs, &e.Notes, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if e.Medications == nil {
		e.Medications = []string{}
	}
	return &e, nil
}

func (r *repoPG) Create(ctx context.Context, e *Evolution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Medications == nil {
		e.Medications = []string{}
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO evolutions (`+evolutionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.PatientID, e.PatientName, e.Date, e.WeightKG, e.Medications,
		e.AlteredLabs, e.Notes, e.CreatedAt, e.UpdatedAt)
	return apperror.Storage("insert evolution", err)
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Evolution, error) {
	e, err := scanEvolution(r.conn(ctx).QueryRow(ctx, `SELECT `+evolutionCols+` FROM evolutions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEvolutionNotFound
	}
	if err != nil {
		return nil, apperror.Storage("get evolution", err)
	}
	return e, nil
}

func (r *repoPG) Update(ctx context.Context, e *Evolution) error {
	e.UpdatedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE evolutions SET date = $2, weight_kg = $3, medications = $4,
			altered_labs = $5, notes = $6, updated_at = $7
		WHERE id = $1`,
		e.ID, e.Date, e.WeightKG, e.Medications, e.AlteredLabs, e.Notes, e.UpdatedAt)
	if err != nil {
		return apperror.Storage("update evolution", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEvolutionNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM evolutions WHERE id = $1`, id)
	if err != nil {
		return apperror.Storage("delete evolution", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEvolutionNotFound
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Evolution, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM evolutions WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, apperror.Storage("count evolutions", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+evolutionCols+` FROM evolutions
		WHERE patient_id = $1 ORDER BY date DESC, created_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, apperror.Storage("list evolutions", err)
	}
	defer rows.Close()

	var out []*Evolution
	for rows.Next() {
		e, err := scanEvolution(rows)
		if err != nil {
			return nil, 0, apperror.Storage("scan evolution", err)
		}
		out = append(out, e)
	}
	return out, total, apperror.Storage("list evolutions", rows.Err())
}

func (r *repoPG) SetPatientName(ctx context.Context, id, name string) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE evolutions SET patient_name = $2 WHERE id = $1`, id, name)
	return apperror.Storage("set evolution patient name", err)
}

func (r *repoPG) CountByPatient(ctx context.Context, patientID string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM evolutions WHERE patient_id = $1`, patientID).Scan(&n)
	return n, apperror.Storage("count evolutions", err)
}

func (r *repoPG) DeleteByPatient(ctx context.Context, patientID string) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM evolutions WHERE patient_id = $1`, patientID)
	if err != nil {
		return 0, apperror.Storage("delete evolutions", err)
	}
	return int(tag.RowsAffected()), nil
}

package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

const patientCols = `id, name, record_number, cpf, birth_date, sex, phone, email,
	address, clinical, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.RecordNumber, &p.CPF, &p.BirthDate, &p.Sex, &p.Phone, &p.Email,
		&p.Address, &p.Clinical, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (`+patientCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.Name, p.RecordNumber, p.CPF, p.BirthDate, p.Sex, p.Phone, p.Email,
		p.Address, p.Clinical, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: record_number %d already in use", apperror.ErrConflict, p.RecordNumber)
	}
	return apperror.Storage("insert patient", err)
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.ErrPatientNotFound
	}
	if err != nil {
		return nil, apperror.Storage("get patient", err)
	}
	return p, nil
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET name = $2, record_number = $3, cpf = $4, birth_date = $5, sex = $6,
			phone = $7, email = $8, address = $9, clinical = $10, updated_at = $11
		WHERE id = $1`,
		p.ID, p.Name, p.RecordNumber, p.CPF, p.BirthDate, p.Sex,
		p.Phone, p.Email, p.Address, p.Clinical, p.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: record_number %d already in use", apperror.ErrConflict, p.RecordNumber)
	}
	if err != nil {
		return apperror.Storage("update patient", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.ErrPatientNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id string) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return apperror.Storage("delete patient", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.ErrPatientNotFound
	}
	return nil
}

func likePattern(s string) string {
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + s + "%"
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	where := ""
	args := []any{}
	if filter.Name != "" {
		where = ` WHERE name ILIKE $1`
		args = append(args, likePattern(filter.Name))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`+where, args...).Scan(&total); err != nil {
		return nil, 0, apperror.Storage("count patients", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT `+patientCols+` FROM patients`+where+
		` ORDER BY record_number LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, apperror.Storage("list patients", err)
	}
	defer rows.Close()

	var out []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, apperror.Storage("scan patient", err)
		}
		out = append(out, p)
	}
	return out, total, apperror.Storage("list patients", rows.Err())
}

func (r *repoPG) neighbour(ctx context.Context, query string, recordNumber int, notFound error) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, query, recordNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperror.Storage("find neighbour patient", err)
	}
	return p, nil
}

func (r *repoPG) Next(ctx context.Context, recordNumber int) (*Patient, error) {
	return r.neighbour(ctx,
		`SELECT `+patientCols+` FROM patients WHERE record_number > $1 ORDER BY record_number ASC LIMIT 1`,
		recordNumber, fmt.Errorf("%w: no patient after record %d", apperror.ErrNotFound, recordNumber))
}

func (r *repoPG) Previous(ctx context.Context, recordNumber int) (*Patient, error) {
	return r.neighbour(ctx,
		`SELECT `+patientCols+` FROM patients WHERE record_number < $1 ORDER BY record_number DESC LIMIT 1`,
		recordNumber, fmt.Errorf("%w: no patient before record %d", apperror.ErrNotFound, recordNumber))
}

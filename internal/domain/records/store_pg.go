package records

import (
	"context"
	"encoding/json"
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

// pgStore keeps every variant in record_documents, told apart by the
// variant column.
type pgStore struct {
	v    Variant
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool, v Variant) Store {
	return &pgStore{v: v, pool: pool}
}

func (s *pgStore) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

const documentCols = `id, variant, patient_id, evolution_id, patient_name, files, status,
	observacoes_geral, scheduled_surgery_date, conduta, version, created_at, updated_at`

// hasFile matches rows whose field $4 holds a record named $5.
const hasFile = `files -> $4::text @> jsonb_build_array(jsonb_build_object('stored_name', $5::text))`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Variant, &d.PatientID, &d.EvolutionID, &d.PatientName, &d.Files, &d.Status,
		&d.ObservacoesGeral, &d.ScheduledSurgeryDate, &d.Conduta, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *pgStore) one(row pgx.Row, notFound error, op string) (*Document, error) {
	d, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperror.Storage(op, err)
	}
	return d, nil
}

func (s *pgStore) FindByKey(ctx context.Context, key Key) (*Document, error) {
	return s.one(s.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM record_documents
		WHERE variant = $1 AND patient_id = $2 AND evolution_id = $3`,
		s.v.Name, key.PatientID, key.EvolutionID), ErrDocumentNotFound, "find "+s.v.Collection)
}

func (s *pgStore) FindByID(ctx context.Context, id string) (*Document, error) {
	return s.one(s.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM record_documents
		WHERE variant = $1 AND id = $2`, s.v.Name, id), ErrDocumentNotFound, "find "+s.v.Collection)
}

func (s *pgStore) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Document, int, error) {
	var total int
	err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM record_documents WHERE variant = $1 AND patient_id = $2`,
		s.v.Name, patientID).Scan(&total)
	if err != nil {
		return nil, 0, apperror.Storage("count "+s.v.Collection, err)
	}

	rows, err := s.conn(ctx).Query(ctx, `SELECT `+documentCols+` FROM record_documents
		WHERE variant = $1 AND patient_id = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		s.v.Name, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperror.Storage("list "+s.v.Collection, err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, apperror.Storage("scan "+s.v.Collection, err)
		}
		out = append(out, d)
	}
	return out, total, apperror.Storage("list "+s.v.Collection, rows.Err())
}

func (s *pgStore) prepareSeed(seed *Document) time.Time {
	if seed.ID == "" {
		seed.ID = uuid.NewString()
	}
	return time.Now().UTC()
}

func (s *pgStore) FindOrCreate(ctx context.Context, seed *Document) (*Document, bool, error) {
	now := s.prepareSeed(seed)
	doc, err := s.one(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO record_documents (id, variant, patient_id, evolution_id, patient_name, files, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}'::jsonb, $6, 1, $7, $7)
		ON CONFLICT (variant, patient_id, evolution_id) DO NOTHING
		RETURNING `+documentCols,
		seed.ID, s.v.Name, seed.PatientID, seed.EvolutionID, seed.PatientName, seed.Status, now),
		ErrDocumentNotFound, "insert "+s.v.Collection)
	if err == nil {
		return doc, true, nil
	}
	if !errors.Is(err, ErrDocumentNotFound) {
		return nil, false, err
	}
	doc, err = s.FindByKey(ctx, seed.Key())
	return doc, false, err
}

// appendFileSQL inserts the document holding only rec, or appends rec to
// field of the existing row in the same statement.
const appendFileSQL = `
	INSERT INTO record_documents (id, variant, patient_id, evolution_id, patient_name, files, status, version, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, jsonb_build_object($6::text, jsonb_build_array($7::jsonb)), $8, 1, $9, $9)
	ON CONFLICT (variant, patient_id, evolution_id) DO UPDATE SET
		files = jsonb_set(record_documents.files, ARRAY[$6::text],
			COALESCE(record_documents.files -> $6::text, '[]'::jsonb) || jsonb_build_array($7::jsonb)),
		version = record_documents.version + 1,
		updated_at = EXCLUDED.updated_at
	RETURNING ` + documentCols

// removeFileSQL keeps the order of the remaining records.
const removeFileSQL = `
	UPDATE record_documents SET
		files = jsonb_set(files, ARRAY[$4::text], COALESCE((
			SELECT jsonb_agg(e ORDER BY ord)
			FROM jsonb_array_elements(files -> $4::text) WITH ORDINALITY AS t(e, ord)
			WHERE e ->> 'stored_name' <> $5::text
		), '[]'::jsonb)),
		version = version + 1,
		updated_at = $6
	WHERE variant = $1 AND patient_id = $2 AND evolution_id = $3 AND ` + hasFile + `
	RETURNING ` + documentCols

const renameFileSQL = `
	UPDATE record_documents SET
		files = jsonb_set(files, ARRAY[$4::text], (
			SELECT jsonb_agg(CASE WHEN e ->> 'stored_name' = $5::text
				THEN jsonb_set(e, '{original_name}', to_jsonb($6::text)) ELSE e END ORDER BY ord)
			FROM jsonb_array_elements(files -> $4::text) WITH ORDINALITY AS t(e, ord)
		)),
		version = version + 1,
		updated_at = $7
	WHERE variant = $1 AND patient_id = $2 AND evolution_id = $3 AND ` + hasFile + `
	RETURNING ` + documentCols

func (s *pgStore) AppendFile(ctx context.Context, seed *Document, field Field, rec FileRecord) (*Document, error) {
	now := s.prepareSeed(seed)
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode file record: %w", err)
	}
	return s.one(s.conn(ctx).QueryRow(ctx, appendFileSQL,
		seed.ID, s.v.Name, seed.PatientID, seed.EvolutionID, seed.PatientName, string(field), raw, seed.Status, now),
		ErrDocumentNotFound, "append to "+s.v.Collection)
}

func (s *pgStore) RemoveFile(ctx context.Context, key Key, field Field, storedName string) (*Document, error) {
	return s.one(s.conn(ctx).QueryRow(ctx, removeFileSQL,
		s.v.Name, key.PatientID, key.EvolutionID, string(field), storedName, time.Now().UTC()),
		ErrFileNotFound, "remove from "+s.v.Collection)
}

func (s *pgStore) RenameFile(ctx context.Context, key Key, field Field, storedName, originalName string) (*Document, error) {
	return s.one(s.conn(ctx).QueryRow(ctx, renameFileSQL,
		s.v.Name, key.PatientID, key.EvolutionID, string(field), storedName, originalName, time.Now().UTC()),
		ErrFileNotFound, "rename in "+s.v.Collection)
}

// updateStatement builds the UPDATE for patch. The version predicate is
// added only when expectedVersion is non-zero.
func updateStatement(variant, id string, patch Patch, expectedVersion int64, now time.Time) (string, []any) {
	args := []any{variant, id, now}
	sets := []string{"updated_at = $3", "version = version + 1"}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.ObservacoesGeral != nil {
		add("observacoes_geral", *patch.ObservacoesGeral)
	}
	if patch.Conduta != nil {
		add("conduta", *patch.Conduta)
	}
	if patch.ScheduledSurgeryDate != nil {
		add("scheduled_surgery_date", *patch.ScheduledSurgeryDate)
	}

	where := "variant = $1 AND id = $2"
	if expectedVersion > 0 {
		args = append(args, expectedVersion)
		where += fmt.Sprintf(" AND version = $%d", len(args))
	}
	return `UPDATE record_documents SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + documentCols, args
}

func (s *pgStore) Update(ctx context.Context, id string, patch Patch, expectedVersion int64) (*Document, error) {
	sql, args := updateStatement(s.v.Name, id, patch, expectedVersion, time.Now().UTC())
	doc, err := s.one(s.conn(ctx).QueryRow(ctx, sql, args...), ErrDocumentNotFound, "update "+s.v.Collection)
	if errors.Is(err, ErrDocumentNotFound) && expectedVersion > 0 {
		if _, ferr := s.FindByID(ctx, id); ferr == nil {
			return nil, apperror.ErrVersionConflict
		}
	}
	return doc, err
}

func (s *pgStore) SetPatientName(ctx context.Context, key Key, name string) error {
	_, err := s.conn(ctx).Exec(ctx, `UPDATE record_documents SET patient_name = $4
		WHERE variant = $1 AND patient_id = $2 AND evolution_id = $3`,
		s.v.Name, key.PatientID, key.EvolutionID, name)
	return apperror.Storage("set patient name in "+s.v.Collection, err)
}

func (s *pgStore) DeleteByID(ctx context.Context, id string) (*Document, error) {
	return s.one(s.conn(ctx).QueryRow(ctx, `DELETE FROM record_documents WHERE variant = $1 AND id = $2
		RETURNING `+documentCols, s.v.Name, id), ErrDocumentNotFound, "delete from "+s.v.Collection)
}

func (s *pgStore) CountByPatient(ctx context.Context, patientID string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM record_documents WHERE variant = $1 AND patient_id = $2`,
		s.v.Name, patientID).Scan(&n)
	return n, apperror.Storage("count "+s.v.Collection, err)
}

func (s *pgStore) DeleteByPatient(ctx context.Context, patientID string) (int, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM record_documents WHERE variant = $1 AND patient_id = $2`,
		s.v.Name, patientID)
	if err != nil {
		return 0, apperror.Storage("delete from "+s.v.Collection, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) CountBlobRefs(ctx context.Context, blobKey string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM record_documents d
		WHERE d.variant = $1 AND EXISTS (
			SELECT 1 FROM jsonb_each(d.files) f, jsonb_array_elements(f.value) e
			WHERE e ->> 'blob_key' = $2
		)`, s.v.Name, blobKey).Scan(&n)
	return n, apperror.Storage("count blob refs in "+s.v.Collection, err)
}

func (s *pgStore) BlobKeys(ctx context.Context, into map[string]struct{}) error {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT DISTINCT e ->> 'blob_key'
		FROM record_documents d, jsonb_each(d.files) f, jsonb_array_elements(f.value) e
		WHERE d.variant = $1 AND e ->> 'blob_key' IS NOT NULL`, s.v.Name)
	if err != nil {
		return apperror.Storage("collect blob keys of "+s.v.Collection, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return apperror.Storage("collect blob keys of "+s.v.Collection, err)
		}
		into[k] = struct{}{}
	}
	return apperror.Storage("collect blob keys of "+s.v.Collection, rows.Err())
}

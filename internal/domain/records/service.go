package records

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrecords/prontuario/internal/domain/namesync"
	"github.com/medrecords/prontuario/internal/platform/apperror"
	"github.com/medrecords/prontuario/internal/platform/blobstore"
)

// EvolutionLookup resolves the patient owning an evolution.
type EvolutionLookup interface {
	EvolutionPatient(ctx context.Context, evolutionID string) (string, error)
}

// BlobRefCounter counts documents of any variant that reference a blob.
type BlobRefCounter interface {
	CountBlobRefs(ctx context.Context, blobKey string) (int, error)
}

// FileOpRecorder observes file operations.
type FileOpRecorder interface {
	FileOp(variant, op string)
}

type Option func(*Service)

func WithEvolutions(l EvolutionLookup) Option { return func(s *Service) { s.evolutions = l } }

// WithBlobRefs makes blob release consider every variant, not only this one.
func WithBlobRefs(r BlobRefCounter) Option { return func(s *Service) { s.refs = r } }

func WithFileOps(r FileOpRecorder) Option { return func(s *Service) { s.ops = r } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service implements the file collections of one variant.
type Service struct {
	v          Variant
	store      Store
	patients   namesync.NameLookup
	evolutions EvolutionLookup
	blobs      blobstore.BlobStore
	refs       BlobRefCounter
	sync       *namesync.Syncer
	ops        FileOpRecorder
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(v Variant, store Store, patients namesync.NameLookup, blobs blobstore.BlobStore, logger zerolog.Logger, opts ...Option) *Service {
	logger = logger.With().Str("variant", v.Name).Logger()
	s := &Service{
		v:        v,
		store:    store,
		patients: patients,
		blobs:    blobs,
		refs:     store,
		sync:     namesync.New(patients, logger),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Variant() Variant { return s.v }

func (s *Service) record(op string) {
	if s.ops != nil {
		s.ops.FileOp(s.v.Name, op)
	}
}

func (s *Service) nameAccessor() namesync.Accessor[*Document] {
	return namesync.Accessor[*Document]{
		PatientID: func(d *Document) string { return d.PatientID },
		Name:      func(d *Document) string { return d.PatientName },
		SetName:   func(d *Document, name string) { d.PatientName = name },
		Repair: func(ctx context.Context, d *Document, name string) error {
			return s.store.SetPatientName(ctx, d.Key(), name)
		},
	}
}

func (s *Service) present(ctx context.Context, docs ...*Document) {
	namesync.Apply(ctx, s.sync, docs, s.nameAccessor())
	for _, d := range docs {
		d.fill(s.v)
	}
}

// ResolveKey validates the identifiers of a request. Post-operative
// documents need an evolution that belongs to the patient.
func (s *Service) ResolveKey(ctx context.Context, patientID, evolutionID string) (Key, error) {
	patientID = strings.TrimSpace(patientID)
	evolutionID = strings.TrimSpace(evolutionID)
	if patientID == "" {
		return Key{}, apperror.Validation("patient_id is required")
	}
	if !s.v.ByEvolution {
		return Key{PatientID: patientID}, nil
	}
	if evolutionID == "" {
		return Key{}, apperror.Validation("evolution_id is required for %s", s.v.Collection)
	}
	if s.evolutions == nil {
		return Key{}, fmt.Errorf("%s: no evolution lookup configured", s.v.Collection)
	}
	owner, err := s.evolutions.EvolutionPatient(ctx, evolutionID)
	if err != nil {
		return Key{}, err
	}
	if owner != patientID {
		return Key{}, apperror.Validation("evolution %s does not belong to patient %s", evolutionID, patientID)
	}
	return Key{PatientID: patientID, EvolutionID: evolutionID}, nil
}

// seed builds the document inserted when key has none, named after the
// patient's current name.
func (s *Service) seed(ctx context.Context, key Key) (*Document, error) {
	name, err := s.patients.PatientName(ctx, key.PatientID)
	if errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", apperror.ErrPatientNotFound, key.PatientID)
	}
	if err != nil {
		return nil, err
	}
	d := &Document{
		Variant:     s.v.Name,
		PatientID:   key.PatientID,
		EvolutionID: key.EvolutionID,
		PatientName: name,
	}
	if s.v.supports(WorkflowStatus) {
		d.Status = StatusPendente
	}
	return d, nil
}

// AddFile stores up and appends its record to field, creating the document
// on first use.
func (s *Service) AddFile(ctx context.Context, key Key, fieldName string, up Upload) (*Document, FileRecord, error) {
	field, mt, err := s.check(fieldName, up)
	if err != nil {
		return nil, FileRecord{}, err
	}

	seed, err := s.seedFor(ctx, key)
	if err != nil {
		return nil, FileRecord{}, err
	}

	info, err := s.blobs.Put(ctx, up.Data)
	if err != nil {
		return nil, FileRecord{}, apperror.Storage("store blob", err)
	}

	now := s.now()
	rec := FileRecord{
		OriginalName: strings.TrimSpace(up.OriginalName),
		StoredName:   storedName(field, up.OriginalName, now),
		MimeType:     mt,
		SizeBytes:    int64(len(up.Data)),
		BlobKey:      info.Key,
		UploadedAt:   now,
		UploadedBy:   up.UploadedBy,
	}
	doc, err := s.store.AppendFile(ctx, seed, field, rec)
	if err != nil {
		return nil, FileRecord{}, err
	}
	s.record("add")
	s.logger.Info().
		Str("patient_id", key.PatientID).
		Str("field", string(field)).
		Str("stored_name", rec.StoredName).
		Int64("size_bytes", rec.SizeBytes).
		Msg("file added")

	s.present(ctx, doc)
	return doc, rec, nil
}

// CheckUpload reports whether up would be accepted into fieldName.
func (s *Service) CheckUpload(fieldName string, up Upload) error {
	_, _, err := s.check(fieldName, up)
	return err
}

func (s *Service) check(fieldName string, up Upload) (Field, string, error) {
	field, err := s.v.ParseField(fieldName)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(up.OriginalName) == "" {
		return "", "", apperror.Validation("file name is required")
	}
	if int64(len(up.Data)) > s.v.MaxFileSize {
		return "", "", fmt.Errorf("%w: %d bytes, limit %d", apperror.ErrFileTooLarge, len(up.Data), s.v.MaxFileSize)
	}
	mt, err := resolveMIME(up.MimeType, up.Data)
	if err != nil {
		return "", "", err
	}
	return field, mt, nil
}

// seedFor returns the insert seed for key. Existing documents only need the
// key; a missing one needs the patient to exist.
func (s *Service) seedFor(ctx context.Context, key Key) (*Document, error) {
	if _, err := s.store.FindByKey(ctx, key); err == nil {
		return &Document{Variant: s.v.Name, PatientID: key.PatientID, EvolutionID: key.EvolutionID}, nil
	} else if !errors.Is(err, ErrDocumentNotFound) {
		return nil, err
	}
	return s.seed(ctx, key)
}

// FindFile returns the metadata of storedName in field.
func (s *Service) FindFile(ctx context.Context, key Key, fieldName, storedName string) (FileRecord, error) {
	field, err := s.v.ParseField(fieldName)
	if err != nil {
		return FileRecord{}, err
	}
	return s.findFile(ctx, key, field, storedName)
}

func (s *Service) findFile(ctx context.Context, key Key, field Field, storedName string) (FileRecord, error) {
	doc, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return FileRecord{}, err
	}
	rec, ok := doc.File(field, storedName)
	if !ok {
		return FileRecord{}, fmt.Errorf("%w: %s/%s", ErrFileNotFound, field, storedName)
	}
	return rec, nil
}

// OpenFile returns the record and a reader over its bytes. The caller
// closes the reader.
func (s *Service) OpenFile(ctx context.Context, key Key, fieldName, storedName string) (FileRecord, io.ReadCloser, error) {
	rec, err := s.FindFile(ctx, key, fieldName, storedName)
	if err != nil {
		return FileRecord{}, nil, err
	}
	rc, err := s.blobs.Open(ctx, rec.BlobKey)
	if err != nil {
		return FileRecord{}, nil, apperror.Storage("open blob "+rec.BlobKey, err)
	}
	s.record("download")
	return rec, rc, nil
}

// RemoveFile deletes storedName from field and releases its blob when no
// document references it anymore.
func (s *Service) RemoveFile(ctx context.Context, key Key, fieldName, storedName string) (*Document, error) {
	field, err := s.v.ParseField(fieldName)
	if err != nil {
		return nil, err
	}
	rec, err := s.findFile(ctx, key, field, storedName)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.RemoveFile(ctx, key, field, storedName)
	if err != nil {
		return nil, err
	}
	s.record("remove")
	s.logger.Info().
		Str("patient_id", key.PatientID).
		Str("field", string(field)).
		Str("stored_name", storedName).
		Msg("file removed")

	s.releaseBlob(ctx, rec.BlobKey)
	s.present(ctx, doc)
	return doc, nil
}

// RenameFile changes the display name of storedName.
func (s *Service) RenameFile(ctx context.Context, key Key, storedName, originalName string) (*Document, error) {
	if !s.v.CanRename {
		return nil, apperror.Validation("%s files cannot be renamed", s.v.Collection)
	}
	originalName = strings.TrimSpace(originalName)
	if originalName == "" {
		return nil, apperror.Validation("original_name is required")
	}
	doc, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	field, ok := doc.FieldOf(storedName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, storedName)
	}
	doc, err = s.store.RenameFile(ctx, key, field, storedName, originalName)
	if err != nil {
		return nil, err
	}
	s.record("rename")
	s.present(ctx, doc)
	return doc, nil
}

// releaseBlob deletes a blob nothing points at. Failures are logged; the
// periodic sweep collects whatever is left behind.
func (s *Service) releaseBlob(ctx context.Context, blobKey string) {
	if blobKey == "" {
		return
	}
	n, err := s.refs.CountBlobRefs(ctx, blobKey)
	if err != nil {
		s.logger.Warn().Err(err).Str("blob_key", blobKey).Msg("count blob references")
		return
	}
	if n > 0 {
		return
	}
	if err := s.blobs.Delete(ctx, blobKey); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Warn().Err(err).Str("blob_key", blobKey).Msg("delete blob")
	}
}

// GetByKey returns the document for key with the current patient name.
func (s *Service) GetByKey(ctx context.Context, key Key) (*Document, error) {
	doc, err := s.store.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	s.present(ctx, doc)
	return doc, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.present(ctx, doc)
	return doc, nil
}

func (s *Service) List(ctx context.Context, patientID string, limit, offset int) ([]*Document, int, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, 0, apperror.Validation("patient_id is required")
	}
	docs, total, err := s.store.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	s.present(ctx, docs...)
	return docs, total, nil
}

// Create returns the document for key, creating it when missing.
func (s *Service) Create(ctx context.Context, key Key) (*Document, bool, error) {
	seed, err := s.seed(ctx, key)
	if err != nil {
		return nil, false, err
	}
	doc, created, err := s.store.FindOrCreate(ctx, seed)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info().Str("patient_id", key.PatientID).Str("document_id", doc.ID).Msg("document created")
	}
	s.present(ctx, doc)
	return doc, created, nil
}

// Update applies a workflow patch. expectedVersion 0 skips the version
// check.
func (s *Service) Update(ctx context.Context, id string, patch Patch, expectedVersion int64) (*Document, error) {
	fields := patch.Fields()
	if len(fields) == 0 {
		return nil, apperror.Validation("no updatable field given")
	}
	for _, f := range fields {
		if !s.v.supports(f) {
			return nil, apperror.Validation("%s does not accept %s", s.v.Collection, f)
		}
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, apperror.Validation("invalid status %q", *patch.Status)
	}
	doc, err := s.store.Update(ctx, id, patch, expectedVersion)
	if err != nil {
		return nil, err
	}
	s.present(ctx, doc)
	return doc, nil
}

// Delete removes the document and the blobs only it referenced.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.store.DeleteByID(ctx, id)
	if err != nil {
		return err
	}
	for _, k := range doc.BlobKeys() {
		s.releaseBlob(ctx, k)
	}
	s.logger.Info().Str("patient_id", doc.PatientID).Str("document_id", id).Msg("document deleted")
	return nil
}

func (s *Service) Name() string { return s.v.Collection }

func (s *Service) CountByPatient(ctx context.Context, patientID string) (int, error) {
	return s.store.CountByPatient(ctx, patientID)
}

// DeleteByPatient removes every document of the patient. Blobs are left
// for the sweep.
func (s *Service) DeleteByPatient(ctx context.Context, patientID string) (int, error) {
	return s.store.DeleteByPatient(ctx, patientID)
}

// CountByEvolution reports the documents keyed by the evolution: one at most,
// and none for variants keyed by patient alone.
func (s *Service) CountByEvolution(ctx context.Context, patientID, evolutionID string) (int, error) {
	if !s.v.ByEvolution {
		return 0, nil
	}
	_, err := s.store.FindByKey(ctx, Key{PatientID: patientID, EvolutionID: evolutionID})
	if errors.Is(err, ErrDocumentNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// DeleteByEvolution removes the document keyed by the evolution together
// with the blobs only it referenced.
func (s *Service) DeleteByEvolution(ctx context.Context, patientID, evolutionID string) (int, error) {
	if !s.v.ByEvolution {
		return 0, nil
	}
	doc, err := s.store.FindByKey(ctx, Key{PatientID: patientID, EvolutionID: evolutionID})
	if errors.Is(err, ErrDocumentNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if err := s.Delete(ctx, doc.ID); errors.Is(err, ErrDocumentNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return 1, nil
}

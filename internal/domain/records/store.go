package records

import "context"

// Store persists the documents of one variant. File mutations are single
// atomic operations on the stored document; none of them rewrites the
// whole document from a stale copy.
type Store interface {
	// FindByKey returns ErrDocumentNotFound when the key has no document.
	FindByKey(ctx context.Context, key Key) (*Document, error)
	FindByID(ctx context.Context, id string) (*Document, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Document, int, error)

	// FindOrCreate returns the document for seed's key, inserting seed when
	// none exists. created reports whether seed was inserted.
	FindOrCreate(ctx context.Context, seed *Document) (doc *Document, created bool, err error)

	// AppendFile appends rec to field, creating the document from seed if
	// the key has none yet.
	AppendFile(ctx context.Context, seed *Document, field Field, rec FileRecord) (*Document, error)
	// RemoveFile pulls storedName from field. ErrFileNotFound when absent.
	RemoveFile(ctx context.Context, key Key, field Field, storedName string) (*Document, error)
	// RenameFile sets original_name of storedName in field.
	RenameFile(ctx context.Context, key Key, field Field, storedName, originalName string) (*Document, error)

	// Update applies patch. A non-zero expectedVersion must match the
	// stored version or ErrVersionConflict is returned.
	Update(ctx context.Context, id string, patch Patch, expectedVersion int64) (*Document, error)
	SetPatientName(ctx context.Context, key Key, name string) error
	DeleteByID(ctx context.Context, id string) (*Document, error)

	CountByPatient(ctx context.Context, patientID string) (int, error)
	DeleteByPatient(ctx context.Context, patientID string) (int, error)

	// CountBlobRefs counts documents holding a file record that points at
	// blobKey.
	CountBlobRefs(ctx context.Context, blobKey string) (int, error)
	// BlobKeys adds every referenced blob key to into.
	BlobKeys(ctx context.Context, into map[string]struct{}) error
}

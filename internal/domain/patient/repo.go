package patient

import "context"

// Repository persists patients. Lookups of unknown ids return
// apperror.ErrPatientNotFound; duplicate record numbers return
// apperror.ErrConflict.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error)
	// Next returns the patient with the smallest record number greater than
	// recordNumber; Previous the largest smaller one.
	Next(ctx context.Context, recordNumber int) (*Patient, error)
	Previous(ctx context.Context, recordNumber int) (*Patient, error)
}

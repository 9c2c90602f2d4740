package evolution

import "context"

// Repository persists evolutions. Unknown ids yield ErrEvolutionNotFound.
type Repository interface {
	Create(ctx context.Context, e *Evolution) error
	GetByID(ctx context.Context, id string) (*Evolution, error)
	Update(ctx context.Context, e *Evolution) error
	Delete(ctx context.Context, id string) error
	// ListByPatient returns the patient's evolutions, newest date first.
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Evolution, int, error)
	SetPatientName(ctx context.Context, id, name string) error
	CountByPatient(ctx context.Context, patientID string) (int, error)
	DeleteByPatient(ctx context.Context, patientID string) (int, error)
}

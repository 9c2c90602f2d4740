package patient

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medrecords/prontuario/internal/platform/apperror"
)

// DeletePolicy decides what happens to a patient's evolutions and record
// documents when the patient is deleted.
type DeletePolicy string

const (
	DeleteRestrict DeletePolicy = "restrict"
	DeleteCascade  DeletePolicy = "cascade"
	DeleteOrphan   DeletePolicy = "orphan"
)

// Dependent is data owned by a patient. Evolutions and each record variant
// register one so patient deletion can honour the policy.
type Dependent interface {
	Name() string
	CountByPatient(ctx context.Context, patientID string) (int, error)
	DeleteByPatient(ctx context.Context, patientID string) (int, error)
}

type Service struct {
	repo       Repository
	policy     DeletePolicy
	dependents []Dependent
	inTx       func(ctx context.Context, fn func(ctx context.Context) error) error
	logger     zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, policy: DeleteRestrict, logger: logger}
}

// SetDeletePolicy configures deletion of patients that still own data.
func (s *Service) SetDeletePolicy(policy DeletePolicy, deps ...Dependent) {
	s.policy = policy
	s.dependents = deps
}

// SetTransactor makes Delete run its dependent checks, cascade and final
// removal as one unit of work.
func (s *Service) SetTransactor(fn func(ctx context.Context, fn func(ctx context.Context) error) error) {
	s.inTx = fn
}

func (s *Service) Create(ctx context.Context, p *Patient) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	return s.repo.Create(ctx, p)
}

func (s *Service) Get(ctx context.Context, id string) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

// PatientName returns the current display name for id.
func (s *Service) PatientName(ctx context.Context, id string) (string, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

func (s *Service) Update(ctx context.Context, p *Patient) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt = existing.CreatedAt
	return s.repo.Update(ctx, p)
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// Next returns the patient following id in record-number order.
func (s *Service) Next(ctx context.Context, id string) (*Patient, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.Next(ctx, cur.RecordNumber)
}

// Previous returns the patient preceding id in record-number order.
func (s *Service) Previous(ctx context.Context, id string) (*Patient, error) {
	cur, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.Previous(ctx, cur.RecordNumber)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if s.inTx != nil {
		return s.inTx(ctx, func(ctx context.Context) error { return s.delete(ctx, id) })
	}
	return s.delete(ctx, id)
}

func (s *Service) delete(ctx context.Context, id string) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}

	switch s.policy {
	case DeleteCascade:
		for _, d := range s.dependents {
			n, err := d.DeleteByPatient(ctx, id)
			if err != nil {
				return fmt.Errorf("delete %s of patient %s: %w", d.Name(), id, err)
			}
			if n > 0 {
				s.logger.Info().Str("patient_id", id).Str("dependent", d.Name()).Int("deleted", n).Msg("cascade delete")
			}
		}
	case DeleteOrphan:
	default:
		for _, d := range s.dependents {
			n, err := d.CountByPatient(ctx, id)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: patient %s still has %d %s", apperror.ErrConflict, id, n, d.Name())
			}
		}
	}
	return s.repo.Delete(ctx, id)
}

package evolution

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/medrecords/prontuario/internal/domain/namesync"
	"github.com/medrecords/prontuario/internal/platform/apperror"
)

// DeletePolicy decides what happens to documents keyed by an evolution when
// the evolution is deleted. Values match the patient delete policy.
type DeletePolicy string

const (
	DeleteRestrict DeletePolicy = "restrict"
	DeleteCascade  DeletePolicy = "cascade"
	DeleteOrphan   DeletePolicy = "orphan"
)

// Dependent is data keyed by an evolution, such as post-operative documents.
type Dependent interface {
	Name() string
	CountByEvolution(ctx context.Context, patientID, evolutionID string) (int, error)
	DeleteByEvolution(ctx context.Context, patientID, evolutionID string) (int, error)
}

type Service struct {
	repo       Repository
	patients   namesync.NameLookup
	sync       *namesync.Syncer
	policy     DeletePolicy
	dependents []Dependent
	inTx       func(ctx context.Context, fn func(ctx context.Context) error) error
	logger     zerolog.Logger
}

func NewService(repo Repository, patients namesync.NameLookup, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		patients: patients,
		sync:     namesync.New(patients, logger),
		policy:   DeleteRestrict,
		logger:   logger,
	}
}

// SetDeletePolicy configures deletion of evolutions that still key documents.
func (s *Service) SetDeletePolicy(policy DeletePolicy, deps ...Dependent) {
	s.policy = policy
	s.dependents = deps
}

// SetTransactor makes Delete run as one unit of work.
func (s *Service) SetTransactor(fn func(ctx context.Context, fn func(ctx context.Context) error) error) {
	s.inTx = fn
}

func (s *Service) nameAccessor() namesync.Accessor[*Evolution] {
	return namesync.Accessor[*Evolution]{
		PatientID: func(e *Evolution) string { return e.PatientID },
		Name:      func(e *Evolution) string { return e.PatientName },
		SetName:   func(e *Evolution, name string) { e.PatientName = name },
		Repair: func(ctx context.Context, e *Evolution, name string) error {
			return s.repo.SetPatientName(ctx, e.ID, name)
		},
	}
}

func (s *Service) Create(ctx context.Context, e *Evolution) error {
	if err := e.Validate(); err != nil {
		return err
	}
	name, err := s.patients.PatientName(ctx, e.PatientID)
	if err != nil {
		return err
	}
	e.PatientName = name
	if e.Medications == nil {
		e.Medications = []string{}
	}
	return s.repo.Create(ctx, e)
}

func (s *Service) Get(ctx context.Context, id string) (*Evolution, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	namesync.One(ctx, s.sync, e, s.nameAccessor())
	return e, nil
}

func (s *Service) Update(ctx context.Context, id string, patch Patch) (*Evolution, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.apply(e)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, e); err != nil {
		return nil, err
	}
	namesync.One(ctx, s.sync, e, s.nameAccessor())
	return e, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if s.inTx != nil {
		return s.inTx(ctx, func(ctx context.Context) error { return s.delete(ctx, id) })
	}
	return s.delete(ctx, id)
}

func (s *Service) delete(ctx context.Context, id string) error {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch s.policy {
	case DeleteCascade:
		for _, d := range s.dependents {
			n, err := d.DeleteByEvolution(ctx, e.PatientID, id)
			if err != nil {
				return fmt.Errorf("delete %s of evolution %s: %w", d.Name(), id, err)
			}
			if n > 0 {
				s.logger.Info().Str("evolution_id", id).Str("dependent", d.Name()).Int("deleted", n).Msg("cascade delete")
			}
		}
	case DeleteOrphan:
	default:
		for _, d := range s.dependents {
			n, err := d.CountByEvolution(ctx, e.PatientID, id)
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("%w: evolution %s still has %d %s", apperror.ErrConflict, id, n, d.Name())
			}
		}
	}
	return s.repo.Delete(ctx, id)
}

// ListByPatient returns the patient's evolutions newest first with current
// patient names.
func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Evolution, int, error) {
	if patientID == "" {
		return nil, 0, apperror.Validation("patient_id is required")
	}
	list, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	namesync.Apply(ctx, s.sync, list, s.nameAccessor())
	return list, total, nil
}

// EvolutionPatient returns the id of the patient owning evolution id.
func (s *Service) EvolutionPatient(ctx context.Context, id string) (string, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return e.PatientID, nil
}

func (s *Service) Name() string { return "evolutions" }

func (s *Service) CountByPatient(ctx context.Context, patientID string) (int, error) {
	return s.repo.CountByPatient(ctx, patientID)
}

func (s *Service) DeleteByPatient(ctx context.Context, patientID string) (int, error) {
	return s.repo.DeleteByPatient(ctx, patientID)
}

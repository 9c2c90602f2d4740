package patient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medrecords/prontuario/internal/platform/apperror"
)

// -- Mock Repository --

type mockRepo struct {
	mu       sync.Mutex
	patients map[string]*Patient
}

func newMockRepo() *mockRepo {
	return &mockRepo{patients: make(map[string]*Patient)}
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.patients {
		if o.RecordNumber == p.RecordNumber {
			return fmt.Errorf("%w: duplicate record_number", apperror.ErrConflict)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, apperror.ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return apperror.ErrPatientNotFound
	}
	for id, o := range m.patients {
		if id != p.ID && o.RecordNumber == p.RecordNumber {
			return fmt.Errorf("%w: duplicate record_number", apperror.ErrConflict)
		}
	}
	cp := *p
	m.patients[p.ID] = &cp
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[id]; !ok {
		return apperror.ErrPatientNotFound
	}
	delete(m.patients, id)
	return nil
}

func (m *mockRepo) sorted() []*Patient {
	out := make([]*Patient, 0, len(m.patients))
	for _, p := range m.patients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordNumber < out[j].RecordNumber })
	return out
}

func (m *mockRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Patient
	for _, p := range m.sorted() {
		if filter.Name == "" || strings.Contains(strings.ToLower(p.Name), strings.ToLower(filter.Name)) {
			matched = append(matched, p)
		}
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *mockRepo) Next(_ context.Context, recordNumber int) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.sorted() {
		if p.RecordNumber > recordNumber {
			return p, nil
		}
	}
	return nil, apperror.ErrNotFound
}

func (m *mockRepo) Previous(_ context.Context, recordNumber int) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].RecordNumber < recordNumber {
			return all[i], nil
		}
	}
	return nil, apperror.ErrNotFound
}

type mockDependent struct {
	name    string
	counts  map[string]int
	deleted []string
	err     error
}

func (d *mockDependent) Name() string { return d.name }

func (d *mockDependent) CountByPatient(_ context.Context, patientID string) (int, error) {
	return d.counts[patientID], d.err
}

func (d *mockDependent) DeleteByPatient(_ context.Context, patientID string) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	d.deleted = append(d.deleted, patientID)
	n := d.counts[patientID]
	delete(d.counts, patientID)
	return n, nil
}

func newTestService() (*Service, *mockRepo) {
	repo := newMockRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func seed(t *testing.T, svc *Service, name string, record int) *Patient {
	t.Helper()
	p := &Patient{Name: name, RecordNumber: record}
	if err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("Create %s: %v", name, err)
	}
	return p
}

// -- Tests --

func TestService_Create(t *testing.T) {
	svc, _ := newTestService()
	p := &Patient{Name: "  Maria   da  Silva ", RecordNumber: 101, Email: " Maria@Example.com "}
	if err := svc.Create(context.Background(), p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if p.Name != "Maria da Silva" {
		t.Errorf("expected collapsed name, got %q", p.Name)
	}
	if p.Email != "maria@example.com" {
		t.Errorf("expected normalized email, got %q", p.Email)
	}
}

func TestService_Create_Validation(t *testing.T) {
	svc, _ := newTestService()
	cases := []*Patient{
		{RecordNumber: 1},
		{Name: "Sem Prontuario"},
		{Name: "Negativo", RecordNumber: -4},
	}
	for _, p := range cases {
		if err := svc.Create(context.Background(), p); !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("expected validation error for %+v, got %v", p, err)
		}
	}
}

func TestService_Create_DuplicateRecordNumber(t *testing.T) {
	svc, _ := newTestService()
	seed(t, svc, "Ana", 7)
	err := svc.Create(context.Background(), &Patient{Name: "Outra Ana", RecordNumber: 7})
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestService_PatientName(t *testing.T) {
	svc, _ := newTestService()
	p := seed(t, svc, "Joao Pereira", 3)

	name, err := svc.PatientName(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("PatientName: %v", err)
	}
	if name != "Joao Pereira" {
		t.Errorf("expected Joao Pereira, got %q", name)
	}
	if _, err := svc.PatientName(context.Background(), "missing"); !errors.Is(err, apperror.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestService_Update_KeepsCreatedAt(t *testing.T) {
	svc, repo := newTestService()
	p := seed(t, svc, "Carla", 12)
	created := repo.patients[p.ID].CreatedAt

	upd := &Patient{ID: p.ID, Name: "Carla Souza", RecordNumber: 12}
	if err := svc.Update(context.Background(), upd); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !upd.CreatedAt.Equal(created) {
		t.Error("expected created_at to be preserved")
	}
	got, _ := svc.Get(context.Background(), p.ID)
	if got.Name != "Carla Souza" {
		t.Errorf("expected updated name, got %q", got.Name)
	}
}

func TestService_Update_NotFound(t *testing.T) {
	svc, _ := newTestService()
	err := svc.Update(context.Background(), &Patient{ID: "nope", Name: "X", RecordNumber: 1})
	if !errors.Is(err, apperror.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestService_NextPrevious(t *testing.T) {
	svc, _ := newTestService()
	a := seed(t, svc, "A", 10)
	b := seed(t, svc, "B", 20)
	c := seed(t, svc, "C", 35)
	ctx := context.Background()

	next, err := svc.Next(ctx, a.ID)
	if err != nil || next.ID != b.ID {
		t.Fatalf("expected B after A, got %v %v", next, err)
	}
	next, err = svc.Next(ctx, b.ID)
	if err != nil || next.ID != c.ID {
		t.Fatalf("expected C after B, got %v %v", next, err)
	}
	if _, err := svc.Next(ctx, c.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("expected not found after last, got %v", err)
	}

	prev, err := svc.Previous(ctx, c.ID)
	if err != nil || prev.ID != b.ID {
		t.Fatalf("expected B before C, got %v %v", prev, err)
	}
	if _, err := svc.Previous(ctx, a.ID); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("expected not found before first, got %v", err)
	}
	if _, err := svc.Next(ctx, "missing"); !errors.Is(err, apperror.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound for unknown id, got %v", err)
	}
}

func TestService_Delete_RestrictBlocksWithDependents(t *testing.T) {
	svc, repo := newTestService()
	p := seed(t, svc, "Dep", 1)
	evo := &mockDependent{name: "evolutions", counts: map[string]int{p.ID: 2}}
	svc.SetDeletePolicy(DeleteRestrict, evo)

	err := svc.Delete(context.Background(), p.ID)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, ok := repo.patients[p.ID]; !ok {
		t.Error("patient must survive a restricted delete")
	}
}

func TestService_Delete_RestrictAllowsWithoutDependents(t *testing.T) {
	svc, repo := newTestService()
	p := seed(t, svc, "Solo", 1)
	svc.SetDeletePolicy(DeleteRestrict, &mockDependent{name: "avaliacoes", counts: map[string]int{}})

	if err := svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(repo.patients) != 0 {
		t.Error("expected patient to be removed")
	}
}

func TestService_Delete_Cascade(t *testing.T) {
	svc, repo := newTestService()
	p := seed(t, svc, "Cascata", 1)
	evo := &mockDependent{name: "evolutions", counts: map[string]int{p.ID: 3}}
	docs := &mockDependent{name: "exames", counts: map[string]int{p.ID: 1}}
	svc.SetDeletePolicy(DeleteCascade, evo, docs)

	if err := svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(evo.deleted) != 1 || len(docs.deleted) != 1 {
		t.Errorf("expected every dependent to be cleared, got %v %v", evo.deleted, docs.deleted)
	}
	if len(repo.patients) != 0 {
		t.Error("expected patient to be removed")
	}
}

func TestService_Delete_CascadeFailureKeepsPatient(t *testing.T) {
	svc, repo := newTestService()
	p := seed(t, svc, "Falha", 1)
	svc.SetDeletePolicy(DeleteCascade, &mockDependent{name: "exames", err: apperror.Storage("delete", errors.New("boom"))})

	if err := svc.Delete(context.Background(), p.ID); !errors.Is(err, apperror.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if _, ok := repo.patients[p.ID]; !ok {
		t.Error("patient must survive a failed cascade")
	}
}

func TestService_Delete_Orphan(t *testing.T) {
	svc, _ := newTestService()
	p := seed(t, svc, "Orfao", 1)
	evo := &mockDependent{name: "evolutions", counts: map[string]int{p.ID: 5}}
	svc.SetDeletePolicy(DeleteOrphan, evo)

	if err := svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(evo.deleted) != 0 {
		t.Error("orphan policy must not touch dependents")
	}
}

func TestService_Delete_NotFound(t *testing.T) {
	svc, _ := newTestService()
	if err := svc.Delete(context.Background(), "missing"); !errors.Is(err, apperror.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestService_Delete_RunsInTransaction(t *testing.T) {
	svc, repo := newTestService()
	p := seed(t, svc, "Transacao", 1)
	type txKey struct{}

	var seen bool
	dep := &mockDependent{name: "evolutions", counts: map[string]int{}}
	svc.SetDeletePolicy(DeleteCascade, dep)
	svc.SetTransactor(func(ctx context.Context, fn func(ctx context.Context) error) error {
		seen = true
		return fn(context.WithValue(ctx, txKey{}, true))
	})

	if err := svc.Delete(context.Background(), p.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !seen {
		t.Error("expected delete to go through the transactor")
	}
	if len(dep.deleted) != 1 || len(repo.patients) != 0 {
		t.Errorf("expected cascade and removal inside the transaction, got %v", dep.deleted)
	}
}

func TestService_Delete_TransactorError(t *testing.T) {
	svc, repo := newTestService()
	p := seed(t, svc, "Rollback", 1)
	svc.SetTransactor(func(context.Context, func(context.Context) error) error {
		return apperror.Storage("begin", errors.New("pool closed"))
	})

	if err := svc.Delete(context.Background(), p.ID); !errors.Is(err, apperror.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if _, ok := repo.patients[p.ID]; !ok {
		t.Error("patient must survive when the transaction cannot start")
	}
}

package records

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/medrecords/prontuario/internal/platform/apperror"
)

// memStore is an in-memory Store with the same atomicity as the database
// implementations: every mutation happens under one lock.
type memStore struct {
	mu         sync.Mutex
	docs       map[string]*Document
	appends    int
	nameWrites int
	nameErr    error
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*Document)}
}

func cloneDoc(d *Document) *Document {
	cp := *d
	cp.Files = make(map[Field][]FileRecord, len(d.Files))
	for f, list := range d.Files {
		cp.Files[f] = append([]FileRecord(nil), list...)
	}
	if d.ScheduledSurgeryDate != nil {
		sd := *d.ScheduledSurgeryDate
		cp.ScheduledSurgeryDate = &sd
	}
	return &cp
}

func (m *memStore) byKey(k Key) *Document {
	for _, d := range m.docs {
		if d.Key() == k {
			return d
		}
	}
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs)
}

func (m *memStore) FindByKey(_ context.Context, key Key) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.byKey(key)
	if d == nil {
		return nil, ErrDocumentNotFound
	}
	return cloneDoc(d), nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return cloneDoc(d), nil
}

func (m *memStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Document, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Document
	for _, d := range m.docs {
		if d.PatientID == patientID {
			out = append(out, cloneDoc(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EvolutionID < out[j].EvolutionID })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *memStore) insert(seed *Document) *Document {
	d := cloneDoc(seed)
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	seed.ID = d.ID
	m.docs[d.ID] = d
	return d
}

func (m *memStore) FindOrCreate(_ context.Context, seed *Document) (*Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.byKey(seed.Key()); d != nil {
		return cloneDoc(d), false, nil
	}
	d := m.insert(seed)
	d.Version = 1
	return cloneDoc(d), true, nil
}

func (m *memStore) AppendFile(_ context.Context, seed *Document, field Field, rec FileRecord) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	d := m.byKey(seed.Key())
	if d == nil {
		d = m.insert(seed)
	}
	d.Files[field] = append(d.Files[field], rec)
	d.Version++
	return cloneDoc(d), nil
}

func (m *memStore) RemoveFile(_ context.Context, key Key, field Field, storedName string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.byKey(key)
	if d == nil {
		return nil, ErrFileNotFound
	}
	list := d.Files[field]
	for i, r := range list {
		if r.StoredName == storedName {
			d.Files[field] = append(list[:i:i], list[i+1:]...)
			d.Version++
			return cloneDoc(d), nil
		}
	}
	return nil, ErrFileNotFound
}

func (m *memStore) RenameFile(_ context.Context, key Key, field Field, storedName, originalName string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.byKey(key)
	if d == nil {
		return nil, ErrFileNotFound
	}
	for i, r := range d.Files[field] {
		if r.StoredName == storedName {
			d.Files[field][i].OriginalName = originalName
			d.Version++
			return cloneDoc(d), nil
		}
	}
	return nil, ErrFileNotFound
}

func (m *memStore) Update(_ context.Context, id string, patch Patch, expectedVersion int64) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	if expectedVersion > 0 && d.Version != expectedVersion {
		return nil, apperror.ErrVersionConflict
	}
	patch.apply(d)
	d.Version++
	return cloneDoc(d), nil
}

func (m *memStore) SetPatientName(_ context.Context, key Key, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nameErr != nil {
		return m.nameErr
	}
	m.nameWrites++
	if d := m.byKey(key); d != nil {
		d.PatientName = name
	}
	return nil
}

func (m *memStore) DeleteByID(_ context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	delete(m.docs, id)
	return d, nil
}

func (m *memStore) CountByPatient(_ context.Context, patientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.docs {
		if d.PatientID == patientID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteByPatient(_ context.Context, patientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.docs {
		if d.PatientID == patientID {
			delete(m.docs, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountBlobRefs(_ context.Context, blobKey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.docs {
		for _, k := range d.BlobKeys() {
			if k == blobKey {
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *memStore) BlobKeys(_ context.Context, into map[string]struct{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		for _, k := range d.BlobKeys() {
			into[k] = struct{}{}
		}
	}
	return nil
}

type fakePatients map[string]string

func (f fakePatients) PatientName(_ context.Context, id string) (string, error) {
	name, ok := f[id]
	if !ok {
		return "", apperror.ErrPatientNotFound
	}
	return name, nil
}

type fakeEvolutions map[string]string

func (f fakeEvolutions) EvolutionPatient(_ context.Context, id string) (string, error) {
	owner, ok := f[id]
	if !ok {
		return "", apperror.ErrNotFound
	}
	return owner, nil
}

type opCounter struct {
	mu  sync.Mutex
	ops map[string]int
}

func (o *opCounter) FileOp(variant, op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ops == nil {
		o.ops = make(map[string]int)
	}
	o.ops[variant+"/"+op]++
}

package namesync

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	ID          string
	PatientID   string
	PatientName string
}

type fakeLookup struct {
	names map[string]string
	err   error
	calls map[string]int
}

func (f *fakeLookup) PatientName(_ context.Context, id string) (string, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[id]++
	if f.err != nil {
		return "", f.err
	}
	name, ok := f.names[id]
	if !ok {
		return "", errors.New("patient not found")
	}
	return name, nil
}

type repairLog struct {
	repaired map[string]string
	err      error
}

func (r *repairLog) accessor() Accessor[*note] {
	return Accessor[*note]{
		PatientID: func(n *note) string { return n.PatientID },
		Name:      func(n *note) string { return n.PatientName },
		SetName:   func(n *note, name string) { n.PatientName = name },
		Repair: func(_ context.Context, n *note, name string) error {
			if r.err != nil {
				return r.err
			}
			if r.repaired == nil {
				r.repaired = make(map[string]string)
			}
			r.repaired[n.ID] = name
			return nil
		},
	}
}

func TestApply_RefreshesStaleNames(t *testing.T) {
	lookup := &fakeLookup{names: map[string]string{"p1": "Maria Souza"}}
	s := New(lookup, zerolog.Nop())
	log := &repairLog{}

	notes := []*note{
		{ID: "e1", PatientID: "p1", PatientName: "Maria Silva"},
		{ID: "e2", PatientID: "p1", PatientName: "Maria Souza"},
	}
	fixed := Apply(context.Background(), s, notes, log.accessor())

	assert.Equal(t, 1, fixed)
	assert.Equal(t, "Maria Souza", notes[0].PatientName)
	assert.Equal(t, map[string]string{"e1": "Maria Souza"}, log.repaired)
}

func TestApply_MemoizesLookupsPerCall(t *testing.T) {
	lookup := &fakeLookup{names: map[string]string{"p1": "A", "p2": "B"}}
	s := New(lookup, zerolog.Nop())
	log := &repairLog{}

	notes := []*note{
		{ID: "1", PatientID: "p1"}, {ID: "2", PatientID: "p1"}, {ID: "3", PatientID: "p2"}, {ID: "4", PatientID: "p1"},
	}
	Apply(context.Background(), s, notes, log.accessor())

	assert.Equal(t, 1, lookup.calls["p1"])
	assert.Equal(t, 1, lookup.calls["p2"])
	assert.Len(t, log.repaired, 4)
}

func TestApply_LookupFailureKeepsStaleName(t *testing.T) {
	lookup := &fakeLookup{err: errors.New("connection refused")}
	s := New(lookup, zerolog.Nop())
	log := &repairLog{}

	notes := []*note{{ID: "e1", PatientID: "p1", PatientName: "Nome Antigo"}}
	fixed := Apply(context.Background(), s, notes, log.accessor())

	assert.Zero(t, fixed)
	assert.Equal(t, "Nome Antigo", notes[0].PatientName)
	assert.Empty(t, log.repaired)
}

func TestApply_MissingPatientKeepsStaleName(t *testing.T) {
	s := New(&fakeLookup{names: map[string]string{}}, zerolog.Nop())
	notes := []*note{{ID: "e1", PatientID: "gone", PatientName: "Cache"}}

	Apply(context.Background(), s, notes, (&repairLog{}).accessor())

	assert.Equal(t, "Cache", notes[0].PatientName)
}

func TestApply_RepairFailureStillReturnsCurrentName(t *testing.T) {
	lookup := &fakeLookup{names: map[string]string{"p1": "Nome Novo"}}
	s := New(lookup, zerolog.Nop())
	log := &repairLog{err: errors.New("write failed")}

	notes := []*note{{ID: "e1", PatientID: "p1", PatientName: "Nome Velho"}}
	fixed := Apply(context.Background(), s, notes, log.accessor())

	require.Equal(t, 1, fixed)
	assert.Equal(t, "Nome Novo", notes[0].PatientName)
}

func TestApply_SkipsItemsWithoutPatient(t *testing.T) {
	lookup := &fakeLookup{names: map[string]string{}}
	s := New(lookup, zerolog.Nop())

	Apply(context.Background(), s, []*note{{ID: "x"}}, (&repairLog{}).accessor())

	assert.Empty(t, lookup.calls)
}

func TestApply_NilSyncer(t *testing.T) {
	notes := []*note{{ID: "e1", PatientID: "p1", PatientName: "Keep"}}
	assert.Zero(t, Apply(context.Background(), nil, notes, (&repairLog{}).accessor()))
	assert.Equal(t, "Keep", notes[0].PatientName)
}

func TestOne(t *testing.T) {
	s := New(&fakeLookup{names: map[string]string{"p1": "Atual"}}, zerolog.Nop())
	n := &note{ID: "e1", PatientID: "p1", PatientName: "Antigo"}

	assert.True(t, One(context.Background(), s, n, (&repairLog{}).accessor()))
	assert.Equal(t, "Atual", n.PatientName)
	assert.False(t, One(context.Background(), s, n, (&repairLog{}).accessor()))
}

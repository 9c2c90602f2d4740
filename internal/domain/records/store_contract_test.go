package records

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrecords/prontuario/internal/platform/apperror"
)

// storeFactory returns an empty Store for v.
type storeFactory func(t *testing.T, v Variant) Store

func contractRecord(name string) FileRecord {
	return FileRecord{
		OriginalName: name,
		StoredName:   uuid.NewString() + ".pdf",
		MimeType:     "application/pdf",
		SizeBytes:    10,
		BlobKey:      "blob-" + name,
		UploadedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

// runStoreContract checks the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	seedFor := func(patientID, evolutionID string) *Document {
		return &Document{PatientID: patientID, EvolutionID: evolutionID, PatientName: "Maria Silva", Files: map[Field][]FileRecord{}}
	}

	t.Run("FindByKeyMissing", func(t *testing.T) {
		s := newStore(t, Avaliacao)
		_, err := s.FindByKey(ctx, Key{PatientID: uuid.NewString()})
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})

	t.Run("AppendCreatesThenAppends", func(t *testing.T) {
		s := newStore(t, Avaliacao)
		pid := uuid.NewString()

		doc, err := s.AppendFile(ctx, seedFor(pid, ""), FieldOutros, contractRecord("a"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.Version)
		assert.Equal(t, "Maria Silva", doc.PatientName)

		doc, err = s.AppendFile(ctx, seedFor(pid, ""), FieldOutros, contractRecord("b"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), doc.Version)
		require.Len(t, doc.Files[FieldOutros], 2)
		assert.Equal(t, "a", doc.Files[FieldOutros][0].OriginalName)
		assert.Equal(t, "b", doc.Files[FieldOutros][1].OriginalName)
	})

	t.Run("ConcurrentAppendsShareOneDocument", func(t *testing.T) {
		s := newStore(t, Exame)
		pid := uuid.NewString()

		const n = 8
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.AppendFile(ctx, seedFor(pid, ""), FieldUSG, contractRecord(fmt.Sprintf("f%d", i)))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		n2, err := s.CountByPatient(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, 1, n2)
		doc, err := s.FindByKey(ctx, Key{PatientID: pid})
		require.NoError(t, err)
		assert.Len(t, doc.Files[FieldUSG], n)
		assert.Equal(t, int64(n), doc.Version)
	})

	t.Run("RemoveFile", func(t *testing.T) {
		s := newStore(t, Exame)
		pid := uuid.NewString()
		keep, drop := contractRecord("keep"), contractRecord("drop")
		_, err := s.AppendFile(ctx, seedFor(pid, ""), FieldECG, keep)
		require.NoError(t, err)
		_, err = s.AppendFile(ctx, seedFor(pid, ""), FieldECG, drop)
		require.NoError(t, err)

		key := Key{PatientID: pid}
		doc, err := s.RemoveFile(ctx, key, FieldECG, drop.StoredName)
		require.NoError(t, err)
		require.Len(t, doc.Files[FieldECG], 1)
		assert.Equal(t, keep.StoredName, doc.Files[FieldECG][0].StoredName)
		assert.Equal(t, int64(3), doc.Version)

		_, err = s.RemoveFile(ctx, key, FieldECG, drop.StoredName)
		assert.ErrorIs(t, err, ErrFileNotFound)
		_, err = s.RemoveFile(ctx, key, FieldUSG, keep.StoredName)
		assert.ErrorIs(t, err, ErrFileNotFound, "record lives in another field")
		_, err = s.RemoveFile(ctx, Key{PatientID: uuid.NewString()}, FieldECG, keep.StoredName)
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("RenameFile", func(t *testing.T) {
		s := newStore(t, PosOp)
		pid, eid := uuid.NewString(), uuid.NewString()
		a, b := contractRecord("a"), contractRecord("b")
		_, err := s.AppendFile(ctx, seedFor(pid, eid), FieldImagens, a)
		require.NoError(t, err)
		_, err = s.AppendFile(ctx, seedFor(pid, eid), FieldImagens, b)
		require.NoError(t, err)

		key := Key{PatientID: pid, EvolutionID: eid}
		doc, err := s.RenameFile(ctx, key, FieldImagens, b.StoredName, "raio-x.png")
		require.NoError(t, err)
		assert.Equal(t, "a", doc.Files[FieldImagens][0].OriginalName)
		assert.Equal(t, "raio-x.png", doc.Files[FieldImagens][1].OriginalName)
		assert.Equal(t, b.StoredName, doc.Files[FieldImagens][1].StoredName)

		_, err = s.RenameFile(ctx, key, FieldImagens, "missing.png", "x")
		assert.ErrorIs(t, err, ErrFileNotFound)
	})

	t.Run("FindOrCreate", func(t *testing.T) {
		s := newStore(t, ExamePreop)
		pid := uuid.NewString()
		seed := seedFor(pid, "")
		seed.Status = StatusPendente

		first, created, err := s.FindOrCreate(ctx, seed)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, StatusPendente, first.Status)

		second, created, err := s.FindOrCreate(ctx, seedFor(pid, ""))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("UpdateVersionCheck", func(t *testing.T) {
		s := newStore(t, Avaliacao)
		doc, _, err := s.FindOrCreate(ctx, seedFor(uuid.NewString(), ""))
		require.NoError(t, err)
		obs := "revisado"

		_, err = s.Update(ctx, doc.ID, Patch{ObservacoesGeral: &obs}, doc.Version+1)
		assert.ErrorIs(t, err, apperror.ErrVersionConflict)

		updated, err := s.Update(ctx, doc.ID, Patch{ObservacoesGeral: &obs}, doc.Version)
		require.NoError(t, err)
		assert.Equal(t, obs, updated.ObservacoesGeral)
		assert.Equal(t, doc.Version+1, updated.Version)

		_, err = s.Update(ctx, uuid.NewString(), Patch{ObservacoesGeral: &obs}, 1)
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})

	t.Run("BlobReferences", func(t *testing.T) {
		s := newStore(t, Exame)
		rec := contractRecord("shared-" + uuid.NewString())
		for i := 0; i < 2; i++ {
			_, err := s.AppendFile(ctx, seedFor(uuid.NewString(), ""), FieldRX, rec)
			require.NoError(t, err)
		}

		n, err := s.CountBlobRefs(ctx, rec.BlobKey)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		keys := map[string]struct{}{}
		require.NoError(t, s.BlobKeys(ctx, keys))
		assert.Contains(t, keys, rec.BlobKey)
	})

	t.Run("DeleteByIDAndPatient", func(t *testing.T) {
		s := newStore(t, Avaliacao)
		pid := uuid.NewString()
		doc, err := s.AppendFile(ctx, seedFor(pid, ""), FieldOutros, contractRecord("a"))
		require.NoError(t, err)

		gone, err := s.DeleteByID(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.ID, gone.ID)
		_, err = s.DeleteByID(ctx, doc.ID)
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		_, err = s.AppendFile(ctx, seedFor(pid, ""), FieldOutros, contractRecord("b"))
		require.NoError(t, err)
		n, err := s.DeleteByPatient(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestMemStore_Contract(t *testing.T) {
	runStoreContract(t, func(*testing.T, Variant) Store { return newMemStore() })
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/medrecords/prontuario/internal/platform/blobstore"
)

// References reports which blobs documents point at.
type References interface {
	ReferencedBlobs(ctx context.Context) (map[string]struct{}, error)
	CountBlobRefs(ctx context.Context, blobKey string) (int, error)
}

// GCResult summarizes one sweep.
type GCResult struct {
	Scanned    int `json:"scanned"`
	Referenced int `json:"referenced"`
	Young      int `json:"young"`
	Deleted    int `json:"deleted"`
	Failed     int `json:"failed"`
}

// BlobGC deletes blobs no document references. Blobs younger than the
// grace period are kept since their document write may still be in flight.
type BlobGC struct {
	blobs  blobstore.BlobStore
	refs   References
	grace  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

func NewBlobGC(blobs blobstore.BlobStore, refs References, grace time.Duration, logger zerolog.Logger) *BlobGC {
	return &BlobGC{
		blobs:  blobs,
		refs:   refs,
		grace:  grace,
		logger: logger.With().Str("job", "blob_gc").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one sweep. Blobs are listed before references are read, so
// a document written during the sweep protects its blob.
func (g *BlobGC) Run(ctx context.Context) (GCResult, error) {
	var res GCResult
	infos, err := g.blobs.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list blobs: %w", err)
	}
	refs, err := g.refs.ReferencedBlobs(ctx)
	if err != nil {
		return res, fmt.Errorf("read blob references: %w", err)
	}

	cutoff := g.now().Add(-g.grace)
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++
		if _, ok := refs[info.Key]; ok {
			res.Referenced++
			continue
		}
		if info.CreatedAt.After(cutoff) {
			res.Young++
			continue
		}
		// recheck right before deleting; an upload may have landed after
		// the snapshot
		if n, err := g.refs.CountBlobRefs(ctx, info.Key); err != nil || n > 0 {
			if err != nil {
				g.logger.Warn().Err(err).Str("blob_key", info.Key).Msg("recount blob references")
				res.Failed++
			} else {
				res.Referenced++
			}
			continue
		}
		if err := g.blobs.Delete(ctx, info.Key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			g.logger.Warn().Err(err).Str("blob_key", info.Key).Msg("delete unreferenced blob")
			res.Failed++
			continue
		}
		res.Deleted++
	}

	g.logger.Info().
		Int("scanned", res.Scanned).
		Int("referenced", res.Referenced).
		Int("young", res.Young).
		Int("deleted", res.Deleted).
		Int("failed", res.Failed).
		Msg("blob sweep finished")
	return res, nil
}

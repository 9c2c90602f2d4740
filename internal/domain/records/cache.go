package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// invalidated marks a key whose document just changed. Fills only write
// absent keys, so a reader that fetched the old document before the change
// cannot re-cache it while the marker lives.
const (
	invalidated       = "invalidated"
	invalidationFence = 5 * time.Second
)

// CachedStore serves FindByKey from Redis and fences the cached entry after
// every mutation of the key. Cache failures fall through to the store.
type CachedStore struct {
	Store
	rdb    redis.UniversalClient
	v      Variant
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedStore(store Store, rdb redis.UniversalClient, v Variant, ttl time.Duration, logger zerolog.Logger) *CachedStore {
	return &CachedStore{Store: store, rdb: rdb, v: v, ttl: ttl, logger: logger}
}

func (c *CachedStore) cacheKey(k Key) string {
	return fmt.Sprintf("records:%s:%s:%s", c.v.Name, k.PatientID, k.EvolutionID)
}

func (c *CachedStore) FindByKey(ctx context.Context, key Key) (*Document, error) {
	ck := c.cacheKey(key)
	raw, err := c.rdb.Get(ctx, ck).Bytes()
	switch {
	case err == nil && string(raw) != invalidated:
		var d Document
		if err := json.Unmarshal(raw, &d); err == nil {
			return &d, nil
		}
	case err != nil && !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("key", ck).Msg("cache get")
	}

	d, err := c.Store.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(d); err == nil {
		if err := c.rdb.SetNX(ctx, ck, raw, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("key", ck).Msg("cache set")
		}
	}
	return d, nil
}

func (c *CachedStore) fence(ctx context.Context, ck string) {
	if err := c.rdb.Set(ctx, ck, invalidated, invalidationFence).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", ck).Msg("cache invalidate")
	}
}

func (c *CachedStore) invalidate(ctx context.Context, key Key) {
	c.fence(ctx, c.cacheKey(key))
}

func (c *CachedStore) after(ctx context.Context, d *Document, err error) (*Document, error) {
	if d != nil {
		c.invalidate(ctx, d.Key())
	}
	return d, err
}

func (c *CachedStore) FindOrCreate(ctx context.Context, seed *Document) (*Document, bool, error) {
	d, created, err := c.Store.FindOrCreate(ctx, seed)
	if created {
		c.invalidate(ctx, d.Key())
	}
	return d, created, err
}

func (c *CachedStore) AppendFile(ctx context.Context, seed *Document, field Field, rec FileRecord) (*Document, error) {
	d, err := c.Store.AppendFile(ctx, seed, field, rec)
	return c.after(ctx, d, err)
}

func (c *CachedStore) RemoveFile(ctx context.Context, key Key, field Field, storedName string) (*Document, error) {
	d, err := c.Store.RemoveFile(ctx, key, field, storedName)
	return c.after(ctx, d, err)
}

func (c *CachedStore) RenameFile(ctx context.Context, key Key, field Field, storedName, originalName string) (*Document, error) {
	d, err := c.Store.RenameFile(ctx, key, field, storedName, originalName)
	return c.after(ctx, d, err)
}

func (c *CachedStore) Update(ctx context.Context, id string, patch Patch, expectedVersion int64) (*Document, error) {
	d, err := c.Store.Update(ctx, id, patch, expectedVersion)
	return c.after(ctx, d, err)
}

func (c *CachedStore) SetPatientName(ctx context.Context, key Key, name string) error {
	err := c.Store.SetPatientName(ctx, key, name)
	c.invalidate(ctx, key)
	return err
}

func (c *CachedStore) DeleteByID(ctx context.Context, id string) (*Document, error) {
	d, err := c.Store.DeleteByID(ctx, id)
	return c.after(ctx, d, err)
}

func (c *CachedStore) DeleteByPatient(ctx context.Context, patientID string) (int, error) {
	n, err := c.Store.DeleteByPatient(ctx, patientID)
	pattern := fmt.Sprintf("records:%s:%s:*", c.v.Name, patientID)
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		c.fence(ctx, iter.Val())
	}
	if ierr := iter.Err(); ierr != nil {
		c.logger.Warn().Err(ierr).Str("pattern", pattern).Msg("cache scan")
	}
	return n, err
}

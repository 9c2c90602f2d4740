package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSBlobStore keeps blobs in a GridFS bucket of the application
// database. The content key is used as the GridFS file _id.
type GridFSBlobStore struct {
	bucket *gridfs.Bucket
}

// NewGridFSBlobStore opens the named bucket (default "blobs").
func NewGridFSBlobStore(db *mongo.Database, name string) (*GridFSBlobStore, error) {
	if name == "" {
		name = "blobs"
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(name))
	if err != nil {
		return nil, fmt.Errorf("open gridfs bucket %s: %w", name, err)
	}
	return &GridFSBlobStore{bucket: bucket}, nil
}

type gridfsFile struct {
	ID         string    `bson:"_id"`
	Length     int64     `bson:"length"`
	UploadDate time.Time `bson:"uploadDate"`
}

func (s *GridFSBlobStore) stat(ctx context.Context, key string) (*gridfsFile, error) {
	var f gridfsFile
	err := s.bucket.GetFilesCollection().FindOne(ctx, bson.M{"_id": key}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gridfs stat %s: %w", key, err)
	}
	return &f, nil
}

func (s *GridFSBlobStore) Put(ctx context.Context, data []byte) (Info, error) {
	key := KeyOf(data)
	now := time.Now().UTC()
	res, err := s.bucket.GetFilesCollection().UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"uploadDate": now}})
	if err != nil {
		return Info{}, fmt.Errorf("gridfs touch %s: %w", key, err)
	}
	if res.MatchedCount > 0 {
		return Info{Key: key, Size: int64(len(data)), CreatedAt: now}, nil
	}

	err = s.bucket.UploadFromStreamWithID(key, key, bytes.NewReader(data))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return Info{}, fmt.Errorf("gridfs upload %s: %w", key, err)
	}
	return Info{Key: key, Size: int64(len(data)), CreatedAt: now}, nil
}

func (s *GridFSBlobStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if _, err := s.stat(ctx, key); err != nil {
		return nil, err
	}
	stream, err := s.bucket.OpenDownloadStream(key)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("gridfs open %s: %w", key, err)
	}
	return stream, nil
}

func (s *GridFSBlobStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := s.bucket.DeleteContext(ctx, key)
	if errors.Is(err, gridfs.ErrFileNotFound) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("gridfs delete %s: %w", key, err)
	}
	return nil
}

func (s *GridFSBlobStore) List(ctx context.Context) ([]Info, error) {
	cur, err := s.bucket.GetFilesCollection().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("gridfs list: %w", err)
	}
	var files []gridfsFile
	if err := cur.All(ctx, &files); err != nil {
		return nil, fmt.Errorf("gridfs list: %w", err)
	}
	out := make([]Info, 0, len(files))
	for _, f := range files {
		if !ValidKey(f.ID) {
			continue
		}
		out = append(out, Info{Key: f.ID, Size: f.Length, CreatedAt: f.UploadDate})
	}
	return out, nil
}

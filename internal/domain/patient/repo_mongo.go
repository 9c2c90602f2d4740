package patient

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/medrecords/prontuario/internal/platform/apperror"
	"github.com/medrecords/prontuario/internal/platform/mongodb"
)

const Collection = "pacientes"

// Indexes lists the indexes the Mongo repository relies on.
func Indexes() []mongodb.Index {
	return []mongodb.Index{
		{Collection: Collection, Keys: bson.D{{Key: "record_number", Value: 1}}, Unique: true, Name: "uniq_record_number"},
		{Collection: Collection, Keys: bson.D{{Key: "name", Value: 1}}, Name: "idx_name"},
	}
}

type repoMongo struct {
	coll *mongo.Collection
}

func NewMongoRepo(db *mongo.Database) Repository {
	return &repoMongo{coll: db.Collection(Collection)}
}

func (r *repoMongo) Create(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	_, err := r.coll.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: record_number %d already in use", apperror.ErrConflict, p.RecordNumber)
	}
	return apperror.Storage("insert patient", err)
}

func (r *repoMongo) GetByID(ctx context.Context, id string) (*Patient, error) {
	return r.findOne(ctx, bson.M{"_id": id}, nil, apperror.ErrPatientNotFound)
}

func (r *repoMongo) findOne(ctx context.Context, filter bson.M, opts *options.FindOneOptions, notFound error) (*Patient, error) {
	if opts == nil {
		opts = options.FindOne()
	}
	var p Patient
	err := r.coll.FindOne(ctx, filter, opts).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperror.Storage("find patient", err)
	}
	return &p, nil
}

func (r *repoMongo) Update(ctx context.Context, p *Patient) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": p.ID}, bson.M{"$set": bson.M{
		"name":          p.Name,
		"record_number": p.RecordNumber,
		"cpf":           p.CPF,
		"birth_date":    p.BirthDate,
		"sex":           p.Sex,
		"phone":         p.Phone,
		"email":         p.Email,
		"address":       p.Address,
		"clinical":      p.Clinical,
		"updated_at":    p.UpdatedAt,
	}})
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: record_number %d already in use", apperror.ErrConflict, p.RecordNumber)
	}
	if err != nil {
		return apperror.Storage("update patient", err)
	}
	if res.MatchedCount == 0 {
		return apperror.ErrPatientNotFound
	}
	return nil
}

func (r *repoMongo) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperror.Storage("delete patient", err)
	}
	if res.DeletedCount == 0 {
		return apperror.ErrPatientNotFound
	}
	return nil
}

func (r *repoMongo) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Patient, int, error) {
	q := bson.M{}
	if filter.Name != "" {
		q["name"] = bson.M{"$regex": regexp.QuoteMeta(filter.Name), "$options": "i"}
	}

	total, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, apperror.Storage("count patients", err)
	}

	cur, err := r.coll.Find(ctx, q, options.Find().
		SetSort(bson.D{{Key: "record_number", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, apperror.Storage("list patients", err)
	}
	var out []*Patient
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, apperror.Storage("list patients", err)
	}
	return out, int(total), nil
}

func (r *repoMongo) Next(ctx context.Context, recordNumber int) (*Patient, error) {
	return r.findOne(ctx,
		bson.M{"record_number": bson.M{"$gt": recordNumber}},
		options.FindOne().SetSort(bson.D{{Key: "record_number", Value: 1}}),
		fmt.Errorf("%w: no patient after record %d", apperror.ErrNotFound, recordNumber))
}

func (r *repoMongo) Previous(ctx context.Context, recordNumber int) (*Patient, error) {
	return r.findOne(ctx,
		bson.M{"record_number": bson.M{"$lt": recordNumber}},
		options.FindOne().SetSort(bson.D{{Key: "record_number", Value: -1}}),
		fmt.Errorf("%w: no patient before record %d", apperror.ErrNotFound, recordNumber))
}

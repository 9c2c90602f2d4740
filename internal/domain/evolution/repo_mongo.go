package evolution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/medrecords/prontuario/internal/platform/apperror"
	"github.com/medrecords/prontuario/internal/platform/mongodb"
)

const Collection = "evolucoes"

func Indexes() []mongodb.Index {
	return []mongodb.Index{
		{Collection: Collection, Keys: bson.D{{Key: "patient_id", Value: 1}, {Key: "date", Value: -1}}, Name: "idx_patient_date"},
	}
}

type repoMongo struct {
	coll *mongo.Collection
}

func NewMongoRepo(db *mongo.Database) Repository {
	return &repoMongo{coll: db.Collection(Collection)}
}

func (r *repoMongo) Create(ctx context.Context, e *Evolution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Medications == nil {
		e.Medications = []string{}
	}
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err := r.coll.InsertOne(ctx, e)
	return apperror.Storage("insert evolution", err)
}

func (r *repoMongo) GetByID(ctx context.Context, id string) (*Evolution, error) {
	var e Evolution
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEvolutionNotFound
	}
	if err != nil {
		return nil, apperror.Storage("find evolution", err)
	}
	return &e, nil
}

func (r *repoMongo) Update(ctx context.Context, e *Evolution) error {
	e.UpdatedAt = time.Now().UTC()
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": e.ID}, bson.M{"$set": bson.M{
		"date":         e.Date,
		"weight_kg":    e.WeightKG,
		"medications":  e.Medications,
		"altered_labs": e.AlteredLabs,
		"notes":        e.Notes,
		"updated_at":   e.UpdatedAt,
	}})
	if err != nil {
		return apperror.Storage("update evolution", err)
	}
	if res.MatchedCount == 0 {
		return ErrEvolutionNotFound
	}
	return nil
}

func (r *repoMongo) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperror.Storage("delete evolution", err)
	}
	if res.DeletedCount == 0 {
		return ErrEvolutionNotFound
	}
	return nil
}

func (r *repoMongo) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Evolution, int, error) {
	filter := bson.M{"patient_id": patientID}
	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, apperror.Storage("count evolutions", err)
	}
	cur, err := r.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}, {Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, apperror.Storage("list evolutions", err)
	}
	var out []*Evolution
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, apperror.Storage("list evolutions", err)
	}
	return out, int(total), nil
}

func (r *repoMongo) SetPatientName(ctx context.Context, id, name string) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"patient_name": name}})
	return apperror.Storage("set evolution patient name", err)
}

func (r *repoMongo) CountByPatient(ctx context.Context, patientID string) (int, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"patient_id": patientID})
	if err != nil {
		return 0, apperror.Storage("count evolutions", err)
	}
	return int(n), nil
}

func (r *repoMongo) DeleteByPatient(ctx context.Context, patientID string) (int, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"patient_id": patientID})
	if err != nil {
		return 0, apperror.Storage("delete evolutions", err)
	}
	return int(res.DeletedCount), nil
}

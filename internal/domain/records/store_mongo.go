package records

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

// MongoIndexes returns the indexes of v's collection. The unique key index
// guarantees at most one document per patient (and evolution).
func MongoIndexes(v Variant) []mongodb.Index {
	return []mongodb.Index{
		{
			Collection: v.Collection,
			Keys:       bson.D{{Key: "patient_id", Value: 1}, {Key: "evolution_id", Value: 1}},
			Unique:     true,
			Name:       "uniq_patient_evolution",
		},
		{
			Collection: v.Collection,
			Keys:       bson.D{{Key: "files.$**", Value: 1}},
			Name:       "idx_files",
		},
	}
}

type mongoStore struct {
	v    Variant
	coll *mongo.Collection
}

func NewMongoStore(db *mongo.Database, v Variant) Store {
	return &mongoStore{v: v, coll: db.Collection(v.Collection)}
}

func keyFilter(k Key) bson.M {
	return bson.M{"patient_id": k.PatientID, "evolution_id": k.EvolutionID}
}

func fileFilter(k Key, field Field, storedName string) bson.M {
	f := keyFilter(k)
	f["files."+string(field)+".stored_name"] = storedName
	return f
}

func after() *options.FindOneAndUpdateOptions {
	return options.FindOneAndUpdate().SetReturnDocument(options.After)
}

// onInsert holds the fields written only when an upsert creates the
// document.
func (s *mongoStore) onInsert(seed *Document, now time.Time) bson.M {
	if seed.ID == "" {
		seed.ID = uuid.NewString()
	}
	m := bson.M{
		"_id":          seed.ID,
		"variant":      s.v.Name,
		"patient_name": seed.PatientName,
		"created_at":   now,
	}
	if seed.Status != "" {
		m["status"] = seed.Status
	}
	return m
}

func (s *mongoStore) decodeOne(res *mongo.SingleResult, notFound error, op string) (*Document, error) {
	var d Document
	err := res.Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperror.Storage(op, err)
	}
	return &d, nil
}

func (s *mongoStore) FindByKey(ctx context.Context, key Key) (*Document, error) {
	return s.decodeOne(s.coll.FindOne(ctx, keyFilter(key)), ErrDocumentNotFound, "find "+s.v.Collection)
}

func (s *mongoStore) FindByID(ctx context.Context, id string) (*Document, error) {
	return s.decodeOne(s.coll.FindOne(ctx, bson.M{"_id": id}), ErrDocumentNotFound, "find "+s.v.Collection)
}

func (s *mongoStore) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Document, int, error) {
	filter := bson.M{"patient_id": patientID}
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, apperror.Storage("count "+s.v.Collection, err)
	}
	cur, err := s.coll.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, 0, apperror.Storage("list "+s.v.Collection, err)
	}
	var out []*Document
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, apperror.Storage("list "+s.v.Collection, err)
	}
	return out, int(total), nil
}

func (s *mongoStore) FindOrCreate(ctx context.Context, seed *Document) (*Document, bool, error) {
	now := time.Now().UTC()
	ins := s.onInsert(seed, now)
	ins["files"] = bson.M{}
	ins["version"] = int64(1)
	ins["updated_at"] = now

	opts := after().SetUpsert(true)
	for attempt := 0; ; attempt++ {
		doc, err := s.decodeOne(
			s.coll.FindOneAndUpdate(ctx, keyFilter(seed.Key()), bson.M{"$setOnInsert": ins}, opts),
			ErrDocumentNotFound, "upsert "+s.v.Collection)
		// two concurrent upserts on a missing key: the loser hits the unique
		// index and the retry matches the winner's document
		if attempt == 0 && mongo.IsDuplicateKeyError(err) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return doc, doc.ID == seed.ID, nil
	}
}

func (s *mongoStore) AppendFile(ctx context.Context, seed *Document, field Field, rec FileRecord) (*Document, error) {
	now := time.Now().UTC()
	update := pushFileUpdate(field, rec, now, s.onInsert(seed, now))
	opts := after().SetUpsert(true)
	for attempt := 0; ; attempt++ {
		doc, err := s.decodeOne(
			s.coll.FindOneAndUpdate(ctx, keyFilter(seed.Key()), update, opts),
			ErrDocumentNotFound, "append to "+s.v.Collection)
		if attempt == 0 && mongo.IsDuplicateKeyError(err) {
			continue
		}
		return doc, err
	}
}

func (s *mongoStore) RemoveFile(ctx context.Context, key Key, field Field, storedName string) (*Document, error) {
	return s.decodeOne(
		s.coll.FindOneAndUpdate(ctx, fileFilter(key, field, storedName), pullFileUpdate(field, storedName, time.Now().UTC()), after()),
		ErrFileNotFound, "remove from "+s.v.Collection)
}

func (s *mongoStore) RenameFile(ctx context.Context, key Key, field Field, storedName, originalName string) (*Document, error) {
	opts := after().SetArrayFilters(options.ArrayFilters{Filters: renameArrayFilters(storedName)})
	return s.decodeOne(
		s.coll.FindOneAndUpdate(ctx, fileFilter(key, field, storedName), renameFileUpdate(field, originalName, time.Now().UTC()), opts),
		ErrFileNotFound, "rename in "+s.v.Collection)
}

func (s *mongoStore) Update(ctx context.Context, id string, patch Patch, expectedVersion int64) (*Document, error) {
	doc, err := s.decodeOne(
		s.coll.FindOneAndUpdate(ctx, versionFilter(id, expectedVersion), patchUpdate(patch, time.Now().UTC()), after()),
		ErrDocumentNotFound, "update "+s.v.Collection)
	if errors.Is(err, ErrDocumentNotFound) && expectedVersion > 0 {
		if _, ferr := s.FindByID(ctx, id); ferr == nil {
			return nil, apperror.ErrVersionConflict
		}
	}
	return doc, err
}

// pushFileUpdate appends rec to field, upserting the document with
// onInsert when the key has none yet.
func pushFileUpdate(field Field, rec FileRecord, now time.Time, onInsert bson.M) bson.M {
	return bson.M{
		"$push":        bson.M{"files." + string(field): rec},
		"$set":         bson.M{"updated_at": now},
		"$inc":         bson.M{"version": int64(1)},
		"$setOnInsert": onInsert,
	}
}

func pullFileUpdate(field Field, storedName string, now time.Time) bson.M {
	return bson.M{
		"$pull": bson.M{"files." + string(field): bson.M{"stored_name": storedName}},
		"$set":  bson.M{"updated_at": now},
		"$inc":  bson.M{"version": int64(1)},
	}
}

// renameFileUpdate sets original_name on the elements selected by
// renameArrayFilters.
func renameFileUpdate(field Field, originalName string, now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			"files." + string(field) + ".$[r].original_name": originalName,
			"updated_at": now,
		},
		"$inc": bson.M{"version": int64(1)},
	}
}

func renameArrayFilters(storedName string) []interface{} {
	return []interface{}{bson.M{"r.stored_name": storedName}}
}

// patchUpdate sets the fields present in patch. A zero surgery date
// removes the stored one.
func patchUpdate(patch Patch, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	unset := bson.M{}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.ObservacoesGeral != nil {
		set["observacoes_geral"] = *patch.ObservacoesGeral
	}
	if patch.Conduta != nil {
		set["conduta"] = *patch.Conduta
	}
	if patch.ScheduledSurgeryDate != nil {
		if patch.ScheduledSurgeryDate.IsZero() {
			unset["scheduled_surgery_date"] = ""
		} else {
			set["scheduled_surgery_date"] = *patch.ScheduledSurgeryDate
		}
	}
	update := bson.M{"$set": set, "$inc": bson.M{"version": int64(1)}}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update
}

// versionFilter matches id, and its version when expected is non-zero.
func versionFilter(id string, expected int64) bson.M {
	filter := bson.M{"_id": id}
	if expected > 0 {
		filter["version"] = expected
	}
	return filter
}

func (s *mongoStore) SetPatientName(ctx context.Context, key Key, name string) error {
	_, err := s.coll.UpdateOne(ctx, keyFilter(key), bson.M{"$set": bson.M{"patient_name": name}})
	return apperror.Storage("set patient name in "+s.v.Collection, err)
}

func (s *mongoStore) DeleteByID(ctx context.Context, id string) (*Document, error) {
	return s.decodeOne(s.coll.FindOneAndDelete(ctx, bson.M{"_id": id}), ErrDocumentNotFound, "delete from "+s.v.Collection)
}

func (s *mongoStore) CountByPatient(ctx context.Context, patientID string) (int, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"patient_id": patientID})
	if err != nil {
		return 0, apperror.Storage("count "+s.v.Collection, err)
	}
	return int(n), nil
}

func (s *mongoStore) DeleteByPatient(ctx context.Context, patientID string) (int, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"patient_id": patientID})
	if err != nil {
		return 0, apperror.Storage("delete from "+s.v.Collection, err)
	}
	return int(res.DeletedCount), nil
}

func (s *mongoStore) CountBlobRefs(ctx context.Context, blobKey string) (int, error) {
	or := make(bson.A, 0, len(s.v.Fields))
	for _, f := range s.v.Fields {
		or = append(or, bson.M{"files." + string(f) + ".blob_key": blobKey})
	}
	n, err := s.coll.CountDocuments(ctx, bson.M{"$or": or})
	if err != nil {
		return 0, apperror.Storage("count blob refs in "+s.v.Collection, err)
	}
	return int(n), nil
}

func (s *mongoStore) BlobKeys(ctx context.Context, into map[string]struct{}) error {
	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.M{"f": bson.M{"$objectToArray": "$files"}}}},
		{{Key: "$unwind", Value: "$f"}},
		{{Key: "$unwind", Value: "$f.v"}},
		{{Key: "$group", Value: bson.M{"_id": "$f.v.blob_key"}}},
	}
	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return apperror.Storage("collect blob keys of "+s.v.Collection, err)
	}
	var rows []struct {
		Key string `bson:"_id"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return apperror.Storage("collect blob keys of "+s.v.Collection, err)
	}
	for _, r := range rows {
		if r.Key != "" {
			into[r.Key] = struct{}{}
		}
	}
	return nil
}

/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package records

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ecc-platform/rule-engine/pkg/errors"
)

// document is the envelope one record is stored in. Data holds the
// JSON-encoded record so the schema stays owned by pkg/apis rather
// than by BSON tags.
type document struct {
	PK        string    `bson:"pk"`
	SK        string    `bson:"sk"`
	Version   int64     `bson:"version"`
	Data      []byte    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore implements Store on one collection. newFn builds the
// empty record scans decode into.
type MongoStore[T Object] struct {
	collection *mongo.Collection
	newFn      func() T
}

func NewMongoStore[T Object](collection *mongo.Collection, newFn func() T) *MongoStore[T] {
	return &MongoStore[T]{collection: collection, newFn: newFn}
}

// EnsureIndexes creates the unique (pk, sk) index conditional puts
// depend on.
func (s *MongoStore[T]) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pk", Value: 1}, {Key: "sk", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "ensuring indexes on %q", s.collection.Name())
	}
	return nil
}

func (s *MongoStore[T]) Get(ctx context.Context, pk, sk string, obj T) error {
	var doc document
	err := s.collection.FindOne(ctx, bson.M{"pk": pk, "sk": sk}).Decode(&doc)
	if err != nil {
		if stderrors.Is(err, mongo.ErrNoDocuments) {
			return errors.New(errors.KindNotFound, "record %s/%s not found", pk, sk)
		}
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "getting record %s/%s", pk, sk)
	}
	if err := json.Unmarshal(doc.Data, obj); err != nil {
		return errors.Wrap(err, errors.KindInternal, "decoding record %s/%s", pk, sk)
	}
	obj.SetVersion(doc.Version)
	return nil
}

func (s *MongoStore[T]) Put(ctx context.Context, obj T) error {
	pk, sk := obj.Keys()
	expected := obj.GetVersion()
	obj.SetVersion(expected + 1)
	data, err := json.Marshal(obj)
	if err != nil {
		obj.SetVersion(expected)
		return errors.Wrap(err, errors.KindInternal, "encoding record %s/%s", pk, sk)
	}
	doc := document{PK: pk, SK: sk, Version: expected + 1, Data: data, UpdatedAt: time.Now().UTC()}

	if expected == 0 {
		if _, err := s.collection.InsertOne(ctx, doc); err != nil {
			obj.SetVersion(expected)
			if mongo.IsDuplicateKeyError(err) {
				return errors.New(errors.KindConflict, "record %s/%s already exists", pk, sk)
			}
			return errors.Wrap(err, errors.KindUpstreamUnavailable, "inserting record %s/%s", pk, sk)
		}
		return nil
	}

	res, err := s.collection.ReplaceOne(ctx, bson.M{"pk": pk, "sk": sk, "version": expected}, doc)
	if err != nil {
		obj.SetVersion(expected)
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "replacing record %s/%s", pk, sk)
	}
	if res.MatchedCount == 0 {
		obj.SetVersion(expected)
		return errors.New(errors.KindConflict, "record %s/%s version %d is stale", pk, sk, expected)
	}
	return nil
}

func (s *MongoStore[T]) Delete(ctx context.Context, pk, sk string) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"pk": pk, "sk": sk})
	if err != nil {
		return errors.Wrap(err, errors.KindUpstreamUnavailable, "deleting record %s/%s", pk, sk)
	}
	if res.DeletedCount == 0 {
		return errors.New(errors.KindNotFound, "record %s/%s not found", pk, sk)
	}
	return nil
}

func (s *MongoStore[T]) Scan(ctx context.Context, pk, skPrefix string, opts ScanOptions) (*Page[T], error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	skFilter := bson.M{}
	if skPrefix != "" {
		skFilter["$gte"] = skPrefix
		if upper := prefixUpperBound(skPrefix); upper != "" {
			skFilter["$lt"] = upper
		}
	}
	if opts.Cursor != "" {
		after, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, errors.New(errors.KindValidation, "malformed scan cursor")
		}
		skFilter["$gt"] = after
	}
	filter := bson.M{"pk": pk}
	if len(skFilter) > 0 {
		filter["sk"] = skFilter
	}

	// Fetch one beyond the page to learn whether a cursor is needed.
	findOpts := options.Find().SetSort(bson.D{{Key: "sk", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "scanning records %s/%s*", pk, skPrefix)
	}
	defer cur.Close(ctx)

	page := &Page[T]{}
	var lastSK string
	for cur.Next(ctx) {
		if len(page.Items) == limit {
			page.Cursor = encodeCursor(lastSK)
			return page, nil
		}
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "decoding scan document")
		}
		obj := s.newFn()
		if err := json.Unmarshal(doc.Data, obj); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "decoding record %s/%s", doc.PK, doc.SK)
		}
		obj.SetVersion(doc.Version)
		page.Items = append(page.Items, obj)
		lastSK = doc.SK
	}
	if err := cur.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamUnavailable, "iterating scan of %s/%s*", pk, skPrefix)
	}
	return page, nil
}

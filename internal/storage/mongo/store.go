// Package mongo stores documents in MongoDB, one MongoDB collection per
// docstore collection. Each record wraps the document data as
// {_id, data, createdAt, updatedAt}.
package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/xenking/organic-market/internal/docstore"
)

const (
	fieldID        = "_id"
	fieldData      = "data"
	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"

	defaultPollInterval = 2 * time.Second
)

var _ docstore.Store = (*Store)(nil)

type record struct {
	ID        string    `bson:"_id"`
	Data      bson.M    `bson:"data"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func (r *record) document(collection string) (docstore.Document, error) {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return docstore.Document{}, errors.Wrapf(err, "encode %s/%s", collection, r.ID)
	}
	return docstore.Document{
		Collection: collection,
		ID:         r.ID,
		Data:       data,
		CreateTime: r.CreatedAt,
		UpdateTime: r.UpdatedAt,
	}, nil
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often Watch re-runs its query.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Store implements docstore.Store on a MongoDB database. Transactions need a
// replica set.
type Store struct {
	db           *mongo.Database
	pollInterval time.Duration
	now          func() time.Time
}

// Connect dials uri and returns a Store on database.
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}
	return NewStore(client.Database(database), opts...), nil
}

// NewStore returns a Store on db.
func NewStore(db *mongo.Database, opts ...Option) *Store {
	s := &Store{
		db:           db,
		pollInterval: defaultPollInterval,
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// EnsureIndexes creates the creation time index used for newest-first
// listings on each of collections.
func (s *Store) EnsureIndexes(ctx context.Context, collections ...string) error {
	for _, c := range collections {
		_, err := s.db.Collection(c).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: fieldCreatedAt, Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("creating index on %s: %w", c, err)
		}
	}
	return nil
}

// toBSON turns a JSON object into a map with plain JSON value types, so the
// stored shape matches the JSON field names rather than bson struct tags.
func toBSON(raw json.RawMessage) (bson.M, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrap(err, "decode document")
	}
	return bson.M(m), nil
}

func (s *Store) get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	var r record
	err := s.db.Collection(collection).FindOne(ctx, bson.M{fieldID: id}).Decode(&r)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("getting document %s/%s: %w", collection, id, err)
	}
	d, err := r.document(collection)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	return s.get(ctx, collection, id)
}

// Create inserts data under a new UUID.
func (s *Store) Create(ctx context.Context, collection string, data any) (string, error) {
	raw, err := docstore.Encode(data)
	if err != nil {
		return "", err
	}
	m, err := toBSON(raw)
	if err != nil {
		return "", err
	}

	now := s.now()
	r := record{ID: uuid.New().String(), Data: m, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.Collection(collection).InsertOne(ctx, r); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", docstore.ErrAlreadyExists
		}
		return "", fmt.Errorf("creating document in %s: %w", collection, err)
	}
	return r.ID, nil
}

func (s *Store) set(ctx context.Context, collection, id string, data any) error {
	raw, err := docstore.Encode(data)
	if err != nil {
		return err
	}
	m, err := toBSON(raw)
	if err != nil {
		return err
	}

	now := s.now()
	update := bson.M{
		"$set":         bson.M{fieldData: m, fieldUpdatedAt: now},
		"$setOnInsert": bson.M{fieldCreatedAt: now},
	}
	_, err = s.db.Collection(collection).UpdateOne(ctx, bson.M{fieldID: id}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("setting document %s/%s: %w", collection, id, err)
	}
	return nil
}

// Set upserts a document, keeping its creation time.
func (s *Store) Set(ctx context.Context, collection, id string, data any) error {
	return s.set(ctx, collection, id, data)
}

func (s *Store) update(ctx context.Context, collection, id string, fields map[string]any) error {
	set := bson.M{fieldUpdatedAt: s.now()}
	for k, v := range fields {
		nv, err := docstore.Normalize(v)
		if err != nil {
			return err
		}
		set[fieldData+"."+k] = nv
	}

	res, err := s.db.Collection(collection).UpdateOne(ctx, bson.M{fieldID: id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("updating document %s/%s: %w", collection, id, err)
	}
	if res.MatchedCount == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// Update sets top-level data fields of an existing document.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return s.update(ctx, collection, id, fields)
}

// Delete removes a document if it exists.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{fieldID: id}); err != nil {
		return fmt.Errorf("deleting document %s/%s: %w", collection, id, err)
	}
	return nil
}

// RunTransaction runs fn in a multi-document transaction. The driver retries
// fn on transient transaction errors such as write conflicts.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	sess, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc, &mongoTx{ctx: sc, s: s})
	})
	if err != nil {
		var se mongo.ServerError
		if errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError") {
			return docstore.ErrTooMuchContention
		}
		return err
	}
	return nil
}

type mongoTx struct {
	ctx context.Context
	s   *Store
}

func (t *mongoTx) Get(collection, id string) (*docstore.Document, error) {
	return t.s.get(t.ctx, collection, id)
}

func (t *mongoTx) Set(collection, id string, data any) error {
	return t.s.set(t.ctx, collection, id, data)
}

func (t *mongoTx) Update(collection, id string, fields map[string]any) error {
	return t.s.update(t.ctx, collection, id, fields)
}

func buildFind(q docstore.Query) (bson.M, *options.FindOptions, error) {
	filter := bson.M{}
	for _, f := range q.Filters {
		v, err := docstore.Normalize(f.Value)
		if err != nil {
			return nil, nil, err
		}
		filter[fieldData+"."+f.Field] = v
	}

	dir := 1
	if q.Desc {
		dir = -1
	}
	var sort bson.D
	switch q.OrderBy {
	case "":
		sort = bson.D{{Key: fieldID, Value: dir}}
	case docstore.FieldCreateTime:
		sort = bson.D{{Key: fieldCreatedAt, Value: dir}, {Key: fieldID, Value: 1}}
	default:
		sort = bson.D{{Key: fieldData + "." + q.OrderBy, Value: dir}, {Key: fieldID, Value: 1}}
	}

	opts := options.Find().SetSort(sort)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	return filter, opts, nil
}

// Query runs q as a find with the filters applied to data fields.
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	filter, opts, err := buildFind(q)
	if err != nil {
		return nil, err
	}

	cur, err := s.db.Collection(q.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Collection, err)
	}
	var records []record
	if err := cur.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("reading %s: %w", q.Collection, err)
	}

	docs := make([]docstore.Document, 0, len(records))
	for i := range records {
		d, err := records[i].document(q.Collection)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Watch polls q at the configured interval.
func (s *Store) Watch(ctx context.Context, q docstore.Query) (*docstore.Subscription, error) {
	if _, _, err := buildFind(q); err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context) ([]docstore.Document, error) {
		return s.Query(ctx, q)
	}
	return docstore.NewSubscription(ctx, fetch, docstore.PollTrigger(s.pollInterval)), nil
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

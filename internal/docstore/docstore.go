// Package docstore defines the document database abstraction the marketplace
// is built on: named collections of JSON documents with single-document
// reads and writes, atomic read-modify-write transactions, equality queries
// and live query subscriptions.
//
// Engines live in docstore/memory, storage/postgres and storage/mongo.
package docstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned by Create when the generated id collides.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrTooMuchContention is returned by RunTransaction when every attempt
	// lost to a concurrent writer.
	ErrTooMuchContention = errors.New("transaction aborted: too much contention")
)

// FieldCreateTime orders query results by document creation time instead of
// a data field.
const FieldCreateTime = "__createTime"

// Document is a stored document snapshot.
type Document struct {
	Collection string
	ID         string
	Data       json.RawMessage
	CreateTime time.Time
	UpdateTime time.Time
}

// DataTo decodes the document data into v.
func (d *Document) DataTo(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s/%s", d.Collection, d.ID)
	}
	return nil
}

// Fields decodes the document data into a generic field map.
func (d *Document) Fields() (map[string]any, error) {
	var m map[string]any
	if err := d.DataTo(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// Filter matches documents whose top-level Field equals Value.
type Filter struct {
	Field string
	Value any
}

// Where is shorthand for an equality Filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Filters    []Filter
	// OrderBy is a top-level data field or FieldCreateTime. Empty keeps
	// engine order (document id).
	OrderBy string
	Desc    bool
	// Limit of zero means unlimited.
	Limit int
}

// Tx is the view of the store inside RunTransaction. Reads observe a
// consistent snapshot; writes become visible only when the transaction
// commits.
type Tx interface {
	Get(collection, id string) (*Document, error)
	Set(collection, id string, data any) error
	Update(collection, id string, fields map[string]any) error
}

// TxFunc is the body of a transaction. It may be invoked more than once when
// the engine retries on contention, so it must not have side effects outside
// of tx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is a document database.
type Store interface {
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Create stores data under a freshly generated id and returns the id.
	Create(ctx context.Context, collection string, data any) (string, error)
	Set(ctx context.Context, collection, id string, data any) error
	// Update merges fields into the top level of an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	RunTransaction(ctx context.Context, fn TxFunc) error
	Query(ctx context.Context, q Query) ([]Document, error)
	Watch(ctx context.Context, q Query) (*Subscription, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Encode converts a Go value into document data. The value must marshal to a
// JSON object.
func Encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.Errorf("document must be a JSON object, got %.16s", data)
	}
	return data, nil
}

// Normalize round-trips v through JSON so that filter and field values compare
// the same way stored data does (numbers become float64, structs become maps).
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "normalize value")
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "normalize value")
	}
	return out, nil
}

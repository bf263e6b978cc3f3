package docstore

import (
	"encoding/json"
	"reflect"
	"slices"
	"strings"

	"github.com/go-faster/errors"
)

// Merge applies top-level field updates to document data.
func Merge(data json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	m := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrap(err, "decode document")
		}
	}
	for k, v := range fields {
		m[k] = v
	}
	out, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	return out, nil
}

// Apply evaluates q against docs in process: filters, ordering and limit.
// Engines that cannot push a query down use it.
func Apply(q Query, docs []Document) ([]Document, error) {
	want := make([]any, len(q.Filters))
	for i, f := range q.Filters {
		v, err := Normalize(f.Value)
		if err != nil {
			return nil, err
		}
		want[i] = v
	}

	type row struct {
		doc    Document
		fields map[string]any
	}
	rows := make([]row, 0, len(docs))
	for _, d := range docs {
		fields, err := d.Fields()
		if err != nil {
			return nil, err
		}
		matched := true
		for i, f := range q.Filters {
			if !reflect.DeepEqual(fields[f.Field], want[i]) {
				matched = false
				break
			}
		}
		if matched {
			rows = append(rows, row{doc: d, fields: fields})
		}
	}

	slices.SortStableFunc(rows, func(a, b row) int {
		var c int
		switch q.OrderBy {
		case "":
			c = strings.Compare(a.doc.ID, b.doc.ID)
		case FieldCreateTime:
			c = a.doc.CreateTime.Compare(b.doc.CreateTime)
		default:
			c = compareValues(a.fields[q.OrderBy], b.fields[q.OrderBy])
		}
		if q.Desc {
			return -c
		}
		return c
	})

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]Document, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

// compareValues orders decoded JSON values: null < bool < number < string,
// everything else compares equal.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(av, b.(string))
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

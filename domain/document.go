package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Document is a schema-light JSON object used for step input/output, shared
// context, payloads and metadata. Values are the types produced by
// encoding/json: map[string]any, []any, string, float64, bool and nil.
type Document map[string]any

// Get reads a dotted gjson path, eg "steps.draft.content".
func (d Document) Get(path string) gjson.Result {
	if len(d) == 0 {
		return gjson.Result{}
	}
	data, err := json.Marshal(d)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(data, path)
}

func (d Document) GetString(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

func (d Document) GetInt(key string) int {
	switch v := d[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func (d Document) GetObject(key string) Document {
	switch v := d[key].(type) {
	case map[string]any:
		return Document(v)
	case Document:
		return v
	}
	return nil
}

// Clone returns a deep copy, normalized through a JSON round trip.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return Document{}
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return Document{}
	}
	return out
}

// Merge returns a copy of d with the top-level keys of other set over it.
func (d Document) Merge(other Document) Document {
	out := d.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range other.Clone() {
		out[k] = v
	}
	return out
}

// ToDocument converts any JSON-marshalable value into a Document. Non-object
// values are wrapped under the "value" key.
func ToDocument(v any) Document {
	if v == nil {
		return nil
	}
	if doc, ok := v.(Document); ok {
		return doc.Clone()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Document{"value": fmt.Sprint(v)}
	}
	var out Document
	if err := json.Unmarshal(data, &out); err == nil {
		return out
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	return Document{"value": raw}
}

/* implements driver.Valuer */
func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return string(data), nil
}

/* implements sql.Scanner */
func (d *Document) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported document column type %T", src)
	}
	if len(data) == 0 || string(data) == "null" {
		*d = nil
		return nil
	}
	return json.Unmarshal(data, d)
}

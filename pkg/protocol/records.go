package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// ErrEmptyPayload is returned when a response carries no records.
var ErrEmptyPayload = errors.New("response carries no payload")

// Record is a single Dataverse row as returned by the Web API.
type Record map[string]any

// collection is the OData envelope for list responses.
type collection struct {
	Value []Record `json:"value"`
}

// ParseRecords decodes either a collection response or a single record.
func ParseRecords(body []byte) ([]Record, error) {
	if len(body) == 0 {
		return nil, ErrEmptyPayload
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	if _, ok := raw["value"]; ok {
		var c collection
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, fmt.Errorf("decode collection: %w", err)
		}
		if c.Value == nil {
			return nil, ErrEmptyPayload
		}
		return c.Value, nil
	}

	var r Record
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return []Record{r}, nil
}

// String returns a field as a string. Numbers and booleans are formatted;
// objects and arrays are re-encoded as JSON. Missing and null fields yield "".
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Has reports whether the field is present.
func (r Record) Has(field string) bool {
	_, ok := r[field]
	return ok
}

// Etag returns the record's @odata.etag annotation.
func (r Record) Etag() string {
	return r.String(EtagAnnotation)
}

// JSONSubKey reads key from a field that holds a JSON object encoded as a string.
func (r Record) JSONSubKey(field, key string) (string, error) {
	return SubKey(r.String(field), key)
}

// SubKey reads key from a JSON object document.
func SubKey(document, key string) (string, error) {
	if document == "" {
		return "", nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(document), &obj); err != nil {
		return "", fmt.Errorf("decode json field: %w", err)
	}
	return Record(obj).String(key), nil
}

// SetSubKey writes key into a JSON object document and returns the new
// document. An empty document starts a new object.
func SetSubKey(document, key, value string) (string, error) {
	obj := map[string]any{}
	if document != "" {
		if err := json.Unmarshal([]byte(document), &obj); err != nil {
			return "", fmt.Errorf("decode json field: %w", err)
		}
	}
	obj[key] = value
	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode json field: %w", err)
	}
	return string(b), nil
}

// ParseValue decodes the {"value": "..."} envelope returned for single
// property and file column reads.
func ParseValue(body []byte) (string, error) {
	if len(body) == 0 {
		return "", ErrEmptyPayload
	}
	var v struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", fmt.Errorf("decode value: %w", err)
	}
	if v.Value == nil {
		return "", ErrEmptyPayload
	}
	return *v.Value, nil
}

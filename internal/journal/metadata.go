package journal

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// numberJSON decodes untyped numbers as json.Number so integral metadata
// values come back as int instead of float64.
var numberJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// normalizeMetadata copies m into the form it has after an encode and
// decode: integers are int, other numbers float64, typed slices and maps
// their generic []interface{} and map[string]interface{} forms. Metadata
// that cannot be marshalled is copied unchanged and dropped by Encode.
func normalizeMetadata(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return copyMetadata(m)
	}
	var out map[string]interface{}
	if err := numberJSON.Unmarshal(data, &out); err != nil {
		return copyMetadata(m)
	}
	return canonicalMap(out)
}

func canonicalMap(m map[string]interface{}) map[string]interface{} {
	if len(m) == 0 {
		return nil
	}
	for k, v := range m {
		m[k] = canonicalValue(v)
	}
	return m
}

func canonicalValue(v interface{}) interface{} {
	switch t := v.(type) {
	case stdjson.Number:
		if i, err := t.Int64(); err == nil && int64(int(i)) == i {
			return int(i)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]interface{}:
		for k, e := range t {
			t[k] = canonicalValue(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = canonicalValue(e)
		}
		return t
	}
	return v
}

package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Property is a named, possibly multi-valued attribute of a node.
// Values hold one of: string, int64, float64, bool, time.Time, uuid.UUID, []byte.
type Property struct {
	Name   string
	Values []any
}

// NewProperty normalizes values (ints to int64, float32 to float64) and
// builds a Property.
func NewProperty(name string, values ...any) Property {
	norm := make([]any, len(values))
	for i, v := range values {
		norm[i] = NormalizeValue(v)
	}
	return Property{Name: name, Values: norm}
}

// IsSingle reports whether the property has exactly one value.
func (p Property) IsSingle() bool { return len(p.Values) == 1 }

// First returns the first value, or nil for an empty property.
func (p Property) First() any {
	if len(p.Values) == 0 {
		return nil
	}
	return p.Values[0]
}

// NormalizeValue maps Go scalar types onto the supported value set.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

// ValuesEqual is the value comparator used for duplicate detection.
// Numbers compare by magnitude across int64/float64, times by instant.
func ValuesEqual(a, b any) bool {
	a, b = NormalizeValue(a), NormalizeValue(b)
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y || (math.IsNaN(x) && math.IsNaN(y))
		case int64:
			return x == float64(y)
		}
		return false
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case uuid.UUID:
		switch y := b.(type) {
		case uuid.UUID:
			return x == y
		case string:
			u, err := uuid.Parse(y)
			return err == nil && u == x
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// ToUUID converts a value to a UUID. Strings and byte slices are parsed.
func ToUUID(v any) (uuid.UUID, error) {
	switch x := v.(type) {
	case uuid.UUID:
		return x, nil
	case string:
		return uuid.Parse(x)
	case []byte:
		if len(x) == 16 {
			return uuid.FromBytes(x)
		}
		return uuid.ParseBytes(x)
	}
	return uuid.Nil, fmt.Errorf("cannot convert %T to uuid", v)
}

// Value type tags used in the serialized form.
const (
	typeString = "string"
	typeLong   = "long"
	typeDouble = "double"
	typeBool   = "boolean"
	typeDate   = "date"
	typeUUID   = "uuid"
	typeBinary = "binary"
)

// EncodedValue is the JSON form of one property value.
type EncodedValue struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v"`
}

// EncodedProperty is the JSON form of a property.
type EncodedProperty struct {
	Name   string         `json:"name"`
	Values []EncodedValue `json:"values"`
}

// EncodeProperty converts a property into its JSON-friendly form.
func EncodeProperty(p Property) (EncodedProperty, error) {
	out := EncodedProperty{Name: p.Name, Values: make([]EncodedValue, 0, len(p.Values))}
	for _, v := range p.Values {
		ev, err := encodeValue(v)
		if err != nil {
			return EncodedProperty{}, fmt.Errorf("property %s: %w", p.Name, err)
		}
		out.Values = append(out.Values, ev)
	}
	return out, nil
}

// DecodeProperty is the inverse of EncodeProperty. Values with an unknown
// type tag are decoded as their raw JSON text.
func DecodeProperty(ep EncodedProperty) (Property, error) {
	p := Property{Name: ep.Name, Values: make([]any, 0, len(ep.Values))}
	for _, ev := range ep.Values {
		v, err := decodeValue(ev)
		if err != nil {
			return Property{}, fmt.Errorf("property %s: %w", ep.Name, err)
		}
		p.Values = append(p.Values, v)
	}
	return p, nil
}

// MarshalProperties serializes a property map, ordered by name.
func MarshalProperties(props map[string]Property) ([]byte, error) {
	enc := make([]EncodedProperty, 0, len(props))
	for _, name := range SortedNames(props) {
		ep, err := EncodeProperty(props[name])
		if err != nil {
			return nil, err
		}
		enc = append(enc, ep)
	}
	return json.Marshal(enc)
}

// UnmarshalProperties parses the output of MarshalProperties.
func UnmarshalProperties(data []byte) (map[string]Property, error) {
	var enc []EncodedProperty
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	out := make(map[string]Property, len(enc))
	for _, ep := range enc {
		p, err := DecodeProperty(ep)
		if err != nil {
			return nil, err
		}
		out[p.Name] = p
	}
	return out, nil
}

func encodeValue(v any) (EncodedValue, error) {
	var tag string
	var payload any
	switch x := NormalizeValue(v).(type) {
	case string:
		tag, payload = typeString, x
	case int64:
		tag, payload = typeLong, x
	case float64:
		tag, payload = typeDouble, x
	case bool:
		tag, payload = typeBool, x
	case time.Time:
		tag, payload = typeDate, x.Format(time.RFC3339Nano)
	case uuid.UUID:
		tag, payload = typeUUID, x.String()
	case []byte:
		tag, payload = typeBinary, x
	default:
		return EncodedValue{}, fmt.Errorf("unsupported value type %T", v)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return EncodedValue{}, err
	}
	return EncodedValue{Type: tag, Value: raw}, nil
}

func decodeValue(ev EncodedValue) (any, error) {
	switch ev.Type {
	case typeString:
		var s string
		err := json.Unmarshal(ev.Value, &s)
		return s, err
	case typeLong:
		var n int64
		err := json.Unmarshal(ev.Value, &n)
		return n, err
	case typeDouble:
		var f float64
		err := json.Unmarshal(ev.Value, &f)
		return f, err
	case typeBool:
		var b bool
		err := json.Unmarshal(ev.Value, &b)
		return b, err
	case typeDate:
		var s string
		if err := json.Unmarshal(ev.Value, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		return t.UTC(), err
	case typeUUID:
		var s string
		if err := json.Unmarshal(ev.Value, &s); err != nil {
			return nil, err
		}
		return uuid.Parse(s)
	case typeBinary:
		var b []byte
		err := json.Unmarshal(ev.Value, &b)
		return b, err
	default:
		// Unknown tags come from newer writers: keep the text of string
		// payloads and the raw JSON of anything else.
		var s string
		if err := json.Unmarshal(ev.Value, &s); err == nil {
			return s, nil
		}
		return string(ev.Value), nil
	}
}

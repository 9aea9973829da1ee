package syncer

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Field names shared by every entity payload.
const (
	FieldID         = "id"
	FieldUserID     = "user_id"
	FieldCreatedAt  = "created_at"
	FieldUpdatedAt  = "updated_at"
	FieldVersion    = "version"
	FieldIsSynced   = "is_synced"
	FieldLastSynced = "last_synced"
	FieldDeleted    = "deleted"
)

// Payload is the JSON-shaped representation of an entity, full or partial.
type Payload map[string]any

// ID returns the record identifier carried by the payload.
func (p Payload) ID() string {
	value, _ := p.String(FieldID)
	return value
}

// String returns the string value stored under key.
func (p Payload) String(key string) (string, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}

// Int64 returns the integer value stored under key, accepting the numeric shapes
// produced by both Go callers and JSON decoding.
func (p Payload) Int64(key string) (int64, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch value := raw.(type) {
	case int:
		return int64(value), true
	case int32:
		return int64(value), true
	case int64:
		return value, true
	case float64:
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return 0, false
		}
		return int64(value), true
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

// Bool returns the boolean value stored under key.
func (p Payload) Bool(key string) (bool, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return false, false
	}
	value, ok := raw.(bool)
	return value, ok
}

// Has reports whether key is present.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	cloned := make(Payload, len(p))
	for key, value := range p {
		cloned[key] = value
	}
	return cloned
}

// Merge returns a copy of p overlaid with the fields of other.
func (p Payload) Merge(other Payload) Payload {
	merged := make(Payload, len(p)+len(other))
	for key, value := range p {
		merged[key] = value
	}
	for key, value := range other {
		merged[key] = value
	}
	return merged
}

// decodeJSON decodes raw into target keeping payload numbers as json.Number, so versions
// and millisecond timestamps survive a round trip through storage exactly.
func decodeJSON(raw string, target any) error {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	return decoder.Decode(target)
}

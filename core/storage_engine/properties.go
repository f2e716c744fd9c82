package storage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Property keys understood by the storage layer.
const (
	KeyStorageType    = "Storage.Type"
	KeyStoragePath    = "Storage.Path"
	KeyPageSize       = "Storage.PageSize"
	KeyBufferPoolSize = "Storage.BufferPoolSize"
	KeyCompression    = "Storage.Compression"
	KeyFlushRateBytes = "Storage.FlushRateBytes"
	KeyInMemory       = "Storage.InMemory"
	KeySyncWrites     = "Storage.SyncWrites"
	KeyGCInterval     = "Storage.GCInterval"
	KeyBucket         = "Storage.Bucket"
)

// PropertySet is a flat string-to-string configuration bag. Together with a Storage
// it is enough to reconstruct an index.
type PropertySet map[string]string

// Clone returns an independent copy.
func (p PropertySet) Clone() PropertySet {
	c := make(PropertySet, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Merge copies every key of other into p, overwriting existing keys.
func (p PropertySet) Merge(other PropertySet) PropertySet {
	for k, v := range other {
		p[k] = v
	}
	return p
}

// Keys returns the keys in sorted order.
func (p PropertySet) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns the value of key or def when unset.
func (p PropertySet) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses key as an integer, returning def when unset.
func (p PropertySet) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfiguration, key, v)
	}
	return n, nil
}

// Bool parses key as a boolean, returning def when unset.
func (p PropertySet) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalidConfiguration, key, v)
	}
	return b, nil
}

// Duration parses key with time.ParseDuration, returning def when unset.
func (p PropertySet) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a duration", ErrInvalidConfiguration, key, v)
	}
	return d, nil
}

// Floats parses key as a comma separated list of numbers. ok is false when unset.
func (p PropertySet) Floats(key string) (values []float64, ok bool, err error) {
	v, present := p[key]
	if !present || strings.TrimSpace(v) == "" {
		return nil, false, nil
	}
	parts := strings.Split(v, ",")
	values = make([]float64, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %s=%q is not a number list", ErrInvalidConfiguration, key, v)
		}
		values = append(values, f)
	}
	return values, true, nil
}

// SetFloats stores values as a comma separated list.
func (p PropertySet) SetFloats(key string, values []float64) {
	parts := make([]string, len(values))
	for i, f := range values {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	p[key] = strings.Join(parts, ",")
}

func (p PropertySet) toStruct() (*structpb.Struct, error) {
	fields := make(map[string]interface{}, len(p))
	for k, v := range p {
		fields[k] = v
	}
	return structpb.NewStruct(fields)
}

func fromStruct(s *structpb.Struct) (PropertySet, error) {
	p := make(PropertySet, len(s.GetFields()))
	for k, v := range s.GetFields() {
		sv, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("%w: property %s is not a string", ErrInvalidConfiguration, k)
		}
		p[k] = sv.StringValue
	}
	return p, nil
}

// MarshalBinary encodes the set as a protobuf Struct.
func (p PropertySet) MarshalBinary() ([]byte, error) {
	s, err := p.toStruct()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(s)
}

// UnmarshalBinary replaces the set with the decoded protobuf Struct.
func (p *PropertySet) UnmarshalBinary(data []byte) error {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: property set: %v", ErrInvalidConfiguration, err)
	}
	decoded, err := fromStruct(&s)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// MarshalJSON encodes the set with protojson.
func (p PropertySet) MarshalJSON() ([]byte, error) {
	s, err := p.toStruct()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return protojson.Marshal(s)
}

// UnmarshalJSON decodes a protojson encoded set.
func (p *PropertySet) UnmarshalJSON(data []byte) error {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: property set: %v", ErrInvalidConfiguration, err)
	}
	decoded, err := fromStruct(&s)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

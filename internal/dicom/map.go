package dicom

import (
	"sort"
	"strconv"

	"github.com/flatmapit/gopacs/pkg/types"
)

// ValueKind discriminates the typed values of a DicomMap.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInteger
	KindFloat
	KindNull
)

// Value is one typed DicomMap entry.
type Value struct {
	Kind    ValueKind
	Str     string
	Integer int64
	Float   float64
}

// IsNull reports whether the value carries no content.
func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// AsString renders the value as a string, the representation used by the
// index and by query matching.
func (v Value) AsString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return strconv.FormatInt(v.Integer, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	default:
		return ""
	}
}

// StringValue builds a string value.
func StringValue(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// NullValue builds a null value.
func NullValue() Value {
	return Value{Kind: KindNull}
}

// Map is the neutral tag → value form of a DICOM dataset. Only flat
// elements appear here; sequences are kept in the JSON projection.
type Map map[Tag]Value

// NewMap returns an empty map.
func NewMap() Map {
	return make(Map)
}

// SetString records a string value for a tag.
func (m Map) SetString(t Tag, value string) {
	m[t] = StringValue(value)
}

// Get returns the value of a tag.
func (m Map) Get(t Tag) (Value, bool) {
	v, ok := m[t]
	return v, ok
}

// GetString returns the string rendering of a tag value, or the fallback
// when the tag is absent or null.
func (m Map) GetString(t Tag, fallback string) string {
	v, ok := m[t]
	if !ok || v.IsNull() {
		return fallback
	}
	return v.AsString()
}

// Has reports whether the tag is present.
func (m Map) Has(t Tag) bool {
	_, ok := m[t]
	return ok
}

// Remove deletes a tag.
func (m Map) Remove(t Tag) {
	delete(m, t)
}

// Clone returns a copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SortedTags returns the tags in (group, element) order, the order used
// when encoding a dataset.
func (m Map) SortedTags() []Tag {
	tags := make([]Tag, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Group != tags[j].Group {
			return tags[i].Group < tags[j].Group
		}
		return tags[i].Element < tags[j].Element
	})
	return tags
}

// ExtractMainTags keeps only the indexed tags of the given level.
func (m Map) ExtractMainTags(level types.ResourceType) Map {
	out := NewMap()
	for _, t := range MainTags(level) {
		if v, ok := m[t]; ok {
			out[t] = v
		}
	}
	return out
}

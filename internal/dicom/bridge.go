package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	suyash "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/gopacs/internal/errs"
)

// ValueTooLongThreshold is the rendered-value size above which the JSON
// projection records the tag as present but withholds its content.
const ValueTooLongThreshold = 256

// ImplementationClassUID identifies this implementation in file meta
// headers and association requests.
const ImplementationClassUID = DefaultOrgRoot + ".1"

// ImplementationVersionName identifies this implementation release.
const ImplementationVersionName = "GOPACS_010"

func toLibTag(t Tag) tag.Tag {
	return tag.Tag{Group: t.Group, Element: t.Element}
}

func fromLibTag(t tag.Tag) Tag {
	return Tag{Group: t.Group, Element: t.Element}
}

// ParseFile parses a Part-10 DICOM file held in memory.
func ParseFile(data []byte) (suyash.Dataset, error) {
	ds, err := suyash.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return suyash.Dataset{}, errs.Wrap(errs.BadFileFormat, "cannot parse DICOM file", err)
	}
	return ds, nil
}

// SerializeFile writes a dataset back to Part-10 bytes. Elements are
// reordered by tag first, as required by the encoding.
func SerializeFile(ds suyash.Dataset) ([]byte, error) {
	sort.SliceStable(ds.Elements, func(i, j int) bool {
		a, b := ds.Elements[i].Tag, ds.Elements[j].Tag
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Element < b.Element
	})

	var buf bytes.Buffer
	if err := suyash.Write(&buf, ds, suyash.SkipVRVerification()); err != nil {
		return nil, errs.Wrap(errs.InternalError, "cannot serialize DICOM file", err)
	}
	return buf.Bytes(), nil
}

// elementStrings renders the value of an element as strings, the common
// denominator used by the DicomMap and by query matching.
func elementStrings(elem *suyash.Element) ([]string, bool) {
	if elem.Value == nil {
		return nil, false
	}

	switch v := elem.Value.GetValue().(type) {
	case []string:
		return v, true
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = fmt.Sprintf("%d", n)
		}
		return out, true
	case []float64:
		out := make([]string, len(v))
		for i, f := range v {
			out[i] = fmt.Sprintf("%g", f)
		}
		return out, true
	default:
		return nil, false
	}
}

// GetTagValue returns the string form of a flat tag in the dataset.
func GetTagValue(ds suyash.Dataset, t Tag) (string, bool) {
	elem, err := ds.FindElementByTag(toLibTag(t))
	if err != nil || elem == nil {
		return "", false
	}
	values, ok := elementStrings(elem)
	if !ok || len(values) == 0 {
		return "", false
	}
	return strings.TrimRight(strings.Join(values, "\\"), " \x00"), true
}

// Summarize projects the flat elements of a dataset onto a DicomMap. Tags
// of the file meta group, sequences and bulk data are left out.
func Summarize(ds suyash.Dataset) Map {
	summary := NewMap()

	for _, elem := range ds.Elements {
		t := fromLibTag(elem.Tag)
		if t.Group == 0x0002 || t == TagPixelData {
			continue
		}
		if elem.Value == nil {
			summary[t] = NullValue()
			continue
		}

		switch v := elem.Value.GetValue().(type) {
		case []string:
			summary[t] = StringValue(strings.TrimRight(strings.Join(v, "\\"), " \x00"))
		case []int:
			if len(v) == 1 {
				summary[t] = Value{Kind: KindInteger, Integer: int64(v[0])}
			} else if len(v) > 1 {
				parts := make([]string, len(v))
				for i, n := range v {
					parts[i] = fmt.Sprintf("%d", n)
				}
				summary[t] = StringValue(strings.Join(parts, "\\"))
			} else {
				summary[t] = NullValue()
			}
		case []float64:
			if len(v) == 1 {
				summary[t] = Value{Kind: KindFloat, Float: v[0]}
			} else if len(v) > 1 {
				parts := make([]string, len(v))
				for i, f := range v {
					parts[i] = fmt.Sprintf("%g", f)
				}
				summary[t] = StringValue(strings.Join(parts, "\\"))
			} else {
				summary[t] = NullValue()
			}
		default:
			// Sequences and bulk data stay out of the flat summary.
		}
	}

	return summary
}

// TagEntry is one node of the JSON projection of a dataset.
type TagEntry struct {
	Name           string      `json:"Name"`
	Type           string      `json:"Type"`
	Value          interface{} `json:"Value,omitempty"`
	PrivateCreator string      `json:"PrivateCreator,omitempty"`
}

func tagName(t tag.Tag) string {
	if info, err := tag.Find(t); err == nil && info.Name != "" {
		return info.Name
	}
	return "Unknown"
}

// TagName returns the dictionary keyword of a tag, or "Unknown".
func TagName(t Tag) string {
	return tagName(toLibTag(t))
}

// privateCreator returns the creator of a private tag, looked up in the
// reservation slot (gggg,00xx) of the same dataset.
func privateCreator(ds suyash.Dataset, t Tag) string {
	if !t.IsPrivate() || t.Element < 0x1000 {
		return ""
	}
	slot := Tag{Group: t.Group, Element: t.Element >> 8}
	creator, _ := GetTagValue(ds, slot)
	return creator
}

// ToJSON builds the gggg,eeee keyed projection of a dataset, recursing
// through sequences. Values whose rendering exceeds ValueTooLongThreshold
// are marked TooLong and withheld.
func ToJSON(ds suyash.Dataset) map[string]TagEntry {
	return elementsToJSON(ds, ds.Elements)
}

func elementsToJSON(ds suyash.Dataset, elements []*suyash.Element) map[string]TagEntry {
	result := make(map[string]TagEntry, len(elements))

	for _, elem := range elements {
		t := fromLibTag(elem.Tag)
		if t.Group == 0x0002 {
			continue
		}

		entry := TagEntry{
			Name:           tagName(elem.Tag),
			PrivateCreator: privateCreator(ds, t),
		}

		if elem.Value == nil {
			entry.Type = "Null"
			result[t.String()] = entry
			continue
		}

		if items, ok := elem.Value.GetValue().([]*suyash.SequenceItemValue); ok {
			entry.Type = "Sequence"
			children := make([]map[string]TagEntry, 0, len(items))
			for _, item := range items {
				if sub, ok := item.GetValue().([]*suyash.Element); ok {
					children = append(children, elementsToJSON(ds, sub))
				}
			}
			entry.Value = children
			result[t.String()] = entry
			continue
		}

		if values, ok := elementStrings(elem); ok {
			rendered := strings.TrimRight(strings.Join(values, "\\"), " \x00")
			if len(rendered) > ValueTooLongThreshold {
				entry.Type = "TooLong"
			} else {
				entry.Type = "String"
				entry.Value = rendered
			}
		} else {
			// Bulk data (pixel data, unknown binary VRs).
			entry.Type = "TooLong"
		}
		result[t.String()] = entry
	}

	return result
}

// RemoveTag deletes every occurrence of a flat tag from the dataset.
func RemoveTag(ds *suyash.Dataset, t Tag) {
	lib := toLibTag(t)
	kept := ds.Elements[:0]
	for _, elem := range ds.Elements {
		if elem.Tag != lib {
			kept = append(kept, elem)
		}
	}
	ds.Elements = kept
}

// StripPrivateTags removes every element living in an odd group.
func StripPrivateTags(ds *suyash.Dataset) {
	kept := ds.Elements[:0]
	for _, elem := range ds.Elements {
		if elem.Tag.Group%2 == 0 {
			kept = append(kept, elem)
		}
	}
	ds.Elements = kept
}

// ReplaceTag sets the value of a tag, inserting the element when absent.
// Replacing SOPClassUID or SOPInstanceUID also rewrites the matching
// MediaStorage header tag so the file meta group stays consistent.
func ReplaceTag(ds *suyash.Dataset, t Tag, value string) error {
	if err := replaceOne(ds, t, value); err != nil {
		return err
	}

	switch t {
	case TagSOPClassUID:
		return replaceOne(ds, TagMediaStorageSOPClassUID, value)
	case TagSOPInstanceUID:
		return replaceOne(ds, TagMediaStorageSOPInstanceUID, value)
	}
	return nil
}

func replaceOne(ds *suyash.Dataset, t Tag, value string) error {
	lib := toLibTag(t)

	replacement, err := suyash.NewElement(lib, []string{value})
	if err != nil {
		return errs.Wrap(errs.BadParameterType, "cannot build DICOM element", err)
	}

	for i, elem := range ds.Elements {
		if elem.Tag == lib {
			ds.Elements[i] = replacement
			return nil
		}
	}
	ds.Elements = append(ds.Elements, replacement)
	return nil
}

// writeExplicitShort encodes one explicit-VR little-endian element with a
// short (16-bit) length field.
func writeExplicitShort(buf *bytes.Buffer, t Tag, vr string, value []byte) {
	if len(value)%2 == 1 {
		// UI values pad with NUL, text values with space.
		pad := byte(0x20)
		if vr == "UI" {
			pad = 0x00
		}
		value = append(value, pad)
	}
	binary.Write(buf, binary.LittleEndian, t.Group)
	binary.Write(buf, binary.LittleEndian, t.Element)
	buf.WriteString(vr)
	binary.Write(buf, binary.LittleEndian, uint16(len(value)))
	buf.Write(value)
}

// WrapWithMeta prepends a Part-10 preamble and file meta group to a raw
// dataset received over the network, so the regular file parser can be
// reused on wire payloads.
func WrapWithMeta(dataset []byte, sopClassUID, sopInstanceUID, transferSyntax string) []byte {
	var meta bytes.Buffer

	// File meta information version (0002,0001), OB with long length form.
	binary.Write(&meta, binary.LittleEndian, uint16(0x0002))
	binary.Write(&meta, binary.LittleEndian, uint16(0x0001))
	meta.WriteString("OB")
	meta.Write([]byte{0x00, 0x00})
	binary.Write(&meta, binary.LittleEndian, uint32(2))
	meta.Write([]byte{0x00, 0x01})

	writeExplicitShort(&meta, TagMediaStorageSOPClassUID, "UI", []byte(sopClassUID))
	writeExplicitShort(&meta, TagMediaStorageSOPInstanceUID, "UI", []byte(sopInstanceUID))
	writeExplicitShort(&meta, TagTransferSyntaxUID, "UI", []byte(transferSyntax))
	writeExplicitShort(&meta, Tag{0x0002, 0x0012}, "UI", []byte(ImplementationClassUID))
	writeExplicitShort(&meta, Tag{0x0002, 0x0013}, "SH", []byte(ImplementationVersionName))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")

	// File meta information group length (0002,0000), UL: the number of
	// bytes following this element up to the end of the meta group.
	binary.Write(&out, binary.LittleEndian, uint16(0x0002))
	binary.Write(&out, binary.LittleEndian, uint16(0x0000))
	out.WriteString("UL")
	binary.Write(&out, binary.LittleEndian, uint16(4))
	binary.Write(&out, binary.LittleEndian, uint32(meta.Len()))

	out.Write(meta.Bytes())
	out.Write(dataset)
	return out.Bytes()
}

package dicom

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	suyash "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/pkg/types"
)

// secondaryCapture is the SOP class assigned to datasets created from
// scratch through the REST API.
const secondaryCapture = "1.2.840.10008.5.1.4.1.1.7"

// CreateOptions drive CreateDataset.
type CreateOptions struct {
	// Replacements maps tags (by "gggg,eeee" or dictionary keyword) to
	// their values.
	Replacements map[string]string

	// PixelDataURI optionally carries raw little-endian grayscale pixels
	// as a data URI ("data:...;base64,<payload>").
	PixelDataURI string
}

// ResolveTag accepts either the "gggg,eeee" form or a dictionary keyword
// such as "PatientName".
func ResolveTag(key string) (Tag, error) {
	if t, err := ParseTag(key); err == nil {
		return t, nil
	}
	if info, err := tag.FindByName(key); err == nil {
		return fromLibTag(info.Tag), nil
	}
	return Tag{}, errs.Newf(errs.InexistentTag, "unknown DICOM tag: %s", key)
}

// CreateDataset builds a fresh secondary-capture dataset from a
// replacement map, generating the identifiers that the map leaves out.
func CreateDataset(opts CreateOptions, gen *UIDGenerator) (suyash.Dataset, error) {
	now := time.Now()

	ds := suyash.Dataset{}

	defaults := map[Tag]string{
		TagSOPClassUID:                secondaryCapture,
		TagSOPInstanceUID:             gen.Generate(types.ResourceInstance),
		TagStudyInstanceUID:           gen.Generate(types.ResourceStudy),
		TagSeriesInstanceUID:          gen.Generate(types.ResourceSeries),
		TagMediaStorageSOPClassUID:    "",
		TagMediaStorageSOPInstanceUID: "",
		TagTransferSyntaxUID:          types.ExplicitVRLittleEndian,
		TagPatientID:                  "",
		TagPatientName:                "",
		TagModality:                   "OT",
		{0x0008, 0x0020}:              now.Format("20060102"), // StudyDate
		{0x0008, 0x0030}:              now.Format("150405"),   // StudyTime
	}
	defaults[TagMediaStorageSOPClassUID] = defaults[TagSOPClassUID]
	defaults[TagMediaStorageSOPInstanceUID] = defaults[TagSOPInstanceUID]

	for t, value := range defaults {
		if err := replaceOne(&ds, t, value); err != nil {
			return suyash.Dataset{}, err
		}
	}

	for key, value := range opts.Replacements {
		t, err := ResolveTag(key)
		if err != nil {
			return suyash.Dataset{}, err
		}
		if err := ReplaceTag(&ds, t, value); err != nil {
			return suyash.Dataset{}, err
		}
	}

	if opts.PixelDataURI != "" {
		pixels, err := decodeDataURI(opts.PixelDataURI)
		if err != nil {
			return suyash.Dataset{}, err
		}
		if err := embedPixels(&ds, pixels, opts.Replacements); err != nil {
			return suyash.Dataset{}, err
		}
	}

	return ds, nil
}

// embedPixels stores raw 8-bit grayscale pixels, deriving a square image
// module unless the replacement map already declared the geometry.
func embedPixels(ds *suyash.Dataset, pixels []byte, replacements map[string]string) error {
	if _, ok := replacements["Rows"]; !ok {
		side := 1
		for (side+1)*(side+1) <= len(pixels) {
			side++
		}
		pixels = pixels[:side*side]

		geometry := map[Tag]string{
			{0x0028, 0x0002}: "1",           // SamplesPerPixel
			{0x0028, 0x0004}: "MONOCHROME2", // PhotometricInterpretation
			{0x0028, 0x0010}: strconv.Itoa(side),
			{0x0028, 0x0011}: strconv.Itoa(side),
			{0x0028, 0x0100}: "8", // BitsAllocated
			{0x0028, 0x0101}: "8", // BitsStored
			{0x0028, 0x0102}: "7", // HighBit
			{0x0028, 0x0103}: "0", // PixelRepresentation
		}
		for t, value := range geometry {
			if err := replaceOne(ds, t, value); err != nil {
				return err
			}
		}
	}

	elem, err := suyash.NewElement(tag.PixelData, pixels)
	if err != nil {
		return errs.Wrap(errs.BadParameterType, "cannot build PixelData", err)
	}
	ds.Elements = append(ds.Elements, elem)
	return nil
}

func decodeDataURI(uri string) ([]byte, error) {
	idx := strings.Index(uri, ",")
	if !strings.HasPrefix(uri, "data:") || idx < 0 {
		return nil, errs.New(errs.BadRequest, "PixelData must be a data URI")
	}
	payload := uri[idx+1:]
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errs.Wrap(errs.BadRequest, "invalid base64 in data URI", err)
	}
	return data, nil
}

package rest

import (
	"bytes"
	"image"
	"image/png"
	"net/http"

	suyash "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/flatmapit/gopacs/pkg/types"
)

// PNGWriter encodes previews as PNG; it is the default ImageWriter.
type PNGWriter struct{}

// WriteImage implements types.ImageWriter.
func (PNGWriter) WriteImage(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ContentType implements types.ImageWriter.
func (PNGWriter) ContentType() string {
	return "image/png"
}

var previewWriter types.ImageWriter = PNGWriter{}

// handleInstancePreview renders the first frame of an instance through
// the configured image writer. Encapsulated pixel data this build cannot
// decode yields 415.
func (a *API) handleInstancePreview(w http.ResponseWriter, r *http.Request) {
	guard, err := a.ctx.AccessParsed(r.PathValue("id"))
	if err != nil {
		answerError(w, err)
		return
	}
	defer guard.Release()

	ds, ok := guard.Value().(*suyash.Dataset)
	if !ok {
		http.Error(w, "unexpected cached payload", http.StatusInternalServerError)
		return
	}

	elem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil || elem == nil || elem.Value == nil {
		http.Error(w, "the instance carries no pixel data", http.StatusUnsupportedMediaType)
		return
	}

	info, ok := elem.Value.GetValue().(suyash.PixelDataInfo)
	if !ok || len(info.Frames) == 0 {
		http.Error(w, "unsupported pixel data layout", http.StatusUnsupportedMediaType)
		return
	}

	img, err := info.Frames[0].GetImage()
	if err != nil {
		http.Error(w, "cannot decode pixel data", http.StatusUnsupportedMediaType)
		return
	}

	data, err := previewWriter.WriteImage(img)
	if err != nil {
		http.Error(w, "cannot encode preview", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", previewWriter.ContentType())
	w.Write(data)
}

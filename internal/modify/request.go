package modify

import (
	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/pkg/types"
)

// Request is the JSON body of the modify and anonymize endpoints. Tags
// may be given as "gggg,eeee" or as dictionary keywords.
type Request struct {
	Remove          []string          `json:"Remove"`
	Replace         map[string]string `json:"Replace"`
	Keep            []string          `json:"Keep"`
	RemovePrivate   bool              `json:"RemovePrivateTags"`
	KeepPrivateTags bool              `json:"KeepPrivateTags"`
}

// FromRequest builds the engine for a plain modification rooted at level.
func FromRequest(req Request, level types.ResourceType, gen *dicom.UIDGenerator) (*Modification, error) {
	m := New(gen)
	m.SetLevel(level)
	if err := applyRequest(m, req); err != nil {
		return nil, err
	}
	if req.RemovePrivate {
		m.SetRemovePrivateTags(true)
	}
	return m, nil
}

// FromAnonymizeRequest builds the engine for an anonymization: the preset
// first, then the user's overrides on top of it.
func FromAnonymizeRequest(req Request, gen *dicom.UIDGenerator) (*Modification, error) {
	m := New(gen)
	m.SetupAnonymization()
	if err := applyRequest(m, req); err != nil {
		return nil, err
	}
	if req.KeepPrivateTags {
		m.SetRemovePrivateTags(false)
	}
	return m, nil
}

func applyRequest(m *Modification, req Request) error {
	for _, key := range req.Remove {
		t, err := dicom.ResolveTag(key)
		if err != nil {
			return errs.Wrap(errs.BadRequest, "bad tag in Remove list", err)
		}
		m.Remove(t)
	}
	for key, value := range req.Replace {
		t, err := dicom.ResolveTag(key)
		if err != nil {
			return errs.Wrap(errs.BadRequest, "bad tag in Replace map", err)
		}
		m.Replace(t, value)
	}
	for _, key := range req.Keep {
		t, err := dicom.ResolveTag(key)
		if err != nil {
			return errs.Wrap(errs.BadRequest, "bad tag in Keep list", err)
		}
		m.Keep(t)
	}
	return nil
}

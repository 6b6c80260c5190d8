// Package modify implements the declarative rewrite engine behind the
// modification and anonymization operations: tag removals, replacements,
// private-tag stripping and the consistent renumbering of DICOM
// identifiers across a resource subtree.
package modify

import (
	suyash "github.com/suyashkumar/dicom"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/pkg/types"
)

type uidKey struct {
	level    types.ResourceType
	original string
}

// Modification is a reusable set of rewrite operations. The same instance
// is applied to every dataset of a subtree; the memoized UID map keeps the
// rewritten subtree internally consistent.
type Modification struct {
	removals      map[dicom.Tag]struct{}
	replacements  map[dicom.Tag]string
	removePrivate bool
	level         types.ResourceType
	uidMap        map[uidKey]string
	generator     *dicom.UIDGenerator
}

// New builds an empty modification at instance level.
func New(generator *dicom.UIDGenerator) *Modification {
	return &Modification{
		removals:     make(map[dicom.Tag]struct{}),
		replacements: make(map[dicom.Tag]string),
		level:        types.ResourceInstance,
		uidMap:       make(map[uidKey]string),
		generator:    generator,
	}
}

// Remove schedules the removal of a tag, undoing any replacement.
func (m *Modification) Remove(t dicom.Tag) {
	m.removals[t] = struct{}{}
	delete(m.replacements, t)
}

// Replace schedules a replacement (insert-if-absent), undoing any removal.
func (m *Modification) Replace(t dicom.Tag, value string) {
	delete(m.removals, t)
	m.replacements[t] = value
}

// Keep cancels any removal or replacement of a tag.
func (m *Modification) Keep(t dicom.Tag) {
	delete(m.removals, t)
	delete(m.replacements, t)
}

// IsRemoved tells whether the tag is scheduled for removal.
func (m *Modification) IsRemoved(t dicom.Tag) bool {
	_, ok := m.removals[t]
	return ok
}

// IsReplaced tells whether the tag is scheduled for replacement.
func (m *Modification) IsReplaced(t dicom.Tag) bool {
	_, ok := m.replacements[t]
	return ok
}

// Replacement returns the scheduled replacement of a tag.
func (m *Modification) Replacement(t dicom.Tag) (string, bool) {
	v, ok := m.replacements[t]
	return v, ok
}

// SetRemovePrivateTags schedules the removal of every private element.
func (m *Modification) SetRemovePrivateTags(remove bool) {
	m.removePrivate = remove
}

// SetLevel declares the root of the rewritten subtree and resets the UID
// memoization.
func (m *Modification) SetLevel(level types.ResourceType) {
	m.level = level
	m.uidMap = make(map[uidKey]string)
}

// Level returns the declared subtree root.
func (m *Modification) Level() types.ResourceType {
	return m.level
}

// MappedUID returns the rewritten UID memoized for (level, original).
func (m *Modification) MappedUID(level types.ResourceType, original string) (string, bool) {
	v, ok := m.uidMap[uidKey{level: level, original: original}]
	return v, ok
}

// check rejects contradictory requests: the DICOM identifiers can never
// be removed, and a UID above the declared level cannot be replaced
// (replacing the PatientID is mandatory at patient level, forbidden
// below).
func (m *Modification) check() error {
	for _, t := range []dicom.Tag{
		dicom.TagPatientID,
		dicom.TagStudyInstanceUID,
		dicom.TagSeriesInstanceUID,
		dicom.TagSOPInstanceUID,
	} {
		if m.IsRemoved(t) {
			return errs.Newf(errs.BadRequest, "cannot remove identifier tag %s", t)
		}
	}

	if m.level == types.ResourcePatient && !m.IsReplaced(dicom.TagPatientID) {
		return errs.New(errs.BadRequest, "a patient-level rewrite must replace PatientID")
	}
	if m.level > types.ResourcePatient && m.IsReplaced(dicom.TagPatientID) {
		return errs.New(errs.BadRequest, "cannot replace PatientID below patient level")
	}
	if m.level > types.ResourceStudy && m.IsReplaced(dicom.TagStudyInstanceUID) {
		return errs.New(errs.BadRequest, "cannot replace StudyInstanceUID below study level")
	}
	if m.level > types.ResourceSeries && m.IsReplaced(dicom.TagSeriesInstanceUID) {
		return errs.New(errs.BadRequest, "cannot replace SeriesInstanceUID below series level")
	}
	return nil
}

// mapIdentifier rewrites the UID identifying one level, reusing the
// memoized mapping when the original UID was seen before.
func (m *Modification) mapIdentifier(ds *suyash.Dataset, level types.ResourceType) error {
	t := dicom.LevelIdentifier(level)
	original, _ := dicom.GetTagValue(*ds, t)

	key := uidKey{level: level, original: original}
	mapped, ok := m.uidMap[key]
	if !ok {
		mapped = m.generator.Generate(level)
		m.uidMap[key] = mapped
	}

	return dicom.ReplaceTag(ds, t, mapped)
}

// Apply rewrites one dataset in place: private tags, removals,
// replacements, then the identifier rewrite of every level at or below
// the declared one.
func (m *Modification) Apply(ds *suyash.Dataset) error {
	if err := m.check(); err != nil {
		return err
	}

	if m.removePrivate {
		dicom.StripPrivateTags(ds)
	}

	for t := range m.removals {
		dicom.RemoveTag(ds, t)
	}

	for t, value := range m.replacements {
		if err := dicom.ReplaceTag(ds, t, value); err != nil {
			return err
		}
	}

	if m.level <= types.ResourceStudy {
		if err := m.mapIdentifier(ds, types.ResourceStudy); err != nil {
			return err
		}
	}
	if m.level <= types.ResourceSeries {
		if err := m.mapIdentifier(ds, types.ResourceSeries); err != nil {
			return err
		}
	}
	return m.mapIdentifier(ds, types.ResourceInstance)
}

package server

import (
	"github.com/sirupsen/logrus"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/index"
	"github.com/flatmapit/gopacs/internal/modify"
	"github.com/flatmapit/gopacs/pkg/types"
)

// ModificationResult names the new top-level resource produced by a
// modification or anonymization.
type ModificationResult struct {
	Type      string `json:"Type"`
	ID        string `json:"ID"`
	Path      string `json:"Path"`
	PatientID string `json:"PatientID"`
}

func restPath(level types.ResourceType, publicID string) string {
	switch level {
	case types.ResourcePatient:
		return "/patients/" + publicID
	case types.ResourceStudy:
		return "/studies/" + publicID
	case types.ResourceSeries:
		return "/series/" + publicID
	default:
		return "/instances/" + publicID
	}
}

func anonymizedChange(level types.ResourceType) types.ChangeType {
	switch level {
	case types.ResourcePatient:
		return types.ChangeAnonymizedPatient
	case types.ResourceStudy:
		return types.ChangeAnonymizedStudy
	default:
		return types.ChangeAnonymizedSeries
	}
}

// ModifyInstanceFile rewrites a single instance and returns the new file
// without storing it, the behavior of the instance-level modify and
// anonymize endpoints.
func (c *Context) ModifyInstanceFile(mod *modify.Modification, instanceID string) ([]byte, error) {
	data, err := c.ReadDicom(instanceID)
	if err != nil {
		return nil, err
	}
	ds, err := dicom.ParseFile(data)
	if err != nil {
		return nil, err
	}
	if err := mod.Apply(&ds); err != nil {
		return nil, err
	}
	return dicom.SerializeFile(ds)
}

// ApplyModification runs the engine over every instance of the subtree
// rooted at publicID. Each rewritten instance is stored as a brand new
// one; the rewritten UIDs recreate the parent chain, and every new
// resource whose hash differs from its source records a lineage metadata
// entry pointing back at it. The returned result names the new resource
// at the level of publicID, derived from the first instance.
//
// A failure aborts the loop; instances already committed stay, which is
// what the change feed reflects.
func (c *Context) ApplyModification(mod *modify.Modification, anonymize bool, publicID string) (ModificationResult, error) {
	level, ok := c.LookupResource(publicID)
	if !ok {
		return ModificationResult{}, errs.Newf(errs.UnknownResource, "no such resource: %s", publicID)
	}
	if level == types.ResourceInstance {
		return ModificationResult{}, errs.New(errs.BadRequest,
			"instance rewrites return a file and do not create resources")
	}

	instances, err := c.CollectInstances(publicID)
	if err != nil {
		return ModificationResult{}, err
	}
	if len(instances) == 0 {
		return ModificationResult{}, errs.Newf(errs.UnknownResource, "resource %s has no instance", publicID)
	}

	lineage := types.MetadataModifiedFrom
	if anonymize {
		lineage = types.MetadataAnonymizedFrom
	}

	var result ModificationResult
	for i, instanceID := range instances {
		logrus.Infof("Rewriting instance %s", instanceID)

		data, err := c.ReadDicom(instanceID)
		if err != nil {
			return result, err
		}
		ds, err := dicom.ParseFile(data)
		if err != nil {
			return result, err
		}

		oldHasher, err := dicom.NewInstanceHasher(dicom.Summarize(ds))
		if err != nil {
			return result, err
		}

		if err := mod.Apply(&ds); err != nil {
			return result, err
		}

		newData, err := dicom.SerializeFile(ds)
		if err != nil {
			return result, err
		}

		stored, err := c.Store(newData, "")
		if err != nil {
			return result, err
		}
		if stored.Status != types.StoreSuccess {
			return result, errs.New(errs.InternalError, "cannot store rewritten instance")
		}

		if err := c.recordLineage(oldHasher, stored, lineage); err != nil {
			return result, err
		}

		if i == 0 {
			result = resultAtLevel(stored, level)
			change := modifiedChange(level)
			if anonymize {
				change = anonymizedChange(level)
			}
			err := c.index.Update(func(tx *index.Tx) error {
				return tx.LogChange(change, level, result.ID)
			})
			if err != nil {
				return result, err
			}
		}
	}

	logrus.Infof("Rewrote %d instance(s) below %s into %s", len(instances), publicID, result.ID)
	return result, nil
}

func resultAtLevel(stored StoreResult, level types.ResourceType) ModificationResult {
	var id string
	switch level {
	case types.ResourcePatient:
		id = stored.PatientID
	case types.ResourceStudy:
		id = stored.StudyID
	case types.ResourceSeries:
		id = stored.SeriesID
	default:
		id = stored.InstanceID
	}
	return ModificationResult{
		Type:      level.String(),
		ID:        id,
		Path:      restPath(level, id),
		PatientID: stored.PatientID,
	}
}

// recordLineage writes the lineage metadata on the new instance and on
// every new ancestor whose hash differs from its source.
func (c *Context) recordLineage(oldHasher *dicom.InstanceHasher, stored StoreResult,
	lineage types.MetadataType) error {

	pairs := []struct {
		oldID string
		newID string
	}{
		{oldHasher.HashPatient(), stored.PatientID},
		{oldHasher.HashStudy(), stored.StudyID},
		{oldHasher.HashSeries(), stored.SeriesID},
		{oldHasher.HashInstance(), stored.InstanceID},
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.index.Update(func(tx *index.Tx) error {
		for _, pair := range pairs {
			if pair.oldID == pair.newID {
				continue
			}
			id, _, ok := tx.LookupResource(pair.newID)
			if !ok {
				return errs.Newf(errs.InternalError, "rewritten resource %s vanished", pair.newID)
			}
			if err := tx.SetMetadata(id, lineage, pair.oldID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GenerateUID serves /tools/generate-uid.
func (c *Context) GenerateUID(level string) (string, error) {
	resourceType, ok := types.ParseResourceType(level)
	if !ok {
		return "", errs.Newf(errs.ParameterOutOfRange, "unknown level %q", level)
	}
	return c.uidGen.Generate(resourceType), nil
}

// CreateDicom serves /tools/create-dicom: a fresh instance assembled from
// a replacement map, stored immediately.
func (c *Context) CreateDicom(opts dicom.CreateOptions) (StoreResult, error) {
	ds, err := dicom.CreateDataset(opts, c.uidGen)
	if err != nil {
		return StoreResult{Status: types.StoreFailure}, err
	}
	data, err := dicom.SerializeFile(ds)
	if err != nil {
		return StoreResult{Status: types.StoreFailure}, err
	}
	return c.Store(data, "")
}

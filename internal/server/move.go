package server

import (
	"github.com/sirupsen/logrus"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/index"
	"github.com/flatmapit/gopacs/pkg/types"
)

// MoveStatus is the progress of one C-MOVE sub-operation.
type MoveStatus int

const (
	MovePending MoveStatus = iota
	MoveSuccess
	MoveFailure
)

// MoveIterator streams the instances resolved by a C-MOVE query to a
// remote application entity, one sub-operation per step.
type MoveIterator struct {
	ctx       *Context
	targetAET string
	sender    DicomSender
	instances []string
	position  int
	failed    int
}

// CreateMoveIterator resolves a C-MOVE identifier and opens a connection
// to the destination application entity.
func (c *Context) CreateMoveIterator(targetAET string, query dicom.Map) (*MoveIterator, error) {
	modality, ok := c.cfg.GetModality(targetAET)
	if !ok {
		return nil, errs.Newf(errs.ParameterOutOfRange, "unknown move destination %q", targetAET)
	}
	if c.NewSender == nil {
		return nil, errs.New(errs.NotImplemented, "no DICOM client is wired")
	}

	resources, err := c.FindResources(query)
	if err != nil {
		return nil, err
	}

	var instances []string
	for _, publicID := range resources {
		expanded, err := c.CollectInstances(publicID)
		if err != nil {
			return nil, err
		}
		instances = append(instances, expanded...)
	}

	sender, err := c.NewSender(modality)
	if err != nil {
		return nil, errs.Wrap(errs.NetworkProtocol, "cannot reach the move destination", err)
	}

	logrus.Infof("Starting C-MOVE of %d instance(s) towards %s", len(instances), targetAET)
	return &MoveIterator{
		ctx:       c,
		targetAET: targetAET,
		sender:    sender,
		instances: instances,
	}, nil
}

// Remaining returns the number of pending sub-operations.
func (it *MoveIterator) Remaining() int {
	return len(it.instances) - it.position
}

// Failed returns the number of failed sub-operations.
func (it *MoveIterator) Failed() int {
	return it.failed
}

// Next performs one sub-operation. It returns MovePending while instances
// remain, then MoveSuccess (or MoveFailure if any sub-operation failed).
func (it *MoveIterator) Next() MoveStatus {
	if it.position >= len(it.instances) {
		if it.failed > 0 {
			return MoveFailure
		}
		return MoveSuccess
	}

	instanceID := it.instances[it.position]
	it.position++

	if err := it.sendOne(instanceID); err != nil {
		logrus.Warnf("C-MOVE sub-operation for %s failed: %v", instanceID, err)
		it.failed++
	}
	return MovePending
}

func (it *MoveIterator) sendOne(instanceID string) error {
	data, err := it.ctx.ReadDicom(instanceID)
	if err != nil {
		return err
	}

	var sopClass, sopInstance, patientID, studyUID, seriesUID string
	_ = it.ctx.index.View(func(tx *index.Tx) error {
		id, _, ok := tx.LookupResource(instanceID)
		if !ok {
			return nil
		}
		merged := mergedTags(tx, id)
		sopClass = merged.GetString(dicom.TagSOPClassUID, "")
		sopInstance = merged.GetString(dicom.TagSOPInstanceUID, "")
		patientID = merged.GetString(dicom.TagPatientID, "")
		studyUID = merged.GetString(dicom.TagStudyInstanceUID, "")
		seriesUID = merged.GetString(dicom.TagSeriesInstanceUID, "")
		return nil
	})

	if err := it.sender.CStore(data, sopClass, sopInstance); err != nil {
		return err
	}

	it.ctx.writeMu.Lock()
	defer it.ctx.writeMu.Unlock()
	return it.ctx.index.Update(func(tx *index.Tx) error {
		return tx.LogExportedResource(types.ExportedResource{
			ResourceType:      types.ResourceInstance,
			PublicID:          instanceID,
			RemoteModality:    it.targetAET,
			PatientID:         patientID,
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: seriesUID,
			SOPInstanceUID:    sopInstance,
		})
	})
}

// Close releases the connection to the destination.
func (it *MoveIterator) Close() {
	if it.sender != nil {
		if err := it.sender.Close(); err != nil {
			logrus.Warnf("Error while closing the C-MOVE connection: %v", err)
		}
	}
}

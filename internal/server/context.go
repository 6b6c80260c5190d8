// Package server hosts the composition root of the PACS: the context
// mediating between the protocol surfaces, the metadata index, the
// content store and the parsed-instance cache.
package server

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	suyash "github.com/suyashkumar/dicom"

	"github.com/flatmapit/gopacs/internal/cache"
	"github.com/flatmapit/gopacs/internal/config"
	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/index"
	"github.com/flatmapit/gopacs/internal/lua"
	"github.com/flatmapit/gopacs/internal/storage"
	"github.com/flatmapit/gopacs/pkg/types"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// parsedInstanceCacheSize bounds the number of parsed DICOM files kept in
// memory.
const parsedInstanceCacheSize = 32

// megabyte converts the configured storage limit.
const megabyte = 1024 * 1024

// deletionLog buffers the side effects of one index transaction: blobs to
// unlink after commit, and the surviving ancestor of a cascade.
type deletionLog struct {
	files        []types.FileInfo
	ancestorType types.ResourceType
	ancestorID   string
	hasAncestor  bool
}

func (l *deletionLog) reset() {
	l.files = nil
	l.ancestorID = ""
	l.ancestorType = 0
	l.hasAncestor = false
}

func (l *deletionLog) SignalFileDeleted(info types.FileInfo) {
	l.files = append(l.files, info)
}

func (l *deletionLog) SignalRemainingAncestor(t types.ResourceType, publicID string) {
	l.ancestorType = t
	l.ancestorID = publicID
	l.hasAncestor = publicID != ""
}

// DicomSender pushes instances to a remote application entity; the
// concrete implementation lives in the DICOM user connection.
type DicomSender interface {
	CStore(data []byte, sopClassUID, sopInstanceUID string) error
	Close() error
}

// SenderFactory opens a connection to a configured remote modality.
type SenderFactory func(modality config.ModalityConfig) (DicomSender, error)

// StoreResult describes the outcome of storing one instance.
type StoreResult struct {
	Status     types.StoreStatus
	InstanceID string
	PatientID  string
	StudyID    string
	SeriesID   string
}

// Context is the server composition root.
type Context struct {
	cfg      *config.Config
	index    *index.Index
	store    *storage.FileStore
	accessor *storage.Accessor
	cache    *cache.InstanceCache
	uidGen   *dicom.UIDGenerator
	scripts  *lua.Engine
	metrics  *Metrics

	// NewSender is wired by the composition root to open DICOM client
	// connections for C-MOVE sub-operations.
	NewSender SenderFactory

	// writeMu serializes every mutating operation, giving the index its
	// single-writer discipline and keeping blob bookkeeping consistent.
	writeMu sync.Mutex

	deletions deletionLog

	// Storage limits, initialized from the configuration; adjustable at
	// runtime under writeMu.
	maxStorageSize  uint64 // bytes, 0 = unlimited
	maxPatientCount uint64 // 0 = unlimited
}

// New assembles a server context over its collaborators. The Lua engine
// may be nil.
func New(cfg *config.Config, scripts *lua.Engine) (*Context, error) {
	var compressor storage.BufferCompressor
	if cfg.StorageCompression {
		compressor = storage.ZlibCompressor{}
	}

	store, err := storage.NewFileStore(cfg.StorageDirectory, compressor)
	if err != nil {
		return nil, err
	}

	ctx := &Context{
		cfg:             cfg,
		store:           store,
		accessor:        storage.NewAccessor(store),
		uidGen:          dicom.NewUIDGenerator(cfg.OrgRoot),
		scripts:         scripts,
		metrics:         NewMetrics(),
		maxStorageSize:  cfg.MaximumStorageSize * megabyte,
		maxPatientCount: cfg.MaximumPatientCount,
	}

	if err := os.MkdirAll(cfg.IndexDirectory, 0755); err != nil {
		return nil, errs.Wrap(errs.CannotWriteFile, "cannot create the index directory", err)
	}
	idx, err := index.Open(cfg.IndexPath(), &ctx.deletions)
	if err != nil {
		return nil, err
	}
	ctx.index = idx

	ctx.cache = cache.NewInstanceCache(parsedInstanceCacheSize,
		func(publicID string) (interface{}, error) {
			data, err := ctx.ReadDicom(publicID)
			if err != nil {
				return nil, err
			}
			ds, err := dicom.ParseFile(data)
			if err != nil {
				return nil, err
			}
			return &ds, nil
		}, nil)

	return ctx, nil
}

// Close releases the index and the cache.
func (c *Context) Close() {
	c.cache.Close()
	if err := c.index.Close(); err != nil {
		logrus.Warnf("Error while closing the index: %v", err)
	}
}

// Config exposes the immutable configuration.
func (c *Context) Config() *config.Config {
	return c.cfg
}

// UIDGenerator exposes the shared UID generator.
func (c *Context) UIDGenerator() *dicom.UIDGenerator {
	return c.uidGen
}

// Scripts returns the Lua engine, possibly nil.
func (c *Context) Scripts() *lua.Engine {
	return c.scripts
}

// Metrics returns the server counters.
func (c *Context) Metrics() *Metrics {
	return c.metrics
}

// luaTags renders a summary for the script hooks.
func luaTags(summary dicom.Map) map[string]string {
	out := make(map[string]string, len(summary))
	for _, t := range summary.SortedTags() {
		out[dicom.TagName(t)] = summary.GetString(t, "")
	}
	return out
}

// Store ingests one DICOM instance given as Part-10 bytes. The hierarchy
// is created as needed, both attachments are written, and storage
// pressure is relieved by recycling the oldest unprotected patients.
func (c *Context) Store(data []byte, remoteAET string) (StoreResult, error) {
	ds, err := dicom.ParseFile(data)
	if err != nil {
		return StoreResult{Status: types.StoreFailure}, err
	}
	return c.storeParsed(ds, data, remoteAET)
}

func (c *Context) storeParsed(ds suyash.Dataset, data []byte, remoteAET string) (StoreResult, error) {
	summary := dicom.Summarize(ds)

	hasher, err := dicom.NewInstanceHasher(summary)
	if err != nil {
		return StoreResult{Status: types.StoreFailure}, err
	}

	result := StoreResult{
		InstanceID: hasher.HashInstance(),
		SeriesID:   hasher.HashSeries(),
		StudyID:    hasher.HashStudy(),
		PatientID:  hasher.HashPatient(),
	}

	if c.scripts != nil && !c.scripts.FilterIncomingInstance(luaTags(summary)) {
		logrus.Infof("Instance %s rejected by the incoming-instance filter", result.InstanceID)
		return StoreResult{Status: types.StoreFailure},
			errs.New(errs.BadRequest, "instance rejected by the incoming-instance filter")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Fast path: the instance is already known.
	alreadyStored := false
	_ = c.index.View(func(tx *index.Tx) error {
		_, _, alreadyStored = tx.LookupResource(result.InstanceID)
		return nil
	})
	if alreadyStored {
		result.Status = types.StoreAlreadyStored
		return result, nil
	}

	// Write both blobs before the transaction; they are orphans until
	// the commit publishes the attachment rows, and removed on failure.
	dicomInfo, err := c.accessor.Write(data, types.ContentDicom)
	if err != nil {
		return StoreResult{Status: types.StoreFailure}, err
	}

	jsonBytes, err := jsonAPI.Marshal(dicom.ToJSON(ds))
	if err != nil {
		_ = c.store.Remove(dicomInfo.UUID)
		return StoreResult{Status: types.StoreFailure},
			errs.Wrap(errs.InternalError, "cannot project instance to JSON", err)
	}
	jsonInfo, err := c.accessor.Write(jsonBytes, types.ContentDicomAsJson)
	if err != nil {
		_ = c.store.Remove(dicomInfo.UUID)
		return StoreResult{Status: types.StoreFailure}, err
	}

	c.deletions.reset()
	err = c.index.Update(func(tx *index.Tx) error {
		return c.storeInTransaction(tx, summary, hasher, dicomInfo, jsonInfo, remoteAET, &result)
	})

	if err != nil {
		_ = c.store.Remove(dicomInfo.UUID)
		_ = c.store.Remove(jsonInfo.UUID)
		if errors.Is(err, errAlreadyStored) {
			result.Status = types.StoreAlreadyStored
			return result, nil
		}
		result.Status = types.StoreFailure
		return result, err
	}

	c.unlinkDeletedFiles()

	c.metrics.InstancesStored.Inc()
	logrus.Infof("Stored instance %s from %q", result.InstanceID, remoteAET)

	if c.scripts != nil {
		c.scripts.OnStoredInstance(result.InstanceID, luaTags(summary))
	}

	result.Status = types.StoreSuccess
	return result, nil
}

// errAlreadyStored aborts the transaction when a concurrent store won the
// race for the same instance.
var errAlreadyStored = errs.New(errs.BadSequenceOfCalls, "instance already stored")

func (c *Context) storeInTransaction(tx *index.Tx, summary dicom.Map,
	hasher *dicom.InstanceHasher, dicomInfo, jsonInfo types.FileInfo,
	remoteAET string, result *StoreResult) error {

	if _, _, ok := tx.LookupResource(result.InstanceID); ok {
		return errAlreadyStored
	}

	// Create the missing part of the ancestor chain, top down.
	type levelSpec struct {
		level    types.ResourceType
		publicID string
		change   types.ChangeType
	}
	specs := []levelSpec{
		{types.ResourcePatient, result.PatientID, types.ChangeNewPatient},
		{types.ResourceStudy, result.StudyID, types.ChangeNewStudy},
		{types.ResourceSeries, result.SeriesID, types.ChangeNewSeries},
		{types.ResourceInstance, result.InstanceID, types.ChangeNewInstance},
	}

	var parent int64
	var patientInternal int64
	patientIsNew := false

	for i, spec := range specs {
		id, _, exists := tx.LookupResource(spec.publicID)
		if !exists {
			var err error
			id, err = tx.CreateResource(spec.publicID, spec.level)
			if err != nil {
				return err
			}
			if i > 0 {
				if err := tx.AttachChild(parent, id); err != nil {
					return err
				}
			}
			if err := tx.SetMainDicomTags(id, summary.ExtractMainTags(spec.level)); err != nil {
				return err
			}
			if err := tx.LogChange(spec.change, spec.level, spec.publicID); err != nil {
				return err
			}
			if spec.level == types.ResourcePatient {
				patientIsNew = true
			}
		}
		if spec.level == types.ResourcePatient {
			patientInternal = id
		}
		parent = id
	}
	instanceInternal := parent

	if !patientIsNew {
		tx.TouchPatient(patientInternal)
	}

	if err := tx.AddAttachment(instanceInternal, dicomInfo); err != nil {
		return err
	}
	if err := tx.AddAttachment(instanceInternal, jsonInfo); err != nil {
		return err
	}

	if err := tx.SetMetadata(instanceInternal, types.MetadataRemoteAET, remoteAET); err != nil {
		return err
	}
	reception := time.Now().UTC().Format("20060102T150405")
	if err := tx.SetMetadata(instanceInternal, types.MetadataReceptionDate, reception); err != nil {
		return err
	}
	if number, ok := summary.Get(dicom.TagInstanceNumber); ok && !number.IsNull() {
		if err := tx.SetMetadata(instanceInternal, types.MetadataIndexInSeries, number.AsString()); err != nil {
			return err
		}
	}

	return c.enforceLimits(tx, patientInternal)
}

// enforceLimits recycles the oldest unprotected patients while the
// configured storage or patient-count limits are exceeded. The patient
// being stored is never selected.
func (c *Context) enforceLimits(tx *index.Tx, currentPatient int64) error {
	for {
		stats := tx.GetStatistics()

		overSize := c.maxStorageSize > 0 && stats.TotalCompressedSize > c.maxStorageSize
		overCount := c.maxPatientCount > 0 && stats.CountPatients > c.maxPatientCount

		if !overSize && !overCount {
			return nil
		}

		victim, ok := tx.SelectPatientToRecycle(currentPatient)
		if !ok {
			return errs.New(errs.FullStorage, "storage limits exceeded and no patient is recyclable")
		}

		publicID, _ := tx.GetPublicID(victim)
		logrus.Infof("Recycling patient %s to reclaim storage", publicID)
		if err := tx.DeleteResource(victim); err != nil {
			return err
		}
		c.metrics.PatientsRecycled.Inc()
	}
}

// SetMaximumStorageSize adjusts the storage limit at runtime (MB, 0 for
// unlimited).
func (c *Context) SetMaximumStorageSize(megabytes uint64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.maxStorageSize = megabytes * megabyte
}

// SetMaximumPatientCount adjusts the patient-count limit at runtime (0
// for unlimited).
func (c *Context) SetMaximumPatientCount(count uint64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.maxPatientCount = count
}

// unlinkDeletedFiles removes from the content store every blob whose
// attachment row vanished in the last committed transaction.
func (c *Context) unlinkDeletedFiles() {
	for _, info := range c.deletions.files {
		if err := c.store.Remove(info.UUID); err != nil {
			logrus.Warnf("Cannot remove blob %s: %v", info.UUID, err)
		}
	}
	c.deletions.files = nil
}

// ResourceInfo is the REST projection of one resource.
type ResourceInfo struct {
	ID       string             `json:"ID"`
	Type     string             `json:"Type"`
	ParentID string             `json:"-"`
	Level    types.ResourceType `json:"-"`
	Children []string           `json:"-"`
	MainTags map[string]string  `json:"MainDicomTags"`
	Metadata map[string]string  `json:"-"`
}

// LookupResource resolves a public id to its level.
func (c *Context) LookupResource(publicID string) (types.ResourceType, bool) {
	var level types.ResourceType
	found := false
	_ = c.index.View(func(tx *index.Tx) error {
		_, level, found = tx.LookupResource(publicID)
		return nil
	})
	return level, found
}

// GetResource describes one resource, its indexed tags and children.
func (c *Context) GetResource(publicID string) (ResourceInfo, error) {
	var info ResourceInfo
	err := c.index.View(func(tx *index.Tx) error {
		id, level, ok := tx.LookupResource(publicID)
		if !ok {
			return errs.Newf(errs.UnknownResource, "no such resource: %s", publicID)
		}

		info.ID = publicID
		info.Level = level
		info.Type = level.String()
		info.Children = tx.GetChildrenPublicID(id)
		if parent, ok := tx.GetParentPublicID(id); ok {
			info.ParentID = parent
		}

		info.MainTags = make(map[string]string)
		tags := tx.GetMainDicomTags(id)
		for _, t := range tags.SortedTags() {
			info.MainTags[dicom.TagName(t)] = tags.GetString(t, "")
		}

		info.Metadata = make(map[string]string)
		for _, md := range tx.ListAvailableMetadata(id) {
			if value, ok := tx.LookupMetadata(id, md); ok {
				info.Metadata[metadataName(md)] = value
			}
		}
		return nil
	})
	return info, err
}

func metadataName(md types.MetadataType) string {
	switch md {
	case types.MetadataIndexInSeries:
		return "IndexInSeries"
	case types.MetadataReceptionDate:
		return "ReceptionDate"
	case types.MetadataRemoteAET:
		return "RemoteAET"
	case types.MetadataModifiedFrom:
		return "ModifiedFrom"
	case types.MetadataAnonymizedFrom:
		return "AnonymizedFrom"
	case types.MetadataLastUpdate:
		return "LastUpdate"
	default:
		return fmt.Sprintf("%d", int(md))
	}
}

// ListResources lists the public ids of one level.
func (c *Context) ListResources(level types.ResourceType) []string {
	var out []string
	_ = c.index.View(func(tx *index.Tx) error {
		out = tx.GetAllPublicIDs(level)
		return nil
	})
	if out == nil {
		out = []string{}
	}
	return out
}

// Read returns the content of an attachment of a resource. A missing
// attachment surfaces as UnknownResource.
func (c *Context) Read(publicID string, content types.ContentType) ([]byte, error) {
	var info types.FileInfo
	err := c.index.View(func(tx *index.Tx) error {
		id, _, ok := tx.LookupResource(publicID)
		if !ok {
			return errs.Newf(errs.UnknownResource, "no such resource: %s", publicID)
		}
		info, ok = tx.LookupAttachment(id, content)
		if !ok {
			return errs.Newf(errs.UnknownResource, "resource %s has no such attachment", publicID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.accessor.Read(info)
}

// ReadDicom returns the DICOM file of an instance.
func (c *Context) ReadDicom(instanceID string) ([]byte, error) {
	return c.Read(instanceID, types.ContentDicom)
}

// ReadJSON returns the JSON projection of an instance.
func (c *Context) ReadJSON(instanceID string) ([]byte, error) {
	return c.Read(instanceID, types.ContentDicomAsJson)
}

// AnswerFile returns the DICOM attachment of an instance, for the
// protocol layers that stream files verbatim.
func (c *Context) AnswerFile(instanceID string) ([]byte, error) {
	return c.ReadDicom(instanceID)
}

// AccessParsed grants scoped access to the parsed form of an instance
// through the LRU cache.
func (c *Context) AccessParsed(instanceID string) (*cache.Guard, error) {
	return c.cache.Access(instanceID)
}

// DeleteResource removes a resource subtree. The cascade signals every
// blob to unlink; the surviving ancestor, if any, is reported to the
// change feed.
func (c *Context) DeleteResource(publicID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.deletions.reset()
	err := c.index.Update(func(tx *index.Tx) error {
		id, level, ok := tx.LookupResource(publicID)
		if !ok {
			return errs.Newf(errs.UnknownResource, "no such resource: %s", publicID)
		}
		if err := tx.DeleteResource(id); err != nil {
			return err
		}
		if err := tx.LogChange(types.ChangeDeleted, level, publicID); err != nil {
			return err
		}
		if c.deletions.hasAncestor {
			if err := tx.LogChange(modifiedChange(c.deletions.ancestorType),
				c.deletions.ancestorType, c.deletions.ancestorID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.unlinkDeletedFiles()
	c.cache.Invalidate(publicID)
	return nil
}

func modifiedChange(level types.ResourceType) types.ChangeType {
	switch level {
	case types.ResourcePatient:
		return types.ChangeModifiedPatient
	case types.ResourceStudy:
		return types.ChangeModifiedStudy
	default:
		return types.ChangeModifiedSeries
	}
}

// ChangeFeedLimit clamps the page size of the change and export feeds.
const ChangeFeedLimit = 100

// GetChanges pages through the change feed.
func (c *Context) GetChanges(since int64, limit int) ([]types.Change, bool) {
	if limit <= 0 || limit > ChangeFeedLimit {
		limit = ChangeFeedLimit
	}
	var changes []types.Change
	done := true
	_ = c.index.View(func(tx *index.Tx) error {
		changes, done = tx.GetChanges(since, limit)
		return nil
	})
	return changes, done
}

// GetLastChange returns the most recent change entry.
func (c *Context) GetLastChange() (types.Change, bool) {
	var change types.Change
	found := false
	_ = c.index.View(func(tx *index.Tx) error {
		change, found = tx.GetLastChange()
		return nil
	})
	return change, found
}

// ClearChanges wipes the change feed.
func (c *Context) ClearChanges() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.index.Update(func(tx *index.Tx) error {
		tx.ClearChanges()
		return nil
	})
}

// GetExports pages through the export log.
func (c *Context) GetExports(since int64, limit int) ([]types.ExportedResource, bool) {
	if limit <= 0 || limit > ChangeFeedLimit {
		limit = ChangeFeedLimit
	}
	var exports []types.ExportedResource
	done := true
	_ = c.index.View(func(tx *index.Tx) error {
		exports, done = tx.GetExportedResources(since, limit)
		return nil
	})
	return exports, done
}

// ClearExports wipes the export log.
func (c *Context) ClearExports() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.index.Update(func(tx *index.Tx) error {
		tx.ClearExports()
		return nil
	})
}

// SetPatientProtection flips the recycling protection of a patient.
func (c *Context) SetPatientProtection(publicID string, protected bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.index.Update(func(tx *index.Tx) error {
		id, level, ok := tx.LookupResource(publicID)
		if !ok || level != types.ResourcePatient {
			return errs.Newf(errs.UnknownResource, "no such patient: %s", publicID)
		}
		tx.SetProtectedPatient(id, protected)
		return nil
	})
}

// IsPatientProtected reads the recycling protection of a patient.
func (c *Context) IsPatientProtected(publicID string) (bool, error) {
	protected := false
	err := c.index.View(func(tx *index.Tx) error {
		id, level, ok := tx.LookupResource(publicID)
		if !ok || level != types.ResourcePatient {
			return errs.Newf(errs.UnknownResource, "no such patient: %s", publicID)
		}
		protected = tx.IsProtectedPatient(id)
		return nil
	})
	return protected, err
}

// Statistics is the REST projection of the index counters.
type Statistics struct {
	CountPatients         uint64 `json:"CountPatients"`
	CountStudies          uint64 `json:"CountStudies"`
	CountSeries           uint64 `json:"CountSeries"`
	CountInstances        uint64 `json:"CountInstances"`
	TotalDiskSize         string `json:"TotalDiskSize"`
	TotalUncompressedSize string `json:"TotalUncompressedSize"`
}

// GetStatistics summarizes the index content.
func (c *Context) GetStatistics() Statistics {
	var stats index.Statistics
	_ = c.index.View(func(tx *index.Tx) error {
		stats = tx.GetStatistics()
		return nil
	})
	return Statistics{
		CountPatients:         stats.CountPatients,
		CountStudies:          stats.CountStudies,
		CountSeries:           stats.CountSeries,
		CountInstances:        stats.CountInstances,
		TotalDiskSize:         fmt.Sprintf("%d", stats.TotalCompressedSize),
		TotalUncompressedSize: fmt.Sprintf("%d", stats.TotalUncompressedSize),
	}
}

// CollectInstances expands a resource subtree into its instance ids.
func (c *Context) CollectInstances(publicID string) ([]string, error) {
	var instances []string
	err := c.index.View(func(tx *index.Tx) error {
		id, level, ok := tx.LookupResource(publicID)
		if !ok {
			return errs.Newf(errs.UnknownResource, "no such resource: %s", publicID)
		}
		collectInstances(tx, id, level, &instances)
		return nil
	})
	return instances, err
}

func collectInstances(tx *index.Tx, id int64, level types.ResourceType, out *[]string) {
	if level == types.ResourceInstance {
		if publicID, err := tx.GetPublicID(id); err == nil {
			*out = append(*out, publicID)
		}
		return
	}
	for _, child := range tx.GetChildren(id) {
		collectInstances(tx, child, level.Child(), out)
	}
}

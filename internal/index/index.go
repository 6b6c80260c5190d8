package index

import (
	"strings"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/pkg/types"
)

// Listener receives the side effects of cascading deletions: the content
// store unlinks a blob exactly when SignalFileDeleted fires, and the
// caller records a change for the nearest surviving ancestor.
type Listener interface {
	SignalFileDeleted(info types.FileInfo)
	SignalRemainingAncestor(resourceType types.ResourceType, publicID string)
}

// NopListener ignores every signal.
type NopListener struct{}

func (NopListener) SignalFileDeleted(types.FileInfo)                   {}
func (NopListener) SignalRemainingAncestor(types.ResourceType, string) {}

// Statistics summarizes the index content.
type Statistics struct {
	CountPatients         uint64 `json:"CountPatients"`
	CountStudies          uint64 `json:"CountStudies"`
	CountSeries           uint64 `json:"CountSeries"`
	CountInstances        uint64 `json:"CountInstances"`
	TotalUncompressedSize uint64 `json:"-"`
	TotalCompressedSize   uint64 `json:"-"`
}

// Index is the metadata database. Writes run inside serialized
// read-write transactions (Update) and reads inside read-only ones
// (View); buntdb provides the single-writer discipline and rollback on
// error.
type Index struct {
	db       *buntdb.DB
	listener Listener
}

// Open opens or creates the index database. Use ":memory:" for an
// ephemeral index. The schema version of an existing database must match.
func Open(path string, listener Listener) (*Index, error) {
	if listener == nil {
		listener = NopListener{}
	}

	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.CannotWriteFile, "cannot open index database", err)
	}

	idx := &Index{db: db, listener: listener}

	err = idx.Update(func(tx *Tx) error {
		version, ok := tx.LookupGlobalProperty("DatabaseSchemaVersion")
		if !ok {
			tx.SetGlobalProperty("DatabaseSchemaVersion", SchemaVersion)
			return nil
		}
		if version != SchemaVersion {
			return errs.Newf(errs.IncompatibleDatabaseVersion,
				"index database has schema version %s, expected %s", version, SchemaVersion)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return idx, nil
}

// Close releases the database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Tx exposes the index operations inside one transaction.
type Tx struct {
	btx      *buntdb.Tx
	listener Listener
}

// Update runs fn inside a read-write transaction. If fn returns an error
// the transaction is rolled back and the error surfaced.
func (i *Index) Update(fn func(*Tx) error) error {
	return i.db.Update(func(btx *buntdb.Tx) error {
		return fn(&Tx{btx: btx, listener: i.listener})
	})
}

// View runs fn inside a read-only transaction.
func (i *Index) View(fn func(*Tx) error) error {
	return i.db.View(func(btx *buntdb.Tx) error {
		return fn(&Tx{btx: btx, listener: i.listener})
	})
}

func (t *Tx) get(key string) (string, bool) {
	v, err := t.btx.Get(key)
	if err != nil {
		return "", false
	}
	return v, true
}

func (t *Tx) set(key, value string) error {
	_, _, err := t.btx.Set(key, value, nil)
	if err != nil {
		return errs.Wrap(errs.InternalError, "index write failed", err)
	}
	return nil
}

func (t *Tx) delete(key string) {
	_, _ = t.btx.Delete(key)
}

func (t *Tx) ascend(pattern string, fn func(key, value string) bool) {
	_ = t.btx.AscendKeys(pattern, fn)
}

func (t *Tx) nextSequence(name string) int64 {
	next := parseInt(t.firstOr(counterKey(name), "0")) + 1
	_ = t.set(counterKey(name), formatInt(next))
	return next
}

func (t *Tx) firstOr(key, fallback string) string {
	if v, ok := t.get(key); ok {
		return v
	}
	return fallback
}

func (t *Tx) addStat(name string, delta int64) {
	current := int64(parseUint(t.firstOr(statKey(name), "0")))
	current += delta
	if current < 0 {
		current = 0
	}
	_ = t.set(statKey(name), formatInt(current))
}

func statName(resourceType types.ResourceType) string {
	return "count:" + resourceType.String()
}

// --- Resources --------------------------------------------------------

// CreateResource inserts a node and returns its internal id. A patient
// enters the recycling order immediately.
func (t *Tx) CreateResource(publicID string, resourceType types.ResourceType) (int64, error) {
	if _, ok := t.get(lookupKey(publicID)); ok {
		return 0, errs.Newf(errs.InternalError, "resource already exists: %s", publicID)
	}

	id := t.nextSequence("resources")
	record, err := jsonAPI.MarshalToString(resourceRecord{PublicID: publicID, Type: resourceType})
	if err != nil {
		return 0, errs.Wrap(errs.InternalError, "cannot marshal resource", err)
	}

	if err := t.set(resourceKey(id), record); err != nil {
		return 0, err
	}
	if err := t.set(lookupKey(publicID), formatInt(id)); err != nil {
		return 0, err
	}
	t.addStat(statName(resourceType), 1)

	if resourceType == types.ResourcePatient {
		t.enqueueRecycling(id)
	}
	return id, nil
}

func (t *Tx) resource(id int64) (resourceRecord, bool) {
	raw, ok := t.get(resourceKey(id))
	if !ok {
		return resourceRecord{}, false
	}
	var record resourceRecord
	if err := jsonAPI.UnmarshalFromString(raw, &record); err != nil {
		return resourceRecord{}, false
	}
	return record, true
}

func (t *Tx) putResource(id int64, record resourceRecord) error {
	raw, err := jsonAPI.MarshalToString(record)
	if err != nil {
		return errs.Wrap(errs.InternalError, "cannot marshal resource", err)
	}
	return t.set(resourceKey(id), raw)
}

// LookupResource resolves a public id.
func (t *Tx) LookupResource(publicID string) (int64, types.ResourceType, bool) {
	raw, ok := t.get(lookupKey(publicID))
	if !ok {
		return 0, 0, false
	}
	id := parseInt(raw)
	record, ok := t.resource(id)
	if !ok {
		return 0, 0, false
	}
	return id, record.Type, true
}

// IsExistingResource tells whether the internal id is live.
func (t *Tx) IsExistingResource(id int64) bool {
	_, ok := t.resource(id)
	return ok
}

// GetPublicID returns the public id of a node.
func (t *Tx) GetPublicID(id int64) (string, error) {
	record, ok := t.resource(id)
	if !ok {
		return "", errs.Newf(errs.InexistentItem, "unknown resource id %d", id)
	}
	return record.PublicID, nil
}

// GetResourceType returns the level of a node.
func (t *Tx) GetResourceType(id int64) (types.ResourceType, error) {
	record, ok := t.resource(id)
	if !ok {
		return 0, errs.Newf(errs.InexistentItem, "unknown resource id %d", id)
	}
	return record.Type, nil
}

// AttachChild links child under parent.
func (t *Tx) AttachChild(parent, child int64) error {
	record, ok := t.resource(child)
	if !ok {
		return errs.Newf(errs.InexistentItem, "unknown resource id %d", child)
	}
	record.Parent = parent
	if err := t.putResource(child, record); err != nil {
		return err
	}
	return t.set(childKey(parent, child), formatInt(child))
}

// LookupParent returns the parent of a node, if any.
func (t *Tx) LookupParent(child int64) (int64, bool) {
	record, ok := t.resource(child)
	if !ok || record.Parent == 0 {
		return 0, false
	}
	return record.Parent, true
}

// GetParentPublicID returns the public id of the parent of a node.
func (t *Tx) GetParentPublicID(child int64) (string, bool) {
	parent, ok := t.LookupParent(child)
	if !ok {
		return "", false
	}
	record, ok := t.resource(parent)
	if !ok {
		return "", false
	}
	return record.PublicID, true
}

// GetChildren returns the internal ids of the children of a node.
func (t *Tx) GetChildren(id int64) []int64 {
	var children []int64
	t.ascend(childPrefix(id), func(_, value string) bool {
		children = append(children, parseInt(value))
		return true
	})
	return children
}

// GetChildrenPublicID returns the public ids of the children of a node.
func (t *Tx) GetChildrenPublicID(id int64) []string {
	var out []string
	for _, child := range t.GetChildren(id) {
		if record, ok := t.resource(child); ok {
			out = append(out, record.PublicID)
		}
	}
	return out
}

// GetAllPublicIDs lists every resource of one level.
func (t *Tx) GetAllPublicIDs(resourceType types.ResourceType) []string {
	var out []string
	t.ascend("resource:*", func(_, value string) bool {
		var record resourceRecord
		if err := jsonAPI.UnmarshalFromString(value, &record); err == nil &&
			record.Type == resourceType {
			out = append(out, record.PublicID)
		}
		return true
	})
	return out
}

// --- Main DICOM tags --------------------------------------------------

// SetMainDicomTags copies the indexed tags of one level into the index.
func (t *Tx) SetMainDicomTags(id int64, tags dicom.Map) error {
	for _, tag := range tags.SortedTags() {
		value := tags.GetString(tag, "")
		if err := t.set(mainTagKey(id, tag.String()), value); err != nil {
			return err
		}
		if err := t.set(tagIndexKey(tag.String(), value, id), formatInt(id)); err != nil {
			return err
		}
	}
	return nil
}

// GetMainDicomTags reads back the indexed tags of a node.
func (t *Tx) GetMainDicomTags(id int64) dicom.Map {
	tags := dicom.NewMap()
	t.ascend(mainTagPrefix(id), func(key, value string) bool {
		raw := key[strings.LastIndex(key, "/")+1:]
		if tag, err := dicom.ParseTag(raw); err == nil {
			tags.SetString(tag, value)
		}
		return true
	})
	return tags
}

func (t *Tx) deleteMainTags(id int64) {
	type pair struct{ key, tag, value string }
	var doomed []pair
	t.ascend(mainTagPrefix(id), func(key, value string) bool {
		raw := key[strings.LastIndex(key, "/")+1:]
		doomed = append(doomed, pair{key: key, tag: raw, value: value})
		return true
	})
	for _, p := range doomed {
		t.delete(p.key)
		t.delete(tagIndexKey(p.tag, p.value, id))
	}
}

// LookupTagValue returns the resources whose indexed tag carries value.
func (t *Tx) LookupTagValue(tag dicom.Tag, value string) []int64 {
	var out []int64
	t.ascend(tagIndexPrefix(tag.String(), value), func(_, v string) bool {
		out = append(out, parseInt(v))
		return true
	})
	return out
}

// --- Metadata ---------------------------------------------------------

// SetMetadata writes one metadata entry.
func (t *Tx) SetMetadata(id int64, md types.MetadataType, value string) error {
	return t.set(metadataKey(id, md), value)
}

// LookupMetadata reads one metadata entry.
func (t *Tx) LookupMetadata(id int64, md types.MetadataType) (string, bool) {
	return t.get(metadataKey(id, md))
}

// GetMetadata reads one metadata entry with a fallback.
func (t *Tx) GetMetadata(id int64, md types.MetadataType, fallback string) string {
	if v, ok := t.LookupMetadata(id, md); ok {
		return v
	}
	return fallback
}

// DeleteMetadata removes one metadata entry.
func (t *Tx) DeleteMetadata(id int64, md types.MetadataType) {
	t.delete(metadataKey(id, md))
}

// ListAvailableMetadata lists the metadata types present on a node.
func (t *Tx) ListAvailableMetadata(id int64) []types.MetadataType {
	var out []types.MetadataType
	t.ascend(metadataPrefix(id), func(key, _ string) bool {
		raw := key[strings.LastIndex(key, "/")+1:]
		out = append(out, types.MetadataType(parseInt(strings.TrimLeft(raw, "0"))))
		return true
	})
	return out
}

// --- Attachments ------------------------------------------------------

// AddAttachment binds a blob to a node. An existing attachment of the
// same content type is replaced; its blob is signalled as deleted.
func (t *Tx) AddAttachment(id int64, info types.FileInfo) error {
	if !t.IsExistingResource(id) {
		return errs.Newf(errs.InexistentItem, "unknown resource id %d", id)
	}

	if old, ok := t.LookupAttachment(id, info.ContentType); ok {
		t.addStat("size:uncompressed", -int64(old.UncompressedSize))
		t.addStat("size:compressed", -int64(old.CompressedSize))
		t.listener.SignalFileDeleted(old)
	}

	raw, err := jsonAPI.MarshalToString(info)
	if err != nil {
		return errs.Wrap(errs.InternalError, "cannot marshal attachment", err)
	}
	if err := t.set(attachmentKey(id, info.ContentType), raw); err != nil {
		return err
	}
	t.addStat("size:uncompressed", int64(info.UncompressedSize))
	t.addStat("size:compressed", int64(info.CompressedSize))
	return nil
}

// LookupAttachment finds the attachment of a given content type.
func (t *Tx) LookupAttachment(id int64, content types.ContentType) (types.FileInfo, bool) {
	raw, ok := t.get(attachmentKey(id, content))
	if !ok {
		return types.FileInfo{}, false
	}
	var info types.FileInfo
	if err := jsonAPI.UnmarshalFromString(raw, &info); err != nil {
		return types.FileInfo{}, false
	}
	return info, true
}

// ListAttachments returns every attachment of a node.
func (t *Tx) ListAttachments(id int64) []types.FileInfo {
	var out []types.FileInfo
	t.ascend(attachmentPrefix(id), func(_, value string) bool {
		var info types.FileInfo
		if err := jsonAPI.UnmarshalFromString(value, &info); err == nil {
			out = append(out, info)
		}
		return true
	})
	return out
}

// --- Cascading delete -------------------------------------------------

// DeleteResource removes a node and its whole subtree, signalling every
// attachment blob on the way. When the deletion empties the parent, the
// parent is removed as well, recursively; the nearest surviving ancestor
// is signalled last (with an empty id when a whole patient went away).
func (t *Tx) DeleteResource(id int64) error {
	record, ok := t.resource(id)
	if !ok {
		return errs.Newf(errs.InexistentItem, "unknown resource id %d", id)
	}

	parent := record.Parent
	t.deleteSubtree(id)

	current := parent
	for current != 0 {
		if len(t.GetChildren(current)) > 0 {
			record, _ := t.resource(current)
			t.listener.SignalRemainingAncestor(record.Type, record.PublicID)
			return nil
		}
		record, _ := t.resource(current)
		next := record.Parent
		t.deleteNode(current, record)
		current = next
	}

	t.listener.SignalRemainingAncestor(0, "")
	return nil
}

func (t *Tx) deleteSubtree(id int64) {
	record, ok := t.resource(id)
	if !ok {
		return
	}
	for _, child := range t.GetChildren(id) {
		t.deleteSubtree(child)
	}
	t.deleteNode(id, record)
}

// deleteNode erases one node and every row that references it.
func (t *Tx) deleteNode(id int64, record resourceRecord) {
	for _, info := range t.ListAttachments(id) {
		t.addStat("size:uncompressed", -int64(info.UncompressedSize))
		t.addStat("size:compressed", -int64(info.CompressedSize))
		t.listener.SignalFileDeleted(info)
	}

	var doomed []string
	collect := func(key, _ string) bool {
		doomed = append(doomed, key)
		return true
	}
	t.ascend(attachmentPrefix(id), collect)
	t.ascend(metadataPrefix(id), collect)
	t.ascend(childPrefix(id), collect)
	for _, key := range doomed {
		t.delete(key)
	}

	t.deleteMainTags(id)

	if record.Parent != 0 {
		t.delete(childKey(record.Parent, id))
	}
	if record.Type == types.ResourcePatient {
		t.dequeueRecycling(id)
	}

	t.delete(lookupKey(record.PublicID))
	t.delete(resourceKey(id))
	t.addStat(statName(record.Type), -1)
}

// --- Changes and exports ----------------------------------------------

func now() string {
	return time.Now().UTC().Format("20060102T150405")
}

// LogChange appends an entry to the change feed.
func (t *Tx) LogChange(change types.ChangeType, resourceType types.ResourceType, publicID string) error {
	seq := t.nextSequence("changes")
	entry := types.Change{
		Seq:          seq,
		ChangeType:   change,
		ResourceType: resourceType,
		PublicID:     publicID,
		Date:         now(),
	}
	raw, err := jsonAPI.MarshalToString(entry)
	if err != nil {
		return errs.Wrap(errs.InternalError, "cannot marshal change", err)
	}
	return t.set(changeKey(seq), raw)
}

// GetChanges pages through the change feed: entries with seq > since, in
// ascending order, at most limit of them. done reports whether the end of
// the feed was reached.
func (t *Tx) GetChanges(since int64, limit int) (changes []types.Change, done bool) {
	done = true
	t.ascend("change:*", func(_, value string) bool {
		var entry types.Change
		if err := jsonAPI.UnmarshalFromString(value, &entry); err != nil {
			return true
		}
		if entry.Seq <= since {
			return true
		}
		if len(changes) >= limit {
			done = false
			return false
		}
		changes = append(changes, entry)
		return true
	})
	return changes, done
}

// GetLastChange returns the most recent change, if any.
func (t *Tx) GetLastChange() (types.Change, bool) {
	raw := t.firstOr(counterKey("changes"), "0")
	last := parseInt(raw)
	if last == 0 {
		return types.Change{}, false
	}
	value, ok := t.get(changeKey(last))
	if !ok {
		return types.Change{}, false
	}
	var entry types.Change
	if err := jsonAPI.UnmarshalFromString(value, &entry); err != nil {
		return types.Change{}, false
	}
	return entry, true
}

// ClearChanges wipes the change feed without resetting its sequence.
func (t *Tx) ClearChanges() {
	var doomed []string
	t.ascend("change:*", func(key, _ string) bool {
		doomed = append(doomed, key)
		return true
	})
	for _, key := range doomed {
		t.delete(key)
	}
}

// LogExportedResource appends an entry to the export log.
func (t *Tx) LogExportedResource(entry types.ExportedResource) error {
	entry.Seq = t.nextSequence("exports")
	entry.Date = now()
	raw, err := jsonAPI.MarshalToString(entry)
	if err != nil {
		return errs.Wrap(errs.InternalError, "cannot marshal export", err)
	}
	return t.set(exportKey(entry.Seq), raw)
}

// GetExportedResources pages through the export log.
func (t *Tx) GetExportedResources(since int64, limit int) (exports []types.ExportedResource, done bool) {
	done = true
	t.ascend("export:*", func(_, value string) bool {
		var entry types.ExportedResource
		if err := jsonAPI.UnmarshalFromString(value, &entry); err != nil {
			return true
		}
		if entry.Seq <= since {
			return true
		}
		if len(exports) >= limit {
			done = false
			return false
		}
		exports = append(exports, entry)
		return true
	})
	return exports, done
}

// ClearExports wipes the export log.
func (t *Tx) ClearExports() {
	var doomed []string
	t.ascend("export:*", func(key, _ string) bool {
		doomed = append(doomed, key)
		return true
	})
	for _, key := range doomed {
		t.delete(key)
	}
}

// --- Global properties ------------------------------------------------

// SetGlobalProperty writes a global property.
func (t *Tx) SetGlobalProperty(name, value string) {
	_ = t.set(propertyKey(name), value)
}

// LookupGlobalProperty reads a global property.
func (t *Tx) LookupGlobalProperty(name string) (string, bool) {
	return t.get(propertyKey(name))
}

// GetGlobalProperty reads a global property with a fallback.
func (t *Tx) GetGlobalProperty(name, fallback string) string {
	if v, ok := t.LookupGlobalProperty(name); ok {
		return v
	}
	return fallback
}

// IncrementGlobalSequence increments a named sequence and returns its new
// value; the first call returns 1.
func (t *Tx) IncrementGlobalSequence(name string) uint64 {
	next := parseUint(t.GetGlobalProperty(name, "0")) + 1
	t.SetGlobalProperty(name, formatUint(next))
	return next
}

// --- Patient recycling ------------------------------------------------

func (t *Tx) enqueueRecycling(patient int64) {
	seq := t.nextSequence("recycling")
	_ = t.set(recyclingKey(seq), formatInt(patient))
	_ = t.set(recyclingRefKey(patient), formatInt(seq))
}

func (t *Tx) dequeueRecycling(patient int64) {
	if raw, ok := t.get(recyclingRefKey(patient)); ok {
		t.delete(recyclingKey(parseInt(raw)))
		t.delete(recyclingRefKey(patient))
	}
}

// TouchPatient moves an unprotected patient to the most recent end of the
// recycling order. Protected patients are left alone.
func (t *Tx) TouchPatient(patient int64) {
	if _, ok := t.get(recyclingRefKey(patient)); !ok {
		return // protected
	}
	t.dequeueRecycling(patient)
	t.enqueueRecycling(patient)
}

// IsProtectedPatient tells whether the patient is excluded from recycling.
func (t *Tx) IsProtectedPatient(patient int64) bool {
	_, ok := t.get(recyclingRefKey(patient))
	return !ok
}

// SetProtectedPatient flips the protection flag. Unprotecting re-enters
// the patient at the most recent end of the recycling order.
func (t *Tx) SetProtectedPatient(patient int64, protected bool) {
	current := t.IsProtectedPatient(patient)
	if protected == current {
		return
	}
	if protected {
		t.dequeueRecycling(patient)
	} else {
		t.enqueueRecycling(patient)
	}
}

// SelectPatientToRecycle returns the oldest patient of the recycling
// order whose id differs from every entry of avoid.
func (t *Tx) SelectPatientToRecycle(avoid ...int64) (int64, bool) {
	var found int64
	ok := false
	t.ascend("recycling:*", func(_, value string) bool {
		id := parseInt(value)
		for _, a := range avoid {
			if id == a {
				return true
			}
		}
		found, ok = id, true
		return false
	})
	return found, ok
}

// --- Statistics -------------------------------------------------------

// GetStatistics returns the running counters.
func (t *Tx) GetStatistics() Statistics {
	count := func(rt types.ResourceType) uint64 {
		return parseUint(t.firstOr(statKey(statName(rt)), "0"))
	}
	return Statistics{
		CountPatients:         count(types.ResourcePatient),
		CountStudies:          count(types.ResourceStudy),
		CountSeries:           count(types.ResourceSeries),
		CountInstances:        count(types.ResourceInstance),
		TotalUncompressedSize: parseUint(t.firstOr(statKey("size:uncompressed"), "0")),
		TotalCompressedSize:   parseUint(t.firstOr(statKey("size:compressed"), "0")),
	}
}

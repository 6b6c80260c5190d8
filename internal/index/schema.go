// Package index is the transactional custodian of all non-blob state: the
// resource tree, indexed DICOM tags, metadata, attachments, the change and
// export logs, global properties and the patient recycling order. It is
// backed by a single buntdb file whose keys encode the logical tables.
package index

import (
	"fmt"
	"net/url"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/flatmapit/gopacs/pkg/types"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// SchemaVersion is persisted under the DatabaseSchemaVersion property; a
// database created by a different layout refuses to open.
const SchemaVersion = "1"

// Logical key spaces. Numeric components are zero padded so that the
// lexicographic key order of buntdb matches numeric order.
//
//	counter:<name>                   last value issued by a sequence
//	resource:<id>                    resource record (JSON)
//	lookup:<publicID>                resource id
//	child:<parent>/<id>              parent/child link
//	maintag:<id>/<gggg,eeee>         indexed DICOM tag value
//	tagindex:<gggg,eeee>/<value>/<id> reverse tag index
//	metadata:<id>/<type>             metadata entry
//	attachment:<id>/<contentType>    attachment record (JSON)
//	change:<seq>                     change log entry (JSON)
//	export:<seq>                     export log entry (JSON)
//	recycling:<seq>                  patient id, oldest first
//	recyclingref:<patient id>        sequence owned by a patient
//	property:<name>                  global property
//	stat:<name>                      running statistics counter

func counterKey(name string) string { return "counter:" + name }

func resourceKey(id int64) string { return fmt.Sprintf("resource:%016d", id) }

func lookupKey(publicID string) string { return "lookup:" + publicID }

func childKey(parent, child int64) string {
	return fmt.Sprintf("child:%016d/%016d", parent, child)
}

func childPrefix(parent int64) string {
	return fmt.Sprintf("child:%016d/*", parent)
}

func mainTagKey(id int64, tag string) string {
	return fmt.Sprintf("maintag:%016d/%s", id, tag)
}

func mainTagPrefix(id int64) string {
	return fmt.Sprintf("maintag:%016d/*", id)
}

func tagIndexKey(tag, value string, id int64) string {
	return fmt.Sprintf("tagindex:%s/%s/%016d", tag, url.QueryEscape(value), id)
}

func tagIndexPrefix(tag, value string) string {
	return fmt.Sprintf("tagindex:%s/%s/*", tag, url.QueryEscape(value))
}

func metadataKey(id int64, md types.MetadataType) string {
	return fmt.Sprintf("metadata:%016d/%05d", id, int(md))
}

func metadataPrefix(id int64) string {
	return fmt.Sprintf("metadata:%016d/*", id)
}

func attachmentKey(id int64, content types.ContentType) string {
	return fmt.Sprintf("attachment:%016d/%05d", id, int(content))
}

func attachmentPrefix(id int64) string {
	return fmt.Sprintf("attachment:%016d/*", id)
}

func changeKey(seq int64) string { return fmt.Sprintf("change:%016d", seq) }

func exportKey(seq int64) string { return fmt.Sprintf("export:%016d", seq) }

func recyclingKey(seq int64) string { return fmt.Sprintf("recycling:%016d", seq) }

func recyclingRefKey(id int64) string { return fmt.Sprintf("recyclingref:%016d", id) }

func propertyKey(name string) string { return "property:" + name }

func statKey(name string) string { return "stat:" + name }

// resourceRecord is the persisted form of one tree node.
type resourceRecord struct {
	PublicID string             `json:"publicId"`
	Type     types.ResourceType `json:"type"`
	Parent   int64              `json:"parent"` // 0 when the node is a root
}

func formatInt(v int64) string { return strconv.FormatInt(v, 10) }

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

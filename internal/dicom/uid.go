package dicom

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/flatmapit/gopacs/pkg/types"
)

// DefaultOrgRoot is the UID root used when none is configured.
const DefaultOrgRoot = "1.2.826.0.1.3680043.10.1447"

const maxUIDLength = 64

// UIDGenerator produces fresh DICOM unique identifiers below a configured
// organisation root. Level discriminants keep study, series and instance
// UIDs in disjoint namespaces.
type UIDGenerator struct {
	root string

	mu   sync.Mutex
	rand *rand.Rand
	last int64
	seq  int
}

// NewUIDGenerator builds a generator over the given org root; an empty
// root falls back to DefaultOrgRoot.
func NewUIDGenerator(root string) *UIDGenerator {
	if root == "" {
		root = DefaultOrgRoot
	}
	return &UIDGenerator{
		root: strings.TrimSuffix(root, "."),
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func levelDiscriminant(level types.ResourceType) int {
	switch level {
	case types.ResourcePatient:
		return 1
	case types.ResourceStudy:
		return 2
	case types.ResourceSeries:
		return 3
	default:
		return 4
	}
}

// Generate returns a fresh UID appropriate for the level. The result is a
// valid DICOM UID: digits and dots only, no component with a leading zero,
// at most 64 characters.
func (g *UIDGenerator) Generate(level types.ResourceType) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixNano() / 1000
	if now == g.last {
		g.seq++
	} else {
		g.last = now
		g.seq = 0
	}

	uid := fmt.Sprintf("%s.%d.%d.%d.%d",
		g.root, levelDiscriminant(level), now, g.seq, 100000+g.rand.Intn(900000))

	if len(uid) > maxUIDLength {
		uid = uid[:maxUIDLength]
		uid = strings.TrimSuffix(uid, ".")
	}
	return uid
}

// IsValidUID checks the DICOM UID syntax rules: digits and periods, at
// least two components, no empty component, no leading zero, 64 chars max.
func IsValidUID(s string) bool {
	if s == "" || len(s) > maxUIDLength {
		return false
	}
	if s[0] == '.' || s[len(s)-1] == '.' {
		return false
	}
	components := strings.Split(s, ".")
	if len(components) < 2 {
		return false
	}
	for _, comp := range components {
		if comp == "" {
			return false
		}
		if len(comp) > 1 && comp[0] == '0' {
			return false
		}
		for _, ch := range comp {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}

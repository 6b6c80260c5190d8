package server

import (
	"strings"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/index"
	"github.com/flatmapit/gopacs/pkg/types"
)

// queryLevel decodes the QueryRetrieveLevel attribute of a C-FIND or
// C-MOVE identifier.
func queryLevel(query dicom.Map) (types.ResourceType, error) {
	raw := strings.TrimSpace(query.GetString(dicom.TagQueryRetrieveLevel, ""))
	switch strings.ToUpper(raw) {
	case "PATIENT":
		return types.ResourcePatient, nil
	case "STUDY":
		return types.ResourceStudy, nil
	case "SERIES":
		return types.ResourceSeries, nil
	case "IMAGE", "INSTANCE":
		return types.ResourceInstance, nil
	default:
		return 0, errs.Newf(errs.BadRequest, "unsupported QueryRetrieveLevel %q", raw)
	}
}

// matchWildcard implements the DICOM single-value matching with the '*'
// and '?' wildcards.
func matchWildcard(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == value
	}

	var match func(p, v string) bool
	match = func(p, v string) bool {
		for len(p) > 0 {
			switch p[0] {
			case '*':
				for i := 0; i <= len(v); i++ {
					if match(p[1:], v[i:]) {
						return true
					}
				}
				return false
			case '?':
				if len(v) == 0 {
					return false
				}
				p, v = p[1:], v[1:]
			default:
				if len(v) == 0 || p[0] != v[0] {
					return false
				}
				p, v = p[1:], v[1:]
			}
		}
		return len(v) == 0
	}
	return match(pattern, value)
}

// mergedTags collects the indexed tags of a resource and of its whole
// ancestor chain, so a series answers with its study and patient tags.
func mergedTags(tx *index.Tx, id int64) dicom.Map {
	merged := dicom.NewMap()
	current := id
	for {
		tags := tx.GetMainDicomTags(current)
		for _, t := range tags.SortedTags() {
			if !merged.Has(t) {
				merged[t] = tags[t]
			}
		}
		parent, ok := tx.LookupParent(current)
		if !ok {
			return merged
		}
		current = parent
	}
}

// Find answers a C-FIND query: the identifier's non-empty attributes are
// matched against the indexed tags at the requested level (ancestor tags
// included), and each matching resource produces one answer carrying the
// requested attributes.
func (c *Context) Find(query dicom.Map) ([]dicom.Map, error) {
	level, err := queryLevel(query)
	if err != nil {
		return nil, err
	}

	var answers []dicom.Map
	err = c.index.View(func(tx *index.Tx) error {
		for _, publicID := range tx.GetAllPublicIDs(level) {
			id, _, ok := tx.LookupResource(publicID)
			if !ok {
				continue
			}
			merged := mergedTags(tx, id)

			matches := true
			for _, t := range query.SortedTags() {
				if t == dicom.TagQueryRetrieveLevel {
					continue
				}
				wanted := query.GetString(t, "")
				if wanted == "" {
					continue // universal matching: requested, not constrained
				}
				if !matchWildcard(wanted, merged.GetString(t, "")) {
					matches = false
					break
				}
			}
			if !matches {
				continue
			}

			answer := dicom.NewMap()
			answer.SetString(dicom.TagQueryRetrieveLevel,
				query.GetString(dicom.TagQueryRetrieveLevel, ""))
			for _, t := range query.SortedTags() {
				if t == dicom.TagQueryRetrieveLevel {
					continue
				}
				answer.SetString(t, merged.GetString(t, ""))
			}

			// The identifier of the level is always answered.
			identifier := dicom.LevelIdentifier(level)
			if !answer.Has(identifier) {
				answer.SetString(identifier, merged.GetString(identifier, ""))
			}

			answers = append(answers, answer)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return answers, nil
}

// FindResources resolves a query to the public ids of the matching
// resources, used by the C-MOVE resolver.
func (c *Context) FindResources(query dicom.Map) ([]string, error) {
	level, err := queryLevel(query)
	if err != nil {
		return nil, err
	}

	var matches []string
	err = c.index.View(func(tx *index.Tx) error {
		identifier := dicom.LevelIdentifier(level)
		wanted := query.GetString(identifier, "")

		// Fast path over the reverse tag index for an exact identifier.
		if wanted != "" && !strings.ContainsAny(wanted, "*?") {
			for _, id := range tx.LookupTagValue(identifier, wanted) {
				if resourceType, err := tx.GetResourceType(id); err == nil && resourceType == level {
					if publicID, err := tx.GetPublicID(id); err == nil {
						matches = append(matches, publicID)
					}
				}
			}
			return nil
		}

		for _, publicID := range tx.GetAllPublicIDs(level) {
			id, _, ok := tx.LookupResource(publicID)
			if !ok {
				continue
			}
			if matchWildcard(wanted, mergedTags(tx, id).GetString(identifier, "")) {
				matches = append(matches, publicID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

package rest

import (
	"archive/zip"
	"fmt"
	"net/http"
	"strings"

	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/server"
)

// sanitizeZipComponent keeps archive member names filesystem friendly.
func sanitizeZipComponent(s, fallback string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '^':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(s))
	if s == "" {
		return fallback
	}
	return s
}

// archivePath derives the member name of one instance from its own tags
// and those of its ancestors.
func (a *API) archivePath(instance server.ResourceInfo, index int) string {
	components := make([]string, 0, 4)

	seriesInfo, err := a.ctx.GetResource(instance.ParentID)
	if err == nil {
		studyInfo, err := a.ctx.GetResource(seriesInfo.ParentID)
		if err == nil {
			patientInfo, err := a.ctx.GetResource(studyInfo.ParentID)
			if err == nil {
				components = append(components,
					sanitizeZipComponent(patientInfo.MainTags["PatientID"], patientInfo.ID))
			}
			components = append(components,
				sanitizeZipComponent(studyInfo.MainTags["StudyID"], studyInfo.ID))
		}
		series := sanitizeZipComponent(seriesInfo.MainTags["Modality"], "") +
			"_" + sanitizeZipComponent(seriesInfo.MainTags["SeriesInstanceUID"], seriesInfo.ID)
		components = append(components, strings.Trim(series, "_"))
	}

	name := sanitizeZipComponent(instance.MainTags["SOPInstanceUID"], fmt.Sprintf("%08d", index))
	components = append(components, name+".dcm")
	return strings.Join(components, "/")
}

// handleArchive streams the instances of a subtree as a ZIP file. The
// standard writer switches to ZIP64 on its own once the archive grows
// past the classic limits.
func (a *API) handleArchive(w http.ResponseWriter, r *http.Request, kind string) {
	publicID := r.PathValue("id")

	if level, ok := a.ctx.LookupResource(publicID); !ok || level != levelOfKind(kind) {
		answerError(w, errs.Newf(errs.UnknownResource, "no such resource: %s", publicID))
		return
	}

	instances, err := a.ctx.CollectInstances(publicID)
	if err != nil {
		answerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s.zip"`, sanitizeZipComponent(publicID, "archive")))

	archive := zip.NewWriter(w)
	defer archive.Close()

	for i, instanceID := range instances {
		data, err := a.ctx.ReadDicom(instanceID)
		if err != nil {
			// The resource may vanish while streaming; skip it.
			continue
		}

		info, err := a.ctx.GetResource(instanceID)
		if err != nil {
			continue
		}

		entry, err := archive.Create(a.archivePath(info, i))
		if err != nil {
			return
		}
		if _, err := entry.Write(data); err != nil {
			return
		}
	}
}

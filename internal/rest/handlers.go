package rest

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/flatmapit/gopacs/internal/dicom"
	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/modify"
	"github.com/flatmapit/gopacs/pkg/types"
)

func (a *API) handleSystem(w http.ResponseWriter, r *http.Request) {
	answerJSON(w, map[string]interface{}{
		"Name":        a.ctx.Config().Name,
		"Version":     Version,
		"DicomAet":    a.ctx.Config().DICOM.AET,
		"DicomPort":   a.ctx.Config().DICOM.Port,
		"HttpPort":    a.ctx.Config().HTTP.Port,
	})
}

func (a *API) handleStatistics(w http.ResponseWriter, r *http.Request) {
	answerJSON(w, a.ctx.GetStatistics())
}

func (a *API) handleNow(w http.ResponseWriter, r *http.Request) {
	answerJSON(w, time.Now().UTC().Format("20060102T150405"))
}

func (a *API) handleGenerateUID(w http.ResponseWriter, r *http.Request) {
	uid, err := a.ctx.GenerateUID(r.URL.Query().Get("level"))
	if err != nil {
		answerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, uid)
}

func (a *API) handleExecuteScript(w http.ResponseWriter, r *http.Request) {
	if a.ctx.Scripts() == nil {
		answerError(w, errs.New(errs.NotImplemented, "the script engine is disabled"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		answerError(w, errs.Wrap(errs.BadRequest, "cannot read request body", err))
		return
	}

	output, err := a.ctx.Scripts().Execute(string(body))
	if err != nil {
		answerError(w, errs.Wrap(errs.BadRequest, "script failed", err))
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, output)
}

func (a *API) handleCreateDicom(w http.ResponseWriter, r *http.Request) {
	var request map[string]string
	if err := jsonAPI.NewDecoder(r.Body).Decode(&request); err != nil {
		answerError(w, errs.Wrap(errs.BadRequest, "bad JSON body", err))
		return
	}

	opts := dicom.CreateOptions{Replacements: make(map[string]string)}
	for key, value := range request {
		if key == "PixelData" {
			opts.PixelDataURI = value
			continue
		}
		opts.Replacements[key] = value
	}

	result, err := a.ctx.CreateDicom(opts)
	if err != nil {
		answerError(w, err)
		return
	}
	answerJSON(w, map[string]string{
		"ID":     result.InstanceID,
		"Status": result.Status.String(),
		"Path":   "/instances/" + result.InstanceID,
	})
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		answerError(w, errs.Wrap(errs.BadRequest, "cannot read request body", err))
		return
	}
	if len(body) == 0 {
		answerError(w, errs.New(errs.BadRequest, "empty body"))
		return
	}

	result, err := a.ctx.Store(body, "")
	if err != nil {
		if errs.Is(err, errs.BadFileFormat) {
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		answerError(w, err)
		return
	}

	answerJSON(w, map[string]string{
		"ID":     result.InstanceID,
		"Status": result.Status.String(),
		"Path":   "/instances/" + result.InstanceID,
	})
}

func levelOfKind(kind string) types.ResourceType {
	level, _ := types.ParseResourceType(kind)
	return level
}

// instanceRewriteLevel finds the highest identifier a single-instance
// modification replaces.
func instanceRewriteLevel(request modify.Request) types.ResourceType {
	identifiers := map[string]types.ResourceType{
		"PatientID":         types.ResourcePatient,
		"0010,0020":         types.ResourcePatient,
		"StudyInstanceUID":  types.ResourceStudy,
		"0020,000d":         types.ResourceStudy,
		"SeriesInstanceUID": types.ResourceSeries,
		"0020,000e":         types.ResourceSeries,
	}

	level := types.ResourceInstance
	for key := range request.Replace {
		if candidate, ok := identifiers[key]; ok && candidate < level {
			level = candidate
		}
	}
	return level
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request, kind string) {
	answerJSON(w, a.ctx.ListResources(levelOfKind(kind)))
}

func (a *API) handleGetResource(w http.ResponseWriter, r *http.Request, kind string) {
	info, err := a.ctx.GetResource(r.PathValue("id"))
	if err != nil {
		answerError(w, err)
		return
	}
	if info.Level != levelOfKind(kind) {
		answerError(w, errs.Newf(errs.UnknownResource, "resource is a %s", info.Type))
		return
	}

	payload := map[string]interface{}{
		"ID":            info.ID,
		"Type":          info.Type,
		"MainDicomTags": info.MainTags,
		"Metadata":      info.Metadata,
	}
	if info.ParentID != "" {
		payload["Parent"] = info.ParentID
	}
	switch info.Level {
	case types.ResourcePatient:
		payload["Studies"] = info.Children
	case types.ResourceStudy:
		payload["Series"] = info.Children
	case types.ResourceSeries:
		payload["Instances"] = info.Children
	}
	answerJSON(w, payload)
}

func (a *API) handleDeleteResource(w http.ResponseWriter, r *http.Request, kind string) {
	publicID := r.PathValue("id")

	if level, ok := a.ctx.LookupResource(publicID); !ok || level != levelOfKind(kind) {
		answerError(w, errs.Newf(errs.UnknownResource, "no such resource: %s", publicID))
		return
	}
	if err := a.ctx.DeleteResource(publicID); err != nil {
		answerError(w, err)
		return
	}
	answerJSON(w, map[string]string{"Status": "Deleted"})
}

func (a *API) handleInstanceFile(w http.ResponseWriter, r *http.Request) {
	data, err := a.ctx.ReadDicom(r.PathValue("id"))
	if err != nil {
		answerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/dicom")
	w.Write(data)
}

func (a *API) handleInstanceTags(w http.ResponseWriter, r *http.Request) {
	data, err := a.ctx.ReadJSON(r.PathValue("id"))
	if err != nil {
		answerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (a *API) handleModify(w http.ResponseWriter, r *http.Request, kind string, anonymize bool) {
	publicID := r.PathValue("id")
	level := levelOfKind(kind)
	singleInstance := level == types.ResourceInstance

	var request modify.Request
	body, err := io.ReadAll(r.Body)
	if err != nil {
		answerError(w, errs.Wrap(errs.BadRequest, "cannot read request body", err))
		return
	}
	if len(body) > 0 {
		if err := jsonAPI.Unmarshal(body, &request); err != nil {
			answerError(w, errs.Wrap(errs.BadRequest, "bad JSON body", err))
			return
		}
	}

	if singleInstance && !anonymize {
		// A single-instance rewrite raises its level to the highest
		// identifier being replaced, so the whole chain stays coherent.
		level = instanceRewriteLevel(request)
	}

	var engine *modify.Modification
	if anonymize {
		engine, err = modify.FromAnonymizeRequest(request, a.ctx.UIDGenerator())
	} else {
		engine, err = modify.FromRequest(request, level, a.ctx.UIDGenerator())
	}
	if err != nil {
		answerError(w, err)
		return
	}

	// An instance-level rewrite answers the new file without storing it.
	if singleInstance {
		data, err := a.ctx.ModifyInstanceFile(engine, publicID)
		if err != nil {
			answerError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/dicom")
		w.Write(data)
		return
	}

	result, err := a.ctx.ApplyModification(engine, anonymize, publicID)
	if err != nil {
		answerError(w, err)
		return
	}
	answerJSON(w, result)
}

func (a *API) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if query.Get("last") != "" {
		change, ok := a.ctx.GetLastChange()
		changes := []map[string]interface{}{}
		last := int64(0)
		if ok {
			changes = append(changes, changeToJSON(change))
			last = change.Seq
		}
		answerJSON(w, map[string]interface{}{
			"Changes": changes,
			"Done":    true,
			"Last":    last,
		})
		return
	}

	since, _ := strconv.ParseInt(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))

	changes, done := a.ctx.GetChanges(since, limit)
	out := make([]map[string]interface{}, 0, len(changes))
	last := since
	for _, change := range changes {
		out = append(out, changeToJSON(change))
		last = change.Seq
	}
	answerJSON(w, map[string]interface{}{
		"Changes": out,
		"Done":    done,
		"Last":    last,
	})
}

func changeToJSON(change types.Change) map[string]interface{} {
	return map[string]interface{}{
		"Seq":          change.Seq,
		"ChangeType":   change.ChangeType.String(),
		"ResourceType": change.ResourceType.String(),
		"ID":           change.PublicID,
		"Path":         pathOf(change.ResourceType, change.PublicID),
		"Date":         change.Date,
	}
}

func pathOf(level types.ResourceType, publicID string) string {
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

func (a *API) handleDeleteChanges(w http.ResponseWriter, r *http.Request) {
	if err := a.ctx.ClearChanges(); err != nil {
		answerError(w, err)
		return
	}
	answerJSON(w, map[string]string{"Status": "Cleared"})
}

func (a *API) handleGetExports(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	since, _ := strconv.ParseInt(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))

	exports, done := a.ctx.GetExports(since, limit)
	out := make([]map[string]interface{}, 0, len(exports))
	last := since
	for _, export := range exports {
		out = append(out, map[string]interface{}{
			"Seq":               export.Seq,
			"ResourceType":      export.ResourceType.String(),
			"ID":                export.PublicID,
			"Path":              pathOf(export.ResourceType, export.PublicID),
			"RemoteModality":    export.RemoteModality,
			"PatientID":         export.PatientID,
			"StudyInstanceUID":  export.StudyInstanceUID,
			"SeriesInstanceUID": export.SeriesInstanceUID,
			"SOPInstanceUID":    export.SOPInstanceUID,
			"Date":              export.Date,
		})
		last = export.Seq
	}
	answerJSON(w, map[string]interface{}{
		"Exports": out,
		"Done":    done,
		"Last":    last,
	})
}

func (a *API) handleDeleteExports(w http.ResponseWriter, r *http.Request) {
	if err := a.ctx.ClearExports(); err != nil {
		answerError(w, err)
		return
	}
	answerJSON(w, map[string]string{"Status": "Cleared"})
}

func (a *API) handleGetProtected(w http.ResponseWriter, r *http.Request) {
	protected, err := a.ctx.IsPatientProtected(r.PathValue("id"))
	if err != nil {
		answerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	if protected {
		io.WriteString(w, "1")
	} else {
		io.WriteString(w, "0")
	}
}

func (a *API) handleSetProtected(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		answerError(w, errs.Wrap(errs.BadRequest, "cannot read request body", err))
		return
	}

	var protected bool
	switch string(body) {
	case "1", "true":
		protected = true
	case "0", "false":
		protected = false
	default:
		answerError(w, errs.New(errs.BadRequest, "expected 0 or 1"))
		return
	}

	if err := a.ctx.SetPatientProtection(r.PathValue("id"), protected); err != nil {
		answerError(w, err)
		return
	}
	answerJSON(w, map[string]string{"Status": "OK"})
}

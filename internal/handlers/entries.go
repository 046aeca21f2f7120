package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/export"
	"github.com/shrimpsizemoose/markgate/internal/models"
)

// EntryHandler serves the mark-entry API of one sheet, addressed by
// /api/v1/{assessment}/{subject}.
type EntryHandler struct {
	service *app.Service
}

func NewEntryHandler(service *app.Service) *EntryHandler {
	return &EntryHandler{
		service: service,
	}
}

type caller struct {
	key      models.SheetKey
	staff    string
	role     string
	teaching models.TeachingContext
}

// authorize checks the required headers, the staff id and the bearer token,
// and parses the sheet key from the path. It writes the error response itself.
func authorize(service *app.Service, w http.ResponseWriter, r *http.Request, withKey bool) (*caller, bool) {
	if !service.ValidateHeaders(r.Header) {
		http.Error(w, "these are not the droids you are looking for", http.StatusForbidden)
		return nil, false
	}

	staff := r.Header.Get(service.Config.API.StaffIDHeader)
	if staff == "" {
		http.Error(w, "Invalid staff id specified", http.StatusUnauthorized)
		return nil, false
	}

	role, err := service.ValidateAuthAndStaff(r, staff)
	if err != nil {
		logger.Error.Printf("Auth failed: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	c := &caller{
		staff:    staff,
		role:     role,
		teaching: models.TeachingContext{TeachingAssignmentID: r.URL.Query().Get("teaching_assignment")},
	}
	if !withKey {
		return c, true
	}

	kind, err := models.ParseAssessmentKind(r.PathValue("assessment"))
	if err != nil {
		logger.Error.Printf("Failed to extract assessment from path: %s", r.URL.Path)
		http.Error(w, "Invalid assessment", http.StatusBadRequest)
		return nil, false
	}
	subject := r.PathValue("subject")
	if subject == "" || len(subject) > 32 {
		http.Error(w, "Invalid subject", http.StatusBadRequest)
		return nil, false
	}
	c.key = models.SheetKey{Assessment: kind, Subject: subject}
	return c, true
}

func parseScope(r *http.Request) (models.Scope, error) {
	scope, err := models.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		return "", models.NewValidationError("scope", "%v", err)
	}
	return scope, nil
}

func (h *EntryHandler) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	cfg, variant, err := h.service.ResolveConfig(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	override, err := h.service.ConfigOverride(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config":      cfg,
		"override":    override,
		"co_labels":   variant.COLabels,
		"review_mode": variant.ReviewMode,
	})
}

func (h *EntryHandler) HandlePutConfig(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	var override models.ConfigOverride
	if err := decodeBody(r, &override); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.service.SaveConfigOverride(c.key, override, c.staff); err != nil {
		writeError(w, r, err)
		return
	}

	cfg, _, err := h.service.ResolveConfig(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"config": cfg})
}

func (h *EntryHandler) HandleGetDraft(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	draft, err := h.service.Draft(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"draft": draft})
}

func (h *EntryHandler) HandlePutDraft(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	var payload models.DraftPayload
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.service.SaveDraft(c.key, payload, c.staff); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *EntryHandler) HandleGetPublished(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	published, err := h.service.Published(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, cfg, _, err := h.service.PublishedView(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"published": published,
		"rows":      rows,
		"config":    cfg,
	})
}

func (h *EntryHandler) HandlePublishedCSV(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	rows, cfg, variant, err := h.service.PublishedView(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s_%s.csv", c.key.Subject, c.key.Assessment)))
	if err := export.WriteCSV(w, export.FromPublished(rows), cfg, variant); err != nil {
		logger.Error.Printf("Failed to write csv for %s: %v", c.key, err)
	}
}

func (h *EntryHandler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	var sheet models.Sheet
	if err := decodeBody(r, &sheet); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.service.Publish(r.Context(), c.key, sheet, c.staff); err != nil {
		writeError(w, r, err)
		return
	}

	lock, err := h.service.Lock(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lock": lock})
}

func (h *EntryHandler) HandleGetLock(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	lock, err := h.service.Lock(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lock": lock})
}

func (h *EntryHandler) HandleConfirmLock(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	lock, err := h.service.ConfirmLock(c.key, c.staff)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lock": lock})
}

func (h *EntryHandler) HandleGetEditWindow(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	scope, err := parseScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	window, err := h.service.EditWindow(c.key, scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"window": window})
}

type editRequestBody struct {
	Scope  models.Scope `json:"scope"`
	Reason string       `json:"reason"`
}

func (h *EntryHandler) HandleCreateEditRequest(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	var body editRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.service.CreateEditRequest(r.Context(), models.EditRequestInput{
		Key:      c.key,
		Scope:    body.Scope,
		Reason:   body.Reason,
		Teaching: c.teaching,
	}, c.staff)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"request": req})
}

func (h *EntryHandler) HandleLatestEditRequest(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	scope, err := parseScope(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.service.LatestEditRequest(c.key, scope, c.staff)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

func (h *EntryHandler) HandleGetPublishWindow(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	window, err := h.service.PublishWindow(c.key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window":      window,
		"server_time": time.Now().UTC(),
	})
}

type publishRequestBody struct {
	Reason string `json:"reason"`
}

func (h *EntryHandler) HandleCreatePublishRequest(w http.ResponseWriter, r *http.Request) {
	c, ok := authorize(h.service, w, r, true)
	if !ok {
		return
	}

	var body publishRequestBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.service.CreatePublishRequest(r.Context(), models.PublishRequestInput{
		Key:      c.key,
		Reason:   body.Reason,
		Teaching: c.teaching,
	}, c.staff)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"request": req})
}

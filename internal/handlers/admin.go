package handlers

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/models"
)

// AdminHandler serves the approving authority: request review, the global
// publish override and due dates.
type AdminHandler struct {
	service *app.Service
}

func NewAdminHandler(service *app.Service) *AdminHandler {
	return &AdminHandler{service: service}
}

func (h *AdminHandler) approver(w http.ResponseWriter, r *http.Request, withKey bool) (*caller, bool) {
	c, ok := authorize(h.service, w, r, withKey)
	if !ok {
		return nil, false
	}
	if c.role != app.RoleApprover {
		writeError(w, r, models.NewPermissionError("approver role required", nil))
		return nil, false
	}
	return c, true
}

type reviewBody struct {
	TTL string `json:"ttl"`
}

func parseTTL(r *http.Request) (time.Duration, error) {
	if r.ContentLength == 0 {
		return 0, nil
	}
	var body reviewBody
	if err := decodeBody(r, &body); err != nil {
		return 0, err
	}
	if body.TTL == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(body.TTL)
	if err != nil || ttl <= 0 {
		return 0, models.NewValidationError("ttl", "invalid duration %q", body.TTL)
	}
	return ttl, nil
}

func (h *AdminHandler) HandleListEditRequests(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.approver(w, r, false); !ok {
		return
	}
	reqs, err := h.service.PendingEditRequests()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

func (h *AdminHandler) reviewEdit(w http.ResponseWriter, r *http.Request, approve bool) {
	c, ok := h.approver(w, r, false)
	if !ok {
		return
	}
	ttl, err := parseTTL(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.service.ReviewEditRequest(r.Context(), r.PathValue("id"), approve, c.staff, ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

func (h *AdminHandler) HandleApproveEditRequest(w http.ResponseWriter, r *http.Request) {
	h.reviewEdit(w, r, true)
}

func (h *AdminHandler) HandleRejectEditRequest(w http.ResponseWriter, r *http.Request) {
	h.reviewEdit(w, r, false)
}

func (h *AdminHandler) HandleListPublishRequests(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.approver(w, r, false); !ok {
		return
	}
	reqs, err := h.service.PendingPublishRequests()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

func (h *AdminHandler) reviewPublish(w http.ResponseWriter, r *http.Request, approve bool) {
	c, ok := h.approver(w, r, false)
	if !ok {
		return
	}
	ttl, err := parseTTL(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := h.service.ReviewPublishRequest(r.Context(), r.PathValue("id"), approve, c.staff, ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request": req})
}

func (h *AdminHandler) HandleApprovePublishRequest(w http.ResponseWriter, r *http.Request) {
	h.reviewPublish(w, r, true)
}

func (h *AdminHandler) HandleRejectPublishRequest(w http.ResponseWriter, r *http.Request) {
	h.reviewPublish(w, r, false)
}

type publishControlBody struct {
	OverrideActive bool `json:"override_active"`
	IsOpen         bool `json:"is_open"`
}

func (h *AdminHandler) HandlePutPublishControl(w http.ResponseWriter, r *http.Request) {
	c, ok := h.approver(w, r, false)
	if !ok {
		return
	}
	var body publishControlBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.service.SetPublishControl(body.OverrideActive, body.IsOpen, c.staff); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type dueBody struct {
	DueAt *time.Time `json:"due_at"`
}

func (h *AdminHandler) HandlePutDueAt(w http.ResponseWriter, r *http.Request) {
	c, ok := h.approver(w, r, true)
	if !ok {
		return
	}
	var body dueBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.service.SetDueAt(c.key, body.DueAt); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.approver(w, r, false); !ok {
		return
	}
	stats, err := h.service.Stats(r.URL.Query().Get("human_dttm") == "true")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

func (h *AdminHandler) HandlePublishedSheets(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.approver(w, r, false); !ok {
		return
	}
	sheets, err := h.service.PublishedSheets()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sheets": sheets})
}

// Register mounts every route of the API on mux.
func Register(mux *http.ServeMux, service *app.Service) {
	entries := NewEntryHandler(service)
	admin := NewAdminHandler(service)

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"GET /api/v1/{assessment}/{subject}/config", entries.HandleGetConfig},
		{"PUT /api/v1/{assessment}/{subject}/config", entries.HandlePutConfig},
		{"GET /api/v1/{assessment}/{subject}/draft", entries.HandleGetDraft},
		{"PUT /api/v1/{assessment}/{subject}/draft", entries.HandlePutDraft},
		{"GET /api/v1/{assessment}/{subject}/published", entries.HandleGetPublished},
		{"GET /api/v1/{assessment}/{subject}/published.csv", entries.HandlePublishedCSV},
		{"POST /api/v1/{assessment}/{subject}/publish", entries.HandlePublish},
		{"GET /api/v1/{assessment}/{subject}/lock", entries.HandleGetLock},
		{"POST /api/v1/{assessment}/{subject}/lock/confirm", entries.HandleConfirmLock},
		{"GET /api/v1/{assessment}/{subject}/edit-window", entries.HandleGetEditWindow},
		{"POST /api/v1/{assessment}/{subject}/edit-requests", entries.HandleCreateEditRequest},
		{"GET /api/v1/{assessment}/{subject}/edit-requests/latest", entries.HandleLatestEditRequest},
		{"GET /api/v1/{assessment}/{subject}/publish-window", entries.HandleGetPublishWindow},
		{"POST /api/v1/{assessment}/{subject}/publish-requests", entries.HandleCreatePublishRequest},

		{"GET /api/v1/admin/edit-requests", admin.HandleListEditRequests},
		{"POST /api/v1/admin/edit-requests/{id}/approve", admin.HandleApproveEditRequest},
		{"POST /api/v1/admin/edit-requests/{id}/reject", admin.HandleRejectEditRequest},
		{"GET /api/v1/admin/publish-requests", admin.HandleListPublishRequests},
		{"POST /api/v1/admin/publish-requests/{id}/approve", admin.HandleApprovePublishRequest},
		{"POST /api/v1/admin/publish-requests/{id}/reject", admin.HandleRejectPublishRequest},
		{"PUT /api/v1/admin/publish-control", admin.HandlePutPublishControl},
		{"PUT /api/v1/admin/{assessment}/{subject}/due", admin.HandlePutDueAt},
		{"GET /api/v1/admin/stats", admin.HandleStats},
		{"GET /api/v1/admin/published", admin.HandlePublishedSheets},
	}
	for _, route := range routes {
		mux.HandleFunc(route.pattern, Instrument(route.pattern, route.handler))
	}

	mux.Handle("/metrics", promhttp.Handler())
}

package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shrimpsizemoose/markgate/internal/app"
	"github.com/shrimpsizemoose/markgate/internal/models"
	"github.com/shrimpsizemoose/markgate/internal/store/sqlite"
)

func setupServer(t *testing.T, mutate func(*app.Config)) (*httptest.Server, *app.Service, func()) {
	st, err := sqlite.NewSQLiteStore(":memory:", "../../migrations")
	require.NoError(t, err, "Failed to create store")

	config := &app.Config{}
	config.Server.Port = ":0"
	config.API.StaffIDHeader = "X-Staff-Id"
	config.Auth.TokenHeader = "Authorization"
	if mutate != nil {
		mutate(config)
	}

	service, err := app.NewServiceWith(config, st, nil, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	Register(mux, service)
	srv := httptest.NewServer(mux)

	return srv, service, func() {
		srv.Close()
		require.NoError(t, st.Close())
	}
}

func call(t *testing.T, srv *httptest.Server, method, path string, body interface{}, headers map[string]string) (int, []byte) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

var staff = map[string]string{"X-Staff-Id": "STF1"}

func sheetBody(totals ...float64) map[string]interface{} {
	rows := make([]map[string]interface{}, 0, len(totals))
	for i, total := range totals {
		rows = append(rows, map[string]interface{}{
			"student_id":  fmt.Sprintf("s%d", i+1),
			"register_no": fmt.Sprintf("R%03d", i+1),
			"name":        fmt.Sprintf("Student %d", i+1),
			"total":       total,
		})
	}
	return map[string]interface{}{"rows": rows}
}

func TestAuthorize(t *testing.T) {
	srv, _, cleanup := setupServer(t, func(c *app.Config) {
		c.API.RequiredHeaders = []app.HeaderConfig{{Name: "X-Client", Value: "markgate"}}
	})
	defer cleanup()

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		want    int
	}{
		{"missing required header", "/api/v1/ssa1/CS3401/lock", staff, http.StatusForbidden},
		{"missing staff", "/api/v1/ssa1/CS3401/lock", map[string]string{"X-Client": "markgate"}, http.StatusUnauthorized},
		{"unknown assessment", "/api/v1/final/CS3401/lock", map[string]string{"X-Client": "markgate", "X-Staff-Id": "STF1"}, http.StatusBadRequest},
		{"ok", "/api/v1/ssa1/CS3401/lock", map[string]string{"X-Client": "MARKGATE", "X-Staff-Id": "STF1"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := call(t, srv, http.MethodGet, tt.path, nil, tt.headers)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestDraftRoundTrip(t *testing.T) {
	srv, _, cleanup := setupServer(t, nil)
	defer cleanup()

	status, raw := call(t, srv, http.MethodGet, "/api/v1/ssa1/CS3401/draft", nil, staff)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"draft": null}`, string(raw))

	body := map[string]interface{}{"sheet": sheetBody(7), "selected_btls": []int{3}}
	status, _ = call(t, srv, http.MethodPut, "/api/v1/ssa1/CS3401/draft", body, staff)
	require.Equal(t, http.StatusOK, status)

	status, raw = call(t, srv, http.MethodGet, "/api/v1/ssa1/CS3401/draft", nil, staff)
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		Draft models.Draft `json:"draft"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, []int{3}, resp.Draft.SelectedBTLs)
	require.Len(t, resp.Draft.Sheet.Rows, 1)
	assert.Equal(t, 7.0, resp.Draft.Sheet.Rows[0].Total.Float64)
	assert.Equal(t, "STF1", resp.Draft.UpdatedBy)

	status, _ = call(t, srv, http.MethodPut, "/api/v1/ssa1/CS3401/draft", map[string]interface{}{"selected_btls": []int{9}}, staff)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPublishAndEditRequestFlow(t *testing.T) {
	srv, _, cleanup := setupServer(t, nil)
	defer cleanup()

	status, raw := call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/publish", sheetBody(18, 25), staff)
	require.Equal(t, http.StatusOK, status, string(raw))

	var lockResp struct {
		Lock models.MarkTableLock `json:"lock"`
	}
	require.NoError(t, json.Unmarshal(raw, &lockResp))
	assert.True(t, lockResp.Lock.IsPublished)
	assert.False(t, lockResp.Lock.EntryOpen)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/publish", sheetBody(10), staff)
	assert.Equal(t, http.StatusConflict, status)

	status, raw = call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/edit-requests",
		map[string]string{"scope": "MARK_ENTRY", "reason": "late lab marks"}, staff)
	require.Equal(t, http.StatusCreated, status, string(raw))
	var reqResp struct {
		Request models.EditRequest `json:"request"`
	}
	require.NoError(t, json.Unmarshal(raw, &reqResp))
	id := reqResp.Request.ID
	require.NotEmpty(t, id)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/edit-requests",
		map[string]string{"scope": "MARK_ENTRY", "reason": "late lab marks"}, staff)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/edit-requests",
		map[string]string{"scope": "MARK_ENTRY"}, staff)
	assert.Equal(t, http.StatusBadRequest, status, "reason is required")

	status, raw = call(t, srv, http.MethodGet, "/api/v1/admin/edit-requests", nil, staff)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), id)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/admin/edit-requests/"+id+"/approve", map[string]string{"ttl": "later"}, staff)
	assert.Equal(t, http.StatusBadRequest, status)

	status, raw = call(t, srv, http.MethodPost, "/api/v1/admin/edit-requests/"+id+"/approve", map[string]string{"ttl": "1h"}, staff)
	require.Equal(t, http.StatusOK, status, string(raw))

	status, raw = call(t, srv, http.MethodGet, "/api/v1/ssa1/CS3401/edit-window?scope=MARK_ENTRY", nil, staff)
	require.Equal(t, http.StatusOK, status)
	var windowResp struct {
		Window models.EditWindow `json:"window"`
	}
	require.NoError(t, json.Unmarshal(raw, &windowResp))
	assert.True(t, windowResp.Window.AllowedByApproval)

	status, _ = call(t, srv, http.MethodGet, "/api/v1/ssa1/CS3401/edit-window?scope=EVERYTHING", nil, staff)
	assert.Equal(t, http.StatusBadRequest, status)

	status, raw = call(t, srv, http.MethodGet, "/api/v1/ssa1/CS3401/edit-requests/latest?scope=MARK_ENTRY", nil, staff)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(raw, &reqResp))
	assert.Equal(t, models.StatusApproved, reqResp.Request.Status)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/publish", sheetBody(10, 11), staff)
	assert.Equal(t, http.StatusOK, status)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/admin/edit-requests/missing/approve", nil, staff)
	assert.Equal(t, http.StatusNotFound, status)

	status, raw = call(t, srv, http.MethodGet, "/api/v1/admin/published", nil, staff)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"sheets": [{"assessment": "ssa1", "subject": "CS3401"}]}`, string(raw))
}

func TestPublishedViews(t *testing.T) {
	srv, _, cleanup := setupServer(t, nil)
	defer cleanup()

	status, _ := call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/publish", sheetBody(15), staff)
	require.Equal(t, http.StatusOK, status)

	status, raw := call(t, srv, http.MethodGet, "/api/v1/ssa1/CS3401/published", nil, staff)
	require.Equal(t, http.StatusOK, status)
	var resp struct {
		Published models.PublishedMarks `json:"published"`
		Rows      []app.PublishedRow    `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, map[string]float64{"s1": 15}, resp.Published.Marks)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "75", resp.Rows[0].Attainment.TotalPct)

	status, raw = call(t, srv, http.MethodGet, "/api/v1/ssa1/CS3401/published.csv", nil, staff)
	require.Equal(t, http.StatusOK, status)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Student ID,Register No,Name,Total (20),Total %"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "s1,R001,Student 1,15,75"), lines[1])
}

func TestPublishWindowAdmin(t *testing.T) {
	srv, service, cleanup := setupServer(t, nil)
	defer cleanup()

	due := time.Now().UTC().Add(-time.Hour)
	status, _ := call(t, srv, http.MethodPut, "/api/v1/admin/ssa1/CS3401/due", map[string]interface{}{"due_at": due}, staff)
	require.Equal(t, http.StatusOK, status)

	status, raw := call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/publish", sheetBody(5), staff)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, string(raw), "publish window is closed")

	status, raw = call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/publish-requests", map[string]string{"reason": "on leave"}, staff)
	require.Equal(t, http.StatusCreated, status, string(raw))
	var reqResp struct {
		Request models.PublishRequest `json:"request"`
	}
	require.NoError(t, json.Unmarshal(raw, &reqResp))

	status, _ = call(t, srv, http.MethodPost, "/api/v1/admin/publish-requests/"+reqResp.Request.ID+"/approve", nil, staff)
	require.Equal(t, http.StatusOK, status)

	status, raw = call(t, srv, http.MethodGet, "/api/v1/ssa1/CS3401/publish-window", nil, staff)
	require.Equal(t, http.StatusOK, status)
	var windowResp struct {
		Window     models.PublishWindow `json:"window"`
		ServerTime time.Time            `json:"server_time"`
	}
	require.NoError(t, json.Unmarshal(raw, &windowResp))
	assert.True(t, windowResp.Window.AllowedByApproval)
	assert.False(t, windowResp.ServerTime.IsZero())

	status, _ = call(t, srv, http.MethodPut, "/api/v1/admin/publish-control", map[string]bool{"override_active": true, "is_open": false}, staff)
	require.Equal(t, http.StatusOK, status)

	ctl, err := service.PublishControl()
	require.NoError(t, err)
	assert.True(t, ctl.OverrideActive)
	assert.Equal(t, "STF1", ctl.UpdatedBy)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/ssa1/CS3401/publish", sheetBody(5), staff)
	assert.Equal(t, http.StatusForbidden, status, "global lock vetoes an approved request")

	status, raw = call(t, srv, http.MethodGet, "/api/v1/admin/stats", nil, staff)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"stats": null}`, string(raw))
}

func TestConfigEndpoints(t *testing.T) {
	srv, _, cleanup := setupServer(t, nil)
	defer cleanup()

	status, raw := call(t, srv, http.MethodGet, "/api/v1/review1/CS3401/config", nil, staff)
	require.Equal(t, http.StatusOK, status)
	var resp struct {
		Config     models.AssessmentConfig `json:"config"`
		COLabels   []string                `json:"co_labels"`
		ReviewMode bool                    `json:"review_mode"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, 30.0, resp.Config.MaxTotal)
	assert.Equal(t, []string{"CO1", "CO2"}, resp.COLabels)
	assert.True(t, resp.ReviewMode)

	status, _ = call(t, srv, http.MethodPut, "/api/v1/review1/CS3401/config", map[string]interface{}{"max_total": 40}, staff)
	require.Equal(t, http.StatusOK, status)

	status, _ = call(t, srv, http.MethodPost, "/api/v1/review1/CS3401/lock/confirm", nil, staff)
	require.Equal(t, http.StatusOK, status)

	status, _ = call(t, srv, http.MethodPut, "/api/v1/review1/CS3401/config", map[string]interface{}{"max_total": 50}, staff)
	assert.Equal(t, http.StatusConflict, status)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{models.NewValidationError("x", "bad"), http.StatusBadRequest},
		{models.NewPermissionError("nope", nil), http.StatusForbidden},
		{models.NewConflictError("locked"), http.StatusConflict},
		{fmt.Errorf("request 1: %w", app.ErrNotFound), http.StatusNotFound},
		{models.NewTransientError("GET", errors.New("timeout")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), tt.err.Error())
	}
}

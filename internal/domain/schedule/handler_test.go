package schedule

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/camcops/camcops/internal/platform/auth"
)

func withPrincipal(req *http.Request, p *auth.Principal) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func TestHandler_CreateSchedule(t *testing.T) {
	svc, _ := newTestService()
	h, e := NewHandler(svc), echo.New()

	body := `{"group_id":1,"name":"intake","email_subject":"Key","email_template":"{access_key}",
		"items":[{"task_table_name":"bmi","due_from_days":30,"due_by_days":60}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(withPrincipal(req, admin1), rec)

	if err := h.CreateSchedule(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var out struct {
		ID    int64 `json:"id"`
		Items []struct {
			Description   string  `json:"description"`
			DueWithinDays float64 `json:"due_within_days"`
		} `json:"items"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.ID == 0 || len(out.Items) != 1 {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if out.Items[0].Description != "BMI @ 30 days" || out.Items[0].DueWithinDays != 30 {
		t.Errorf("unexpected item: %+v", out.Items[0])
	}
}

func TestHandler_CreateSchedule_Forbidden(t *testing.T) {
	svc, _ := newTestService()
	h, e := NewHandler(svc), echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules", strings.NewReader(`{"group_id":2,"name":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(withPrincipal(req, admin1), httptest.NewRecorder())

	err := h.CreateSchedule(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_GetSchedule(t *testing.T) {
	svc, _ := newTestService()
	h, e := NewHandler(svc), echo.New()
	mine := mustCreate(t, svc, &Schedule{GroupID: 1, Name: "a"})
	theirs := mustCreate(t, svc, &Schedule{GroupID: 2, Name: "b"})

	tests := []struct {
		id   string
		want int
	}{
		{strconv.FormatInt(mine.ID, 10), http.StatusOK},
		{strconv.FormatInt(theirs.ID, 10), http.StatusNotFound},
		{"abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/schedules/"+tt.id, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(withPrincipal(req, admin1), rec)
		c.SetParamNames("id")
		c.SetParamValues(tt.id)

		err := h.GetSchedule(c)
		code := rec.Code
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
		}
		if code != tt.want {
			t.Errorf("id %s: expected %d, got %d", tt.id, tt.want, code)
		}
	}
}

func TestHandler_DeleteSchedule_InUse(t *testing.T) {
	svc, repo := newTestService()
	h, e := NewHandler(svc), echo.New()
	s := mustCreate(t, svc, &Schedule{GroupID: 1, Name: "a"})
	repo.enrolled[3] = []*PatientSchedule{{ScheduleID: s.ID}}

	id := strconv.FormatInt(s.ID, 10)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/schedules/"+id, nil)
	c := e.NewContext(withPrincipal(req, admin1), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id)

	err := h.DeleteSchedule(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_AddItem_UnknownTask(t *testing.T) {
	svc, _ := newTestService()
	h, e := NewHandler(svc), echo.New()
	s := mustCreate(t, svc, &Schedule{GroupID: 1, Name: "a"})

	id := strconv.FormatInt(s.ID, 10)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/"+id+"/items", strings.NewReader(`{"task_table_name":"ace3"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(withPrincipal(req, admin1), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id)

	err := h.AddItem(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

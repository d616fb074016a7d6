package group

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

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _ := newTestService()
	return NewHandler(svc), echo.New()
}

func withPrincipal(req *http.Request, p *auth.Principal) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), p))
}

func TestHandler_CreateGroup(t *testing.T) {
	h, e := newTestHandler()

	body := `{"name":"clinic","upload_policy":"sex AND anyidnum","ip_use":{"clinical":true}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/groups", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateGroup(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var g Group
	json.Unmarshal(rec.Body.Bytes(), &g)
	if g.Name != "clinic" || !g.IPUse.Clinical {
		t.Errorf("unexpected group: %+v", g)
	}
}

func TestHandler_CreateGroup_BadName(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/groups", strings.NewReader(`{"name":"no spaces allowed"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.CreateGroup(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListGroups_FilteredByPrincipal(t *testing.T) {
	h, e := newTestHandler()
	var a, b Group
	a.Name, b.Name = "a", "b"
	h.svc.CreateGroup(nil, &a)
	h.svc.CreateGroup(nil, &b)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil)
	req = withPrincipal(req, &auth.Principal{UserID: 5, GroupsMaySee: []int64{b.ID}})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListGroups(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var groups []Group
	json.Unmarshal(rec.Body.Bytes(), &groups)
	if len(groups) != 1 || groups[0].Name != "b" {
		t.Errorf("expected only group b, got %+v", groups)
	}
}

func TestHandler_GetGroup_NotVisible(t *testing.T) {
	h, e := newTestHandler()
	g := Group{Name: "hidden"}
	h.svc.CreateGroup(nil, &g)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = withPrincipal(req, &auth.Principal{UserID: 5})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(g.ID, 10))

	err := h.GetGroup(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_GetGroup_Superuser(t *testing.T) {
	h, e := newTestHandler()
	g := Group{Name: "visible"}
	h.svc.CreateGroup(nil, &g)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = withPrincipal(req, &auth.Principal{UserID: 1, Superuser: true})
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(g.ID, 10))

	if err := h.GetGroup(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_DeleteGroup_InUse(t *testing.T) {
	repo := newMockGroupRepo()
	h := NewHandler(NewService(repo, nil))
	e := echo.New()
	g := Group{Name: "busy"}
	h.svc.CreateGroup(nil, &g)
	repo.used[g.ID] = true

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(g.ID, 10))

	err := h.DeleteGroup(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_InvalidID(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("abc")

	if err := h.GetGroup(c); err == nil {
		t.Error("expected error for invalid id")
	}
}

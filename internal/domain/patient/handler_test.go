package patient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/medrecords/prontuario/pkg/pagination"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _ := newTestService()
	return NewHandler(svc), svc, echo.New()
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_Create(t *testing.T) {
	h, _, e := newTestHandler()

	body := `{"name":"Maria Silva","record_number":42,"birth_date":"15/03/1980","address":{"city":"Recife","state":"PE"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pacientes", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var p Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID == "" || p.Name != "Maria Silva" {
		t.Errorf("unexpected patient %+v", p)
	}
	if p.BirthDate == nil || p.BirthDate.String() != "1980-03-15" {
		t.Errorf("expected birth date 1980-03-15, got %v", p.BirthDate)
	}
	if p.Address == nil || p.Address.City != "Recife" {
		t.Errorf("expected address to round-trip, got %+v", p.Address)
	}
}

func TestHandler_Create_MissingName(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pacientes", strings.NewReader(`{"record_number":1}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if code := httpStatus(t, h.Create(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_Create_DuplicateRecordNumber(t *testing.T) {
	h, svc, e := newTestHandler()
	seed(t, svc, "Primeiro", 9)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pacientes", strings.NewReader(`{"name":"Segundo","record_number":9}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if code := httpStatus(t, h.Create(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")

	if code := httpStatus(t, h.Get(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_List_FiltersByName(t *testing.T) {
	h, svc, e := newTestHandler()
	seed(t, svc, "Ana Lima", 1)
	seed(t, svc, "Bruno Costa", 2)
	seed(t, svc, "Mariana Alves", 3)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pacientes?name=ana&limit=10", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.List(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Patient `json:"data"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 2 || len(resp.Data) != 2 {
		t.Fatalf("expected 2 matches, got %d/%d", len(resp.Data), resp.Total)
	}
	if resp.Data[0].RecordNumber != 1 || resp.Data[1].RecordNumber != 3 {
		t.Errorf("expected record-number order, got %d,%d", resp.Data[0].RecordNumber, resp.Data[1].RecordNumber)
	}
}

func TestHandler_List_EmptyIsArray(t *testing.T) {
	h, _, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pacientes", nil)
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp pagination.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data, ok := resp.Data.([]interface{}); !ok || len(data) != 0 {
		t.Errorf("expected empty array, got %#v", resp.Data)
	}
}

func TestHandler_Update(t *testing.T) {
	h, svc, e := newTestHandler()
	p := seed(t, svc, "Velho Nome", 5)

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"name":"Novo Nome","record_number":5}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID)

	if err := h.Update(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	name, _ := svc.PatientName(c.Request().Context(), p.ID)
	if name != "Novo Nome" {
		t.Errorf("expected renamed patient, got %q", name)
	}
}

func TestHandler_Delete(t *testing.T) {
	h, svc, e := newTestHandler()
	p := seed(t, svc, "Remover", 5)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID)

	if err := h.Delete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_NextAndPrevious(t *testing.T) {
	h, svc, e := newTestHandler()
	first := seed(t, svc, "Primeiro", 100)
	second := seed(t, svc, "Segundo", 250)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(first.ID)
	if err := h.Next(c); err != nil {
		t.Fatalf("Next: %v", err)
	}
	var got Patient
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != second.ID {
		t.Errorf("expected %s, got %s", second.ID, got.ID)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(first.ID)
	if code := httpStatus(t, h.Previous(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 before the first record, got %d", code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST /api/v1/pacientes":             false,
		"GET /api/v1/pacientes":              false,
		"GET /api/v1/pacientes/:id":          false,
		"PUT /api/v1/pacientes/:id":          false,
		"DELETE /api/v1/pacientes/:id":       false,
		"GET /api/v1/pacientes/:id/proximo":  false,
		"GET /api/v1/pacientes/:id/anterior": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("route %s not registered", route)
		}
	}
}

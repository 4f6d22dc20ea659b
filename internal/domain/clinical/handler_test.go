package clinical

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/auth"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture()
	return NewHandler(f.svc), f, echo.New()
}

func jsonRequest(method, body string, user uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != uuid.Nil {
		req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, user.String()))
	}
	return req
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_CreateAndAmendObservation(t *testing.T) {
	h, _, e := newTestHandler()
	patient := uuid.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost,
		`{"patient_id":"`+patient.String()+`","code_value":"8867-4","value_quantity":80,"value_unit":"/min","version":7}`, author), rec)
	if err := h.CreateObservation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var v1 Observation
	json.Unmarshal(rec.Body.Bytes(), &v1)
	if v1.Version != 1 || !v1.IsLatest {
		t.Errorf("expected server-assigned version 1, got %d", v1.Version)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPost, `{"value_quantity":120}`, amender), rec)
	c.SetParamNames("id")
	c.SetParamValues(v1.ID.String())
	if err := h.AmendObservation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var v2 Observation
	json.Unmarshal(rec.Body.Bytes(), &v2)
	if v2.Version != 2 || v2.Status != StatusAmended || *v2.ValueQuantity != 120 || v2.CreatedByID != amender {
		t.Errorf("unexpected amended observation: %+v", v2)
	}

	c = e.NewContext(jsonRequest(http.MethodPost, `{"value_quantity":90}`, amender), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(v1.ID.String())
	if code := httpCode(t, h.AmendObservation(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_AmendObservation_Locked(t *testing.T) {
	h, f, e := newTestHandler()
	enc := uuid.New()
	f.locks.add(enc)
	v1 := f.heartRate(t, &enc)
	f.locks.lock(enc)

	c := e.NewContext(jsonRequest(http.MethodPost, `{"value_quantity":120}`, amender), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(v1.ID.String())
	if code := httpCode(t, h.AmendObservation(c)); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestHandler_CreateObservation_Unauthenticated(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"code_value":"8867-4"}`, uuid.Nil), httptest.NewRecorder())
	if code := httpCode(t, h.CreateObservation(c)); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestHandler_ListObservations(t *testing.T) {
	h, f, e := newTestHandler()
	v1 := f.heartRate(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/observations?patient_id="+v1.PatientID.String()+"&category="+heartCat, nil)
	if err := h.ListObservations(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 {
		t.Errorf("expected 1 observation, got %d", body.Total)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/observations?patient_id="+v1.PatientID.String()+"&encounter_id=nope", nil)
	if code := httpCode(t, h.ListObservations(e.NewContext(req, httptest.NewRecorder()))); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_ConditionVersions(t *testing.T) {
	h, f, e := newTestHandler()
	cond := &Condition{PatientID: uuid.New(), CodeValue: "I10"}
	if err := f.svc.AddCondition(context.Background(), cond, author); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AmendCondition(context.Background(), amender, cond.ID, ConditionChanges{Severity: str("mild")}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(cond.ID.String())
	if err := h.ListConditionVersions(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var versions []Condition
	json.Unmarshal(rec.Body.Bytes(), &versions)
	if len(versions) != 2 || versions[0].Version != 1 || versions[1].Version != 2 {
		t.Errorf("expected two versions oldest first, got %+v", versions)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	routePaths := make(map[string]bool)
	for _, r := range e.Routes() {
		routePaths[r.Method+":"+r.Path] = true
	}
	for _, path := range []string{
		"POST:/api/v1/observations",
		"POST:/api/v1/observations/:id/amend",
		"GET:/api/v1/observations/:id/versions",
		"POST:/api/v1/conditions",
		"POST:/api/v1/conditions/:id/amend",
		"GET:/api/v1/conditions",
	} {
		if !routePaths[path] {
			t.Errorf("missing expected route: %s", path)
		}
	}
}

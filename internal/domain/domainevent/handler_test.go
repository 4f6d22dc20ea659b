package domainevent

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

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _, _ := newTestService()
	return NewHandler(svc), echo.New()
}

func TestHandler_AppendEvent_DefaultsProvenance(t *testing.T) {
	h, e := newTestHandler()

	body := `{"event_type":"Encounter.Locked","domain":"CLINICAL","aggregate_id":"enc-1","aggregate_type":"Encounter","payload":{"locked":true}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(SessionIDHeader, "sess-9")
	req = req.WithContext(context.WithValue(req.Context(), auth.UserIDKey, testUser.String()))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-123")

	if err := h.AppendEvent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var got DomainEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.CreatedBy == nil || *got.CreatedBy != testUser {
		t.Errorf("expected created_by from authenticated user, got %v", got.CreatedBy)
	}
	if got.RequestID == nil || *got.RequestID != "req-123" {
		t.Errorf("expected request id req-123, got %v", got.RequestID)
	}
	if got.SessionID == nil || *got.SessionID != "sess-9" {
		t.Errorf("expected session id sess-9, got %v", got.SessionID)
	}
	if len(got.ContentHash) != 64 {
		t.Errorf("expected content hash in response, got %q", got.ContentHash)
	}
}

func appendRequest(body, userID string, roles ...string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	ctx := context.WithValue(req.Context(), auth.UserIDKey, userID)
	ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
	return req.WithContext(ctx)
}

func TestHandler_AppendEvent_RejectsForeignCreatedBy(t *testing.T) {
	h, e := newTestHandler()
	other := uuid.New()

	body := `{"event_type":"Encounter.Locked","domain":"CLINICAL","aggregate_id":"enc-1","aggregate_type":"Encounter","payload":{},"created_by":"` + testUser.String() + `"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(appendRequest(body, other.String(), "physician"), rec)

	err := h.AppendEvent(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	if rec.Code == http.StatusCreated {
		t.Error("expected nothing to be recorded")
	}
}

func TestHandler_AppendEvent_AdminMayAttribute(t *testing.T) {
	h, e := newTestHandler()

	body := `{"event_type":"Encounter.Locked","domain":"CLINICAL","aggregate_id":"enc-1","aggregate_type":"Encounter","payload":{},"created_by":"` + testUser.String() + `"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(appendRequest(body, uuid.NewString(), "admin"), rec)

	if err := h.AppendEvent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got DomainEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.CreatedBy == nil || *got.CreatedBy != testUser {
		t.Errorf("expected created_by %s, got %v", testUser, got.CreatedBy)
	}
}

func TestHandler_AppendEvent_MatchingCreatedBy(t *testing.T) {
	h, e := newTestHandler()

	body := `{"event_type":"Encounter.Locked","domain":"CLINICAL","aggregate_id":"enc-1","aggregate_type":"Encounter","payload":{},"created_by":"` + testUser.String() + `"}`
	rec := httptest.NewRecorder()
	c := e.NewContext(appendRequest(body, testUser.String(), "nurse"), rec)

	if err := h.AppendEvent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_AppendEvent_InvalidType(t *testing.T) {
	h, e := newTestHandler()

	body := `{"event_type":"bad","domain":"CLINICAL","aggregate_id":"x","aggregate_type":"Encounter","payload":{}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.AppendEvent(c)
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", he.Code)
	}
}

func TestHandler_GetEvent_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())

	err := h.GetEvent(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_VerifyEvent(t *testing.T) {
	h, e := newTestHandler()
	ev, err := h.svc.Append(context.Background(), validInput())
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(ev.ID.String())

	if err := h.VerifyEvent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res VerificationResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.Valid || res.EventID != ev.ID {
		t.Errorf("unexpected verification result: %+v", res)
	}
}

func TestHandler_VerifyRange_BadTimestamp(t *testing.T) {
	h, e := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/verify?start=yesterday&end=2024-03-02T00:00:00Z", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.VerifyRange(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_VerifyRange(t *testing.T) {
	h, e := newTestHandler()
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Append(context.Background(), validInput()); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/verify?start=2024-03-01T00:00:00Z&end=2024-03-02T00:00:00Z", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.VerifyRange(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Checked int `json:"checked"`
		Invalid int `json:"invalid"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Checked != 3 || body.Invalid != 0 {
		t.Errorf("expected 3 checked and 0 invalid, got %+v", body)
	}
}

func TestHandler_GetCorrelated(t *testing.T) {
	h, e := newTestHandler()
	corr := "workflow-1"
	in := validInput()
	in.CorrelationID = &corr
	h.svc.Append(context.Background(), in)
	h.svc.Append(context.Background(), in)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("correlationId")
	c.SetParamValues(corr)

	if err := h.GetCorrelated(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var events []DomainEvent
	json.Unmarshal(rec.Body.Bytes(), &events)
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

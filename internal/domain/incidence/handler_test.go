package incidence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/incidence/internal/domain/cohort"
	"github.com/ehr/incidence/internal/platform/auth"
)

func newTestHandler(t *testing.T, store EventStore, opts ...Option) (*Handler, *echo.Echo) {
	t.Helper()
	catalog, err := NewCatalog(*dentalDefinition())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	h := NewHandler(newTestService(store, opts...), catalog, false)
	return h, echo.New()
}

func newRunContext(e *echo.Echo, id, query string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/"+id+"/run"+query, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/api/v1/reports/:id/run")
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestHandler_ListReports(t *testing.T) {
	h, e := newTestHandler(t, &memStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports", nil)
	rec := httptest.NewRecorder()

	if err := h.ListReports(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var defs []ReportDefinition
	if err := json.Unmarshal(rec.Body.Bytes(), &defs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "dental-test" {
		t.Errorf("expected [dental-test], got %+v", defs)
	}
}

func TestHandler_GetReport(t *testing.T) {
	h, e := newTestHandler(t, &memStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/dental-test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("dental-test")
	if err := h.GetReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/reports/nope", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("nope")
	expectHTTPError(t, h.GetReport(c), http.StatusNotFound)
}

func TestHandler_RunReport(t *testing.T) {
	store := &memStore{
		primary: []cohort.PrimaryEvent{
			dentalEvent(1, "A", at(time.March, 5, 10)),
			dentalEvent(2, "B", at(time.March, 6, 11)),
		},
		secondary: []cohort.SecondaryEvent{complication(100, "A", at(time.March, 15, 8))},
	}
	h, e := newTestHandler(t, store)

	c, rec := newRunContext(e, "dental-test", "?start_year=2024&end_year=2024&limit=5&offset=0")
	if err := h.RunReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		ReportID string   `json:"report_id"`
		Buckets  []string `json:"buckets"`
		Stats    RunStats `json:"stats"`
		Series   struct {
			Data    []cohort.SeriesRow `json:"data"`
			Total   int                `json:"total"`
			HasMore bool               `json:"has_more"`
		} `json:"series"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ReportID != "dental-test" {
		t.Errorf("expected dental-test, got %s", body.ReportID)
	}
	if len(body.Buckets) != 6 || body.Buckets[0] != "2024-01" {
		t.Errorf("expected six 2024 buckets, got %v", body.Buckets)
	}
	if body.Series.Total != 12 {
		t.Errorf("expected 12 series rows, got %d", body.Series.Total)
	}
	if len(body.Series.Data) != 5 || !body.Series.HasMore {
		t.Errorf("expected first page of 5 with more, got %d (has_more=%v)", len(body.Series.Data), body.Series.HasMore)
	}
	if body.Stats.Matches != 1 {
		t.Errorf("expected 1 match, got %d", body.Stats.Matches)
	}
}

func TestHandler_RunReport_Errors(t *testing.T) {
	feb := monthBucket(time.February)

	tests := []struct {
		name  string
		store *memStore
		id    string
		query string
		code  int
	}{
		{"unknown report", &memStore{}, "nope", "", http.StatusNotFound},
		{"bad start year", &memStore{}, "dental-test", "?start_year=abc", http.StatusBadRequest},
		{"bad end year", &memStore{}, "dental-test", "?end_year=x", http.StatusBadRequest},
		{"reversed years", &memStore{}, "dental-test", "?start_year=2024&end_year=2023", http.StatusBadRequest},
		{"source down", &memStore{failOn: &feb, failSide: cohort.SidePrimary}, "dental-test", "?start_year=2024", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, e := newTestHandler(t, tt.store)
			c, _ := newRunContext(e, tt.id, tt.query)
			expectHTTPError(t, h.RunReport(c), tt.code)
		})
	}
}

func TestHandler_RunReport_DeadlinePassesThrough(t *testing.T) {
	h, e := newTestHandler(t, &memStore{delay: 50 * time.Millisecond})
	c, _ := newRunContext(e, "dental-test", "?start_year=2024")
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Millisecond)
	defer cancel()
	c.SetRequest(c.Request().WithContext(ctx))

	err := h.RunReport(c)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error for the timeout middleware, got %v", err)
	}
}

func TestHandler_RunReport_Persist(t *testing.T) {
	sink := &captureSink{}
	h, e := newTestHandler(t, &memStore{}, WithSink(sink))
	h.persist = true

	c, rec := newRunContext(e, "dental-test", "?start_year=2024")
	if err := h.RunReport(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(sink.reports) != 1 {
		t.Errorf("expected one published report, got %d", len(sink.reports))
	}
}

func TestHandler_ListBuckets(t *testing.T) {
	h, e := newTestHandler(t, &memStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/buckets?granularity=weekly&start_year=2024", nil)
	rec := httptest.NewRecorder()
	if err := h.ListBuckets(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var buckets []struct {
		Bucket string    `json:"bucket"`
		Start  time.Time `json:"start"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &buckets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buckets) != 28 {
		t.Fatalf("expected 28 closed weeks, got %d", len(buckets))
	}
	if buckets[0].Bucket != "2024-W01" || !buckets[0].Start.Equal(at(time.January, 1, 0)) {
		t.Errorf("expected 2024-W01 starting Jan 1, got %+v", buckets[0])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/buckets?granularity=daily", nil)
	expectHTTPError(t, h.ListBuckets(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_RoleGuards(t *testing.T) {
	h, _ := newTestHandler(t, &memStore{})
	withRoles := func(roles ...string) echo.MiddlewareFunc {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, roles)
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			}
		}
	}

	tests := []struct {
		name   string
		roles  []string
		method string
		path   string
		code   int
	}{
		{"viewer lists", []string{auth.RoleViewer}, http.MethodGet, "/api/v1/reports", http.StatusOK},
		{"viewer cannot run", []string{auth.RoleViewer}, http.MethodPost, "/api/v1/reports/dental-test/run?start_year=2024", http.StatusForbidden},
		{"analyst runs", []string{auth.RoleAnalyst}, http.MethodPost, "/api/v1/reports/dental-test/run?start_year=2024", http.StatusOK},
		{"no role", nil, http.MethodGet, "/api/v1/reports", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			h.RegisterRoutes(e.Group("/api/v1", withRoles(tt.roles...)))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d", tt.code, rec.Code)
			}
		})
	}
}

package incidence

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/incidence/internal/domain/cohort"
	"github.com/ehr/incidence/internal/platform/auth"
	"github.com/ehr/incidence/pkg/pagination"
)

type Handler struct {
	svc     *Service
	catalog *Catalog
	// persist publishes every API run to the service sink.
	persist bool
}

func NewHandler(svc *Service, catalog *Catalog, persist bool) *Handler {
	return &Handler{svc: svc, catalog: catalog, persist: persist}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, analyst, viewer
	readGroup := api.Group("", auth.RequireRole(auth.RoleAnalyst, auth.RoleViewer))
	readGroup.GET("/reports", h.ListReports)
	readGroup.GET("/reports/:id", h.GetReport)
	readGroup.GET("/buckets", h.ListBuckets)

	// Runs hit the event store – admin, analyst
	runGroup := api.Group("", auth.RequireRole(auth.RoleAnalyst))
	runGroup.POST("/reports/:id/run", h.RunReport)
}

func (h *Handler) ListReports(c echo.Context) error {
	return c.JSON(http.StatusOK, h.catalog.List())
}

func (h *Handler) GetReport(c echo.Context) error {
	def, ok := h.catalog.Find(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	return c.JSON(http.StatusOK, def)
}

// RunResponse is the body of a run. Series is paginated; the other fields
// describe the whole run.
type RunResponse struct {
	RunID       uuid.UUID            `json:"run_id"`
	ReportID    string               `json:"report_id"`
	GeneratedAt time.Time            `json:"generated_at"`
	StartYear   int                  `json:"start_year"`
	EndYear     int                  `json:"end_year"`
	Dimensions  []string             `json:"dimensions"`
	Buckets     []string             `json:"buckets"`
	Stats       RunStats             `json:"stats"`
	Series      *pagination.Response `json:"series"`
}

func (h *Handler) RunReport(c echo.Context) error {
	def, ok := h.catalog.Find(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}

	start, end := DefaultYears(def, h.svc.now())
	start, end, err := yearParams(c, start, end)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	res, err := h.svc.Run(ctx, def, start, end)
	if err != nil {
		return runError(err)
	}
	if h.persist {
		if err := h.svc.Publish(ctx, res); err != nil {
			return runError(err)
		}
	}

	p := pagination.FromContext(c)
	buckets := make([]string, len(res.Buckets))
	for i, b := range res.Buckets {
		buckets[i] = b.String()
	}
	return c.JSON(http.StatusOK, RunResponse{
		RunID:       res.RunID,
		ReportID:    res.ReportID,
		GeneratedAt: res.GeneratedAt,
		StartYear:   start,
		EndYear:     end,
		Dimensions:  res.Dimensions,
		Buckets:     buckets,
		Stats:       res.Stats,
		Series:      pagination.NewResponse(pagination.Page(res.Series, p), len(res.Series), p),
	})
}

func (h *Handler) ListBuckets(c echo.Context) error {
	g := cohort.Monthly
	if v := c.QueryParam("granularity"); v != "" {
		parsed, err := cohort.ParseGranularity(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		g = parsed
	}
	year := h.svc.now().Year()
	start, end, err := yearParams(c, year, year)
	if err != nil {
		return err
	}

	buckets := h.svc.Buckets(g, start, end)
	type bucketBody struct {
		Bucket string    `json:"bucket"`
		Start  time.Time `json:"start"`
		End    time.Time `json:"end"`
	}
	out := make([]bucketBody, len(buckets))
	for i, b := range buckets {
		out[i] = bucketBody{Bucket: b.String(), Start: b.Start(), End: b.End()}
	}
	return c.JSON(http.StatusOK, out)
}

func yearParams(c echo.Context, start, end int) (int, int, error) {
	if v := c.QueryParam("start_year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid start_year")
		}
		start = y
	}
	if v := c.QueryParam("end_year"); v != "" {
		y, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid end_year")
		}
		end = y
	}
	if end < start {
		return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "end_year before start_year")
	}
	return start, end, nil
}

func runError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, cohort.ErrSourceUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
}

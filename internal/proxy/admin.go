package proxy

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/wayfinder/fhirproxy/internal/platform/telemetry"
)

// NewAdminServer builds the echo instance for the admin listener, which
// serves /health and, when metrics are given, /metrics. It is kept off the
// proxy listener so no upstream path is shadowed.
func NewAdminServer(version string, metrics *telemetry.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}
	return e
}

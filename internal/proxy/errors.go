package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/wayfinder/fhirproxy/internal/platform/fhir"
	"github.com/wayfinder/fhirproxy/internal/platform/upstream"
)

// HTTPErrorHandler renders handler errors as FHIR OperationOutcome JSON.
// Upstream failures are reported as 502, expired deadlines as 504.
// Responses that have already been started are left alone.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, outcome := classifyError(err, c.Request().Method)
		rid, _ := c.Get("request_id").(string)
		evt := logger.Warn()
		switch {
		case !outcome.HasErrors():
			evt = logger.Debug()
		case status >= http.StatusInternalServerError:
			evt = logger.Error()
		}
		evt.Err(err).Str("request_id", rid).Int("status", status).Msg("request failed")

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			c.Response().Header().Set(echo.HeaderContentType, fhir.FHIRContentType)
			err = c.JSON(status, outcome)
		}
		if err != nil {
			logger.Error().Err(err).Str("request_id", rid).Msg("write error response")
		}
	}
}

func classifyError(err error, method string) (int, *fhir.OperationOutcome) {
	var (
		ue *upstream.Error
		he *echo.HTTPError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, fhir.TimeoutOutcome()
	case errors.As(err, &ue):
		return http.StatusBadGateway, fhir.BadGatewayOutcome(ue.Error())
	case errors.As(err, &he):
		switch he.Code {
		case http.StatusMethodNotAllowed:
			return he.Code, fhir.MethodNotAllowedOutcome(method)
		case http.StatusNotFound:
			return he.Code, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, fmt.Sprint(he.Message))
		}
		if he.Code >= http.StatusInternalServerError {
			return he.Code, fhir.InternalErrorOutcome(fmt.Sprint(he.Message))
		}
		return he.Code, fhir.ErrorOutcome(fmt.Sprint(he.Message))
	case errors.Is(err, context.Canceled):
		// Client went away; nobody will read this.
		return 499, fhir.NewOperationOutcome(fhir.IssueSeverityWarning, fhir.IssueTypeException, "request cancelled")
	default:
		return http.StatusInternalServerError, fhir.InternalErrorOutcome("internal server error")
	}
}

package proxy

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves every inbound path by forwarding it upstream.
type Handler struct {
	translator *Translator
	relay      *Relay
}

func NewHandler(translator *Translator, relay *Relay) *Handler {
	return &Handler{translator: translator, relay: relay}
}

// RegisterRoutes claims all paths and methods on e.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.Any("/*", h.Proxy)
	e.Add(http.MethodConnect, "/*", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusMethodNotAllowed)
	})
}

func (h *Handler) Proxy(c echo.Context) error {
	req := c.Request()
	out, err := h.translator.Translate(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	}
	return h.relay.Relay(req.Context(), c.Response(), out)
}

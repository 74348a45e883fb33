package series

import (
	"net/http"
	"time"

	"heatpump/server/apierr"
	"heatpump/server/identity"
	"heatpump/server/opsmetrics"
)

// Handler serves GET /telemetry/series.
type Handler struct {
	svc *Service
	now func() time.Time
}

// NewHandler creates the series HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

// HandleSeries handles GET /telemetry/series.
func (h *Handler) HandleSeries(w http.ResponseWriter, r *http.Request) {
	p, err := ParseParams(r.URL.Query(), h.now())
	if err != nil {
		apierr.Write(w, err)
		return
	}

	resp, err := h.svc.Query(r.Context(), identity.FromContext(r.Context()), p)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	if id := resp.DeviceID(); id != "" {
		opsmetrics.Annotate(r.Context(), id)
	}
	apierr.WriteJSON(w, http.StatusOK, resp)
}

package latest

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"heatpump/server/apierr"
	"heatpump/server/authz"
	"heatpump/server/identity"
)

const maxRequestBytes = 64 << 10

// Handler serves POST /telemetry/latest-batch.
type Handler struct {
	svc *Service
}

// NewHandler creates the latest-batch HTTP handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// HandleLatestBatch handles POST /telemetry/latest-batch.
func (h *Handler) HandleLatestBatch(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	if id == nil {
		apierr.Write(w, authz.ErrUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierr.Write(w, apierr.New(apierr.KindTooLarge, "payload_too_large", ""))
			return
		}
		apierr.Write(w, apierr.Validation("invalid_payload", "body: unreadable"))
		return
	}

	var req Request
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		apierr.Write(w, apierr.Validation("invalid_payload", "body: must be {devices:[...], include?:[...]}"))
		return
	}

	resp, err := h.svc.Lookup(r.Context(), id, req)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, resp)
}

package ingest

import (
	"errors"
	"io"
	"net/http"

	"heatpump/server/apierr"
)

// DefaultMaxBodyBytes is the largest accepted ingest body.
const DefaultMaxBodyBytes = 256000

// SignatureHeader carries the base64 Ed25519 signature of the raw body.
const SignatureHeader = "X-Batch-Signature"

var errPayloadTooLarge = apierr.New(apierr.KindTooLarge, "payload_too_large", "")

// Handler serves POST /ingest/{profile}.
type Handler struct {
	svc      *Service
	maxBytes int64
}

// NewHandler creates the ingest HTTP handler.
func NewHandler(svc *Service, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	return &Handler{svc: svc, maxBytes: maxBytes}
}

// RegisterRoutes registers the ingest route.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /ingest/{profile}", h.HandleIngest)
}

// HandleIngest handles POST /ingest/{profile}. The signature covers the body
// bytes exactly as received.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxBytes {
		apierr.Write(w, errPayloadTooLarge)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierr.Write(w, errPayloadTooLarge)
			return
		}
		if r.Context().Err() != nil {
			return
		}
		apierr.Write(w, apierr.Validation("invalid_payload", "body: unreadable"))
		return
	}

	res, err := h.svc.Ingest(r.Context(), r.PathValue("profile"), raw, r.Header.Get(SignatureHeader))
	if err != nil {
		apierr.Write(w, err)
		return
	}

	apierr.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"ok":       true,
		"batchId":  res.BatchID,
		"accepted": res.Accepted,
	})
}

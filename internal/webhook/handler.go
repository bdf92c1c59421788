package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/leadwire/flowengine/pkg/schema"
)

const maxBodyBytes = 1 << 20 // 1MB

// Handler exposes the webhook ingest endpoint.
type Handler struct {
	ingestor *Ingestor
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(ingestor *Ingestor, logger *slog.Logger) *Handler {
	return &Handler{ingestor: ingestor, logger: logger}
}

// Register mounts the production webhook route. The unauthenticated
// debug route is mounted only when debug is set and must never be
// enabled in production.
func (h *Handler) Register(mux *http.ServeMux, debug bool) {
	mux.HandleFunc("POST /webhooks/{webhookID}", h.handleIngest)
	if debug {
		mux.HandleFunc("POST /debug/webhooks/{webhookID}", h.handleDebugIngest)
	}
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookID")
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.NewError(schema.ErrCodeValidation, "read body"))
		return
	}

	run, err := h.ingestor.Ingest(r.Context(), webhookID, rawBody, r.Header.Get(SignatureHeader))
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": run.ID})
}

func (h *Handler) handleDebugIngest(w http.ResponseWriter, r *http.Request) {
	webhookID := r.PathValue("webhookID")
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, schema.NewError(schema.ErrCodeValidation, "read body"))
		return
	}

	run, err := h.ingestor.IngestUnverified(r.Context(), webhookID, rawBody)
	if err != nil {
		h.writeIngestError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": run.ID})
}

func (h *Handler) writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		h.logger.ErrorContext(r.Context(), "webhook ingest failed", "error", err)
		writeError(w, http.StatusInternalServerError, schema.NewError(schema.ErrCodeStore, "internal error"))
		return
	}

	switch engErr.Code {
	case schema.ErrCodeHMACVerification:
		writeError(w, http.StatusUnauthorized, engErr)
	case schema.ErrCodeNotFound:
		writeError(w, http.StatusNotFound, engErr)
	case schema.ErrCodeValidation, schema.ErrCodeUnknownNodeType:
		writeError(w, http.StatusUnprocessableEntity, engErr)
	default:
		h.logger.ErrorContext(r.Context(), "webhook ingest failed", "error", engErr)
		writeError(w, http.StatusInternalServerError, engErr)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, engErr *schema.EngineError) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    engErr.Code,
			"message": engErr.Message,
		},
	})
}

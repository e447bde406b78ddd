package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/marginalia/internal/backend"
	"github.com/kalambet/marginalia/internal/storage"
)

func handleMarkApplied(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req backend.MarkAppliedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		thread, tc := chi.URLParam(r, "thread"), chi.URLParam(r, "tc")
		rejections, err := deps.Ledger.MarkApplied(thread, tc, req.Annotations)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record acknowledgment: %v", err)
			return
		}
		if rejections == nil {
			rejections = []backend.Rejection{}
		}
		slog.Debug("acknowledgment recorded",
			"thread_id", thread, "toolcall_id", tc,
			"count", len(req.Annotations), "rejected", len(rejections))
		writeJSON(w, backend.MarkAppliedResponse{Errors: rejections})
	}
}

func handleUpdateAnnotation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var u backend.StatusUpdate
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		err := deps.Ledger.UpdateAnnotationStatus(chi.URLParam(r, "id"), u)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "annotation not found")
			return
		case errors.Is(err, storage.ErrInvalidStatus):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update annotation: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": string(u.Status)})
	}
}

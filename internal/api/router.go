package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/apply"
	"github.com/kalambet/marginalia/internal/backend"
	"github.com/kalambet/marginalia/internal/docstore"
	"github.com/kalambet/marginalia/internal/lifecycle"
	"github.com/kalambet/marginalia/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Ledger is the local acknowledgment backend.
type Ledger interface {
	MarkApplied(threadID, toolCallID string, items []backend.AppliedItem) ([]backend.Rejection, error)
	UpdateAnnotationStatus(annotationID string, u backend.StatusUpdate) error
	ListThreads() ([]string, error)
}

// Library is the local document library.
type Library interface {
	Attach(ctx context.Context, libraryID int64, path, title string) (storage.Attachment, error)
	Attachments(libraryID int64) ([]storage.Attachment, error)
	Items(libraryID int64, attachmentKey string) ([]docstore.Item, error)
	Remove(libraryID int64, key string) error
}

type Deps struct {
	Sessions *lifecycle.Registry
	// Ledger and Library are optional; their routes are not mounted when nil.
	Ledger  Ledger
	Library Library
	Token   string
}

// NewHandler returns the REST API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/threads", handleListThreads(deps))
		r.Route("/threads/{thread}", func(r chi.Router) {
			r.Delete("/", handleCloseThread(deps))
			r.Get("/toolcalls", handleListToolCalls(deps))
			r.Route("/toolcalls/{tc}", func(r chi.Router) {
				r.Post("/events", handleStreamEvent(deps))
				r.Post("/complete", handleCompleteToolCall(deps))
				r.Post("/fail", handleFailToolCall(deps))
				r.Get("/annotations", handleGetAnnotations(deps))
				r.Post("/apply", handleApplyAll(deps))
				r.Post("/reconcile", handleReconcile(deps))
				r.Post("/annotations/{id}/apply", handleApplyOne(deps))
				r.Delete("/annotations/{id}", handleDeleteOne(deps))
				r.Post("/annotations/{id}/readd", handleReAddOne(deps))
			})
		})

		if deps.Ledger != nil {
			r.Post("/backend/threads/{thread}/toolcalls/{tc}/annotations/applied", handleMarkApplied(deps))
			r.Patch("/backend/annotations/{id}", handleUpdateAnnotation(deps))
		}

		if deps.Library != nil {
			r.Get("/library/{lib}/attachments", handleListAttachments(deps))
			r.Post("/library/{lib}/attachments", handleAttach(deps))
			r.Get("/library/{lib}/items", handleListItems(deps))
			r.Delete("/library/{lib}/items/{key}", handleRemoveItem(deps))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// lifecycleError maps lifecycle sentinels to HTTP statuses.
func lifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apply.ErrBusy):
		httpError(w, http.StatusConflict, "busy", "%v", err)
	case errors.Is(err, annotation.ErrToolCallNotReady):
		httpError(w, http.StatusConflict, "not_ready", "%v", err)
	case errors.Is(err, annotation.ErrToolCallFinished):
		httpError(w, http.StatusConflict, "already_completed", "%v", err)
	case errors.Is(err, annotation.ErrIllegalTransition):
		httpError(w, http.StatusConflict, "illegal_transition", "%v", err)
	case errors.Is(err, annotation.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, docstore.ErrAttachmentNotFound):
		httpError(w, http.StatusUnprocessableEntity, "attachment_not_found", "%v", err)
	case errors.Is(err, annotation.ErrClosed):
		httpError(w, http.StatusGone, "session_closed", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func parseLibraryID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "lib"), 10, 64)
}

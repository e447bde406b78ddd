package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/marginalia/internal/docstore"
	"github.com/kalambet/marginalia/internal/storage"
)

type AttachRequest struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

func handleListAttachments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := parseLibraryID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid library id")
			return
		}
		atts, err := deps.Library.Attachments(lib)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list attachments: %v", err)
			return
		}
		if atts == nil {
			atts = []storage.Attachment{}
		}
		writeJSON(w, atts)
	}
}

func handleAttach(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := parseLibraryID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid library id")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AttachRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		a, err := deps.Library.Attach(r.Context(), lib, req.Path, req.Title)
		if err != nil {
			httpError(w, http.StatusUnprocessableEntity, "invalid_attachment", "%v", err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, a)
	}
}

func handleListItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := parseLibraryID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid library id")
			return
		}
		items, err := deps.Library.Items(lib, r.URL.Query().Get("attachment"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list items: %v", err)
			return
		}
		if items == nil {
			items = []docstore.Item{}
		}
		writeJSON(w, items)
	}
}

func handleRemoveItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lib, err := parseLibraryID(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid library id")
			return
		}
		err = deps.Library.Remove(lib, chi.URLParam(r, "key"))
		if errors.Is(err, docstore.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove item: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

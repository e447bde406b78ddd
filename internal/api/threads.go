package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/apply"
	"github.com/kalambet/marginalia/internal/lifecycle"
)

// ApplyResponse is returned by the apply and re-add endpoints.
type ApplyResponse struct {
	apply.Result
	Annotations []annotation.ToolAnnotation `json:"annotations"`
}

func openSession(deps Deps, w http.ResponseWriter, r *http.Request) (*lifecycle.Session, bool) {
	s, err := deps.Sessions.Open(chi.URLParam(r, "thread"))
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to open thread: %v", err)
		return nil, false
	}
	return s, true
}

func annotationsOf(s *lifecycle.Session, toolCallID string) []annotation.ToolAnnotation {
	recs, err := s.GetAnnotations(toolCallID)
	if err != nil || recs == nil {
		return []annotation.ToolAnnotation{}
	}
	return recs
}

func handleListThreads(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string][]string{"threads": deps.Sessions.Threads()}
		if deps.Ledger != nil {
			stored, err := deps.Ledger.ListThreads()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "server_error", "listing stored threads failed")
				return
			}
			if stored == nil {
				stored = []string{}
			}
			resp["stored"] = stored
		}
		writeJSON(w, resp)
	}
}

func handleCloseThread(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Sessions.Discard(chi.URLParam(r, "thread")) {
			httpError(w, http.StatusNotFound, "not_found", "thread is not open")
			return
		}
		writeJSON(w, map[string]string{"status": "closed"})
	}
}

func handleListToolCalls(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		calls := s.ToolCalls()
		if calls == nil {
			calls = []annotation.ToolCall{}
		}
		writeJSON(w, calls)
	}
}

func handleStreamEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var a annotation.ToolAnnotation
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		tc := chi.URLParam(r, "tc")
		ev := annotation.StreamEvent{ToolCallID: tc, Annotation: a}
		if err := s.HandleStreamEvent(r.Context(), ev); err != nil {
			if errors.Is(err, annotation.ErrClosed) {
				lifecycleError(w, err)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "pending", "id": a.ID})
	}
}

func handleCompleteToolCall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		tc := chi.URLParam(r, "tc")
		if err := s.CompleteToolCall(r.Context(), tc); err != nil {
			lifecycleError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": annotation.ToolCallCompleted, "annotations": annotationsOf(s, tc)})
	}
}

func handleFailToolCall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		tc := chi.URLParam(r, "tc")
		if err := s.FailToolCall(r.Context(), tc); err != nil {
			lifecycleError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": annotation.ToolCallError, "annotations": annotationsOf(s, tc)})
	}
}

func handleGetAnnotations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		recs, err := s.GetAnnotations(chi.URLParam(r, "tc"))
		if err != nil {
			lifecycleError(w, err)
			return
		}
		writeJSON(w, recs)
	}
}

func handleApplyAll(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		tc := chi.URLParam(r, "tc")
		res, err := s.ApplyAll(r.Context(), tc)
		if err != nil {
			lifecycleError(w, err)
			return
		}
		writeJSON(w, ApplyResponse{Result: res, Annotations: annotationsOf(s, tc)})
	}
}

func handleApplyOne(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		tc := chi.URLParam(r, "tc")
		res, err := s.ApplyOne(r.Context(), tc, chi.URLParam(r, "id"))
		if err != nil {
			lifecycleError(w, err)
			return
		}
		writeJSON(w, ApplyResponse{Result: res, Annotations: annotationsOf(s, tc)})
	}
}

func handleReAddOne(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		tc := chi.URLParam(r, "tc")
		res, err := s.ReAddOne(r.Context(), tc, chi.URLParam(r, "id"))
		if err != nil {
			lifecycleError(w, err)
			return
		}
		writeJSON(w, ApplyResponse{Result: res, Annotations: annotationsOf(s, tc)})
	}
}

func handleDeleteOne(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		rec, err := s.DeleteOne(r.Context(), chi.URLParam(r, "tc"), chi.URLParam(r, "id"))
		if err != nil {
			lifecycleError(w, err)
			return
		}
		writeJSON(w, rec)
	}
}

func handleReconcile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := openSession(deps, w, r)
		if !ok {
			return
		}
		res, err := s.ReconcileNow(r.Context(), chi.URLParam(r, "tc"))
		if err != nil {
			lifecycleError(w, err)
			return
		}
		if res.Deleted == nil {
			res.Deleted = []string{}
		}
		writeJSON(w, res)
	}
}

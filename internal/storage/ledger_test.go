package storage

import (
	"errors"
	"testing"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/backend"
)

func proposal(toolCallID, id string) annotation.ToolAnnotation {
	return annotation.ToolAnnotation{
		ID:            id,
		ToolCallID:    toolCallID,
		Type:          annotation.TypeHighlight,
		LibraryID:     1,
		AttachmentKey: "ATT1",
		Title:         "Proposal " + id,
		Location: annotation.Location{
			Boxes: []annotation.BoxGroup{{PageIndex: 2, Rects: []annotation.Rect{{1, 2, 3, 4}}}},
		},
	}
}

func saveProposals(t *testing.T, s *Store, threadID, toolCallID string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := s.SaveProposal(threadID, proposal(toolCallID, id)); err != nil {
			t.Fatalf("SaveProposal(%s): %v", id, err)
		}
	}
}

func TestSaveProposalAndLoadThread(t *testing.T) {
	s := openTestStore(t)
	saveProposals(t, s, "thread-1", "tc1", "a1", "a2", "a3")
	saveProposals(t, s, "thread-1", "tc2", "b1")
	saveProposals(t, s, "thread-2", "tc3", "c1")

	if err := s.SaveToolCall(annotation.ToolCall{ID: "tc1", ThreadID: "thread-1", Status: annotation.ToolCallCompleted}); err != nil {
		t.Fatalf("SaveToolCall: %v", err)
	}

	calls, err := s.LoadThread("thread-1")
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	tc1 := calls[0]
	if tc1.Call.ID != "tc1" || tc1.Call.Status != annotation.ToolCallCompleted {
		t.Errorf("first call = %+v, want tc1 completed", tc1.Call)
	}
	if got := tc1.Call.AnnotationIDs; len(got) != 3 || got[0] != "a1" || got[1] != "a2" || got[2] != "a3" {
		t.Errorf("annotation ids = %v, want [a1 a2 a3]", got)
	}
	r := tc1.Records[1]
	if r.Status() != annotation.StatusPending {
		t.Errorf("status = %s, want pending", r.Status())
	}
	if r.Title != "Proposal a2" || r.Location.MinPageIndex() != 2 {
		t.Errorf("proposal not round-tripped: %+v", r)
	}
	if r.ModifiedAt.IsZero() {
		t.Error("ModifiedAt should come from updated_at")
	}
	if calls[1].Call.Status != annotation.ToolCallInProgress {
		t.Errorf("tc2 status = %s, want in_progress", calls[1].Call.Status)
	}
}

func TestSaveProposal_DuplicateIgnored(t *testing.T) {
	s := openTestStore(t)
	saveProposals(t, s, "thread-1", "tc1", "a1", "a1")

	calls, err := s.LoadThread("thread-1")
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if len(calls) != 1 || len(calls[0].Records) != 1 {
		t.Fatalf("got %+v, want a single record", calls)
	}
}

func TestMarkApplied(t *testing.T) {
	s := openTestStore(t)
	saveProposals(t, s, "thread-1", "tc1", "a1", "a2", "a3")

	rejections, err := s.MarkApplied("thread-1", "tc1", []backend.AppliedItem{
		{AnnotationID: "a1", ExternalKey: "K1"},
		{AnnotationID: "a2", ExternalKey: "K2"},
		{AnnotationID: "a3", ExternalKey: "K1"},
		{AnnotationID: "nope", ExternalKey: "K9"},
	})
	if err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}

	want := map[string]string{"a3": DetailDuplicate, "nope": DetailNotFound}
	if len(rejections) != len(want) {
		t.Fatalf("rejections = %+v, want %d", rejections, len(want))
	}
	for _, r := range rejections {
		if want[r.AnnotationID] != r.Detail {
			t.Errorf("rejection %s = %q, want %q", r.AnnotationID, r.Detail, want[r.AnnotationID])
		}
	}

	a1, err := s.GetToolAnnotation("a1")
	if err != nil {
		t.Fatalf("GetToolAnnotation: %v", err)
	}
	if a1.Status() != annotation.StatusApplied || a1.ExternalKey() != "K1" {
		t.Errorf("a1 = %s/%q, want applied/K1", a1.Status(), a1.ExternalKey())
	}
	a3, _ := s.GetToolAnnotation("a3")
	if a3.Status() != annotation.StatusPending {
		t.Errorf("a3 status = %s, want pending", a3.Status())
	}
}

func TestMarkApplied_WrongThread(t *testing.T) {
	s := openTestStore(t)
	saveProposals(t, s, "thread-1", "tc1", "a1")

	rejections, err := s.MarkApplied("thread-2", "tc1", []backend.AppliedItem{{AnnotationID: "a1", ExternalKey: "K1"}})
	if err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	if len(rejections) != 1 || rejections[0].Detail != DetailNotFound {
		t.Errorf("rejections = %+v, want annotation not found", rejections)
	}
}

func TestMarkApplied_ReapplySameKey(t *testing.T) {
	s := openTestStore(t)
	saveProposals(t, s, "thread-1", "tc1", "a1")
	items := []backend.AppliedItem{{AnnotationID: "a1", ExternalKey: "K1"}}

	for i := 0; i < 2; i++ {
		rejections, err := s.MarkApplied("thread-1", "tc1", items)
		if err != nil {
			t.Fatalf("MarkApplied #%d: %v", i, err)
		}
		if len(rejections) != 0 {
			t.Errorf("MarkApplied #%d rejections = %+v, want none", i, rejections)
		}
	}
}

func TestUpdateAnnotationStatus(t *testing.T) {
	s := openTestStore(t)
	saveProposals(t, s, "thread-1", "tc1", "a1")
	if _, err := s.MarkApplied("thread-1", "tc1", []backend.AppliedItem{{AnnotationID: "a1", ExternalKey: "K1"}}); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}

	if err := s.UpdateAnnotationStatus("a1", backend.StatusUpdate{Status: annotation.StatusError, ErrorMessage: "duplicate"}); err != nil {
		t.Fatalf("UpdateAnnotationStatus: %v", err)
	}
	a1, _ := s.GetToolAnnotation("a1")
	if a1.Status() != annotation.StatusError || a1.ErrorMessage() != "duplicate" {
		t.Errorf("a1 = %s/%q, want error/duplicate", a1.Status(), a1.ErrorMessage())
	}
	if a1.ExternalKey() != "" {
		t.Errorf("external key = %q, want cleared", a1.ExternalKey())
	}

	// The freed key can be claimed by another annotation.
	saveProposals(t, s, "thread-1", "tc1", "a2")
	rejections, err := s.MarkApplied("thread-1", "tc1", []backend.AppliedItem{{AnnotationID: "a2", ExternalKey: "K1"}})
	if err != nil || len(rejections) != 0 {
		t.Errorf("MarkApplied after clear: rejections=%+v err=%v", rejections, err)
	}
}

func TestUpdateAnnotationStatus_Errors(t *testing.T) {
	s := openTestStore(t)
	saveProposals(t, s, "thread-1", "tc1", "a1")

	err := s.UpdateAnnotationStatus("missing", backend.StatusUpdate{Status: annotation.StatusDeleted})
	if err != ErrNotFound {
		t.Errorf("unknown id: err = %v, want ErrNotFound", err)
	}

	err = s.UpdateAnnotationStatus("a1", backend.StatusUpdate{Status: annotation.StatusApplied})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("applied without key: err = %v, want ErrInvalidStatus", err)
	}

	err = s.UpdateAnnotationStatus("a1", backend.StatusUpdate{Status: "archived"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("unknown status: err = %v, want ErrInvalidStatus", err)
	}
}

func TestListThreads(t *testing.T) {
	s := openTestStore(t)
	saveProposals(t, s, "thread-b", "tc1", "a1")
	saveProposals(t, s, "thread-a", "tc2", "a2")

	ids, err := s.ListThreads()
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(ids) != 2 || ids[0] != "thread-a" || ids[1] != "thread-b" {
		t.Errorf("threads = %v, want [thread-a thread-b]", ids)
	}
}

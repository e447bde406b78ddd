package backend

import "github.com/kalambet/marginalia/internal/annotation"

// AppliedItem reports one annotation that now exists in the library.
type AppliedItem struct {
	AnnotationID string `json:"annotation_id"`
	ExternalKey  string `json:"external_key"`
}

// MarkAppliedRequest is the body of the batch acknowledgment call.
type MarkAppliedRequest struct {
	Annotations []AppliedItem `json:"annotations"`
}

// Rejection is an acknowledgment the backend refused.
type Rejection struct {
	AnnotationID string `json:"annotation_id"`
	Detail       string `json:"detail"`
}

// MarkAppliedResponse lists per-item failures; accepted items are not echoed.
type MarkAppliedResponse struct {
	Errors []Rejection `json:"errors"`
}

// StatusUpdate is the body of an individual annotation status write.
type StatusUpdate struct {
	Status       annotation.Status `json:"status"`
	ExternalKey  string            `json:"external_key,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// UpdateFor builds the status update describing a record's current state.
func UpdateFor(a annotation.ToolAnnotation) StatusUpdate {
	return StatusUpdate{
		Status:       a.Status(),
		ExternalKey:  a.ExternalKey(),
		ErrorMessage: a.ErrorMessage(),
	}
}

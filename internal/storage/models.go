package storage

import (
	"errors"
	"time"

	"github.com/kalambet/marginalia/internal/annotation"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidStatus is returned for status writes that describe no valid state.
var ErrInvalidStatus = errors.New("invalid status")

// Rejection details reported by MarkApplied.
const (
	DetailNotFound  = "annotation not found"
	DetailDuplicate = "duplicate"
)

// ThreadToolCall is one persisted tool call with its records in proposal
// order.
type ThreadToolCall struct {
	Call    annotation.ToolCall
	Records []annotation.ToolAnnotation
}

// Attachment is a PDF registered with the local library.
type Attachment struct {
	LibraryID int64     `json:"library_id"`
	Key       string    `json:"key"`
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	PageCount int       `json:"page_count"`
	CreatedAt time.Time `json:"created_at"`
}

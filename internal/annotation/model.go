package annotation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for unknown tool calls or annotation ids.
	ErrNotFound = errors.New("not found")
	// ErrToolCallNotReady is returned when acting on a tool call that has not completed.
	ErrToolCallNotReady = errors.New("tool call not completed")
	// ErrToolCallFinished is returned when failing a tool call that already completed.
	ErrToolCallFinished = errors.New("tool call already completed")
	// ErrClosed is returned by a Store after its thread has been discarded.
	ErrClosed = errors.New("annotation store closed")
)

type Type string

const (
	TypeHighlight Type = "highlight"
	TypeNote      Type = "note"
)

// Rect is a bounding box on a page: x1, y1, x2, y2.
type Rect [4]float64

// BoxGroup is the set of rectangles a highlight covers on one page.
type BoxGroup struct {
	PageIndex int    `json:"page_index"`
	Rects     []Rect `json:"rects"`
}

// Position is where a note sits on a page.
type Position struct {
	PageIndex int     `json:"page_index"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// Location places an annotation in a document. Highlights use Boxes, notes
// use Position.
type Location struct {
	Boxes    []BoxGroup `json:"boxes,omitempty"`
	Position *Position  `json:"position,omitempty"`
}

// MinPageIndex returns the lowest page index the location touches.
func (l Location) MinPageIndex() int {
	lowest := -1
	for _, b := range l.Boxes {
		if lowest < 0 || b.PageIndex < lowest {
			lowest = b.PageIndex
		}
	}
	if l.Position != nil && (lowest < 0 || l.Position.PageIndex < lowest) {
		lowest = l.Position.PageIndex
	}
	if lowest < 0 {
		return 0
	}
	return lowest
}

// Validate checks that the location matches the annotation type.
func (l Location) Validate(t Type) error {
	switch t {
	case TypeHighlight:
		if len(l.Boxes) == 0 {
			return fmt.Errorf("highlight requires at least one box group")
		}
		for _, b := range l.Boxes {
			if b.PageIndex < 0 {
				return fmt.Errorf("negative page index %d", b.PageIndex)
			}
			if len(b.Rects) == 0 {
				return fmt.Errorf("box group on page %d has no rects", b.PageIndex)
			}
		}
	case TypeNote:
		if l.Position == nil {
			return fmt.Errorf("note requires a position")
		}
		if l.Position.PageIndex < 0 {
			return fmt.Errorf("negative page index %d", l.Position.PageIndex)
		}
	default:
		return fmt.Errorf("unknown annotation type %q", t)
	}
	return nil
}

// ToolAnnotation is one proposed or materialized annotation.
type ToolAnnotation struct {
	ID            string
	ToolCallID    string
	Type          Type
	LibraryID     int64
	AttachmentKey string
	Title         string
	Comment       string
	Color         string
	Location      Location
	State         State
	ModifiedAt    time.Time
	// Version increases on every write to the record.
	Version uint64
}

// Status is shorthand for a.State.Status().
func (a ToolAnnotation) Status() Status {
	if a.State == nil {
		return StatusPending
	}
	return a.State.Status()
}

// ExternalKey returns the library key when the record is applied.
func (a ToolAnnotation) ExternalKey() string {
	return ExternalKeyOf(a.State)
}

// ErrorMessage returns the failure message when the record is in error.
func (a ToolAnnotation) ErrorMessage() string {
	return ErrorMessageOf(a.State)
}

type annotationJSON struct {
	ID            string    `json:"id"`
	ToolCallID    string    `json:"toolcall_id"`
	Type          Type      `json:"annotation_type"`
	LibraryID     int64     `json:"library_id"`
	AttachmentKey string    `json:"attachment_key"`
	Title         string    `json:"title,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	Color         string    `json:"color,omitempty"`
	Location      Location  `json:"location"`
	Status        Status    `json:"status"`
	ExternalKey   string    `json:"external_key,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	ModifiedAt    time.Time `json:"modified_at"`
	Version       uint64    `json:"version"`
}

func (a ToolAnnotation) MarshalJSON() ([]byte, error) {
	st := a.State
	if st == nil {
		st = Pending{}
	}
	flat := flatten(st)
	return json.Marshal(annotationJSON{
		ID:            a.ID,
		ToolCallID:    a.ToolCallID,
		Type:          a.Type,
		LibraryID:     a.LibraryID,
		AttachmentKey: a.AttachmentKey,
		Title:         a.Title,
		Comment:       a.Comment,
		Color:         a.Color,
		Location:      a.Location,
		Status:        flat.Status,
		ExternalKey:   flat.ExternalKey,
		ErrorMessage:  flat.ErrorMessage,
		ModifiedAt:    a.ModifiedAt,
		Version:       a.Version,
	})
}

func (a *ToolAnnotation) UnmarshalJSON(data []byte) error {
	var raw annotationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ParseState(raw.Status, raw.ExternalKey, raw.ErrorMessage)
	if err != nil {
		return err
	}
	*a = ToolAnnotation{
		ID:            raw.ID,
		ToolCallID:    raw.ToolCallID,
		Type:          raw.Type,
		LibraryID:     raw.LibraryID,
		AttachmentKey: raw.AttachmentKey,
		Title:         raw.Title,
		Comment:       raw.Comment,
		Color:         raw.Color,
		Location:      raw.Location,
		State:         st,
		ModifiedAt:    raw.ModifiedAt,
		Version:       raw.Version,
	}
	return nil
}

type ToolCallStatus string

const (
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallError      ToolCallStatus = "error"
)

// ToolCall groups the annotations proposed by one assistant tool invocation.
type ToolCall struct {
	ID            string         `json:"id"`
	ThreadID      string         `json:"thread_id"`
	Status        ToolCallStatus `json:"status"`
	AnnotationIDs []string       `json:"annotation_ids"`
}

// StreamEvent carries one proposal while its tool call is in progress.
type StreamEvent struct {
	ToolCallID string         `json:"toolcall_id"`
	Annotation ToolAnnotation `json:"annotation"`
}

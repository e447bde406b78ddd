// Package docstore defines the contract of the document library and viewer
// that own real annotation records. The annotation lifecycle only consumes it.
package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/marginalia/internal/annotation"
)

var (
	// ErrNotFound means the library positively confirmed the item is absent.
	ErrNotFound = errors.New("item not found")
	// ErrAttachmentNotFound means the target document cannot be resolved.
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// CreateSpec is everything the library needs to materialize an annotation.
type CreateSpec struct {
	LibraryID     int64
	AttachmentKey string
	Type          annotation.Type
	Location      annotation.Location
	Title         string
	Comment       string
	Color         string
}

// SpecFor builds the create request for a record.
func SpecFor(a annotation.ToolAnnotation) CreateSpec {
	return CreateSpec{
		LibraryID:     a.LibraryID,
		AttachmentKey: a.AttachmentKey,
		Type:          a.Type,
		Location:      a.Location,
		Title:         a.Title,
		Comment:       a.Comment,
		Color:         a.Color,
	}
}

// Item is an annotation as the library stores it.
type Item struct {
	LibraryID     int64               `json:"library_id"`
	Key           string              `json:"key"`
	AttachmentKey string              `json:"attachment_key"`
	Type          annotation.Type     `json:"annotation_type"`
	Location      annotation.Location `json:"location"`
	Title         string              `json:"title,omitempty"`
	Comment       string              `json:"comment,omitempty"`
	Color         string              `json:"color,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

// Locator finds library items. It returns ErrNotFound only when absence is
// confirmed; any other error says nothing about the item.
type Locator interface {
	Locate(ctx context.Context, libraryID int64, key string) (Item, error)
}

// Creator materializes annotations and returns their library key.
type Creator interface {
	Create(ctx context.Context, spec CreateSpec) (string, error)
}

// Deleter removes library items.
type Deleter interface {
	Delete(ctx context.Context, libraryID int64, key string) error
}

// Viewer is the document viewer shared with the user.
type Viewer interface {
	IsOpen(libraryID int64, attachmentKey string) bool
	OpenAndNavigate(ctx context.Context, libraryID int64, attachmentKey string, pageIndex int) error
}

// Adapter is the full document store surface.
type Adapter interface {
	Locator
	Creator
	Deleter
	Viewer
}

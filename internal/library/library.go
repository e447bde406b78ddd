// Package library is a local, SQLite-backed document library with a minimal
// viewer. It implements docstore.Adapter for PDFs registered on disk.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/docstore"
	"github.com/kalambet/marginalia/internal/storage"
)

// ErrOverlap is returned when an identical annotation already exists on the
// attachment.
var ErrOverlap = errors.New("overlap error")

// Store is the persistence the library needs.
type Store interface {
	SaveAttachment(a storage.Attachment) error
	GetAttachment(libraryID int64, key string) (storage.Attachment, error)
	ListAttachments(libraryID int64) ([]storage.Attachment, error)
	SaveLibraryItem(it docstore.Item) error
	GetLibraryItem(libraryID int64, key string) (docstore.Item, error)
	ListLibraryItems(libraryID int64, attachmentKey string) ([]docstore.Item, error)
	DeleteLibraryItem(libraryID int64, key string) error
}

// View is what the viewer currently shows.
type View struct {
	LibraryID     int64  `json:"library_id"`
	AttachmentKey string `json:"attachment_key"`
	PageIndex     int    `json:"page_index"`
}

// Library implements docstore.Adapter.
type Library struct {
	store Store

	mu      sync.Mutex
	open    map[string]bool
	current *View
	// create serializes overlap checks with inserts.
	create sync.Mutex

	logger *slog.Logger
}

var _ docstore.Adapter = (*Library)(nil)

func New(store Store) *Library {
	return &Library{
		store:  store,
		open:   make(map[string]bool),
		logger: slog.Default(),
	}
}

func viewKey(libraryID int64, attachmentKey string) string {
	return fmt.Sprintf("%d/%s", libraryID, attachmentKey)
}

// newKey returns an 8-character library key.
func newKey() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Attach registers the PDF at path with the library.
func (l *Library) Attach(ctx context.Context, libraryID int64, path, title string) (storage.Attachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return storage.Attachment{}, fmt.Errorf("resolving %s: %w", path, err)
	}
	pages, err := countPages(abs)
	if err != nil {
		return storage.Attachment{}, err
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	}

	a := storage.Attachment{
		LibraryID: libraryID,
		Key:       newKey(),
		Title:     title,
		Path:      abs,
		PageCount: pages,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := l.store.SaveAttachment(a); err != nil {
		return storage.Attachment{}, fmt.Errorf("saving attachment: %w", err)
	}
	l.logger.Info("attachment added", "library_id", libraryID, "attachment_key", a.Key, "pages", pages)
	return a, nil
}

func countPages(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	n := r.NumPage()
	if n <= 0 {
		return 0, fmt.Errorf("pdf %s has no pages", path)
	}
	return n, nil
}

// Attachments lists the attachments of a library.
func (l *Library) Attachments(libraryID int64) ([]storage.Attachment, error) {
	return l.store.ListAttachments(libraryID)
}

// Items lists the annotations of a library, optionally for one attachment.
func (l *Library) Items(libraryID int64, attachmentKey string) ([]docstore.Item, error) {
	return l.store.ListLibraryItems(libraryID, attachmentKey)
}

// Remove deletes an item on the user's behalf, outside any annotation
// lifecycle.
func (l *Library) Remove(libraryID int64, key string) error {
	if err := l.store.DeleteLibraryItem(libraryID, key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("item %s: %w", key, docstore.ErrNotFound)
		}
		return err
	}
	l.logger.Info("library item removed", "library_id", libraryID, "key", key)
	return nil
}

// resolve returns the attachment if it is registered and its file is still
// on disk.
func (l *Library) resolve(libraryID int64, attachmentKey string) (storage.Attachment, error) {
	a, err := l.store.GetAttachment(libraryID, attachmentKey)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Attachment{}, fmt.Errorf("attachment %s: %w", attachmentKey, docstore.ErrAttachmentNotFound)
	}
	if err != nil {
		return storage.Attachment{}, err
	}
	if _, err := os.Stat(a.Path); err != nil {
		return storage.Attachment{}, fmt.Errorf("attachment %s file %s: %w", attachmentKey, a.Path, docstore.ErrAttachmentNotFound)
	}
	return a, nil
}

func (l *Library) Locate(_ context.Context, libraryID int64, key string) (docstore.Item, error) {
	it, err := l.store.GetLibraryItem(libraryID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return docstore.Item{}, fmt.Errorf("item %s: %w", key, docstore.ErrNotFound)
	}
	return it, err
}

func (l *Library) Create(ctx context.Context, spec docstore.CreateSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := spec.Location.Validate(spec.Type); err != nil {
		return "", err
	}
	a, err := l.resolve(spec.LibraryID, spec.AttachmentKey)
	if err != nil {
		return "", err
	}
	if p := maxPageIndex(spec.Location); p >= a.PageCount {
		return "", fmt.Errorf("page %d out of range: attachment has %d pages", p, a.PageCount)
	}

	l.create.Lock()
	defer l.create.Unlock()

	existing, err := l.store.ListLibraryItems(spec.LibraryID, spec.AttachmentKey)
	if err != nil {
		return "", fmt.Errorf("listing attachment items: %w", err)
	}
	for _, it := range existing {
		if it.Type == spec.Type && sameLocation(it.Location, spec.Location) {
			return "", fmt.Errorf("%w: matches %s", ErrOverlap, it.Key)
		}
	}

	it := docstore.Item{
		LibraryID:     spec.LibraryID,
		Key:           newKey(),
		AttachmentKey: spec.AttachmentKey,
		Type:          spec.Type,
		Location:      spec.Location,
		Title:         spec.Title,
		Comment:       spec.Comment,
		Color:         spec.Color,
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.store.SaveLibraryItem(it); err != nil {
		return "", fmt.Errorf("saving item: %w", err)
	}
	return it.Key, nil
}

func (l *Library) Delete(_ context.Context, libraryID int64, key string) error {
	err := l.store.DeleteLibraryItem(libraryID, key)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("item %s: %w", key, docstore.ErrNotFound)
	}
	return err
}

func (l *Library) IsOpen(libraryID int64, attachmentKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[viewKey(libraryID, attachmentKey)]
}

func (l *Library) OpenAndNavigate(_ context.Context, libraryID int64, attachmentKey string, pageIndex int) error {
	a, err := l.resolve(libraryID, attachmentKey)
	if err != nil {
		return err
	}
	if pageIndex < 0 || pageIndex >= a.PageCount {
		return fmt.Errorf("page %d out of range: attachment has %d pages", pageIndex, a.PageCount)
	}

	l.mu.Lock()
	l.open[viewKey(libraryID, attachmentKey)] = true
	l.current = &View{LibraryID: libraryID, AttachmentKey: attachmentKey, PageIndex: pageIndex}
	l.mu.Unlock()
	return nil
}

// CloseDocument removes an attachment from the viewer.
func (l *Library) CloseDocument(libraryID int64, attachmentKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.open, viewKey(libraryID, attachmentKey))
	if l.current != nil && l.current.LibraryID == libraryID && l.current.AttachmentKey == attachmentKey {
		l.current = nil
	}
}

// Current returns the page the viewer shows, if any.
func (l *Library) Current() (View, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return View{}, false
	}
	return *l.current, true
}

func maxPageIndex(loc annotation.Location) int {
	highest := 0
	for _, b := range loc.Boxes {
		highest = max(highest, b.PageIndex)
	}
	if loc.Position != nil {
		highest = max(highest, loc.Position.PageIndex)
	}
	return highest
}

func sameLocation(a, b annotation.Location) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

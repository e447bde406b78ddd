package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/docstore"
)

// --- Attachments ---

func (s *Store) SaveAttachment(a Attachment) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO library_attachments (library_id, key, title, path, page_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.LibraryID, a.Key, a.Title, a.Path, a.PageCount, formatTime(createdAt),
	)
	return err
}

func (s *Store) GetAttachment(libraryID int64, key string) (Attachment, error) {
	var a Attachment
	var createdAt string
	err := s.db.QueryRow(`
		SELECT library_id, key, title, path, page_count, created_at
		FROM library_attachments WHERE library_id = ? AND key = ?`, libraryID, key,
	).Scan(&a.LibraryID, &a.Key, &a.Title, &a.Path, &a.PageCount, &createdAt)
	if err == sql.ErrNoRows {
		return Attachment{}, ErrNotFound
	}
	if err != nil {
		return Attachment{}, err
	}
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Attachment{}, err
	}
	return a, nil
}

func (s *Store) ListAttachments(libraryID int64) ([]Attachment, error) {
	rows, err := s.db.Query(`
		SELECT library_id, key, title, path, page_count, created_at
		FROM library_attachments WHERE library_id = ? ORDER BY created_at ASC, key ASC`, libraryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		var createdAt string
		if err := rows.Scan(&a.LibraryID, &a.Key, &a.Title, &a.Path, &a.PageCount, &createdAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Library annotations ---

func (s *Store) SaveLibraryItem(it docstore.Item) error {
	loc, err := json.Marshal(it.Location)
	if err != nil {
		return fmt.Errorf("encoding location: %w", err)
	}
	createdAt := it.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO library_annotations (library_id, key, attachment_key, annotation_type, location_json, title, comment, color, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.LibraryID, it.Key, it.AttachmentKey, string(it.Type), string(loc),
		it.Title, it.Comment, it.Color, formatTime(createdAt),
	)
	return err
}

func (s *Store) GetLibraryItem(libraryID int64, key string) (docstore.Item, error) {
	row := s.db.QueryRow(`
		SELECT library_id, key, attachment_key, annotation_type, location_json, title, comment, color, created_at
		FROM library_annotations WHERE library_id = ? AND key = ?`, libraryID, key)
	it, err := scanLibraryItem(row)
	if err == sql.ErrNoRows {
		return docstore.Item{}, ErrNotFound
	}
	return it, err
}

// ListLibraryItems returns the items of a library, or of one attachment when
// attachmentKey is set.
func (s *Store) ListLibraryItems(libraryID int64, attachmentKey string) ([]docstore.Item, error) {
	query := `SELECT library_id, key, attachment_key, annotation_type, location_json, title, comment, color, created_at
		FROM library_annotations WHERE library_id = ?`
	args := []any{libraryID}
	if attachmentKey != "" {
		query += ` AND attachment_key = ?`
		args = append(args, attachmentKey)
	}
	query += ` ORDER BY created_at ASC, key ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []docstore.Item
	for rows.Next() {
		it, err := scanLibraryItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) DeleteLibraryItem(libraryID int64, key string) error {
	res, err := s.db.Exec(`DELETE FROM library_annotations WHERE library_id = ? AND key = ?`, libraryID, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanLibraryItem(row scanner) (docstore.Item, error) {
	var (
		it                   docstore.Item
		typ, loc, createdAt string
	)
	if err := row.Scan(&it.LibraryID, &it.Key, &it.AttachmentKey, &typ, &loc,
		&it.Title, &it.Comment, &it.Color, &createdAt); err != nil {
		return docstore.Item{}, err
	}
	it.Type = annotation.Type(typ)
	if err := json.Unmarshal([]byte(loc), &it.Location); err != nil {
		return docstore.Item{}, fmt.Errorf("decoding location of %s: %w", it.Key, err)
	}
	var err error
	if it.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return docstore.Item{}, err
	}
	return it, nil
}

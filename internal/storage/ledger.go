package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/backend"
)

// --- Tool calls ---

// SaveToolCall records a tool call or updates its status.
func (s *Store) SaveToolCall(call annotation.ToolCall) error {
	now := formatTime(time.Now())
	status := call.Status
	if status == "" {
		status = annotation.ToolCallInProgress
	}
	_, err := s.db.Exec(`
		INSERT INTO tool_calls (id, thread_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		call.ID, call.ThreadID, string(status), now, now,
	)
	return err
}

// SaveProposal stores a streamed proposal as pending. Re-delivery of a known
// id is ignored. The tool call row is created if needed.
func (s *Store) SaveProposal(threadID string, rec annotation.ToolAnnotation) error {
	proposal, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding proposal %s: %w", rec.ID, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning proposal transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	if _, err := tx.Exec(`
		INSERT INTO tool_calls (id, thread_id, status, created_at, updated_at)
		VALUES (?, ?, 'in_progress', ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ToolCallID, threadID, now, now,
	); err != nil {
		return fmt.Errorf("recording tool call %s: %w", rec.ToolCallID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO tool_annotations (id, toolcall_id, seq, proposal_json, status, updated_at)
		VALUES (?, ?, (SELECT COUNT(*) FROM tool_annotations WHERE toolcall_id = ?), ?, 'pending', ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.ToolCallID, rec.ToolCallID, string(proposal), now,
	); err != nil {
		return fmt.Errorf("recording proposal %s: %w", rec.ID, err)
	}
	return tx.Commit()
}

// MarkApplied records a batch of applied annotations. Items that name an
// unknown annotation, or whose external key already belongs to another
// annotation, come back as rejections; the rest are stored.
func (s *Store) MarkApplied(threadID, toolCallID string, items []backend.AppliedItem) ([]backend.Rejection, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning acknowledgment transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	var rejections []backend.Rejection
	for _, it := range items {
		var n int
		if err := tx.QueryRow(`
			SELECT COUNT(*) FROM tool_annotations a JOIN tool_calls c ON c.id = a.toolcall_id
			WHERE a.id = ? AND a.toolcall_id = ? AND c.thread_id = ?`,
			it.AnnotationID, toolCallID, threadID,
		).Scan(&n); err != nil {
			return nil, fmt.Errorf("looking up annotation %s: %w", it.AnnotationID, err)
		}
		if n == 0 {
			rejections = append(rejections, backend.Rejection{AnnotationID: it.AnnotationID, Detail: DetailNotFound})
			continue
		}

		if it.ExternalKey == "" {
			rejections = append(rejections, backend.Rejection{AnnotationID: it.AnnotationID, Detail: "missing external key"})
			continue
		}
		if err := tx.QueryRow(`SELECT COUNT(*) FROM tool_annotations WHERE external_key = ? AND id != ?`,
			it.ExternalKey, it.AnnotationID,
		).Scan(&n); err != nil {
			return nil, fmt.Errorf("checking external key %s: %w", it.ExternalKey, err)
		}
		if n > 0 {
			rejections = append(rejections, backend.Rejection{AnnotationID: it.AnnotationID, Detail: DetailDuplicate})
			continue
		}

		if _, err := tx.Exec(`
			UPDATE tool_annotations SET status = 'applied', external_key = ?, error_message = NULL, updated_at = ?
			WHERE id = ?`,
			it.ExternalKey, now, it.AnnotationID,
		); err != nil {
			return nil, fmt.Errorf("marking %s applied: %w", it.AnnotationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing acknowledgment: %w", err)
	}
	return rejections, nil
}

// UpdateAnnotationStatus overwrites one annotation's status.
func (s *Store) UpdateAnnotationStatus(annotationID string, u backend.StatusUpdate) error {
	st, err := annotation.ParseState(u.Status, u.ExternalKey, u.ErrorMessage)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}

	var key, msg sql.NullString
	if k := annotation.ExternalKeyOf(st); k != "" {
		key = sql.NullString{String: k, Valid: true}
	}
	if m := annotation.ErrorMessageOf(st); m != "" {
		msg = sql.NullString{String: m, Valid: true}
	}

	res, err := s.db.Exec(`
		UPDATE tool_annotations SET status = ?, external_key = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(st.Status()), key, msg, formatTime(time.Now()), annotationID,
	)
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

// GetToolAnnotation returns one ledger record.
func (s *Store) GetToolAnnotation(annotationID string) (annotation.ToolAnnotation, error) {
	row := s.db.QueryRow(`
		SELECT proposal_json, status, external_key, error_message, updated_at
		FROM tool_annotations WHERE id = ?`, annotationID)
	rec, err := scanToolAnnotation(row)
	if err == sql.ErrNoRows {
		return annotation.ToolAnnotation{}, ErrNotFound
	}
	return rec, err
}

// LoadThread returns every tool call of a thread in arrival order.
func (s *Store) LoadThread(threadID string) ([]ThreadToolCall, error) {
	rows, err := s.db.Query(`
		SELECT id, status FROM tool_calls WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC`, threadID)
	if err != nil {
		return nil, err
	}

	var calls []ThreadToolCall
	for rows.Next() {
		var tc ThreadToolCall
		var status string
		if err := rows.Scan(&tc.Call.ID, &status); err != nil {
			rows.Close()
			return nil, err
		}
		tc.Call.ThreadID = threadID
		tc.Call.Status = annotation.ToolCallStatus(status)
		calls = append(calls, tc)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for i := range calls {
		records, err := s.toolCallRecords(calls[i].Call.ID)
		if err != nil {
			return nil, err
		}
		calls[i].Records = records
		for _, r := range records {
			calls[i].Call.AnnotationIDs = append(calls[i].Call.AnnotationIDs, r.ID)
		}
	}
	return calls, nil
}

// ListThreads returns the ids of every thread with a recorded tool call.
func (s *Store) ListThreads() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT thread_id FROM tool_calls ORDER BY thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) toolCallRecords(toolCallID string) ([]annotation.ToolAnnotation, error) {
	rows, err := s.db.Query(`
		SELECT proposal_json, status, external_key, error_message, updated_at
		FROM tool_annotations WHERE toolcall_id = ? ORDER BY seq ASC`, toolCallID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []annotation.ToolAnnotation
	for rows.Next() {
		rec, err := scanToolAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToolAnnotation(row scanner) (annotation.ToolAnnotation, error) {
	var (
		proposal, status, updatedAt string
		key, msg                    sql.NullString
	)
	if err := row.Scan(&proposal, &status, &key, &msg, &updatedAt); err != nil {
		return annotation.ToolAnnotation{}, err
	}

	var rec annotation.ToolAnnotation
	if err := json.Unmarshal([]byte(proposal), &rec); err != nil {
		return annotation.ToolAnnotation{}, fmt.Errorf("decoding proposal: %w", err)
	}
	st, err := annotation.ParseState(annotation.Status(status), key.String, msg.String)
	if err != nil {
		return annotation.ToolAnnotation{}, fmt.Errorf("annotation %s: %w", rec.ID, err)
	}
	rec.State = st
	if rec.ModifiedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return annotation.ToolAnnotation{}, err
	}
	rec.Version = 0
	return rec, nil
}

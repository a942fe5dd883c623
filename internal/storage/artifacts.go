package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// --- Transcripts ---

// CompleteTranscription stores a fresh transcript and, in the same
// transaction, marks transcription completed and analysis pending. An existing
// transcript is replaced wholesale: processed text and edit bookkeeping derived
// from the old raw text are cleared.
func (s *Store) CompleteTranscription(t Transcript) error {
	segments := t.Segments
	if segments == nil {
		segments = []Segment{}
	}
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("marshalling segments: %w", err)
	}
	now := formatTime(time.Now())

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transcription transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO transcripts (recording_id, raw_text, language, segments, processed_text, edit_count,
			last_edited_at, last_edited_by, previous_value, previous_field, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, 0, NULL, '', NULL, '', ?, ?)
		ON CONFLICT(recording_id) DO UPDATE SET
			raw_text = excluded.raw_text,
			language = excluded.language,
			segments = excluded.segments,
			processed_text = NULL,
			edit_count = 0,
			last_edited_at = NULL,
			last_edited_by = '',
			previous_value = NULL,
			previous_field = '',
			updated_at = excluded.updated_at`,
		t.RecordingID, t.RawText, t.Language, string(segJSON), now, now,
	); err != nil {
		return fmt.Errorf("saving transcript: %w", err)
	}

	res, err := tx.Exec(`UPDATE recordings
		SET transcription_status = 'completed', analysis_status = 'pending', status_message = '', updated_at = ?
		WHERE id = ?`, now, t.RecordingID)
	if err != nil {
		return fmt.Errorf("updating recording status: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) GetTranscript(recordingID string) (Transcript, error) {
	var t Transcript
	var segments, createdAt, updatedAt string
	var processed, lastEditedAt, previous sql.NullString
	err := s.db.QueryRow(`
		SELECT recording_id, raw_text, language, segments, processed_text, edit_count, last_edited_at,
			last_edited_by, previous_value, previous_field, created_at, updated_at
		FROM transcripts WHERE recording_id = ?`, recordingID,
	).Scan(&t.RecordingID, &t.RawText, &t.Language, &segments, &processed, &t.Edit.EditCount, &lastEditedAt,
		&t.Edit.LastEditedBy, &previous, &t.PreviousField, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, err
	}
	if err := json.Unmarshal([]byte(segments), &t.Segments); err != nil {
		return Transcript{}, fmt.Errorf("parsing segments: %w", err)
	}
	t.ProcessedText = stringPtr(processed)
	t.Edit.PreviousValue = stringPtr(previous)
	if t.Edit.LastEditedAt, err = parseNullTime("last_edited_at", lastEditedAt); err != nil {
		return Transcript{}, err
	}
	if t.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Transcript{}, err
	}
	if t.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Transcript{}, err
	}
	return t, nil
}

// SetProcessedText writes the organized text. An undo slot holding a previous
// processed text is dropped since it no longer precedes the stored version;
// a raw-text slot and the edit counters are kept.
func (s *Store) SetProcessedText(recordingID, text string) error {
	res, err := s.db.Exec(`UPDATE transcripts
		SET processed_text = ?,
			previous_value = CASE WHEN previous_field = ? THEN NULL ELSE previous_value END,
			previous_field = CASE WHEN previous_field = ? THEN '' ELSE previous_field END,
			updated_at = ?
		WHERE recording_id = ?`,
		text, FieldProcessed, FieldProcessed, formatTime(time.Now()), recordingID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// SaveTranscriptEdit persists both text fields and the edit bookkeeping.
func (s *Store) SaveTranscriptEdit(t Transcript) error {
	res, err := s.db.Exec(`UPDATE transcripts
		SET raw_text = ?, processed_text = ?, edit_count = ?, last_edited_at = ?, last_edited_by = ?,
			previous_value = ?, previous_field = ?, updated_at = ?
		WHERE recording_id = ?`,
		t.RawText, nullString(t.ProcessedText), t.Edit.EditCount, nullTime(t.Edit.LastEditedAt), t.Edit.LastEditedBy,
		nullString(t.Edit.PreviousValue), t.PreviousField, formatTime(time.Now()), t.RecordingID)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// --- Extracts ---

// SaveExtract inserts or replaces the extract for a recording.
func (s *Store) SaveExtract(e Extract) error {
	items := e.Items
	if items == nil {
		items = []ExtractItem{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshalling extract items: %w", err)
	}
	now := formatTime(time.Now())
	_, err = s.db.Exec(`
		INSERT INTO extracts (recording_id, text, items, edit_count, last_edited_at, last_edited_by, previous_value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(recording_id) DO UPDATE SET
			text = excluded.text,
			items = excluded.items,
			edit_count = excluded.edit_count,
			last_edited_at = excluded.last_edited_at,
			last_edited_by = excluded.last_edited_by,
			previous_value = excluded.previous_value,
			updated_at = excluded.updated_at`,
		e.RecordingID, e.Text, string(itemsJSON), e.Edit.EditCount, nullTime(e.Edit.LastEditedAt), e.Edit.LastEditedBy,
		nullString(e.Edit.PreviousValue), now, now,
	)
	return err
}

func (s *Store) GetExtract(recordingID string) (Extract, error) {
	var e Extract
	var items, createdAt, updatedAt string
	var lastEditedAt, previous sql.NullString
	err := s.db.QueryRow(`
		SELECT recording_id, text, items, edit_count, last_edited_at, last_edited_by, previous_value, created_at, updated_at
		FROM extracts WHERE recording_id = ?`, recordingID,
	).Scan(&e.RecordingID, &e.Text, &items, &e.Edit.EditCount, &lastEditedAt, &e.Edit.LastEditedBy, &previous,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Extract{}, ErrNotFound
	}
	if err != nil {
		return Extract{}, err
	}
	if err := json.Unmarshal([]byte(items), &e.Items); err != nil {
		return Extract{}, fmt.Errorf("parsing extract items: %w", err)
	}
	e.Edit.PreviousValue = stringPtr(previous)
	if e.Edit.LastEditedAt, err = parseNullTime("last_edited_at", lastEditedAt); err != nil {
		return Extract{}, err
	}
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Extract{}, err
	}
	if e.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Extract{}, err
	}
	return e, nil
}

// --- Analyses ---

// SaveAnalysis inserts or replaces the analysis record for a recording.
func (s *Store) SaveAnalysis(a Analysis) error {
	return saveAnalysis(s.db, a)
}

// CompleteAnalysis saves the analysis and marks analysis_status completed in
// one transaction.
func (s *Store) CompleteAnalysis(a Analysis) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning analysis transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveAnalysis(tx, a); err != nil {
		return fmt.Errorf("saving analysis: %w", err)
	}
	res, err := tx.Exec(`UPDATE recordings SET analysis_status = 'completed', status_message = '', updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), a.RecordingID)
	if err != nil {
		return fmt.Errorf("updating analysis status: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func saveAnalysis(db execer, a Analysis) error {
	actions := a.ActionsTaken
	if actions == nil {
		actions = []ActionTaken{}
	}
	actionsJSON, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("marshalling actions: %w", err)
	}
	metrics := a.Metrics
	if metrics == nil {
		metrics = map[string]MetricValue{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshalling metrics: %w", err)
	}
	strategy, err := nullJSON(a.Strategy, a.Strategy == nil)
	if err != nil {
		return fmt.Errorf("marshalling strategy: %w", err)
	}
	timeline, err := nullJSON(a.Timeline, a.Timeline == nil)
	if err != nil {
		return fmt.Errorf("marshalling timeline: %w", err)
	}

	now := time.Now()
	created := a.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = db.Exec(`
		INSERT INTO analyses (recording_id, account_id, executive_summary, actions_taken, metrics, strategy, timeline,
			confidence_level, revised_at, revised_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(recording_id) DO UPDATE SET
			account_id = excluded.account_id,
			executive_summary = excluded.executive_summary,
			actions_taken = excluded.actions_taken,
			metrics = excluded.metrics,
			strategy = excluded.strategy,
			timeline = excluded.timeline,
			confidence_level = excluded.confidence_level,
			revised_at = excluded.revised_at,
			revised_by = excluded.revised_by,
			updated_at = excluded.updated_at`,
		a.RecordingID, a.AccountID, a.ExecutiveSummary, string(actionsJSON), string(metricsJSON), strategy, timeline,
		a.ConfidenceLevel, nullTime(a.RevisedAt), a.RevisedBy, formatTime(created), formatTime(now),
	)
	return err
}

func nullJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const analysisColumns = `a.recording_id, a.account_id, a.executive_summary, a.actions_taken, a.metrics, a.strategy,
	a.timeline, a.confidence_level, a.revised_at, a.revised_by, a.created_at, a.updated_at`

func scanAnalysis(row rowScanner, extra ...any) (Analysis, error) {
	var a Analysis
	var actions, metrics, createdAt, updatedAt string
	var strategy, timeline, revisedAt sql.NullString
	dest := []any{&a.RecordingID, &a.AccountID, &a.ExecutiveSummary, &actions, &metrics, &strategy,
		&timeline, &a.ConfidenceLevel, &revisedAt, &a.RevisedBy, &createdAt, &updatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Analysis{}, err
	}
	if err := json.Unmarshal([]byte(actions), &a.ActionsTaken); err != nil {
		return Analysis{}, fmt.Errorf("parsing actions_taken: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &a.Metrics); err != nil {
		return Analysis{}, fmt.Errorf("parsing metrics: %w", err)
	}
	if strategy.Valid {
		a.Strategy = &Strategy{}
		if err := json.Unmarshal([]byte(strategy.String), a.Strategy); err != nil {
			return Analysis{}, fmt.Errorf("parsing strategy: %w", err)
		}
	}
	if timeline.Valid {
		a.Timeline = &Timeline{}
		if err := json.Unmarshal([]byte(timeline.String), a.Timeline); err != nil {
			return Analysis{}, fmt.Errorf("parsing timeline: %w", err)
		}
	}
	var err error
	if a.RevisedAt, err = parseNullTime("revised_at", revisedAt); err != nil {
		return Analysis{}, err
	}
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Analysis{}, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Analysis{}, err
	}
	return a, nil
}

func (s *Store) GetAnalysis(recordingID string) (Analysis, error) {
	a, err := scanAnalysis(s.db.QueryRow(`SELECT `+analysisColumns+` FROM analyses a WHERE a.recording_id = ?`, recordingID))
	if err == sql.ErrNoRows {
		return Analysis{}, ErrNotFound
	}
	return a, err
}

// ListPriorAnalyses returns up to limit analyses for the account's other
// recordings, newest recording first. When excludeRecordingID names a stored
// recording, only recordings made strictly before it are returned.
func (s *Store) ListPriorAnalyses(accountID, excludeRecordingID string, limit int) ([]PriorAnalysis, error) {
	rows, err := s.db.Query(`SELECT `+analysisColumns+`, r.recorded_at
		FROM analyses a JOIN recordings r ON r.id = a.recording_id
		WHERE a.account_id = ? AND a.recording_id <> ?
			AND r.recorded_at < COALESCE((SELECT recorded_at FROM recordings WHERE id = ?), '9999')
		ORDER BY r.recorded_at DESC, a.created_at DESC
		LIMIT ?`, accountID, excludeRecordingID, excludeRecordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PriorAnalysis
	for rows.Next() {
		var recordedAt string
		a, err := scanAnalysis(rows, &recordedAt)
		if err != nil {
			return nil, err
		}
		t, err := parseTime("recorded_at", recordedAt)
		if err != nil {
			return nil, err
		}
		results = append(results, PriorAnalysis{RecordedAt: t, Analysis: a})
	}
	return results, rows.Err()
}

// --- API call log ---

// LogAPICall appends a row to the call log. Rows are never updated.
func (s *Store) LogAPICall(c APICall) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	success := 0
	if c.Success {
		success = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO api_call_log (id, recording_id, stage, provider, model, prompt, input_preview, output_preview,
			prompt_tokens, completion_tokens, total_tokens, duration_ms, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RecordingID, c.Stage, c.Provider, c.Model, c.Prompt, c.InputPreview, c.OutputPreview,
		c.PromptTokens, c.CompletionTokens, c.TotalTokens, c.DurationMs, success, c.ErrorMessage, formatTime(created),
	)
	return err
}

// ListAPICalls returns the call log for a recording in insertion order.
func (s *Store) ListAPICalls(recordingID string, limit int) ([]APICall, error) {
	rows, err := s.db.Query(`
		SELECT id, recording_id, stage, provider, model, prompt, input_preview, output_preview,
			prompt_tokens, completion_tokens, total_tokens, duration_ms, success, error_message, created_at
		FROM api_call_log WHERE recording_id = ? ORDER BY created_at ASC, rowid ASC LIMIT ?`, recordingID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []APICall
	for rows.Next() {
		var c APICall
		var success int
		var createdAt string
		if err := rows.Scan(&c.ID, &c.RecordingID, &c.Stage, &c.Provider, &c.Model, &c.Prompt, &c.InputPreview,
			&c.OutputPreview, &c.PromptTokens, &c.CompletionTokens, &c.TotalTokens, &c.DurationMs, &success,
			&c.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		c.Success = success == 1
		t, err := parseTime("created_at", createdAt)
		if err != nil {
			return nil, err
		}
		c.CreatedAt = t
		results = append(results, c)
	}
	return results, rows.Err()
}

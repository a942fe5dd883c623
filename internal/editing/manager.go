// Package editing applies human edits and instruction-guided touch-ups to a
// recording's text artifacts. Each artifact keeps exactly one previous
// version; a new edit overwrites it.
package editing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/optlog/internal/analysis"
	"github.com/kalambet/optlog/internal/inflight"
	"github.com/kalambet/optlog/internal/llm"
	"github.com/kalambet/optlog/internal/metrics"
	"github.com/kalambet/optlog/internal/storage"
)

var (
	// ErrInvalidArtifact is returned for kinds that cannot be edited.
	ErrInvalidArtifact = errors.New("artifact kind is not editable")
	// ErrEmptyText rejects saves and instructions that are blank.
	ErrEmptyText = errors.New("text must not be empty")
	// ErrInvalidRevision is returned when a revised analysis fails validation.
	ErrInvalidRevision = errors.New("invalid analysis revision")
)

// Store is the persistence the manager needs.
type Store interface {
	GetTranscript(recordingID string) (storage.Transcript, error)
	SaveTranscriptEdit(t storage.Transcript) error
	GetExtract(recordingID string) (storage.Extract, error)
	SaveExtract(e storage.Extract) error
	GetAnalysis(recordingID string) (storage.Analysis, error)
	SaveAnalysis(a storage.Analysis) error
	LogAPICall(c storage.APICall) error
}

// Options tunes a Manager.
type Options struct {
	Metrics *metrics.Pipeline
	Now     func() time.Time
}

// Manager is the only writer of edit bookkeeping.
type Manager struct {
	store     Store
	generator llm.Generator
	locks     *inflight.Registry
	metrics   *metrics.Pipeline
	now       func() time.Time
}

func New(store Store, generator llm.Generator, locks *inflight.Registry, opts Options) *Manager {
	m := &Manager{store: store, generator: generator, locks: locks, metrics: opts.Metrics, now: opts.Now}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// State is the current text of an artifact and its edit bookkeeping.
type State struct {
	RecordingID string               `json:"recording_id"`
	Kind        storage.ArtifactKind `json:"kind"`
	Text        string               `json:"text"`
	EditCount   int                  `json:"edit_count"`
	LastEditBy  string               `json:"last_edited_by,omitempty"`
	LastEditAt  *time.Time           `json:"last_edited_at,omitempty"`
	CanUndo     bool                 `json:"can_undo"`
	// Undone is set by Undo: false means there was nothing to restore.
	Undone bool `json:"undone"`
}

func (m *Manager) acquire(id string, kind storage.ArtifactKind) (func(), error) {
	release, err := m.locks.Acquire(id, kind)
	if err != nil {
		m.metrics.RecordConflict(string(kind))
		return nil, err
	}
	return release, nil
}

// Current returns the artifact's text and bookkeeping.
func (m *Manager) Current(ctx context.Context, id string, kind storage.ArtifactKind) (State, error) {
	if !kind.Editable() {
		return State{}, fmt.Errorf("%w: %s", ErrInvalidArtifact, kind)
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	return m.current(id, kind)
}

func (m *Manager) current(id string, kind storage.ArtifactKind) (State, error) {
	if kind == storage.KindExtract {
		e, err := m.store.GetExtract(id)
		if err != nil {
			return State{}, err
		}
		return extractState(e), nil
	}
	t, err := m.store.GetTranscript(id)
	if err != nil {
		return State{}, err
	}
	return transcriptState(t, kind)
}

// Save replaces the artifact text, stashing the previous text as the single
// undo point. Saving identical text is a no-op.
func (m *Manager) Save(ctx context.Context, id string, kind storage.ArtifactKind, text, editor string) (State, error) {
	if !kind.Editable() {
		return State{}, fmt.Errorf("%w: %s", ErrInvalidArtifact, kind)
	}
	if strings.TrimSpace(text) == "" {
		return State{}, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	release, err := m.acquire(id, kind)
	if err != nil {
		return State{}, err
	}
	defer release()

	st, err := m.save(id, kind, text, editor)
	if err != nil {
		return State{}, err
	}
	m.metrics.RecordEdit(string(kind), "save")
	slog.Info("artifact saved", "recording_id", id, "kind", kind, "editor", editor, "edit_count", st.EditCount)
	return st, nil
}

func (m *Manager) save(id string, kind storage.ArtifactKind, text, editor string) (State, error) {
	now := m.now()

	if kind == storage.KindExtract {
		e, err := m.store.GetExtract(id)
		if err != nil {
			return State{}, err
		}
		if e.Text == text {
			return extractState(e), nil
		}
		prev := e.Text
		e.Text = text
		e.Items = analysis.ParseExtractItems(text)
		e.Edit = storage.EditInfo{
			EditCount:     e.Edit.EditCount + 1,
			LastEditedAt:  &now,
			LastEditedBy:  editor,
			PreviousValue: &prev,
		}
		if err := m.store.SaveExtract(e); err != nil {
			return State{}, fmt.Errorf("saving extract: %w", err)
		}
		return extractState(e), nil
	}

	t, err := m.store.GetTranscript(id)
	if err != nil {
		return State{}, err
	}
	cur, err := transcriptState(t, kind)
	if err != nil {
		return State{}, err
	}
	if cur.Text == text {
		return cur, nil
	}
	prev := cur.Text
	field := storage.FieldRaw
	if kind == storage.KindProcessedTranscript {
		field = storage.FieldProcessed
		t.ProcessedText = &text
	} else {
		t.RawText = text
	}
	t.PreviousField = field
	t.Edit = storage.EditInfo{
		EditCount:     t.Edit.EditCount + 1,
		LastEditedAt:  &now,
		LastEditedBy:  editor,
		PreviousValue: &prev,
	}
	if err := m.store.SaveTranscriptEdit(t); err != nil {
		return State{}, fmt.Errorf("saving transcript: %w", err)
	}
	return transcriptState(t, kind)
}

// Undo restores the stashed previous version and clears it. With nothing
// stashed it returns the current state with Undone=false.
func (m *Manager) Undo(ctx context.Context, id string, kind storage.ArtifactKind, editor string) (State, error) {
	if !kind.Editable() {
		return State{}, fmt.Errorf("%w: %s", ErrInvalidArtifact, kind)
	}
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	release, err := m.acquire(id, kind)
	if err != nil {
		return State{}, err
	}
	defer release()

	now := m.now()
	var st State
	if kind == storage.KindExtract {
		e, err := m.store.GetExtract(id)
		if err != nil {
			return State{}, err
		}
		if e.Edit.PreviousValue == nil {
			return extractState(e), nil
		}
		e.Text = *e.Edit.PreviousValue
		e.Items = analysis.ParseExtractItems(e.Text)
		e.Edit.PreviousValue = nil
		e.Edit.LastEditedAt = &now
		e.Edit.LastEditedBy = editor
		if err := m.store.SaveExtract(e); err != nil {
			return State{}, fmt.Errorf("saving extract: %w", err)
		}
		st = extractState(e)
	} else {
		t, err := m.store.GetTranscript(id)
		if err != nil {
			return State{}, err
		}
		field := storage.FieldRaw
		if kind == storage.KindProcessedTranscript {
			field = storage.FieldProcessed
		}
		if t.Edit.PreviousValue == nil || t.PreviousField != field {
			return transcriptState(t, kind)
		}
		prev := *t.Edit.PreviousValue
		if field == storage.FieldProcessed {
			t.ProcessedText = &prev
		} else {
			t.RawText = prev
		}
		t.Edit.PreviousValue = nil
		t.PreviousField = ""
		t.Edit.LastEditedAt = &now
		t.Edit.LastEditedBy = editor
		if err := m.store.SaveTranscriptEdit(t); err != nil {
			return State{}, fmt.Errorf("saving transcript: %w", err)
		}
		if st, err = transcriptState(t, kind); err != nil {
			return State{}, err
		}
	}

	st.Undone = true
	m.metrics.RecordEdit(string(kind), "undo")
	slog.Info("artifact edit undone", "recording_id", id, "kind", kind, "editor", editor)
	return st, nil
}

func extractState(e storage.Extract) State {
	return State{
		RecordingID: e.RecordingID,
		Kind:        storage.KindExtract,
		Text:        e.Text,
		EditCount:   e.Edit.EditCount,
		LastEditBy:  e.Edit.LastEditedBy,
		LastEditAt:  e.Edit.LastEditedAt,
		CanUndo:     e.Edit.CanUndo(),
	}
}

// transcriptState projects one field of the transcript. The undo slot is
// shared by both fields, so CanUndo is true only for the field last edited.
func transcriptState(t storage.Transcript, kind storage.ArtifactKind) (State, error) {
	st := State{
		RecordingID: t.RecordingID,
		Kind:        kind,
		EditCount:   t.Edit.EditCount,
		LastEditBy:  t.Edit.LastEditedBy,
		LastEditAt:  t.Edit.LastEditedAt,
	}
	switch kind {
	case storage.KindRawTranscript:
		st.Text = t.RawText
		st.CanUndo = t.Edit.CanUndo() && t.PreviousField == storage.FieldRaw
	case storage.KindProcessedTranscript:
		if t.ProcessedText == nil {
			return State{}, fmt.Errorf("processed transcript: %w", storage.ErrNotFound)
		}
		st.Text = *t.ProcessedText
		st.CanUndo = t.Edit.CanUndo() && t.PreviousField == storage.FieldProcessed
	default:
		return State{}, fmt.Errorf("%w: %s", ErrInvalidArtifact, kind)
	}
	return st, nil
}

func (m *Manager) logCall(c storage.APICall) {
	c.ID = uuid.NewString()
	c.CreatedAt = m.now()
	if err := m.store.LogAPICall(c); err != nil {
		slog.Warn("failed to write api call log", "stage", c.Stage, "recording_id", c.RecordingID, "error", err)
	}
}

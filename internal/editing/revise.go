package editing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/optlog/internal/analysis"
	"github.com/kalambet/optlog/internal/storage"
)

// Revision is a human-authored replacement of an analysis record's content.
type Revision struct {
	ExecutiveSummary string                         `json:"executive_summary"`
	ActionsTaken     []storage.ActionTaken          `json:"actions_taken"`
	Metrics          map[string]storage.MetricValue `json:"metrics"`
	Strategy         *storage.Strategy              `json:"strategy,omitempty"`
	Timeline         *storage.Timeline              `json:"timeline,omitempty"`
}

// ReviseAnalysis replaces the analysis content and marks it revised. A
// revised analysis is kept by later unforced Analyze runs.
func (m *Manager) ReviseAnalysis(ctx context.Context, id string, rev Revision, editor string) (storage.Analysis, error) {
	if err := ctx.Err(); err != nil {
		return storage.Analysis{}, err
	}

	release, err := m.acquire(id, storage.KindAnalysis)
	if err != nil {
		return storage.Analysis{}, err
	}
	defer release()

	a, err := m.store.GetAnalysis(id)
	if err != nil {
		return storage.Analysis{}, err
	}

	now := m.now()
	a.ExecutiveSummary = rev.ExecutiveSummary
	a.ActionsTaken = rev.ActionsTaken
	a.Metrics = rev.Metrics
	a.Strategy = rev.Strategy
	a.Timeline = rev.Timeline
	if err := analysis.ValidateRevision(a); err != nil {
		return storage.Analysis{}, fmt.Errorf("%w: %v", ErrInvalidRevision, err)
	}
	a.ConfidenceLevel = storage.ConfidenceRevised
	a.RevisedAt = &now
	a.RevisedBy = editor

	if err := m.store.SaveAnalysis(a); err != nil {
		return storage.Analysis{}, fmt.Errorf("saving analysis: %w", err)
	}
	m.metrics.RecordEdit(string(storage.KindAnalysis), "revise")
	slog.Info("analysis revised", "recording_id", id, "editor", editor)
	return m.store.GetAnalysis(id)
}

package editing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/kalambet/optlog/internal/analysis"
	"github.com/kalambet/optlog/internal/llm"
	"github.com/kalambet/optlog/internal/prompts"
	"github.com/kalambet/optlog/internal/storage"
)

// Diff operations.
const (
	OpEqual  = "equal"
	OpInsert = "insert"
	OpDelete = "delete"
)

// DiffOp is one span of a word-level diff between the original and the
// proposed text.
type DiffOp struct {
	Op   string `json:"op"`
	Text string `json:"text"`
}

// Proposal is a touch-up result awaiting confirmation. Nothing is stored
// until the caller commits Revised through Save.
type Proposal struct {
	RecordingID string               `json:"recording_id"`
	Kind        storage.ArtifactKind `json:"kind"`
	Instruction string               `json:"instruction"`
	Original    string               `json:"original"`
	Revised     string               `json:"revised"`
	Diff        []DiffOp             `json:"diff"`
	Changed     bool                 `json:"changed"`
}

// Propose asks the generator to apply instruction to the artifact. The
// artifact lock is held while generating, so concurrent saves and touch-ups
// on the same artifact are rejected.
func (m *Manager) Propose(ctx context.Context, id string, kind storage.ArtifactKind, instruction string) (Proposal, error) {
	if !kind.Editable() {
		return Proposal{}, fmt.Errorf("%w: %s", ErrInvalidArtifact, kind)
	}
	if strings.TrimSpace(instruction) == "" {
		return Proposal{}, ErrEmptyText
	}

	release, err := m.acquire(id, kind)
	if err != nil {
		return Proposal{}, err
	}
	defer release()

	cur, err := m.current(id, kind)
	if err != nil {
		return Proposal{}, err
	}

	pr := prompts.TouchUp(cur.Text, instruction)
	start := m.now()
	resp, err := m.generator.Generate(ctx, llm.Request{System: pr.System, User: pr.User})
	var revised string
	if err == nil {
		revised, err = analysis.CleanText(resp.Text)
	}
	elapsed := time.Since(start)
	m.logCall(storage.APICall{
		RecordingID:      id,
		Stage:            prompts.StageTouchUp,
		Provider:         m.generator.Provider(),
		Model:            m.generator.Model(),
		Prompt:           pr.System,
		InputPreview:     storage.Preview(pr.User),
		OutputPreview:    storage.Preview(resp.Text),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		DurationMs:       elapsed.Milliseconds(),
		Success:          err == nil,
		ErrorMessage:     errString(err),
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("touch-up: %w", err)
	}

	m.metrics.RecordEdit(string(kind), "propose")
	return Proposal{
		RecordingID: id,
		Kind:        kind,
		Instruction: strings.TrimSpace(instruction),
		Original:    cur.Text,
		Revised:     revised,
		Diff:        Diff(cur.Text, revised),
		Changed:     cur.Text != revised,
	}, nil
}

// Diff computes a semantic diff of two texts.
func Diff(before, after string) []DiffOp {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
	out := make([]DiffOp, 0, len(diffs))
	for _, d := range diffs {
		op := OpEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = OpInsert
		case diffmatchpatch.DiffDelete:
			op = OpDelete
		}
		out = append(out, DiffOp{Op: op, Text: d.Text})
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

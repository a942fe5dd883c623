// Package assembler builds the prompt-ready context blocks for a generative
// stage: account guidance, recent optimizations of the same account, and
// objective instructions.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/k3a/html2text"

	"github.com/kalambet/optlog/internal/prompts"
	"github.com/kalambet/optlog/internal/storage"
)

const (
	defaultHistoryLimit = 3
	maxActionsPerEntry  = 5
)

// Store is the read-only slice of the store the assembler needs.
type Store interface {
	GetAccount(id string) (storage.Account, error)
	ListPriorAnalyses(accountID, excludeRecordingID string, limit int) ([]storage.PriorAnalysis, error)
}

// Context is the assembled set of blocks for one stage call.
type Context struct {
	GuidanceText          string
	HistoricalBlock       string
	ObjectiveInstructions string
}

// Blocks converts the context into the prompt template input.
func (c Context) Blocks() prompts.Blocks {
	return prompts.Blocks{
		Guidance:   c.GuidanceText,
		History:    c.HistoricalBlock,
		Objectives: c.ObjectiveInstructions,
	}
}

// Assembler reads fresh account state on every call; nothing is cached.
type Assembler struct {
	store        Store
	overrides    prompts.Overrides
	historyLimit int
}

// New creates an Assembler. A historyLimit <= 0 uses the default of 3.
func New(store Store, overrides prompts.Overrides, historyLimit int) *Assembler {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Assembler{store: store, overrides: overrides, historyLimit: historyLimit}
}

// Assemble gathers the context blocks for rec at the given stage.
func (a *Assembler) Assemble(ctx context.Context, rec storage.Recording, stage string) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}

	var out Context

	guidance, err := a.Guidance(ctx, rec, stage)
	if err != nil {
		return Context{}, err
	}
	out.GuidanceText = guidance

	history, err := a.History(ctx, rec.AccountID, rec.ID)
	if err != nil {
		return Context{}, err
	}
	out.HistoricalBlock = history

	out.ObjectiveInstructions = a.overrides.Instructions(rec.Platform, rec.Objectives, stage)
	return out, nil
}

// Guidance returns the recording's override when set, otherwise the account
// guidance matching the stage: transcription guidance for organize (and for
// the speech-to-text prompt), optimization guidance for everything else.
func (a *Assembler) Guidance(ctx context.Context, rec storage.Recording, stage string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s := strings.TrimSpace(rec.ContextOverride); s != "" {
		return flatten(s), nil
	}

	acct, err := a.store.GetAccount(rec.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Debug("no account context", "account_id", rec.AccountID)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading account %s: %w", rec.AccountID, err)
	}

	g := acct.OptimizationGuidance
	if stage == prompts.StageOrganize {
		g = acct.TranscriptionGuidance
	}
	return flatten(g), nil
}

// History renders up to the configured number of most recent analyses for
// the account, newest first, excluding excludeID. It is empty when there are
// no prior analyses.
func (a *Assembler) History(ctx context.Context, accountID, excludeID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prior, err := a.store.ListPriorAnalyses(accountID, excludeID, a.historyLimit)
	if err != nil {
		return "", fmt.Errorf("loading prior analyses: %w", err)
	}
	if len(prior) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for i, p := range prior {
		if i > 0 {
			sb.WriteString("\n")
		}
		formatPrior(&sb, p)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func formatPrior(sb *strings.Builder, p storage.PriorAnalysis) {
	fmt.Fprintf(sb, "- %s: %s\n", p.RecordedAt.Format("2006-01-02"), oneLine(p.Analysis.ExecutiveSummary))
	actions := p.Analysis.ActionsTaken
	if len(actions) > maxActionsPerEntry {
		actions = actions[:maxActionsPerEntry]
	}
	for _, act := range actions {
		if act.Reason != "" {
			fmt.Fprintf(sb, "  • %s: %s (%s)\n", act.Type, oneLine(act.Target), oneLine(act.Reason))
		} else {
			fmt.Fprintf(sb, "  • %s: %s\n", act.Type, oneLine(act.Target))
		}
	}
}

// flatten converts HTML guidance (synced from external docs) to plain text.
func flatten(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "<") && strings.Contains(s, ">") {
		s = strings.TrimSpace(html2text.HTML2Text(s))
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

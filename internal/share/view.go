package share

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kalambet/optlog/internal/storage"
)

// PublicAnalysis is the analysis content exposed on a share.
type PublicAnalysis struct {
	ExecutiveSummary string                         `json:"executive_summary"`
	ActionsTaken     []storage.ActionTaken          `json:"actions_taken"`
	Metrics          map[string]storage.MetricValue `json:"metrics"`
	Strategy         *storage.Strategy              `json:"strategy,omitempty"`
	Timeline         *storage.Timeline              `json:"timeline,omitempty"`
	ConfidenceLevel  string                         `json:"confidence_level"`
	RevisedAt        *time.Time                     `json:"revised_at,omitempty"`
}

// PublicView is everything a share reveals.
type PublicView struct {
	AccountName string         `json:"account_name"`
	RecordedAt  time.Time      `json:"recorded_at"`
	Author      string         `json:"author"`
	Platform    string         `json:"platform"`
	Objectives  []string       `json:"objectives"`
	Analysis    PublicAnalysis `json:"analysis"`
}

// Open resolves a slug. Unknown, disabled, and expired shares all return
// ErrShareNotFound; a password-protected share returns ErrShareForbidden
// unless password matches.
func (p *Publisher) Open(ctx context.Context, slug, password string) (view PublicView, err error) {
	defer func() {
		switch {
		case err == nil:
			p.metrics.RecordShareOpen("ok")
		case errors.Is(err, ErrShareForbidden):
			p.metrics.RecordShareOpen("forbidden")
		case errors.Is(err, ErrShareNotFound):
			p.metrics.RecordShareOpen("not_found")
		}
	}()

	if err := ctx.Err(); err != nil {
		return PublicView{}, err
	}
	if slug == "" {
		return PublicView{}, ErrShareNotFound
	}

	rec, err := p.store.GetRecordingBySlug(slug)
	if errors.Is(err, storage.ErrNotFound) {
		return PublicView{}, ErrShareNotFound
	}
	if err != nil {
		return PublicView{}, err
	}
	if !rec.ShareEnabled {
		return PublicView{}, ErrShareNotFound
	}
	if rec.ShareExpiresAt != nil && !p.now().Before(*rec.ShareExpiresAt) {
		return PublicView{}, ErrShareNotFound
	}
	if rec.SharePasswordHash != "" {
		if password == "" {
			return PublicView{}, ErrShareForbidden
		}
		if bcrypt.CompareHashAndPassword([]byte(rec.SharePasswordHash), []byte(password)) != nil {
			return PublicView{}, ErrShareForbidden
		}
	}

	a, err := p.store.GetAnalysis(rec.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return PublicView{}, ErrShareNotFound
	}
	if err != nil {
		return PublicView{}, err
	}

	var name string
	if acct, err := p.store.GetAccount(rec.AccountID); err == nil {
		name = acct.DisplayName
	}

	objectives := rec.Objectives
	if objectives == nil {
		objectives = []string{}
	}
	return PublicView{
		AccountName: name,
		RecordedAt:  rec.RecordedAt,
		Author:      rec.Author,
		Platform:    rec.Platform,
		Objectives:  objectives,
		Analysis: PublicAnalysis{
			ExecutiveSummary: a.ExecutiveSummary,
			ActionsTaken:     a.ActionsTaken,
			Metrics:          a.Metrics,
			Strategy:         a.Strategy,
			Timeline:         a.Timeline,
			ConfidenceLevel:  a.ConfidenceLevel,
			RevisedAt:        a.RevisedAt,
		},
	}, nil
}

// Package share publishes a read-only view of a recording's analysis under a
// generated slug. Transcripts and audio are never exposed.
package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/kalambet/optlog/internal/metrics"
	"github.com/kalambet/optlog/internal/storage"
)

var (
	// ErrNoAnalysis is returned when publishing a recording without an analysis.
	ErrNoAnalysis = errors.New("recording has no analysis to share")
	// ErrShareNotFound covers unknown, disabled, and expired slugs alike.
	ErrShareNotFound = errors.New("share not found")
	// ErrShareForbidden is returned for a missing or wrong password.
	ErrShareForbidden = errors.New("share password required or incorrect")
	// ErrInvalidOptions rejects negative expiry.
	ErrInvalidOptions = errors.New("invalid share options")
)

const publicPath = "/public/shares/"

// Store is the persistence the publisher needs.
type Store interface {
	GetRecording(id string) (storage.Recording, error)
	GetRecordingBySlug(slug string) (storage.Recording, error)
	GetAccount(id string) (storage.Account, error)
	GetAnalysis(recordingID string) (storage.Analysis, error)
	EnableShare(id, slug string, expiresAt *time.Time, passwordHash string) error
	DisableShare(id string) error
}

// Config tunes a Publisher.
type Config struct {
	PublicBaseURL string
	// DefaultExpiryDays applies when Options.ExpiresDays is 0. 0 means never.
	DefaultExpiryDays int
	Metrics           *metrics.Pipeline
	Now               func() time.Time
}

type Publisher struct {
	store   Store
	baseURL string
	expiry  int
	metrics *metrics.Pipeline
	now     func() time.Time
}

func New(store Store, cfg Config) *Publisher {
	p := &Publisher{
		store:   store,
		baseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		expiry:  cfg.DefaultExpiryDays,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Options for Publish.
//
// ExpiresDays 0 takes the configured default; NeverExpires overrides both.
type Options struct {
	ExpiresDays  int    `json:"expires_days"`
	NeverExpires bool   `json:"never_expires,omitempty"`
	Password     string `json:"password,omitempty"`
}

// Share describes a published link.
type Share struct {
	RecordingID       string     `json:"recording_id"`
	Slug              string     `json:"slug"`
	URL               string     `json:"url"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	PasswordProtected bool       `json:"password_protected"`
}

// Publish enables sharing under a fresh slug. Publishing again replaces the
// slug, expiry, and password.
func (p *Publisher) Publish(ctx context.Context, id string, opts Options) (Share, error) {
	if err := ctx.Err(); err != nil {
		return Share{}, err
	}
	if opts.ExpiresDays < 0 {
		return Share{}, fmt.Errorf("%w: expires_days must not be negative", ErrInvalidOptions)
	}
	if opts.NeverExpires && opts.ExpiresDays > 0 {
		return Share{}, fmt.Errorf("%w: never_expires conflicts with expires_days", ErrInvalidOptions)
	}

	rec, err := p.store.GetRecording(id)
	if err != nil {
		return Share{}, err
	}
	if _, err := p.store.GetAnalysis(id); errors.Is(err, storage.ErrNotFound) {
		return Share{}, ErrNoAnalysis
	} else if err != nil {
		return Share{}, err
	}

	name := ""
	if acct, err := p.store.GetAccount(rec.AccountID); err == nil {
		name = acct.DisplayName
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Share{}, err
	}

	slug, err := newSlug(name, rec.RecordedAt)
	if err != nil {
		return Share{}, fmt.Errorf("generating slug: %w", err)
	}

	var expiresAt *time.Time
	days := opts.ExpiresDays
	if days == 0 {
		days = p.expiry
	}
	if days > 0 && !opts.NeverExpires {
		t := p.now().Add(time.Duration(days) * 24 * time.Hour).UTC()
		expiresAt = &t
	}

	var hash string
	if opts.Password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return Share{}, fmt.Errorf("hashing share password: %w", err)
		}
		hash = string(b)
	}

	if err := p.store.EnableShare(id, slug, expiresAt, hash); err != nil {
		return Share{}, fmt.Errorf("enabling share: %w", err)
	}
	slog.Info("share published", "recording_id", id, "slug", slug, "expires_at", expiresAt, "password", hash != "")

	return Share{
		RecordingID:       id,
		Slug:              slug,
		URL:               p.baseURL + publicPath + slug,
		ExpiresAt:         expiresAt,
		PasswordProtected: hash != "",
	}, nil
}

// Disable turns sharing off. The slug then resolves to not found.
func (p *Publisher) Disable(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.store.DisableShare(id); err != nil {
		return err
	}
	slog.Info("share disabled", "recording_id", id)
	return nil
}

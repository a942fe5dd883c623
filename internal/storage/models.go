package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Status is the persisted state of one of a recording's pipeline status fields.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the four allowed status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Advertising platforms a recording can target.
const (
	PlatformMeta     = "meta"
	PlatformGoogle   = "google"
	PlatformTikTok   = "tiktok"
	PlatformLinkedIn = "linkedin"
	PlatformOther    = "other"
)

// ValidPlatform reports whether p is a known platform.
func ValidPlatform(p string) bool {
	switch p {
	case PlatformMeta, PlatformGoogle, PlatformTikTok, PlatformLinkedIn, PlatformOther:
		return true
	}
	return false
}

// Confidence levels of an analysis record. ConfidenceRevised is only ever set
// by a human revision.
const (
	ConfidenceHigh    = "high"
	ConfidenceMedium  = "medium"
	ConfidenceLow     = "low"
	ConfidenceRevised = "revised"
)

// Transcript fields that can hold the stashed previous version.
const (
	FieldRaw       = "raw"
	FieldProcessed = "processed"
)

// Account is the read-only account context the pipeline consumes.
type Account struct {
	ID                    string    `json:"id"`
	DisplayName           string    `json:"display_name"`
	TranscriptionGuidance string    `json:"transcription_guidance"`
	OptimizationGuidance  string    `json:"optimization_guidance"`
	UpdatedAt             time.Time `json:"updated_at"`
}

type Recording struct {
	ID                  string     `json:"id"`
	AccountID           string     `json:"account_id"`
	Author              string     `json:"author"`
	RecordedAt          time.Time  `json:"recorded_at"`
	DurationSeconds     float64    `json:"duration_seconds"`
	AudioPath           string     `json:"-"`
	AudioMIME           string     `json:"audio_mime"`
	Platform            string     `json:"platform"`
	Objectives          []string   `json:"objectives"`
	ContextOverride     string     `json:"context_override,omitempty"`
	TranscriptionStatus Status     `json:"transcription_status"`
	AnalysisStatus      Status     `json:"analysis_status"`
	StatusMessage       string     `json:"status_message,omitempty"`
	PublicSlug          string     `json:"public_slug,omitempty"`
	ShareExpiresAt      *time.Time `json:"share_expires_at,omitempty"`
	ShareEnabled        bool       `json:"share_enabled"`
	SharePasswordHash   string     `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Segment is one timestamped piece of a raw transcript.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// EditInfo is the edit bookkeeping shared by every editable artifact.
// PreviousValue is a single slot: each new edit overwrites it.
type EditInfo struct {
	EditCount     int        `json:"edit_count"`
	LastEditedAt  *time.Time `json:"last_edited_at,omitempty"`
	LastEditedBy  string     `json:"last_edited_by,omitempty"`
	PreviousValue *string    `json:"-"`
}

// CanUndo reports whether a previous version is stashed.
func (e EditInfo) CanUndo() bool { return e.PreviousValue != nil }

type Transcript struct {
	RecordingID   string    `json:"recording_id"`
	RawText       string    `json:"raw_text"`
	Language      string    `json:"language"`
	Segments      []Segment `json:"segments,omitempty"`
	ProcessedText *string   `json:"processed_text"`
	Edit          EditInfo  `json:"edit"`
	PreviousField string    `json:"previous_field,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SourceText returns the processed text when present, otherwise the raw text.
func (t Transcript) SourceText() string {
	if t.ProcessedText != nil && *t.ProcessedText != "" {
		return *t.ProcessedText
	}
	return t.RawText
}

// Extract item categories.
const (
	CategoryBudget    = "budget"
	CategoryCreative  = "creative"
	CategoryTargeting = "targeting"
	CategoryCopy      = "copy"
	CategoryOther     = "other"
)

type ExtractItem struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

type Extract struct {
	RecordingID string        `json:"recording_id"`
	Text        string        `json:"text"`
	Items       []ExtractItem `json:"items"`
	Edit        EditInfo      `json:"edit"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// MetricValue holds either a number or free text.
type MetricValue struct {
	Number *float64
	Text   string
}

func NumberMetric(f float64) MetricValue { return MetricValue{Number: &f} }
func TextMetric(s string) MetricValue    { return MetricValue{Text: s} }

func (m MetricValue) String() string {
	if m.Number != nil {
		return strconv.FormatFloat(*m.Number, 'f', -1, 64)
	}
	return m.Text
}

func (m MetricValue) MarshalJSON() ([]byte, error) {
	if m.Number != nil {
		return json.Marshal(*m.Number)
	}
	return json.Marshal(m.Text)
}

// UnmarshalJSON accepts a JSON number or string. Any other JSON value is kept
// as its compact text form.
func (m *MetricValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		m.Number, m.Text = &f, ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Number, m.Text = nil, s
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	m.Number, m.Text = nil, buf.String()
	return nil
}

// Action types recorded in an analysis.
const (
	ActionPause          = "pause"
	ActionActivate       = "activate"
	ActionIncreaseBudget = "increase_budget"
	ActionDecreaseBudget = "decrease_budget"
	ActionNewCreative    = "new_creative"
	ActionPauseCreative  = "pause_creative"
	ActionAudienceChange = "audience_change"
	ActionBiddingChange  = "bidding_change"
	ActionOther          = "other"
)

// ActionTypes lists the closed set of action types.
var ActionTypes = []string{
	ActionPause, ActionActivate, ActionIncreaseBudget, ActionDecreaseBudget,
	ActionNewCreative, ActionPauseCreative, ActionAudienceChange, ActionBiddingChange, ActionOther,
}

type ActionTaken struct {
	Type           string                 `json:"type"`
	Target         string                 `json:"target"`
	Reason         string                 `json:"reason"`
	ExpectedImpact string                 `json:"expected_impact,omitempty"`
	BeforeMetrics  map[string]MetricValue `json:"before_metrics,omitempty"`
}

type Strategy struct {
	Type            string       `json:"type"`
	DurationDays    int          `json:"duration_days"`
	SuccessCriteria string       `json:"success_criteria"`
	Hypothesis      string       `json:"hypothesis,omitempty"`
	TargetMetric    string       `json:"target_metric,omitempty"`
	TargetValue     *MetricValue `json:"target_value,omitempty"`
}

type Milestone struct {
	Date        string `json:"date"`
	Description string `json:"description"`
}

type Timeline struct {
	ReevaluationDate string      `json:"reevaluation_date"`
	Milestones       []Milestone `json:"milestones"`
}

// Analysis is the structured context record produced by the analyze stage.
type Analysis struct {
	RecordingID      string                 `json:"recording_id"`
	AccountID        string                 `json:"account_id"`
	ExecutiveSummary string                 `json:"executive_summary"`
	ActionsTaken     []ActionTaken          `json:"actions_taken"`
	Metrics          map[string]MetricValue `json:"metrics"`
	Strategy         *Strategy              `json:"strategy,omitempty"`
	Timeline         *Timeline              `json:"timeline,omitempty"`
	ConfidenceLevel  string                 `json:"confidence_level"`
	RevisedAt        *time.Time             `json:"revised_at,omitempty"`
	RevisedBy        string                 `json:"revised_by,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// IsRevised reports whether a human has revised the analysis.
func (a Analysis) IsRevised() bool { return a.ConfidenceLevel == ConfidenceRevised }

// PriorAnalysis pairs an analysis with the date of its recording.
type PriorAnalysis struct {
	RecordedAt time.Time
	Analysis   Analysis
}

// PreviewChars bounds the input and output previews kept in the call log.
const PreviewChars = 500

// Preview truncates s to PreviewChars runes.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewChars {
		return s
	}
	return string([]rune(s)[:PreviewChars])
}

// APICall is one row of the append-only generative call log.
type APICall struct {
	ID               string    `json:"id"`
	RecordingID      string    `json:"recording_id"`
	Stage            string    `json:"stage"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Prompt           string    `json:"prompt"`
	InputPreview     string    `json:"input_preview"`
	OutputPreview    string    `json:"output_preview"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	DurationMs       int64     `json:"duration_ms"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ArtifactKind names one independently editable or regenerable artifact of a
// recording.
type ArtifactKind string

const (
	KindRawTranscript       ArtifactKind = "raw_transcript"
	KindProcessedTranscript ArtifactKind = "processed_transcript"
	KindExtract             ArtifactKind = "extract"
	KindAnalysis            ArtifactKind = "analysis"
)

// Editable reports whether k supports save/propose/undo.
func (k ArtifactKind) Editable() bool {
	switch k {
	case KindRawTranscript, KindProcessedTranscript, KindExtract:
		return true
	}
	return false
}

// Package analysis parses generated text into stored artifacts. Generated
// output is untrusted: every parser bounds its size and validates shape.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/optlog/internal/storage"
)

// ErrInvalidOutput is returned when generated text cannot be turned into the
// expected artifact.
var ErrInvalidOutput = errors.New("invalid generated output")

const maxOutputBytes = 64 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

type draftAction struct {
	Type           string                         `json:"type"`
	Target         string                         `json:"target" validate:"required"`
	Reason         string                         `json:"reason"`
	ExpectedImpact string                         `json:"expected_impact"`
	BeforeMetrics  map[string]storage.MetricValue `json:"before_metrics"`
}

type draftStrategy struct {
	Type            string               `json:"type" validate:"required"`
	DurationDays    int                  `json:"duration_days" validate:"gte=0,lte=365"`
	SuccessCriteria string               `json:"success_criteria"`
	Hypothesis      string               `json:"hypothesis"`
	TargetMetric    string               `json:"target_metric"`
	TargetValue     *storage.MetricValue `json:"target_value"`
}

type draftMilestone struct {
	Date        string `json:"date" validate:"required,datetime=2006-01-02"`
	Description string `json:"description" validate:"required"`
}

type draftTimeline struct {
	ReevaluationDate string           `json:"reevaluation_date" validate:"omitempty,datetime=2006-01-02"`
	Milestones       []draftMilestone `json:"milestones" validate:"dive"`
}

type draftAnalysis struct {
	ExecutiveSummary string                         `json:"executive_summary" validate:"required"`
	ActionsTaken     []draftAction                  `json:"actions_taken" validate:"dive"`
	Metrics          map[string]storage.MetricValue `json:"metrics"`
	Strategy         *draftStrategy                 `json:"strategy"`
	Timeline         *draftTimeline                 `json:"timeline"`
	ConfidenceLevel  string                         `json:"confidence_level"`
}

// ParseAnalysis decodes and validates a generated analysis document. The
// returned Analysis has no identity or timestamps set.
//
// Unknown action types become "other" and a missing or unknown confidence
// level becomes "low"; a missing summary, an action without a target, or a
// malformed date fails the parse.
func ParseAnalysis(raw string) (storage.Analysis, error) {
	body, err := jsonBody(raw)
	if err != nil {
		return storage.Analysis{}, err
	}

	var d draftAnalysis
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return storage.Analysis{}, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	d.ExecutiveSummary = strings.TrimSpace(d.ExecutiveSummary)
	if err := validate.Struct(d); err != nil {
		return storage.Analysis{}, fmt.Errorf("%w: %s", ErrInvalidOutput, describe(err))
	}

	a := storage.Analysis{
		ExecutiveSummary: d.ExecutiveSummary,
		ActionsTaken:     make([]storage.ActionTaken, 0, len(d.ActionsTaken)),
		Metrics:          d.Metrics,
		ConfidenceLevel:  normalizeConfidence(d.ConfidenceLevel),
	}
	if a.Metrics == nil {
		a.Metrics = map[string]storage.MetricValue{}
	}
	for _, act := range d.ActionsTaken {
		a.ActionsTaken = append(a.ActionsTaken, storage.ActionTaken{
			Type:           NormalizeActionType(act.Type),
			Target:         strings.TrimSpace(act.Target),
			Reason:         strings.TrimSpace(act.Reason),
			ExpectedImpact: strings.TrimSpace(act.ExpectedImpact),
			BeforeMetrics:  act.BeforeMetrics,
		})
	}
	if s := d.Strategy; s != nil {
		a.Strategy = &storage.Strategy{
			Type:            s.Type,
			DurationDays:    s.DurationDays,
			SuccessCriteria: s.SuccessCriteria,
			Hypothesis:      s.Hypothesis,
			TargetMetric:    s.TargetMetric,
			TargetValue:     s.TargetValue,
		}
	}
	if t := d.Timeline; t != nil {
		tl := &storage.Timeline{ReevaluationDate: t.ReevaluationDate, Milestones: []storage.Milestone{}}
		for _, m := range t.Milestones {
			tl.Milestones = append(tl.Milestones, storage.Milestone{Date: m.Date, Description: m.Description})
		}
		a.Timeline = tl
	}
	return a, nil
}

// ValidateRevision checks a human-authored analysis before it is stored.
func ValidateRevision(a storage.Analysis) error {
	if strings.TrimSpace(a.ExecutiveSummary) == "" {
		return fmt.Errorf("executive_summary is required")
	}
	for i, act := range a.ActionsTaken {
		if !validActionType(act.Type) {
			return fmt.Errorf("actions_taken[%d]: unknown type %q", i, act.Type)
		}
		if strings.TrimSpace(act.Target) == "" {
			return fmt.Errorf("actions_taken[%d]: target is required", i)
		}
	}
	if a.Timeline != nil {
		d := draftTimeline{ReevaluationDate: a.Timeline.ReevaluationDate}
		for _, m := range a.Timeline.Milestones {
			d.Milestones = append(d.Milestones, draftMilestone{Date: m.Date, Description: m.Description})
		}
		if err := validate.Struct(d); err != nil {
			return fmt.Errorf("timeline: %s", describe(err))
		}
	}
	return nil
}

// NormalizeActionType maps loose spellings ("Increase-Budget") onto the
// closed set, falling back to "other".
func NormalizeActionType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	if validActionType(s) {
		return s
	}
	return storage.ActionOther
}

func validActionType(s string) bool {
	for _, t := range storage.ActionTypes {
		if s == t {
			return true
		}
	}
	return false
}

func normalizeConfidence(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case storage.ConfidenceHigh, storage.ConfidenceMedium, storage.ConfidenceLow:
		return s
	}
	return storage.ConfidenceLow
}

// CleanText validates a free-text generation (organized log, touch-up).
func CleanText(raw string) (string, error) {
	if len(raw) > maxOutputBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit", ErrInvalidOutput, len(raw))
	}
	s := strings.TrimSpace(stripFence(raw))
	if s == "" {
		return "", fmt.Errorf("%w: empty text", ErrInvalidOutput)
	}
	return s, nil
}

// jsonBody strips markdown fences and any prose around the outermost object.
func jsonBody(raw string) (string, error) {
	if len(raw) > maxOutputBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds limit", ErrInvalidOutput, len(raw))
	}
	s := stripFence(raw)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object found", ErrInvalidOutput)
	}
	return s[start : end+1], nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

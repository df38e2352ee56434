// Package generate produces raw question and recommendation batches for one
// scope of a procedure, from the template library, from Gemini, or both.
//
// Results are deliberately loosely typed: the form and recommend packages
// normalize whatever comes back.
package generate

import (
	"context"
	"errors"
	"strings"

	"auditdesk/api/internal/form"
	"auditdesk/api/internal/procedure"
)

var ErrNoTemplate = errors.New("no template for scope")

// Request describes one scope to generate for.
type Request struct {
	ProcedureType  procedure.Type `json:"procedureType"`
	SectionID      string         `json:"sectionId,omitempty"`
	Classification string         `json:"classification,omitempty"`
	Materiality    *float64       `json:"materiality,omitempty"`
	Answers        map[string]any `json:"answers,omitempty"`
}

// Scope is the classification for fieldwork requests, else the section id.
func (r Request) Scope() string {
	if strings.TrimSpace(r.Classification) != "" {
		return r.Classification
	}
	return r.SectionID
}

// Result is a raw generated batch.
type Result struct {
	Questions       any `json:"questions"`
	Recommendations any `json:"recommendations,omitempty"`
}

// HasQuestions reports whether Questions is a list holding at least one
// usable item. Anything else must not replace the scope's fields.
func (r Result) HasQuestions() bool {
	return form.IsBatch(r.Questions)
}

func (r Result) HasRecommendations() bool {
	return !isEmpty(r.Recommendations)
}

// Empty reports whether the result carries nothing to merge.
func (r Result) Empty() bool {
	return !r.HasQuestions() && !r.HasRecommendations()
}

func isEmpty(v any) bool {
	switch value := v.(type) {
	case nil:
		return true
	case []any:
		return len(value) == 0
	case string:
		return strings.TrimSpace(value) == ""
	default:
		return false
	}
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Name() string
}

// ForMode picks the generator for a document mode. Without an AI generator
// every mode falls back to the library.
func ForMode(mode procedure.Mode, library, ai Generator) Generator {
	if ai == nil {
		return library
	}
	switch mode {
	case procedure.ModeAI:
		return ai
	case procedure.ModeHybrid:
		return Hybrid{Library: library, AI: ai}
	default:
		return library
	}
}

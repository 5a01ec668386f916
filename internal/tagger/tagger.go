// Package tagger provides the statistical field extractor. Implementations
// wrap a remote BIO sequence-tagging service, an LLM, or nothing at all.
package tagger

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnavailable means no statistical prediction can be made. Callers fall
// back to rule-only extraction.
var ErrUnavailable = eris.New("tagger: unavailable")

// Request is the text for one field location.
type Request struct {
	TemplateID string
	FieldName  string
	Text       string
	Context    []string
}

func (r Request) empty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Context) == 0
}

// Prediction is a statistical candidate value.
type Prediction struct {
	Value      string
	Confidence float64
	Model      string
}

// Tagger predicts a field value from located text.
type Tagger interface {
	Predict(ctx context.Context, req Request) (Prediction, error)
}

// Nop is the tagger used when no provider is configured.
type Nop struct{}

// Predict always reports ErrUnavailable.
func (Nop) Predict(context.Context, Request) (Prediction, error) {
	return Prediction{}, ErrUnavailable
}

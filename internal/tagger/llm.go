package tagger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/formextract/internal/metrics"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/pkg/anthropic"
)

const llmSystemPrompt = `You read text cut from one region of a filled form and return the value of a single field.
Reply with JSON only: {"value": "<exact text of the value, or empty>", "confidence": <0..1>}.
Copy the value verbatim from the text. Do not invent values.`

// LLM uses an Anthropic model as the statistical extractor.
type LLM struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	metrics   *metrics.Metrics
}

// NewLLM creates an LLM tagger.
func NewLLM(client anthropic.Client, model string) *LLM {
	return &LLM{client: client, model: model, maxTokens: 256, metrics: metrics.NewMetrics()}
}

type llmAnswer struct {
	Value      string   `json:"value"`
	Confidence *float64 `json:"confidence"`
}

// Predict asks the model for the field value.
func (l *LLM) Predict(ctx context.Context, req Request) (Prediction, error) {
	if req.empty() {
		return Prediction{}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Field: %s\n", req.FieldName)
	if len(req.Context) > 0 {
		fmt.Fprintf(&b, "Nearby words: %s\n", strings.Join(req.Context, " "))
	}
	fmt.Fprintf(&b, "Text:\n%s", req.Text)

	temp := 0.0
	resp, err := l.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       l.model,
		MaxTokens:   l.maxTokens,
		System:      llmSystemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: b.String()}},
		Temperature: &temp,
	})
	if err != nil {
		l.metrics.TaggerErrorsTotal.Inc()
		return Prediction{}, eris.Wrapf(ErrUnavailable, "llm predict %s: %v", req.FieldName, err)
	}

	ans, err := parseLLMAnswer(resp.Text())
	if err != nil {
		l.metrics.TaggerErrorsTotal.Inc()
		return Prediction{}, eris.Wrapf(ErrUnavailable, "llm predict %s: %v", req.FieldName, err)
	}

	pred := Prediction{Value: strings.TrimSpace(ans.Value), Model: resp.Model}
	if pred.Value != "" {
		pred.Confidence = 0.5
		if ans.Confidence != nil {
			pred.Confidence = model.Clamp01(*ans.Confidence)
		}
	}
	return pred, nil
}

// parseLLMAnswer extracts the first JSON object from the model's reply.
func parseLLMAnswer(text string) (llmAnswer, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return llmAnswer{}, eris.New("tagger: no JSON object in model reply")
	}
	var ans llmAnswer
	if err := json.Unmarshal([]byte(text[start:end+1]), &ans); err != nil {
		return llmAnswer{}, eris.Wrap(err, "tagger: decode model reply")
	}
	return ans, nil
}

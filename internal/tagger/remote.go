package tagger

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/formextract/internal/metrics"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/resilience"
	"github.com/sells-group/formextract/pkg/seqtag"
)

// RemoteConfig controls rate limiting, retry and circuit breaking for the
// remote tagger.
type RemoteConfig struct {
	RatePerSec float64
	Burst      int
	Retry      resilience.RetryConfig
	Circuit    resilience.CircuitBreakerConfig
}

// Remote calls a BIO sequence-tagging service.
type Remote struct {
	client  seqtag.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
}

// NewRemote wraps a seqtag client. A zero RatePerSec disables limiting.
func NewRemote(client seqtag.Client, cfg RemoteConfig) *Remote {
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	circuit := cfg.Circuit
	circuit.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("tagger: circuit state change",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("tagger", "predict")
	}

	return &Remote{
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		retry:   retry,
		breaker: resilience.NewCircuitBreaker(circuit),
		metrics: metrics.NewMetrics(),
	}
}

// Predict returns the service's span for the request. Any failure is
// reported as ErrUnavailable wrapping the cause.
func (r *Remote) Predict(ctx context.Context, req Request) (Prediction, error) {
	if req.empty() {
		return Prediction{}, nil
	}

	pred, err := resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (Prediction, error) {
		return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (Prediction, error) {
			return r.call(ctx, req)
		})
	})
	if err != nil {
		r.metrics.TaggerErrorsTotal.Inc()
		return Prediction{}, eris.Wrapf(ErrUnavailable, "remote predict %s: %v", req.FieldName, err)
	}
	return pred, nil
}

func (r *Remote) call(ctx context.Context, req Request) (Prediction, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Prediction{}, eris.Wrap(err, "tagger: rate limit wait")
	}

	resp, err := r.client.Predict(ctx, seqtag.PredictRequest{
		TemplateID: req.TemplateID,
		FieldName:  req.FieldName,
		Text:       req.Text,
		Context:    req.Context,
	})
	if err != nil {
		var se *seqtag.StatusError
		if errors.As(err, &se) && resilience.IsTransientHTTPStatus(se.StatusCode) {
			return Prediction{}, resilience.NewTransientError(err, se.StatusCode)
		}
		return Prediction{}, err
	}

	value := strings.TrimSpace(resp.Value)
	confidence := resp.Confidence
	if value == "" && len(resp.Tokens) > 0 {
		var score float64
		value, score = DecodeBIO(resp.Tokens)
		if confidence <= 0 {
			confidence = score
		}
	}
	if value == "" {
		confidence = 0
	}

	return Prediction{
		Value:      value,
		Confidence: model.Clamp01(confidence),
		Model:      resp.ModelVersion,
	}, nil
}

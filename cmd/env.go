package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/combine"
	"github.com/sells-group/formextract/internal/config"
	"github.com/sells-group/formextract/internal/conflict"
	"github.com/sells-group/formextract/internal/extract"
	"github.com/sells-group/formextract/internal/feedback"
	"github.com/sells-group/formextract/internal/jobs"
	"github.com/sells-group/formextract/internal/learner"
	"github.com/sells-group/formextract/internal/lock"
	"github.com/sells-group/formextract/internal/matcher"
	"github.com/sells-group/formextract/internal/resilience"
	"github.com/sells-group/formextract/internal/store"
	"github.com/sells-group/formextract/internal/tagger"
	anthropicpkg "github.com/sells-group/formextract/pkg/anthropic"
	"github.com/sells-group/formextract/pkg/seqtag"
)

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newTagger builds the statistical extractor for the configured provider.
func newTagger(c *config.Config) tagger.Tagger {
	switch c.Tagger.Provider {
	case "http":
		client := seqtag.NewClient(
			seqtag.WithBaseURL(c.Tagger.BaseURL),
			seqtag.WithAPIKey(c.Tagger.APIKey),
			seqtag.WithHTTPClient(&http.Client{Timeout: time.Duration(c.Tagger.TimeoutSecs) * time.Second}),
		)
		return tagger.NewRemote(client, tagger.RemoteConfig{
			RatePerSec: c.Tagger.RatePerSec,
			Burst:      c.Tagger.Burst,
			Retry: resilience.FromRetryConfig(
				c.Tagger.MaxAttempts, c.Tagger.InitialBackoffMs, c.Tagger.MaxBackoffMs, c.Tagger.Multiplier,
			),
			Circuit: resilience.FromCircuitConfig(c.Tagger.FailureThreshold, c.Tagger.ResetTimeoutSecs),
		})
	case "anthropic":
		return tagger.NewLLM(anthropicpkg.NewClient(c.Anthropic.Key), c.Anthropic.Model)
	default:
		return tagger.Nop{}
	}
}

// newEngine wires the extraction pipeline over st.
func newEngine(c *config.Config, st store.Store) *extract.Engine {
	return extract.New(extract.Deps{
		Templates: st,
		Matcher: matcher.New(st, matcher.Config{
			BasePrior:    c.Extraction.BasePrior,
			LearnedPrior: c.Extraction.LearnedPrior,
			GlobalPrior:  c.Extraction.GlobalPrior,
		}),
		Tagger:   newTagger(c),
		Combiner: combine.New(combine.Config{AgreementBonus: c.Extraction.AgreementBonus}),
		Resolver: conflict.New(conflict.Config{
			MinorThreshold:    c.Extraction.MinorThreshold,
			ModerateThreshold: c.Extraction.ModerateThreshold,
			Metric:            conflict.Metric(c.Extraction.Metric),
		}),
		Outcomes: st,
	}, extract.Config{MaxConcurrentFields: c.Extraction.MaxConcurrentFields})
}

func newLearner(c *config.Config, st store.Store) *learner.Learner {
	return learner.New(st, learner.Config{
		MinMatchRate:     c.Learning.MinMatchRate,
		MinMatches:       c.Learning.MinMatches,
		WindowSize:       c.Learning.WindowSize,
		MinWindowSamples: c.Learning.MinWindowSamples,
		MaxExamples:      c.Learning.MaxExamples,
	})
}

func newFeedbackService(c *config.Config, st store.Store) *feedback.Service {
	return feedback.NewService(st, feedback.Config{
		Threshold:   c.Learning.FeedbackThreshold,
		MaxAttempts: c.Jobs.MaxAttempts,
	})
}

func jobsConfig(c *config.Config) jobs.Config {
	return jobs.Config{
		Workers:        c.Jobs.Workers,
		PollIntervalMs: c.Jobs.PollIntervalMs,
		MaxAttempts:    c.Jobs.MaxAttempts,
		InitialBackoff: c.Jobs.InitialBackoffMs,
		MaxBackoff:     c.Jobs.MaxBackoffMs,
		Multiplier:     c.Jobs.Multiplier,
		StaleAfterSecs: c.Jobs.StaleAfterSecs,
	}
}

// initLocker dials Redis when configured. A nil Locker disables
// cross-process locking; the returned close func is always safe to call.
func initLocker(ctx context.Context) (jobs.Locker, func(), error) {
	if cfg.Redis.Addr == "" {
		return nil, func() {}, nil
	}
	l, err := lock.Dial(ctx, lock.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		LockTTLSecs: cfg.Redis.LockTTLSecs,
	})
	if err != nil {
		return nil, func() {}, err
	}
	return l, func() { _ = l.Close() }, nil
}

// newRunner builds the learning job runner.
func newRunner(c *config.Config, st store.Store, locker jobs.Locker) *jobs.Runner {
	jc := jobsConfig(c)
	retry := resilience.FromRetryConfig(jc.MaxAttempts, jc.InitialBackoff, jc.MaxBackoff, jc.Multiplier)
	return jobs.NewRunner(st, newLearner(c, st), locker, retry)
}

// newPool builds the worker pool and its stale-job reaper.
func newPool(c *config.Config, st store.Store, locker jobs.Locker) *jobs.Pool {
	jc := jobsConfig(c)
	runner := newRunner(c, st, locker)
	reaper := jobs.NewReaper(st, runner, time.Duration(jc.StaleAfterSecs)*time.Second)
	zap.L().Info("jobs: pool configured",
		zap.Int("workers", jc.Workers),
		zap.Int("max_attempts", jc.MaxAttempts),
		zap.Bool("redis_lock", locker != nil),
	)
	return jobs.NewPool(runner, reaper, jc)
}

// Package api serves the pattern, learning-job, feedback and extraction
// endpoints over HTTP.
package api

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/formextract/internal/extract"
	"github.com/sells-group/formextract/internal/feedback"
	"github.com/sells-group/formextract/internal/locate"
	"github.com/sells-group/formextract/internal/model"
	"github.com/sells-group/formextract/internal/pdfreader"
)

// Store is the persistence the handlers read and write.
type Store interface {
	GetTemplate(ctx context.Context, id string, version int) (*model.TemplateConfig, error)
	GetFieldConfig(ctx context.Context, fieldConfigID string) (*model.FieldConfig, error)
	TemplatePatterns(ctx context.Context, templateID string) ([]model.LearnedPattern, error)
	LearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error)
	FieldPatterns(ctx context.Context, fieldName, userID string) ([]model.Pattern, error)
	DeactivatePattern(ctx context.Context, id, actor, reason string) error
	EnqueueJob(ctx context.Context, templateID, fieldName string, maxAttempts int) (*model.PatternLearningJob, bool, error)
	ListJobs(ctx context.Context, templateID string, limit int) ([]model.PatternLearningJob, error)
	Ping(ctx context.Context) error
}

// Extractor runs the extraction pipeline for one document.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*model.ExtractionResult, error)
}

// FeedbackService records human corrections.
type FeedbackService interface {
	Submit(ctx context.Context, rec *model.FeedbackRecord, actor string) (*feedback.Receipt, error)
}

// DocumentReader is a page reader over an uploaded file.
type DocumentReader interface {
	locate.PageReader
	io.Closer
}

// OpenFunc opens an uploaded document stored at path.
type OpenFunc func(path string) (DocumentReader, error)

// Config holds router settings.
type Config struct {
	CORSOrigins []string
	// MaxAttempts is the attempt budget for jobs queued through the API.
	MaxAttempts int
	// MaxUploadBytes caps multipart uploads. Zero means 32 MiB.
	MaxUploadBytes int64
}

// Deps bundles the router's collaborators. Extractor and Feedback may be
// nil, which disables their endpoints.
type Deps struct {
	Store     Store
	Extractor Extractor
	Feedback  FeedbackService
	// Open defaults to pdfreader.Open.
	Open OpenFunc
}

// Handler implements the HTTP endpoints.
type Handler struct {
	store     Store
	extractor Extractor
	feedback  FeedbackService
	open      OpenFunc
	cfg       Config
}

// NewHandler creates a Handler.
func NewHandler(deps Deps, cfg Config) *Handler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	open := deps.Open
	if open == nil {
		open = func(path string) (DocumentReader, error) {
			rd, err := pdfreader.Open(path)
			if err != nil {
				return nil, err
			}
			return rd, nil
		}
	}
	return &Handler{
		store:     deps.Store,
		extractor: deps.Extractor,
		feedback:  deps.Feedback,
		open:      open,
		cfg:       cfg,
	}
}

// NewRouter builds the route tree.
func NewRouter(deps Deps, cfg Config) http.Handler {
	h := NewHandler(deps, cfg)

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Actor"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/patterns", func(pr chi.Router) {
		pr.Get("/template/{templateId}", h.TemplatePatterns)
		pr.Get("/field/{fieldConfigId}/{fieldName}", h.FieldPatterns)
		pr.Get("/learning-jobs/{templateId}", h.LearningJobs)
		pr.Post("/learning-jobs", h.EnqueueLearningJob)
		pr.Post("/{patternId}/deactivate", h.DeactivatePattern)
	})

	r.Post("/feedback", h.SubmitFeedback)
	r.Post("/documents/extract", h.ExtractDocument)

	return r
}

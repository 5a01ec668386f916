package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/formextract/internal/extract"
	"github.com/sells-group/formextract/internal/model"
)

// PatternView is a learned pattern with its observed performance.
type PatternView struct {
	model.LearnedPattern
	SuccessRate *float64 `json:"success_rate,omitempty"`
}

// PatternStats summarizes a set of learned patterns.
type PatternStats struct {
	Total        int     `json:"total"`
	Active       int     `json:"active"`
	AvgMatchRate float64 `json:"avg_match_rate"`
	UsageCount   int64   `json:"usage_count"`
	SuccessCount int64   `json:"success_count"`
}

func viewPatterns(patterns []model.LearnedPattern) ([]PatternView, PatternStats) {
	views := make([]PatternView, 0, len(patterns))
	var stats PatternStats
	var rateSum float64
	for _, p := range patterns {
		v := PatternView{LearnedPattern: p}
		if p.UsageCount >= model.MinTrackedUsage {
			rate := float64(p.SuccessCount) / float64(p.UsageCount)
			v.SuccessRate = &rate
		}
		views = append(views, v)

		stats.Total++
		if p.Active {
			stats.Active++
		}
		rateSum += p.MatchRate
		stats.UsageCount += p.UsageCount
		stats.SuccessCount += p.SuccessCount
	}
	if stats.Total > 0 {
		stats.AvgMatchRate = rateSum / float64(stats.Total)
	}
	return views, stats
}

// Health reports store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TemplatePatterns lists every learned pattern of a template.
func (h *Handler) TemplatePatterns(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateId")
	if _, err := h.store.GetTemplate(r.Context(), templateID, 0); err != nil {
		writeAppError(w, r, err)
		return
	}
	patterns, err := h.store.TemplatePatterns(r.Context(), templateID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	views, stats := viewPatterns(patterns)
	writeJSON(w, http.StatusOK, map[string]any{
		"template_id": templateID,
		"patterns":    views,
		"stats":       stats,
	})
}

// FieldPatterns lists the learned patterns of one field config together
// with the global patterns for its field name. A user_id query parameter
// adds that user's patterns.
func (h *Handler) FieldPatterns(w http.ResponseWriter, r *http.Request) {
	fieldConfigID := chi.URLParam(r, "fieldConfigId")
	fieldName := chi.URLParam(r, "fieldName")

	field, err := h.store.GetFieldConfig(r.Context(), fieldConfigID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if field.Name != fieldName {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("field config %s is %q, not %q", fieldConfigID, field.Name, fieldName))
		return
	}

	learned, err := h.store.LearnedPatterns(r.Context(), fieldConfigID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	shared, err := h.store.FieldPatterns(r.Context(), fieldName, r.URL.Query().Get("user_id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if shared == nil {
		shared = []model.Pattern{}
	}

	views, stats := viewPatterns(learned)
	writeJSON(w, http.StatusOK, map[string]any{
		"field_config_id": fieldConfigID,
		"field_name":      fieldName,
		"template_id":     field.TemplateID,
		"base_pattern":    field.BasePattern,
		"learned":         views,
		"field_patterns":  shared,
		"stats":           stats,
	})
}

// LearningJobs returns a template's job history, newest first.
func (h *Handler) LearningJobs(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateId")
	jobs, err := h.store.ListJobs(r.Context(), templateID, queryInt(r, "limit", 50))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.PatternLearningJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"template_id": templateID,
		"jobs":        jobs,
	})
}

type enqueueRequest struct {
	TemplateID string `json:"template_id"`
	FieldName  string `json:"field_name"`
}

// EnqueueLearningJob queues a learning pass. An existing pending job for
// the same key is returned instead of a duplicate.
func (h *Handler) EnqueueLearningJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "template_id is required")
		return
	}

	tmpl, err := h.store.GetTemplate(r.Context(), req.TemplateID, 0)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if req.FieldName != "" && tmpl.Field(req.FieldName) == nil {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("template %s has no field %q", req.TemplateID, req.FieldName))
		return
	}

	job, created, err := h.store.EnqueueJob(r.Context(), req.TemplateID, req.FieldName, h.cfg.MaxAttempts)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"job": job, "created": created})
}

type deactivateRequest struct {
	Reason string `json:"reason"`
}

// DeactivatePattern switches a learned pattern off. Deactivating an
// inactive pattern is a no-op.
func (h *Handler) DeactivatePattern(w http.ResponseWriter, r *http.Request) {
	patternID := chi.URLParam(r, "patternId")

	var req deactivateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := h.store.DeactivatePattern(r.Context(), patternID, actor(r), req.Reason); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": patternID, "is_active": false})
}

// SubmitFeedback records a correction.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if h.feedback == nil {
		writeError(w, http.StatusNotImplemented, "feedback intake is not configured")
		return
	}
	var rec model.FeedbackRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	receipt, err := h.feedback.Submit(r.Context(), &rec, actor(r))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"feedback":    receipt.Feedback,
		"unconsumed":  receipt.Unconsumed,
		"job":         receipt.Job,
		"job_created": receipt.JobCreated,
	})
}

// ExtractDocument accepts a multipart upload with a "file" part and the
// form values template_id, version, user_id and document_id.
func (h *Handler) ExtractDocument(w http.ResponseWriter, r *http.Request) {
	if h.extractor == nil {
		writeError(w, http.StatusNotImplemented, "extraction is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	templateID := strings.TrimSpace(r.FormValue("template_id"))
	if templateID == "" {
		writeError(w, http.StatusBadRequest, "template_id is required")
		return
	}
	version := 0
	if v := r.FormValue("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "version must be a non-negative integer")
			return
		}
		version = n
	}
	documentID := r.FormValue("document_id")
	if documentID == "" {
		documentID = uuid.NewString()
	}

	upload, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer upload.Close()

	tmp, err := os.CreateTemp("", "formextract-*.pdf")
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, upload); err != nil {
		tmp.Close()
		writeAppError(w, r, err)
		return
	}
	if err := tmp.Close(); err != nil {
		writeAppError(w, r, err)
		return
	}

	reader, err := h.open(tmp.Name())
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable document: "+err.Error())
		return
	}
	defer reader.Close()

	res, err := h.extractor.Extract(r.Context(), extract.Request{
		DocumentID: documentID,
		TemplateID: templateID,
		Version:    version,
		UserID:     r.FormValue("user_id"),
		Reader:     reader,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/formextract/internal/model"
)

const (
	learnedCols  = `id, field_config_id, regex, pattern_type, frequency, match_rate, confidence_boost, priority, usage_count, success_count, is_active, examples, created_at, updated_at`
	fieldCols    = `id, template_id, template_version, name, field_type, base_pattern, confidence_threshold, is_required, extraction_order, validation_rules, locations`
	feedbackCols = `id, document_id, template_id, field_config_id, field_name, original_value, corrected_value, confidence, raw_text, words_before, words_after, used_for_training, created_at`
	jobCols      = `id, template_id, field_name, status, attempts, max_attempts, feedback_count, patterns_discovered, patterns_applied, last_error, result_summary, worker_id, next_run_at, created_at, started_at, completed_at, updated_at`
	failedCols   = `id, job_id, template_id, field_name, attempts, error, failed_at`
	changeCols   = `id, actor, entity, entity_id, action, details, created_at`
)

func templateEntityID(id string, version int) string {
	return fmt.Sprintf("%s@v%d", id, version)
}

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss) //nolint:errcheck // []string always marshals
	return string(b)
}

func decodeStrings(s string) ([]string, error) {
	if s == "" || s == "[]" || s == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, eris.Wrap(err, "decode string list")
	}
	return out, nil
}

func encodeField(f model.FieldConfig) (validation, locations string, err error) {
	v, err := json.Marshal(f.Validation)
	if err != nil {
		return "", "", eris.Wrap(err, "marshal validation rules")
	}
	locs := f.Locations
	if locs == nil {
		locs = []model.FieldLocation{}
	}
	l, err := json.Marshal(locs)
	if err != nil {
		return "", "", eris.Wrap(err, "marshal locations")
	}
	return string(v), string(l), nil
}

func decodeField(f *model.FieldConfig, validation, locations string) error {
	if validation != "" {
		if err := json.Unmarshal([]byte(validation), &f.Validation); err != nil {
			return eris.Wrapf(err, "unmarshal validation rules for %s", f.Name)
		}
	}
	if locations != "" {
		if err := json.Unmarshal([]byte(locations), &f.Locations); err != nil {
			return eris.Wrapf(err, "unmarshal locations for %s", f.Name)
		}
	}
	return nil
}

func encodeSummary(s model.LearningSummary) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", eris.Wrap(err, "marshal summary")
	}
	return string(b), nil
}

func decodeSummary(s string) (*model.LearningSummary, error) {
	if s == "" {
		return nil, nil
	}
	var out model.LearningSummary
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, eris.Wrap(err, "unmarshal summary")
	}
	return &out, nil
}

func encodeDetails(d map[string]string) (string, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", eris.Wrap(err, "marshal details")
	}
	return string(b), nil
}

func decodeDetails(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, eris.Wrap(err, "unmarshal details")
	}
	return out, nil
}

// sortedKeys keeps audit rows in a deterministic order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatRate(r float64) string {
	return strconv.FormatFloat(r, 'f', 4, 64)
}

func prefixed(cols, alias string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

// scannable is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanLearned(row scannable) (*model.LearnedPattern, error) {
	var (
		p        model.LearnedPattern
		ptype    string
		examples string
	)
	err := row.Scan(&p.ID, &p.FieldConfigID, &p.Regex, &ptype, &p.Frequency, &p.MatchRate,
		&p.ConfidenceBoost, &p.Priority, &p.UsageCount, &p.SuccessCount, &p.Active, &examples,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Type = model.LearnedPatternType(ptype)
	if p.Examples, err = decodeStrings(examples); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanField(row scannable) (*model.FieldConfig, error) {
	var (
		f                     model.FieldConfig
		ftype                 string
		validation, locations string
	)
	err := row.Scan(&f.ID, &f.TemplateID, &f.TemplateVersion, &f.Name, &ftype, &f.BasePattern,
		&f.ConfidenceThreshold, &f.Required, &f.ExtractionOrder, &validation, &locations)
	if err != nil {
		return nil, err
	}
	f.Type = model.FieldType(ftype)
	if err := decodeField(&f, validation, locations); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanFeedback(row scannable) (*model.FeedbackRecord, error) {
	var (
		r             model.FeedbackRecord
		before, after string
	)
	err := row.Scan(&r.ID, &r.DocumentID, &r.TemplateID, &r.FieldConfigID, &r.FieldName,
		&r.OriginalValue, &r.CorrectedValue, &r.Confidence, &r.RawText, &before, &after,
		&r.UsedForTraining, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if r.WordsBefore, err = decodeStrings(before); err != nil {
		return nil, err
	}
	if r.WordsAfter, err = decodeStrings(after); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanJob(row scannable) (*model.PatternLearningJob, error) {
	var (
		j                    model.PatternLearningJob
		status               string
		summary              sql.NullString
		startedAt, completed sql.NullTime
	)
	err := row.Scan(&j.ID, &j.TemplateID, &j.FieldName, &status, &j.Attempts, &j.MaxAttempts,
		&j.FeedbackCount, &j.PatternsDiscovered, &j.PatternsApplied, &j.LastError, &summary,
		&j.WorkerID, &j.NextRunAt, &j.CreatedAt, &startedAt, &completed, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if summary.Valid {
		if j.Summary, err = decodeSummary(summary.String); err != nil {
			return nil, err
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func scanFailed(row scannable) (*model.FailedJob, error) {
	var f model.FailedJob
	if err := row.Scan(&f.ID, &f.JobID, &f.TemplateID, &f.FieldName, &f.Attempts, &f.Error, &f.FailedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanChange(row scannable) (*model.ConfigChange, error) {
	var (
		c       model.ConfigChange
		details string
	)
	if err := row.Scan(&c.ID, &c.Actor, &c.Entity, &c.EntityID, &c.Action, &details, &c.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.Details, err = decodeDetails(details); err != nil {
		return nil, err
	}
	return &c, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func splitCols(cols string) []string {
	return strings.Split(cols, ", ")
}

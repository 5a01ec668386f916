package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/formextract/internal/model"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, which also makes job claims atomic.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS templates (
	id         TEXT NOT NULL,
	version    INTEGER NOT NULL,
	name       TEXT NOT NULL,
	published  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS field_configs (
	id                   TEXT PRIMARY KEY,
	template_id          TEXT NOT NULL,
	template_version     INTEGER NOT NULL,
	name                 TEXT NOT NULL,
	field_type           TEXT NOT NULL DEFAULT 'text',
	base_pattern         TEXT NOT NULL DEFAULT '',
	confidence_threshold REAL NOT NULL DEFAULT 0.7,
	is_required          INTEGER NOT NULL DEFAULT 0,
	extraction_order     INTEGER NOT NULL DEFAULT 0,
	validation_rules     TEXT NOT NULL DEFAULT '{}',
	locations            TEXT NOT NULL DEFAULT '[]',
	UNIQUE (template_id, template_version, name),
	FOREIGN KEY (template_id, template_version) REFERENCES templates(id, version) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS field_patterns (
	id          TEXT PRIMARY KEY,
	field_name  TEXT NOT NULL,
	regex       TEXT NOT NULL,
	owner       TEXT NOT NULL DEFAULT '',
	usage_count INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL,
	UNIQUE (field_name, regex, owner)
);

CREATE TABLE IF NOT EXISTS learned_patterns (
	id               TEXT PRIMARY KEY,
	field_config_id  TEXT NOT NULL REFERENCES field_configs(id) ON DELETE CASCADE,
	regex            TEXT NOT NULL,
	pattern_type     TEXT NOT NULL,
	frequency        INTEGER NOT NULL DEFAULT 1,
	match_rate       REAL NOT NULL DEFAULT 0,
	confidence_boost REAL NOT NULL DEFAULT 0,
	priority         INTEGER NOT NULL DEFAULT 0,
	usage_count      INTEGER NOT NULL DEFAULT 0,
	success_count    INTEGER NOT NULL DEFAULT 0,
	is_active        INTEGER NOT NULL DEFAULT 1,
	examples         TEXT NOT NULL DEFAULT '[]',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE (field_config_id, regex)
);

CREATE INDEX IF NOT EXISTS idx_learned_patterns_active_priority ON learned_patterns(field_config_id, is_active, priority DESC);
CREATE INDEX IF NOT EXISTS idx_learned_patterns_rate_usage ON learned_patterns(match_rate DESC, usage_count DESC);

CREATE TABLE IF NOT EXISTS feedback_records (
	id                TEXT PRIMARY KEY,
	document_id       TEXT NOT NULL,
	template_id       TEXT NOT NULL,
	field_config_id   TEXT NOT NULL,
	field_name        TEXT NOT NULL,
	original_value    TEXT NOT NULL DEFAULT '',
	corrected_value   TEXT NOT NULL,
	confidence        REAL NOT NULL DEFAULT 0,
	raw_text          TEXT NOT NULL DEFAULT '',
	words_before      TEXT NOT NULL DEFAULT '[]',
	words_after       TEXT NOT NULL DEFAULT '[]',
	used_for_training INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_feedback_field_unused ON feedback_records(template_id, field_name, used_for_training);
CREATE INDEX IF NOT EXISTS idx_feedback_field_created ON feedback_records(template_id, field_name, created_at);

CREATE TABLE IF NOT EXISTS pattern_learning_jobs (
	id                  TEXT PRIMARY KEY,
	template_id         TEXT NOT NULL,
	field_name          TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'pending',
	attempts            INTEGER NOT NULL DEFAULT 0,
	max_attempts        INTEGER NOT NULL DEFAULT 3,
	feedback_count      INTEGER NOT NULL DEFAULT 0,
	patterns_discovered INTEGER NOT NULL DEFAULT 0,
	patterns_applied    INTEGER NOT NULL DEFAULT 0,
	last_error          TEXT NOT NULL DEFAULT '',
	result_summary      TEXT,
	worker_id           TEXT NOT NULL DEFAULT '',
	next_run_at         DATETIME NOT NULL,
	created_at          DATETIME NOT NULL,
	started_at          DATETIME,
	completed_at        DATETIME,
	updated_at          DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_running ON pattern_learning_jobs(template_id, field_name) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_jobs_status_next ON pattern_learning_jobs(status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_template ON pattern_learning_jobs(template_id, created_at);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	template_id TEXT NOT NULL,
	field_name  TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL,
	error       TEXT NOT NULL,
	failed_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS config_change_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	actor      TEXT NOT NULL,
	entity     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	action     TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_entity ON config_change_history(entity, entity_id);

CREATE TRIGGER IF NOT EXISTS config_change_history_no_update
BEFORE UPDATE ON config_change_history
BEGIN
	SELECT RAISE(ABORT, 'config_change_history is append-only');
END;

CREATE TRIGGER IF NOT EXISTS config_change_history_no_delete
BEFORE DELETE ON config_change_history
BEGIN
	SELECT RAISE(ABORT, 'config_change_history is append-only');
END;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin %s", op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit %s", op)
}

// --- templates ---

func (s *SQLiteStore) SaveTemplate(ctx context.Context, tmpl *model.TemplateConfig, actor string) error {
	return s.withTx(ctx, "save template", func(tx *sql.Tx) error {
		now := time.Now().UTC()

		if tmpl.Version <= 0 {
			var maxVersion sql.NullInt64
			if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM templates WHERE id = ?`, tmpl.ID).Scan(&maxVersion); err != nil {
				return eris.Wrap(err, "sqlite: next template version")
			}
			tmpl.Version = int(maxVersion.Int64) + 1
		}

		var published bool
		err := tx.QueryRowContext(ctx, `SELECT published FROM templates WHERE id = ? AND version = ?`, tmpl.ID, tmpl.Version).Scan(&published)
		switch {
		case err == nil && published:
			return eris.Wrapf(ErrTemplatePublished, "sqlite: save template %s", templateEntityID(tmpl.ID, tmpl.Version))
		case err != nil && !isNoRows(err):
			return eris.Wrap(err, "sqlite: check template")
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO templates (id, version, name, published, created_at, updated_at) VALUES (?, ?, ?, 0, ?, ?)
			 ON CONFLICT (id, version) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
			tmpl.ID, tmpl.Version, tmpl.Name, now, now,
		); err != nil {
			return eris.Wrap(err, "sqlite: upsert template")
		}

		existing, err := s.fieldIDs(ctx, tx, tmpl.ID, tmpl.Version)
		if err != nil {
			return err
		}

		keep := make(map[string]bool, len(tmpl.Fields))
		for i := range tmpl.Fields {
			f := &tmpl.Fields[i]
			f.TemplateID, f.TemplateVersion = tmpl.ID, tmpl.Version
			if id, ok := existing[f.Name]; ok {
				f.ID = id
			} else if f.ID == "" {
				f.ID = uuid.New().String()
			}
			keep[f.ID] = true

			validation, locations, err := encodeField(*f)
			if err != nil {
				return eris.Wrap(err, "sqlite: encode field")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO field_configs (`+fieldCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET name = excluded.name, field_type = excluded.field_type,
				   base_pattern = excluded.base_pattern, confidence_threshold = excluded.confidence_threshold,
				   is_required = excluded.is_required, extraction_order = excluded.extraction_order,
				   validation_rules = excluded.validation_rules, locations = excluded.locations`,
				f.ID, f.TemplateID, f.TemplateVersion, f.Name, string(f.Type), f.BasePattern,
				f.ConfidenceThreshold, f.Required, f.ExtractionOrder, validation, locations,
			); err != nil {
				return eris.Wrapf(err, "sqlite: upsert field %s", f.Name)
			}
		}

		for _, id := range existing {
			if keep[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM learned_patterns WHERE field_config_id = ?`, id); err != nil {
				return eris.Wrap(err, "sqlite: delete removed field patterns")
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM field_configs WHERE id = ?`, id); err != nil {
				return eris.Wrap(err, "sqlite: delete removed field")
			}
		}

		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    actor,
			Entity:   model.EntityTemplate,
			EntityID: templateEntityID(tmpl.ID, tmpl.Version),
			Action:   model.ActionCreate,
			Details:  changeDetails("name", tmpl.Name),
		})
	})
}

func (s *SQLiteStore) fieldIDs(ctx context.Context, tx *sql.Tx, templateID string, version int) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name, id FROM field_configs WHERE template_id = ? AND template_version = ?`, templateID, version)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list field ids")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]string)
	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field id")
		}
		out[name] = id
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate field ids")
}

func (s *SQLiteStore) PublishTemplate(ctx context.Context, id string, version int, actor string) error {
	return s.withTx(ctx, "publish template", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE templates SET published = 1, updated_at = ? WHERE id = ? AND version = ? AND published = 0`,
			time.Now().UTC(), id, version,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: publish template")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var published bool
			err := tx.QueryRowContext(ctx, `SELECT published FROM templates WHERE id = ? AND version = ?`, id, version).Scan(&published)
			if isNoRows(err) {
				return eris.Wrapf(ErrNotFound, "sqlite: template %s", templateEntityID(id, version))
			}
			if err != nil {
				return eris.Wrap(err, "sqlite: check template")
			}
			return eris.Wrapf(ErrTemplatePublished, "sqlite: publish %s", templateEntityID(id, version))
		}
		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    actor,
			Entity:   model.EntityTemplate,
			EntityID: templateEntityID(id, version),
			Action:   model.ActionPublish,
		})
	})
}

func (s *SQLiteStore) GetTemplate(ctx context.Context, id string, version int) (*model.TemplateConfig, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx, `SELECT id, version, name, published FROM templates WHERE id = ? AND version = ?`, id, version)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, version, name, published FROM templates WHERE id = ? ORDER BY published DESC, version DESC LIMIT 1`, id)
	}

	var t model.TemplateConfig
	if err := row.Scan(&t.ID, &t.Version, &t.Name, &t.Published); err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: template %s", id)
		}
		return nil, eris.Wrap(err, "sqlite: get template")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fieldCols+` FROM field_configs WHERE template_id = ? AND template_version = ? ORDER BY extraction_order, name`,
		t.ID, t.Version,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list fields")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field")
		}
		t.Fields = append(t.Fields, *f)
	}
	return &t, eris.Wrap(rows.Err(), "sqlite: iterate fields")
}

func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]model.TemplateConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, version, name, published FROM templates ORDER BY id, version`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list templates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.TemplateConfig
	for rows.Next() {
		var t model.TemplateConfig
		if err := rows.Scan(&t.ID, &t.Version, &t.Name, &t.Published); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan template")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate templates")
}

func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id, actor string) error {
	return s.withTx(ctx, "delete template", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM learned_patterns WHERE field_config_id IN (SELECT id FROM field_configs WHERE template_id = ?)`, id,
		); err != nil {
			return eris.Wrap(err, "sqlite: delete template patterns")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM field_configs WHERE template_id = ?`, id); err != nil {
			return eris.Wrap(err, "sqlite: delete template fields")
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
		if err != nil {
			return eris.Wrap(err, "sqlite: delete template")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrNotFound, "sqlite: template %s", id)
		}
		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    actor,
			Entity:   model.EntityTemplate,
			EntityID: id,
			Action:   model.ActionDelete,
		})
	})
}

func (s *SQLiteStore) GetFieldConfig(ctx context.Context, fieldConfigID string) (*model.FieldConfig, error) {
	f, err := scanField(s.db.QueryRowContext(ctx, `SELECT `+fieldCols+` FROM field_configs WHERE id = ?`, fieldConfigID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: field config %s", fieldConfigID)
	}
	return f, eris.Wrap(err, "sqlite: get field config")
}

// --- patterns ---

func (s *SQLiteStore) queryLearned(ctx context.Context, query string, args ...any) ([]model.LearnedPattern, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query learned patterns")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LearnedPattern
	for rows.Next() {
		p, err := scanLearned(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan learned pattern")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate learned patterns")
}

func (s *SQLiteStore) ActiveLearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error) {
	return s.queryLearned(ctx,
		`SELECT `+learnedCols+` FROM learned_patterns WHERE field_config_id = ? AND is_active = 1
		 ORDER BY priority DESC, match_rate DESC, usage_count DESC, created_at, id`,
		fieldConfigID,
	)
}

func (s *SQLiteStore) LearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error) {
	return s.queryLearned(ctx,
		`SELECT `+learnedCols+` FROM learned_patterns WHERE field_config_id = ?
		 ORDER BY is_active DESC, priority DESC, match_rate DESC, usage_count DESC, created_at, id`,
		fieldConfigID,
	)
}

func (s *SQLiteStore) TemplatePatterns(ctx context.Context, templateID string) ([]model.LearnedPattern, error) {
	return s.queryLearned(ctx,
		`SELECT `+prefixed(learnedCols, "lp")+` FROM learned_patterns lp
		 JOIN field_configs fc ON fc.id = lp.field_config_id
		 WHERE fc.template_id = ?
		 ORDER BY fc.template_version DESC, fc.name, lp.priority DESC, lp.match_rate DESC, lp.usage_count DESC`,
		templateID,
	)
}

func (s *SQLiteStore) GetLearnedPattern(ctx context.Context, id string) (*model.LearnedPattern, error) {
	p, err := scanLearned(s.db.QueryRowContext(ctx, `SELECT `+learnedCols+` FROM learned_patterns WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: learned pattern %s", id)
	}
	return p, eris.Wrap(err, "sqlite: get learned pattern")
}

func (s *SQLiteStore) FieldPatterns(ctx context.Context, fieldName, userID string) ([]model.Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, field_name, regex, owner, usage_count, created_at FROM field_patterns
		 WHERE field_name = ? AND (owner = '' OR owner = ?)
		 ORDER BY usage_count DESC, created_at, id`,
		fieldName, userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list field patterns")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Pattern
	for rows.Next() {
		var p model.Pattern
		if err := rows.Scan(&p.ID, &p.FieldName, &p.Regex, &p.Owner, &p.UsageCount, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field pattern")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate field patterns")
}

func (s *SQLiteStore) UpsertFieldPattern(ctx context.Context, p *model.Pattern, actor string) error {
	return s.withTx(ctx, "upsert field pattern", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO field_patterns (id, field_name, regex, owner, usage_count, created_at) VALUES (?, ?, ?, ?, 0, ?)
			 ON CONFLICT (field_name, regex, owner) DO NOTHING`,
			uuid.New().String(), p.FieldName, p.Regex, p.Owner, now,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert field pattern")
		}
		inserted, _ := res.RowsAffected()

		err = tx.QueryRowContext(ctx,
			`SELECT id, usage_count, created_at FROM field_patterns WHERE field_name = ? AND regex = ? AND owner = ?`,
			p.FieldName, p.Regex, p.Owner,
		).Scan(&p.ID, &p.UsageCount, &p.CreatedAt)
		if err != nil {
			return eris.Wrap(err, "sqlite: reload field pattern")
		}
		if inserted == 0 {
			return nil
		}
		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    actor,
			Entity:   model.EntityFieldPattern,
			EntityID: p.ID,
			Action:   model.ActionCreate,
			Details:  changeDetails("field_name", p.FieldName, "regex", p.Regex, "owner", p.Owner),
		})
	})
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, ref model.PatternRef) error {
	var query string
	switch ref.Kind {
	case model.PatternKindLearned:
		query = `UPDATE learned_patterns SET usage_count = usage_count + 1 WHERE id = ?`
	case model.PatternKindUser, model.PatternKindGlobal:
		query = `UPDATE field_patterns SET usage_count = usage_count + 1 WHERE id = ?`
	default:
		return nil
	}
	_, err := s.db.ExecContext(ctx, query, ref.ID)
	return eris.Wrapf(err, "sqlite: increment usage %s", ref.ID)
}

func (s *SQLiteStore) RecordSuccess(ctx context.Context, ref model.PatternRef) error {
	if ref.Kind != model.PatternKindLearned {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE learned_patterns SET success_count = success_count + 1 WHERE id = ?`, ref.ID)
	return eris.Wrapf(err, "sqlite: record success %s", ref.ID)
}

func (s *SQLiteStore) DeactivatePattern(ctx context.Context, id, actor, reason string) error {
	return s.withTx(ctx, "deactivate pattern", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE learned_patterns SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`,
			time.Now().UTC(), id,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: deactivate pattern")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM learned_patterns WHERE id = ?`, id).Scan(&exists)
			if isNoRows(err) {
				return eris.Wrapf(ErrNotFound, "sqlite: learned pattern %s", id)
			}
			return eris.Wrap(err, "sqlite: check pattern")
		}
		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    actor,
			Entity:   model.EntityLearnedPattern,
			EntityID: id,
			Action:   model.ActionDeactivate,
			Details:  changeDetails("reason", reason),
		})
	})
}

// --- feedback ---

func (s *SQLiteStore) insertFeedback(ctx context.Context, ex execer, rec *model.FeedbackRecord, orIgnore bool) (int64, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	verb := "INSERT"
	if orIgnore {
		verb = "INSERT OR IGNORE"
	}
	res, err := ex.ExecContext(ctx,
		verb+` INTO feedback_records (`+feedbackCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DocumentID, rec.TemplateID, rec.FieldConfigID, rec.FieldName,
		rec.OriginalValue, rec.CorrectedValue, rec.Confidence, rec.RawText,
		encodeStrings(rec.WordsBefore), encodeStrings(rec.WordsAfter), rec.UsedForTraining, rec.CreatedAt,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert feedback")
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) InsertFeedback(ctx context.Context, rec *model.FeedbackRecord) error {
	_, err := s.insertFeedback(ctx, s.db, rec, false)
	return err
}

func (s *SQLiteStore) ImportFeedback(ctx context.Context, recs []model.FeedbackRecord) (int64, error) {
	var total int64
	err := s.withTx(ctx, "import feedback", func(tx *sql.Tx) error {
		for i := range recs {
			n, err := s.insertFeedback(ctx, tx, &recs[i], true)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

func (s *SQLiteStore) queryFeedback(ctx context.Context, query string, args ...any) ([]model.FeedbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query feedback")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FeedbackRecord
	for rows.Next() {
		r, err := scanFeedback(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feedback")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate feedback")
}

func (s *SQLiteStore) UnconsumedFeedback(ctx context.Context, templateID, fieldName string) ([]model.FeedbackRecord, error) {
	return s.queryFeedback(ctx,
		`SELECT `+feedbackCols+` FROM feedback_records
		 WHERE template_id = ? AND field_name = ? AND used_for_training = 0 ORDER BY created_at, id`,
		templateID, fieldName,
	)
}

func (s *SQLiteStore) FeedbackHistory(ctx context.Context, templateID, fieldName string, limit int) ([]model.FeedbackRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryFeedback(ctx,
		`SELECT `+feedbackCols+` FROM feedback_records
		 WHERE template_id = ? AND field_name = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		templateID, fieldName, limit,
	)
}

func (s *SQLiteStore) CountUnconsumed(ctx context.Context, templateID, fieldName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback_records WHERE template_id = ? AND field_name = ? AND used_for_training = 0`,
		templateID, fieldName,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count unconsumed feedback")
}

// --- learning ---

func (s *SQLiteStore) ApplyLearning(ctx context.Context, batch LearningBatch) (int, error) {
	inserted := 0
	err := s.withTx(ctx, "apply learning", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		audit := func(entityID, action string, details map[string]string) error {
			return s.appendChange(ctx, tx, &model.ConfigChange{
				Actor: batch.Actor, Entity: model.EntityLearnedPattern, EntityID: entityID, Action: action, Details: details,
			})
		}

		for i := range batch.Insert {
			p := &batch.Insert[i]
			if p.ID == "" {
				p.ID = uuid.New().String()
			}
			p.FieldConfigID = batch.FieldConfigID
			p.CreatedAt, p.UpdatedAt = now, now
			res, err := tx.ExecContext(ctx,
				`INSERT INTO learned_patterns (`+learnedCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (field_config_id, regex) DO NOTHING`,
				p.ID, p.FieldConfigID, p.Regex, string(p.Type), p.Frequency, p.MatchRate, p.ConfidenceBoost,
				p.Priority, p.UsageCount, p.SuccessCount, p.Active, encodeStrings(p.Examples), now, now,
			)
			if err != nil {
				return eris.Wrap(err, "sqlite: insert learned pattern")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			inserted++
			if err := audit(p.ID, model.ActionCreate, changeDetails(
				"regex", p.Regex, "type", string(p.Type), "match_rate", formatRate(p.MatchRate),
			)); err != nil {
				return err
			}
		}

		for _, id := range batch.FrequencyBumps {
			if _, err := tx.ExecContext(ctx,
				`UPDATE learned_patterns SET frequency = frequency + 1, updated_at = ? WHERE id = ?`, now, id,
			); err != nil {
				return eris.Wrap(err, "sqlite: bump frequency")
			}
			if err := audit(id, model.ActionFrequency, nil); err != nil {
				return err
			}
		}

		for _, id := range sortedKeys(batch.MatchRates) {
			rate := batch.MatchRates[id]
			if _, err := tx.ExecContext(ctx,
				`UPDATE learned_patterns SET match_rate = ?, updated_at = ? WHERE id = ?`, rate, now, id,
			); err != nil {
				return eris.Wrap(err, "sqlite: update match rate")
			}
			if err := audit(id, model.ActionMatchRate, changeDetails("match_rate", formatRate(rate))); err != nil {
				return err
			}
		}

		for _, id := range sortedKeys(batch.Deactivate) {
			res, err := tx.ExecContext(ctx,
				`UPDATE learned_patterns SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`, now, id,
			)
			if err != nil {
				return eris.Wrap(err, "sqlite: retire pattern")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if err := audit(id, model.ActionDeactivate, changeDetails("reason", batch.Deactivate[id])); err != nil {
				return err
			}
		}

		consumed := 0
		for _, id := range batch.ConsumeFeedback {
			res, err := tx.ExecContext(ctx,
				`UPDATE feedback_records SET used_for_training = 1 WHERE id = ? AND used_for_training = 0`, id,
			)
			if err != nil {
				return eris.Wrap(err, "sqlite: consume feedback")
			}
			n, _ := res.RowsAffected()
			consumed += int(n)
		}
		if consumed > 0 {
			return s.appendChange(ctx, tx, &model.ConfigChange{
				Actor:    batch.Actor,
				Entity:   model.EntityFeedback,
				EntityID: batch.FieldConfigID,
				Action:   model.ActionConsume,
				Details:  changeDetails("count", itoa(consumed)),
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// --- jobs ---

func (s *SQLiteStore) EnqueueJob(ctx context.Context, templateID, fieldName string, maxAttempts int) (*model.PatternLearningJob, bool, error) {
	var (
		job     *model.PatternLearningJob
		created bool
	)
	err := s.withTx(ctx, "enqueue job", func(tx *sql.Tx) error {
		existing, err := scanJob(tx.QueryRowContext(ctx,
			`SELECT `+jobCols+` FROM pattern_learning_jobs WHERE template_id = ? AND field_name = ? AND status = 'pending'
			 ORDER BY created_at LIMIT 1`,
			templateID, fieldName,
		))
		if err == nil {
			job = existing
			return nil
		}
		if !isNoRows(err) {
			return eris.Wrap(err, "sqlite: find pending job")
		}

		now := time.Now().UTC()
		job = &model.PatternLearningJob{
			ID:          uuid.New().String(),
			TemplateID:  templateID,
			FieldName:   fieldName,
			Status:      model.JobPending,
			MaxAttempts: maxAttempts,
			NextRunAt:   now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pattern_learning_jobs (id, template_id, field_name, status, max_attempts, next_run_at, created_at, updated_at)
			 VALUES (?, ?, ?, 'pending', ?, ?, ?, ?)`,
			job.ID, templateID, fieldName, maxAttempts, now, now, now,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert job")
		}
		created = true
		return nil
	})
	return job, created, err
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, workerID string) (*model.PatternLearningJob, error) {
	var job *model.PatternLearningJob
	err := s.withTx(ctx, "claim job", func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT j.id FROM pattern_learning_jobs j
			 WHERE j.status = 'pending' AND j.next_run_at <= ?
			   AND NOT EXISTS (
				SELECT 1 FROM pattern_learning_jobs r
				WHERE r.status = 'running' AND r.template_id = j.template_id
				  AND (r.field_name = j.field_name OR r.field_name = '' OR j.field_name = '')
			   )
			 ORDER BY j.next_run_at, j.created_at
			 LIMIT 1`,
			now,
		).Scan(&id)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: select claimable job")
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE pattern_learning_jobs SET status = 'running', worker_id = ?, started_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'pending'`,
			workerID, now, now, id,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: claim job")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM pattern_learning_jobs WHERE id = ?`, id))
		return eris.Wrap(err, "sqlite: reload claimed job")
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, summary model.LearningSummary) error {
	encoded, err := encodeSummary(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete job")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pattern_learning_jobs
		 SET status = 'completed', completed_at = ?, updated_at = ?, result_summary = ?,
		     feedback_count = ?, patterns_discovered = ?, patterns_applied = ?, last_error = ''
		 WHERE id = ? AND status = 'running'`,
		now, now, encoded, summary.FeedbackCount, summary.PatternsDiscovered, summary.PatternsApplied, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrJobNotRunning, "sqlite: complete job %s", id)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string, backoff func(attempts int) time.Duration) (*model.PatternLearningJob, error) {
	var out *model.PatternLearningJob
	err := s.withTx(ctx, "fail job", func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM pattern_learning_jobs WHERE id = ?`, id))
		if isNoRows(err) {
			return eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: load job")
		}
		if job.Status != model.JobRunning {
			return eris.Wrapf(ErrJobNotRunning, "sqlite: fail job %s (%s)", id, job.Status)
		}

		now := time.Now().UTC()
		attempts := job.Attempts + 1
		if attempts < job.MaxAttempts {
			next := now
			if backoff != nil {
				next = now.Add(backoff(attempts))
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE pattern_learning_jobs
				 SET status = 'pending', attempts = ?, last_error = ?, next_run_at = ?, worker_id = '', started_at = NULL, updated_at = ?
				 WHERE id = ?`,
				attempts, errMsg, next, now, id,
			); err != nil {
				return eris.Wrap(err, "sqlite: requeue job")
			}
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE pattern_learning_jobs
				 SET status = 'failed', attempts = ?, last_error = ?, completed_at = ?, updated_at = ?
				 WHERE id = ?`,
				attempts, errMsg, now, now, id,
			); err != nil {
				return eris.Wrap(err, "sqlite: fail job")
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO failed_jobs (`+failedCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				uuid.New().String(), id, job.TemplateID, job.FieldName, attempts, errMsg, now,
			); err != nil {
				return eris.Wrap(err, "sqlite: record failed job")
			}
			if err := s.appendChange(ctx, tx, &model.ConfigChange{
				Actor:    "system",
				Entity:   model.EntityLearningJob,
				EntityID: id,
				Action:   model.ActionFail,
				Details:  changeDetails("error", errMsg, "attempts", itoa(attempts)),
			}); err != nil {
				return err
			}
		}

		out, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM pattern_learning_jobs WHERE id = ?`, id))
		return eris.Wrap(err, "sqlite: reload job")
	})
	return out, err
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.PatternLearningJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM pattern_learning_jobs WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	return job, eris.Wrap(err, "sqlite: get job")
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.PatternLearningJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PatternLearningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func (s *SQLiteStore) ListJobs(ctx context.Context, templateID string, limit int) ([]model.PatternLearningJob, error) {
	if templateID == "" {
		return s.queryJobs(ctx,
			`SELECT `+jobCols+` FROM pattern_learning_jobs ORDER BY created_at DESC, id LIMIT ?`, defaultLimit(limit))
	}
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM pattern_learning_jobs WHERE template_id = ? ORDER BY created_at DESC, id LIMIT ?`,
		templateID, defaultLimit(limit),
	)
}

func (s *SQLiteStore) StaleJobs(ctx context.Context, cutoff time.Time) ([]model.PatternLearningJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM pattern_learning_jobs WHERE status = 'running' AND started_at < ? ORDER BY started_at`,
		cutoff.UTC(),
	)
}

func (s *SQLiteStore) ListFailedJobs(ctx context.Context, limit int) ([]model.FailedJob, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+failedCols+` FROM failed_jobs ORDER BY failed_at DESC, id LIMIT ?`, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FailedJob
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed job")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate failed jobs")
}

// --- history ---

func (s *SQLiteStore) appendChange(ctx context.Context, ex execer, c *model.ConfigChange) error {
	details, err := encodeDetails(c.Details)
	if err != nil {
		return eris.Wrap(err, "sqlite: append change")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Actor == "" {
		c.Actor = "system"
	}
	res, err := ex.ExecContext(ctx,
		`INSERT INTO config_change_history (actor, entity, entity_id, action, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Actor, c.Entity, c.EntityID, c.Action, details, c.CreatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: append change")
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) AppendChange(ctx context.Context, c *model.ConfigChange) error {
	return s.appendChange(ctx, s.db, c)
}

func (s *SQLiteStore) ListChanges(ctx context.Context, entity, entityID string, limit int) ([]model.ConfigChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeCols+` FROM config_change_history
		 WHERE (? = '' OR entity = ?) AND (? = '' OR entity_id = ?)
		 ORDER BY id DESC LIMIT ?`,
		entity, entity, entityID, entityID, defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list changes")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ConfigChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate changes")
}

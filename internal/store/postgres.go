package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/formextract/internal/db"
	"github.com/sells-group/formextract/internal/model"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the extraction hot path queries, prepared on
// each new connection.
var preparedStatements = map[string]string{
	"active_learned_patterns": `SELECT ` + learnedCols + ` FROM learned_patterns WHERE field_config_id = $1 AND is_active ORDER BY priority DESC, match_rate DESC, usage_count DESC, created_at, id`,
	"field_patterns":          `SELECT id, field_name, regex, owner, usage_count, created_at FROM field_patterns WHERE field_name = $1 AND (owner = '' OR owner = $2) ORDER BY usage_count DESC, created_at, id`,
	"increment_learned_usage": `UPDATE learned_patterns SET usage_count = usage_count + 1 WHERE id = $1`,
	"increment_field_usage":   `UPDATE field_patterns SET usage_count = usage_count + 1 WHERE id = $1`,
	"record_learned_success":  `UPDATE learned_patterns SET success_count = success_count + 1 WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS templates (
	id         TEXT NOT NULL,
	version    INTEGER NOT NULL,
	name       TEXT NOT NULL,
	published  BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS field_configs (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	template_id          TEXT NOT NULL,
	template_version     INTEGER NOT NULL,
	name                 TEXT NOT NULL,
	field_type           TEXT NOT NULL DEFAULT 'text',
	base_pattern         TEXT NOT NULL DEFAULT '',
	confidence_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.7,
	is_required          BOOLEAN NOT NULL DEFAULT false,
	extraction_order     INTEGER NOT NULL DEFAULT 0,
	validation_rules     JSONB NOT NULL DEFAULT '{}',
	locations            JSONB NOT NULL DEFAULT '[]',
	UNIQUE (template_id, template_version, name),
	FOREIGN KEY (template_id, template_version) REFERENCES templates(id, version) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS field_patterns (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	field_name  TEXT NOT NULL,
	regex       TEXT NOT NULL,
	owner       TEXT NOT NULL DEFAULT '',
	usage_count BIGINT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (field_name, regex, owner)
);

CREATE TABLE IF NOT EXISTS learned_patterns (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	field_config_id  TEXT NOT NULL REFERENCES field_configs(id) ON DELETE CASCADE,
	regex            TEXT NOT NULL,
	pattern_type     TEXT NOT NULL,
	frequency        INTEGER NOT NULL DEFAULT 1,
	match_rate       DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence_boost DOUBLE PRECISION NOT NULL DEFAULT 0,
	priority         INTEGER NOT NULL DEFAULT 0,
	usage_count      BIGINT NOT NULL DEFAULT 0,
	success_count    BIGINT NOT NULL DEFAULT 0,
	is_active        BOOLEAN NOT NULL DEFAULT true,
	examples         JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (field_config_id, regex)
);

CREATE INDEX IF NOT EXISTS idx_learned_patterns_active_priority ON learned_patterns(field_config_id, is_active, priority DESC);
CREATE INDEX IF NOT EXISTS idx_learned_patterns_rate_usage ON learned_patterns(match_rate DESC, usage_count DESC);

CREATE TABLE IF NOT EXISTS feedback_records (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id       TEXT NOT NULL,
	template_id       TEXT NOT NULL,
	field_config_id   TEXT NOT NULL,
	field_name        TEXT NOT NULL,
	original_value    TEXT NOT NULL DEFAULT '',
	corrected_value   TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	raw_text          TEXT NOT NULL DEFAULT '',
	words_before      JSONB NOT NULL DEFAULT '[]',
	words_after       JSONB NOT NULL DEFAULT '[]',
	used_for_training BOOLEAN NOT NULL DEFAULT false,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_feedback_field_unused ON feedback_records(template_id, field_name) WHERE NOT used_for_training;
CREATE INDEX IF NOT EXISTS idx_feedback_field_created ON feedback_records(template_id, field_name, created_at DESC);

CREATE TABLE IF NOT EXISTS pattern_learning_jobs (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
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
	next_run_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at          TIMESTAMPTZ,
	completed_at        TIMESTAMPTZ,
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_running ON pattern_learning_jobs(template_id, field_name) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_jobs_status_next ON pattern_learning_jobs(status, next_run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_template ON pattern_learning_jobs(template_id, created_at DESC);

CREATE TABLE IF NOT EXISTS failed_jobs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id      TEXT NOT NULL,
	template_id TEXT NOT NULL,
	field_name  TEXT NOT NULL DEFAULT '',
	attempts    INTEGER NOT NULL,
	error       TEXT NOT NULL,
	failed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS config_change_history (
	id         BIGSERIAL PRIMARY KEY,
	actor      TEXT NOT NULL,
	entity     TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	action     TEXT NOT NULL,
	details    JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_history_entity ON config_change_history(entity, entity_id);

CREATE OR REPLACE FUNCTION config_change_history_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'config_change_history is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS config_change_history_no_modify ON config_change_history;
CREATE TRIGGER config_change_history_no_modify
	BEFORE UPDATE OR DELETE ON config_change_history
	FOR EACH ROW EXECUTE FUNCTION config_change_history_append_only();
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// pgQuerier is satisfied by db.Pool and pgx.Tx.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: begin %s", op)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrapf(tx.Commit(ctx), "postgres: commit %s", op)
}

// errClaimRace rolls back a claim that lost to a concurrent worker.
var errClaimRace = errors.New("postgres: claim lost race")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- templates ---

func (s *PostgresStore) SaveTemplate(ctx context.Context, tmpl *model.TemplateConfig, actor string) error {
	return s.withTx(ctx, "save template", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "template:"+tmpl.ID); err != nil {
			return eris.Wrap(err, "postgres: lock template")
		}

		if tmpl.Version <= 0 {
			var next int
			if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM templates WHERE id = $1`, tmpl.ID).Scan(&next); err != nil {
				return eris.Wrap(err, "postgres: next template version")
			}
			tmpl.Version = next
		}

		var published bool
		err := tx.QueryRow(ctx, `SELECT published FROM templates WHERE id = $1 AND version = $2`, tmpl.ID, tmpl.Version).Scan(&published)
		switch {
		case err == nil && published:
			return eris.Wrapf(ErrTemplatePublished, "postgres: save template %s", templateEntityID(tmpl.ID, tmpl.Version))
		case err != nil && !isNoRows(err):
			return eris.Wrap(err, "postgres: check template")
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`INSERT INTO templates (id, version, name, published, created_at, updated_at) VALUES ($1, $2, $3, false, $4, $4)
			 ON CONFLICT (id, version) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
			tmpl.ID, tmpl.Version, tmpl.Name, now,
		); err != nil {
			return eris.Wrap(err, "postgres: upsert template")
		}

		existing := make(map[string]string)
		rows, err := tx.Query(ctx, `SELECT name, id FROM field_configs WHERE template_id = $1 AND template_version = $2`, tmpl.ID, tmpl.Version)
		if err != nil {
			return eris.Wrap(err, "postgres: list field ids")
		}
		for rows.Next() {
			var name, id string
			if err := rows.Scan(&name, &id); err != nil {
				rows.Close()
				return eris.Wrap(err, "postgres: scan field id")
			}
			existing[name] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "postgres: iterate field ids")
		}

		keep := make([]string, 0, len(tmpl.Fields))
		fieldRows := make([][]any, 0, len(tmpl.Fields))
		for i := range tmpl.Fields {
			f := &tmpl.Fields[i]
			f.TemplateID, f.TemplateVersion = tmpl.ID, tmpl.Version
			if id, ok := existing[f.Name]; ok {
				f.ID = id
			} else if f.ID == "" {
				f.ID = uuid.New().String()
			}
			keep = append(keep, f.ID)

			validation, locations, err := encodeField(*f)
			if err != nil {
				return eris.Wrap(err, "postgres: encode field")
			}
			fieldRows = append(fieldRows, []any{
				f.ID, f.TemplateID, f.TemplateVersion, f.Name, string(f.Type), f.BasePattern,
				f.ConfidenceThreshold, f.Required, f.ExtractionOrder, validation, locations,
			})
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM field_configs WHERE template_id = $1 AND template_version = $2 AND NOT (id = ANY($3))`,
			tmpl.ID, tmpl.Version, keep,
		); err != nil {
			return eris.Wrap(err, "postgres: delete removed fields")
		}

		if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
			Table:        "field_configs",
			Columns:      splitCols(fieldCols),
			ConflictKeys: []string{"id"},
		}, fieldRows); err != nil {
			return eris.Wrap(err, "postgres: upsert fields")
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

func (s *PostgresStore) PublishTemplate(ctx context.Context, id string, version int, actor string) error {
	return s.withTx(ctx, "publish template", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE templates SET published = true, updated_at = $3 WHERE id = $1 AND version = $2 AND NOT published`,
			id, version, time.Now().UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: publish template")
		}
		if tag.RowsAffected() == 0 {
			var published bool
			err := tx.QueryRow(ctx, `SELECT published FROM templates WHERE id = $1 AND version = $2`, id, version).Scan(&published)
			if isNoRows(err) {
				return eris.Wrapf(ErrNotFound, "postgres: template %s", templateEntityID(id, version))
			}
			if err != nil {
				return eris.Wrap(err, "postgres: check template")
			}
			return eris.Wrapf(ErrTemplatePublished, "postgres: publish %s", templateEntityID(id, version))
		}
		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    actor,
			Entity:   model.EntityTemplate,
			EntityID: templateEntityID(id, version),
			Action:   model.ActionPublish,
		})
	})
}

func (s *PostgresStore) GetTemplate(ctx context.Context, id string, version int) (*model.TemplateConfig, error) {
	var row pgx.Row
	if version > 0 {
		row = s.pool.QueryRow(ctx, `SELECT id, version, name, published FROM templates WHERE id = $1 AND version = $2`, id, version)
	} else {
		row = s.pool.QueryRow(ctx,
			`SELECT id, version, name, published FROM templates WHERE id = $1 ORDER BY published DESC, version DESC LIMIT 1`, id)
	}

	var t model.TemplateConfig
	if err := row.Scan(&t.ID, &t.Version, &t.Name, &t.Published); err != nil {
		if isNoRows(err) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: template %s", id)
		}
		return nil, eris.Wrap(err, "postgres: get template")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+fieldCols+` FROM field_configs WHERE template_id = $1 AND template_version = $2 ORDER BY extraction_order, name`,
		t.ID, t.Version,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list fields")
	}
	defer rows.Close()

	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan field")
		}
		t.Fields = append(t.Fields, *f)
	}
	return &t, eris.Wrap(rows.Err(), "postgres: iterate fields")
}

func (s *PostgresStore) ListTemplates(ctx context.Context) ([]model.TemplateConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, version, name, published FROM templates ORDER BY id, version`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list templates")
	}
	defer rows.Close()

	var out []model.TemplateConfig
	for rows.Next() {
		var t model.TemplateConfig
		if err := rows.Scan(&t.ID, &t.Version, &t.Name, &t.Published); err != nil {
			return nil, eris.Wrap(err, "postgres: scan template")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate templates")
}

func (s *PostgresStore) DeleteTemplate(ctx context.Context, id, actor string) error {
	return s.withTx(ctx, "delete template", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
		if err != nil {
			return eris.Wrap(err, "postgres: delete template")
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "postgres: template %s", id)
		}
		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    actor,
			Entity:   model.EntityTemplate,
			EntityID: id,
			Action:   model.ActionDelete,
		})
	})
}

func (s *PostgresStore) GetFieldConfig(ctx context.Context, fieldConfigID string) (*model.FieldConfig, error) {
	f, err := scanField(s.pool.QueryRow(ctx, `SELECT `+fieldCols+` FROM field_configs WHERE id = $1`, fieldConfigID))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: field config %s", fieldConfigID)
	}
	return f, eris.Wrap(err, "postgres: get field config")
}

// --- patterns ---

func (s *PostgresStore) queryLearned(ctx context.Context, query string, args ...any) ([]model.LearnedPattern, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query learned patterns")
	}
	defer rows.Close()

	var out []model.LearnedPattern
	for rows.Next() {
		p, err := scanLearned(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan learned pattern")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate learned patterns")
}

func (s *PostgresStore) ActiveLearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error) {
	return s.queryLearned(ctx, preparedStatements["active_learned_patterns"], fieldConfigID)
}

func (s *PostgresStore) LearnedPatterns(ctx context.Context, fieldConfigID string) ([]model.LearnedPattern, error) {
	return s.queryLearned(ctx,
		`SELECT `+learnedCols+` FROM learned_patterns WHERE field_config_id = $1
		 ORDER BY is_active DESC, priority DESC, match_rate DESC, usage_count DESC, created_at, id`,
		fieldConfigID,
	)
}

func (s *PostgresStore) TemplatePatterns(ctx context.Context, templateID string) ([]model.LearnedPattern, error) {
	return s.queryLearned(ctx,
		`SELECT `+prefixed(learnedCols, "lp")+` FROM learned_patterns lp
		 JOIN field_configs fc ON fc.id = lp.field_config_id
		 WHERE fc.template_id = $1
		 ORDER BY fc.template_version DESC, fc.name, lp.priority DESC, lp.match_rate DESC, lp.usage_count DESC`,
		templateID,
	)
}

func (s *PostgresStore) GetLearnedPattern(ctx context.Context, id string) (*model.LearnedPattern, error) {
	p, err := scanLearned(s.pool.QueryRow(ctx, `SELECT `+learnedCols+` FROM learned_patterns WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: learned pattern %s", id)
	}
	return p, eris.Wrap(err, "postgres: get learned pattern")
}

func (s *PostgresStore) FieldPatterns(ctx context.Context, fieldName, userID string) ([]model.Pattern, error) {
	rows, err := s.pool.Query(ctx, preparedStatements["field_patterns"], fieldName, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list field patterns")
	}
	defer rows.Close()

	var out []model.Pattern
	for rows.Next() {
		var p model.Pattern
		if err := rows.Scan(&p.ID, &p.FieldName, &p.Regex, &p.Owner, &p.UsageCount, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field pattern")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate field patterns")
}

func (s *PostgresStore) UpsertFieldPattern(ctx context.Context, p *model.Pattern, actor string) error {
	return s.withTx(ctx, "upsert field pattern", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO field_patterns (id, field_name, regex, owner, usage_count, created_at) VALUES ($1, $2, $3, $4, 0, $5)
			 ON CONFLICT (field_name, regex, owner) DO NOTHING`,
			uuid.New().String(), p.FieldName, p.Regex, p.Owner, time.Now().UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert field pattern")
		}
		err = tx.QueryRow(ctx,
			`SELECT id, usage_count, created_at FROM field_patterns WHERE field_name = $1 AND regex = $2 AND owner = $3`,
			p.FieldName, p.Regex, p.Owner,
		).Scan(&p.ID, &p.UsageCount, &p.CreatedAt)
		if err != nil {
			return eris.Wrap(err, "postgres: reload field pattern")
		}
		if tag.RowsAffected() == 0 {
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

func (s *PostgresStore) IncrementUsage(ctx context.Context, ref model.PatternRef) error {
	var query string
	switch ref.Kind {
	case model.PatternKindLearned:
		query = preparedStatements["increment_learned_usage"]
	case model.PatternKindUser, model.PatternKindGlobal:
		query = preparedStatements["increment_field_usage"]
	default:
		return nil
	}
	_, err := s.pool.Exec(ctx, query, ref.ID)
	return eris.Wrapf(err, "postgres: increment usage %s", ref.ID)
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, ref model.PatternRef) error {
	if ref.Kind != model.PatternKindLearned {
		return nil
	}
	_, err := s.pool.Exec(ctx, preparedStatements["record_learned_success"], ref.ID)
	return eris.Wrapf(err, "postgres: record success %s", ref.ID)
}

func (s *PostgresStore) DeactivatePattern(ctx context.Context, id, actor, reason string) error {
	return s.withTx(ctx, "deactivate pattern", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE learned_patterns SET is_active = false, updated_at = $2 WHERE id = $1 AND is_active`,
			id, time.Now().UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: deactivate pattern")
		}
		if tag.RowsAffected() == 0 {
			var exists int
			err := tx.QueryRow(ctx, `SELECT 1 FROM learned_patterns WHERE id = $1`, id).Scan(&exists)
			if isNoRows(err) {
				return eris.Wrapf(ErrNotFound, "postgres: learned pattern %s", id)
			}
			return eris.Wrap(err, "postgres: check pattern")
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

func feedbackRow(rec *model.FeedbackRecord) []any {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return []any{
		rec.ID, rec.DocumentID, rec.TemplateID, rec.FieldConfigID, rec.FieldName,
		rec.OriginalValue, rec.CorrectedValue, rec.Confidence, rec.RawText,
		encodeStrings(rec.WordsBefore), encodeStrings(rec.WordsAfter), rec.UsedForTraining, rec.CreatedAt,
	}
}

func (s *PostgresStore) InsertFeedback(ctx context.Context, rec *model.FeedbackRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback_records (`+feedbackCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		feedbackRow(rec)...,
	)
	return eris.Wrap(err, "postgres: insert feedback")
}

// ImportFeedback bulk-loads records; ids that already exist are skipped.
func (s *PostgresStore) ImportFeedback(ctx context.Context, recs []model.FeedbackRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	rows := make([][]any, len(recs))
	for i := range recs {
		rows[i] = feedbackRow(&recs[i])
	}

	var n int64
	err := s.withTx(ctx, "import feedback", func(tx pgx.Tx) error {
		var err error
		n, err = db.BulkUpsert(ctx, tx, db.UpsertConfig{
			Table:        "feedback_records",
			Columns:      splitCols(feedbackCols),
			ConflictKeys: []string{"id"},
			UpdateCols:   []string{},
		}, rows)
		return eris.Wrap(err, "postgres: import feedback")
	})
	return n, err
}

func (s *PostgresStore) queryFeedback(ctx context.Context, query string, args ...any) ([]model.FeedbackRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query feedback")
	}
	defer rows.Close()

	var out []model.FeedbackRecord
	for rows.Next() {
		r, err := scanFeedback(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan feedback")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate feedback")
}

func (s *PostgresStore) UnconsumedFeedback(ctx context.Context, templateID, fieldName string) ([]model.FeedbackRecord, error) {
	return s.queryFeedback(ctx,
		`SELECT `+feedbackCols+` FROM feedback_records
		 WHERE template_id = $1 AND field_name = $2 AND NOT used_for_training ORDER BY created_at, id`,
		templateID, fieldName,
	)
}

func (s *PostgresStore) FeedbackHistory(ctx context.Context, templateID, fieldName string, limit int) ([]model.FeedbackRecord, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.queryFeedback(ctx,
		`SELECT `+feedbackCols+` FROM feedback_records
		 WHERE template_id = $1 AND field_name = $2 ORDER BY created_at DESC, id DESC LIMIT $3`,
		templateID, fieldName, lim,
	)
}

func (s *PostgresStore) CountUnconsumed(ctx context.Context, templateID, fieldName string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback_records WHERE template_id = $1 AND field_name = $2 AND NOT used_for_training`,
		templateID, fieldName,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count unconsumed feedback")
}

// --- learning ---

func (s *PostgresStore) ApplyLearning(ctx context.Context, batch LearningBatch) (int, error) {
	inserted := 0
	err := s.withTx(ctx, "apply learning", func(tx pgx.Tx) error {
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
			tag, err := tx.Exec(ctx,
				`INSERT INTO learned_patterns (`+learnedCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				 ON CONFLICT (field_config_id, regex) DO NOTHING`,
				p.ID, p.FieldConfigID, p.Regex, string(p.Type), p.Frequency, p.MatchRate, p.ConfidenceBoost,
				p.Priority, p.UsageCount, p.SuccessCount, p.Active, encodeStrings(p.Examples), now, now,
			)
			if err != nil {
				return eris.Wrap(err, "postgres: insert learned pattern")
			}
			if tag.RowsAffected() == 0 {
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
			if _, err := tx.Exec(ctx,
				`UPDATE learned_patterns SET frequency = frequency + 1, updated_at = $2 WHERE id = $1`, id, now,
			); err != nil {
				return eris.Wrap(err, "postgres: bump frequency")
			}
			if err := audit(id, model.ActionFrequency, nil); err != nil {
				return err
			}
		}

		for _, id := range sortedKeys(batch.MatchRates) {
			rate := batch.MatchRates[id]
			if _, err := tx.Exec(ctx,
				`UPDATE learned_patterns SET match_rate = $2, updated_at = $3 WHERE id = $1`, id, rate, now,
			); err != nil {
				return eris.Wrap(err, "postgres: update match rate")
			}
			if err := audit(id, model.ActionMatchRate, changeDetails("match_rate", formatRate(rate))); err != nil {
				return err
			}
		}

		for _, id := range sortedKeys(batch.Deactivate) {
			tag, err := tx.Exec(ctx,
				`UPDATE learned_patterns SET is_active = false, updated_at = $2 WHERE id = $1 AND is_active`, id, now,
			)
			if err != nil {
				return eris.Wrap(err, "postgres: retire pattern")
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			if err := audit(id, model.ActionDeactivate, changeDetails("reason", batch.Deactivate[id])); err != nil {
				return err
			}
		}

		if len(batch.ConsumeFeedback) == 0 {
			return nil
		}
		tag, err := tx.Exec(ctx,
			`UPDATE feedback_records SET used_for_training = true WHERE id = ANY($1) AND NOT used_for_training`,
			batch.ConsumeFeedback,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: consume feedback")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    batch.Actor,
			Entity:   model.EntityFeedback,
			EntityID: batch.FieldConfigID,
			Action:   model.ActionConsume,
			Details:  changeDetails("count", itoa(int(tag.RowsAffected()))),
		})
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// --- jobs ---

func (s *PostgresStore) EnqueueJob(ctx context.Context, templateID, fieldName string, maxAttempts int) (*model.PatternLearningJob, bool, error) {
	var (
		job     *model.PatternLearningJob
		created bool
	)
	err := s.withTx(ctx, "enqueue job", func(tx pgx.Tx) error {
		key := model.PatternLearningJob{TemplateID: templateID, FieldName: fieldName}.Key()
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "learning:"+key); err != nil {
			return eris.Wrap(err, "postgres: lock job key")
		}

		existing, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobCols+` FROM pattern_learning_jobs WHERE template_id = $1 AND field_name = $2 AND status = 'pending'
			 ORDER BY created_at LIMIT 1`,
			templateID, fieldName,
		))
		if err == nil {
			job = existing
			return nil
		}
		if !isNoRows(err) {
			return eris.Wrap(err, "postgres: find pending job")
		}

		job, err = scanJob(tx.QueryRow(ctx,
			`INSERT INTO pattern_learning_jobs (id, template_id, field_name, status, max_attempts, next_run_at, created_at, updated_at)
			 VALUES ($1, $2, $3, 'pending', $4, $5, $5, $5)
			 RETURNING `+jobCols,
			uuid.New().String(), templateID, fieldName, maxAttempts, time.Now().UTC(),
		))
		if err != nil {
			return eris.Wrap(err, "postgres: insert job")
		}
		created = true
		return nil
	})
	return job, created, err
}

// ClaimNextJob locks the oldest due job with SKIP LOCKED so concurrent
// workers never see the same row. A per-template advisory lock serializes
// the running-scope check against concurrent claims of overlapping jobs.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, workerID string) (*model.PatternLearningJob, error) {
	var job *model.PatternLearningJob
	err := s.withTx(ctx, "claim job", func(tx pgx.Tx) error {
		now := time.Now().UTC()
		var id, templateID string
		err := tx.QueryRow(ctx,
			`SELECT j.id, j.template_id FROM pattern_learning_jobs j
			 WHERE j.status = 'pending' AND j.next_run_at <= $1
			   AND NOT EXISTS (
				SELECT 1 FROM pattern_learning_jobs r
				WHERE r.status = 'running' AND r.template_id = j.template_id
				  AND (r.field_name = j.field_name OR r.field_name = '' OR j.field_name = '')
			   )
			 ORDER BY j.next_run_at, j.created_at
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`,
			now,
		).Scan(&id, &templateID)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "postgres: select claimable job")
		}

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "claim:"+templateID); err != nil {
			return eris.Wrap(err, "postgres: lock template claims")
		}

		job, err = scanJob(tx.QueryRow(ctx,
			`UPDATE pattern_learning_jobs j SET status = 'running', worker_id = $2, started_at = $3, updated_at = $3
			 WHERE j.id = $1 AND j.status = 'pending'
			   AND NOT EXISTS (
				SELECT 1 FROM pattern_learning_jobs r
				WHERE r.status = 'running' AND r.template_id = j.template_id
				  AND (r.field_name = j.field_name OR r.field_name = '' OR j.field_name = '')
			   )
			 RETURNING `+prefixed(jobCols, "j"),
			id, workerID, now,
		))
		if isNoRows(err) {
			job = nil
			return nil
		}
		if isUniqueViolation(err) {
			return errClaimRace
		}
		return eris.Wrap(err, "postgres: claim job")
	})
	if errors.Is(err, errClaimRace) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, summary model.LearningSummary) error {
	encoded, err := encodeSummary(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: complete job")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE pattern_learning_jobs
		 SET status = 'completed', completed_at = $2, updated_at = $2, result_summary = $3,
		     feedback_count = $4, patterns_discovered = $5, patterns_applied = $6, last_error = ''
		 WHERE id = $1 AND status = 'running'`,
		id, time.Now().UTC(), encoded, summary.FeedbackCount, summary.PatternsDiscovered, summary.PatternsApplied,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobNotRunning, "postgres: complete job %s", id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id, errMsg string, backoff func(attempts int) time.Duration) (*model.PatternLearningJob, error) {
	var out *model.PatternLearningJob
	err := s.withTx(ctx, "fail job", func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobCols+` FROM pattern_learning_jobs WHERE id = $1 FOR UPDATE`, id))
		if isNoRows(err) {
			return eris.Wrapf(ErrNotFound, "postgres: job %s", id)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: load job")
		}
		if job.Status != model.JobRunning {
			return eris.Wrapf(ErrJobNotRunning, "postgres: fail job %s (%s)", id, job.Status)
		}

		now := time.Now().UTC()
		attempts := job.Attempts + 1
		if attempts < job.MaxAttempts {
			next := now
			if backoff != nil {
				next = now.Add(backoff(attempts))
			}
			out, err = scanJob(tx.QueryRow(ctx,
				`UPDATE pattern_learning_jobs
				 SET status = 'pending', attempts = $2, last_error = $3, next_run_at = $4, worker_id = '', started_at = NULL, updated_at = $5
				 WHERE id = $1
				 RETURNING `+jobCols,
				id, attempts, errMsg, next, now,
			))
			return eris.Wrap(err, "postgres: requeue job")
		}

		out, err = scanJob(tx.QueryRow(ctx,
			`UPDATE pattern_learning_jobs
			 SET status = 'failed', attempts = $2, last_error = $3, completed_at = $4, updated_at = $4
			 WHERE id = $1
			 RETURNING `+jobCols,
			id, attempts, errMsg, now,
		))
		if err != nil {
			return eris.Wrap(err, "postgres: fail job")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO failed_jobs (`+failedCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.New().String(), id, job.TemplateID, job.FieldName, attempts, errMsg, now,
		); err != nil {
			return eris.Wrap(err, "postgres: record failed job")
		}
		return s.appendChange(ctx, tx, &model.ConfigChange{
			Actor:    "system",
			Entity:   model.EntityLearningJob,
			EntityID: id,
			Action:   model.ActionFail,
			Details:  changeDetails("error", errMsg, "attempts", itoa(attempts)),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.PatternLearningJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM pattern_learning_jobs WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	return job, eris.Wrap(err, "postgres: get job")
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]model.PatternLearningJob, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query jobs")
	}
	defer rows.Close()

	var out []model.PatternLearningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate jobs")
}

func (s *PostgresStore) ListJobs(ctx context.Context, templateID string, limit int) ([]model.PatternLearningJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM pattern_learning_jobs WHERE ($1 = '' OR template_id = $1) ORDER BY created_at DESC, id LIMIT $2`,
		templateID, defaultLimit(limit),
	)
}

func (s *PostgresStore) StaleJobs(ctx context.Context, cutoff time.Time) ([]model.PatternLearningJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobCols+` FROM pattern_learning_jobs WHERE status = 'running' AND started_at < $1 ORDER BY started_at`,
		cutoff.UTC(),
	)
}

func (s *PostgresStore) ListFailedJobs(ctx context.Context, limit int) ([]model.FailedJob, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+failedCols+` FROM failed_jobs ORDER BY failed_at DESC, id LIMIT $1`, defaultLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed jobs")
	}
	defer rows.Close()

	var out []model.FailedJob
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed job")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate failed jobs")
}

// --- history ---

func (s *PostgresStore) appendChange(ctx context.Context, q pgQuerier, c *model.ConfigChange) error {
	details, err := encodeDetails(c.Details)
	if err != nil {
		return eris.Wrap(err, "postgres: append change")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Actor == "" {
		c.Actor = "system"
	}
	err = q.QueryRow(ctx,
		`INSERT INTO config_change_history (actor, entity, entity_id, action, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		c.Actor, c.Entity, c.EntityID, c.Action, details, c.CreatedAt,
	).Scan(&c.ID)
	return eris.Wrap(err, "postgres: append change")
}

func (s *PostgresStore) AppendChange(ctx context.Context, c *model.ConfigChange) error {
	return s.appendChange(ctx, s.pool, c)
}

func (s *PostgresStore) ListChanges(ctx context.Context, entity, entityID string, limit int) ([]model.ConfigChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+changeCols+` FROM config_change_history
		 WHERE ($1 = '' OR entity = $1) AND ($2 = '' OR entity_id = $2)
		 ORDER BY id DESC LIMIT $3`,
		entity, entityID, defaultLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list changes")
	}
	defer rows.Close()

	var out []model.ConfigChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan change")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate changes")
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder style and DDL flavor for SQLDB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLDB implements Store on top of database/sql. The sqlite and
// postgres subpackages open the driver and hand the connection here,
// the same split the history SQL sink uses.
type SQLDB struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQL(db *sql.DB, dialect Dialect) *SQLDB {
	return &SQLDB{db: db, dialect: dialect}
}

func (s *SQLDB) Close() error { return s.db.Close() }

// rebind converts ? placeholders to $n for postgres. Queries below are
// written once in sqlite style.
func (s *SQLDB) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLDB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQLDB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func (s *SQLDB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(q), args...)
}

func (s *SQLDB) EnsureSchema(ctx context.Context) error {
	ts := "TIMESTAMP"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pipelines(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at %s NOT NULL
		);`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs(
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			status TEXT NOT NULL,
			target_column TEXT NOT NULL DEFAULT '',
			experiment_id TEXT NULL,
			notes TEXT NOT NULL DEFAULT '',
			tags TEXT NOT NULL DEFAULT '[]',
			metrics TEXT NULL,
			created_at %s NOT NULL
		);`, ts),
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline_id);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS experiments(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL
		);`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS models(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			task_type TEXT NOT NULL,
			created_at %s NOT NULL
		);`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS model_versions(
			id TEXT PRIMARY KEY,
			model_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			stage TEXT NOT NULL DEFAULT 'none',
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NULL,
			training_info TEXT NULL,
			artifact_path TEXT NOT NULL,
			onnx_path TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			UNIQUE(model_id, version)
		);`, ts),
		`CREATE INDEX IF NOT EXISTS idx_model_versions_model ON model_versions(model_id);`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tuning_sessions(
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			best_params TEXT NULL,
			created_at %s NOT NULL
		);`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tuning_trials(
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			params TEXT NOT NULL,
			value REAL NOT NULL,
			state TEXT NOT NULL,
			created_at %s NOT NULL
		);`, ts),
		`CREATE INDEX IF NOT EXISTS idx_tuning_trials_session ON tuning_trials(session_id);`,
		`CREATE TABLE IF NOT EXISTS embeddings(
			id TEXT PRIMARY KEY,
			source_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			vector TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_source ON embeddings(source_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLDB) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.queryRow(ctx, `SELECT value FROM settings WHERE key=?;`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *SQLDB) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.exec(ctx, `
		INSERT INTO settings(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, key, value)
	return err
}

func (s *SQLDB) CreatePipeline(ctx context.Context, p Pipeline) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO pipelines(id, name, created_at) VALUES(?, ?, ?);`,
		p.ID, p.Name, p.CreatedAt.UTC())
	return err
}

func (s *SQLDB) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	rows, err := s.query(ctx, `SELECT id, name, created_at FROM pipelines ORDER BY created_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Pipeline, 0)
	for rows.Next() {
		var p Pipeline
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLDB) DeletePipeline(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM runs WHERE pipeline_id=?;`, id); err != nil {
		return err
	}
	return s.affectOne(ctx, `DELETE FROM pipelines WHERE id=?;`, id)
}

func (s *SQLDB) CreateRun(ctx context.Context, r Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(emptyIfNil(r.Tags))
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO runs(id, pipeline_id, display_name, status, target_column, experiment_id, notes, tags, metrics, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID, r.PipelineID, r.DisplayName, r.Status, r.TargetColumn,
		nullStr(r.ExperimentID), r.Notes, string(tags), nullRaw(r.Metrics), r.CreatedAt.UTC())
	return err
}

const runCols = `id, pipeline_id, display_name, status, target_column, experiment_id, notes, tags, metrics, created_at`

func (s *SQLDB) GetRun(ctx context.Context, id string) (Run, error) {
	rows, err := s.query(ctx, `SELECT `+runCols+` FROM runs WHERE id=?;`, id)
	if err != nil {
		return Run{}, err
	}
	defer func() { _ = rows.Close() }()
	runs, err := scanRuns(rows)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNotFound
	}
	return runs[0], nil
}

func (s *SQLDB) ListRuns(ctx context.Context, pipelineID string) ([]Run, error) {
	q := `SELECT ` + runCols + ` FROM runs ORDER BY created_at DESC;`
	args := []any{}
	if pipelineID != "" {
		q = `SELECT ` + runCols + ` FROM runs WHERE pipeline_id=? ORDER BY created_at DESC;`
		args = append(args, pipelineID)
	}
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	out := make([]Run, 0)
	for rows.Next() {
		var (
			r       Run
			expID   sql.NullString
			tags    string
			metrics sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.PipelineID, &r.DisplayName, &r.Status, &r.TargetColumn,
			&expID, &r.Notes, &tags, &metrics, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.ExperimentID = expID.String
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("run %s tags: %w", r.ID, err)
		}
		if metrics.Valid {
			r.Metrics = json.RawMessage(metrics.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLDB) UpdateRunStatus(ctx context.Context, id, status string) error {
	return s.affectOne(ctx, `UPDATE runs SET status=? WHERE id=?;`, status, id)
}

func (s *SQLDB) SetRunMetrics(ctx context.Context, id string, metrics json.RawMessage) error {
	return s.affectOne(ctx, `UPDATE runs SET metrics=? WHERE id=?;`, nullRaw(metrics), id)
}

func (s *SQLDB) SetRunNotes(ctx context.Context, id, notes string) error {
	return s.affectOne(ctx, `UPDATE runs SET notes=? WHERE id=?;`, notes, id)
}

func (s *SQLDB) SetRunTags(ctx context.Context, id string, tags []string) error {
	b, err := json.Marshal(emptyIfNil(tags))
	if err != nil {
		return err
	}
	return s.affectOne(ctx, `UPDATE runs SET tags=? WHERE id=?;`, string(b), id)
}

func (s *SQLDB) RenameRun(ctx context.Context, id, displayName string) error {
	return s.affectOne(ctx, `UPDATE runs SET display_name=? WHERE id=?;`, displayName, id)
}

func (s *SQLDB) AssignRunExperiment(ctx context.Context, id, experimentID string) error {
	return s.affectOne(ctx, `UPDATE runs SET experiment_id=? WHERE id=?;`, nullStr(experimentID), id)
}

func (s *SQLDB) DeleteRun(ctx context.Context, id string) error {
	return s.affectOne(ctx, `DELETE FROM runs WHERE id=?;`, id)
}

func (s *SQLDB) CreateExperiment(ctx context.Context, e Experiment) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO experiments(id, name, description, created_at) VALUES(?, ?, ?, ?);`,
		e.ID, e.Name, e.Description, e.CreatedAt.UTC())
	return err
}

func (s *SQLDB) ListExperiments(ctx context.Context) ([]Experiment, error) {
	rows, err := s.query(ctx, `SELECT id, name, description, created_at FROM experiments ORDER BY created_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Experiment, 0)
	for rows.Next() {
		var e Experiment
		if err := rows.Scan(&e.ID, &e.Name, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLDB) DeleteExperiment(ctx context.Context, id string) error {
	// runs keep existing, just unassigned
	if _, err := s.exec(ctx, `UPDATE runs SET experiment_id=NULL WHERE experiment_id=?;`, id); err != nil {
		return err
	}
	return s.affectOne(ctx, `DELETE FROM experiments WHERE id=?;`, id)
}

func (s *SQLDB) CreateModel(ctx context.Context, m Model) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO models(id, name, task_type, created_at) VALUES(?, ?, ?, ?);`,
		m.ID, m.Name, m.TaskType, m.CreatedAt.UTC())
	return err
}

func (s *SQLDB) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.query(ctx, `SELECT id, name, task_type, created_at FROM models ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]Model, 0)
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.Name, &m.TaskType, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLDB) DeleteModel(ctx context.Context, id string) error {
	if _, err := s.exec(ctx, `DELETE FROM model_versions WHERE model_id=?;`, id); err != nil {
		return err
	}
	return s.affectOne(ctx, `DELETE FROM models WHERE id=?;`, id)
}

func (s *SQLDB) CreateVersion(ctx context.Context, v ModelVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Stage == "" {
		v.Stage = StageNone
	}
	if v.Version == 0 {
		next, err := s.nextVersion(ctx, v.ModelID)
		if err != nil {
			return err
		}
		v.Version = next
	}
	tags, err := json.Marshal(emptyIfNil(v.Tags))
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO model_versions(id, model_id, version, run_id, stage, tags, metadata, training_info, artifact_path, onnx_path, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		v.ID, v.ModelID, v.Version, v.RunID, v.Stage, string(tags),
		nullRaw(v.Metadata), nullRaw(v.TrainingInfo), v.ArtifactPath, v.ONNXPath, v.CreatedAt.UTC())
	return err
}

func (s *SQLDB) nextVersion(ctx context.Context, modelID string) (int, error) {
	var maxV sql.NullInt64
	err := s.queryRow(ctx, `SELECT MAX(version) FROM model_versions WHERE model_id=?;`, modelID).Scan(&maxV)
	if err != nil {
		return 0, err
	}
	return int(maxV.Int64) + 1, nil
}

const versionCols = `id, model_id, version, run_id, stage, tags, metadata, training_info, artifact_path, onnx_path, created_at`

func (s *SQLDB) GetVersion(ctx context.Context, id string) (ModelVersion, error) {
	rows, err := s.query(ctx, `SELECT `+versionCols+` FROM model_versions WHERE id=?;`, id)
	if err != nil {
		return ModelVersion{}, err
	}
	defer func() { _ = rows.Close() }()
	vs, err := scanVersions(rows)
	if err != nil {
		return ModelVersion{}, err
	}
	if len(vs) == 0 {
		return ModelVersion{}, ErrNotFound
	}
	return vs[0], nil
}

func (s *SQLDB) ListVersions(ctx context.Context, modelID string) ([]ModelVersion, error) {
	rows, err := s.query(ctx, `SELECT `+versionCols+` FROM model_versions WHERE model_id=? ORDER BY version DESC;`, modelID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanVersions(rows)
}

func scanVersions(rows *sql.Rows) ([]ModelVersion, error) {
	out := make([]ModelVersion, 0)
	for rows.Next() {
		var (
			v          ModelVersion
			tags       string
			meta, info sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.ModelID, &v.Version, &v.RunID, &v.Stage, &tags,
			&meta, &info, &v.ArtifactPath, &v.ONNXPath, &v.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &v.Tags); err != nil {
			return nil, fmt.Errorf("version %s tags: %w", v.ID, err)
		}
		if meta.Valid {
			v.Metadata = json.RawMessage(meta.String)
		}
		if info.Valid {
			v.TrainingInfo = json.RawMessage(info.String)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PromoteVersion moves a version to the given stage. Promoting to
// production demotes the model's current production version to staging
// so at most one production version exists per model.
func (s *SQLDB) PromoteVersion(ctx context.Context, id, stage string) error {
	switch stage {
	case StageNone, StageStaging, StageProduction:
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
	v, err := s.GetVersion(ctx, id)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if stage == StageProduction {
		if _, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE model_versions SET stage=? WHERE model_id=? AND stage=?;`),
			StageStaging, v.ModelID, StageProduction); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`UPDATE model_versions SET stage=? WHERE id=?;`), stage, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLDB) SetVersionTags(ctx context.Context, id string, tags []string) error {
	b, err := json.Marshal(emptyIfNil(tags))
	if err != nil {
		return err
	}
	return s.affectOne(ctx, `UPDATE model_versions SET tags=? WHERE id=?;`, string(b), id)
}

func (s *SQLDB) SetVersionMetadata(ctx context.Context, id string, meta json.RawMessage) error {
	return s.affectOne(ctx, `UPDATE model_versions SET metadata=? WHERE id=?;`, nullRaw(meta), id)
}

// CompareVersions fetches the named versions in the order given.
// Unknown ids are skipped rather than failing the whole comparison.
func (s *SQLDB) CompareVersions(ctx context.Context, ids []string) ([]ModelVersion, error) {
	out := make([]ModelVersion, 0, len(ids))
	for _, id := range ids {
		v, err := s.GetVersion(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *SQLDB) DeleteVersion(ctx context.Context, id string) error {
	return s.affectOne(ctx, `DELETE FROM model_versions WHERE id=?;`, id)
}

func (s *SQLDB) CreateTuningSession(ctx context.Context, sess TuningSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO tuning_sessions(id, run_id, status, best_params, created_at) VALUES(?, ?, ?, ?, ?);`,
		sess.ID, sess.RunID, sess.Status, nullRaw(sess.BestParams), sess.CreatedAt.UTC())
	return err
}

func (s *SQLDB) AddTuningTrial(ctx context.Context, tr TuningTrial) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO tuning_trials(id, session_id, number, params, value, state, created_at) VALUES(?, ?, ?, ?, ?, ?, ?);`,
		tr.ID, tr.SessionID, tr.Number, string(tr.Params), tr.Value, tr.State, tr.CreatedAt.UTC())
	return err
}

func (s *SQLDB) ListTuningTrials(ctx context.Context, sessionID string) ([]TuningTrial, error) {
	rows, err := s.query(ctx, `SELECT id, session_id, number, params, value, state, created_at FROM tuning_trials WHERE session_id=? ORDER BY number;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make([]TuningTrial, 0)
	for rows.Next() {
		var (
			tr     TuningTrial
			params string
		)
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.Number, &params, &tr.Value, &tr.State, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.Params = json.RawMessage(params)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *SQLDB) FinishTuningSession(ctx context.Context, id, status string, best json.RawMessage) error {
	return s.affectOne(ctx, `UPDATE tuning_sessions SET status=?, best_params=? WHERE id=?;`, status, nullRaw(best), id)
}

func (s *SQLDB) AddEmbedding(ctx context.Context, e Embedding) error {
	vec, err := json.Marshal(e.Vector)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO embeddings(id, source_id, chunk_index, content, vector) VALUES(?, ?, ?, ?, ?);`,
		e.ID, e.SourceID, e.ChunkIndex, e.Content, string(vec))
	return err
}

// SearchEmbeddings ranks every stored chunk by cosine similarity to the
// query. Linear scan; fine at desktop-app scale.
func (s *SQLDB) SearchEmbeddings(ctx context.Context, query []float32, topK int) ([]EmbeddingMatch, error) {
	if topK <= 0 {
		topK = 5
	}
	rows, err := s.query(ctx, `SELECT id, source_id, chunk_index, content, vector FROM embeddings;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	matches := make([]EmbeddingMatch, 0)
	for rows.Next() {
		var (
			e   Embedding
			vec string
		)
		if err := rows.Scan(&e.ID, &e.SourceID, &e.ChunkIndex, &e.Content, &vec); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(vec), &e.Vector); err != nil {
			return nil, fmt.Errorf("embedding %s vector: %w", e.ID, err)
		}
		matches = append(matches, EmbeddingMatch{Embedding: e, Score: CosineSimilarity(query, e.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *SQLDB) DeleteEmbeddings(ctx context.Context, sourceID string) error {
	_, err := s.exec(ctx, `DELETE FROM embeddings WHERE source_id=?;`, sourceID)
	return err
}

// affectOne runs a statement that must touch exactly one row and maps
// zero rows to ErrNotFound.
func (s *SQLDB) affectOne(ctx context.Context, q string, args ...any) error {
	res, err := s.exec(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

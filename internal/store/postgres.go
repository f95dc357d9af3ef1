package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/audiencelab/threadscout/internal/db"
	"github.com/audiencelab/threadscout/internal/model"
)

// PostgresStore implements SearchStore using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO search_runs (id, audience, questions, status, params, experiment, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
	"update_run_status": `UPDATE search_runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"complete_run":      `UPDATE search_runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
	"fail_run":          `UPDATE search_runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
	"get_run":           `SELECT id, audience, questions, status, params, experiment, result, error, created_at, updated_at FROM search_runs WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
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
CREATE TABLE IF NOT EXISTS search_runs (
	id         TEXT PRIMARY KEY,
	audience   TEXT NOT NULL,
	questions  JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	params     JSONB NOT NULL,
	experiment JSONB NOT NULL,
	result     JSONB,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS search_posts (
	id            BIGSERIAL PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES search_runs(id),
	post_id       TEXT NOT NULL,
	subreddit     TEXT NOT NULL,
	title         TEXT NOT NULL,
	permalink     TEXT NOT NULL,
	score         INTEGER NOT NULL,
	similarity    DOUBLE PRECISION NOT NULL,
	tier          TEXT NOT NULL,
	justification TEXT,
	payload       JSONB NOT NULL,
	UNIQUE (run_id, post_id)
);

CREATE INDEX IF NOT EXISTS idx_search_runs_status ON search_runs(status);
CREATE INDEX IF NOT EXISTS idx_search_runs_created_at ON search_runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_search_posts_run_id ON search_posts(run_id);
CREATE INDEX IF NOT EXISTS idx_search_posts_run_tier ON search_posts(run_id, tier);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
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

// CreateRun inserts the run, filling in ID, status, and timestamps when unset.
func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	fillRunDefaults(run)

	questionsJSON, err := json.Marshal(run.Questions)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal questions")
	}
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal params")
	}
	experimentJSON, err := json.Marshal(run.Experiment)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal experiment")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO search_runs (id, audience, questions, status, params, experiment, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Audience, questionsJSON, string(run.Status), paramsJSON, experimentJSON, run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE search_runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE search_runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(model.RunStatusFailed), message, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var questionsJSON, paramsJSON, experimentJSON []byte
	var resultJSON *[]byte
	var errMsg *string

	err := s.pool.QueryRow(ctx,
		`SELECT id, audience, questions, status, params, experiment, result, error, created_at, updated_at FROM search_runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.Audience, &questionsJSON, &r.Status, &paramsJSON, &experimentJSON, &resultJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if err := unmarshalRunColumns(&r, questionsJSON, paramsJSON, experimentJSON, resultJSON); err != nil {
		return nil, err
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, audience, questions, status, params, experiment, result, error, created_at, updated_at FROM search_runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var questionsJSON, paramsJSON, experimentJSON []byte
		var resultJSON *[]byte
		var errMsg *string

		if err := rows.Scan(&r.ID, &r.Audience, &questionsJSON, &r.Status, &paramsJSON, &experimentJSON, &resultJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if err := unmarshalRunColumns(&r, questionsJSON, paramsJSON, experimentJSON, resultJSON); err != nil {
			return nil, err
		}
		if errMsg != nil {
			r.Error = *errMsg
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// savePostColumns is the search_posts column order used by SavePosts.
var savePostColumns = []string{"run_id", "post_id", "subreddit", "title", "permalink", "score", "similarity", "tier", "justification", "payload"}

func (s *PostgresStore) SavePosts(ctx context.Context, runID string, posts []model.GatedPost) error {
	rows := make([][]any, 0, len(posts))
	for _, p := range posts {
		payload, err := json.Marshal(p)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal post %s", p.ID)
		}
		rows = append(rows, []any{runID, p.ID, p.Subreddit, p.Title, p.Permalink, p.Score, p.Similarity, string(p.Tier), p.Justification, payload})
	}

	if _, err := db.CopyFrom(ctx, s.pool, "search_posts", savePostColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: save posts for run %s", runID)
	}
	return nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, runID string) ([]model.GatedPost, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM search_posts WHERE run_id = $1 ORDER BY similarity DESC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list posts for run %s", runID)
	}
	defer rows.Close()

	var posts []model.GatedPost
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan post")
		}
		var p model.GatedPost
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal post")
		}
		posts = append(posts, p)
	}
	return posts, eris.Wrap(rows.Err(), "postgres: list posts iterate")
}

// fillRunDefaults assigns ID, status, and timestamps on runs created without them.
func fillRunDefaults(run *model.Run) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = model.RunStatusQueued
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
}

func unmarshalRunColumns(r *model.Run, questionsJSON, paramsJSON, experimentJSON []byte, resultJSON *[]byte) error {
	if err := json.Unmarshal(questionsJSON, &r.Questions); err != nil {
		return eris.Wrap(err, "postgres: unmarshal questions")
	}
	if err := json.Unmarshal(paramsJSON, &r.Params); err != nil {
		return eris.Wrap(err, "postgres: unmarshal params")
	}
	if err := json.Unmarshal(experimentJSON, &r.Experiment); err != nil {
		return eris.Wrap(err, "postgres: unmarshal experiment")
	}
	if resultJSON != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
			return eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	return nil
}

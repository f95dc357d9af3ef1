package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/audiencelab/threadscout/internal/model"
)

// SQLiteStore implements SearchStore using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS search_runs (
	id         TEXT PRIMARY KEY,
	audience   TEXT NOT NULL,
	questions  TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	params     TEXT NOT NULL,
	experiment TEXT NOT NULL,
	result     TEXT,
	error      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS search_posts (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL REFERENCES search_runs(id),
	post_id       TEXT NOT NULL,
	subreddit     TEXT NOT NULL,
	title         TEXT NOT NULL,
	permalink     TEXT NOT NULL,
	score         INTEGER NOT NULL,
	similarity    REAL NOT NULL,
	tier          TEXT NOT NULL,
	justification TEXT,
	payload       TEXT NOT NULL,
	UNIQUE (run_id, post_id)
);

CREATE INDEX IF NOT EXISTS idx_search_runs_status ON search_runs(status);
CREATE INDEX IF NOT EXISTS idx_search_posts_run_id ON search_posts(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts the run, filling in ID, status, and timestamps when unset.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	fillRunDefaults(run)

	questionsJSON, err := json.Marshal(run.Questions)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal questions")
	}
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal params")
	}
	experimentJSON, err := json.Marshal(run.Experiment)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal experiment")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_runs (id, audience, questions, status, params, experiment, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Audience, string(questionsJSON), string(run.Status), string(paramsJSON), string(experimentJSON), run.CreatedAt, run.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE search_runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(model.RunStatusComplete), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE search_runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(model.RunStatusFailed), message, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, audience, questions, status, params, experiment, result, error, created_at, updated_at FROM search_runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if eris.Is(err, ErrNotFound) {
			return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
		}
		return nil, err
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, audience, questions, status, params, experiment, result, error, created_at, updated_at FROM search_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SavePosts(ctx context.Context, runID string, posts []model.GatedPost) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO search_posts (run_id, post_id, subreddit, title, permalink, score, similarity, tier, justification, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert post")
	}
	defer stmt.Close() //nolint:errcheck

	for _, p := range posts {
		payload, err := json.Marshal(p)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal post %s", p.ID)
		}
		if _, err := stmt.ExecContext(ctx, runID, p.ID, p.Subreddit, p.Title, p.Permalink, p.Score, p.Similarity, string(p.Tier), p.Justification, string(payload)); err != nil {
			return eris.Wrapf(err, "sqlite: insert post %s", p.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit posts")
}

func (s *SQLiteStore) ListPosts(ctx context.Context, runID string) ([]model.GatedPost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM search_posts WHERE run_id = ? ORDER BY similarity DESC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list posts for run %s", runID)
	}
	defer rows.Close()

	var posts []model.GatedPost
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan post")
		}
		var p model.GatedPost
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal post")
		}
		posts = append(posts, p)
	}
	return posts, eris.Wrap(rows.Err(), "sqlite: list posts iterate")
}

// helpers

func checkRowsAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var questionsJSON, paramsJSON, experimentJSON string
	var resultJSON, errMsg sql.NullString

	err := row.Scan(&r.ID, &r.Audience, &questionsJSON, &r.Status, &paramsJSON, &experimentJSON, &resultJSON, &errMsg, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(questionsJSON), &r.Questions); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal questions")
	}
	if err := json.Unmarshal([]byte(paramsJSON), &r.Params); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal params")
	}
	if err := json.Unmarshal([]byte(experimentJSON), &r.Experiment); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal experiment")
	}
	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	return &r, nil
}

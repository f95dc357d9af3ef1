// Package store persists search runs and the posts that survive them.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/audiencelab/threadscout/internal/model"
)

// ErrNotFound is returned when a run ID has no matching row. Callers that
// surface HTTP 404s discriminate on it with eris.Is.
var ErrNotFound = eris.New("store: not found")

// RunFilter narrows ListRuns results.
type RunFilter struct {
	Status model.RunStatus
	Limit  int
	Offset int
}

// SearchStore defines the persistence interface for the discovery funnel.
// The funnel treats every mid-run write as best-effort: a failing store
// never fails a search.
type SearchStore interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	CompleteRun(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, message string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Posts
	SavePosts(ctx context.Context, runID string, posts []model.GatedPost) error
	ListPosts(ctx context.Context, runID string) ([]model.GatedPost, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open constructs the backend named by driver. An empty driver selects SQLite.
func Open(ctx context.Context, driver, dsn string) (SearchStore, error) {
	switch driver {
	case "postgres":
		return NewPostgres(ctx, dsn)
	case "sqlite", "":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

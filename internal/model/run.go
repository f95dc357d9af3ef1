package model

import (
	"time"

	"github.com/audiencelab/threadscout/internal/cost"
)

// RunStatus represents the current state of a search run.
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusExpanding   RunStatus = "expanding"
	RunStatusRetrieving  RunStatus = "retrieving"
	RunStatusPruning     RunStatus = "pruning"
	RunStatusHydrating   RunStatus = "hydrating"
	RunStatusClassifying RunStatus = "classifying"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
)

// Run represents one end-to-end funnel execution.
type Run struct {
	ID         string           `json:"id"`
	Audience   string           `json:"audience"`
	Questions  []string         `json:"questions"`
	Status     RunStatus        `json:"status"`
	Params     SearchRequest    `json:"params"`
	Experiment ExperimentConfig `json:"experiment"`
	Result     *RunResult       `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RunResult holds the final outcome of a completed run.
type RunResult struct {
	PostsReturned int            `json:"posts_returned"`
	Stats         PipelineStats  `json:"stats"`
	Cost          cost.Breakdown `json:"cost"`
}

// SearchResult is the response of one funnel run: the surviving posts
// (IRRELEVANT excluded) plus the full stats and cost picture.
type SearchResult struct {
	RunID string         `json:"run_id"`
	Posts []GatedPost    `json:"posts"`
	Stats PipelineStats  `json:"stats"`
	Cost  cost.Breakdown `json:"cost"`
}

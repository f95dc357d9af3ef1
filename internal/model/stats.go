package model

// StageStatus is the outcome of one pipeline stage.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
)

// StageResult records timing and outcome for one stage of a run.
type StageResult struct {
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	DurationMS int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// ClassificationStats counts gate outcomes per tier. Irrelevant posts are
// excluded from the returned set but still counted here.
type ClassificationStats struct {
	HighValue     int `json:"high_value"`
	ModerateValue int `json:"moderate_value"`
	LowValue      int `json:"low_value"`
	Irrelevant    int `json:"irrelevant"`
}

// APICallStats counts external calls per stage.
type APICallStats struct {
	Search         int `json:"search"`
	Embedding      int `json:"embedding"`
	Hydration      int `json:"hydration"`
	Classification int `json:"classification"`
}

// PipelineStats aggregates per-stage counters for one run. The surviving-set
// counters shrink monotonically through the funnel:
// RawFetched >= AfterEmbed >= AfterHydrate >= AfterGate.
type PipelineStats struct {
	QueriesGenerated     int                 `json:"queries_generated"`
	RawFetched           int                 `json:"raw_fetched"`
	Duplicates           int                 `json:"duplicates"`
	AfterNormalize       int                 `json:"after_normalize"`
	AfterEmbed           int                 `json:"after_embed"`
	AfterHydrate         int                 `json:"after_hydrate"`
	FailedHydrations     int                 `json:"failed_hydrations"`
	TotalCommentsFetched int                 `json:"total_comments_fetched"`
	AfterGate            int                 `json:"after_gate"`
	Classifications      ClassificationStats `json:"classifications"`
	APICalls             APICallStats        `json:"api_calls"`
	Stages               []StageResult       `json:"stages,omitempty"`
	ElapsedMS            int64               `json:"elapsed_ms"`
}

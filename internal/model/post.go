package model

import (
	"strings"
	"time"
)

// Tier is the relevance classification assigned by the final gate.
type Tier string

const (
	TierHigh       Tier = "HIGH"
	TierModerate   Tier = "MODERATE"
	TierLow        Tier = "LOW"
	TierIrrelevant Tier = "IRRELEVANT"
)

// ParseTier maps a classifier answer onto a known tier. The boolean is false
// when the answer matches no tier.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierHigh:
		return TierHigh, true
	case TierModerate:
		return TierModerate, true
	case TierLow:
		return TierLow, true
	case TierIrrelevant:
		return TierIrrelevant, true
	}
	return "", false
}

// RawPost is a submission as returned by the search source. Identity key is
// ID; duplicates across queries collapse to the first occurrence.
type RawPost struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Author      string  `json:"author"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	Score       int     `json:"score"`
	CreatedUTC  int64   `json:"created_utc"`
	NumComments int     `json:"num_comments"`
	Permalink   string  `json:"permalink"`
	UpvoteRatio float64 `json:"upvote_ratio,omitempty"`
	NSFW        bool    `json:"nsfw,omitempty"`
	Spoiler     bool    `json:"spoiler,omitempty"`
}

// CreatedAt converts the source epoch seconds to a time.Time.
func (p RawPost) CreatedAt() time.Time {
	return time.Unix(p.CreatedUTC, 0).UTC()
}

// ProcessedPost is a RawPost with normalized text fields and a derived
// snippet. 1:1 with its surviving RawPost.
type ProcessedPost struct {
	RawPost
	Snippet string `json:"snippet"`
}

// EmbeddedPost carries the similarity of a processed post against the
// combined query vector. The vector itself is ephemeral and never stored
// on the post.
type EmbeddedPost struct {
	ProcessedPost
	Similarity float64 `json:"similarity"`
}

// Comment is one node of a hydrated comment subtree.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	Score  int    `json:"score"`
	Depth  int    `json:"depth"`
}

// HydratedPost is an embedded post plus full body text and its comment
// subtree, with the hydration outcome recorded.
type HydratedPost struct {
	EmbeddedPost
	Comments   []Comment `json:"comments,omitempty"`
	Failed     bool      `json:"failed,omitempty"`
	FailReason string    `json:"fail_reason,omitempty"`
}

// GatedPost is the final funnel output: a hydrated post with its tier and a
// short justification. ClassifyError is set when the classification call
// failed and the post was defaulted to LOW.
type GatedPost struct {
	HydratedPost
	Tier          Tier   `json:"tier"`
	Justification string `json:"justification"`
	ClassifyError string `json:"classify_error,omitempty"`
}

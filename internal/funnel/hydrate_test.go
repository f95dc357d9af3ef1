package funnel

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiencelab/threadscout/internal/model"
	"github.com/audiencelab/threadscout/internal/workpool"
	"github.com/audiencelab/threadscout/pkg/reddit"
)

func embeddedPost(id string) model.EmbeddedPost {
	return model.EmbeddedPost{
		ProcessedPost: model.ProcessedPost{
			RawPost: model.RawPost{ID: id, Subreddit: "sub", Title: "title " + id, Body: "stale body"},
		},
		Similarity: 0.9,
	}
}

func TestHydrator_Hydrate_FlattensTreeInThreadOrder(t *testing.T) {
	source := &stubSource{commentsFn: func(_, _ string, _ reddit.CommentOptions) (*reddit.CommentsResponse, error) {
		return &reddit.CommentsResponse{
			APICalls: 1,
			Comments: []reddit.Comment{
				{Author: "first", Body: "top comment", Score: 10, Replies: []reddit.Comment{
					{Author: "second", Body: "nested reply", Score: 4, Replies: []reddit.Comment{
						{Author: "third", Body: "deeper reply", Score: 2, Replies: []reddit.Comment{
							{Author: "fourth", Body: "past the depth bound", Score: 9},
						}},
					}},
				}},
				{Author: "fifth", Body: "second thread", Score: 6},
			},
		}, nil
	}}

	h := NewHydrator(source, workpool.New(2), newTestMeter(), 100, 3, 1)
	stats := &model.PipelineStats{}

	posts, err := h.Hydrate(context.Background(), []model.EmbeddedPost{embeddedPost("aaa")}, stats)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	comments := posts[0].Comments
	require.Len(t, comments, 4)
	assert.Equal(t, []string{"first", "second", "third", "fifth"}, []string{
		comments[0].Author, comments[1].Author, comments[2].Author, comments[3].Author,
	})
	assert.Equal(t, []int{0, 1, 2, 0}, []int{
		comments[0].Depth, comments[1].Depth, comments[2].Depth, comments[3].Depth,
	})
	assert.Equal(t, 4, stats.TotalCommentsFetched)
}

func TestHydrator_Hydrate_ScoreFloorPrunesSubtree(t *testing.T) {
	source := &stubSource{commentsFn: func(_, _ string, _ reddit.CommentOptions) (*reddit.CommentsResponse, error) {
		return &reddit.CommentsResponse{
			APICalls: 1,
			Comments: []reddit.Comment{
				{Author: "downvoted", Body: "bad take", Score: -5, Replies: []reddit.Comment{
					{Author: "orphan", Body: "great reply to a bad take", Score: 50},
				}},
				{Author: "fine", Body: "solid advice", Score: 3},
			},
		}, nil
	}}

	h := NewHydrator(source, workpool.New(2), newTestMeter(), 100, 3, 1)

	posts, err := h.Hydrate(context.Background(), []model.EmbeddedPost{embeddedPost("aaa")}, &model.PipelineStats{})
	require.NoError(t, err)
	require.Len(t, posts, 1)

	require.Len(t, posts[0].Comments, 1)
	assert.Equal(t, "fine", posts[0].Comments[0].Author)
}

func TestHydrator_Hydrate_CapsCommentCount(t *testing.T) {
	tree := make([]reddit.Comment, 10)
	for i := range tree {
		tree[i] = reddit.Comment{Author: "a", Body: "comment", Score: 5}
	}
	source := &stubSource{commentsFn: func(_, _ string, _ reddit.CommentOptions) (*reddit.CommentsResponse, error) {
		return &reddit.CommentsResponse{APICalls: 1, Comments: tree}, nil
	}}

	h := NewHydrator(source, workpool.New(2), newTestMeter(), 3, 3, 1)

	posts, err := h.Hydrate(context.Background(), []model.EmbeddedPost{embeddedPost("aaa")}, &model.PipelineStats{})
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Len(t, posts[0].Comments, 3)
}

func TestHydrator_Hydrate_DeletedCommentSkippedButRepliesKept(t *testing.T) {
	source := &stubSource{commentsFn: func(_, _ string, _ reddit.CommentOptions) (*reddit.CommentsResponse, error) {
		return &reddit.CommentsResponse{
			APICalls: 1,
			Comments: []reddit.Comment{
				{Author: "[deleted]", Body: "[deleted]", Score: 8, Replies: []reddit.Comment{
					{Author: "survivor", Body: "still useful context", Score: 4},
				}},
			},
		}, nil
	}}

	h := NewHydrator(source, workpool.New(2), newTestMeter(), 100, 3, 1)

	posts, err := h.Hydrate(context.Background(), []model.EmbeddedPost{embeddedPost("aaa")}, &model.PipelineStats{})
	require.NoError(t, err)
	require.Len(t, posts, 1)

	require.Len(t, posts[0].Comments, 1)
	assert.Equal(t, "survivor", posts[0].Comments[0].Author)
	assert.Equal(t, 1, posts[0].Comments[0].Depth)
}

func TestHydrator_Hydrate_FailureIsolatedAndCounted(t *testing.T) {
	source := &stubSource{commentsFn: func(_, postID string, _ reddit.CommentOptions) (*reddit.CommentsResponse, error) {
		if postID == "bad" {
			return nil, eris.New("reddit: 404")
		}
		return &reddit.CommentsResponse{APICalls: 1}, nil
	}}

	meter := newTestMeter()
	h := NewHydrator(source, workpool.New(2), meter, 100, 3, 1)
	stats := &model.PipelineStats{}

	posts, err := h.Hydrate(context.Background(), []model.EmbeddedPost{embeddedPost("good"), embeddedPost("bad")}, stats)
	require.NoError(t, err)

	require.Len(t, posts, 1)
	assert.Equal(t, "good", posts[0].ID)
	assert.Equal(t, 1, stats.AfterHydrate)
	assert.Equal(t, 1, stats.FailedHydrations)
	assert.Equal(t, 1, stats.APICalls.Hydration)
	assert.Equal(t, int64(1), meter.Breakdown(0).HydrationCalls)
}

func TestHydrator_Hydrate_RefreshedBodyReplacesSnapshot(t *testing.T) {
	source := &stubSource{commentsFn: func(_, postID string, _ reddit.CommentOptions) (*reddit.CommentsResponse, error) {
		return &reddit.CommentsResponse{
			APICalls: 1,
			Post: &reddit.Post{
				ID:          postID,
				SelfText:    "**edit:** the fresh body",
				Score:       77,
				NumComments: 5,
				UpvoteRatio: 0.93,
			},
		}, nil
	}}

	h := NewHydrator(source, workpool.New(2), newTestMeter(), 100, 3, 1)

	posts, err := h.Hydrate(context.Background(), []model.EmbeddedPost{embeddedPost("aaa")}, &model.PipelineStats{})
	require.NoError(t, err)
	require.Len(t, posts, 1)

	assert.Equal(t, "edit: the fresh body", posts[0].Body)
	assert.Equal(t, 77, posts[0].Score)
	assert.Equal(t, 5, posts[0].NumComments)
	assert.InDelta(t, 0.93, posts[0].UpvoteRatio, 1e-9)
}

func TestHydrator_Hydrate_PassesFetchBoundsToSource(t *testing.T) {
	var got reddit.CommentOptions
	source := &stubSource{commentsFn: func(_, _ string, opts reddit.CommentOptions) (*reddit.CommentsResponse, error) {
		got = opts
		return &reddit.CommentsResponse{APICalls: 1}, nil
	}}

	h := NewHydrator(source, workpool.New(1), newTestMeter(), 100, 3, 1)

	_, err := h.Hydrate(context.Background(), []model.EmbeddedPost{embeddedPost("aaa")}, &model.PipelineStats{})
	require.NoError(t, err)

	assert.Equal(t, 100, got.Limit)
	assert.Equal(t, 3, got.Depth)
}

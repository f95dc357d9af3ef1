package reddit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/audiencelab/threadscout/internal/resilience"
)

func fastOpts(srvURL string) []Option {
	return []Option{
		WithBaseURL(srvURL),
		WithRequestsPerMinute(60000, 60000),
		WithRetryPolicy(resilience.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	}
}

func searchPage(ids []string, after string) string {
	children := ""
	for i, id := range ids {
		if i > 0 {
			children += ","
		}
		children += fmt.Sprintf(`{"kind":"t3","data":{
			"id":%q,"subreddit":"freelance","author":"u1",
			"title":"Title %s","selftext":"Body of %s",
			"score":42,"created_utc":1712000000.0,"num_comments":7,
			"permalink":"/r/freelance/comments/%s/x/","upvote_ratio":0.93,
			"over_18":false,"spoiler":false}}`, id, id, id, id)
	}
	return fmt.Sprintf(`{"kind":"Listing","data":{"after":%q,"children":[%s]}}`, after, children)
}

func TestSearchPosts_DecodesListing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.json", r.URL.Path)
		assert.Equal(t, "pricing commissions", r.URL.Query().Get("q"))
		assert.Equal(t, "relevance", r.URL.Query().Get("sort"))
		assert.Equal(t, "year", r.URL.Query().Get("t"))
		assert.Equal(t, "1", r.URL.Query().Get("raw_json"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))

		fmt.Fprint(w, searchPage([]string{"aaa", "bbb"}, ""))
	}))
	defer srv.Close()

	client := NewClient(fastOpts(srv.URL)...)
	resp, err := client.SearchPosts(context.Background(), "pricing commissions", SearchOptions{Limit: 10})

	require.NoError(t, err)
	assert.Equal(t, 1, resp.APICalls)
	require.Len(t, resp.Posts, 2)
	assert.Equal(t, "aaa", resp.Posts[0].ID)
	assert.Equal(t, "freelance", resp.Posts[0].Subreddit)
	assert.Equal(t, "Body of aaa", resp.Posts[0].SelfText)
	assert.Equal(t, 42, resp.Posts[0].Score)
	assert.InDelta(t, 0.93, resp.Posts[0].UpvoteRatio, 1e-9)
}

func TestSearchPosts_PagesUntilLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			assert.Empty(t, r.URL.Query().Get("after"))
			assert.Equal(t, "100", r.URL.Query().Get("limit"))
			ids := make([]string, 100)
			for i := range ids {
				ids[i] = fmt.Sprintf("p%03d", i)
			}
			fmt.Fprint(w, searchPage(ids, "cursor1"))
		case 2:
			assert.Equal(t, "cursor1", r.URL.Query().Get("after"))
			assert.Equal(t, "50", r.URL.Query().Get("limit"))
			ids := make([]string, 50)
			for i := range ids {
				ids[i] = fmt.Sprintf("q%03d", i)
			}
			fmt.Fprint(w, searchPage(ids, "cursor2"))
		default:
			t.Error("unexpected extra page fetch")
		}
	}))
	defer srv.Close()

	client := NewClient(fastOpts(srv.URL)...)
	resp, err := client.SearchPosts(context.Background(), "q", SearchOptions{Limit: 150})

	require.NoError(t, err)
	assert.Equal(t, 2, resp.APICalls)
	assert.Len(t, resp.Posts, 150)
}

func TestSearchPosts_StopsWhenResultsRunOut(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, searchPage([]string{"only"}, ""))
	}))
	defer srv.Close()

	client := NewClient(fastOpts(srv.URL)...)
	resp, err := client.SearchPosts(context.Background(), "q", SearchOptions{Limit: 500})

	require.NoError(t, err)
	assert.Equal(t, 1, resp.APICalls)
	assert.Len(t, resp.Posts, 1)
}

func TestSearchPosts_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, searchPage([]string{"ok"}, ""))
	}))
	defer srv.Close()

	client := NewClient(fastOpts(srv.URL)...)
	resp, err := client.SearchPosts(context.Background(), "q", SearchOptions{Limit: 1})

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, resp.Posts, 1)
}

func TestSearchPosts_SurfacesClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(fastOpts(srv.URL)...)
	_, err := client.SearchPosts(context.Background(), "q", SearchOptions{Limit: 1})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, int32(1), calls.Load(), "4xx responses must not be retried")
}

func TestGetComments_WalksReplyTree(t *testing.T) {
	t.Parallel()

	nested := `{"kind":"Listing","data":{"after":"","children":[
		{"kind":"t1","data":{"author":"child","body":"nested reply","score":3,"replies":""}}
	]}}`
	payload := fmt.Sprintf(`[
		%s,
		{"kind":"Listing","data":{"after":"","children":[
			{"kind":"t1","data":{"author":"top","body":"top comment","score":11,"replies":%s}},
			{"kind":"more","data":{"count":40}}
		]}}
	]`, searchPage([]string{"post1"}, ""), nested)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/freelance/comments/post1.json", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		assert.Equal(t, "3", r.URL.Query().Get("depth"))
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	client := NewClient(fastOpts(srv.URL)...)
	resp, err := client.GetComments(context.Background(), "freelance", "post1", CommentOptions{})

	require.NoError(t, err)
	assert.Equal(t, 1, resp.APICalls)
	require.NotNil(t, resp.Post)
	assert.Equal(t, "post1", resp.Post.ID)

	require.Len(t, resp.Comments, 1, `"more" stubs are not comments`)
	top := resp.Comments[0]
	assert.Equal(t, "top", top.Author)
	assert.Equal(t, 11, top.Score)
	require.Len(t, top.Replies, 1)
	assert.Equal(t, "nested reply", top.Replies[0].Body)
	assert.Empty(t, top.Replies[0].Replies)
}

func TestGetSubredditAbout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/r/freelance/about.json", r.URL.Path)
		fmt.Fprint(w, `{"kind":"t5","data":{
			"display_name":"freelance","title":"Freelance","subscribers":512000,
			"public_description":"For freelancers","over18":false}}`)
	}))
	defer srv.Close()

	client := NewClient(fastOpts(srv.URL)...)
	sub, err := client.GetSubredditAbout(context.Background(), "freelance")

	require.NoError(t, err)
	assert.Equal(t, "freelance", sub.Name)
	assert.Equal(t, 512000, sub.Subscribers)
}

func TestGetSubredditAbout_UnknownName(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Unknown names return a search listing instead of a t5 thing.
		fmt.Fprint(w, `{"kind":"Listing","data":{"children":[]}}`)
	}))
	defer srv.Close()

	client := NewClient(fastOpts(srv.URL)...)
	_, err := client.GetSubredditAbout(context.Background(), "definitely-not-real")

	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrSubredditNotFound))
	assert.Contains(t, err.Error(), "definitely-not-real")
}

func TestAdaptiveLimiter_HalvesOn429AndRecovers(t *testing.T) {
	t.Parallel()

	lim := newAdaptiveLimiter(rate.Limit(10), 5)

	lim.onRateLimit()
	assert.InDelta(t, 5.0, float64(lim.current), 1e-9)

	lim.onRateLimit()
	lim.onRateLimit()
	// Floor is a quarter of the initial rate.
	assert.InDelta(t, 2.5, float64(lim.current), 1e-9)

	for range 10 {
		lim.onSuccess()
	}
	// Ceiling is twice the initial rate.
	assert.InDelta(t, 20.0, float64(lim.current), 1e-9)
}

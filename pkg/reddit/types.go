package reddit

import (
	"bytes"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// Post is a submission as returned by the listing endpoints.
type Post struct {
	ID          string  `json:"id"`
	Subreddit   string  `json:"subreddit"`
	Author      string  `json:"author"`
	Title       string  `json:"title"`
	SelfText    string  `json:"selftext"`
	Score       int     `json:"score"`
	CreatedUTC  float64 `json:"created_utc"`
	NumComments int     `json:"num_comments"`
	Permalink   string  `json:"permalink"`
	URL         string  `json:"url"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	Over18      bool    `json:"over_18"`
	Spoiler     bool    `json:"spoiler"`
}

// Comment is one node of a comment tree. Replies are nested; depth is implied
// by nesting, not carried on the wire.
type Comment struct {
	Author  string
	Body    string
	Score   int
	Replies []Comment
}

// Subreddit is the metadata returned by the about endpoint.
type Subreddit struct {
	Name        string `json:"display_name"`
	Title       string `json:"title"`
	Subscribers int    `json:"subscribers"`
	Description string `json:"public_description"`
	Over18      bool   `json:"over18"`
}

// SearchResponse holds one search operation's results and the number of API
// calls it took (the endpoint pages at 100 results per call).
type SearchResponse struct {
	Posts    []Post
	APICalls int
}

// CommentsResponse holds a hydration fetch: the refreshed post and its
// comment tree.
type CommentsResponse struct {
	Post     *Post
	Comments []Comment
	APICalls int
}

// thing is the kind/data envelope every listing element is wrapped in.
type thing struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

type listing struct {
	Data struct {
		After    string  `json:"after"`
		Children []thing `json:"children"`
	} `json:"data"`
}

type commentData struct {
	Author  string          `json:"author"`
	Body    string          `json:"body"`
	Score   int             `json:"score"`
	Replies json.RawMessage `json:"replies"`
}

func decodePosts(l listing) ([]Post, error) {
	posts := make([]Post, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		var p Post
		if err := json.Unmarshal(child.Data, &p); err != nil {
			return nil, eris.Wrap(err, "reddit: decode post")
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// decodeComments walks a comment listing. The API encodes a leaf's Replies
// field as the empty string instead of an object, and interleaves "more"
// stubs that are not comments; both are handled here.
func decodeComments(l listing) ([]Comment, error) {
	comments := make([]Comment, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		if child.Kind != "t1" {
			continue
		}
		var cd commentData
		if err := json.Unmarshal(child.Data, &cd); err != nil {
			return nil, eris.Wrap(err, "reddit: decode comment")
		}

		c := Comment{Author: cd.Author, Body: cd.Body, Score: cd.Score}
		if len(cd.Replies) > 0 && !bytes.Equal(cd.Replies, []byte(`""`)) && !bytes.Equal(cd.Replies, []byte(`null`)) {
			var nested listing
			if err := json.Unmarshal(cd.Replies, &nested); err != nil {
				return nil, eris.Wrap(err, "reddit: decode replies")
			}
			replies, err := decodeComments(nested)
			if err != nil {
				return nil, err
			}
			c.Replies = replies
		}
		comments = append(comments, c)
	}
	return comments, nil
}

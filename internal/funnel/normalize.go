package funnel

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/audiencelab/threadscout/internal/model"
)

// snippetLength bounds the embedding snippet in runes.
const snippetLength = 280

var (
	markdownLink = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownMark = strings.NewReplacer("**", "", "~~", "", "`", "", "​", "")
)

// NormalizePosts cleans every post into its canonical processed shape and
// drops the ones with nothing to embed (empty title and empty body). Pure and
// idempotent: normalizing an already-normalized post changes nothing.
func NormalizePosts(posts []model.RawPost) []model.ProcessedPost {
	out := make([]model.ProcessedPost, 0, len(posts))
	for _, p := range posts {
		p.Title = normalizeText(p.Title)
		p.Body = normalizeText(p.Body)
		if p.Title == "" && p.Body == "" {
			continue
		}
		out = append(out, model.ProcessedPost{
			RawPost: p,
			Snippet: snippet(p.Body, p.Title),
		})
	}
	return out
}

// normalizeText canonicalizes user-written text: NFC normalization, markdown
// artifacts stripped, control characters removed, whitespace collapsed to
// single spaces.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	// Nested links unwrap one layer per replacement; iterate to a fixpoint so
	// no link syntax survives.
	for {
		next := markdownLink.ReplaceAllString(s, "$1")
		if next == s {
			break
		}
		s = next
	}
	s = markdownMark.Replace(s)
	s = strings.ReplaceAll(s, "*", "")

	// Quote and heading markers only matter at line starts; strip them before
	// newlines are collapsed away. "> > x" style chains need the same
	// fixpoint treatment.
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		for {
			trimmed := strings.TrimLeft(strings.TrimSpace(line), ">#")
			if trimmed == line {
				break
			}
			line = trimmed
		}
		lines[i] = line
	}
	s = strings.Join(lines, " ")

	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)

	return strings.Join(strings.Fields(s), " ")
}

// snippet returns the short text used for embedding: the body's head, or the
// title when the body is empty.
func snippet(body, title string) string {
	s := body
	if s == "" {
		s = title
	}
	return truncateRunes(s, snippetLength)
}

// truncateRunes bounds s to n runes without splitting a multibyte character.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

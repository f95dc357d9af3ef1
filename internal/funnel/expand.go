package funnel

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"

	"github.com/audiencelab/threadscout/internal/model"
)

// ErrNoQueries means expansion produced nothing searchable, which makes the
// whole run pointless. It aborts the run before any network call.
var ErrNoQueries = eris.New("expand: no queries generated")

// stopWords are dropped during atom extraction. The list is deliberately
// small; over-aggressive filtering turns "what do you struggle with" into
// nothing at all.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "can": {}, "do": {}, "does": {},
	"did": {}, "for": {}, "from": {}, "get": {}, "has": {}, "have": {},
	"how": {}, "i": {}, "if": {}, "in": {}, "is": {}, "it": {},
	"my": {}, "of": {}, "on": {}, "or": {}, "our": {}, "should": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "they": {},
	"this": {}, "to": {}, "use": {}, "was": {}, "we": {}, "what": {},
	"when": {}, "where": {}, "which": {}, "who": {}, "why": {},
	"will": {}, "with": {}, "would": {}, "you": {}, "your": {},
}

// queryModifiers are the qualifier suffixes appended to each base query, per
// strategy. The empty modifier keeps the bare query in the set. The broad
// strategy chases discussion-style posts; the focused strategy restricts to
// self posts, where first-person accounts live.
var queryModifiers = map[string][]string{
	model.StrategyBroad:   {"", "advice", "experiences", "recommendations"},
	model.StrategyFocused: {"", "self:yes"},
}

// ExtractAtoms reduces the audience phrase and each research question to its
// content words: lowercased, punctuation stripped, stop words removed.
// Ordering follows first appearance and duplicates collapse, so identical
// input always yields the identical atom list.
func ExtractAtoms(audience string, questions []string) []string {
	atoms := make([]string, 0, len(questions)+1)
	seen := make(map[string]struct{})
	add := func(phrase string) {
		if phrase == "" {
			return
		}
		if _, dup := seen[phrase]; dup {
			return
		}
		seen[phrase] = struct{}{}
		atoms = append(atoms, phrase)
	}

	add(contentWords(audience))
	for _, q := range questions {
		add(contentWords(q))
	}
	return atoms
}

// contentWords lowercases a phrase, replaces punctuation with spaces, and
// drops stop words. Apostrophes survive so contractions stay whole.
func contentWords(phrase string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(phrase) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if _, stop := stopWords[w]; !stop {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// ExpandQueries builds the search query set for one run: the audience atom
// combined with each question atom, then fanned out across the strategy's
// modifiers. Deterministic for identical input. Returns ErrNoQueries when
// every phrase dissolves into stop words.
func ExpandQueries(audience string, questions []string, strategy string) ([]string, error) {
	audienceAtom := contentWords(audience)

	questionAtoms := make([]string, 0, len(questions))
	seen := make(map[string]struct{})
	for _, q := range questions {
		atom := contentWords(q)
		if atom == "" || atom == audienceAtom {
			continue
		}
		if _, dup := seen[atom]; dup {
			continue
		}
		seen[atom] = struct{}{}
		questionAtoms = append(questionAtoms, atom)
	}

	modifiers, ok := queryModifiers[strategy]
	if !ok {
		modifiers = queryModifiers[model.StrategyBroad]
	}

	// The focused strategy quotes a multi-word audience so the source matches
	// it as a phrase instead of loose words.
	subject := audienceAtom
	if strategy == model.StrategyFocused && strings.Contains(audienceAtom, " ") {
		subject = `"` + audienceAtom + `"`
	}

	var queries []string
	added := make(map[string]struct{})
	addQuery := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" {
			return
		}
		if _, dup := added[q]; dup {
			return
		}
		added[q] = struct{}{}
		queries = append(queries, q)
	}

	bases := make([]string, 0, len(questionAtoms)+1)
	for _, atom := range questionAtoms {
		bases = append(bases, strings.TrimSpace(subject+" "+atom))
	}
	if len(bases) == 0 && audienceAtom != "" {
		// Questions dissolved entirely; the audience itself is still
		// searchable.
		bases = append(bases, subject)
	}

	for _, base := range bases {
		for _, mod := range modifiers {
			addQuery(strings.TrimSpace(base + " " + mod))
		}
	}

	if len(queries) == 0 {
		return nil, ErrNoQueries
	}
	return queries, nil
}

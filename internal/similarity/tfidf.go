// Package similarity computes related chunks on demand with TF-IDF
// weighted cosine similarity. Nothing is persisted; each call rebuilds
// the corpus from storage, which is fine at personal-corpus scale.
package similarity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"komorebi/internal/storage"
	"komorebi/pkg/types"
)

const (
	// DefaultTopK is the number of related chunks returned when the
	// caller does not ask for a specific count.
	DefaultTopK = 5

	// minSimilarity is the floor below which matches are discarded
	minSimilarity = 0.01

	// minTokenLength drops short noise tokens before weighting
	minTokenLength = 3

	maxSharedTerms = 3
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "him": {}, "his": {},
	"how": {}, "its": {}, "may": {}, "new": {}, "now": {}, "old": {},
	"see": {}, "two": {}, "way": {}, "who": {}, "did": {}, "get": {},
	"this": {}, "that": {}, "with": {}, "from": {}, "they": {},
	"will": {}, "have": {}, "been": {}, "were": {}, "said": {},
	"each": {}, "which": {}, "their": {}, "them": {}, "then": {},
	"there": {}, "these": {}, "some": {}, "would": {}, "into": {},
	"more": {}, "other": {}, "about": {}, "when": {}, "what": {},
	"your": {}, "just": {}, "also": {}, "than": {}, "only": {},
	"over": {}, "very": {}, "because": {}, "where": {}, "after": {},
	"before": {}, "while": {}, "should": {}, "could": {}, "being": {},
	"does": {}, "here": {}, "such": {}, "through": {}, "between": {},
}

// Match is one related chunk with its score and the terms that drove it
type Match struct {
	ChunkID     string   `json:"chunk_id"`
	Similarity  float64  `json:"similarity"`
	SharedTerms []string `json:"shared_terms"`
}

// Finder computes related chunks over the stored corpus
type Finder struct {
	chunks storage.ChunkStore
}

// NewFinder creates a Finder backed by the given chunk store
func NewFinder(chunks storage.ChunkStore) *Finder {
	return &Finder{chunks: chunks}
}

// FindRelated returns up to topK chunks most similar to the target,
// scoped to the target's project when it has one. The target itself is
// never returned and scores below 0.01 are dropped.
func (f *Finder) FindRelated(ctx context.Context, targetID string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	target, err := f.chunks.GetChunk(ctx, targetID)
	if err != nil {
		return nil, err
	}

	var (
		ids  []string
		docs [][]string
	)
	err = f.chunks.GetAllContent(ctx, target.ProjectID, func(row storage.ChunkContent) bool {
		ids = append(ids, row.ID)
		docs = append(docs, Tokenize(row.Content))
		return true
	})
	if err != nil {
		return nil, err
	}

	targetIdx := -1
	for i, id := range ids {
		if id == targetID {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, fmt.Errorf("%w: chunk %s not in corpus", types.ErrNotFound, targetID)
	}

	vectors := weigh(docs)
	targetVec := vectors[targetIdx]

	matches := make([]Match, 0, len(ids))
	for i, vec := range vectors {
		if i == targetIdx {
			continue
		}
		score := cosine(targetVec, vec)
		if score < minSimilarity {
			continue
		}
		matches = append(matches, Match{
			ChunkID:     ids[i],
			Similarity:  score,
			SharedTerms: sharedTerms(targetVec, vec),
		})
	}

	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].Similarity > matches[b].Similarity
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Tokenize lowercases, splits on non-alphanumeric-underscore runs, and
// drops short tokens and stopwords.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < minTokenLength {
			continue
		}
		if _, stop := stopwords[field]; stop {
			continue
		}
		tokens = append(tokens, field)
	}
	return tokens
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}

// weigh turns tokenised documents into TF-IDF vectors using
// tf * ln(N / (1 + df)).
func weigh(docs [][]string) []map[string]float64 {
	n := float64(len(docs))

	df := make(map[string]int)
	tfs := make([]map[string]int, len(docs))
	for i, doc := range docs {
		tf := make(map[string]int, len(doc))
		for _, token := range doc {
			tf[token]++
		}
		tfs[i] = tf
		for token := range tf {
			df[token]++
		}
	}

	vectors := make([]map[string]float64, len(docs))
	for i, tf := range tfs {
		vec := make(map[string]float64, len(tf))
		for token, count := range tf {
			idf := math.Log(n / (1 + float64(df[token])))
			if idf <= 0 {
				continue
			}
			vec[token] = float64(count) * idf
		}
		vectors[i] = vec
	}
	return vectors
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	// iterate the smaller vector
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for term, wa := range a {
		if wb, ok := b[term]; ok {
			dot += wa * wb
		}
	}
	if dot == 0 {
		return 0
	}
	return dot / (norm(a) * norm(b))
}

func norm(vec map[string]float64) float64 {
	var sum float64
	for _, w := range vec {
		sum += w * w
	}
	return math.Sqrt(sum)
}

// sharedTerms returns up to three common terms ranked by their combined
// weight in both vectors.
func sharedTerms(a, b map[string]float64) []string {
	type weighted struct {
		term   string
		weight float64
	}
	var shared []weighted
	for term, wa := range a {
		if wb, ok := b[term]; ok {
			shared = append(shared, weighted{term, wa + wb})
		}
	}
	sort.Slice(shared, func(i, j int) bool {
		if shared[i].weight != shared[j].weight {
			return shared[i].weight > shared[j].weight
		}
		return shared[i].term < shared[j].term
	})
	if len(shared) > maxSharedTerms {
		shared = shared[:maxSharedTerms]
	}
	terms := make([]string, len(shared))
	for i, s := range shared {
		terms[i] = s.term
	}
	return terms
}

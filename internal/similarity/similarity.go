// Package similarity implements the similarity calculator (C8): a weighted
// blend of semantic (embedding cosine), lexical (edit distance over names
// and aliases) and contextual (type/description/keyword overlap) axes,
// plus a confidence estimate derived from the spread across the three
// axes. Results are cached under an order-independent key so that scoring
// (a, b) and (b, a) hit the same entry; when the cache is full, the older
// half of its entries is dropped.
package similarity

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"ingestgraph/internal/config"
	"ingestgraph/internal/embedding"
)

// Candidate is the minimal entity shape the calculator compares. Both a
// freshly extracted mention and an existing graph node are reducible to
// this before scoring.
type Candidate struct {
	Name        string
	Type        string
	Description string
	Aliases     []string
}

// Score holds the three weighted axes plus the blended total and a
// confidence estimate in the same scoring call.
type Score struct {
	Semantic   float64
	Lexical    float64
	Contextual float64
	Total      float64
	Confidence float64
}

// Calculator scores how likely two candidates refer to the same real-world
// entity.
type Calculator interface {
	Score(ctx context.Context, a, b Candidate) (Score, error)
}

type calculator struct {
	embedder embedding.Embedder
	wSem     float64
	wLex     float64
	wCtx     float64

	mu      sync.Mutex
	cache   map[string]Score
	order   []string
	maxSize int
}

// New builds the default Calculator, reading axis weights and cache size
// from cfg.
func New(embedder embedding.Embedder, cfg *config.Config) Calculator {
	return &calculator{
		embedder: embedder,
		wSem:     cfg.SimilarityWeightSemantic,
		wLex:     cfg.SimilarityWeightLexical,
		wCtx:     cfg.SimilarityWeightContextual,
		cache:    make(map[string]Score),
		maxSize:  cfg.SimilarityCacheSize,
	}
}

func (c *calculator) Score(ctx context.Context, a, b Candidate) (Score, error) {
	// Fast path: identical fingerprints mean the same canonicalized name
	// and type, so the pair is a certain match without spending an
	// embedding call.
	if fingerprint(a) == fingerprint(b) {
		return Score{Semantic: 1, Lexical: 1, Contextual: 1, Total: 1, Confidence: 1}, nil
	}

	key := cacheKey(a, b)
	c.mu.Lock()
	if s, ok := c.cache[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	semantic, err := c.semanticScore(ctx, a, b)
	if err != nil {
		return Score{}, fmt.Errorf("similarity: semantic score: %w", err)
	}
	lexical := lexicalScore(a, b)
	contextual := contextualScore(a, b)

	total := c.wSem*semantic + c.wLex*lexical + c.wCtx*contextual
	confidence := confidenceFromAxes(semantic, lexical, contextual)

	score := Score{Semantic: semantic, Lexical: lexical, Contextual: contextual, Total: total, Confidence: confidence}
	c.put(key, score)
	return score, nil
}

func (c *calculator) put(key string, s Score) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cache[key]; !exists {
		if c.maxSize > 0 && len(c.cache) >= c.maxSize {
			c.evictOlderHalf()
		}
		c.order = append(c.order, key)
	}
	c.cache[key] = s
}

// evictOlderHalf drops the oldest half of inserted entries, keeping the
// cache from growing unbounded while avoiding per-entry TTL bookkeeping.
func (c *calculator) evictOlderHalf() {
	cut := len(c.order) / 2
	if cut == 0 {
		cut = 1
	}
	for _, k := range c.order[:cut] {
		delete(c.cache, k)
	}
	c.order = c.order[cut:]
}

func (c *calculator) semanticScore(ctx context.Context, a, b Candidate) (float64, error) {
	texts := []string{semanticText(a), semanticText(b)}
	vecs, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vecs) != 2 {
		return 0, fmt.Errorf("similarity: expected 2 embeddings, got %d", len(vecs))
	}
	cos := cosine(vecs[0], vecs[1])
	// remap [-1,1] -> [0,1]
	return (cos + 1) / 2, nil
}

func semanticText(c Candidate) string {
	return fmt.Sprintf("%s 类型:%s 描述:%s", c.Name, c.Type, c.Description)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// lexicalScore is the max edit-distance ratio over the Cartesian product of
// each candidate's canonicalized name and aliases.
func lexicalScore(a, b Candidate) float64 {
	namesA := append([]string{a.Name}, a.Aliases...)
	namesB := append([]string{b.Name}, b.Aliases...)
	best := 0.0
	for _, na := range namesA {
		ca := canonicalize(na)
		for _, nb := range namesB {
			cb := canonicalize(nb)
			if r := editDistanceRatio(ca, cb); r > best {
				best = r
			}
		}
	}
	return best
}

func editDistanceRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}
	d := levenshtein(a, b)
	return 1 - float64(d)/float64(maxLen)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9 ]`)
var diacriticReplacer = strings.NewReplacer(
	"á", "a", "à", "a", "ä", "a", "â", "a", "ã", "a",
	"é", "e", "è", "e", "ë", "e", "ê", "e",
	"í", "i", "ì", "i", "ï", "i", "î", "i",
	"ó", "o", "ò", "o", "ö", "o", "ô", "o", "õ", "o",
	"ú", "u", "ù", "u", "ü", "u", "û", "u",
	"ñ", "n", "ç", "c",
)

// canonicalize lowercases, strips diacritics and punctuation, and sorts
// tokens so word order doesn't affect comparison.
func canonicalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = diacriticReplacer.Replace(s)
	s = nonAlnumRe.ReplaceAllString(s, " ")
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// fingerprint identifies a candidate by its canonicalized name and type,
// used as the fast-path equality check before any scoring runs.
func fingerprint(c Candidate) string {
	return canonicalize(c.Name) + "|" + strings.ToLower(strings.TrimSpace(c.Type))
}

// cacheKey is order-independent: scoring (a, b) and (b, a) must hit the
// same cache entry.
func cacheKey(a, b Candidate) string {
	fa, fb := fingerprint(a)+"::"+a.Description, fingerprint(b)+"::"+b.Description
	if fa > fb {
		fa, fb = fb, fa
	}
	return fa + "||" + fb
}

func contextualScore(a, b Candidate) float64 {
	typeMatch := 0.0
	if strings.EqualFold(strings.TrimSpace(a.Type), strings.TrimSpace(b.Type)) {
		typeMatch = 1
	}
	descRatio := editDistanceRatio(canonicalize(a.Description), canonicalize(b.Description))
	jac := jaccard(keywords(a.Description), keywords(b.Description))
	return 0.5*typeMatch + 0.3*descRatio + 0.2*jac
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "and": true, "or": true,
	"in": true, "on": true, "is": true, "was": true, "to": true, "for": true,
	"with": true, "that": true, "this": true, "by": true, "as": true,
}

func keywords(description string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.Fields(canonicalize(description)) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		out[tok] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// confidenceFromAxes rewards axes that agree (low spread) and a high mean:
// 0.7*(1 - min(sigma/0.5, 1)) + 0.3*mean.
func confidenceFromAxes(semantic, lexical, contextual float64) float64 {
	mean := (semantic + lexical + contextual) / 3
	variance := (math.Pow(semantic-mean, 2) + math.Pow(lexical-mean, 2) + math.Pow(contextual-mean, 2)) / 3
	sigma := math.Sqrt(variance)
	spreadPenalty := math.Min(sigma/0.5, 1)
	return 0.7*(1-spreadPenalty) + 0.3*mean
}

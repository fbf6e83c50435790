// Package similarity finds the cached question closest to a new one using
// TF-IDF vectors and cosine similarity.
package similarity

import (
	"math"
	"sync"
	"time"
)

// DefaultThreshold is the minimum cosine similarity for a match.
const DefaultThreshold = 0.90

// epsilon absorbs floating-point noise in threshold and tie comparisons.
const epsilon = 1e-9

// Doc is a question indexed for fuzzy matching.
type Doc struct {
	Key       string
	Text      string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Match is the best scoring doc for a query.
type Match struct {
	Key       string
	Score     float64
	CreatedAt time.Time
}

type indexedDoc struct {
	Doc
	terms map[string]int
	seq   uint64
}

// Matcher indexes questions and scores queries against the live corpus.
//
// Weights are recomputed from the docs that are live at query time: IDF
// uses only unexpired docs and expired docs are never scored. The computed
// vectors are kept in an immutable snapshot that is replaced whenever the
// corpus changes or the earliest expiry in it passes, so concurrent
// queries score without holding the lock.
type Matcher struct {
	threshold float64

	mu   sync.RWMutex
	docs map[string]*indexedDoc
	gen  uint64
	seq  uint64
	snap *snapshot
}

// New returns an empty Matcher. A threshold outside (0, 1] falls back to
// DefaultThreshold.
func New(threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{
		threshold: threshold,
		docs:      make(map[string]*indexedDoc),
	}
}

// Threshold returns the minimum accepted score.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Accepts reports whether score qualifies as a match. The threshold is
// inclusive.
func (m *Matcher) Accepts(score float64) bool {
	return score+epsilon >= m.threshold
}

// Add indexes doc, replacing any doc with the same key.
func (m *Matcher) Add(doc Doc) {
	terms := Terms(doc.Text)
	m.mu.Lock()
	m.seq++
	m.docs[doc.Key] = &indexedDoc{Doc: doc, terms: terms, seq: m.seq}
	m.gen++
	m.mu.Unlock()
}

// Remove drops the doc for key if present.
func (m *Matcher) Remove(key string) {
	m.mu.Lock()
	if _, ok := m.docs[key]; ok {
		delete(m.docs, key)
		m.gen++
	}
	m.mu.Unlock()
}

// Replace swaps the whole corpus for docs.
func (m *Matcher) Replace(docs []Doc) {
	m.Resync(docs, m.Mark())
}

// Mark returns a position in the sequence of Add calls, to be passed to
// Resync.
func (m *Matcher) Mark() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq
}

// Resync swaps the corpus for docs but keeps docs added after mark, so
// that a resync built from a slow scan does not drop questions indexed
// while the scan ran.
func (m *Matcher) Resync(docs []Doc, mark uint64) {
	indexed := make(map[string]*indexedDoc, len(docs))
	for _, d := range docs {
		indexed[d.Key] = &indexedDoc{Doc: d, terms: Terms(d.Text)}
	}
	m.mu.Lock()
	for key, d := range m.docs {
		if d.seq > mark {
			indexed[key] = d
		}
	}
	m.docs = indexed
	m.gen++
	m.mu.Unlock()
}

// Prune drops docs expired at now and returns how many were removed.
func (m *Matcher) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, d := range m.docs {
		if !now.Before(d.ExpiresAt) {
			delete(m.docs, key)
			removed++
		}
	}
	if removed > 0 {
		m.gen++
	}
	return removed
}

// Len returns the number of indexed docs, expired or not.
func (m *Matcher) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Best returns the highest scoring live doc for query regardless of the
// threshold. ok is false when the corpus is empty or no query term is
// known to it.
func (m *Matcher) Best(query string, now time.Time) (Match, bool) {
	qterms := Terms(query)
	if len(qterms) == 0 {
		return Match{}, false
	}
	return m.snapshotAt(now).best(qterms)
}

// Find returns the best match for query if it meets the threshold.
func (m *Matcher) Find(query string, now time.Time) (Match, bool) {
	match, ok := m.Best(query, now)
	if !ok || !m.Accepts(match.Score) {
		return Match{}, false
	}
	return match, true
}

func (m *Matcher) snapshotAt(now time.Time) *snapshot {
	m.mu.RLock()
	snap := m.snap
	fresh := snap.validAt(now, m.gen)
	m.mu.RUnlock()
	if fresh {
		return snap
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.snap.validAt(now, m.gen) {
		m.snap = buildSnapshot(m.docs, m.gen, now)
	}
	return m.snap
}

type vector struct {
	key     string
	created time.Time
	weights map[string]float64
	norm    float64
}

// snapshot is an immutable TF-IDF view of the docs live at builtAt.
type snapshot struct {
	gen        uint64
	builtAt    time.Time
	validUntil time.Time
	idf        map[string]float64
	vectors    []vector
	postings   map[string][]int
}

func (s *snapshot) validAt(now time.Time, gen uint64) bool {
	if s == nil || s.gen != gen || now.Before(s.builtAt) {
		return false
	}
	return s.validUntil.IsZero() || now.Before(s.validUntil)
}

func buildSnapshot(docs map[string]*indexedDoc, gen uint64, now time.Time) *snapshot {
	s := &snapshot{
		gen:      gen,
		builtAt:  now,
		idf:      make(map[string]float64),
		postings: make(map[string][]int),
	}

	live := make([]*indexedDoc, 0, len(docs))
	df := make(map[string]int)
	for _, d := range docs {
		if !now.Before(d.ExpiresAt) {
			continue
		}
		live = append(live, d)
		if s.validUntil.IsZero() || d.ExpiresAt.Before(s.validUntil) {
			s.validUntil = d.ExpiresAt
		}
		for term := range d.terms {
			df[term]++
		}
	}

	n := float64(len(live))
	for term, count := range df {
		s.idf[term] = math.Log((1+n)/(1+float64(count))) + 1
	}

	s.vectors = make([]vector, 0, len(live))
	for _, d := range live {
		v := vector{
			key:     d.Key,
			created: d.CreatedAt,
			weights: make(map[string]float64, len(d.terms)),
		}
		var sum float64
		for term, tf := range d.terms {
			w := float64(tf) * s.idf[term]
			v.weights[term] = w
			sum += w * w
		}
		v.norm = math.Sqrt(sum)
		idx := len(s.vectors)
		s.vectors = append(s.vectors, v)
		for term := range d.terms {
			s.postings[term] = append(s.postings[term], idx)
		}
	}
	return s
}

// best scores every doc sharing a term with the query. Docs sharing no
// term score zero and cannot win.
func (s *snapshot) best(qterms map[string]int) (Match, bool) {
	qweights := make(map[string]float64, len(qterms))
	var qsum float64
	for term, tf := range qterms {
		idf, known := s.idf[term]
		if !known {
			continue
		}
		w := float64(tf) * idf
		qweights[term] = w
		qsum += w * w
	}
	if qsum == 0 {
		return Match{}, false
	}
	qnorm := math.Sqrt(qsum)

	dots := make(map[int]float64)
	for term, qw := range qweights {
		for _, idx := range s.postings[term] {
			dots[idx] += qw * s.vectors[idx].weights[term]
		}
	}

	var (
		best  Match
		found bool
	)
	for idx, dot := range dots {
		v := s.vectors[idx]
		if v.norm == 0 {
			continue
		}
		score := dot / (qnorm * v.norm)
		if !found || beats(score, v, best) {
			best = Match{Key: v.key, Score: score, CreatedAt: v.created}
			found = true
		}
	}
	return best, found
}

// beats orders candidates by score, then by recency, then by key so the
// result does not depend on map iteration order.
func beats(score float64, v vector, best Match) bool {
	if score > best.Score+epsilon {
		return true
	}
	if score < best.Score-epsilon {
		return false
	}
	if !v.created.Equal(best.CreatedAt) {
		return v.created.After(best.CreatedAt)
	}
	return v.key < best.Key
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/echomind-ai/echomind/pkg/models"
)

// DefaultDenylist holds short acknowledgements that are never cached when
// they follow an assistant turn.
var DefaultDenylist = []string{
	// acknowledgements
	"ok", "okay", "yes", "no", "yeah", "yep", "nope", "yea", "nah",
	// thanks
	"thanks", "thank you", "thx", "ty", "thank", "thankyou",
	// continuations
	"continue", "go on", "go ahead", "more", "next",
	// confirmations
	"sure", "alright", "right", "got it", "understood", "i understand",
	// reactions
	"cool", "nice", "great", "awesome", "perfect", "good", "fine",
	// fillers
	"hmm", "hm", "ah", "oh", "i see", "uh", "um", "wow",
	"k", "kk", "ya", "ye", "na", "lol", "haha",
}

// Key is the outcome of building a cache key for one turn.
type Key struct {
	Hash      string
	Question  string
	Context   string
	Type      models.CacheType
	Cacheable bool
}

// KeyBuilder derives cache keys from a question and the assistant turn
// that preceded it.
type KeyBuilder struct {
	denylist map[string]struct{}
}

// NewKeyBuilder returns a KeyBuilder using DefaultDenylist plus extra
// phrases, typically acknowledgements in other languages.
func NewKeyBuilder(extra ...string) *KeyBuilder {
	kb := &KeyBuilder{denylist: make(map[string]struct{}, len(DefaultDenylist)+len(extra))}
	for _, phrase := range DefaultDenylist {
		kb.add(phrase)
	}
	for _, phrase := range extra {
		kb.add(phrase)
	}
	return kb
}

func (kb *KeyBuilder) add(phrase string) {
	if p := stripPunct(Normalize(phrase)); p != "" {
		kb.denylist[p] = struct{}{}
	}
}

// Build derives the key for question following context. An empty context
// means the question opens a conversation.
func (kb *KeyBuilder) Build(question, context string) Key {
	q := Normalize(question)
	c := Normalize(context)
	if q == "" {
		return Key{}
	}

	key := Key{Question: q, Context: c, Cacheable: true}
	if c == "" {
		key.Type = models.CacheKnowledge
		key.Hash = hashKey("", q)
		return key
	}

	if kb.Denied(q) {
		return Key{Question: q, Context: c}
	}
	key.Type = models.CacheConversational
	key.Hash = hashKey(c, q)
	return key
}

// Denied reports whether a normalized question matches a denylist phrase,
// ignoring punctuation and stretched letters ("okkk", "thanks!!",
// "gooood"). Phrases are stored as written, so "good" never becomes "god".
func (kb *KeyBuilder) Denied(question string) bool {
	p := stripPunct(question)
	if p == "" {
		return true
	}
	for _, candidate := range []string{p, squash(p, 2), squash(p, 1)} {
		if _, ok := kb.denylist[candidate]; ok {
			return true
		}
	}
	return false
}

// Normalize lowercases s and collapses runs of whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Preview returns the first n runes of s with whitespace collapsed.
func Preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func hashKey(context, question string) string {
	h := sha256.New()
	h.Write([]byte(context))
	h.Write([]byte{0})
	h.Write([]byte(question))
	return hex.EncodeToString(h.Sum(nil))
}

func stripPunct(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// squash shortens every run of a repeated rune to at most n runes.
func squash(s string, n int) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run <= n {
			b.WriteRune(r)
		}
	}
	return b.String()
}

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/echomind-ai/echomind/pkg/models"
)

func TestBuildKnowledge(t *testing.T) {
	kb := NewKeyBuilder()
	k := kb.Build("  What   languages do you KNOW? ", "")
	assert.True(t, k.Cacheable)
	assert.Equal(t, models.CacheKnowledge, k.Type)
	assert.Equal(t, "what languages do you know?", k.Question)
	assert.Len(t, k.Hash, 64)

	again := kb.Build("what languages do you know?", "   ")
	assert.Equal(t, k.Hash, again.Hash, "normalization makes keys stable")
}

func TestBuildContextSeparatesKeys(t *testing.T) {
	kb := NewKeyBuilder()
	a := kb.Build("What's next?", "I worked on a payments platform.")
	b := kb.Build("What's next?", "I studied at a technical university.")
	standalone := kb.Build("What's next?", "")

	assert.Equal(t, models.CacheConversational, a.Type)
	assert.NotEqual(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, standalone.Hash)
}

func TestBuildNoSeparatorCollision(t *testing.T) {
	// Without a separator "ab"+"c" and "a"+"bc" would hash the same.
	kb := NewKeyBuilder()
	assert.NotEqual(t, kb.Build("c", "ab").Hash, kb.Build("bc", "a").Hash)
}

func TestBuildDenylist(t *testing.T) {
	kb := NewKeyBuilder()
	for _, q := range []string{"ok", "Thanks!!", "okkk", "Got it.", "thank   you", "?!"} {
		k := kb.Build(q, "Here is my experience with Go.")
		assert.False(t, k.Cacheable, q)
		assert.Empty(t, k.Hash, q)
	}

	k := kb.Build("ok", "")
	assert.True(t, k.Cacheable, "acknowledgements without context are standalone questions")
	assert.Equal(t, models.CacheKnowledge, k.Type)

	k = kb.Build("okay, tell me more about Kubernetes", "Here is my experience with Go.")
	assert.True(t, k.Cacheable, "only whole-message matches are denied")
}

func TestBuildDenylistKeepsRealWords(t *testing.T) {
	kb := NewKeyBuilder()
	ctx := "Here is my experience with Go."
	for _, q := range []string{"God?", "Col", "I se", "Goods"} {
		assert.True(t, kb.Build(q, ctx).Cacheable, q)
	}
	for _, q := range []string{"good", "Gooood!", "coool", "I seeee", "hmmmm", "yesss"} {
		assert.False(t, kb.Build(q, ctx).Cacheable, q)
	}
}

func TestSquash(t *testing.T) {
	assert.Equal(t, "ok", squash("okkkk", 1))
	assert.Equal(t, "okk", squash("okkkk", 2))
	assert.Equal(t, "good", squash("goooood", 2))
	assert.Equal(t, "god", squash("good", 1))
	assert.Equal(t, "", squash("", 2))
}

func TestBuildExtraDenylist(t *testing.T) {
	kb := NewKeyBuilder("merci", "d'accord")
	assert.False(t, kb.Build("Merci!", "previous answer").Cacheable)
	assert.False(t, kb.Build("d'accord", "previous answer").Cacheable)
	assert.True(t, NewKeyBuilder().Build("merci", "previous answer").Cacheable)
}

func TestBuildEmptyQuestion(t *testing.T) {
	kb := NewKeyBuilder()
	assert.Equal(t, Key{}, kb.Build("   ", "context"))
	assert.Equal(t, Key{}, kb.Build("", ""))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "héllo", Preview("héllo wörld", 5))
	assert.Equal(t, "a b", Preview("a\n\n  b", 10))
	assert.Equal(t, "", Preview("text", 0))
}

package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBasics(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://Example.COM/Path", "https://example.com/Path"},
		{"drops fragment", "https://example.com/page#section", "https://example.com/page"},
		{"strips trailing slash", "https://example.com/docs/", "https://example.com/docs"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"adds root path", "https://example.com", "https://example.com/"},
		{"strips utm params", "https://example.com/p?utm_source=x&utm_medium=y", "https://example.com/p"},
		{"strips fbclid", "https://example.com/p?fbclid=abc&q=1", "https://example.com/p?q=1"},
		{"sorts query params", "https://example.com/p?b=2&a=1", "https://example.com/p?a=1&b=2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	urls := []string{
		"https://Example.com/a/b/?utm_campaign=x&z=1&a=2#frag",
		"http://www.example.com/index.html",
		"https://example.com/?ref=home",
	}
	for _, u := range urls {
		once, err := Normalize(u)
		require.NoError(t, err)
		twice, err := Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalize must be idempotent for %s", u)
	}
}

func TestNormalizeQueryOrderInsensitive(t *testing.T) {
	a, err := Normalize("https://example.com/p?x=1&y=2&z=3")
	require.NoError(t, err)
	b, err := Normalize("https://example.com/p?z=3&x=1&y=2")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSimilarClassMembership(t *testing.T) {
	class, err := SimilarClass("https://example.com/x")
	require.NoError(t, err)

	assert.Contains(t, class, "https://example.com/x")
	assert.Contains(t, class, "https://example.com/x/")
	assert.Contains(t, class, "http://example.com/x")
	assert.Contains(t, class, "https://www.example.com/x")
	assert.Contains(t, class, "https://example.com/x/index.html")
}

func TestSimilarClassSymmetric(t *testing.T) {
	variants := []string{
		"https://example.com/x",
		"https://example.com/x/",
		"http://example.com/x",
		"https://www.example.com/x",
		"https://example.com/x/index.html",
		"http://www.example.com/x/",
	}
	for _, u := range variants {
		class, err := SimilarClass(u)
		require.NoError(t, err)
		assert.Contains(t, class, u, "class must be reflexive for %s", u)
		for _, v := range variants {
			assert.Contains(t, class, v, "class of %s must contain %s", u, v)
		}
	}
}

func TestCanonicalKeyCollapsesVariants(t *testing.T) {
	variants := []string{
		"https://example.com/x",
		"https://example.com/x/",
		"http://example.com/x",
		"https://www.example.com/x",
		"http://www.example.com/x/index.html",
	}
	want, err := CanonicalKey(variants[0])
	require.NoError(t, err)
	for _, v := range variants {
		got, err := CanonicalKey(v)
		require.NoError(t, err)
		assert.Equal(t, want, got, "variant %s must share the canonical key", v)
	}
}

func TestCanonicalKeyRoot(t *testing.T) {
	a, err := CanonicalKey("https://example.com/")
	require.NoError(t, err)
	b, err := CanonicalKey("http://www.example.com/index.html")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, Depth("https://example.com/"))
	assert.Equal(t, 1, Depth("https://example.com/a"))
	assert.Equal(t, 2, Depth("https://example.com/a/b"))
	assert.Equal(t, 2, Depth("https://example.com/a/b/"))
}

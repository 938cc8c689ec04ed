package sha256_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/feedspider/internal/hash/sha256"
)

func TestHashFeedURL(t *testing.T) {
	t.Parallel()

	got, err := sha256.NewFull().Hash([]byte("https://example.com/item"))
	require.NoError(t, err)
	assert.Equal(t, "44c380831c7ef26e7850ca19b68bec1efb94413ba41d39d18f6826d5d2888723", got)

	short, err := sha256.New().Hash([]byte("https://example.com/item"))
	require.NoError(t, err)
	assert.Equal(t, "44c380831c7ef26e", short)
	assert.Len(t, short, sha256.DigestLen)
}

func TestEquivalentURLsShareDigest(t *testing.T) {
	t.Parallel()

	h := sha256.New()
	want, err := h.Hash([]byte("https://example.com/item"))
	require.NoError(t, err)
	for _, raw := range []string{
		"HTTPS://Example.COM/item",
		"https://example.com/item#reviews",
	} {
		got, err := h.Hash([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, want, got, raw)
	}

	other, err := h.Hash([]byte("https://example.com/other"))
	require.NoError(t, err)
	assert.Equal(t, "d6c5ed4260ccae51", other)

	path, err := h.Hash([]byte("https://example.com/ITEM"))
	require.NoError(t, err)
	assert.NotEqual(t, want, path, "path case is significant")
}

func TestHashNonURLPayload(t *testing.T) {
	t.Parallel()

	got, err := sha256.NewFull().Hash([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

package cacheestimator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountTokens_EmptyStringIsZero(t *testing.T) {
	require.Zero(t, countTokens(""))
}

func TestCountTokens_NonEmptyIsPositive(t *testing.T) {
	require.True(t, countTokens("hello world, this is a test sentence.") > 0)
}

func TestModelMinCacheableTokens_KnownFamilies(t *testing.T) {
	require.Equal(t, int64(4096), modelMinCacheableTokens("claude-opus-4-5-20250101"))
	require.Equal(t, int64(4096), modelMinCacheableTokens("claude-haiku-4-5"))
	require.Equal(t, int64(2048), modelMinCacheableTokens("claude-haiku-3-5"))
	require.Equal(t, int64(2048), modelMinCacheableTokens("claude-haiku-3"))
}

func TestModelMinCacheableTokens_OpusAndSonnetFamiliesDefaultTo1024(t *testing.T) {
	require.Equal(t, int64(1024), modelMinCacheableTokens("claude-opus-4-20250101"))
	require.Equal(t, int64(1024), modelMinCacheableTokens("claude-sonnet-4-5"))
}

func TestModelMinCacheableTokens_UnknownModelDefaultsTo1024(t *testing.T) {
	require.Equal(t, int64(1024), modelMinCacheableTokens("some-unknown-model"))
}

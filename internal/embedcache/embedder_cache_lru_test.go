package embedcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	calls int
}

func (e *countingEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	e.calls++
	return []float32{1, 2, 3}, nil
}

func (e *countingEmbedder) ModelName() string { return "counting" }

func TestCacheHitSkipsProvider(t *testing.T) {
	inner := &countingEmbedder{}
	cached := WrapLruCacheToEmbedder(inner, 8, time.Minute)

	ctx := context.Background()
	first, err := cached.Embed(ctx, "same text", "RETRIEVAL_QUERY")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "same text", "RETRIEVAL_QUERY")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, inner.calls)

	// a different task type is a different cache key
	_, err = cached.Embed(ctx, "same text", "RETRIEVAL_DOCUMENT")
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestCachedValueIsIsolatedFromCaller(t *testing.T) {
	inner := &countingEmbedder{}
	cached := WrapLruCacheToEmbedder(inner, 8, time.Minute)

	ctx := context.Background()
	first, err := cached.Embed(ctx, "text", "q")
	require.NoError(t, err)
	first[0] = 99

	second, err := cached.Embed(ctx, "text", "q")
	require.NoError(t, err)
	require.EqualValues(t, 1, second[0])
}

func TestZeroSizeDisablesCache(t *testing.T) {
	inner := &countingEmbedder{}
	require.Equal(t, inner, WrapLruCacheToEmbedder(inner, 0, time.Minute))
}

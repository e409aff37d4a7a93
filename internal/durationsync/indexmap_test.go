package durationsync_test

import (
	"testing"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/durationsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidDuration(t *testing.T) {
	t.Parallel()

	for _, lengths := range [][2]int{{0, 5}, {5, 0}, {0, 0}, {-1, 3}} {
		_, err := durationsync.New(lengths[0], lengths[1])
		require.ErrorIs(t, err, core.ErrInvalidDuration)
	}
}

func TestNew_Properties(t *testing.T) {
	t.Parallel()

	for source := 1; source <= 30; source++ {
		for target := 1; target <= 60; target++ {
			indexMap, err := durationsync.New(source, target)
			require.NoError(t, err)

			indices := indexMap.Indices()
			require.Len(t, indices, target)

			seen := make(map[int]bool)

			for i, value := range indices {
				require.GreaterOrEqual(t, value, 0)
				require.Less(t, value, source)

				if i > 0 {
					require.GreaterOrEqual(t, value, indices[i-1], "F=%d T=%d not monotone", source, target)
				}

				seen[value] = true
			}

			if source < target {
				assert.Len(t, seen, source, "F=%d T=%d must cover every source index", source, target)
			}
		}
	}
}

func TestNew_Identity(t *testing.T) {
	t.Parallel()

	indexMap, err := durationsync.New(12, 12)
	require.NoError(t, err)
	assert.Equal(t, durationsync.ModeIdentity, indexMap.Mode())

	for i := range 12 {
		assert.Equal(t, i, indexMap.At(i))
	}
}

func TestNew_Trim(t *testing.T) {
	t.Parallel()

	indexMap, err := durationsync.New(40, 25)
	require.NoError(t, err)

	expected := make([]int, 25)
	for i := range expected {
		expected[i] = i
	}

	assert.Equal(t, expected, indexMap.Indices())
	assert.Equal(t, durationsync.ModeTrim, indexMap.Mode())
	assert.Equal(t, 25, indexMap.Used())
}

func TestNew_ExpandSmall(t *testing.T) {
	t.Parallel()

	indexMap, err := durationsync.New(3, 7)
	require.NoError(t, err)

	counts := indexMap.RepeatCounts()
	require.Len(t, counts, 3)

	total := 0
	for _, count := range counts {
		assert.GreaterOrEqual(t, count, 2)
		assert.LessOrEqual(t, count, 3)

		total += count
	}

	assert.Equal(t, 7, total)
}

func TestNew_ExpandSpread(t *testing.T) {
	t.Parallel()

	indexMap, err := durationsync.New(10, 25)
	require.NoError(t, err)
	assert.Equal(t, 25, indexMap.Len())
	assert.Equal(t, durationsync.ModeExpand, indexMap.Mode())

	counts := indexMap.RepeatCounts()
	triples := 0

	for _, count := range counts {
		require.Contains(t, []int{2, 3}, count)

		if count == 3 {
			triples++
		}
	}

	assert.Equal(t, 5, triples)

	// No two adjacent sources both receive the extra repeat.
	for i := 1; i < len(counts); i++ {
		assert.False(t, counts[i] == 3 && counts[i-1] == 3, "extra repeats clustered at %d", i)
	}
}

func TestApply(t *testing.T) {
	t.Parallel()

	indexMap, err := durationsync.New(3, 7)
	require.NoError(t, err)

	boxes := []core.FaceBox{{X1: 0}, {X1: 1}, {X1: 2}}
	expanded, err := durationsync.Apply(indexMap, boxes)
	require.NoError(t, err)
	require.Len(t, expanded, 7)

	for i, box := range expanded {
		assert.Equal(t, indexMap.At(i), box.X1)
	}

	single, err := durationsync.Apply(indexMap, []core.FaceBox{{X1: 9}})
	require.NoError(t, err)
	require.Len(t, single, 7)
	assert.Equal(t, 9, single[6].X1)

	_, err = durationsync.Apply(indexMap, boxes[:2])
	require.ErrorIs(t, err, core.ErrInvalidDuration)
}

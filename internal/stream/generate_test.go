package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestResolveGenerateLayering(t *testing.T) {
	t.Parallel()
	defaults := GenerateDefaults{
		MaxNewTokens:     32,
		TopK:             ptr(10),
		EOSTokenID:       2,
		SpecialStopWords: [][]int32{{9, 9}, {2}},
	}
	cfg := ResolveGenerate(GenerateOptions{
		TopK:      ptr(3),
		Seed:      ptr(int64(7)),
		StopWords: [][]int32{{5, 6}, {9, 9}},
	}, defaults)

	assert.Equal(t, 32, cfg.MaxNewTokens)
	assert.Equal(t, 3, cfg.TopK)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.InDelta(t, 0.95, cfg.TopP, 1e-6)
	assert.Equal(t, [][]int32{{5, 6}, {9, 9}, {2}}, cfg.StopWords)
	require.NoError(t, cfg.Validate())
}

func TestResolveGenerateWithoutEOS(t *testing.T) {
	t.Parallel()
	cfg := ResolveGenerate(GenerateOptions{}, GenerateDefaults{EOSTokenID: -1})
	assert.Empty(t, cfg.StopWords)
	assert.Equal(t, 64, cfg.MaxNewTokens)
}

func TestGenerateValidate(t *testing.T) {
	t.Parallel()
	base := ResolveGenerate(GenerateOptions{}, GenerateDefaults{EOSTokenID: -1})
	bad := []GenerateConfig{base, base, base, base}
	bad[0].MaxNewTokens = 0
	bad[1].TopP = 1.5
	bad[2].Temperature = -1
	bad[3].StopWords = [][]int32{{}}
	for i, c := range bad {
		assert.Error(t, c.Validate(), "case %d", i)
	}
}

func TestMatchStop(t *testing.T) {
	t.Parallel()
	cfg := GenerateConfig{StopWords: [][]int32{{4, 5}, {9}}}
	w, ok := cfg.MatchStop([]int32{1, 4, 5})
	assert.True(t, ok)
	assert.Equal(t, []int32{4, 5}, w)
	_, ok = cfg.MatchStop([]int32{5, 4})
	assert.False(t, ok)
	_, ok = cfg.MatchStop(nil)
	assert.False(t, ok)
}

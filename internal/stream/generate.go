package stream

import (
	"fmt"
	"slices"
)

// GenerateConfig controls token generation for one stream.
type GenerateConfig struct {
	MaxNewTokens      int
	Seed              int64
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	// StopWords are token sequences that end generation when produced.
	StopWords [][]int32
}

// GenerateOptions are per-request overrides. Nil fields keep the default.
type GenerateOptions struct {
	MaxNewTokens      *int      `json:"max_new_tokens,omitempty"`
	Seed              *int64    `json:"seed,omitempty"`
	Temperature       *float32  `json:"temperature,omitempty"`
	TopK              *int      `json:"top_k,omitempty"`
	TopP              *float32  `json:"top_p,omitempty"`
	RepetitionPenalty *float32  `json:"repetition_penalty,omitempty"`
	StopWords         [][]int32 `json:"stop_words_list,omitempty"`
}

// GenerateDefaults come from the model.
type GenerateDefaults struct {
	MaxNewTokens      int       `yaml:"max_new_tokens"`
	Temperature       *float32  `yaml:"temperature"`
	TopK              *int      `yaml:"top_k"`
	TopP              *float32  `yaml:"top_p"`
	RepetitionPenalty *float32  `yaml:"repetition_penalty"`
	EOSTokenID        int32     `yaml:"eos_token_id"`
	SpecialStopWords  [][]int32 `yaml:"special_stop_words"`
}

// ResolveGenerate applies model defaults and then request overrides. Model
// stop words (EOS and special sequences) are merged after the request's own.
func ResolveGenerate(opts GenerateOptions, defaults GenerateDefaults) GenerateConfig {
	cfg := GenerateConfig{
		MaxNewTokens:      64,
		Seed:              -1,
		Temperature:       0.8,
		TopK:              40,
		TopP:              0.95,
		RepetitionPenalty: 1.0,
	}

	if defaults.MaxNewTokens > 0 {
		cfg.MaxNewTokens = defaults.MaxNewTokens
	}
	if defaults.Temperature != nil && *defaults.Temperature >= 0 {
		cfg.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK > 0 {
		cfg.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		cfg.TopP = *defaults.TopP
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		cfg.RepetitionPenalty = *defaults.RepetitionPenalty
	}

	if opts.MaxNewTokens != nil {
		cfg.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.Seed != nil {
		cfg.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		cfg.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		cfg.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		cfg.TopP = *opts.TopP
	}
	if opts.RepetitionPenalty != nil {
		cfg.RepetitionPenalty = *opts.RepetitionPenalty
	}

	cfg.StopWords = mergeStopWords(opts.StopWords, defaults.SpecialStopWords)
	if defaults.EOSTokenID >= 0 {
		cfg.StopWords = mergeStopWords(cfg.StopWords, [][]int32{{defaults.EOSTokenID}})
	}
	return cfg
}

// Validate rejects settings the sampler cannot honour.
func (c GenerateConfig) Validate() error {
	switch {
	case c.MaxNewTokens <= 0:
		return fmt.Errorf("max_new_tokens must be > 0, got %d", c.MaxNewTokens)
	case c.Temperature < 0:
		return fmt.Errorf("temperature must be >= 0, got %g", c.Temperature)
	case c.TopK < 0:
		return fmt.Errorf("top_k must be >= 0, got %d", c.TopK)
	case c.TopP < 0 || c.TopP > 1:
		return fmt.Errorf("top_p must be within [0, 1], got %g", c.TopP)
	case c.RepetitionPenalty < 0:
		return fmt.Errorf("repetition_penalty must be >= 0, got %g", c.RepetitionPenalty)
	}
	for i, w := range c.StopWords {
		if len(w) == 0 {
			return fmt.Errorf("stop word %d is empty", i)
		}
	}
	return nil
}

// MatchStop reports the stop sequence that generated ends with, if any.
func (c GenerateConfig) MatchStop(generated []int32) ([]int32, bool) {
	for _, w := range c.StopWords {
		if len(w) > 0 && len(generated) >= len(w) && slices.Equal(generated[len(generated)-len(w):], w) {
			return w, true
		}
	}
	return nil, false
}

func mergeStopWords(first, second [][]int32) [][]int32 {
	out := make([][]int32, 0, len(first)+len(second))
	for _, list := range [][][]int32{first, second} {
		for _, w := range list {
			if len(w) == 0 || slices.ContainsFunc(out, func(have []int32) bool { return slices.Equal(have, w) }) {
				continue
			}
			out = append(out, slices.Clone(w))
		}
	}
	return out
}

// Package model holds the reference forward capability served by strata: a
// token embedding table, a causal running-mean mixer and a linear vocabulary
// head, with an optional classification head. Weights are stored in
// safetensors files.
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/alloc"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/safetensors"
	"github.com/samcharles93/strata/internal/stream"
)

const (
	EmbedName      = "embed_tokens.weight"
	HeadName       = "lm_head.weight"
	BiasName       = "lm_head.bias"
	ClassifierName = "classifier.weight"
)

type Config struct {
	Vocab  int `yaml:"vocab_size"`
	Hidden int `yaml:"hidden_size"`
	// Labels is the classifier width. Zero omits the classification head.
	Labels           int       `yaml:"num_labels"`
	EOSTokenID       int32     `yaml:"eos_token_id"`
	SpecialStopWords [][]int32 `yaml:"special_stop_words"`
	MaxNewTokens     int       `yaml:"max_new_tokens"`
}

func (c Config) Validate() error {
	if c.Vocab <= 0 || c.Hidden <= 0 {
		return fmt.Errorf("vocab and hidden size must be > 0, got %d and %d", c.Vocab, c.Hidden)
	}
	if c.Labels < 0 {
		return fmt.Errorf("num_labels must be >= 0, got %d", c.Labels)
	}
	if c.EOSTokenID >= int32(c.Vocab) {
		return fmt.Errorf("eos token %d outside vocabulary of %d", c.EOSTokenID, c.Vocab)
	}
	return nil
}

type Model struct {
	cfg Config

	Emb        []float32 // [Vocab x Hidden]
	W          []float32 // [Hidden x Vocab]
	Bias       []float32 // [Vocab]
	Classifier []float32 // [Hidden x Labels]
}

var _ device.Forwarder = (*Model)(nil)

// Random returns a model with weights drawn deterministically from seed.
func Random(cfg Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	scale := float32(1 / math.Sqrt(float64(cfg.Hidden)))
	fill := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = (rng.Float32()*2 - 1) * scale
		}
		return out
	}
	m := &Model{
		cfg:  cfg,
		Emb:  fill(cfg.Vocab * cfg.Hidden),
		W:    fill(cfg.Hidden * cfg.Vocab),
		Bias: make([]float32, cfg.Vocab),
	}
	if cfg.Labels > 0 {
		m.Classifier = fill(cfg.Hidden * cfg.Labels)
	}
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) HiddenSize() int { return m.cfg.Hidden }

func (m *Model) VocabSize() int { return m.cfg.Vocab }

// Defaults are the generation settings the model ships with.
func (m *Model) Defaults() stream.GenerateDefaults {
	return stream.GenerateDefaults{
		MaxNewTokens:     m.cfg.MaxNewTokens,
		EOSTokenID:       m.cfg.EOSTokenID,
		SpecialStopWords: m.cfg.SpecialStopWords,
	}
}

// Forward reads token ids from device memory and writes the requested
// outputs back. Hidden state t of a segment is the mean of the embeddings of
// tokens 0..t in that segment; logits are taken from each segment's last
// hidden state.
func (m *Model) Forward(ctx context.Context, mem device.Memory, in *device.ForwardInput) error {
	h, v := m.cfg.Hidden, m.cfg.Vocab
	ids := make([]int32, in.TotalTokens)
	if err := mem.CopyToHost(device.Int32Bytes(ids), in.Tokens); err != nil {
		return fmt.Errorf("read tokens: %w", err)
	}
	for i, id := range ids {
		if id < 0 || int(id) >= v {
			return fmt.Errorf("token %d at position %d outside vocabulary of %d", id, i, v)
		}
	}

	hidden := make([]float32, in.TotalTokens*h)
	var logits []float32
	if in.Logits != alloc.Null {
		logits = make([]float32, len(in.Segments)*v)
	}
	sum := make([]float32, h)
	for si, seg := range in.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		clear(sum)
		for t := 0; t < seg.Length; t++ {
			pos := seg.Offset + t
			row := m.Emb[int(ids[pos])*h : (int(ids[pos])+1)*h]
			out := hidden[pos*h : (pos+1)*h]
			inv := 1 / float32(t+1)
			for i := range sum {
				sum[i] += row[i]
				out[i] = sum[i] * inv
			}
		}
		if logits != nil {
			last := seg.Offset + seg.Length - 1
			m.project(hidden[last*h:(last+1)*h], logits[si*v:(si+1)*v])
		}
	}

	if in.Hidden != alloc.Null {
		if err := mem.CopyToDevice(in.Hidden, device.Float32Bytes(hidden)); err != nil {
			return fmt.Errorf("write hidden: %w", err)
		}
	}
	if logits != nil {
		if err := mem.CopyToDevice(in.Logits, device.Float32Bytes(logits)); err != nil {
			return fmt.Errorf("write logits: %w", err)
		}
	}
	return nil
}

// project computes dst = x * W + Bias.
func (m *Model) project(x, dst []float32) {
	v := m.cfg.Vocab
	copy(dst, m.Bias)
	for i, xi := range x {
		if xi == 0 {
			continue
		}
		row := m.W[i*v : (i+1)*v]
		for j, w := range row {
			dst[j] += xi * w
		}
	}
}

// Load reads a model written by Save.
func Load(path string) (*Model, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer func() { _ = f.Close() }()
	cfg, err := configFromMetadata(f.Metadata)
	if err != nil {
		return nil, err
	}

	m := &Model{cfg: cfg}
	load := func(name string, rows, cols int, optional bool) ([]float32, error) {
		if _, ok := f.Info(name); !ok && optional {
			return nil, nil
		}
		data, info, err := f.Float32s(name)
		if err != nil {
			return nil, err
		}
		if len(info.Shape) != 2 || info.Shape[0] != rows || info.Shape[1] != cols {
			if !(cols == 1 && len(info.Shape) == 1 && info.Shape[0] == rows) {
				return nil, fmt.Errorf("tensor %s has shape %v, want [%d %d]", name, info.Shape, rows, cols)
			}
		}
		return data, nil
	}
	if cfg.Vocab == 0 || cfg.Hidden == 0 {
		info, ok := f.Info(EmbedName)
		if !ok || len(info.Shape) != 2 {
			return nil, fmt.Errorf("weights missing %s", EmbedName)
		}
		m.cfg.Vocab, m.cfg.Hidden = info.Shape[0], info.Shape[1]
	}
	v, h := m.cfg.Vocab, m.cfg.Hidden
	if m.Emb, err = load(EmbedName, v, h, false); err != nil {
		return nil, err
	}
	if m.W, err = load(HeadName, h, v, false); err != nil {
		return nil, err
	}
	if m.Bias, err = load(BiasName, v, 1, true); err != nil {
		return nil, err
	}
	if m.Bias == nil {
		m.Bias = make([]float32, v)
	}
	if info, ok := f.Info(ClassifierName); ok && len(info.Shape) == 2 {
		m.cfg.Labels = info.Shape[1]
		if m.Classifier, err = load(ClassifierName, h, m.cfg.Labels, false); err != nil {
			return nil, err
		}
	} else {
		m.cfg.Labels = 0
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes the weights and generation metadata to path.
func (m *Model) Save(path string) error {
	v, h := m.cfg.Vocab, m.cfg.Hidden
	tensors := []safetensors.Tensor{
		{Name: EmbedName, Shape: []int{v, h}, Data: m.Emb},
		{Name: HeadName, Shape: []int{h, v}, Data: m.W},
		{Name: BiasName, Shape: []int{v}, Data: m.Bias},
	}
	if m.cfg.Labels > 0 {
		tensors = append(tensors, safetensors.Tensor{Name: ClassifierName, Shape: []int{h, m.cfg.Labels}, Data: m.Classifier})
	}
	meta, err := metadataFromConfig(m.cfg)
	if err != nil {
		return err
	}
	return safetensors.WriteFile(path, tensors, meta)
}

func metadataFromConfig(cfg Config) (map[string]string, error) {
	meta := map[string]string{
		"vocab_size":     strconv.Itoa(cfg.Vocab),
		"hidden_size":    strconv.Itoa(cfg.Hidden),
		"eos_token_id":   strconv.Itoa(int(cfg.EOSTokenID)),
		"max_new_tokens": strconv.Itoa(cfg.MaxNewTokens),
	}
	if len(cfg.SpecialStopWords) > 0 {
		raw, err := json.Marshal(cfg.SpecialStopWords)
		if err != nil {
			return nil, fmt.Errorf("encode stop words: %w", err)
		}
		meta["special_stop_words"] = string(raw)
	}
	return meta, nil
}

func configFromMetadata(meta map[string]string) (Config, error) {
	cfg := Config{EOSTokenID: -1}
	ints := map[string]*int{
		"vocab_size":     &cfg.Vocab,
		"hidden_size":    &cfg.Hidden,
		"max_new_tokens": &cfg.MaxNewTokens,
	}
	for key, dst := range ints {
		if raw, ok := meta[key]; ok {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return Config{}, fmt.Errorf("metadata %s: %w", key, err)
			}
			*dst = n
		}
	}
	if raw, ok := meta["eos_token_id"]; ok {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("metadata eos_token_id: %w", err)
		}
		cfg.EOSTokenID = int32(n)
	}
	if raw, ok := meta["special_stop_words"]; ok {
		if err := json.Unmarshal([]byte(raw), &cfg.SpecialStopWords); err != nil {
			return Config{}, fmt.Errorf("metadata special_stop_words: %w", err)
		}
	}
	return cfg, nil
}

// Package logits turns a logits vector into the next token id.
package logits

import (
	"math"
	"math/rand"
	"time"

	"github.com/samcharles93/strata/internal/stream"
)

// penaltyWindow is how many trailing tokens the repetition penalty sees.
const penaltyWindow = 64

type Sampler struct {
	rng         *rand.Rand
	temperature float32
	topK        int
	topP        float32
	penalty     float32
	greedy      bool

	topIdx []int
	topVal []float32
	prob   []float64
	seen   map[int32]struct{}
}

// NewSampler builds a sampler for one stream. A negative seed draws one from
// the clock. Zero temperature selects greedy decoding.
func NewSampler(cfg stream.GenerateConfig) *Sampler {
	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	s := &Sampler{
		rng:         rand.New(rand.NewSource(seed)),
		temperature: cfg.Temperature,
		topK:        cfg.TopK,
		topP:        cfg.TopP,
		penalty:     cfg.RepetitionPenalty,
		greedy:      cfg.Temperature <= 0,
		seen:        make(map[int32]struct{}),
	}
	if s.topK <= 0 {
		s.topK = 40
	}
	if s.topP <= 0 || s.topP > 1 {
		s.topP = 1
	}
	if s.penalty <= 0 {
		s.penalty = 1
	}
	return s
}

// Sample picks the next token. logits is modified in place by the repetition
// penalty.
//
//  1. Tokens in the trailing window of history are penalised.
//  2. Greedy samplers (and TopK == 1) return the argmax.
//  3. Otherwise the top-k logits scaled by 1/temperature are softmaxed, cut
//     at cumulative probability TopP and drawn from.
func (s *Sampler) Sample(logits []float32, history []int32) int32 {
	if len(logits) == 0 {
		return 0
	}
	if s.penalty > 1 && len(history) > 0 {
		s.applyPenalty(logits, history)
	}
	if s.greedy || s.topK == 1 {
		return int32(argmax(logits))
	}

	k := min(s.topK, len(logits))
	topIdx, topVal := s.selectTop(logits, k, 1/s.temperature)

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	maxv := topVal[0]
	var sum float64
	for i, v := range topVal {
		prob[i] = math.Exp(float64(v - maxv))
		sum += prob[i]
	}

	cut := len(prob)
	if s.topP < 1 {
		var c float64
		for i := range prob {
			c += prob[i] / sum
			if float32(c) >= s.topP {
				cut = i + 1
				break
			}
		}
	}
	var mass float64
	for _, p := range prob[:cut] {
		mass += p
	}

	r := s.rng.Float64() * mass
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return int32(topIdx[i])
		}
	}
	return int32(topIdx[cut-1])
}

func (s *Sampler) applyPenalty(logits []float32, history []int32) {
	clear(s.seen)
	start := max(len(history)-penaltyWindow, 0)
	for _, id := range history[start:] {
		if id < 0 || int(id) >= len(logits) {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= s.penalty
		} else {
			logits[id] *= s.penalty
		}
	}
}

// argmax returns the index of the largest value. x must not be empty.
func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// selectTop returns the k largest logits scaled by invTemp, largest first.
// Insertion into a k-slot shortlist keeps it O(V*K) for small K.
func (s *Sampler) selectTop(logits []float32, k int, invTemp float32) ([]int, []float32) {
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]
	for i, l := range logits {
		v := l * invTemp
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v
		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx, s.topVal = topIdx, topVal
	return topIdx, topVal
}

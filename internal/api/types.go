package api

import (
	"github.com/samcharles93/strata/internal/alloc"
	"github.com/samcharles93/strata/internal/device"
	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/stream"
	"github.com/samcharles93/strata/internal/version"
)

type GenerateRequest struct {
	InputIDs []int32 `json:"input_ids"`
	Stream   bool    `json:"stream,omitempty"`
	stream.GenerateOptions
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type GenerateResponse struct {
	ID           string  `json:"id"`
	Object       string  `json:"object"`
	Created      int64   `json:"created"`
	OutputIDs    []int32 `json:"output_ids"`
	FinishReason string  `json:"finish_reason"`
	Usage        Usage   `json:"usage"`
}

type EmbeddingsRequest struct {
	Inputs [][]int32 `json:"inputs"`
}

type EmbeddingData struct {
	Object string            `json:"object"`
	Index  int               `json:"index"`
	Dense  []float32         `json:"embedding,omitempty"`
	Sparse map[int32]float32 `json:"sparse,omitempty"`
	Multi  [][]float32       `json:"multi_vector,omitempty"`
	Scores []float32         `json:"scores,omitempty"`
}

type EmbeddingsResponse struct {
	ID     string          `json:"id"`
	Object string          `json:"object"`
	Data   []EmbeddingData `json:"data"`
	Usage  Usage           `json:"usage"`
}

type AllocatorStats struct {
	Device alloc.Stats `json:"device"`
	Host   alloc.Stats `json:"host"`
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Version     version.Info      `json:"version"`
	Device      device.Properties `json:"device"`
	Memory      *device.Status    `json:"memory,omitempty"`
	MemoryErr   string            `json:"memory_error,omitempty"`
	Allocators  AllocatorStats    `json:"allocators"`
	Engines     []engine.Status   `json:"engines"`
	OpenStreams int64             `json:"open_streams"`
}

// Token events carry the newly generated ids of one output.
type tokenEvent struct {
	Index    int     `json:"index"`
	TokenIDs []int32 `json:"token_ids"`
}

type doneEvent struct {
	ID           string  `json:"id"`
	OutputIDs    []int32 `json:"output_ids"`
	FinishReason string  `json:"finish_reason"`
	Usage        Usage   `json:"usage"`
}

type errorEvent struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

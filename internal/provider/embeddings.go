package provider

import (
	"encoding/json"
	"fmt"
)

// EmbeddingRequest is the OpenAI-format body of POST /embeddings.
type EmbeddingRequest struct {
	Model          string         `json:"model"`
	Input          EmbeddingInput `json:"input"`
	EncodingFormat string         `json:"encoding_format,omitempty"`
	Dimensions     int            `json:"dimensions,omitempty"`
}

// EmbeddingInput is one string or a list of strings on the wire; we always
// hold a list.
type EmbeddingInput []string

func (in *EmbeddingInput) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*in = EmbeddingInput{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("input must be a string or a list of strings")
	}
	*in = many
	return nil
}

// EmbeddingResponse is the canonical embeddings reply.
type EmbeddingResponse struct {
	Object string         `json:"object"` // "list"
	Data   []Embedding    `json:"data"`
	Model  string         `json:"model"`
	Usage  EmbeddingUsage `json:"usage"`
}

// Embedding is one vector, in input order.
type Embedding struct {
	Object    string    `json:"object"` // "embedding"
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// newEmbeddingResponse wraps raw vectors in the canonical list shape.
func newEmbeddingResponse(model string, vectors [][]float64) *EmbeddingResponse {
	resp := &EmbeddingResponse{Object: "list", Model: model, Data: make([]Embedding, len(vectors))}
	for i, v := range vectors {
		resp.Data[i] = Embedding{Object: "embedding", Embedding: v, Index: i}
	}
	return resp
}

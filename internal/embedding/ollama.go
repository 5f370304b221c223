package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaEncoder produces embeddings by calling a local Ollama instance.
// It is selected with `gateway.embedding.provider: ollama` in the config.
type OllamaEncoder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaEncoder creates an encoder backed by the Ollama embeddings API.
// baseURL defaults to http://localhost:11434 and model to all-minilm.
func NewOllamaEncoder(baseURL, model string) *OllamaEncoder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "all-minilm"
	}
	return &OllamaEncoder{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (e *OllamaEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call ollama embeddings API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings API returned status %d", resp.StatusCode)
	}

	var parsed ollamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("ollama returned an empty embedding for model %s", e.model)
	}

	// Project onto the fixed gateway dimension so mixed-model registries
	// never end up with incomparable vectors.
	vec := make([]float32, Dim)
	for i, v := range parsed.Embedding {
		vec[i%Dim] += float32(v)
	}
	Normalize(vec)
	return vec, nil
}

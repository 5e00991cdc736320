// Package embed provides the embedding port: batch text -> vectors, with a
// pluggable backend selected at startup.
//
// Backends, in auto-detect priority order:
//   - Remote: an OpenAI-style /v1/embeddings API (requires an API key)
//   - Local: an Ollama-style /api/embeddings endpoint on localhost
//   - Null: returns empty vectors and disables semantic search
//
// The embedding dimension is fixed per backend and validated at startup
// against every vector type in the schema; a mismatch is fatal.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Common errors
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder generates vector embeddings from text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	// EmbedBatch generates one embedding per input text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector width, 0 for the null
	// provider.
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// Config holds embedding provider configuration.
type Config struct {
	Backend    string        // remote, local, null, or auto
	APIURL     string        // base URL
	APIKey     string        // remote only
	Model      string        // model name
	Dimensions int           // expected vector width
	Timeout    time.Duration // HTTP request timeout
}

// DefaultLocalConfig returns configuration for a local Ollama endpoint with
// mxbai-embed-large.
func DefaultLocalConfig() *Config {
	return &Config{
		Backend:    "local",
		APIURL:     "http://localhost:11434",
		Model:      "mxbai-embed-large",
		Dimensions: 1024,
		Timeout:    30 * time.Second,
	}
}

// DefaultRemoteConfig returns configuration for the OpenAI embeddings API.
func DefaultRemoteConfig(apiKey string) *Config {
	return &Config{
		Backend:    "remote",
		APIURL:     "https://api.openai.com",
		APIKey:     apiKey,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// New creates an embedder for the configured backend. Backend "auto" picks
// remote when an API key is configured, then local when the endpoint
// responds, and falls back to null.
func New(cfg *Config) (Embedder, error) {
	if cfg == nil {
		cfg = &Config{Backend: "auto"}
	}
	switch cfg.Backend {
	case "remote":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("remote embedding backend requires an API key")
		}
		return newRemote(cfg), nil
	case "local":
		return newLocal(cfg), nil
	case "null", "":
		return Null{}, nil
	case "auto":
		if cfg.APIKey != "" {
			remote := DefaultRemoteConfig(cfg.APIKey)
			if cfg.APIURL != "" {
				remote.APIURL = cfg.APIURL
			}
			if cfg.Model != "" {
				remote.Model = cfg.Model
				remote.Dimensions = cfg.Dimensions
			}
			return newRemote(remote), nil
		}
		local := DefaultLocalConfig()
		if cfg.APIURL != "" {
			local.APIURL = cfg.APIURL
		}
		if reachable(local.APIURL, 2*time.Second) {
			return newLocal(local), nil
		}
		return Null{}, nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.Backend)
	}
}

// ValidateDimensions checks the embedder width against every vector type
// dim. The null provider always passes: it disables semantic search rather
// than serving wrong-width vectors.
func ValidateDimensions(e Embedder, dims map[string]int) error {
	if e.Dimensions() == 0 {
		return nil
	}
	for vectorType, dim := range dims {
		if dim != e.Dimensions() {
			return fmt.Errorf("%w: vector type %q declares dim %d, embedder %q produces %d",
				ErrDimensionMismatch, vectorType, dim, e.Model(), e.Dimensions())
		}
	}
	return nil
}

func reachable(url string, timeout time.Duration) bool {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// ============================================================================
// Null provider
// ============================================================================

// Null is the no-op embedder: it returns empty vectors, which downstream
// code treats as "semantic search disabled".
type Null struct{}

func (Null) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{}
	}
	return out, nil
}

func (Null) Dimensions() int { return 0 }
func (Null) Model() string   { return "null" }

// ============================================================================
// Remote provider (OpenAI-style)
// ============================================================================

// Remote calls an OpenAI-compatible /v1/embeddings endpoint.
type Remote struct {
	cfg    *Config
	client *http.Client
}

func newRemote(cfg *Config) *Remote {
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type remoteRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type remoteResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (e *Remote) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(remoteRequest{Model: e.cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.APIURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed remoteResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := resp.Status
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("embedding API: %s", msg)
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding API returned out-of-range index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, vec := range out {
		if len(vec) != e.cfg.Dimensions {
			return nil, fmt.Errorf("%w: text %d: got %d, want %d", ErrDimensionMismatch, i, len(vec), e.cfg.Dimensions)
		}
	}
	return out, nil
}

func (e *Remote) Dimensions() int { return e.cfg.Dimensions }
func (e *Remote) Model() string   { return e.cfg.Model }

// ============================================================================
// Local provider (Ollama-style)
// ============================================================================

// Local calls an Ollama-style /api/embeddings endpoint, one text per
// request (the API has no batch form).
type Local struct {
	cfg    *Config
	client *http.Client
}

func newLocal(cfg *Config) *Local {
	return &Local{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *Local) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(localRequest{Model: e.cfg.Model, Prompt: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.APIURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding API: %s: %s", resp.Status, string(data))
	}

	var parsed localResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(parsed.Embedding) != e.cfg.Dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(parsed.Embedding), e.cfg.Dimensions)
	}
	return parsed.Embedding, nil
}

func (e *Local) Dimensions() int { return e.cfg.Dimensions }
func (e *Local) Model() string   { return e.cfg.Model }

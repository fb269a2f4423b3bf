package embedding

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

// Providers understood by NewRemote.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// ErrNoText is returned when content carries nothing a text embedding
// endpoint can consume.
var ErrNoText = errors.New("embedding: content has no text")

// RemoteOptions configures an HTTP embedding generator.
type RemoteOptions struct {
	// Provider selects the wire format: ollama or openai.
	Provider string

	// BaseURL defaults to http://localhost:11434 for ollama and
	// https://api.openai.com for openai.
	BaseURL string

	// Model defaults to nomic-embed-text for ollama and
	// text-embedding-3-small for openai.
	Model string

	APIKey  string
	Timeout time.Duration // default: 30s

	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
}

// Remote calls an external embedding service over HTTP. Image-only content
// is embedded through its description, as both endpoints accept text only.
type Remote struct {
	opts   RemoteOptions
	client *http.Client
}

// NewRemote returns a generator for opts.Provider.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	switch opts.Provider {
	case ProviderOllama:
		if opts.BaseURL == "" {
			opts.BaseURL = "http://localhost:11434"
		}
		if opts.Model == "" {
			opts.Model = "nomic-embed-text"
		}
	case ProviderOpenAI:
		if opts.BaseURL == "" {
			opts.BaseURL = "https://api.openai.com"
		}
		if opts.Model == "" {
			opts.Model = "text-embedding-3-small"
		}
		if opts.APIKey == "" {
			return nil, errors.New("embedding: openai requires an api key")
		}
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", opts.Provider)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Remote{opts: opts, client: client}, nil
}

// Model returns the model name sent with every request.
func (r *Remote) Model() string { return r.opts.Model }

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// The embeddings field is a batch; a single input yields one row.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type openAIEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Generator.
func (r *Remote) Embed(ctx context.Context, c Content) (Embedding, error) {
	if c.Text == "" {
		return Embedding{}, ErrNoText
	}

	var (
		vec []float32
		err error
	)
	switch r.opts.Provider {
	case ProviderOllama:
		var resp ollamaEmbedResponse
		err = r.post(ctx, "/api/embed", ollamaEmbedRequest{Model: r.opts.Model, Input: c.Text}, &resp)
		if err == nil && len(resp.Embeddings) > 0 {
			vec = resp.Embeddings[0]
		}
	default:
		var resp openAIEmbedResponse
		err = r.post(ctx, "/v1/embeddings", openAIEmbedRequest{Model: r.opts.Model, Input: c.Text}, &resp)
		if err == nil && len(resp.Data) > 0 {
			vec = make([]float32, len(resp.Data[0].Embedding))
			for i, v := range resp.Data[0].Embedding {
				vec[i] = float32(v)
			}
		}
	}
	if err != nil {
		return Embedding{}, err
	}
	if len(vec) == 0 {
		return Embedding{}, fmt.Errorf("%s returned empty embedding", r.opts.Provider)
	}
	return Embedding{Vector: vec, Model: r.opts.Model}, nil
}

func (r *Remote) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.opts.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", r.opts.Provider, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var _ Generator = (*Remote)(nil)

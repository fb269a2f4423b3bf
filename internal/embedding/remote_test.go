package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRemote(t *testing.T) {
	r, err := NewRemote(RemoteOptions{Provider: ProviderOllama})
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", r.Model())
	assert.Equal(t, "http://localhost:11434", r.opts.BaseURL)

	_, err = NewRemote(RemoteOptions{Provider: ProviderOpenAI})
	assert.ErrorContains(t, err, "api key")

	_, err = NewRemote(RemoteOptions{Provider: "bert"})
	assert.ErrorContains(t, err, "unknown provider")
}

func TestRemote_Ollama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mini", req.Model)
		assert.Equal(t, "sunset", req.Input)
		_, _ = w.Write([]byte(`{"embeddings":[[0.6,0.8]]}`))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteOptions{Provider: ProviderOllama, BaseURL: srv.URL, Model: "mini"})
	require.NoError(t, err)
	got, err := r.Embed(context.Background(), Content{Text: "sunset"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.6, 0.8}, got.Vector)
	assert.Equal(t, "mini", got.Model)
}

func TestRemote_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteOptions{Provider: ProviderOpenAI, BaseURL: srv.URL, APIKey: "sk-test"})
	require.NoError(t, err)
	got, err := r.Embed(context.Background(), Content{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got.Vector)
	assert.Equal(t, "text-embedding-3-small", got.Model)
}

func TestRemote_Failures(t *testing.T) {
	status := http.StatusInternalServerError
	body := `boom`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	r, err := NewRemote(RemoteOptions{Provider: ProviderOllama, BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = r.Embed(context.Background(), Content{Image: []byte{1}})
	assert.ErrorIs(t, err, ErrNoText)

	_, err = r.Embed(context.Background(), Content{Text: "x"})
	assert.ErrorContains(t, err, "status 500: boom")

	status, body = http.StatusOK, `{"embeddings":[]}`
	_, err = r.Embed(context.Background(), Content{Text: "x"})
	assert.ErrorContains(t, err, "empty embedding")

	m, err := NewManager(Options{Dimension: 2, Generator: r})
	require.NoError(t, err)
	_, err = m.Generate(context.Background(), Content{Text: "x"})
	assert.True(t, errors.Is(err, ErrUpstream))
}

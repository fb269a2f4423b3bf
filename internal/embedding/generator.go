package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/canopy/pkg/types"
)

// ErrUpstream marks a failure of the external embedding generator. It is
// never a validation error: the entity itself was fine.
var ErrUpstream = errors.New("embedding upstream error")

// Content is what a generator embeds: text, an image, or both.
type Content struct {
	Text     string
	Image    []byte
	MimeType string
}

// Embedding is a generator result.
type Embedding struct {
	Vector []float32
	Model  string
}

// Generator computes embeddings. Implementations live outside the core.
type Generator interface {
	Embed(ctx context.Context, c Content) (Embedding, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, c Content) (Embedding, error)

// Embed calls f.
func (f GeneratorFunc) Embed(ctx context.Context, c Content) (Embedding, error) {
	return f(ctx, c)
}

// ContentOf extracts the embeddable content of e.
func ContentOf(e *types.Entity) Content {
	c := Content{Text: e.Content}
	if e.Metadata.Kind == types.MetadataImage && e.Metadata.Image != nil {
		c.Image = e.Metadata.Image.Data
		c.MimeType = e.Metadata.Image.MimeType
		if c.Text == "" {
			c.Text = e.Metadata.Image.Description
		}
	}
	return c
}

// upstream wraps err as ErrUpstream unless it is a context error or
// already wrapped.
func upstream(err error) error {
	if errors.Is(err, ErrUpstream) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

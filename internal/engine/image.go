package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/scrypster/canopy/internal/embedding"
	"github.com/scrypster/canopy/internal/perf"
	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// ImageRequest describes a new image entity. The bytes are kept in the
// entity's image metadata; Description doubles as its text content.
type ImageRequest struct {
	ID          string
	ParentID    string
	Filename    string
	MimeType    string
	Width       uint32
	Height      uint32
	Description string
	EXIF        json.RawMessage
	Data        []byte

	Embeddings embedding.Input
	Generate   bool
}

func (r ImageRequest) validate() error {
	if len(r.Data) == 0 {
		return storage.Validationf("image data is required")
	}
	if !strings.HasPrefix(r.MimeType, "image/") {
		return storage.Validationf("mime type %q is not an image type", r.MimeType)
	}
	if len(r.EXIF) > 0 && !json.Valid(r.EXIF) {
		return storage.Validationf("exif data is not valid JSON")
	}
	return nil
}

// CreateImage stores an image entity.
func (x *EntityEngine) CreateImage(ctx context.Context, req ImageRequest) (_ *types.Entity, err error) {
	defer x.monitor.Track(perf.OpImage)(&err)

	if err := req.validate(); err != nil {
		return nil, err
	}
	meta := types.ImageMeta(types.ImageMetadata{
		Filename:    req.Filename,
		MimeType:    req.MimeType,
		Width:       req.Width,
		Height:      req.Height,
		Description: req.Description,
		EXIF:        slices.Clone(req.EXIF),
		Data:        slices.Clone(req.Data),
	})
	return x.Create(ctx, CreateRequest{
		ID:         req.ID,
		Type:       types.TypeImage,
		Content:    req.Description,
		Metadata:   meta,
		ParentID:   req.ParentID,
		Embeddings: req.Embeddings,
		Generate:   req.Generate,
	})
}

// GetImage returns an image entity together with its image metadata.
func (x *EntityEngine) GetImage(ctx context.Context, id string) (_ *types.Entity, _ *types.ImageMetadata, err error) {
	defer x.monitor.Track(perf.OpImage)(&err)

	ent, err := x.backend.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if ent.Type != types.TypeImage || ent.Metadata.Kind != types.MetadataImage || ent.Metadata.Image == nil {
		return nil, nil, fmt.Errorf("%w: entity %s is not an image", storage.ErrValidation, id)
	}
	return ent, ent.Metadata.Image, nil
}

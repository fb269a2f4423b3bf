// Package engine is the entity API: it validates requests, serialises
// writes per subtree, and routes every operation through the hierarchy
// index, embedding manager and search engine over one shared backend.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/canopy/internal/embedding"
	"github.com/scrypster/canopy/internal/hierarchy"
	"github.com/scrypster/canopy/internal/perf"
	"github.com/scrypster/canopy/internal/search"
	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// lockAttempts bounds how often a writer re-resolves subtree roots that a
// concurrent move changed between lookup and lock.
const lockAttempts = 8

// DeletePolicy selects what happens to the children of a deleted entity.
type DeletePolicy string

const (
	// DeleteReparent splices the children into the deleted entity's place.
	DeleteReparent DeletePolicy = "reparent"
	// DeleteCascade removes the whole subtree.
	DeleteCascade DeletePolicy = "cascade"
)

// Valid reports whether p names a known policy.
func (p DeletePolicy) Valid() bool {
	return p == DeleteReparent || p == DeleteCascade
}

// Options configures an EntityEngine.
type Options struct {
	Embedding embedding.Options
	Search    search.Config
	Hierarchy hierarchy.Options

	// DeletePolicy is the default applied when DeleteOptions leaves the
	// policy empty. Defaults to DeleteReparent.
	DeletePolicy DeletePolicy

	// Monitor times every operation. Nil creates a private monitor.
	Monitor *perf.Monitor

	Logger *slog.Logger

	// Now is the clock for created_at/updated_at. Defaults to time.Now.
	Now func() time.Time
}

// EntityEngine is the entry point for entity reads, writes and searches.
// It is safe for concurrent use.
type EntityEngine struct {
	backend storage.Backend
	embed   *embedding.Manager
	index   *hierarchy.Index
	search  *search.Engine
	locks   *hierarchy.Locker
	ids     *hierarchy.Locker
	monitor *perf.Monitor
	policy  DeletePolicy
	logger  *slog.Logger
	now     func() time.Time
}

// New wires an EntityEngine over backend.
func New(backend storage.Backend, opts Options) (*EntityEngine, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", storage.ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DeletePolicy == "" {
		opts.DeletePolicy = DeleteReparent
	}
	if !opts.DeletePolicy.Valid() {
		return nil, storage.Validationf("invalid delete policy %q", opts.DeletePolicy)
	}

	if opts.Embedding.Logger == nil {
		opts.Embedding.Logger = opts.Logger
	}
	embed, err := embedding.NewManager(opts.Embedding)
	if err != nil {
		return nil, fmt.Errorf("invalid embedding config: %w", err)
	}

	if opts.Search == (search.Config{}) {
		opts.Search = search.DefaultConfig()
	}
	searcher, err := search.New(backend, opts.Search, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("invalid search config: %w", err)
	}

	if opts.Hierarchy.Logger == nil {
		opts.Hierarchy.Logger = opts.Logger
	}
	if opts.Monitor == nil {
		opts.Monitor = perf.NewMonitor(perf.Options{Logger: opts.Logger})
	}

	return &EntityEngine{
		backend: backend,
		embed:   embed,
		index:   hierarchy.New(backend, opts.Hierarchy),
		search:  searcher,
		locks:   hierarchy.NewLocker(),
		ids:     hierarchy.NewLocker(),
		monitor: opts.Monitor,
		policy:  opts.DeletePolicy,
		logger:  opts.Logger,
		now:     opts.Now,
	}, nil
}

// Monitor returns the operation monitor.
func (x *EntityEngine) Monitor() *perf.Monitor { return x.monitor }

// Embeddings returns the embedding manager.
func (x *EntityEngine) Embeddings() *embedding.Manager { return x.embed }

// Index returns the hierarchy index.
func (x *EntityEngine) Index() *hierarchy.Index { return x.index }

// Close releases the backend.
func (x *EntityEngine) Close() error {
	return x.backend.Close()
}

// CreateRequest describes a new entity.
type CreateRequest struct {
	// ID is assigned when empty.
	ID       string
	Type     types.EntityType
	Content  string
	Metadata types.Metadata

	// ParentID attaches the entity under an existing parent. Empty makes
	// it a root.
	ParentID string

	// BeforeSiblingID places the entity directly after this child of the
	// parent. Empty appends it as the last child.
	BeforeSiblingID string

	Embeddings embedding.Input

	// Generate asks the configured generator for the individual vector
	// when Embeddings carries none.
	Generate bool
}

// Create stores a new entity and links it into its parent's subtree.
// Embeddings are validated before anything is written.
func (x *EntityEngine) Create(ctx context.Context, req CreateRequest) (_ *types.Entity, err error) {
	defer x.monitor.Track(perf.OpCreate)(&err)

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := x.now().UTC()
	ent := &types.Entity{
		ID:        id,
		Type:      req.Type,
		Content:   req.Content,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  req.Metadata.Clone(),
	}
	if err := ent.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}

	in := req.Embeddings
	if req.Generate && in.Individual == nil {
		gen, err := x.embed.Generate(ctx, embedding.ContentOf(ent))
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", id, err)
		}
		in.Individual, in.Model = gen.Individual, gen.Model
	}
	if err := x.embed.Prepare(ent, in, now); err != nil {
		return nil, err
	}

	// The id lock is always taken before any root lock. Parents in different
	// subtrees share no root lock, so it alone serialises duplicate ids.
	defer x.ids.Lock(id)()
	unlock, err := x.lockRoots(ctx, req.ParentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := x.backend.Get(ctx, id); err == nil {
		return nil, storage.Validationf("entity %s already exists", id)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	plan, err := x.index.PlanAttachAfter(ctx, ent, req.ParentID, req.BeforeSiblingID)
	if err != nil {
		return nil, err
	}
	if err := plan.Apply(ctx); err != nil {
		return nil, err
	}

	x.logger.Debug("engine: entity created", "id", id, "type", ent.Type, "parent", req.ParentID)
	return ent.Clone(), nil
}

// Get returns one entity.
func (x *EntityEngine) Get(ctx context.Context, id string) (_ *types.Entity, err error) {
	defer x.monitor.Track(perf.OpGet)(&err)
	return x.backend.Get(ctx, id)
}

// UpdateRequest lists the fields to change. Nil fields are kept.
type UpdateRequest struct {
	Content  *string
	Metadata *types.Metadata

	// Embeddings replaces the whole embedding set.
	Embeddings *embedding.Input

	// Generate replaces only the individual vector with one generated from
	// the updated content. Ignored when Embeddings is set.
	Generate bool
}

// Update edits an entity's own fields. The id, type, created_at and the
// hierarchy linkage never change here; updated_at only moves forward.
func (x *EntityEngine) Update(ctx context.Context, id string, req UpdateRequest) (_ *types.Entity, err error) {
	defer x.monitor.Track(perf.OpUpdate)(&err)

	var gen *embedding.Input
	if req.Generate && req.Embeddings == nil {
		// Generated before the root locks are taken.
		cur, err := x.backend.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Content != nil {
			cur.Content = *req.Content
		}
		in, err := x.embed.Generate(ctx, embedding.ContentOf(cur))
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", id, err)
		}
		gen = &in
	}

	unlock, err := x.lockRoots(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ent, err := x.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := x.now().UTC()
	if req.Content != nil {
		ent.Content = *req.Content
	}
	in := req.Embeddings
	if gen != nil {
		kept := embedding.InputOf(ent)
		kept.Individual, kept.Model = gen.Individual, gen.Model
		in = &kept
	}
	if in != nil {
		if err := x.embed.Prepare(ent, *in, now); err != nil {
			return nil, err
		}
	}
	if req.Metadata != nil {
		ent.Metadata = req.Metadata.Clone()
	}
	ent.Touch(now)

	if err := x.backend.Put(ctx, ent); err != nil {
		return nil, err
	}
	x.logger.Debug("engine: entity updated", "id", id)
	return ent, nil
}

// Move re-parents id under newParentID, or makes it a root when
// newParentID is empty. The whole moved subtree is re-stamped with its new
// root in the same batch.
func (x *EntityEngine) Move(ctx context.Context, id, newParentID string) (_ *types.Entity, err error) {
	defer x.monitor.Track(perf.OpMove)(&err)

	unlock, err := x.lockRoots(ctx, id, newParentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ent, err := x.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ent.Hierarchy.ParentID == newParentID {
		return ent, nil
	}

	ent.Touch(x.now().UTC())
	plan, err := x.index.PlanAttach(ctx, ent, newParentID)
	if err != nil {
		return nil, err
	}
	if err := plan.Apply(ctx); err != nil {
		return nil, err
	}

	x.logger.Debug("engine: entity moved", "id", id, "parent", newParentID, "rows", len(plan.Puts()))
	return ent.Clone(), nil
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// Policy overrides the engine default when set.
	Policy DeletePolicy
}

// Delete removes id. Its children are either spliced into its place or
// removed with it, per the delete policy. The ids removed are returned.
func (x *EntityEngine) Delete(ctx context.Context, id string, opts DeleteOptions) (_ []string, err error) {
	defer x.monitor.Track(perf.OpDelete)(&err)

	policy := opts.Policy
	if policy == "" {
		policy = x.policy
	}
	if !policy.Valid() {
		return nil, storage.Validationf("invalid delete policy %q", policy)
	}

	unlock, err := x.lockRoots(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	plan, err := x.index.PlanDelete(ctx, id, policy == DeleteCascade)
	if err != nil {
		return nil, err
	}
	if err := plan.Apply(ctx); err != nil {
		return nil, err
	}

	x.logger.Debug("engine: entity deleted", "id", id, "policy", policy, "removed", len(plan.Deletes()))
	return plan.Deletes(), nil
}

// GetSubtree returns rootID and every entity beneath it. rootID must name a
// subtree root: an entity that has a parent yields a storage.ErrValidation
// error, and a missing one yields storage.ErrNotFound. When the stored
// stamps disagree with the linkage the nodes come back together with a
// *storage.ConsistencyError.
func (x *EntityEngine) GetSubtree(ctx context.Context, rootID string) (_ []*types.Entity, err error) {
	defer x.monitor.Track(perf.OpSubtree)(&err)
	return x.index.GetNodesByRoot(ctx, rootID)
}

// GetSubtreeByType is GetSubtree restricted to one entity type, with the
// same root requirement.
func (x *EntityEngine) GetSubtreeByType(ctx context.Context, rootID string, typ types.EntityType) (_ []*types.Entity, err error) {
	defer x.monitor.Track(perf.OpSubtree)(&err)
	return x.index.GetNodesByRootAndType(ctx, rootID, typ)
}

// GetChildren returns the direct children of parentID in sibling order.
func (x *EntityEngine) GetChildren(ctx context.Context, parentID string) (_ []*types.Entity, err error) {
	defer x.monitor.Track(perf.OpChildren)(&err)
	return x.index.Children(ctx, parentID)
}

// SearchByVector returns the entities nearest to vector at one level.
func (x *EntityEngine) SearchByVector(ctx context.Context, vector []float32, opts search.VectorSearchOptions) (_ []storage.VectorHit, err error) {
	defer x.monitor.Track(perf.OpVectorSearch)(&err)
	if err := x.embed.CheckVector(opts.Level, vector); err != nil {
		return nil, err
	}
	return x.search.SearchByVector(ctx, vector, opts)
}

// HybridSearch ranks entities by semantic, structural and temporal
// relevance. A response marked Partial is returned with a nil error when
// the time budget ran out.
func (x *EntityEngine) HybridSearch(ctx context.Context, q search.Query) (_ *search.Response, err error) {
	defer x.monitor.Track(perf.OpHybridSearch)(&err)
	for _, level := range storage.Levels {
		if err := x.embed.CheckVector(level, q.Vectors.Of(level)); err != nil {
			return nil, err
		}
	}
	return x.search.Hybrid(ctx, q)
}

// SearchMultimodal runs q restricted to the given entity types.
func (x *EntityEngine) SearchMultimodal(ctx context.Context, q search.Query, typs ...types.EntityType) (*search.Response, error) {
	if len(typs) == 0 {
		return nil, storage.Validationf("multimodal search needs at least one type")
	}
	q.Types = slices.Clone(typs)
	return x.HybridSearch(ctx, q)
}

// RebuildRoots recomputes the root stamps of rootID's subtree.
func (x *EntityEngine) RebuildRoots(ctx context.Context, rootID string) (_ hierarchy.RebuildStats, err error) {
	defer x.monitor.Track(perf.OpRebuild)(&err)

	unlock := x.locks.Lock(rootID)
	defer unlock()

	stats, err := x.index.RebuildRootIDs(ctx, rootID)
	if err != nil {
		return stats, err
	}
	x.logger.Info("engine: root ids rebuilt", "root", rootID, "visited", stats.Visited, "updated", stats.Updated)
	return stats, nil
}

// Verify reports every inconsistency in rootID's subtree.
func (x *EntityEngine) Verify(ctx context.Context, rootID string) (_ *hierarchy.ConsistencyReport, err error) {
	defer x.monitor.Track(perf.OpVerify)(&err)
	return x.index.Verify(ctx, rootID)
}

// StoreStats summarises the stored entities.
type StoreStats struct {
	Total  int                      `json:"total"`
	Roots  int                      `json:"roots"`
	ByType map[types.EntityType]int `json:"by_type"`
}

// Stats counts the stored entities, per type for typs or for the built-in
// types when none are given.
func (x *EntityEngine) Stats(ctx context.Context, typs ...types.EntityType) (StoreStats, error) {
	if len(typs) == 0 {
		typs = []types.EntityType{types.TypeText, types.TypeImage, types.TypeDate, types.TypeTask, types.TypeProject}
	}
	var stats StoreStats
	var err error
	if stats.Total, err = x.backend.Count(ctx, storage.Filter{}); err != nil {
		return stats, err
	}
	if stats.Roots, err = x.backend.Count(ctx, storage.Filter{RootsOnly: true}); err != nil {
		return stats, err
	}
	stats.ByType = make(map[types.EntityType]int, len(typs))
	for _, t := range typs {
		n, err := x.backend.Count(ctx, storage.Filter{Types: []types.EntityType{t}})
		if err != nil {
			return stats, err
		}
		stats.ByType[t] = n
	}
	return stats, nil
}

// lockRoots locks the subtree roots of ids. A root can change between the
// lookup and the lock when another writer moves the subtree, so the roots
// are resolved again under the lock and the attempt repeated on a change.
// Missing ids are skipped; the operation itself reports them.
func (x *EntityEngine) lockRoots(ctx context.Context, ids ...string) (func(), error) {
	for range lockAttempts {
		roots, err := x.rootsOf(ctx, ids)
		if err != nil {
			return nil, err
		}
		unlock := x.locks.Lock(roots...)
		again, err := x.rootsOf(ctx, ids)
		if err != nil {
			unlock()
			return nil, err
		}
		if slices.Equal(roots, again) {
			return unlock, nil
		}
		unlock()
	}
	return nil, fmt.Errorf("%w: subtree root of %v kept changing", storage.ErrConsistency, ids)
}

func (x *EntityEngine) rootsOf(ctx context.Context, ids []string) ([]string, error) {
	var roots []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		e, err := x.backend.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		roots = append(roots, e.EffectiveRootID())
	}
	slices.Sort(roots)
	return slices.Compact(roots), nil
}

package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// errBoundsExceeded stops a structural walk that hit its node budget.
var errBoundsExceeded = errors.New("structural walk bounds exceeded")

// walkBounds tracks and enforces the limits of one structural walk.
type walkBounds struct {
	maxHops   int
	maxNodes  int
	nodes     int
	edges     int
	startTime time.Time
}

// walkStats describes a finished or interrupted walk.
type walkStats struct {
	Nodes   int
	Edges   int
	Depth   int
	Elapsed time.Duration
}

func newWalkBounds(maxHops, maxNodes int) *walkBounds {
	return &walkBounds{maxHops: maxHops, maxNodes: maxNodes, startTime: time.Now()}
}

// canContinue reports whether another level at depth may be expanded.
// Context errors take priority over bounds.
func (b *walkBounds) canContinue(ctx context.Context, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.nodes >= b.maxNodes {
		return fmt.Errorf("%w: max nodes (%d)", errBoundsExceeded, b.maxNodes)
	}
	if depth >= b.maxHops {
		return fmt.Errorf("%w: max hops (%d)", errBoundsExceeded, b.maxHops)
	}
	return nil
}

func (b *walkBounds) canVisit() bool { return b.nodes < b.maxNodes }

func (b *walkBounds) recordNode() { b.nodes++ }

func (b *walkBounds) recordEdge() { b.edges++ }

func (b *walkBounds) stats(depth int) walkStats {
	return walkStats{Nodes: b.nodes, Edges: b.edges, Depth: depth, Elapsed: time.Since(b.startTime)}
}

// proximityCacheSize bounds the per-search entity cache.
const proximityCacheSize = 1024

// proximity holds hop distances from an anchor, computed by a breadth-first
// walk over parent, child and sibling edges. Entity lookups go through an
// LRU cache that lives for one search.
type proximity struct {
	backend storage.Backend
	cache   *lru.Cache[string, *types.Entity]
	hops    map[string]int
	decay   float64

	// complete is false when the walk stopped early on its budget.
	complete bool
	stats    walkStats
}

func newProximity(backend storage.Backend, decay float64) (*proximity, error) {
	cache, err := lru.New[string, *types.Entity](proximityCacheSize)
	if err != nil {
		return nil, err
	}
	return &proximity{backend: backend, cache: cache, hops: map[string]int{}, decay: decay}, nil
}

// seed primes the cache with entities already loaded by retrieval.
func (p *proximity) seed(entities ...*types.Entity) {
	for _, e := range entities {
		p.cache.Add(e.ID, e)
	}
}

// fetch resolves ids through the cache, loading the misses with one scan.
func (p *proximity) fetch(ctx context.Context, ids []string) (map[string]*types.Entity, error) {
	out := make(map[string]*types.Entity, len(ids))
	var missing []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if e, ok := p.cache.Get(id); ok {
			out[id] = e
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}
	rows, err := p.backend.Scan(ctx, storage.Filter{IDs: missing})
	if err != nil {
		return nil, err
	}
	for _, e := range rows {
		p.cache.Add(e.ID, e)
		out[e.ID] = e
	}
	return out, nil
}

// walk computes hop distances from anchorID up to maxHops. Context errors
// are returned; running out of the node budget just marks the walk
// incomplete.
func (p *proximity) walk(ctx context.Context, anchorID string, maxHops, maxNodes int) error {
	anchor, err := p.fetch(ctx, []string{anchorID})
	if err != nil {
		return err
	}
	if _, ok := anchor[anchorID]; !ok {
		return storage.NotFoundf("anchor entity %s", anchorID)
	}

	b := newWalkBounds(maxHops, maxNodes)
	p.hops[anchorID] = 0
	b.recordNode()
	frontier := []string{anchorID}

	depth := 0
	for ; len(frontier) > 0; depth++ {
		if err := b.canContinue(ctx, depth); err != nil {
			if errors.Is(err, errBoundsExceeded) {
				p.complete = depth >= maxHops
				p.stats = b.stats(depth)
				return nil
			}
			p.stats = b.stats(depth)
			return err
		}

		nodes, err := p.fetch(ctx, frontier)
		if err != nil {
			return err
		}
		parentIDs := make([]string, 0, len(frontier))
		for _, id := range frontier {
			if n, ok := nodes[id]; ok {
				parentIDs = append(parentIDs, n.Hierarchy.ParentID)
			}
		}
		parents, err := p.fetch(ctx, parentIDs)
		if err != nil {
			return err
		}

		var next []string
		visit := func(id string) {
			if id == "" {
				return
			}
			b.recordEdge()
			if _, seen := p.hops[id]; seen || !b.canVisit() {
				return
			}
			p.hops[id] = depth + 1
			b.recordNode()
			next = append(next, id)
		}
		for _, id := range frontier {
			n, ok := nodes[id]
			if !ok {
				continue
			}
			visit(n.Hierarchy.ParentID)
			for _, c := range n.Hierarchy.ChildrenIDs {
				visit(c)
			}
			if parent, ok := parents[n.Hierarchy.ParentID]; ok {
				for _, s := range parent.Hierarchy.ChildrenIDs {
					visit(s)
				}
			}
		}
		frontier = next
	}
	p.complete = true
	p.stats = b.stats(depth)
	return nil
}

// score returns decay^hops, or 0 for entities the walk did not reach.
func (p *proximity) score(id string) float64 {
	h, ok := p.hops[id]
	if !ok {
		return 0
	}
	return math.Pow(p.decay, float64(h))
}

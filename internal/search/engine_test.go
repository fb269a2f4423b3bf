package search

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/canopy/internal/hierarchy"
	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/internal/storage/memstore"
	"github.com/scrypster/canopy/pkg/types"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// corpus builds a small consistent tree in a memstore.
type corpus struct {
	t     *testing.T
	store *memstore.Store
	nodes map[string]*types.Entity
	order []string
}

func newCorpus(t *testing.T) *corpus {
	t.Helper()
	store := memstore.New(memstore.Options{Dimension: 2})
	t.Cleanup(func() { _ = store.Close() })
	return &corpus{t: t, store: store, nodes: map[string]*types.Entity{}}
}

// add stages an entity created age ago. A nil vec gives it the zero stand-in.
func (c *corpus) add(id string, typ types.EntityType, parentID string, vec []float32, age time.Duration) *types.Entity {
	c.t.Helper()
	created := now.Add(-age)
	e := &types.Entity{ID: id, Type: typ, Content: id, CreatedAt: created, UpdatedAt: created}
	if vec == nil {
		vec = []float32{0, 0}
	} else {
		e.Embeddings.Model = "test-model"
	}
	e.Embeddings.Individual = vec
	e.Embeddings.Vector = vec
	if parentID != "" {
		p, ok := c.nodes[parentID]
		require.True(c.t, ok, "parent %s staged first", parentID)
		hierarchy.AssignRootOnAttach(e, p)
		if n := len(p.Hierarchy.ChildrenIDs); n > 0 {
			e.Hierarchy.BeforeSiblingID = p.Hierarchy.ChildrenIDs[n-1]
		}
		p.AddChild(id)
	}
	c.nodes[id] = e
	c.order = append(c.order, id)
	return e
}

func (c *corpus) commit() storage.Backend {
	c.t.Helper()
	rows := make([]*types.Entity, 0, len(c.order))
	for _, id := range c.order {
		rows = append(rows, c.nodes[id])
	}
	require.NoError(c.t, c.store.PutBatch(context.Background(), rows))
	return c.store
}

func newEngine(t *testing.T, b storage.Backend, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(b, cfg, nil)
	require.NoError(t, err)
	return e
}

func semanticOnly() *Weights { return &Weights{Semantic: 1} }

func floatPtr(f float64) *float64 { return &f }

func factorsByID(resp *Response) map[string]Factors {
	out := map[string]Factors{}
	for _, r := range resp.Results {
		out[r.Entity.ID] = r.Factors
	}
	return out
}

func TestHybrid_ScenarioClosestFirst(t *testing.T) {
	c := newCorpus(t)
	c.add("D", types.TypeDate, "", nil, 3*time.Hour)
	c.add("A", types.TypeText, "D", []float32{1, 0}, 2*time.Hour)
	c.add("B", types.TypeText, "D", []float32{0.6, 0.8}, time.Hour)
	e := newEngine(t, c.commit(), nil)

	resp, err := e.Hybrid(context.Background(), Query{
		Vectors: QueryVectors{Individual: []float32{1, 0}},
		Weights: semanticOnly(),
		Now:     now,
	})
	require.NoError(t, err)
	require.NoError(t, resp.Err())
	assert.Equal(t, []string{"A", "B"}, resp.IDs(), "stand-in root never matches")
	assert.InDelta(t, 1.0, resp.Results[0].FinalScore, 1e-6)
	assert.InDelta(t, 0.8, resp.Results[1].FinalScore, 1e-6)
}

func TestHybrid_TieBreak(t *testing.T) {
	c := newCorpus(t)
	c.add("b", types.TypeText, "", []float32{1, 1}, 2*time.Hour)
	c.add("a", types.TypeText, "", []float32{1, 1}, 2*time.Hour)
	c.add("c", types.TypeText, "", []float32{1, 1}, time.Hour)
	e := newEngine(t, c.commit(), nil)

	q := Query{Vectors: QueryVectors{Individual: []float32{1, 1}}, Weights: semanticOnly(), Now: now}
	first, err := e.Hybrid(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, first.IDs(), "newest first, then id")

	for i := 0; i < 5; i++ {
		again, err := e.Hybrid(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, first.Results, again.Results)
	}
}

func TestHybrid_ThresholdIsHardFilter(t *testing.T) {
	c := newCorpus(t)
	c.add("R", types.TypeDate, "", []float32{1, 0}, time.Hour)
	c.add("opp", types.TypeText, "R", []float32{-1, 0}, time.Hour)
	c.add("near", types.TypeText, "R", []float32{0.9, 0.1}, time.Hour)
	e := newEngine(t, c.commit(), func(cfg *Config) { cfg.MinSimilarityThreshold = 0.5 })

	resp, err := e.Hybrid(context.Background(), Query{
		Vectors:  QueryVectors{Individual: []float32{1, 0}},
		AnchorID: "opp",
		Weights:  &Weights{Structural: 1},
		Now:      now,
		Trace:    true,
	})
	require.NoError(t, err)
	assert.NotContains(t, resp.IDs(), "opp", "anchor below threshold is dropped")
	for _, r := range resp.Results {
		assert.GreaterOrEqual(t, r.Factors.Semantic, 0.5)
	}

	var filtered []string
	for _, ev := range resp.Trace {
		if ev.Kind == KindFilteredOut && ev.FilterReason == ReasonBelowThreshold {
			filtered = append(filtered, ev.EntityID)
		}
	}
	assert.Equal(t, []string{"opp"}, filtered)
}

func TestHybrid_Structural(t *testing.T) {
	c := newCorpus(t)
	same := []float32{1, 0}
	c.add("R", types.TypeDate, "", same, 5*time.Hour)
	c.add("X", types.TypeText, "R", same, 4*time.Hour)
	c.add("Z", types.TypeText, "R", same, 4*time.Hour)
	c.add("Y", types.TypeText, "X", same, 3*time.Hour)
	c.add("Y2", types.TypeText, "Y", same, 2*time.Hour)
	c.add("Q", types.TypeDate, "", same, time.Hour)
	c.add("W", types.TypeText, "Q", same, time.Hour)
	b := c.commit()

	q := Query{
		Vectors:       QueryVectors{Individual: same},
		AnchorID:      "X",
		Weights:       &Weights{Structural: 1},
		MinSimilarity: floatPtr(0),
		Now:           now,
	}

	resp, err := newEngine(t, b, nil).Hybrid(context.Background(), q)
	require.NoError(t, err)
	f := factorsByID(resp)
	assert.InDelta(t, 1.0, f["X"].Structural, 1e-9)
	assert.InDelta(t, 0.5, f["R"].Structural, 1e-9, "parent")
	assert.InDelta(t, 0.5, f["Y"].Structural, 1e-9, "child")
	assert.InDelta(t, 0.5, f["Z"].Structural, 1e-9, "sibling")
	assert.InDelta(t, 0.25, f["Y2"].Structural, 1e-9, "grandchild")
	assert.Zero(t, f["W"].Structural, "other tree")
	assert.Zero(t, f["Q"].Structural)
	assert.Equal(t, "X", resp.IDs()[0])

	resp, err = newEngine(t, b, func(cfg *Config) { cfg.MaxHops = 1 }).Hybrid(context.Background(), q)
	require.NoError(t, err)
	assert.Zero(t, factorsByID(resp)["Y2"].Structural, "beyond max hops")

	q.AnchorID = "ghost"
	_, err = newEngine(t, b, nil).Hybrid(context.Background(), q)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHybrid_Temporal(t *testing.T) {
	c := newCorpus(t)
	c.add("old", types.TypeText, "", []float32{1, 0}, 48*time.Hour)
	c.add("new", types.TypeText, "", []float32{1, 0}, time.Hour)
	e := newEngine(t, c.commit(), nil)

	resp, err := e.Hybrid(context.Background(), Query{
		Vectors: QueryVectors{Individual: []float32{1, 0}},
		Weights: &Weights{Temporal: 1},
		Now:     now,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, resp.IDs())
	f := factorsByID(resp)
	assert.InDelta(t, 0.99005, f["new"].Temporal, 1e-4)
	assert.InDelta(t, 0.61878, f["old"].Temporal, 1e-4)
}

func TestHybrid_CrossModal(t *testing.T) {
	c := newCorpus(t)
	c.add("t1", types.TypeText, "", []float32{1, 0}, time.Hour)
	c.add("i1", types.TypeImage, "", []float32{1, 0}, time.Hour)
	c.add("i2", types.TypeImage, "", []float32{0, 1}, time.Hour)
	e := newEngine(t, c.commit(), nil)

	q := Query{
		Vectors:     QueryVectors{Individual: []float32{1, 0}},
		PrimaryType: types.TypeText,
		Weights:     semanticOnly(),
		Now:         now,
	}
	resp, err := e.Hybrid(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, resp.IDs(), "primary type only")

	q.CrossModal = true
	resp, err = e.Hybrid(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "t1", "i2"}, resp.IDs())
	f := factorsByID(resp)
	assert.InDelta(t, 0.1, f["i1"].CrossModal, 1e-9)
	assert.Zero(t, f["t1"].CrossModal)
	assert.InDelta(t, 1.1, resp.Results[0].FinalScore, 1e-6)
}

func TestHybrid_TypeRestriction(t *testing.T) {
	c := newCorpus(t)
	c.add("t1", types.TypeText, "", []float32{1, 0}, time.Hour)
	c.add("i1", types.TypeImage, "", []float32{1, 0}, time.Hour)
	c.add("k1", types.TypeTask, "", []float32{1, 0}, time.Hour)
	e := newEngine(t, c.commit(), nil)

	resp, err := e.Hybrid(context.Background(), Query{
		Vectors: QueryVectors{Individual: []float32{1, 0}},
		Types:   []types.EntityType{types.TypeImage, types.TypeTask},
		Now:     now,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"i1", "k1"}, resp.IDs())
}

func TestHybrid_LevelFusion(t *testing.T) {
	c := newCorpus(t)
	f := c.add("F", types.TypeText, "", []float32{1, 0}, time.Hour)
	f.Embeddings.Contextual = []float32{0, 1}
	c.add("G", types.TypeText, "", []float32{1, 0}, 2*time.Hour)
	e := newEngine(t, c.commit(), nil)

	q := Query{
		Vectors: QueryVectors{Individual: []float32{1, 0}, Contextual: []float32{1, 0}},
		Weights: semanticOnly(),
		Now:     now,
	}
	resp, err := e.Hybrid(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"F", "G"}, resp.IDs(), "best level ties, newer wins")
	assert.InDelta(t, 1.0, factorsByID(resp)["F"].Semantic, 1e-9)
	assert.Len(t, resp.Results[0].Levels, 2)

	q.EnableLevelFusion = true
	resp, err = e.Hybrid(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"G", "F"}, resp.IDs())
	assert.InDelta(t, (0.6*1+0.25*0.5)/0.85, factorsByID(resp)["F"].Semantic, 1e-9)
}

func TestHybrid_RootScope(t *testing.T) {
	c := newCorpus(t)
	c.add("R", types.TypeDate, "", []float32{1, 0}, time.Hour)
	c.add("X", types.TypeText, "R", []float32{1, 0}, time.Hour)
	c.add("Q", types.TypeDate, "", []float32{1, 0}, time.Hour)
	c.add("W", types.TypeText, "Q", []float32{1, 0}, time.Hour)
	e := newEngine(t, c.commit(), nil)

	resp, err := e.Hybrid(context.Background(), Query{
		Vectors: QueryVectors{Individual: []float32{1, 0}},
		RootID:  "R",
		Now:     now,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"R", "X"}, resp.IDs())
}

func TestHybrid_MaxResults(t *testing.T) {
	c := newCorpus(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		c.add(id, types.TypeText, "", []float32{1, 0}, time.Hour)
	}
	e := newEngine(t, c.commit(), func(cfg *Config) { cfg.MaxResults = 3 })

	resp, err := e.Hybrid(context.Background(), Query{Vectors: QueryVectors{Individual: []float32{1, 0}}, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, resp.IDs())

	resp, err = e.Hybrid(context.Background(), Query{Vectors: QueryVectors{Individual: []float32{1, 0}}, MaxResults: 1, Now: now})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resp.IDs())
}

func TestHybrid_Validation(t *testing.T) {
	c := newCorpus(t)
	e := newEngine(t, c.commit(), nil)

	_, err := e.Hybrid(context.Background(), Query{})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = e.Hybrid(context.Background(), Query{
		Vectors: QueryVectors{Individual: []float32{1, 0}},
		Weights: &Weights{Semantic: -1},
	})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = e.Hybrid(context.Background(), Query{Vectors: QueryVectors{Individual: []float32{1, 0, 0}}})
	assert.ErrorIs(t, err, storage.ErrValidation, "dimension mismatch from the backend")
}

func TestHybrid_Trace(t *testing.T) {
	c := newCorpus(t)
	c.add("a", types.TypeText, "", []float32{1, 0}, time.Hour)
	c.add("z", types.TypeText, "", []float32{-1, 0}, time.Hour)
	c.add("s", types.TypeText, "", nil, time.Hour)
	e := newEngine(t, c.commit(), nil)

	resp, err := e.Hybrid(context.Background(), Query{Vectors: QueryVectors{Individual: []float32{1, 0}}, Now: now, Trace: true})
	require.NoError(t, err)

	kinds := map[TraceEventKind]int{}
	for _, ev := range resp.Trace {
		kinds[ev.Kind]++
	}
	assert.Equal(t, 1, kinds[KindSearchStarted])
	assert.Equal(t, 1, kinds[KindCandidatesFound])
	assert.Equal(t, 1, kinds[KindScoredCandidate])
	assert.Equal(t, 1, kinds[KindFilteredOut], "below threshold; the stand-in never becomes a candidate")
	assert.Equal(t, 1, kinds[KindResultsReturned])

	last := resp.Trace[len(resp.Trace)-1]
	assert.Equal(t, []string{"a"}, last.EntityIDs)

	resp, err = e.Hybrid(context.Background(), Query{Vectors: QueryVectors{Individual: []float32{1, 0}}, Now: now})
	require.NoError(t, err)
	assert.Empty(t, resp.Trace)
}

// slowBackend blocks VectorSearch calls after the first `fast` ones until
// the context ends.
type slowBackend struct {
	storage.Backend
	fast  int32
	calls atomic.Int32
}

func (b *slowBackend) VectorSearch(ctx context.Context, q storage.VectorQuery) ([]storage.VectorHit, error) {
	if b.calls.Add(1) > b.fast {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return b.Backend.VectorSearch(ctx, q)
}

func TestHybrid_TimeoutReturnsPartial(t *testing.T) {
	c := newCorpus(t)
	a := c.add("a", types.TypeText, "", []float32{1, 0}, time.Hour)
	a.Embeddings.Contextual = []float32{1, 0}
	b := &slowBackend{Backend: c.commit(), fast: 1}
	e := newEngine(t, b, func(cfg *Config) { cfg.SearchTimeout = 30 * time.Millisecond })

	resp, err := e.Hybrid(context.Background(), Query{
		Vectors: QueryVectors{Individual: []float32{1, 0}, Contextual: []float32{1, 0}},
		Now:     now,
		Trace:   true,
	})
	require.NoError(t, err)
	assert.True(t, resp.Partial)
	assert.ErrorIs(t, resp.Err(), storage.ErrPartialResult)
	assert.Equal(t, []string{"a"}, resp.IDs(), "individual-level hits survive")
	assert.True(t, resp.Trace[len(resp.Trace)-1].Partial)
}

func TestHybrid_CallerCancel(t *testing.T) {
	c := newCorpus(t)
	c.add("a", types.TypeText, "", []float32{1, 0}, time.Hour)
	b := &slowBackend{Backend: c.commit()}
	e := newEngine(t, b, func(cfg *Config) { cfg.SearchTimeout = 5 * time.Second })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	resp, err := e.Hybrid(ctx, Query{Vectors: QueryVectors{Individual: []float32{1, 0}}, Now: now})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, resp)
}

func TestSearchByVector(t *testing.T) {
	c := newCorpus(t)
	c.add("R", types.TypeDate, "", nil, 3*time.Hour)
	x := c.add("X", types.TypeText, "R", []float32{1, 0}, 2*time.Hour)
	x.Embeddings.Contextual = []float32{0, 1}
	c.add("Y", types.TypeImage, "R", []float32{0.8, 0.6}, time.Hour)
	c.add("W", types.TypeText, "", []float32{0.9, 0.1}, time.Hour)
	e := newEngine(t, c.commit(), nil)
	ctx := context.Background()

	hits, err := e.SearchByVector(ctx, []float32{1, 0}, VectorSearchOptions{})
	require.NoError(t, err)
	ids := func(hits []storage.VectorHit) []string {
		out := make([]string, len(hits))
		for i, h := range hits {
			out[i] = h.Entity.ID
		}
		return out
	}
	assert.Equal(t, []string{"X", "W", "Y"}, ids(hits), "stand-in R excluded")
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-6)

	hits, err = e.SearchByVector(ctx, []float32{1, 0}, VectorSearchOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, ids(hits))

	hits, err = e.SearchByVector(ctx, []float32{1, 0}, VectorSearchOptions{Types: []types.EntityType{types.TypeImage}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Y"}, ids(hits))

	hits, err = e.SearchByVector(ctx, []float32{0, 1}, VectorSearchOptions{Level: storage.LevelContextual})
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, ids(hits))

	hits, err = e.SearchByVector(ctx, []float32{1, 0}, VectorSearchOptions{RootID: "R"})
	require.NoError(t, err)
	assert.Equal(t, []string{"X", "Y"}, ids(hits))

	_, err = e.SearchByVector(ctx, nil, VectorSearchOptions{})
	assert.ErrorIs(t, err, storage.ErrValidation)
	_, err = e.SearchByVector(ctx, []float32{1, 0}, VectorSearchOptions{Level: "bogus"})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestStandInsDoNotCrowdOutRealVectors(t *testing.T) {
	c := newCorpus(t)
	for _, id := range []string{"s1", "s2", "s3"} {
		c.add(id, types.TypeText, "", nil, time.Hour)
	}
	c.add("real", types.TypeText, "", []float32{-0.5, 0.866}, time.Hour)
	e := newEngine(t, c.commit(), func(cfg *Config) {
		cfg.MaxResults = 1
		cfg.CandidateMultiplier = 1
	})
	ctx := context.Background()

	resp, err := e.Hybrid(ctx, Query{
		Vectors: QueryVectors{Individual: []float32{1, 0}},
		Weights: semanticOnly(),
		Now:     now,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, resp.IDs())
	assert.InDelta(t, 0.25, resp.Results[0].Factors.Semantic, 1e-3)

	hits, err := e.SearchByVector(ctx, []float32{1, 0}, VectorSearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "real", hits[0].Entity.ID)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative weight", func(c *Config) { c.Weights.Temporal = -0.1 }},
		{"negative level weight", func(c *Config) { c.LevelWeights.Contextual = -1 }},
		{"decay above one", func(c *Config) { c.StructuralDecayPerHop = 1.5 }},
		{"threshold above one", func(c *Config) { c.MinSimilarityThreshold = 1.1 }},
		{"zero results", func(c *Config) { c.MaxResults = 0 }},
		{"too many results", func(c *Config) { c.MaxResults = storage.MaxVectorK + 1 }},
		{"negative hops", func(c *Config) { c.MaxHops = -1 }},
		{"zero multiplier", func(c *Config) { c.CandidateMultiplier = 0 }},
		{"negative timeout", func(c *Config) { c.SearchTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	// Weights that do not sum to one are accepted as given.
	cfg := DefaultConfig()
	cfg.Weights = Weights{Semantic: 2, Structural: 2, Temporal: 2}
	assert.NoError(t, cfg.Validate())
}

// Package search ranks entities against query embeddings. The plain path
// returns nearest neighbours by cosine similarity; the hybrid path re-ranks
// candidates by a weighted sum of semantic, structural and temporal
// relevance, optionally across modalities.
package search

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/canopy/internal/storage"
	"github.com/scrypster/canopy/pkg/types"
)

// scoreCheckInterval is how many candidates are scored between context
// checks.
const scoreCheckInterval = 64

// Engine runs searches against one backend.
type Engine struct {
	backend storage.Backend
	cfg     Config
	logger  *slog.Logger
}

// New validates cfg and returns an Engine.
func New(backend storage.Backend, cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{backend: backend, cfg: cfg, logger: logger}, nil
}

// Config returns the engine configuration.
func (s *Engine) Config() Config { return s.cfg }

// SearchByVector returns up to Limit entities nearest to vector at one
// level, most similar first with ties broken by id. Entities carrying only
// the zero stand-in at that level never match.
func (s *Engine) SearchByVector(ctx context.Context, vector []float32, opts VectorSearchOptions) ([]storage.VectorHit, error) {
	if len(vector) == 0 {
		return nil, storage.Validationf("query vector is required")
	}
	if opts.Level == "" {
		opts.Level = storage.LevelIndividual
	}
	if !opts.Level.Valid() {
		return nil, storage.Validationf("unknown vector level %q", opts.Level)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.MaxResults
	}
	limit = min(limit, storage.MaxVectorK)

	base := storage.Filter{Types: opts.Types}
	seen := map[string]bool{}
	top := storage.NewTopK(limit)
	for _, f := range scopeFilters(base, opts.RootID) {
		hits, err := s.backend.VectorSearch(ctx, storage.VectorQuery{Vector: vector, Level: opts.Level, K: limit, Filter: atLevel(f, opts.Level)})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if seen[h.Entity.ID] || storage.IsZeroVector(opts.Level.Of(h.Entity)) {
				continue
			}
			seen[h.Entity.ID] = true
			top.Offer(h)
		}
	}
	return top.Sorted(), nil
}

// candidate is one entity gathered during retrieval with its raw cosine
// similarity per level.
type candidate struct {
	entity *types.Entity
	sims   map[storage.VectorLevel]float64
}

// Hybrid runs a hybrid search. When the time budget runs out, the response
// holds what was ranked so far and Partial is set; the error is nil. A
// cancelled ctx returns ctx's error and no response.
func (s *Engine) Hybrid(ctx context.Context, q Query) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var levels []storage.VectorLevel
	for _, l := range storage.Levels {
		if len(q.Vectors.Of(l)) > 0 {
			levels = append(levels, l)
		}
	}
	if len(levels) == 0 {
		return nil, storage.Validationf("hybrid query needs at least one vector")
	}

	weights := s.cfg.Weights
	if q.Weights != nil {
		weights = *q.Weights
		probe := s.cfg
		probe.Weights = weights
		if err := probe.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
		}
	}
	maxResults := s.cfg.MaxResults
	if q.MaxResults > 0 {
		maxResults = min(q.MaxResults, storage.MaxVectorK)
	}
	minSim := s.cfg.MinSimilarityThreshold
	if q.MinSimilarity != nil {
		minSim = *q.MinSimilarity
	}
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	k := min(maxResults*s.cfg.CandidateMultiplier, storage.MaxVectorK)

	tr := &tracer{enabled: q.Trace}
	tr.searchStarted(queryFilters(q, levels, maxResults, minSim))
	start := time.Now()

	budgetCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.SearchTimeout > 0 {
		budgetCtx, cancel = context.WithTimeout(ctx, s.cfg.SearchTimeout)
	}
	defer cancel()

	// expired decides whether err ends the search: the caller's cancellation
	// and real failures do, the time budget only marks the result partial.
	partial := false
	expired := func(err error) (bool, error) {
		if cerr := ctx.Err(); cerr != nil {
			return false, cerr
		}
		if budgetCtx.Err() != nil {
			partial = true
			return true, nil
		}
		return false, err
	}

	// Candidate retrieval.
	cands := map[string]*candidate{}
	standIns := map[string]bool{}
retrieval:
	for _, level := range levels {
		for _, f := range s.typeFilters(q) {
			hits, err := s.backend.VectorSearch(budgetCtx, storage.VectorQuery{
				Vector: q.Vectors.Of(level),
				Level:  level,
				K:      k,
				Filter: atLevel(f, level),
			})
			if err != nil {
				stop, ferr := expired(err)
				if ferr != nil {
					return nil, ferr
				}
				if stop {
					break retrieval
				}
			}
			tr.candidatesFound(level, filterLabel(f), len(hits))
			for _, h := range hits {
				id := h.Entity.ID
				if storage.IsZeroVector(level.Of(h.Entity)) {
					if !standIns[id] {
						standIns[id] = true
						tr.filteredOut(id, ReasonStandIn)
					}
					continue
				}
				c, ok := cands[id]
				if !ok {
					c = &candidate{entity: h.Entity, sims: map[storage.VectorLevel]float64{}}
					cands[id] = c
				}
				c.sims[level] = h.Similarity
			}
		}
	}

	// Structural proximity, bounded by the same budget.
	var prox *proximity
	if q.AnchorID != "" && !partial {
		var err error
		prox, err = newProximity(s.backend, s.cfg.StructuralDecayPerHop)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			prox.seed(c.entity)
		}
		if err := prox.walk(budgetCtx, q.AnchorID, s.cfg.MaxHops, s.cfg.MaxStructuralNodes); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
			if _, ferr := expired(err); ferr != nil {
				return nil, ferr
			}
		}
		s.logger.Debug("search: structural walk",
			"anchor_id", q.AnchorID, "nodes", prox.stats.Nodes, "depth", prox.stats.Depth, "complete", prox.complete)
	}

	// Scoring. Everything needed is in memory now, so only the caller's
	// cancellation interrupts it.
	ids := make([]string, 0, len(cands))
	for id := range cands {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	results := make([]Result, 0, len(ids))
	for i, id := range ids {
		if i%scoreCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		c := cands[id]
		f := Factors{Semantic: s.semantic(c, q.EnableLevelFusion)}
		if f.Semantic < minSim {
			tr.filteredOut(id, ReasonBelowThreshold)
			continue
		}
		if prox != nil {
			f.Structural = prox.score(id)
		}
		f.Temporal = s.temporal(c.entity, now)
		if q.CrossModal && q.PrimaryType != "" && c.entity.Type != q.PrimaryType {
			f.CrossModal = s.cfg.CrossModalBonus
		}
		final := weights.Semantic*f.Semantic + weights.Structural*f.Structural + weights.Temporal*f.Temporal + f.CrossModal
		tr.scored(id, f, final)
		results = append(results, Result{Entity: c.entity, FinalScore: final, Factors: f, Levels: c.sims})
	}

	slices.SortFunc(results, compareResults)
	if len(results) > maxResults {
		for _, r := range results[maxResults:] {
			tr.filteredOut(r.Entity.ID, ReasonTruncated)
		}
		results = results[:maxResults]
	}

	resp := &Response{Results: results, Partial: partial}
	tr.resultsReturned(resp.IDs(), partial)
	resp.Trace = tr.events

	if partial {
		s.logger.Warn("search: time budget exceeded, returning partial results",
			"budget", s.cfg.SearchTimeout, "candidates", len(cands), "results", len(results))
	} else {
		s.logger.Debug("search: hybrid search completed",
			"levels", len(levels), "candidates", len(cands), "results", len(results), "duration", time.Since(start))
	}
	return resp, nil
}

// compareResults orders by final score descending, then created_at
// descending, then id ascending.
func compareResults(a, b Result) int {
	if a.FinalScore != b.FinalScore {
		return cmp.Compare(b.FinalScore, a.FinalScore)
	}
	if !a.Entity.CreatedAt.Equal(b.Entity.CreatedAt) {
		return b.Entity.CreatedAt.Compare(a.Entity.CreatedAt)
	}
	return strings.Compare(a.Entity.ID, b.Entity.ID)
}

// semantic maps per-level cosine similarities to one score in [0, 1]:
// the level-weighted mean with fusion, the best level without.
func (s *Engine) semantic(c *candidate, fusion bool) float64 {
	if fusion {
		var num, den float64
		for _, l := range storage.Levels {
			sim, ok := c.sims[l]
			if !ok {
				continue
			}
			w := s.cfg.LevelWeights.Of(l)
			num += w * unitSimilarity(sim)
			den += w
		}
		if den > 0 {
			return num / den
		}
	}
	best := 0.0
	for _, sim := range c.sims {
		best = max(best, unitSimilarity(sim))
	}
	return best
}

// temporal decays exponentially with hours since the entity last changed.
func (s *Engine) temporal(e *types.Entity, now time.Time) float64 {
	ref := e.UpdatedAt
	if ref.IsZero() {
		ref = e.CreatedAt
	}
	hours := now.Sub(ref).Hours()
	if hours < 0 {
		hours = 0
	}
	return math.Exp(-s.cfg.TemporalDecayPerHour * hours)
}

// typeFilters returns one backend filter per type group, so other
// modalities get their own candidate budget in cross-modal queries.
func (s *Engine) typeFilters(q Query) []storage.Filter {
	var base []storage.Filter
	switch {
	case len(q.Types) > 0:
		base = []storage.Filter{{Types: q.Types}}
	case q.PrimaryType != "" && q.CrossModal:
		base = []storage.Filter{
			{Types: []types.EntityType{q.PrimaryType}},
			{ExcludeTypes: []types.EntityType{q.PrimaryType}},
		}
	case q.PrimaryType != "":
		base = []storage.Filter{{Types: []types.EntityType{q.PrimaryType}}}
	default:
		base = []storage.Filter{{}}
	}

	var out []storage.Filter
	for _, f := range base {
		out = append(out, scopeFilters(f, q.RootID)...)
	}
	return out
}

// scopeFilters restricts f to a subtree. The root carries no root_id stamp,
// so it is matched by a second, id-keyed filter.
func scopeFilters(f storage.Filter, rootID string) []storage.Filter {
	if rootID == "" {
		return []storage.Filter{f}
	}
	stamped, self := f, f
	stamped.RootID = rootID
	self.IDs = []string{rootID}
	return []storage.Filter{stamped, self}
}

func filterLabel(f storage.Filter) []string {
	var out []string
	for _, t := range f.Types {
		out = append(out, string(t))
	}
	for _, t := range f.ExcludeTypes {
		out = append(out, "!"+string(t))
	}
	return out
}

func queryFilters(q Query, levels []storage.VectorLevel, maxResults int, minSim float64) map[string]string {
	lv := make([]string, len(levels))
	for i, l := range levels {
		lv[i] = string(l)
	}
	m := map[string]string{
		"levels":         strings.Join(lv, ","),
		"max_results":    strconv.Itoa(maxResults),
		"min_similarity": strconv.FormatFloat(minSim, 'f', -1, 64),
		"cross_modal":    strconv.FormatBool(q.CrossModal),
		"level_fusion":   strconv.FormatBool(q.EnableLevelFusion),
	}
	if q.PrimaryType != "" {
		m["primary_type"] = string(q.PrimaryType)
	}
	if q.AnchorID != "" {
		m["anchor_id"] = q.AnchorID
	}
	if q.RootID != "" {
		m["root_id"] = q.RootID
	}
	return m
}

// unitSimilarity maps cosine similarity from [-1, 1] onto [0, 1].
func unitSimilarity(cos float64) float64 {
	return math.Min(1, math.Max(0, (cos+1)/2))
}

// atLevel keeps zero stand-ins out of the backend's top-K for levels that
// can hold them, so they never crowd out real vectors.
func atLevel(f storage.Filter, level storage.VectorLevel) storage.Filter {
	if level.HoldsStandIns() {
		f.EmbeddedOnly = true
	}
	return f
}

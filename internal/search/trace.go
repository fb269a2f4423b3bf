package search

import (
	"time"

	"github.com/scrypster/canopy/internal/storage"
)

// TraceEventKind classifies each trace event by type.
type TraceEventKind string

const (
	// KindSearchStarted is emitted at the beginning of a search.
	KindSearchStarted TraceEventKind = "search_started"

	// KindCandidatesFound is emitted once per backend retrieval request.
	KindCandidatesFound TraceEventKind = "candidates_found"

	// KindScoredCandidate is emitted once per candidate that received scoring.
	KindScoredCandidate TraceEventKind = "scored_candidate"

	// KindFilteredOut is emitted for every candidate that was discarded.
	KindFilteredOut TraceEventKind = "filtered_out"

	// KindResultsReturned is emitted after truncation to record the final set.
	KindResultsReturned TraceEventKind = "results_returned"
)

// Filter reasons carried by filtered_out events.
const (
	ReasonBelowThreshold = "below_similarity_threshold"
	ReasonStandIn        = "stand_in_embedding"
	ReasonTruncated      = "beyond_max_results"
)

// TraceEvent is a single structured event emitted during a search.
type TraceEvent struct {
	Kind TraceEventKind `json:"kind"`
	At   time.Time      `json:"at"`

	// EntityID is set on scored_candidate and filtered_out events.
	EntityID string `json:"entity_id,omitempty"`

	// Level and Types describe one retrieval request for candidates_found.
	Level storage.VectorLevel `json:"level,omitempty"`
	Types []string            `json:"types,omitempty"`

	// Count is used by candidates_found and results_returned.
	Count int `json:"count,omitempty"`

	Factors    *Factors `json:"factors,omitempty"`
	FinalScore float64  `json:"final_score,omitempty"`

	FilterReason string `json:"filter_reason,omitempty"`

	// Filters captures the active query options for search_started.
	Filters map[string]string `json:"filters,omitempty"`

	// EntityIDs lists the returned ids for results_returned.
	EntityIDs []string `json:"entity_ids,omitempty"`

	// Partial marks a results_returned event cut short by the time budget.
	Partial bool `json:"partial,omitempty"`
}

// tracer collects events when enabled and does nothing otherwise.
type tracer struct {
	enabled bool
	events  []TraceEvent
}

func (t *tracer) add(e TraceEvent) {
	if !t.enabled {
		return
	}
	e.At = time.Now()
	t.events = append(t.events, e)
}

func (t *tracer) searchStarted(filters map[string]string) {
	t.add(TraceEvent{Kind: KindSearchStarted, Filters: filters})
}

func (t *tracer) candidatesFound(level storage.VectorLevel, types []string, count int) {
	t.add(TraceEvent{Kind: KindCandidatesFound, Level: level, Types: types, Count: count})
}

func (t *tracer) scored(id string, f Factors, final float64) {
	t.add(TraceEvent{Kind: KindScoredCandidate, EntityID: id, Factors: &f, FinalScore: final})
}

func (t *tracer) filteredOut(id, reason string) {
	t.add(TraceEvent{Kind: KindFilteredOut, EntityID: id, FilterReason: reason})
}

func (t *tracer) resultsReturned(ids []string, partial bool) {
	t.add(TraceEvent{Kind: KindResultsReturned, EntityIDs: ids, Count: len(ids), Partial: partial})
}

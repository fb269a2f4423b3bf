package storage

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/x448/float16"

	"github.com/scrypster/canopy/pkg/types"
)

// VectorEncoding selects how vectors are laid out in BLOB columns.
type VectorEncoding string

const (
	// EncodingFloat32 stores little-endian IEEE 754 single precision values.
	EncodingFloat32 VectorEncoding = "float32"

	// EncodingFloat16 stores little-endian IEEE 754 half precision values,
	// halving storage at the cost of roughly three significant digits.
	EncodingFloat16 VectorEncoding = "float16"
)

// Every encoded vector starts with one header byte naming its encoding, so
// rows written under different settings still decode.
const (
	headerFloat32 byte = 0x01
	headerFloat16 byte = 0x02
)

// Valid reports whether enc is a supported encoding.
func (enc VectorEncoding) Valid() bool {
	return enc == EncodingFloat32 || enc == EncodingFloat16
}

// EncodeVector serializes v. A nil or empty vector encodes as nil so the
// column stays NULL.
func EncodeVector(v []float32, enc VectorEncoding) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	switch enc {
	case EncodingFloat16:
		buf := make([]byte, 1+len(v)*2)
		buf[0] = headerFloat16
		for i, f := range v {
			binary.LittleEndian.PutUint16(buf[1+i*2:], float16.Fromfloat32(f).Bits())
		}
		return buf, nil
	case EncodingFloat32, "":
		buf := make([]byte, 1+len(v)*4)
		buf[0] = headerFloat32
		for i, f := range v {
			binary.LittleEndian.PutUint32(buf[1+i*4:], math.Float32bits(f))
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("unsupported vector encoding %q", enc)
	}
}

// DecodeVector deserializes a buffer produced by EncodeVector. When dimension
// is positive the decoded length must match it exactly.
func DecodeVector(buf []byte, dimension int) ([]float32, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	body := buf[1:]
	var out []float32
	switch buf[0] {
	case headerFloat32:
		if len(body)%4 != 0 {
			return nil, fmt.Errorf("float32 vector: %d trailing bytes", len(body)%4)
		}
		out = make([]float32, len(body)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
		}
	case headerFloat16:
		if len(body)%2 != 0 {
			return nil, fmt.Errorf("float16 vector: odd byte count %d", len(body))
		}
		out = make([]float32, len(body)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(body[i*2:])).Float32()
		}
	default:
		return nil, fmt.Errorf("unknown vector header 0x%02x", buf[0])
	}
	if dimension > 0 && len(out) != dimension {
		return nil, fmt.Errorf("vector dimension mismatch: expected %d, got %d", dimension, len(out))
	}
	return out, nil
}

// CosineSimilarity computes cosine similarity between two equal-length vectors.
// Returns 0 if either vector has zero magnitude or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// TopK keeps the k best hits seen so far using a bounded min-heap. Memory use
// stays O(k) regardless of how many candidates are offered.
type TopK struct {
	k    int
	hits hitHeap
}

// NewTopK returns a collector for the k most similar hits.
func NewTopK(k int) *TopK {
	return &TopK{k: k, hits: make(hitHeap, 0, k)}
}

// Offer considers one candidate.
func (t *TopK) Offer(hit VectorHit) {
	if t.k <= 0 {
		return
	}
	if len(t.hits) < t.k {
		heap.Push(&t.hits, hit)
		return
	}
	if hitLess(t.hits[0], hit) {
		t.hits[0] = hit
		heap.Fix(&t.hits, 0)
	}
}

// Len returns the number of hits held.
func (t *TopK) Len() int { return len(t.hits) }

// Sorted drains the collector, returning hits by similarity descending with
// ties broken by id ascending.
func (t *TopK) Sorted() []VectorHit {
	out := make([]VectorHit, len(t.hits))
	copy(out, t.hits)
	t.hits = t.hits[:0]
	sort.Slice(out, func(i, j int) bool { return hitLess(out[j], out[i]) })
	return out
}

// hitLess orders a below b: lower similarity first, then higher id first, so
// the heap root is always the weakest hit.
func hitLess(a, b VectorHit) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity < b.Similarity
	}
	return a.Entity.ID > b.Entity.ID
}

type hitHeap []VectorHit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return hitLess(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(VectorHit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// SortByCreated orders entities by (created_at, id) ascending, the canonical
// scan order.
func SortByCreated(entities []*types.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// SortByID orders entities by id ascending, the keyset pagination order.
func SortByID(entities []*types.Entity) {
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
}

// ApplyFilterOrder sorts and truncates a filtered result the way Scan
// promises.
func ApplyFilterOrder(entities []*types.Entity, f Filter) []*types.Entity {
	if f.KeysetPaged() {
		SortByID(entities)
	} else {
		SortByCreated(entities)
	}
	if f.Limit > 0 && len(entities) > f.Limit {
		entities = entities[:f.Limit]
	}
	return entities
}

// IsZeroVector reports whether every component of v is zero. A zero vector
// has no direction and is never a similarity hit.
func IsZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

// CheckDimensions rejects an entity carrying any vector whose length differs
// from dimension. A non-positive dimension disables the check.
func CheckDimensions(e *types.Entity, dimension int) error {
	if dimension <= 0 {
		return nil
	}
	for _, level := range []VectorLevel{LevelIndividual, LevelContextual, LevelHierarchical, LevelLegacy} {
		v := level.Of(e)
		if len(v) != 0 && len(v) != dimension {
			return Validationf("entity %s: %s vector has dimension %d, expected %d",
				e.ID, level, len(v), dimension)
		}
	}
	return nil
}

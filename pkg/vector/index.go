package vector

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/m-mizutani/goerr/v2"
)

// Metric selects how query and stored vectors are compared.
type Metric string

const (
	// MetricCosine L2-normalizes both sides and scores by inner product;
	// higher is more similar.
	MetricCosine Metric = "cosine"
	// MetricL2 scores by squared Euclidean distance; lower is more
	// similar.
	MetricL2 Metric = "l2"
)

var ErrDimensionMismatch = goerr.New("embedding dimension mismatch")

// Record is one indexed item: the embedding and its metadata in a single
// struct, so the two can never drift out of alignment. The embedding is
// stored as given, which lets RebuildWithout re-add survivors without
// re-embedding.
type Record struct {
	OwnerID   string            `json:"owner_id"`
	Content   string            `json:"content"`
	Embedding []float32         `json:"embedding"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Result is one search hit. Score follows the index metric: similarity
// for cosine, distance for L2.
type Result struct {
	Record Record
	Score  float32
}

// Index is an exact nearest-neighbor index over fixed-dimension
// embeddings. It supports append and full rebuild only; there is no
// point deletion, which is why removal goes through RebuildWithout.
//
// Index is not safe for concurrent use; callers own the locking.
type Index struct {
	dim     int
	metric  Metric
	records []Record
}

// New creates an empty index for vectors of the given dimension.
func New(dim int, metric Metric) *Index {
	return &Index{dim: dim, metric: metric}
}

func (x *Index) Len() int {
	return len(x.records)
}

func (x *Index) Dimension() int {
	return x.dim
}

func (x *Index) Metric() Metric {
	return x.metric
}

// Add appends records in input order. Every embedding must match the
// index dimension.
func (x *Index) Add(records ...Record) error {
	for _, rec := range records {
		if len(rec.Embedding) != x.dim {
			return goerr.Wrap(ErrDimensionMismatch, "cannot add record",
				goerr.V("expected", x.dim), goerr.V("actual", len(rec.Embedding)))
		}
	}
	x.records = append(x.records, records...)
	return nil
}

// Search returns the min(k, size) most similar records, best first. An
// empty index yields an empty result.
func (x *Index) Search(query []float32, k int) ([]Result, error) {
	if len(x.records) == 0 || k <= 0 {
		return []Result{}, nil
	}
	if len(query) != x.dim {
		return nil, goerr.Wrap(ErrDimensionMismatch, "cannot search",
			goerr.V("expected", x.dim), goerr.V("actual", len(query)))
	}

	q := query
	if x.metric == MetricCosine {
		q = normalize(query)
	}

	results := make([]Result, 0, len(x.records))
	for _, rec := range x.records {
		var score float32
		switch x.metric {
		case MetricCosine:
			score = dot(q, normalize(rec.Embedding))
		default:
			score = l2sq(q, rec.Embedding)
		}
		results = append(results, Result{Record: rec, Score: score})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if x.metric == MetricCosine {
			return results[i].Score > results[j].Score
		}
		return results[i].Score < results[j].Score
	})

	if k < len(results) {
		results = results[:k]
	}
	return results, nil
}

// RebuildWithout reconstructs the index from the records not matching
// pred, preserving their relative order, and returns how many were
// dropped. Stored embeddings are reused; nothing is re-embedded.
func (x *Index) RebuildWithout(pred func(Record) bool) int {
	kept := make([]Record, 0, len(x.records))
	for _, rec := range x.records {
		if !pred(rec) {
			kept = append(kept, rec)
		}
	}
	removed := len(x.records) - len(kept)
	x.records = kept
	return removed
}

// artifact is the serialized form: one file holds vectors and metadata
// together so they are always read together.
type artifact struct {
	Dimension int      `json:"dimension"`
	Metric    Metric   `json:"metric"`
	Records   []Record `json:"records"`
}

// Marshal serializes the index including record order.
func (x *Index) Marshal() ([]byte, error) {
	data, err := json.Marshal(artifact{
		Dimension: x.dim,
		Metric:    x.metric,
		Records:   x.records,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal vector index")
	}
	return data, nil
}

// Unmarshal restores an index from Marshal output, validating that every
// record still matches the declared dimension.
func Unmarshal(data []byte) (*Index, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal vector index")
	}
	switch a.Metric {
	case MetricCosine, MetricL2:
	default:
		return nil, goerr.New("unknown metric", goerr.V("metric", a.Metric))
	}
	for i, rec := range a.Records {
		if len(rec.Embedding) != a.Dimension {
			return nil, goerr.Wrap(ErrDimensionMismatch, "corrupt vector artifact",
				goerr.V("record", i), goerr.V("expected", a.Dimension), goerr.V("actual", len(rec.Embedding)))
		}
	}
	return &Index{dim: a.Dimension, metric: a.Metric, records: a.Records}, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func l2sq(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

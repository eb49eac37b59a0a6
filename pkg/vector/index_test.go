package vector_test

import (
	"errors"
	"testing"

	"github.com/m-mizutani/burrow/pkg/vector"
	"github.com/m-mizutani/gt"
)

func TestSearchCosine(t *testing.T) {
	idx := vector.New(3, vector.MetricCosine)
	gt.NoError(t, idx.Add(
		vector.Record{OwnerID: "x", Content: "x axis", Embedding: []float32{1, 0, 0}},
		vector.Record{OwnerID: "y", Content: "y axis", Embedding: []float32{0, 1, 0}},
		// cosine must ignore magnitude
		vector.Record{OwnerID: "x-long", Content: "long x", Embedding: []float32{10, 0, 0}},
	))

	results, err := idx.Search([]float32{1, 0.1, 0}, 3)
	gt.NoError(t, err)
	gt.A(t, results).Length(3)
	gt.S(t, results[0].Record.OwnerID).Contains("x")
	gt.S(t, results[1].Record.OwnerID).Contains("x")
	gt.Equal(t, results[2].Record.OwnerID, "y")
	gt.True(t, results[0].Score >= results[1].Score)
	gt.True(t, results[1].Score > results[2].Score)
}

func TestSearchL2(t *testing.T) {
	idx := vector.New(2, vector.MetricL2)
	gt.NoError(t, idx.Add(
		vector.Record{OwnerID: "near", Embedding: []float32{1, 1}},
		vector.Record{OwnerID: "far", Embedding: []float32{5, 5}},
	))

	results, err := idx.Search([]float32{1, 1}, 2)
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	gt.Equal(t, results[0].Record.OwnerID, "near")
	gt.Equal(t, results[0].Score, float32(0))
	gt.True(t, results[1].Score > results[0].Score)
}

func TestSearchBounds(t *testing.T) {
	idx := vector.New(2, vector.MetricL2)

	// empty index yields an empty result, not an error
	results, err := idx.Search([]float32{1, 0}, 3)
	gt.NoError(t, err)
	gt.A(t, results).Length(0)

	gt.NoError(t, idx.Add(vector.Record{OwnerID: "only", Embedding: []float32{1, 0}}))

	// k larger than the index is clamped
	results, err = idx.Search([]float32{1, 0}, 10)
	gt.NoError(t, err)
	gt.A(t, results).Length(1)
}

func TestDimensionMismatch(t *testing.T) {
	idx := vector.New(3, vector.MetricL2)

	err := idx.Add(vector.Record{OwnerID: "bad", Embedding: []float32{1, 0}})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, vector.ErrDimensionMismatch))
	gt.Equal(t, idx.Len(), 0)

	_, err = idx.Search([]float32{1, 0}, 1)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, vector.ErrDimensionMismatch))
}

func TestRebuildWithout(t *testing.T) {
	idx := vector.New(2, vector.MetricL2)
	gt.NoError(t, idx.Add(
		vector.Record{OwnerID: "doc-a", Content: "a1", Embedding: []float32{1, 0}},
		vector.Record{OwnerID: "doc-b", Content: "b1", Embedding: []float32{0, 1}},
		vector.Record{OwnerID: "doc-a", Content: "a2", Embedding: []float32{2, 0}},
		vector.Record{OwnerID: "doc-b", Content: "b2", Embedding: []float32{0, 2}},
	))

	removed := idx.RebuildWithout(func(rec vector.Record) bool {
		return rec.OwnerID == "doc-a"
	})
	gt.Equal(t, removed, 2)
	gt.Equal(t, idx.Len(), 2)

	// survivors keep their relative order and content pairing
	results, err := idx.Search([]float32{0, 1}, 2)
	gt.NoError(t, err)
	gt.Equal(t, results[0].Record.Content, "b1")
	gt.Equal(t, results[1].Record.Content, "b2")
}

func TestMarshalRoundTrip(t *testing.T) {
	idx := vector.New(2, vector.MetricCosine)
	gt.NoError(t, idx.Add(
		vector.Record{OwnerID: "a", Content: "first", Embedding: []float32{1, 0}, Meta: map[string]string{"chunk": "0"}},
		vector.Record{OwnerID: "b", Content: "second", Embedding: []float32{0, 1}},
	))

	data, err := idx.Marshal()
	gt.NoError(t, err)

	restored, err := vector.Unmarshal(data)
	gt.NoError(t, err)
	gt.Equal(t, restored.Len(), 2)
	gt.Equal(t, restored.Dimension(), 2)
	gt.Equal(t, restored.Metric(), vector.MetricCosine)

	// the restored index answers like the original, metadata intact
	want, err := idx.Search([]float32{1, 0.1}, 2)
	gt.NoError(t, err)
	got, err := restored.Search([]float32{1, 0.1}, 2)
	gt.NoError(t, err)
	gt.Equal(t, got, want)
	gt.Equal(t, got[0].Record.Meta["chunk"], "0")
}

func TestUnmarshalRejectsCorruptArtifacts(t *testing.T) {
	_, err := vector.Unmarshal([]byte(`not json`))
	gt.Error(t, err)

	// a record that does not match the declared dimension is corrupt
	_, err = vector.Unmarshal([]byte(`{"dimension":3,"metric":"l2","records":[{"owner_id":"a","embedding":[1,2]}]}`))
	gt.Error(t, err)
	gt.True(t, errors.Is(err, vector.ErrDimensionMismatch))

	_, err = vector.Unmarshal([]byte(`{"dimension":2,"metric":"manhattan","records":[]}`))
	gt.Error(t, err)
}

package cli

import (
	"testing"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/gt"
)

func TestFilterSummaries(t *testing.T) {
	summaries := []*model.Summary{
		{ID: "1", Kind: model.KindChat, Caption: "Kubernetes Ingress Routing"},
		{ID: "2", Kind: model.KindCode, Caption: "Fizzbuzz Generator"},
		{ID: "3", Kind: model.KindRAG, Caption: "Kubernetes Operator Notes"},
	}

	t.Run("empty filters match everything", func(t *testing.T) {
		got := filterSummaries(summaries, "", "")
		gt.A(t, got).Length(3)
	})

	t.Run("filters by kind", func(t *testing.T) {
		got := filterSummaries(summaries, model.KindCode, "")
		gt.A(t, got).Length(1)
		gt.Equal(t, got[0].ID, summaries[1].ID)
	})

	t.Run("topic is a case-insensitive caption substring", func(t *testing.T) {
		got := filterSummaries(summaries, "", "KUBERNETES")
		gt.A(t, got).Length(2)
		gt.Equal(t, got[0].ID, summaries[0].ID)
		gt.Equal(t, got[1].ID, summaries[2].ID)
	})

	t.Run("kind and topic combine", func(t *testing.T) {
		got := filterSummaries(summaries, model.KindRAG, "kubernetes")
		gt.A(t, got).Length(1)
		gt.Equal(t, got[0].ID, summaries[2].ID)
	})

	t.Run("no match yields empty", func(t *testing.T) {
		got := filterSummaries(summaries, model.KindChat, "fizzbuzz")
		gt.A(t, got).Length(0)
	})
}

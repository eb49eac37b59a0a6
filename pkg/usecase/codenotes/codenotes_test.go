package codenotes_test

import (
	"context"
	"testing"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/usecase/codenotes"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

type scriptedLLM struct {
	replies   []string
	next      int
	streamErr error
}

func (m *scriptedLLM) reply() string {
	if m.next >= len(m.replies) {
		return "Fallback Title"
	}
	r := m.replies[m.next]
	m.next++
	return r
}

func (m *scriptedLLM) Generate(_ context.Context, _ []adapter.Message) (string, error) {
	return m.reply(), nil
}

func (m *scriptedLLM) GenerateStream(_ context.Context, _ []adapter.Message, fn func(string)) (string, error) {
	if m.streamErr != nil {
		return "", m.streamErr
	}
	r := m.reply()
	if fn != nil {
		fn(r)
	}
	return r, nil
}

// mockEmbedder returns registered vectors and counts calls, so tests can
// prove rebuilds never re-embed.
type mockEmbedder struct {
	vecs  map[string][]float32
	calls int
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls++
	if v, ok := m.vecs[text]; ok {
		return v, nil
	}
	return []float32{1, 1, 1}, nil
}

func (m *mockEmbedder) Dimension() int { return 3 }

func setup(t *testing.T, llm adapter.LLM, embedder adapter.Embedder) (*codenotes.UseCase, repository.Repository) {
	t.Helper()
	repo, err := repository.NewLocal(t.TempDir())
	gt.NoError(t, err)
	return codenotes.New(cache.New(repo), repo, llm, embedder), repo
}

func TestCreateAndSearch(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{replies: []string{
		"```python\nprint('fizzbuzz')\n```",
		"```python\nprint('primes')\n```",
	}}
	embedder := &mockEmbedder{vecs: map[string][]float32{
		"print('fizzbuzz')": {1, 0, 0},
		"print('primes')":   {0, 1, 0},
		"fizzbuzz please":   {0.9, 0.1, 0},
	}}
	uc, _ := setup(t, llm, embedder)

	outA, err := uc.Create(ctx, codenotes.CreateInput{Name: "fizzbuzz", Language: "python", Query: "write fizzbuzz"})
	gt.NoError(t, err)
	gt.Equal(t, outA.Code, "print('fizzbuzz')")

	outB, err := uc.Create(ctx, codenotes.CreateInput{Name: "primes", Language: "python", Query: "list primes"})
	gt.NoError(t, err)

	hits, err := uc.Search(ctx, "fizzbuzz please", 2)
	gt.NoError(t, err)
	gt.A(t, hits).Length(2)
	gt.Equal(t, hits[0].SessionID, outA.SessionID)
	gt.Equal(t, hits[0].Name, "fizzbuzz")
	gt.Equal(t, hits[1].SessionID, outB.SessionID)
	gt.True(t, hits[0].Score > hits[1].Score)
}

func TestChatVersioning(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{replies: []string{
		"```python\nprint('v1')\n```",
		"Iteration Thread Title",
		"RESPONSE: No change needed, it already works.\nCODE_CHANGED: false",
		"RESPONSE: Added a docstring.\nCODE_CHANGED: true\nNEW_CODE:\n```python\nprint('v2')\n```",
	}}
	uc, _ := setup(t, llm, &mockEmbedder{})

	created, err := uc.Create(ctx, codenotes.CreateInput{Name: "demo", Language: "python", Query: "demo"})
	gt.NoError(t, err)

	// first exchange answers without touching the code
	out1, err := uc.Chat(ctx, codenotes.ChatInput{SessionID: created.SessionID, Query: "does it work?"})
	gt.NoError(t, err)
	gt.False(t, out1.CodeChanged)
	gt.Equal(t, out1.Version, model.BaseVersion)

	// second exchange changes the code and mints v2
	out2, err := uc.Chat(ctx, codenotes.ChatInput{
		SessionID: created.SessionID,
		HistoryID: out1.HistoryID,
		Query:     "add a docstring",
	})
	gt.NoError(t, err)
	gt.True(t, out2.CodeChanged)
	gt.Equal(t, out2.Version, "v2")
	gt.Equal(t, out2.Code, "print('v2')")

	versions, err := uc.Versions(ctx, created.SessionID, out1.HistoryID)
	gt.NoError(t, err)
	gt.A(t, versions).Length(2)
	gt.Equal(t, versions[0].Version, "v1")
	gt.False(t, versions[0].Current)
	gt.Equal(t, versions[1].Version, "v2")
	gt.True(t, versions[1].Current)

	// both labels resolve to their snapshots
	v1, err := uc.CodeAt(ctx, created.SessionID, out1.HistoryID, "v1")
	gt.NoError(t, err)
	gt.Equal(t, v1, "print('v1')")
	v2, err := uc.CodeAt(ctx, created.SessionID, out1.HistoryID, "v2")
	gt.NoError(t, err)
	gt.Equal(t, v2, "print('v2')")

	sess, err := uc.Show(ctx, created.SessionID)
	gt.NoError(t, err)
	hist := sess.Code.Histories[out1.HistoryID]
	gt.A(t, hist.Memory).Length(2)
	gt.Equal(t, hist.Memory[1].Version, "v2")
}

func TestChatDegradesOnLLMFailure(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{replies: []string{
		"```python\nprint('v1')\n```",
		"Iteration Thread Title",
	}}
	uc, _ := setup(t, llm, &mockEmbedder{})

	created, err := uc.Create(ctx, codenotes.CreateInput{Name: "demo", Language: "python", Query: "demo"})
	gt.NoError(t, err)

	llm.streamErr = goerr.New("provider down")
	out, err := uc.Chat(ctx, codenotes.ChatInput{SessionID: created.SessionID, Query: "does this survive an outage"})
	gt.NoError(t, err)
	gt.S(t, out.Response).Contains("apologize")
	gt.False(t, out.CodeChanged)
	gt.Equal(t, out.Version, model.BaseVersion)

	// the exchange is recorded even though generation failed
	sess, err := uc.Show(ctx, created.SessionID)
	gt.NoError(t, err)
	hist := sess.Code.Histories[out.HistoryID]
	gt.A(t, hist.Memory).Length(1)
	gt.Equal(t, hist.Memory[0].Query, "does this survive an outage")
	gt.False(t, hist.Memory[0].CodeChanged)
	gt.Equal(t, hist.CurrentVersion, model.BaseVersion)
}

func TestChatClaimedChangeWithoutCode(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{replies: []string{
		"```python\nprint('v1')\n```",
		"Iteration Thread Title",
		"RESPONSE: I rewrote the whole thing.\nCODE_CHANGED: true",
	}}
	uc, _ := setup(t, llm, &mockEmbedder{})

	created, err := uc.Create(ctx, codenotes.CreateInput{Name: "demo", Language: "python", Query: "demo"})
	gt.NoError(t, err)

	// the model claims a change but supplies no code, so nothing is minted
	out, err := uc.Chat(ctx, codenotes.ChatInput{SessionID: created.SessionID, Query: "rewrite it"})
	gt.NoError(t, err)
	gt.False(t, out.CodeChanged)
	gt.Equal(t, out.Version, model.BaseVersion)
	gt.Equal(t, out.Code, "")

	sess, err := uc.Show(ctx, created.SessionID)
	gt.NoError(t, err)
	hist := sess.Code.Histories[out.HistoryID]
	gt.Equal(t, hist.CurrentVersion, model.BaseVersion)
	gt.Equal(t, len(hist.Versions), 0)
	gt.False(t, hist.Memory[0].CodeChanged)
}

func TestDeleteRebuildsWithoutReembedding(t *testing.T) {
	ctx := context.Background()
	llm := &scriptedLLM{replies: []string{
		"```python\nprint('a')\n```",
		"```python\nprint('b')\n```",
	}}
	embedder := &mockEmbedder{vecs: map[string][]float32{
		"print('a')": {1, 0, 0},
		"print('b')": {0, 1, 0},
		"query":      {0, 1, 0},
	}}
	uc, repo := setup(t, llm, embedder)

	outA, err := uc.Create(ctx, codenotes.CreateInput{Name: "a", Language: "python", Query: "a"})
	gt.NoError(t, err)
	outB, err := uc.Create(ctx, codenotes.CreateInput{Name: "b", Language: "python", Query: "b"})
	gt.NoError(t, err)

	callsBefore := embedder.calls
	gt.NoError(t, uc.Delete(ctx, outA.SessionID))
	gt.Equal(t, embedder.calls, callsBefore) // rebuild reuses stored embeddings

	hits, err := uc.Search(ctx, "query", 5)
	gt.NoError(t, err)
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0].SessionID, outB.SessionID)

	// a fresh use case over the same repository sees the rebuilt artifact
	uc2 := codenotes.New(cache.New(repo), repo, llm, embedder)
	hits2, err := uc2.Search(ctx, "query", 5)
	gt.NoError(t, err)
	gt.A(t, hits2).Length(1)
	gt.Equal(t, hits2[0].SessionID, outB.SessionID)
}

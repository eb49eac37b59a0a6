package rag_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/usecase/rag"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

type mockLLM struct {
	answer    string
	streamErr error
	prompts   [][]adapter.Message
}

func (m *mockLLM) Generate(_ context.Context, _ []adapter.Message) (string, error) {
	return "Mock History Title", nil
}

func (m *mockLLM) GenerateStream(_ context.Context, msgs []adapter.Message, fn func(string)) (string, error) {
	m.prompts = append(m.prompts, msgs)
	if m.streamErr != nil {
		return "", m.streamErr
	}
	if fn != nil {
		fn(m.answer)
	}
	return m.answer, nil
}

// topicEmbedder maps texts to axis vectors by topic keyword, so
// retrieval is deterministic under the L2 metric.
type topicEmbedder struct {
	calls int
}

func (m *topicEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls++
	switch {
	case strings.Contains(text, "alpha"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "beta"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func (m *topicEmbedder) Dimension() int { return 3 }

func setup(t *testing.T) (*rag.UseCase, repository.Repository, *mockLLM, *topicEmbedder) {
	t.Helper()
	repo, err := repository.NewLocal(t.TempDir())
	gt.NoError(t, err)
	llm := &mockLLM{answer: "grounded answer"}
	embedder := &topicEmbedder{}
	return rag.New(cache.New(repo), repo, llm, embedder), repo, llm, embedder
}

func TestUploadChunksDocument(t *testing.T) {
	ctx := context.Background()
	uc, _, _, _ := setup(t)

	// 1200 chars at size 500 / overlap 50 yields exactly three chunks
	content := strings.Repeat("alpha ", 200)
	out, err := uc.Upload(ctx, rag.UploadInput{Name: "alpha.txt", Content: content})
	gt.NoError(t, err)

	gt.True(t, out.Created)
	gt.Equal(t, out.ChunkCount, 3)

	docs, err := uc.Documents(ctx, out.SessionID)
	gt.NoError(t, err)
	gt.A(t, docs).Length(1)
	gt.Equal(t, docs[0].ID, out.DocumentID)
	gt.Equal(t, docs[0].Name, "alpha.txt")
	gt.Equal(t, docs[0].ChunkCount, 3)
	gt.Equal(t, docs[0].TextSize, len(content))

	sess, err := uc.Show(ctx, out.SessionID)
	gt.NoError(t, err)
	gt.Equal(t, sess.Kind, model.KindRAG)
}

func TestAskAnswersFromDocuments(t *testing.T) {
	ctx := context.Background()
	uc, _, llm, _ := setup(t)

	up, err := uc.Upload(ctx, rag.UploadInput{Name: "alpha.txt", Content: strings.Repeat("alpha ", 200)})
	gt.NoError(t, err)
	_, err = uc.Upload(ctx, rag.UploadInput{SessionID: up.SessionID, Name: "beta.txt", Content: strings.Repeat("beta ", 250)})
	gt.NoError(t, err)

	out, err := uc.Ask(ctx, rag.AskInput{SessionID: up.SessionID, Query: "what does alpha say"})
	gt.NoError(t, err)
	gt.Equal(t, out.Answer, "grounded answer")

	// all grounding comes from the alpha document
	gt.A(t, out.RelatedChunks).Length(3)
	for _, chunk := range out.RelatedChunks {
		gt.S(t, chunk).Contains("alpha")
		gt.S(t, chunk).NotContains("beta")
	}

	// the chunks are embedded into the system prompt
	system := llm.prompts[0][0]
	gt.Equal(t, system.Role, adapter.RoleSystem)
	gt.S(t, system.Content).Contains("alpha")

	// the exchange lands in the history with grounding attached
	sess, err := uc.Show(ctx, up.SessionID)
	gt.NoError(t, err)
	hist := sess.RAG.Histories[out.HistoryID]
	gt.V(t, hist).NotNil()
	gt.A(t, hist.Messages).Length(2)
	gt.Equal(t, hist.Messages[1].Role, model.RoleAssistant)
	gt.A(t, hist.Messages[1].RelatedChunks).Length(3)

	// a second question reuses the history
	out2, err := uc.Ask(ctx, rag.AskInput{SessionID: up.SessionID, HistoryID: out.HistoryID, Query: "and beta?"})
	gt.NoError(t, err)
	gt.Equal(t, out2.HistoryID, out.HistoryID)
	gt.A(t, hist.Messages).Length(4)
}

func TestAskDegradesOnLLMFailure(t *testing.T) {
	ctx := context.Background()
	uc, _, llm, _ := setup(t)

	up, err := uc.Upload(ctx, rag.UploadInput{Name: "alpha.txt", Content: strings.Repeat("alpha ", 200)})
	gt.NoError(t, err)

	llm.streamErr = goerr.New("provider down")
	out, err := uc.Ask(ctx, rag.AskInput{SessionID: up.SessionID, Query: "does this survive an outage"})
	gt.NoError(t, err)
	gt.S(t, out.Answer).Contains("apologize")

	// the question and the degraded answer are both recorded
	sess, err := uc.Show(ctx, up.SessionID)
	gt.NoError(t, err)
	hist := sess.RAG.Histories[out.HistoryID]
	gt.V(t, hist).NotNil()
	gt.A(t, hist.Messages).Length(2)
	gt.Equal(t, hist.Messages[0].Role, model.RoleUser)
	gt.Equal(t, hist.Messages[0].Content, "does this survive an outage")
	gt.Equal(t, hist.Messages[1].Role, model.RoleAssistant)
	gt.S(t, hist.Messages[1].Content).Contains("apologize")
}

func TestAskWithoutDocuments(t *testing.T) {
	ctx := context.Background()
	uc, _, _, _ := setup(t)

	up, err := uc.Upload(ctx, rag.UploadInput{Name: "only.txt", Content: strings.Repeat("alpha ", 100)})
	gt.NoError(t, err)
	gt.NoError(t, uc.DeleteDocument(ctx, up.SessionID, up.DocumentID))

	_, err = uc.Ask(ctx, rag.AskInput{SessionID: up.SessionID, Query: "anything"})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrNoDocuments))
}

func TestDeleteDocumentRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.NewLocal(t.TempDir())
	gt.NoError(t, err)
	llm := &mockLLM{answer: "grounded answer"}
	embedder := &topicEmbedder{}
	sessions := cache.New(repo)
	uc := rag.New(sessions, repo, llm, embedder)

	up, err := uc.Upload(ctx, rag.UploadInput{Name: "alpha.txt", Content: strings.Repeat("alpha ", 200)})
	gt.NoError(t, err)
	upB, err := uc.Upload(ctx, rag.UploadInput{SessionID: up.SessionID, Name: "beta.txt", Content: strings.Repeat("beta ", 250)})
	gt.NoError(t, err)

	callsBefore := embedder.calls
	gt.NoError(t, uc.DeleteDocument(ctx, up.SessionID, up.DocumentID))
	gt.Equal(t, embedder.calls, callsBefore) // rebuild reuses stored embeddings

	docs, err := uc.Documents(ctx, up.SessionID)
	gt.NoError(t, err)
	gt.A(t, docs).Length(1)
	gt.Equal(t, docs[0].ID, upB.DocumentID)

	// even an alpha question can only be grounded on beta chunks now
	out, err := uc.Ask(ctx, rag.AskInput{SessionID: up.SessionID, Query: "what does alpha say"})
	gt.NoError(t, err)
	for _, chunk := range out.RelatedChunks {
		gt.S(t, chunk).Contains("beta")
	}

	// the rebuilt artifact is what a fresh process reads back
	gt.NoError(t, sessions.FlushAll(ctx))
	sessions2 := cache.New(repo)
	gt.NoError(t, sessions2.Load(ctx))
	uc2 := rag.New(sessions2, repo, llm, embedder)
	out2, err := uc2.Ask(ctx, rag.AskInput{SessionID: up.SessionID, Query: "what does alpha say"})
	gt.NoError(t, err)
	for _, chunk := range out2.RelatedChunks {
		gt.S(t, chunk).Contains("beta")
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	uc, _, _, _ := setup(t)

	up, err := uc.Upload(ctx, rag.UploadInput{Name: "alpha.txt", Content: strings.Repeat("alpha ", 200)})
	gt.NoError(t, err)

	gt.NoError(t, uc.Delete(ctx, up.SessionID))

	_, err = uc.Show(ctx, up.SessionID)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrSessionNotFound))
	gt.A(t, uc.List()).Length(0)
}

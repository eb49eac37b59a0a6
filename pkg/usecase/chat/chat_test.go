package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/usecase/chat"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
)

type mockLLM struct {
	answer    string
	streamErr error
	prompts   [][]adapter.Message
}

func (m *mockLLM) Generate(_ context.Context, msgs []adapter.Message) (string, error) {
	return "Mock Session Title", nil
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

func newUseCase(t *testing.T, llm adapter.LLM) *chat.UseCase {
	t.Helper()
	repo, err := repository.NewLocal(t.TempDir())
	gt.NoError(t, err)
	return chat.New(cache.New(repo), llm)
}

func TestAskCreatesSession(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{answer: "The answer is 42."}
	uc := newUseCase(t, llm)

	var streamed strings.Builder
	out, err := uc.Ask(ctx, chat.AskInput{
		Query:      "What is the meaning of life?",
		OnFragment: func(s string) { streamed.WriteString(s) },
	})
	gt.NoError(t, err)

	gt.True(t, out.Created)
	gt.Equal(t, out.Answer, "The answer is 42.")
	gt.Equal(t, streamed.String(), "The answer is 42.")
	gt.True(t, len(out.Caption) > 0)
	gt.True(t, len(out.Caption) <= 50)

	status, err := uc.Status(ctx, out.SessionID)
	gt.NoError(t, err)
	gt.Equal(t, status.CurrentQuestions, 1)
	gt.Equal(t, status.Remaining, chat.MaxQuestions-1)
	gt.False(t, status.IsFull)

	// new sessions carry a system prompt, followups must not
	gt.Equal(t, llm.prompts[0][0].Role, adapter.RoleSystem)

	_, err = uc.Ask(ctx, chat.AskInput{SessionID: out.SessionID, Query: "And why?"})
	gt.NoError(t, err)
	for _, msg := range llm.prompts[1] {
		gt.False(t, msg.Role == adapter.RoleSystem)
	}
}

func TestAskDegradesOnLLMFailure(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{streamErr: goerr.New("provider down")}
	uc := newUseCase(t, llm)

	out, err := uc.Ask(ctx, chat.AskInput{Query: "does this survive an outage"})
	gt.NoError(t, err)
	gt.S(t, out.Answer).Contains("apologize")

	// the user turn and the degraded answer are both recorded
	sess, err := uc.Get(ctx, out.SessionID)
	gt.NoError(t, err)
	gt.A(t, sess.Messages).Length(2)
	gt.Equal(t, sess.Messages[0].Role, model.RoleUser)
	gt.Equal(t, sess.Messages[1].Role, model.RoleAssistant)
}

func TestContextWindow(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{answer: "ok"}
	uc := newUseCase(t, llm)

	out, err := uc.Ask(ctx, chat.AskInput{Query: "first question"})
	gt.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err := uc.Ask(ctx, chat.AskInput{SessionID: out.SessionID, Query: "followup"})
		gt.NoError(t, err)
	}

	// 8 questions + 7 answers = 15 turns at prompt time; only 10 are sent
	last := llm.prompts[len(llm.prompts)-1]
	gt.A(t, last).Length(10)
}

func TestSessionFullAndContinue(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{answer: "ok"}
	uc := newUseCase(t, llm)

	out, err := uc.Ask(ctx, chat.AskInput{Query: "question zero"})
	gt.NoError(t, err)
	for i := 1; i < chat.MaxQuestions; i++ {
		_, err := uc.Ask(ctx, chat.AskInput{SessionID: out.SessionID, Query: "more"})
		gt.NoError(t, err)
	}

	status, err := uc.Status(ctx, out.SessionID)
	gt.NoError(t, err)
	gt.True(t, status.IsFull)
	gt.Equal(t, status.Remaining, 0)

	_, err = uc.Ask(ctx, chat.AskInput{SessionID: out.SessionID, Query: "one too many"})
	gt.Error(t, err)
	gt.True(t, errors.Is(err, chat.ErrSessionFull))

	cont, err := uc.Continue(ctx, out.SessionID)
	gt.NoError(t, err)
	gt.Equal(t, cont.Parent, out.SessionID)
	gt.A(t, cont.Messages).Length(0)
	gt.S(t, cont.Caption).Contains("cont")

	// the continuation accepts questions again
	_, err = uc.Ask(ctx, chat.AskInput{SessionID: cont.ID, Query: "fresh start"})
	gt.NoError(t, err)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo, err := repository.NewLocal(dir)
	gt.NoError(t, err)

	sessions := cache.New(repo)
	uc := chat.New(sessions, &mockLLM{answer: "persisted answer"})
	out, err := uc.Ask(ctx, chat.AskInput{Query: "remember me"})
	gt.NoError(t, err)
	gt.NoError(t, sessions.FlushAll(ctx))

	// a fresh cache over the same directory sees the same record
	repo2, err := repository.NewLocal(dir)
	gt.NoError(t, err)
	sessions2 := cache.New(repo2)
	gt.NoError(t, sessions2.Load(ctx))
	uc2 := chat.New(sessions2, &mockLLM{answer: "unused"})

	sess, err := uc2.Get(ctx, out.SessionID)
	gt.NoError(t, err)
	gt.Equal(t, sess.Caption, out.Caption)
	gt.A(t, sess.Messages).Length(2)
	gt.Equal(t, sess.Messages[1].Content, "persisted answer")
	gt.True(t, time.Since(sess.CreatedAt) < time.Minute)

	summaries := uc2.List()
	gt.A(t, summaries).Longer(0)
	gt.Equal(t, summaries[0].ID, out.SessionID)
}

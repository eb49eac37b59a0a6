// Package chat implements plain conversational sessions: bounded
// question count, trailing-window prompt context and continuation
// sessions once the limit is reached.
package chat

import (
	"context"
	"time"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/usecase/caption"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// MaxQuestions is the hard limit of user turns per session.
	MaxQuestions = 20

	// contextWindow is how many trailing turns are sent to the LLM.
	contextWindow = 10

	systemPrompt = `You are a helpful assistant. Answer clearly and concisely, and say so when you are unsure.`

	degradedAnswer = `I apologize, but I could not generate a response due to a temporary problem. Your question has been saved; please try again.`
)

var ErrSessionFull = goerr.New("session reached the question limit, continue it to keep chatting")

type UseCase struct {
	sessions *cache.Cache
	llm      adapter.LLM
}

func New(sessions *cache.Cache, llm adapter.LLM) *UseCase {
	return &UseCase{sessions: sessions, llm: llm}
}

type AskInput struct {
	// SessionID selects an existing session; empty starts a new one.
	SessionID model.SessionID
	Query     string

	// OnFragment receives answer fragments as they stream in. Optional.
	OnFragment func(fragment string)
}

type AskOutput struct {
	SessionID model.SessionID
	Caption   string
	Answer    string
	Created   bool
}

// Ask appends the query to the session (creating one with a generated
// caption when SessionID is empty), asks the LLM with the trailing
// conversation window, and appends the answer. An LLM failure degrades
// to a fixed apology answer; the user turn is kept either way.
func (uc *UseCase) Ask(ctx context.Context, input AskInput) (*AskOutput, error) {
	if input.Query == "" {
		return nil, goerr.New("query is empty")
	}

	var sess *model.Session
	created := false
	if input.SessionID == "" {
		sess = model.NewSession(model.KindChat, caption.Generate(ctx, uc.llm, input.Query))
		created = true
	} else {
		var err error
		sess, err = uc.sessions.Get(ctx, input.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.Kind != model.KindChat {
			return nil, goerr.New("not a chat session", goerr.V("session_id", sess.ID), goerr.V("kind", sess.Kind))
		}
		if sess.QuestionCount() >= MaxQuestions {
			return nil, goerr.Wrap(ErrSessionFull, "session is full", goerr.V("session_id", sess.ID))
		}
	}

	sess.Append(&model.Message{
		Role:      model.RoleUser,
		Content:   input.Query,
		Timestamp: time.Now(),
	})

	answer, err := uc.llm.GenerateStream(ctx, uc.prompt(sess, created), input.OnFragment)
	if err != nil {
		logging.From(ctx).Error("chat generation failed", "session_id", sess.ID, "error", err)
		answer = degradedAnswer
		if input.OnFragment != nil {
			input.OnFragment(answer)
		}
	}

	sess.Append(&model.Message{
		Role:      model.RoleAssistant,
		Content:   answer,
		Timestamp: time.Now(),
	})

	if created {
		uc.sessions.Put(ctx, sess)
	} else {
		uc.sessions.MarkDirty(sess.ID)
	}

	return &AskOutput{
		SessionID: sess.ID,
		Caption:   sess.Caption,
		Answer:    answer,
		Created:   created,
	}, nil
}

// prompt builds the provider-neutral message list: the system prompt for
// sessions that just started, then the trailing window of turns.
func (uc *UseCase) prompt(sess *model.Session, created bool) []adapter.Message {
	var msgs []adapter.Message
	if created {
		msgs = append(msgs, adapter.Message{Role: adapter.RoleSystem, Content: systemPrompt})
	}

	window := sess.Messages
	if len(window) > contextWindow {
		window = window[len(window)-contextWindow:]
	}
	for _, m := range window {
		msgs = append(msgs, adapter.Message{Role: adapter.Role(m.Role), Content: m.Content})
	}
	return msgs
}

type Status struct {
	SessionID        model.SessionID `json:"session_id"`
	Caption          string          `json:"caption"`
	CurrentQuestions int             `json:"current_questions"`
	MaxQuestions     int             `json:"max_questions"`
	Remaining        int             `json:"remaining"`
	IsFull           bool            `json:"is_full"`
	Parent           model.SessionID `json:"parent_session_id,omitempty"`
}

// Status reports how much of the question budget the session has used.
func (uc *UseCase) Status(ctx context.Context, id model.SessionID) (*Status, error) {
	sess, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	n := sess.QuestionCount()
	return &Status{
		SessionID:        sess.ID,
		Caption:          sess.Caption,
		CurrentQuestions: n,
		MaxQuestions:     MaxQuestions,
		Remaining:        MaxQuestions - n,
		IsFull:           n >= MaxQuestions,
		Parent:           sess.Parent,
	}, nil
}

// Continue starts a fresh session linked to a full one via Parent. The
// new session shares the caption with a continuation marker and starts
// with an empty conversation.
func (uc *UseCase) Continue(ctx context.Context, id model.SessionID) (*model.Session, error) {
	parent, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if parent.Kind != model.KindChat {
		return nil, goerr.New("not a chat session", goerr.V("session_id", parent.ID), goerr.V("kind", parent.Kind))
	}

	sess := model.NewSession(model.KindChat, parent.Caption+" (cont.)")
	sess.Parent = parent.ID
	uc.sessions.Put(ctx, sess)

	logging.From(ctx).Info("continued session",
		"parent_session_id", parent.ID, "session_id", sess.ID)
	return sess, nil
}

// Get returns the full session record for display.
func (uc *UseCase) Get(ctx context.Context, id model.SessionID) (*model.Session, error) {
	return uc.sessions.Get(ctx, id)
}

// List returns chat session summaries, most recently accessed first.
func (uc *UseCase) List() []*model.Summary {
	var result []*model.Summary
	for _, s := range uc.sessions.Summaries() {
		if s.Kind == model.KindChat {
			result = append(result, s)
		}
	}
	return result
}

// Delete removes the session from memory and durable storage.
func (uc *UseCase) Delete(ctx context.Context, id model.SessionID) error {
	return uc.sessions.Delete(ctx, id)
}

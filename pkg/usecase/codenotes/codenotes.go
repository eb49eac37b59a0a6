// Package codenotes implements versioned code sessions: code is generated
// once per session, iterated on through histories that snapshot each
// changed version, and searchable across sessions by similarity.
package codenotes

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/burrow/pkg/adapter"
	"github.com/m-mizutani/burrow/pkg/cache"
	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/usecase/caption"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/burrow/pkg/vector"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// indexScope is the vector artifact shared by all code sessions.
	indexScope = "codenotes"

	// defaultSearchLimit is how many similar sessions a search returns.
	defaultSearchLimit = 3

	// memoryWindow is how many trailing exchanges are sent with an
	// iteration prompt.
	memoryWindow = 5
)

const generatePrompt = `You are an expert %LANGUAGE% programmer. Write complete, working %LANGUAGE% code for the following request.
Reply with a single fenced code block and nothing else.

Request: %QUERY%`

const iteratePrompt = `You are an expert %LANGUAGE% programmer working on the code below. Answer the user's request about it.
Reply in exactly this format:

RESPONSE: <your explanation>
CODE_CHANGED: true or false
NEW_CODE: <the full updated code in a fenced block, only when CODE_CHANGED is true>

Current code:
` + "```%LANGUAGE%\n%CODE%\n```"

const degradedResponse = `I apologize, but I could not process this request due to a temporary problem. Your question has been saved; please try again.`

type UseCase struct {
	sessions *cache.Cache
	repo     repository.Repository
	llm      adapter.LLM
	embedder adapter.Embedder

	// mu guards index; the vector index itself is not concurrency-safe
	mu    sync.Mutex
	index *vector.Index
}

func New(sessions *cache.Cache, repo repository.Repository, llm adapter.LLM, embedder adapter.Embedder) *UseCase {
	return &UseCase{
		sessions: sessions,
		repo:     repo,
		llm:      llm,
		embedder: embedder,
	}
}

// loadIndex returns the shared index, reading the persisted artifact on
// first use. Callers must hold mu.
func (uc *UseCase) loadIndex(ctx context.Context) (*vector.Index, error) {
	if uc.index != nil {
		return uc.index, nil
	}

	data, err := uc.repo.LoadVectors(ctx, indexScope)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load code index")
	}
	if data == nil {
		// no artifact yet; the dimension is zero until an embedder is
		// wired, which only read paths tolerate
		var dim int
		if uc.embedder != nil {
			dim = uc.embedder.Dimension()
		}
		uc.index = vector.New(dim, vector.MetricCosine)
		return uc.index, nil
	}

	idx, err := vector.Unmarshal(data)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to restore code index")
	}
	uc.index = idx
	return uc.index, nil
}

// persistIndex writes the shared index artifact, or removes it when the
// last record is gone. Callers must hold mu.
func (uc *UseCase) persistIndex(ctx context.Context) error {
	if uc.index.Len() == 0 {
		return uc.repo.DeleteVectors(ctx, indexScope)
	}
	data, err := uc.index.Marshal()
	if err != nil {
		return err
	}
	return uc.repo.SaveVectors(ctx, indexScope, data)
}

type CreateInput struct {
	Name     string
	Language string
	Query    string
}

type CreateOutput struct {
	SessionID model.SessionID
	Caption   string
	Code      string
}

// Create generates the base code (version v1) for a new code session and
// registers it in the shared similarity index.
func (uc *UseCase) Create(ctx context.Context, input CreateInput) (*CreateOutput, error) {
	if input.Query == "" {
		return nil, goerr.New("query is empty")
	}
	if input.Language == "" {
		input.Language = "python"
	}

	prompt := strings.NewReplacer(
		"%LANGUAGE%", input.Language,
		"%QUERY%", input.Query,
	).Replace(generatePrompt)

	raw, err := uc.llm.Generate(ctx, []adapter.Message{{Role: adapter.RoleUser, Content: prompt}})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate base code")
	}
	code := extractCode(raw)
	if code == "" {
		return nil, goerr.New("model returned no code")
	}

	embedding, err := uc.embedder.Embed(ctx, code)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed base code")
	}

	name := input.Name
	if name == "" {
		name = caption.Generate(ctx, uc.llm, input.Query)
	}

	sess := model.NewSession(model.KindCode, name)
	sess.Code.Name = name
	sess.Code.Language = input.Language
	sess.Code.BaseCode = code
	sess.Code.BaseEmbedding = embedding
	uc.sessions.Put(ctx, sess)

	uc.mu.Lock()
	defer uc.mu.Unlock()
	idx, err := uc.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	if err := idx.Add(vector.Record{
		OwnerID:   string(sess.ID),
		Content:   code,
		Embedding: embedding,
		Meta: map[string]string{
			"name":     name,
			"language": input.Language,
		},
	}); err != nil {
		return nil, err
	}
	if err := uc.persistIndex(ctx); err != nil {
		return nil, err
	}

	logging.From(ctx).Info("created code session",
		"session_id", sess.ID, "name", name, "language", input.Language)
	return &CreateOutput{SessionID: sess.ID, Caption: name, Code: code}, nil
}

type ChatInput struct {
	SessionID model.SessionID
	// HistoryID selects an existing iteration thread; empty starts one.
	HistoryID model.HistoryID
	Query     string

	OnFragment func(fragment string)
}

type ChatOutput struct {
	HistoryID   model.HistoryID
	Response    string
	CodeChanged bool
	Version     string
	Code        string
}

// Chat runs one iteration exchange over a history's current code. When
// the model reports a code change, the new code is snapshotted as the
// next version with its own embedding. A generation failure degrades to
// a fixed apology response with no code change; the exchange is
// recorded either way.
func (uc *UseCase) Chat(ctx context.Context, input ChatInput) (*ChatOutput, error) {
	sess, err := uc.codeSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	var hist *model.CodeHistory
	histID := input.HistoryID
	if histID == "" {
		histID = model.NewHistoryID()
		hist = &model.CodeHistory{
			Caption:        caption.Generate(ctx, uc.llm, input.Query),
			CurrentVersion: model.BaseVersion,
			Versions:       map[string]*model.CodeVersion{},
		}
		sess.Code.Histories[histID] = hist
	} else {
		var ok bool
		hist, ok = sess.Code.Histories[histID]
		if !ok {
			return nil, goerr.Wrap(model.ErrHistoryNotFound, "unknown history",
				goerr.V("session_id", sess.ID), goerr.V("history_id", histID))
		}
	}

	raw, err := uc.llm.GenerateStream(ctx, uc.iterationPrompt(sess, hist, input.Query), input.OnFragment)
	if err != nil {
		logging.From(ctx).Error("code iteration failed", "session_id", sess.ID, "error", err)
		raw = degradedResponse
		if input.OnFragment != nil {
			input.OnFragment(raw)
		}
	}
	parsed := parseReply(raw)

	out := &ChatOutput{
		HistoryID: histID,
		Response:  parsed.Response,
		Version:   hist.CurrentVersion,
	}

	// CodeChanged reports a minted version, not the model's claim; a
	// reply claiming a change without code mints nothing
	if parsed.CodeChanged && parsed.NewCode != "" {
		embedding, err := uc.embedder.Embed(ctx, parsed.NewCode)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed new version")
		}
		next := hist.NextVersion()
		hist.Versions[next] = &model.CodeVersion{
			Code:      parsed.NewCode,
			Embedding: embedding,
			Changes:   parsed.Response,
			CreatedAt: time.Now(),
		}
		hist.CurrentVersion = next
		out.CodeChanged = true
		out.Version = next
		out.Code = parsed.NewCode
	}

	hist.Memory = append(hist.Memory, &model.CodeExchange{
		Query:       input.Query,
		Response:    parsed.Response,
		CodeChanged: out.CodeChanged,
		Version:     out.Version,
		Timestamp:   time.Now(),
	})
	sess.LastAccessedAt = time.Now()
	uc.sessions.MarkDirty(sess.ID)

	return out, nil
}

// iterationPrompt builds the structured prompt: current code as system
// context plus the trailing exchange memory and the new query.
func (uc *UseCase) iterationPrompt(sess *model.Session, hist *model.CodeHistory, query string) []adapter.Message {
	system := strings.NewReplacer(
		"%LANGUAGE%", sess.Code.Language,
		"%CODE%", sess.Code.CurrentCode(hist),
	).Replace(iteratePrompt)

	msgs := []adapter.Message{{Role: adapter.RoleSystem, Content: system}}

	memory := hist.Memory
	if len(memory) > memoryWindow {
		memory = memory[len(memory)-memoryWindow:]
	}
	for _, ex := range memory {
		msgs = append(msgs,
			adapter.Message{Role: adapter.RoleUser, Content: ex.Query},
			adapter.Message{Role: adapter.RoleAssistant, Content: ex.Response},
		)
	}
	return append(msgs, adapter.Message{Role: adapter.RoleUser, Content: query})
}

// Show returns the full session record.
func (uc *UseCase) Show(ctx context.Context, id model.SessionID) (*model.Session, error) {
	return uc.codeSession(ctx, id)
}

// VersionInfo is one entry of a history's version listing.
type VersionInfo struct {
	Version   string    `json:"version"`
	Changes   string    `json:"changes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Current   bool      `json:"current"`
}

// Versions lists a history's versions oldest first, v1 included.
func (uc *UseCase) Versions(ctx context.Context, id model.SessionID, histID model.HistoryID) ([]*VersionInfo, error) {
	sess, err := uc.codeSession(ctx, id)
	if err != nil {
		return nil, err
	}
	hist, ok := sess.Code.Histories[histID]
	if !ok {
		return nil, goerr.Wrap(model.ErrHistoryNotFound, "unknown history",
			goerr.V("session_id", id), goerr.V("history_id", histID))
	}

	result := []*VersionInfo{{
		Version:   model.BaseVersion,
		CreatedAt: sess.CreatedAt,
		Current:   hist.CurrentVersion == model.BaseVersion,
	}}
	for label, v := range hist.Versions {
		result = append(result, &VersionInfo{
			Version:   label,
			Changes:   v.Changes,
			CreatedAt: v.CreatedAt,
			Current:   hist.CurrentVersion == label,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CodeAt resolves the code of a specific version label.
func (uc *UseCase) CodeAt(ctx context.Context, id model.SessionID, histID model.HistoryID, version string) (string, error) {
	sess, err := uc.codeSession(ctx, id)
	if err != nil {
		return "", err
	}
	hist, ok := sess.Code.Histories[histID]
	if !ok {
		return "", goerr.Wrap(model.ErrHistoryNotFound, "unknown history",
			goerr.V("session_id", id), goerr.V("history_id", histID))
	}
	if version == model.BaseVersion {
		return sess.Code.BaseCode, nil
	}
	v, ok := hist.Versions[version]
	if !ok {
		return "", goerr.Wrap(model.ErrVersionNotFound, "unknown version",
			goerr.V("session_id", id), goerr.V("version", version))
	}
	return v.Code, nil
}

// SearchHit is one similar code session.
type SearchHit struct {
	SessionID model.SessionID `json:"session_id"`
	Name      string          `json:"name"`
	Language  string          `json:"language"`
	Score     float32         `json:"score"`
}

// Search finds the code sessions most similar to the query text.
func (uc *UseCase) Search(ctx context.Context, query string, limit int) ([]*SearchHit, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	embedding, err := uc.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed search query")
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	idx, err := uc.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	results, err := idx.Search(embedding, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]*SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, &SearchHit{
			SessionID: model.SessionID(r.Record.OwnerID),
			Name:      r.Record.Meta["name"],
			Language:  r.Record.Meta["language"],
			Score:     r.Score,
		})
	}
	return hits, nil
}

// Delete removes a code session, its index records and its history. The
// index rebuild reuses stored embeddings.
func (uc *UseCase) Delete(ctx context.Context, id model.SessionID) error {
	if _, err := uc.codeSession(ctx, id); err != nil {
		return err
	}

	uc.mu.Lock()
	idx, err := uc.loadIndex(ctx)
	if err != nil {
		uc.mu.Unlock()
		return err
	}
	removed := idx.RebuildWithout(func(rec vector.Record) bool {
		return rec.OwnerID == string(id)
	})
	err = uc.persistIndex(ctx)
	uc.mu.Unlock()
	if err != nil {
		return err
	}

	logging.From(ctx).Info("deleted code session", "session_id", id, "removed_vectors", removed)
	return uc.sessions.Delete(ctx, id)
}

// DeleteHistory drops one iteration thread, keeping the session.
func (uc *UseCase) DeleteHistory(ctx context.Context, id model.SessionID, histID model.HistoryID) error {
	sess, err := uc.codeSession(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := sess.Code.Histories[histID]; !ok {
		return goerr.Wrap(model.ErrHistoryNotFound, "unknown history",
			goerr.V("session_id", id), goerr.V("history_id", histID))
	}
	delete(sess.Code.Histories, histID)
	sess.LastAccessedAt = time.Now()
	uc.sessions.MarkDirty(id)
	return nil
}

// List returns code session summaries, most recently accessed first.
func (uc *UseCase) List() []*model.Summary {
	var result []*model.Summary
	for _, s := range uc.sessions.Summaries() {
		if s.Kind == model.KindCode {
			result = append(result, s)
		}
	}
	return result
}

func (uc *UseCase) codeSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	sess, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Kind != model.KindCode || sess.Code == nil {
		return nil, goerr.New("not a code session", goerr.V("session_id", id), goerr.V("kind", sess.Kind))
	}
	return sess, nil
}

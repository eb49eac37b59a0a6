// Package rag implements document-grounded sessions: uploaded documents
// are chunked and embedded into a per-session vector index, and answers
// are generated from the most similar chunks.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strconv"
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
	// topK is how many chunks ground one answer.
	topK = 3

	// historyWindow is how many trailing turns of a history are sent with
	// the prompt.
	historyWindow = 10
)

const answerPrompt = `Answer the question using only the provided document excerpts. If the excerpts do not contain the answer, say so instead of guessing.

Document excerpts:
%CONTEXT%`

const degradedAnswer = `I apologize, but I could not generate an answer due to a temporary problem. Your question has been saved; please try again.`

type UseCase struct {
	sessions *cache.Cache
	repo     repository.Repository
	llm      adapter.LLM
	embedder adapter.Embedder

	// mu guards indexes and each index within it
	mu      sync.Mutex
	indexes map[model.SessionID]*vector.Index
}

func New(sessions *cache.Cache, repo repository.Repository, llm adapter.LLM, embedder adapter.Embedder) *UseCase {
	return &UseCase{
		sessions: sessions,
		repo:     repo,
		llm:      llm,
		embedder: embedder,
		indexes:  map[model.SessionID]*vector.Index{},
	}
}

// loadIndex returns the session's index, reading its persisted artifact
// on first use. Callers must hold mu.
func (uc *UseCase) loadIndex(ctx context.Context, id model.SessionID) (*vector.Index, error) {
	if idx, ok := uc.indexes[id]; ok {
		return idx, nil
	}

	data, err := uc.repo.LoadVectors(ctx, string(id))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load session vectors", goerr.V("session_id", id))
	}

	var idx *vector.Index
	if data == nil {
		var dim int
		if uc.embedder != nil {
			dim = uc.embedder.Dimension()
		}
		idx = vector.New(dim, vector.MetricL2)
	} else {
		if idx, err = vector.Unmarshal(data); err != nil {
			return nil, goerr.Wrap(err, "failed to restore session vectors", goerr.V("session_id", id))
		}
	}
	uc.indexes[id] = idx
	return idx, nil
}

// persistIndex writes the session's artifact, or removes it when no
// records remain. Callers must hold mu.
func (uc *UseCase) persistIndex(ctx context.Context, id model.SessionID) error {
	idx := uc.indexes[id]
	if idx.Len() == 0 {
		return uc.repo.DeleteVectors(ctx, string(id))
	}
	data, err := idx.Marshal()
	if err != nil {
		return err
	}
	return uc.repo.SaveVectors(ctx, string(id), data)
}

type UploadInput struct {
	// SessionID selects an existing session; empty starts a new one named
	// after the document.
	SessionID model.SessionID
	Name      string
	Content   string

	// Size is the raw size of the source file before text extraction; zero
	// means the content length is used.
	Size int
}

type UploadOutput struct {
	SessionID  model.SessionID
	DocumentID model.DocumentID
	ChunkCount int
	Created    bool
}

// Upload chunks the document, embeds every chunk and adds the records to
// the session's index. The extracted text is kept alongside so documents
// can be inspected after upload.
func (uc *UseCase) Upload(ctx context.Context, input UploadInput) (*UploadOutput, error) {
	if strings.TrimSpace(input.Content) == "" {
		return nil, goerr.New("document is empty", goerr.V("name", input.Name))
	}

	var sess *model.Session
	created := false
	if input.SessionID == "" {
		sess = model.NewSession(model.KindRAG, caption.Fallback(input.Name))
		created = true
	} else {
		var err error
		if sess, err = uc.ragSession(ctx, input.SessionID); err != nil {
			return nil, err
		}
	}

	chunks, err := vector.Chunk(input.Content, vector.DefaultChunkSize, vector.DefaultChunkOverlap)
	if err != nil {
		return nil, err
	}

	doc := &model.Document{
		ID:         model.NewDocumentID(),
		Name:       input.Name,
		Size:       input.Size,
		TextSize:   len(input.Content),
		ChunkCount: len(chunks),
		UploadedAt: time.Now(),
	}
	if doc.Size == 0 {
		doc.Size = len(input.Content)
	}

	records := make([]vector.Record, 0, len(chunks))
	for i, chunk := range chunks {
		embedding, err := uc.embedder.Embed(ctx, chunk)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed chunk",
				goerr.V("document", input.Name), goerr.V("chunk", i))
		}
		records = append(records, vector.Record{
			OwnerID:   string(doc.ID),
			Content:   chunk,
			Embedding: embedding,
			Meta: map[string]string{
				"document_name": input.Name,
				"chunk":         strconv.Itoa(i),
			},
		})
	}

	uc.mu.Lock()
	idx, err := uc.loadIndex(ctx, sess.ID)
	if err == nil {
		if err = idx.Add(records...); err == nil {
			err = uc.persistIndex(ctx, sess.ID)
		}
	}
	uc.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := uc.repo.SaveDocument(ctx, documentFile(sess.ID, doc.ID), []byte(input.Content)); err != nil {
		return nil, goerr.Wrap(err, "failed to save document text", goerr.V("name", input.Name))
	}

	sess.RAG.Documents[doc.ID] = doc
	sess.LastAccessedAt = time.Now()
	if created {
		uc.sessions.Put(ctx, sess)
	} else {
		uc.sessions.MarkDirty(sess.ID)
	}

	logging.From(ctx).Info("uploaded document",
		"session_id", sess.ID, "document_id", doc.ID, "name", input.Name, "chunks", len(chunks))
	return &UploadOutput{
		SessionID:  sess.ID,
		DocumentID: doc.ID,
		ChunkCount: len(chunks),
		Created:    created,
	}, nil
}

type AskInput struct {
	SessionID model.SessionID
	// HistoryID selects an existing conversation; empty starts one.
	HistoryID model.HistoryID
	Query     string

	OnFragment func(fragment string)
}

type AskOutput struct {
	HistoryID     model.HistoryID
	Answer        string
	RelatedChunks []string
}

// Ask retrieves the chunks most similar to the query, generates an
// answer grounded on them, and records the exchange in the selected
// history with the grounding attached to the assistant turn. A
// generation failure degrades to a fixed apology answer; the exchange
// is recorded either way.
func (uc *UseCase) Ask(ctx context.Context, input AskInput) (*AskOutput, error) {
	sess, err := uc.ragSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	if len(sess.RAG.Documents) == 0 {
		return nil, goerr.Wrap(model.ErrNoDocuments, "upload a document first", goerr.V("session_id", sess.ID))
	}

	embedding, err := uc.embedder.Embed(ctx, input.Query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	uc.mu.Lock()
	idx, err := uc.loadIndex(ctx, sess.ID)
	var results []vector.Result
	if err == nil {
		results, err = idx.Search(embedding, topK)
	}
	uc.mu.Unlock()
	if err != nil {
		return nil, err
	}

	chunks := make([]string, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, r.Record.Content)
	}

	var hist *model.RAGHistory
	histID := input.HistoryID
	if histID == "" {
		histID = model.NewHistoryID()
		hist = &model.RAGHistory{
			Caption:   caption.Generate(ctx, uc.llm, input.Query),
			CreatedAt: time.Now(),
		}
		sess.RAG.Histories[histID] = hist
	} else {
		var ok bool
		if hist, ok = sess.RAG.Histories[histID]; !ok {
			return nil, goerr.Wrap(model.ErrHistoryNotFound, "unknown history",
				goerr.V("session_id", sess.ID), goerr.V("history_id", histID))
		}
	}

	answer, err := uc.llm.GenerateStream(ctx, prompt(hist, chunks, input.Query), input.OnFragment)
	if err != nil {
		logging.From(ctx).Error("answer generation failed", "session_id", sess.ID, "error", err)
		answer = degradedAnswer
		if input.OnFragment != nil {
			input.OnFragment(answer)
		}
	}

	now := time.Now()
	hist.Messages = append(hist.Messages,
		&model.Message{Role: model.RoleUser, Content: input.Query, Timestamp: now},
		&model.Message{Role: model.RoleAssistant, Content: answer, Timestamp: now, RelatedChunks: chunks},
	)
	hist.UpdatedAt = now
	sess.LastAccessedAt = now
	uc.sessions.MarkDirty(sess.ID)

	return &AskOutput{HistoryID: histID, Answer: answer, RelatedChunks: chunks}, nil
}

// prompt grounds the system message on the retrieved chunks and replays
// the trailing history window.
func prompt(hist *model.RAGHistory, chunks []string, query string) []adapter.Message {
	var excerpts strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&excerpts, "[%d] %s\n\n", i+1, chunk)
	}

	msgs := []adapter.Message{{
		Role:    adapter.RoleSystem,
		Content: strings.ReplaceAll(answerPrompt, "%CONTEXT%", strings.TrimSpace(excerpts.String())),
	}}

	window := hist.Messages
	if len(window) > historyWindow {
		window = window[len(window)-historyWindow:]
	}
	for _, m := range window {
		msgs = append(msgs, adapter.Message{Role: adapter.Role(m.Role), Content: m.Content})
	}
	return append(msgs, adapter.Message{Role: adapter.RoleUser, Content: query})
}

// DeleteDocument removes one document: its vector records are dropped by
// an in-memory rebuild of the surviving records, never by re-embedding.
func (uc *UseCase) DeleteDocument(ctx context.Context, id model.SessionID, docID model.DocumentID) error {
	sess, err := uc.ragSession(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := sess.RAG.Documents[docID]; !ok {
		return goerr.Wrap(model.ErrDocumentNotFound, "unknown document",
			goerr.V("session_id", id), goerr.V("document_id", docID))
	}

	uc.mu.Lock()
	idx, err := uc.loadIndex(ctx, id)
	var removed int
	if err == nil {
		removed = idx.RebuildWithout(func(rec vector.Record) bool {
			return rec.OwnerID == string(docID)
		})
		err = uc.persistIndex(ctx, id)
	}
	uc.mu.Unlock()
	if err != nil {
		return err
	}

	if err := uc.repo.DeleteDocuments(ctx, documentFile(id, docID)); err != nil {
		logging.From(ctx).Warn("failed to delete document text",
			"session_id", id, "document_id", docID, "error", err)
	}

	delete(sess.RAG.Documents, docID)
	sess.LastAccessedAt = time.Now()
	uc.sessions.MarkDirty(id)

	logging.From(ctx).Info("deleted document",
		"session_id", id, "document_id", docID, "removed_vectors", removed)
	return nil
}

// DeleteHistory drops one conversation, keeping documents and vectors.
func (uc *UseCase) DeleteHistory(ctx context.Context, id model.SessionID, histID model.HistoryID) error {
	sess, err := uc.ragSession(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := sess.RAG.Histories[histID]; !ok {
		return goerr.Wrap(model.ErrHistoryNotFound, "unknown history",
			goerr.V("session_id", id), goerr.V("history_id", histID))
	}
	delete(sess.RAG.Histories, histID)
	sess.LastAccessedAt = time.Now()
	uc.sessions.MarkDirty(id)
	return nil
}

// Delete removes the whole session: record, vector artifact and stored
// document texts.
func (uc *UseCase) Delete(ctx context.Context, id model.SessionID) error {
	if _, err := uc.ragSession(ctx, id); err != nil {
		return err
	}

	uc.mu.Lock()
	delete(uc.indexes, id)
	uc.mu.Unlock()

	if err := uc.repo.DeleteVectors(ctx, string(id)); err != nil {
		logging.From(ctx).Warn("failed to delete session vectors", "session_id", id, "error", err)
	}
	if err := uc.repo.DeleteDocuments(ctx, string(id)); err != nil {
		logging.From(ctx).Warn("failed to delete session documents", "session_id", id, "error", err)
	}
	return uc.sessions.Delete(ctx, id)
}

// Show returns the full session record.
func (uc *UseCase) Show(ctx context.Context, id model.SessionID) (*model.Session, error) {
	return uc.ragSession(ctx, id)
}

// Documents lists the session's documents, oldest upload first.
func (uc *UseCase) Documents(ctx context.Context, id model.SessionID) ([]*model.Document, error) {
	sess, err := uc.ragSession(ctx, id)
	if err != nil {
		return nil, err
	}

	result := make([]*model.Document, 0, len(sess.RAG.Documents))
	for _, doc := range sess.RAG.Documents {
		result = append(result, doc)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UploadedAt.Before(result[j].UploadedAt)
	})
	return result, nil
}

// List returns RAG session summaries, most recently accessed first.
func (uc *UseCase) List() []*model.Summary {
	var result []*model.Summary
	for _, s := range uc.sessions.Summaries() {
		if s.Kind == model.KindRAG {
			result = append(result, s)
		}
	}
	return result
}

func (uc *UseCase) ragSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	sess, err := uc.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Kind != model.KindRAG || sess.RAG == nil {
		return nil, goerr.New("not a RAG session", goerr.V("session_id", id), goerr.V("kind", sess.Kind))
	}
	return sess, nil
}

// documentFile names the stored text blob of a document. The session id
// prefix lets a session wipe remove all of its blobs in one pass.
func documentFile(id model.SessionID, docID model.DocumentID) string {
	return fmt.Sprintf("%s_%s", id, docID)
}


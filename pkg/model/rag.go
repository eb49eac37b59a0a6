package model

import (
	"time"

	"github.com/google/uuid"
)

type DocumentID string

// NewDocumentID generates a new unique DocumentID
func NewDocumentID() DocumentID {
	return DocumentID(uuid.New().String())
}

// RAGState is the payload of a RAG session: uploaded documents and the
// conversation histories grounded on them. The vector records derived
// from the documents live in the session's vector index artifact, not
// here.
type RAGState struct {
	Histories map[HistoryID]*RAGHistory `json:"histories"`
	Documents map[DocumentID]*Document  `json:"documents"`
}

// RAGHistory is one document-grounded conversation within a RAG session.
type RAGHistory struct {
	Caption   string     `json:"caption"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Messages  []*Message `json:"messages"`
}

// Document records an uploaded document. Deleting a document removes
// exactly its vector records from the session's index.
type Document struct {
	ID         DocumentID `json:"document_id"`
	Name       string     `json:"document_name"`
	Size       int        `json:"document_size"`
	TextSize   int        `json:"text_size"`
	ChunkCount int        `json:"chunk_count"`
	UploadedAt time.Time  `json:"uploaded_at"`
}

package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrSessionNotFound  = goerr.New("session not found")
	ErrHistoryNotFound  = goerr.New("history not found")
	ErrDocumentNotFound = goerr.New("document not found")
	ErrVersionNotFound  = goerr.New("version not found")
	ErrNoDocuments      = goerr.New("no documents in session")
)

type SessionID string

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

type HistoryID string

// NewHistoryID generates a new unique HistoryID
func NewHistoryID() HistoryID {
	return HistoryID(uuid.New().String())
}

type SessionKind string

const (
	KindChat SessionKind = "chat"
	KindCode SessionKind = "code"
	KindRAG  SessionKind = "rag"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn within a conversation. Turns are append-only
// and ordered by append time; RelatedChunks is set only on assistant
// turns produced by retrieval-augmented generation.
type Message struct {
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	RelatedChunks []string  `json:"related_chunks,omitempty"`
}

// Session is the persisted conversational record shared by the chat,
// code-notes and RAG subsystems. ID is immutable and unique; Caption and
// CreatedAt are fixed at creation. Parent is set when a session continues
// a full one, and is empty otherwise.
//
// The dirty state of a session is tracked by the cache layer, not here,
// so a persisted record round-trips without transient fields.
type Session struct {
	ID             SessionID   `json:"session_id"`
	Kind           SessionKind `json:"kind"`
	Caption        string      `json:"caption"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed"`
	Parent         SessionID   `json:"parent_session_id,omitempty"`

	// Messages is the primary conversation of a chat session. Code and
	// RAG sessions keep their conversations inside their own payloads.
	Messages []*Message `json:"messages,omitempty"`

	Code *CodeState `json:"code,omitempty"`
	RAG  *RAGState  `json:"rag,omitempty"`
}

// NewSession creates a session of the given kind with both timestamps set
// to now.
func NewSession(kind SessionKind, caption string) *Session {
	now := time.Now()
	s := &Session{
		ID:             NewSessionID(),
		Kind:           kind,
		Caption:        caption,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	switch kind {
	case KindCode:
		s.Code = &CodeState{Histories: map[HistoryID]*CodeHistory{}}
	case KindRAG:
		s.RAG = &RAGState{
			Histories: map[HistoryID]*RAGHistory{},
			Documents: map[DocumentID]*Document{},
		}
	}
	return s
}

// Append adds a turn to the primary conversation and bumps the access
// time. Marking the session dirty is the caller's responsibility.
func (s *Session) Append(msg *Message) {
	s.Messages = append(s.Messages, msg)
	s.LastAccessedAt = time.Now()
}

// QuestionCount returns the number of user turns in the primary
// conversation.
func (s *Session) QuestionCount() int {
	var n int
	for _, msg := range s.Messages {
		if msg.Role == RoleUser {
			n++
		}
	}
	return n
}

// Summary is the projection of a session kept in the aggregate index
// file, so sessions can be listed without loading every record.
type Summary struct {
	ID             SessionID   `json:"session_id"`
	Kind           SessionKind `json:"kind"`
	Caption        string      `json:"caption"`
	CreatedAt      time.Time   `json:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed"`
	MessageCount   int         `json:"message_count"`
	SavedAt        time.Time   `json:"last_saved"`
}

// Summarize projects the session into its index record.
func (s *Session) Summarize() *Summary {
	n := len(s.Messages)
	switch s.Kind {
	case KindCode:
		if s.Code != nil {
			n = len(s.Code.Histories)
		}
	case KindRAG:
		if s.RAG != nil {
			n = len(s.RAG.Histories)
		}
	}
	return &Summary{
		ID:             s.ID,
		Kind:           s.Kind,
		Caption:        s.Caption,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
		MessageCount:   n,
	}
}

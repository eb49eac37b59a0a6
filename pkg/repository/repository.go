package repository

import (
	"context"

	"github.com/m-mizutani/burrow/pkg/model"
)

// Repository defines the interface for session data persistence
type Repository interface {
	// PutSession durably writes a full session record
	PutSession(ctx context.Context, sess *model.Session) error

	// GetSession reads a session record; absence is reported as
	// model.ErrSessionNotFound
	GetSession(ctx context.Context, id model.SessionID) (*model.Session, error)

	// DeleteSession removes a persisted session; absence is not an error
	DeleteSession(ctx context.Context, id model.SessionID) error

	// PutIndex rewrites the aggregate session index
	PutIndex(ctx context.Context, index map[model.SessionID]*model.Summary) error

	// LoadIndex reads the aggregate session index; an empty map is
	// returned when no index has been written yet
	LoadIndex(ctx context.Context) (map[model.SessionID]*model.Summary, error)

	// SaveVectors writes the serialized vector index of a scope
	SaveVectors(ctx context.Context, scope string, data []byte) error

	// LoadVectors reads the serialized vector index of a scope; (nil, nil)
	// when the scope has no artifact
	LoadVectors(ctx context.Context, scope string) ([]byte, error)

	// DeleteVectors removes the vector artifact of a scope; absence is not
	// an error
	DeleteVectors(ctx context.Context, scope string) error

	// SaveDocument stores an extracted document text blob
	SaveDocument(ctx context.Context, name string, data []byte) error

	// DeleteDocuments removes all document blobs whose name starts with
	// prefix
	DeleteDocuments(ctx context.Context, prefix string) error
}

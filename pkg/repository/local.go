package repository

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

const tmpSuffix = ".tmp"

// Local implements Repository on the local filesystem. Every write goes
// to a temporary file first and is renamed into place, so a reader (or a
// crash) never observes a partially written canonical file.
//
// Layout under the base directory:
//
//	sessions/<id>.json      one file per session
//	index.json              aggregate id -> summary index
//	vectors/<scope>.json    serialized vector index per scope
//	documents/<name>.txt    extracted document texts
type Local struct {
	baseDir string

	// serializes writes of the aggregate index file so concurrent flushes
	// cannot interleave
	indexMu sync.Mutex
}

// NewLocal creates a file-based repository rooted at baseDir, creating
// the directory layout if needed.
func NewLocal(baseDir string) (*Local, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, "sessions"), filepath.Join(baseDir, "vectors"), filepath.Join(baseDir, "documents")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, goerr.Wrap(err, "failed to create data directory", goerr.V("dir", dir))
		}
	}
	return &Local{baseDir: baseDir}, nil
}

func (r *Local) sessionPath(id model.SessionID) string {
	return filepath.Join(r.baseDir, "sessions", string(id)+".json")
}

func (r *Local) indexPath() string {
	return filepath.Join(r.baseDir, "index.json")
}

func (r *Local) vectorPath(scope string) string {
	return filepath.Join(r.baseDir, "vectors", scope+".json")
}

// writeAtomic writes data to path via a temporary sibling file and an
// atomic rename. A failed write leaves the canonical path untouched.
func writeAtomic(path string, data []byte) error {
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return goerr.Wrap(err, "failed to write temp file", goerr.V("path", tmp))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return goerr.Wrap(err, "failed to rename temp file", goerr.V("path", path))
	}
	return nil
}

func (r *Local) PutSession(ctx context.Context, sess *model.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal session", goerr.V("session_id", sess.ID))
	}
	return writeAtomic(r.sessionPath(sess.ID), data)
}

func (r *Local) GetSession(ctx context.Context, id model.SessionID) (*model.Session, error) {
	data, err := os.ReadFile(r.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, goerr.Wrap(model.ErrSessionNotFound, "no session file", goerr.V("session_id", id))
		}
		return nil, goerr.Wrap(err, "failed to read session file", goerr.V("session_id", id))
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal session", goerr.V("session_id", id))
	}
	return &sess, nil
}

func (r *Local) DeleteSession(ctx context.Context, id model.SessionID) error {
	if err := os.Remove(r.sessionPath(id)); err != nil && !os.IsNotExist(err) {
		return goerr.Wrap(err, "failed to delete session file", goerr.V("session_id", id))
	}
	return nil
}

// indexFile is the on-disk shape of the aggregate index.
type indexFile struct {
	Sessions      map[model.SessionID]*model.Summary `json:"sessions"`
	SavedAt       time.Time                          `json:"saved_at"`
	TotalSessions int                                `json:"total_sessions"`
}

func (r *Local) PutIndex(ctx context.Context, index map[model.SessionID]*model.Summary) error {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()

	data, err := json.MarshalIndent(indexFile{
		Sessions:      index,
		SavedAt:       time.Now(),
		TotalSessions: len(index),
	}, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal session index")
	}
	return writeAtomic(r.indexPath(), data)
}

func (r *Local) LoadIndex(ctx context.Context) (map[model.SessionID]*model.Summary, error) {
	data, err := os.ReadFile(r.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[model.SessionID]*model.Summary{}, nil
		}
		return nil, goerr.Wrap(err, "failed to read session index")
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal session index")
	}
	if f.Sessions == nil {
		f.Sessions = map[model.SessionID]*model.Summary{}
	}
	return f.Sessions, nil
}

func (r *Local) SaveVectors(ctx context.Context, scope string, data []byte) error {
	return writeAtomic(r.vectorPath(scope), data)
}

func (r *Local) LoadVectors(ctx context.Context, scope string) ([]byte, error) {
	data, err := os.ReadFile(r.vectorPath(scope))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to read vector artifact", goerr.V("scope", scope))
	}
	return data, nil
}

func (r *Local) DeleteVectors(ctx context.Context, scope string) error {
	if err := os.Remove(r.vectorPath(scope)); err != nil && !os.IsNotExist(err) {
		return goerr.Wrap(err, "failed to delete vector artifact", goerr.V("scope", scope))
	}
	return nil
}

func (r *Local) SaveDocument(ctx context.Context, name string, data []byte) error {
	return writeAtomic(filepath.Join(r.baseDir, "documents", name+".txt"), data)
}

func (r *Local) DeleteDocuments(ctx context.Context, prefix string) error {
	dir := filepath.Join(r.baseDir, "documents")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return goerr.Wrap(err, "failed to list documents")
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return goerr.Wrap(err, "failed to delete document", goerr.V("name", e.Name()))
		}
	}
	return nil
}

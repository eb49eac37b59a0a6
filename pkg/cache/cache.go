package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/burrow/pkg/model"
	"github.com/m-mizutani/burrow/pkg/repository"
	"github.com/m-mizutani/burrow/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultCloseTimeout  = 5 * time.Second
)

type entry struct {
	sess  *model.Session
	dirty bool
}

// Cache is the in-memory session store in front of a Repository. Sessions
// are loaded lazily on first access, mutated in place by their owning
// request, and written back by FlushAll — either on the periodic
// background cycle or on an explicit trigger.
//
// Session content itself is single-writer by convention: the flush loop
// only reads dirty flags and hands session pointers to the repository for
// serialization, it never mutates content. Concurrent requests against
// the same session id are not isolated further.
type Cache struct {
	repo repository.Repository

	mu      sync.Mutex
	entries map[model.SessionID]*entry
	index   map[model.SessionID]*model.Summary

	// single-flight guard for FlushAll
	flushMu sync.Mutex

	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	closed   bool
}

type Option func(*Cache)

// WithFlushInterval overrides the periodic flush interval (default 30s).
func WithFlushInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.interval = d
	}
}

// New creates a cache over repo. The background flush loop is not running
// until Start is called.
func New(repo repository.Repository, opts ...Option) *Cache {
	c := &Cache{
		repo:     repo,
		entries:  map[model.SessionID]*entry{},
		index:    map[model.SessionID]*model.Summary{},
		interval: defaultFlushInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load reads the aggregate index into memory. Sessions themselves stay on
// disk until first access. Intended as the process startup hook.
func (c *Cache) Load(ctx context.Context) error {
	index, err := c.repo.LoadIndex(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to load session index")
	}

	c.mu.Lock()
	c.index = index
	c.mu.Unlock()

	logging.From(ctx).Info("loaded session index", "sessions", len(index))
	return nil
}

// Get returns the session from memory, falling back to the repository on
// a miss and caching the result. Absence in both is reported as
// model.ErrSessionNotFound without side effects.
func (c *Cache) Get(ctx context.Context, id model.SessionID) (*model.Session, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		c.mu.Unlock()
		return e.sess, nil
	}
	c.mu.Unlock()

	sess, err := c.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another request may have loaded it meanwhile; keep the first copy so
	// both requests share one instance.
	if e, ok := c.entries[id]; ok {
		return e.sess, nil
	}
	c.entries[id] = &entry{sess: sess}
	return sess, nil
}

// Put installs or overwrites a session in memory, marks it dirty and
// refreshes its index record.
func (c *Cache) Put(ctx context.Context, sess *model.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sess.ID] = &entry{sess: sess, dirty: true}
	c.index[sess.ID] = sess.Summarize()
}

// MarkDirty flags a session for the next flush after in-place mutation.
// Unknown ids are ignored.
func (c *Cache) MarkDirty(id model.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.dirty = true
	}
}

// FlushAll writes every dirty session to the repository, refreshes its
// index record, and persists the index once. Flushes are single-flight; a
// session mutated while its write is in progress is flagged again by its
// owner and picked up on the next cycle. One session's write failure is
// logged and does not abort the rest of the cycle.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	var pending []*entry
	for _, e := range c.entries {
		if e.dirty {
			e.dirty = false
			pending = append(pending, e)
		}
	}
	c.mu.Unlock()

	logger := logging.From(ctx)
	var failed int
	for _, e := range pending {
		if err := c.repo.PutSession(ctx, e.sess); err != nil {
			logger.Error("failed to flush session", "session_id", e.sess.ID, "error", err)
			failed++
			c.mu.Lock()
			e.dirty = true
			c.mu.Unlock()
			continue
		}

		summary := e.sess.Summarize()
		summary.SavedAt = time.Now()
		c.mu.Lock()
		c.index[e.sess.ID] = summary
		c.mu.Unlock()
	}

	c.mu.Lock()
	snapshot := make(map[model.SessionID]*model.Summary, len(c.index))
	for id, s := range c.index {
		snapshot[id] = s
	}
	c.mu.Unlock()

	if err := c.repo.PutIndex(ctx, snapshot); err != nil {
		return goerr.Wrap(err, "failed to persist session index")
	}
	if failed > 0 {
		return goerr.New("failed to flush sessions", goerr.V("failed", failed))
	}
	return nil
}

// Delete removes the session from memory, the durable store and the
// index as one logical operation. A missing file is tolerated.
func (c *Cache) Delete(ctx context.Context, id model.SessionID) error {
	c.mu.Lock()
	delete(c.entries, id)
	delete(c.index, id)
	snapshot := make(map[model.SessionID]*model.Summary, len(c.index))
	for sid, s := range c.index {
		snapshot[sid] = s
	}
	c.mu.Unlock()

	if err := c.repo.DeleteSession(ctx, id); err != nil {
		logging.From(ctx).Warn("failed to delete session file", "session_id", id, "error", err)
	}
	if err := c.repo.PutIndex(ctx, snapshot); err != nil {
		return goerr.Wrap(err, "failed to persist session index", goerr.V("session_id", id))
	}
	return nil
}

// Summaries returns index records ordered by last access, most recent
// first.
func (c *Cache) Summaries() []*model.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]*model.Summary, 0, len(c.index))
	for _, s := range c.index {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastAccessedAt.After(result[j].LastAccessedAt)
	})
	return result
}

// Start launches the periodic flush loop. Calling Start twice is a no-op.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	logger := logging.From(ctx)
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.FlushAll(ctx); err != nil {
					// one cycle's failure is isolated; retried next interval
					logger.Error("periodic flush failed", "error", err)
				}
			}
		}
	}()
	logger.Debug("auto-flush started", "interval", c.interval)
}

// Close stops the flush loop, waiting up to the context deadline (or 5s)
// for it to exit, then runs one final synchronous flush. Close is
// idempotent; repeated calls only flush again.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	stop := c.started && !c.closed
	c.closed = true
	c.mu.Unlock()

	if stop {
		close(c.stopCh)
		timeout := defaultCloseTimeout
		if dl, ok := ctx.Deadline(); ok {
			timeout = time.Until(dl)
		}
		select {
		case <-c.doneCh:
		case <-time.After(timeout):
			logging.From(ctx).Warn("flush loop did not stop in time")
		}
	}

	return c.FlushAll(ctx)
}

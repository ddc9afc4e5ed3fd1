// Package directory loads the student directory used to label agenda entries.
package directory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"guidance/internal/agenda"
	"guidance/internal/apiclient"
	"guidance/internal/logging"
	"guidance/internal/metrics"
	"guidance/internal/session"
)

// DefaultPageSize is the students page size requested from the API.
const DefaultPageSize = 50

// Lister fetches one page of students.
type Lister interface {
	ListStudents(ctx context.Context, token string, limit int, cursor string) (apiclient.StudentPage, error)
}

// SnapshotStore keeps completed directory loads outside the process.
type SnapshotStore interface {
	Get(ctx context.Context, token string) (agenda.Directory, bool, error)
	Put(ctx context.Context, token string, dir agenda.Directory, ttl time.Duration) error
	Delete(ctx context.Context, token string) error
}

type entry struct {
	dir      agenda.Directory
	complete bool
	loadedAt time.Time
}

type loadResult struct {
	dir agenda.Directory
	err error
}

// Cache holds one directory per session. A session's map is only ever
// replaced whole, never edited in place.
type Cache struct {
	api       Lister
	pageSize  int
	snapshots SnapshotStore
	ttl       time.Duration
	maxAge    time.Duration
	now       func() time.Time
	log       *zap.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithSnapshots stores completed loads in s for ttl.
func WithSnapshots(s SnapshotStore, ttl time.Duration) Option {
	return func(c *Cache) {
		c.snapshots = s
		c.ttl = ttl
	}
}

// WithMaxAge evicts in-memory directories older than d. Zero keeps them
// until Invalidate or Forget.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) { c.maxAge = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New creates a cache reading students through api.
func New(api Lister, opts ...Option) *Cache {
	c := &Cache{
		api:      api,
		pageSize: DefaultPageSize,
		now:      time.Now,
		entries:  make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrNop(c.log).Named("directory")
	return c
}

// Get returns the session's current directory, or nil if none is loaded
// or it has expired.
func (c *Cache) Get(sess session.Session) agenda.Directory {
	e, ok := c.lookup(sess)
	if !ok {
		return nil
	}
	return e.dir
}

// Ready reports whether the session has a non-empty directory.
func (c *Cache) Ready(sess session.Session) bool {
	return len(c.Get(sess)) > 0
}

// LoadAll returns the session's directory, scanning the API if no complete
// load exists yet. On a page failure the students gathered so far are
// returned together with the error.
func (c *Cache) LoadAll(ctx context.Context, sess session.Session) (agenda.Directory, error) {
	e, ok := c.lookup(sess)
	if ok && e.complete {
		return e.dir, nil
	}
	return c.Reload(ctx, sess)
}

// Reload scans the API even if a directory is already loaded. Concurrent
// calls for one session share a single scan.
func (c *Cache) Reload(ctx context.Context, sess session.Session) (agenda.Directory, error) {
	if !sess.Valid() {
		return nil, session.ErrNoToken
	}
	v, _, _ := c.group.Do(sess.Key(), func() (any, error) {
		dir, err := c.load(context.WithoutCancel(ctx), sess.Token)
		return loadResult{dir: dir, err: err}, nil
	})
	res := v.(loadResult)
	return res.dir, res.err
}

// Forget drops the session's in-memory directory and keeps any snapshot.
func (c *Cache) Forget(sess session.Session) {
	c.mu.Lock()
	delete(c.entries, sess.Key())
	c.mu.Unlock()
}

// Len returns the number of sessions holding a directory.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep evicts expired directories and returns how many were removed.
func (c *Cache) Sweep() int {
	if c.maxAge <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if e.loadedAt.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("evicted expired directories", zap.Int("count", n))
			}
		}
	}
}

func (c *Cache) lookup(sess session.Session) (entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[sess.Key()]
	c.mu.RUnlock()
	if !ok || (c.maxAge > 0 && c.now().Sub(e.loadedAt) > c.maxAge) {
		return entry{}, false
	}
	return e, true
}

// Invalidate drops the session's directory, including any snapshot.
func (c *Cache) Invalidate(ctx context.Context, sess session.Session) {
	c.mu.Lock()
	delete(c.entries, sess.Key())
	c.mu.Unlock()
	if c.snapshots != nil && sess.Valid() {
		if err := c.snapshots.Delete(ctx, sess.Token); err != nil {
			c.log.Warn("snapshot delete failed", zap.Error(err))
		}
	}
}

func (c *Cache) load(ctx context.Context, token string) (agenda.Directory, error) {
	if c.snapshots != nil {
		dir, found, err := c.snapshots.Get(ctx, token)
		switch {
		case err != nil:
			c.log.Warn("snapshot read failed", zap.Error(err))
		case found && len(dir) > 0:
			c.publish(token, dir, true)
			return dir, nil
		}
	}

	dir, err := c.scan(ctx, token)
	metrics.DirectoryLoaded(len(dir))
	if err != nil {
		c.log.Warn("directory load stopped early", zap.Int("students", len(dir)), zap.Error(err))
		if len(dir) > 0 {
			c.publish(token, dir, false)
		}
		return dir, err
	}

	c.publish(token, dir, true)
	c.log.Debug("directory loaded", zap.Int("students", len(dir)))
	if c.snapshots != nil {
		if err := c.snapshots.Put(ctx, token, dir, c.ttl); err != nil {
			c.log.Warn("snapshot write failed", zap.Error(err))
		}
	}
	return dir, nil
}

func (c *Cache) scan(ctx context.Context, token string) (agenda.Directory, error) {
	dir := make(agenda.Directory)
	cursor := ""
	for {
		page, err := c.api.ListStudents(ctx, token, c.pageSize, cursor)
		if err != nil {
			return dir, err
		}
		for _, s := range page.Students {
			dir[s.ID] = s
		}
		cursor = page.Cursor()
		if !page.HasMore || cursor == "" {
			return dir, nil
		}
	}
}

func (c *Cache) publish(token string, dir agenda.Directory, complete bool) {
	c.mu.Lock()
	c.entries[token] = entry{dir: dir, complete: complete, loadedAt: c.now()}
	c.mu.Unlock()
}

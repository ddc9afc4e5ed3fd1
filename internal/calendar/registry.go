package calendar

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"guidance/internal/logging"
	"guidance/internal/session"
)

// Registry keeps one View per session and evicts views left idle.
type Registry struct {
	src     Source
	dirs    Directory
	loc     *time.Location
	idleTTL time.Duration
	log     *zap.Logger
	now     func() time.Time
	onEvict func(session.Session)

	mu    sync.Mutex
	views map[string]*View
}

// NewRegistry creates a registry. loc is the portal's local time zone used
// for month boundaries; nil means time.Local.
func NewRegistry(src Source, dirs Directory, loc *time.Location, idleTTL time.Duration, log *zap.Logger) *Registry {
	if loc == nil {
		loc = time.Local
	}
	return &Registry{
		src:     src,
		dirs:    dirs,
		loc:     loc,
		idleTTL: idleTTL,
		log:     logging.OrNop(log).Named("calendar"),
		now:     time.Now,
		views:   make(map[string]*View),
	}
}

// View returns the session's view, creating it on first use.
func (r *Registry) View(sess session.Session) *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	v, ok := r.views[sess.Key()]
	if !ok {
		v = newView(sess, r.src, r.dirs, r.loc, r.log.With(zap.String("user", sess.UserID)), now)
		r.views[sess.Key()] = v
		return v
	}
	v.mu.Lock()
	v.lastUsed = now
	v.mu.Unlock()
	return v
}

// OnEvict registers fn to run for each session Sweep evicts, so state held
// elsewhere for the session can be released with its view.
func (r *Registry) OnEvict(fn func(session.Session)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// Drop forgets the session's view.
func (r *Registry) Drop(sess session.Session) {
	r.mu.Lock()
	delete(r.views, sess.Key())
	r.mu.Unlock()
}

// Len returns the number of live views.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

// Sweep evicts views unused for longer than the idle TTL and returns how
// many were removed.
func (r *Registry) Sweep() int {
	if r.idleTTL <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleTTL)
	r.mu.Lock()
	var evicted []session.Session
	for key, v := range r.views {
		v.mu.Lock()
		idle := v.lastUsed.Before(cutoff) && !v.processing
		v.mu.Unlock()
		if idle {
			delete(r.views, key)
			evicted = append(evicted, v.sess)
		}
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	if onEvict != nil {
		for _, sess := range evicted {
			onEvict(sess)
		}
	}
	return len(evicted)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.log.Debug("evicted idle views", zap.Int("count", n))
			}
		}
	}
}

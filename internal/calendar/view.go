// Package calendar reconciles confirmed appointments and pending requests
// into the agenda a counselor sees for one month.
package calendar

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"guidance/internal/agenda"
	"guidance/internal/apiclient"
	"guidance/internal/metrics"
	"guidance/internal/session"
)

// State of a view's current month.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// ErrBusy is returned by BeginAction while another action is in flight.
var ErrBusy = errors.New("another action is still processing")

// Source fetches the two record lists merged into the agenda.
type Source interface {
	ListAppointments(ctx context.Context, token string, r agenda.DateRange) ([]agenda.ConfirmedAppointment, error)
	ListPendingRequests(ctx context.Context, token string) ([]agenda.PendingRequest, error)
}

// Directory resolves the session's student directory.
type Directory interface {
	Get(sess session.Session) agenda.Directory
}

// Snapshot is a consistent copy of a view.
type Snapshot struct {
	State      State         `json:"state"`
	Year       int           `json:"year"`
	Month      int           `json:"month"`
	Agendas    []agenda.Data `json:"agendas"`
	Error      string        `json:"error,omitempty"`
	Processing bool          `json:"processing"`
	Generation uint64        `json:"generation"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// View is one session's calendar. Every fetch cycle takes a new generation
// and results from older generations are dropped.
type View struct {
	sess session.Session
	src  Source
	dirs Directory
	loc  *time.Location
	log  *zap.Logger

	mu         sync.Mutex
	year       int
	month      int
	gen        uint64
	state      State
	agendas    []agenda.Data
	errMsg     string
	processing bool
	updatedAt  time.Time
	lastUsed   time.Time
}

func newView(sess session.Session, src Source, dirs Directory, loc *time.Location, log *zap.Logger, now time.Time) *View {
	local := now.In(loc)
	return &View{
		sess:     sess,
		src:      src,
		dirs:     dirs,
		loc:      loc,
		log:      log,
		year:     local.Year(),
		month:    int(local.Month()) - 1,
		state:    StateIdle,
		lastUsed: now,
	}
}

// SetMonth moves the view to year/month (0-indexed) and fetches it.
func (v *View) SetMonth(ctx context.Context, year, month int) Snapshot {
	norm := time.Date(year, time.Month(month+1), 1, 0, 0, 0, 0, v.loc)
	v.mu.Lock()
	if norm.Year() != v.year || int(norm.Month())-1 != v.month {
		// Entries belong to the month they were fetched for.
		v.year, v.month = norm.Year(), int(norm.Month())-1
		v.agendas = nil
		v.errMsg = ""
		v.state = StateIdle
		v.updatedAt = time.Time{}
	}
	v.mu.Unlock()
	return v.fetch(ctx)
}

// DirectoryReady fetches the current month once the directory is loaded.
func (v *View) DirectoryReady(ctx context.Context) Snapshot {
	return v.fetch(ctx)
}

// Refresh re-fetches the current month.
func (v *View) Refresh(ctx context.Context) Snapshot {
	return v.fetch(ctx)
}

// Snapshot returns the view without fetching.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Find returns the agenda entry with id from the current list.
func (v *View) Find(id string) (agenda.Data, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, d := range v.agendas {
		if d.ID == id {
			return d, true
		}
	}
	return agenda.Data{}, false
}

// BeginAction marks the view as processing until done is called. Only one
// action runs at a time.
func (v *View) BeginAction() (done func(), err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.processing {
		return nil, ErrBusy
	}
	v.processing = true
	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			v.processing = false
			v.mu.Unlock()
		})
	}, nil
}

func (v *View) fetch(ctx context.Context) Snapshot {
	dir := v.dirs.Get(v.sess)
	if len(dir) == 0 || !v.sess.Valid() {
		metrics.FetchCycle("skipped")
		return v.Snapshot()
	}

	v.mu.Lock()
	v.gen++
	gen := v.gen
	year, month := v.year, v.month
	v.state = StateLoading
	v.mu.Unlock()

	rng := agenda.MonthDateRange(year, month, v.loc)

	var (
		appts apiclient.Result[[]agenda.ConfirmedAppointment]
		reqs  apiclient.Result[[]agenda.PendingRequest]
		g     errgroup.Group
	)
	g.Go(func() error {
		appts = apiclient.Settle(v.src.ListAppointments(ctx, v.sess.Token, rng))
		return nil
	})
	g.Go(func() error {
		reqs = apiclient.Settle(v.src.ListPendingRequests(ctx, v.sess.Token))
		return nil
	})
	_ = g.Wait()

	merged := agenda.MapAll(appts.Value, reqs.Value, dir)

	var msgs []string
	for _, err := range []error{appts.Err, reqs.Err} {
		if err != nil {
			msgs = append(msgs, apiclient.UserMessage(err))
			v.log.Warn("agenda fetch failed", zap.Uint64("generation", gen), zap.Error(err))
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		metrics.FetchCycle("stale")
		v.log.Debug("discarding stale agenda", zap.Uint64("generation", gen), zap.Uint64("current", v.gen))
		return v.snapshotLocked()
	}
	v.agendas = merged
	v.updatedAt = time.Now()
	if len(msgs) > 0 {
		v.state = StateError
		v.errMsg = strings.Join(dedupe(msgs), " ")
		metrics.FetchCycle("error")
	} else {
		v.state = StateReady
		v.errMsg = ""
		metrics.FetchCycle("ready")
	}
	return v.snapshotLocked()
}

func (v *View) snapshotLocked() Snapshot {
	agendas := make([]agenda.Data, len(v.agendas))
	copy(agendas, v.agendas)
	return Snapshot{
		State:      v.state,
		Year:       v.year,
		Month:      v.month,
		Agendas:    agendas,
		Error:      v.errMsg,
		Processing: v.processing,
		Generation: v.gen,
		UpdatedAt:  v.updatedAt,
	}
}

func dedupe(msgs []string) []string {
	if len(msgs) < 2 || msgs[0] != msgs[1] {
		return msgs
	}
	return msgs[:1]
}

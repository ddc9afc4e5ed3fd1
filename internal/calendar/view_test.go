package calendar

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance/internal/agenda"
	"guidance/internal/apiclient"
	"guidance/internal/session"
)

type fakeSource struct {
	mu sync.Mutex
	// pendingEntered, when set, is closed by ListPendingRequests and
	// awaited by ListAppointments.
	pendingEntered chan struct{}

	appts     []agenda.ConfirmedAppointment
	reqs      []agenda.PendingRequest
	apptErr   error
	reqErr    error
	apptCalls int32
	reqCalls  int32
	ranges    []agenda.DateRange
	holdAppts map[string]chan struct{} // keyed by range start
}

func (f *fakeSource) ListAppointments(ctx context.Context, token string, r agenda.DateRange) ([]agenda.ConfirmedAppointment, error) {
	atomic.AddInt32(&f.apptCalls, 1)
	f.mu.Lock()
	f.ranges = append(f.ranges, r)
	hold := f.holdAppts[r.StartDate]
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	if f.pendingEntered != nil {
		select {
		case <-f.pendingEntered:
		case <-time.After(time.Second):
			return nil, errors.New("pending fetch never started")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appts, f.apptErr
}

func (f *fakeSource) ListPendingRequests(ctx context.Context, token string) ([]agenda.PendingRequest, error) {
	atomic.AddInt32(&f.reqCalls, 1)
	if f.pendingEntered != nil {
		close(f.pendingEntered)
	}
	return f.reqs, f.reqErr
}

type mutableDirectory struct {
	mu  sync.Mutex
	dir agenda.Directory
}

func (d *mutableDirectory) Get(session.Session) agenda.Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dir
}

func (d *mutableDirectory) set(dir agenda.Directory) {
	d.mu.Lock()
	d.dir = dir
	d.mu.Unlock()
}

type staticDirectory agenda.Directory

func (d staticDirectory) Get(session.Session) agenda.Directory { return agenda.Directory(d) }

var testSession = session.Session{UserID: "c-1", Role: session.RoleCounselor, Token: "tok"}

func testDir() staticDirectory {
	return staticDirectory{"s1": {ID: "s1", DisplayName: "Rina"}}
}

func newTestRegistry(src Source, dirs Directory) *Registry {
	return NewRegistry(src, dirs, time.UTC, time.Hour, nil)
}

func TestFetch_MergesBothSources(t *testing.T) {
	src := &fakeSource{
		appts: []agenda.ConfirmedAppointment{
			{AppointmentID: "a1", StudentID: "s1", StartTime: "2025-12-02T09:00:00", EndTime: "2025-12-02T10:00:00"},
			{AppointmentID: "a2", StudentID: "s1"},
			{AppointmentID: "a3", StudentID: "nobody"},
		},
		reqs: []agenda.PendingRequest{
			{RequestID: "r1", StudentID: "s1", Status: agenda.StatusPending, CreatedBy: agenda.PartyStudent},
			{RequestID: "r2", StudentID: "s1", Status: agenda.StatusPending, CreatedBy: agenda.PartyCounselor},
		},
	}
	view := newTestRegistry(src, testDir()).View(testSession)

	snap := view.SetMonth(context.Background(), 2025, 11)

	assert.Equal(t, StateReady, snap.State)
	require.Len(t, snap.Agendas, 5)
	var ids []string
	for _, d := range snap.Agendas {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "r1", "r2"}, ids)
	assert.Equal(t, "Rina", snap.Agendas[0].StudentName)
	assert.Equal(t, agenda.UnknownStudent, snap.Agendas[2].StudentName)
	require.Len(t, src.ranges, 1)
	assert.Equal(t, agenda.DateRange{StartDate: "2025-12-01T00:00:00.000Z", EndDate: "2025-12-31T23:59:59.999Z"}, src.ranges[0])
}

func TestFetch_EmptyDirectoryIsNoop(t *testing.T) {
	src := &fakeSource{}
	view := newTestRegistry(src, staticDirectory{}).View(testSession)

	snap := view.SetMonth(context.Background(), 2025, 0)

	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, int32(0), src.apptCalls)
	assert.Equal(t, int32(0), src.reqCalls)
	assert.Equal(t, 2025, snap.Year)
	assert.Equal(t, 0, snap.Month)
}

func TestFetch_MissingTokenIsNoop(t *testing.T) {
	src := &fakeSource{}
	view := newTestRegistry(src, testDir()).View(session.Session{UserID: "c-1"})

	view.Refresh(context.Background())

	assert.Equal(t, int32(0), src.apptCalls)
}

func TestFetch_PartialFailureStillMerges(t *testing.T) {
	src := &fakeSource{
		apptErr: &apiclient.Error{Kind: apiclient.KindNetwork, Message: "Failed to connect to server."},
		reqs:    []agenda.PendingRequest{{RequestID: "r1", StudentID: "s1", Status: agenda.StatusPending}},
	}
	view := newTestRegistry(src, testDir()).View(testSession)

	snap := view.Refresh(context.Background())

	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "Failed to connect to server.", snap.Error)
	require.Len(t, snap.Agendas, 1)
	assert.Equal(t, "r1", snap.Agendas[0].ID)
}

func TestFetch_BothFailSameMessageOnce(t *testing.T) {
	netErr := &apiclient.Error{Kind: apiclient.KindNetwork, Message: "Failed to connect to server."}
	src := &fakeSource{apptErr: netErr, reqErr: netErr}
	view := newTestRegistry(src, testDir()).View(testSession)

	snap := view.Refresh(context.Background())

	assert.Equal(t, "Failed to connect to server.", snap.Error)
	assert.Empty(t, snap.Agendas)
}

func TestFetch_RecoversAfterError(t *testing.T) {
	src := &fakeSource{reqErr: &apiclient.Error{Kind: apiclient.KindEnvelope, Message: "Forbidden"}}
	view := newTestRegistry(src, testDir()).View(testSession)

	require.Equal(t, StateError, view.Refresh(context.Background()).State)
	src.reqErr = nil
	snap := view.Refresh(context.Background())

	assert.Equal(t, StateReady, snap.State)
	assert.Empty(t, snap.Error)
}

func TestFetch_StaleResponseDiscarded(t *testing.T) {
	novStart := agenda.MonthDateRange(2025, 10, time.UTC).StartDate
	release := make(chan struct{})
	src := &fakeSource{
		appts:     []agenda.ConfirmedAppointment{{AppointmentID: "a1", StudentID: "s1"}},
		holdAppts: map[string]chan struct{}{novStart: release},
	}
	view := newTestRegistry(src, testDir()).View(testSession)

	staleDone := make(chan Snapshot)
	go func() { staleDone <- view.SetMonth(context.Background(), 2025, 10) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&src.apptCalls) == 1 }, time.Second, 5*time.Millisecond)

	fresh := view.SetMonth(context.Background(), 2025, 11)
	require.Equal(t, StateReady, fresh.State)
	require.Equal(t, uint64(2), fresh.Generation)

	src.mu.Lock()
	src.appts = nil
	src.mu.Unlock()
	close(release)
	stale := <-staleDone

	assert.Equal(t, 11, stale.Month)
	assert.Equal(t, uint64(2), stale.Generation)
	final := view.Snapshot()
	assert.Equal(t, 11, final.Month)
	assert.Len(t, final.Agendas, 1)
}

func TestFetch_SourcesRunConcurrently(t *testing.T) {
	src := &fakeSource{
		pendingEntered: make(chan struct{}),
		appts:          []agenda.ConfirmedAppointment{{AppointmentID: "a1", StudentID: "s1"}},
		reqs:           []agenda.PendingRequest{{RequestID: "r1", StudentID: "s1", Status: agenda.StatusPending}},
	}
	view := newTestRegistry(src, testDir()).View(testSession)

	snap := view.Refresh(context.Background())

	assert.Equal(t, StateReady, snap.State)
	assert.Empty(t, snap.Error)
	assert.Len(t, snap.Agendas, 2)
}

func TestSetMonth_EmptyDirectoryClearsPreviousMonth(t *testing.T) {
	src := &fakeSource{appts: []agenda.ConfirmedAppointment{{AppointmentID: "a1", StudentID: "s1"}}}
	dirs := &mutableDirectory{dir: agenda.Directory(testDir())}
	view := newTestRegistry(src, dirs).View(testSession)

	require.Len(t, view.SetMonth(context.Background(), 2025, 11).Agendas, 1)
	dirs.set(nil)

	snap := view.SetMonth(context.Background(), 2026, 0)

	assert.Equal(t, 2026, snap.Year)
	assert.Equal(t, 0, snap.Month)
	assert.Empty(t, snap.Agendas)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, int32(1), src.apptCalls)

	// same month again keeps what is there
	dirs.set(agenda.Directory(testDir()))
	require.Len(t, view.SetMonth(context.Background(), 2026, 0).Agendas, 1)
	dirs.set(nil)
	assert.Len(t, view.SetMonth(context.Background(), 2026, 0).Agendas, 1)
}

func TestSetMonth_Normalizes(t *testing.T) {
	view := newTestRegistry(&fakeSource{}, testDir()).View(testSession)

	snap := view.SetMonth(context.Background(), 2025, 12)

	assert.Equal(t, 2026, snap.Year)
	assert.Equal(t, 0, snap.Month)
}

func TestBeginAction(t *testing.T) {
	view := newTestRegistry(&fakeSource{}, testDir()).View(testSession)

	done, err := view.BeginAction()
	require.NoError(t, err)
	assert.True(t, view.Snapshot().Processing)

	_, err = view.BeginAction()
	assert.ErrorIs(t, err, ErrBusy)

	done()
	done()
	assert.False(t, view.Snapshot().Processing)
}

func TestFind(t *testing.T) {
	src := &fakeSource{reqs: []agenda.PendingRequest{{RequestID: "r1", StudentID: "s1"}}}
	view := newTestRegistry(src, testDir()).View(testSession)
	view.Refresh(context.Background())

	got, ok := view.Find("r1")
	assert.True(t, ok)
	assert.Equal(t, "r1", got.RequestID)
	_, ok = view.Find("missing")
	assert.False(t, ok)
}

func TestRegistry_SweepIdle(t *testing.T) {
	reg := newTestRegistry(&fakeSource{}, testDir())
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	first := reg.View(testSession)
	assert.Same(t, first, reg.View(testSession))
	reg.View(session.Session{Token: "other"})
	require.Equal(t, 2, reg.Len())

	now = now.Add(30 * time.Minute)
	reg.View(testSession)
	now = now.Add(45 * time.Minute)

	assert.Equal(t, 1, reg.Sweep())
	assert.Equal(t, 1, reg.Len())

	reg.Drop(testSession)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_SweepReleasesSessionState(t *testing.T) {
	reg := newTestRegistry(&fakeSource{}, testDir())
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	var released []session.Session
	reg.OnEvict(func(s session.Session) { released = append(released, s) })

	reg.View(testSession)
	now = now.Add(2 * time.Hour)

	assert.Equal(t, 1, reg.Sweep())
	assert.Equal(t, []session.Session{testSession}, released)
}

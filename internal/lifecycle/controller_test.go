package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guidance/internal/agenda"
	"guidance/internal/apiclient"
	"guidance/internal/calendar"
	"guidance/internal/queue"
	"guidance/internal/session"
)

type fakeAPI struct {
	calls   []string
	err     error
	payload agenda.CreateRequestPayload
}

func (f *fakeAPI) AcceptRequest(ctx context.Context, token, id string) (agenda.ConfirmedAppointment, error) {
	f.calls = append(f.calls, "accept:"+id)
	return agenda.ConfirmedAppointment{AppointmentID: "apt-" + id, RequestID: id}, f.err
}

func (f *fakeAPI) DeclineRequest(ctx context.Context, token, id string) (agenda.PendingRequest, error) {
	f.calls = append(f.calls, "decline:"+id)
	return agenda.PendingRequest{RequestID: id, Status: agenda.StatusDeclined}, f.err
}

func (f *fakeAPI) CreateRequest(ctx context.Context, token string, p agenda.CreateRequestPayload) (agenda.PendingRequest, error) {
	f.calls = append(f.calls, "create:"+p.StudentID)
	f.payload = p
	if f.err != nil {
		return agenda.PendingRequest{}, f.err
	}
	return agenda.PendingRequest{RequestID: "new-1", StudentID: p.StudentID, Status: agenda.StatusPending, CreatedBy: agenda.PartyCounselor}, nil
}

func (f *fakeAPI) CancelAppointment(ctx context.Context, token, id string) (agenda.ConfirmedAppointment, error) {
	f.calls = append(f.calls, "cancel:"+id)
	return agenda.ConfirmedAppointment{AppointmentID: id}, f.err
}

type fakeView struct {
	refreshes  int
	processing bool
	sawBusy    bool
	onRefresh  func()
}

func (v *fakeView) BeginAction() (func(), error) {
	if v.processing {
		return nil, calendar.ErrBusy
	}
	v.processing = true
	return func() { v.processing = false }, nil
}

func (v *fakeView) Refresh(ctx context.Context) calendar.Snapshot {
	if v.processing {
		v.sawBusy = true
	}
	v.refreshes++
	if v.onRefresh != nil {
		v.onRefresh()
	}
	return calendar.Snapshot{State: calendar.StateReady, Generation: uint64(v.refreshes), Processing: v.processing}
}

func (v *fakeView) Snapshot() calendar.Snapshot {
	return calendar.Snapshot{State: calendar.StateReady, Generation: uint64(v.refreshes), Processing: v.processing}
}

var counselor = session.Session{UserID: "c-1", Role: session.RoleCounselor, Token: "tok"}

var (
	studentRequest   = agenda.Data{ID: "r1", RequestID: "r1", StudentID: "s1", Status: agenda.StatusPending, CreatedBy: agenda.PartyStudent}
	counselorRequest = agenda.Data{ID: "r2", RequestID: "r2", StudentID: "s1", Status: agenda.StatusPending, CreatedBy: agenda.PartyCounselor}
	confirmed        = agenda.Data{ID: "a1", AppointmentID: "a1", StudentID: "s1", Status: agenda.StatusConfirmed}
)

func newController(api API, q queue.Queue) *Controller {
	c := New(api, q, agenda.NewFormValidator(7), time.UTC, nil)
	c.now = func() time.Time { return time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC) }
	return c
}

func TestAccept_RefreshesAndPublishes(t *testing.T) {
	api := &fakeAPI{}
	q := queue.NewInMemory(4)
	view := &fakeView{}

	snap, err := newController(api, q).Accept(context.Background(), counselor, view, studentRequest)

	require.NoError(t, err)
	assert.Equal(t, []string{"accept:r1"}, api.calls)
	assert.Equal(t, 1, view.refreshes)
	assert.True(t, view.sawBusy, "refresh should run while the view is still processing")
	assert.Equal(t, uint64(1), snap.Generation)
	assert.False(t, snap.Processing)
	assert.False(t, view.processing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := q.Consume(ctx)
	msg := <-ch
	assert.Equal(t, EventRequestAccepted, msg.Type)
	var evt Event
	require.NoError(t, json.Unmarshal(msg.Body, &evt))
	assert.Equal(t, "r1", evt.RequestID)
	assert.Equal(t, "c-1", evt.ActorID)
	assert.Equal(t, "counselor", evt.ActorRole)
	assert.NotEmpty(t, evt.ID)
}

func TestAccept_SecondActionDuringRefreshIsBusy(t *testing.T) {
	api := &fakeAPI{}
	view := &fakeView{}
	c := newController(api, nil)
	var secondErr error
	view.onRefresh = func() {
		_, secondErr = c.Accept(context.Background(), counselor, view, studentRequest)
	}

	_, err := c.Accept(context.Background(), counselor, view, studentRequest)

	require.NoError(t, err)
	assert.ErrorIs(t, secondErr, calendar.ErrBusy)
	assert.Equal(t, []string{"accept:r1"}, api.calls)
	assert.False(t, view.processing)
}

func TestDecline(t *testing.T) {
	api := &fakeAPI{}
	view := &fakeView{}

	_, err := newController(api, nil).Decline(context.Background(), counselor, view, studentRequest)

	require.NoError(t, err)
	assert.Equal(t, []string{"decline:r1"}, api.calls)
	assert.Equal(t, 1, view.refreshes)
}

func TestRespond_CounselorCreatedNotAllowed(t *testing.T) {
	api := &fakeAPI{}
	view := &fakeView{}
	c := newController(api, nil)

	_, err := c.Accept(context.Background(), counselor, view, counselorRequest)
	assert.ErrorIs(t, err, ErrActionNotAllowed)
	_, err = c.Decline(context.Background(), counselor, view, counselorRequest)
	assert.ErrorIs(t, err, ErrActionNotAllowed)

	assert.Empty(t, api.calls)
	assert.Zero(t, view.refreshes)
}

func TestMissingIdentifier_NoNetworkCall(t *testing.T) {
	api := &fakeAPI{}
	view := &fakeView{}
	c := newController(api, nil)

	noRequestID := studentRequest
	noRequestID.RequestID = ""
	_, err := c.Accept(context.Background(), counselor, view, noRequestID)
	assert.ErrorIs(t, err, ErrMissingIdentifier)

	noAppointmentID := confirmed
	noAppointmentID.AppointmentID = ""
	_, err = c.Cancel(context.Background(), counselor, view, noAppointmentID)
	assert.ErrorIs(t, err, ErrMissingIdentifier)

	assert.Empty(t, api.calls)
}

func TestFailure_KeepsStateAndMessage(t *testing.T) {
	api := &fakeAPI{err: &apiclient.Error{Kind: apiclient.KindEnvelope, Message: "Request already answered"}}
	view := &fakeView{}

	snap, err := newController(api, nil).Accept(context.Background(), counselor, view, studentRequest)

	require.Error(t, err)
	assert.Equal(t, "Request already answered", apiclient.UserMessage(err))
	assert.Zero(t, view.refreshes)
	assert.False(t, snap.Processing)
	assert.False(t, view.processing)
}

func TestBusyView(t *testing.T) {
	api := &fakeAPI{}
	view := &fakeView{processing: true}

	_, err := newController(api, nil).Accept(context.Background(), counselor, view, studentRequest)

	assert.ErrorIs(t, err, calendar.ErrBusy)
	assert.Empty(t, api.calls)
}

func TestNoSession(t *testing.T) {
	api := &fakeAPI{}

	_, err := newController(api, nil).Accept(context.Background(), session.Session{UserID: "c-1"}, &fakeView{}, studentRequest)

	assert.True(t, errors.Is(err, session.ErrNoToken))
	assert.Empty(t, api.calls)
}

func TestCancel(t *testing.T) {
	api := &fakeAPI{}
	view := &fakeView{}
	c := newController(api, nil)

	_, err := c.Cancel(context.Background(), counselor, view, studentRequest)
	assert.ErrorIs(t, err, ErrMissingIdentifier)

	_, err = c.Cancel(context.Background(), counselor, view, confirmed)
	require.NoError(t, err)
	assert.Equal(t, []string{"cancel:a1"}, api.calls)
	assert.Equal(t, 1, view.refreshes)
}

func TestCreate(t *testing.T) {
	api := &fakeAPI{}
	view := &fakeView{}
	form := agenda.RequestForm{StudentID: "s1", Date: "2025-01-08", StartTime: "09:00", EndTime: "09:45"}

	created, _, err := newController(api, nil).Create(context.Background(), counselor, view, form)

	require.NoError(t, err)
	assert.Equal(t, "new-1", created.RequestID)
	assert.Equal(t, agenda.CreateRequestPayload{
		Agenda:        agenda.KindCounseling,
		StudentID:     "s1",
		ProposedStart: "2025-01-08T09:00:00",
		ProposedEnd:   "2025-01-08T09:45:00",
	}, api.payload)
	assert.Equal(t, 1, view.refreshes)
}

func TestCreate_ValidationBlocksNetwork(t *testing.T) {
	api := &fakeAPI{}
	form := agenda.RequestForm{StudentID: "s1", Date: "2025-01-05", StartTime: "09:00", EndTime: "10:00"}

	_, _, err := newController(api, nil).Create(context.Background(), counselor, &fakeView{}, form)

	var verr *agenda.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Schedule requests must be made at least 7 days in advance.", verr.Message)
	assert.Empty(t, api.calls)
}

type blockingSource struct {
	calls    int32
	reqCalls int32
	entered  chan struct{}
	release  chan struct{}
}

func (s *blockingSource) ListAppointments(ctx context.Context, token string, r agenda.DateRange) ([]agenda.ConfirmedAppointment, error) {
	if atomic.AddInt32(&s.calls, 1) == 2 {
		close(s.entered)
		<-s.release
		return []agenda.ConfirmedAppointment{{AppointmentID: "apt-r1", RequestID: "r1", StudentID: "s1"}}, nil
	}
	return nil, nil
}

func (s *blockingSource) ListPendingRequests(ctx context.Context, token string) ([]agenda.PendingRequest, error) {
	if atomic.AddInt32(&s.reqCalls, 1) > 1 {
		return nil, nil
	}
	return []agenda.PendingRequest{{RequestID: "r1", StudentID: "s1", Status: agenda.StatusPending, CreatedBy: agenda.PartyStudent}}, nil
}

type staticDirectory agenda.Directory

func (d staticDirectory) Get(session.Session) agenda.Directory { return agenda.Directory(d) }

func TestAccept_ViewStaysProcessingUntilRefreshLands(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	reg := calendar.NewRegistry(src, staticDirectory{"s1": {ID: "s1", DisplayName: "Rina"}}, time.UTC, time.Hour, nil)
	view := reg.View(counselor)
	view.Refresh(context.Background())
	entry, ok := view.Find("r1")
	require.True(t, ok)

	api := &fakeAPI{}
	c := newController(api, nil)
	done := make(chan calendar.Snapshot)
	go func() {
		snap, err := c.Accept(context.Background(), counselor, view, entry)
		assert.NoError(t, err)
		done <- snap
	}()
	<-src.entered

	assert.True(t, view.Snapshot().Processing)
	_, err := c.Accept(context.Background(), counselor, view, entry)
	assert.ErrorIs(t, err, calendar.ErrBusy)

	close(src.release)
	snap := <-done

	assert.False(t, snap.Processing)
	require.Len(t, snap.Agendas, 1)
	assert.Equal(t, "apt-r1", snap.Agendas[0].ID)
	assert.Equal(t, []string{"accept:r1"}, api.calls)
}

// Package lifecycle runs the accept, decline, create and cancel actions on
// schedule requests and refreshes the counselor's calendar afterwards.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guidance/internal/agenda"
	"guidance/internal/calendar"
	"guidance/internal/logging"
	"guidance/internal/metrics"
	"guidance/internal/queue"
	"guidance/internal/session"
)

var (
	// ErrMissingIdentifier means the entry lacks the id the action needs.
	// Entries built by the mappers always carry one, so this is a bug upstream.
	ErrMissingIdentifier = errors.New("agenda entry is missing the identifier required for this action")
	// ErrActionNotAllowed means the entry's status or creator rules the action out.
	ErrActionNotAllowed = errors.New("action not allowed for this agenda entry")
)

// Event types published after a successful action.
const (
	EventRequestAccepted      = "request.accepted"
	EventRequestDeclined      = "request.declined"
	EventRequestCreated       = "request.created"
	EventAppointmentCancelled = "appointment.cancelled"
)

const publishTimeout = 2 * time.Second

// API is the subset of the guidance API the controller mutates through.
type API interface {
	AcceptRequest(ctx context.Context, token, requestID string) (agenda.ConfirmedAppointment, error)
	DeclineRequest(ctx context.Context, token, requestID string) (agenda.PendingRequest, error)
	CreateRequest(ctx context.Context, token string, payload agenda.CreateRequestPayload) (agenda.PendingRequest, error)
	CancelAppointment(ctx context.Context, token, appointmentID string) (agenda.ConfirmedAppointment, error)
}

// View is the calendar the controller refreshes after each action.
type View interface {
	BeginAction() (func(), error)
	Refresh(ctx context.Context) calendar.Snapshot
	Snapshot() calendar.Snapshot
}

// Event describes a completed action.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	ActorID       string    `json:"actorId"`
	ActorRole     string    `json:"actorRole"`
	RequestID     string    `json:"requestId,omitempty"`
	AppointmentID string    `json:"appointmentId,omitempty"`
	StudentID     string    `json:"studentId,omitempty"`
	At            time.Time `json:"at"`
}

// Controller applies lifecycle actions. There is no optimistic update: the
// view is marked processing during the call and re-fetched on success.
type Controller struct {
	api       API
	events    queue.Queue
	validator agenda.FormValidator
	loc       *time.Location
	now       func() time.Time
	log       *zap.Logger
}

// New creates a controller. events may be nil when no queue is configured.
func New(api API, events queue.Queue, validator agenda.FormValidator, loc *time.Location, log *zap.Logger) *Controller {
	if loc == nil {
		loc = time.Local
	}
	return &Controller{
		api:       api,
		events:    events,
		validator: validator,
		loc:       loc,
		now:       time.Now,
		log:       logging.OrNop(log).Named("lifecycle"),
	}
}

// Accept accepts a student-initiated pending request.
func (c *Controller) Accept(ctx context.Context, sess session.Session, view View, d agenda.Data) (calendar.Snapshot, error) {
	return c.respond(ctx, sess, view, d, "accept", func(ctx context.Context) error {
		_, err := c.api.AcceptRequest(ctx, sess.Token, d.RequestID)
		return err
	})
}

// Decline declines a student-initiated pending request.
func (c *Controller) Decline(ctx context.Context, sess session.Session, view View, d agenda.Data) (calendar.Snapshot, error) {
	return c.respond(ctx, sess, view, d, "decline", func(ctx context.Context) error {
		_, err := c.api.DeclineRequest(ctx, sess.Token, d.RequestID)
		return err
	})
}

// Cancel cancels a confirmed appointment.
func (c *Controller) Cancel(ctx context.Context, sess session.Session, view View, d agenda.Data) (calendar.Snapshot, error) {
	if d.AppointmentID == "" {
		return c.missingID("cancel", d)
	}
	if !agenda.CanCancel(d) {
		metrics.LifecycleAction("cancel", "not_allowed")
		return calendar.Snapshot{}, ErrActionNotAllowed
	}
	return c.run(ctx, sess, view, "cancel", func(ctx context.Context) error {
		_, err := c.api.CancelAppointment(ctx, sess.Token, d.AppointmentID)
		return err
	}, func() Event {
		return Event{Type: EventAppointmentCancelled, AppointmentID: d.AppointmentID, RequestID: d.RequestID, StudentID: d.StudentID}
	})
}

// Create validates form, proposes it to the student and refreshes the view.
// Validation failures return an *agenda.ValidationError and never reach the API.
func (c *Controller) Create(ctx context.Context, sess session.Session, view View, form agenda.RequestForm) (agenda.PendingRequest, calendar.Snapshot, error) {
	if err := c.validator.Validate(form, c.now().In(c.loc)); err != nil {
		metrics.LifecycleAction("create", "invalid")
		return agenda.PendingRequest{}, calendar.Snapshot{}, err
	}
	if form.Kind == "" {
		form.Kind = agenda.KindCounseling
	}
	var created agenda.PendingRequest
	snap, err := c.run(ctx, sess, view, "create", func(ctx context.Context) error {
		var err error
		created, err = c.api.CreateRequest(ctx, sess.Token, agenda.FormToRequestPayload(form))
		return err
	}, func() Event {
		return Event{Type: EventRequestCreated, RequestID: created.RequestID, StudentID: form.StudentID}
	})
	if err != nil {
		return agenda.PendingRequest{}, snap, err
	}
	return created, snap, nil
}

func (c *Controller) respond(ctx context.Context, sess session.Session, view View, d agenda.Data, action string, call func(context.Context) error) (calendar.Snapshot, error) {
	if d.RequestID == "" {
		return c.missingID(action, d)
	}
	if !agenda.CanRespond(d) {
		metrics.LifecycleAction(action, "not_allowed")
		return calendar.Snapshot{}, ErrActionNotAllowed
	}
	eventType := EventRequestAccepted
	if action == "decline" {
		eventType = EventRequestDeclined
	}
	return c.run(ctx, sess, view, action, call, func() Event {
		return Event{Type: eventType, RequestID: d.RequestID, StudentID: d.StudentID}
	})
}

func (c *Controller) run(ctx context.Context, sess session.Session, view View, action string, call func(context.Context) error, event func() Event) (calendar.Snapshot, error) {
	if !sess.Valid() {
		metrics.LifecycleAction(action, "no_session")
		return calendar.Snapshot{}, session.ErrNoToken
	}
	done, err := view.BeginAction()
	if err != nil {
		metrics.LifecycleAction(action, "busy")
		return view.Snapshot(), err
	}
	defer done()

	if err := call(ctx); err != nil {
		done()
		metrics.LifecycleAction(action, "failed")
		c.log.Warn("action failed", zap.String("action", action), zap.String("user", sess.UserID), zap.Error(err))
		return view.Snapshot(), err
	}
	metrics.LifecycleAction(action, "ok")

	evt := event()
	evt.ID = uuid.NewString()
	evt.ActorID = sess.UserID
	evt.ActorRole = string(sess.Role)
	evt.At = c.now().UTC()
	c.publish(ctx, evt)

	// The view stays processing until the re-fetch has replaced the acted-on entry.
	view.Refresh(ctx)
	done()
	return view.Snapshot(), nil
}

func (c *Controller) missingID(action string, d agenda.Data) (calendar.Snapshot, error) {
	metrics.LifecycleAction(action, "missing_id")
	c.log.Error("agenda entry without identifier", zap.String("action", action), zap.String("id", d.ID), zap.String("status", string(d.Status)))
	return calendar.Snapshot{}, ErrMissingIdentifier
}

func (c *Controller) publish(ctx context.Context, evt Event) {
	if c.events == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		c.log.Warn("encode event failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := c.events.Publish(ctx, queue.Message{Type: evt.Type, Body: body}); err != nil {
		c.log.Warn("publish event failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

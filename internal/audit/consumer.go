// Package audit consumes agenda lifecycle events and records them.
package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"guidance/internal/lifecycle"
	"guidance/internal/logging"
	"guidance/internal/metrics"
	"guidance/internal/queue"
)

// Consumer writes one audit log line per lifecycle event.
type Consumer struct {
	q   queue.Queue
	log *zap.Logger
}

// New creates a consumer reading from q.
func New(q queue.Queue, log *zap.Logger) *Consumer {
	return &Consumer{q: q, log: logging.OrNop(log).Named("audit")}
}

// Run consumes until ctx is done or the queue closes.
func (c *Consumer) Run(ctx context.Context) error {
	messages, err := c.q.Consume(ctx)
	if err != nil {
		return err
	}
	c.log.Info("audit consumer started")
	for msg := range messages {
		c.handle(msg)
	}
	c.log.Info("audit consumer stopped")
	return nil
}

func (c *Consumer) handle(msg queue.Message) {
	var evt lifecycle.Event
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		c.log.Warn("undecodable event", zap.String("type", msg.Type), zap.Error(err))
		metrics.EventAudited("invalid")
		return
	}
	switch evt.Type {
	case lifecycle.EventRequestAccepted, lifecycle.EventRequestDeclined,
		lifecycle.EventRequestCreated, lifecycle.EventAppointmentCancelled:
	default:
		c.log.Warn("unknown event type", zap.String("type", evt.Type), zap.String("event_id", evt.ID))
		metrics.EventAudited("unknown")
		return
	}
	c.log.Info("agenda event",
		zap.String("event_id", evt.ID),
		zap.String("type", evt.Type),
		zap.String("actor", evt.ActorID),
		zap.String("role", evt.ActorRole),
		zap.String("request_id", evt.RequestID),
		zap.String("appointment_id", evt.AppointmentID),
		zap.String("student_id", evt.StudentID),
		zap.Time("at", evt.At),
	)
	metrics.EventAudited(evt.Type)
}

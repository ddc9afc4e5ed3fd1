// Package apiclient talks to the remote guidance REST API. Every response is
// wrapped in a {success, code, message, data} envelope; callers only ever see
// the typed data or an *Error.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"guidance/internal/agenda"
	"guidance/internal/metrics"
)

// DefaultTimeout bounds every call unless the client is built with another.
const DefaultTimeout = 30 * time.Second

// Client calls the guidance API on behalf of a session.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Timeout time.Duration
}

// New creates a client for baseURL. A non-positive timeout uses DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// StudentPage is one page of the students listing.
type StudentPage struct {
	Students   []agenda.StudentRecord `json:"classifications"`
	HasMore    bool                   `json:"hasMore"`
	NextCursor *string                `json:"nextCursor"`
}

// Cursor returns the next cursor, or "" when the server sent none.
func (p StudentPage) Cursor() string {
	if p.NextCursor == nil {
		return ""
	}
	return *p.NextCursor
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ListStudents fetches one page of students.
func (c *Client) ListStudents(ctx context.Context, token string, limit int, cursor string) (StudentPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page StudentPage
	err := c.do(ctx, "list_students", token, http.MethodGet, "/students?"+q.Encode(), nil, &page)
	return page, err
}

// ListAppointments fetches confirmed appointments within r.
func (c *Client) ListAppointments(ctx context.Context, token string, r agenda.DateRange) ([]agenda.ConfirmedAppointment, error) {
	q := url.Values{}
	q.Set("startDate", r.StartDate)
	q.Set("endDate", r.EndDate)
	var out []agenda.ConfirmedAppointment
	err := c.do(ctx, "list_appointments", token, http.MethodGet, "/counselor/appointments/?"+q.Encode(), nil, &out)
	return out, err
}

// ListPendingRequests fetches requests still awaiting a response.
func (c *Client) ListPendingRequests(ctx context.Context, token string) ([]agenda.PendingRequest, error) {
	var out []agenda.PendingRequest
	err := c.do(ctx, "list_requests", token, http.MethodGet, "/counselor/requests/?status=pending", nil, &out)
	return out, err
}

// AcceptRequest accepts a pending request; the server returns the resulting appointment.
func (c *Client) AcceptRequest(ctx context.Context, token, requestID string) (agenda.ConfirmedAppointment, error) {
	var out agenda.ConfirmedAppointment
	err := c.do(ctx, "accept_request", token, http.MethodPatch, "/counselor/requests/"+url.PathEscape(requestID)+"/accept", nil, &out)
	return out, err
}

// DeclineRequest declines a pending request.
func (c *Client) DeclineRequest(ctx context.Context, token, requestID string) (agenda.PendingRequest, error) {
	var out agenda.PendingRequest
	err := c.do(ctx, "decline_request", token, http.MethodPatch, "/counselor/requests/"+url.PathEscape(requestID)+"/decline", nil, &out)
	return out, err
}

// CreateRequest proposes a new appointment to a student.
func (c *Client) CreateRequest(ctx context.Context, token string, payload agenda.CreateRequestPayload) (agenda.PendingRequest, error) {
	var out agenda.PendingRequest
	err := c.do(ctx, "create_request", token, http.MethodPost, "/counselor/requests/", payload, &out)
	return out, err
}

// CancelAppointment cancels a confirmed appointment.
func (c *Client) CancelAppointment(ctx context.Context, token, appointmentID string) (agenda.ConfirmedAppointment, error) {
	var out agenda.ConfirmedAppointment
	err := c.do(ctx, "cancel_appointment", token, http.MethodPatch, "/counselor/appointments/"+url.PathEscape(appointmentID)+"/cancel", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, token, method, path string, body, out any) (err error) {
	if token == "" {
		return &Error{Kind: KindPrecondition, Op: op, Message: "Session token missing."}
	}

	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
		}
		metrics.ObserveUpstream(op, outcome, time.Since(started))
	}()

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, merr := json.Marshal(body)
		if merr != nil {
			return &Error{Kind: KindPrecondition, Op: op, Message: "invalid request body", Cause: merr}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &Error{Kind: KindPrecondition, Op: op, Message: "invalid request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return &Error{Kind: KindTimeout, Op: op, Message: msgNetwork, Cause: err}
		}
		return &Error{Kind: KindNetwork, Op: op, Message: msgNetwork, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return &Error{Kind: KindTimeout, Op: op, Message: msgNetwork, Cause: err}
		}
		return &Error{Kind: KindNetwork, Op: op, Message: msgNetwork, Status: resp.StatusCode, Cause: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &Error{Kind: KindEnvelope, Op: op, Status: resp.StatusCode, Message: fmt.Sprintf("server error %s", resp.Status)}
		}
		return &Error{Kind: KindDecode, Op: op, Status: resp.StatusCode, Message: msgDecode, Cause: err}
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("server error %s", resp.Status)
		}
		return &Error{Kind: KindEnvelope, Op: op, Code: env.Code, Status: resp.StatusCode, Message: msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Kind: KindDecode, Op: op, Status: resp.StatusCode, Message: msgDecode, Cause: err}
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

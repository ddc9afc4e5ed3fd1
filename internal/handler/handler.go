// Package handler exposes the counselor calendar over JSON for the portal UI.
package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"guidance/internal/agenda"
	"guidance/internal/apiclient"
	"guidance/internal/auth"
	"guidance/internal/calendar"
	"guidance/internal/directory"
	"guidance/internal/ical"
	"guidance/internal/lifecycle"
	"guidance/internal/logging"
	"guidance/internal/session"
)

type Handler struct {
	dirs    *directory.Cache
	views   *calendar.Registry
	actions *lifecycle.Controller
	loc     *time.Location
	log     *zap.Logger
}

func New(dirs *directory.Cache, views *calendar.Registry, actions *lifecycle.Controller, loc *time.Location, log *zap.Logger) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		dirs:    dirs,
		views:   views,
		actions: actions,
		loc:     loc,
		log:     logging.OrNop(log).Named("handler"),
	}
}

// Register mounts the routes on a group that already runs auth.SessionAuth.
func (h *Handler) Register(v1 *gin.RouterGroup) {
	staff := v1.Group("", auth.RequireRole(session.RoleCounselor, session.RoleSuperAdmin))
	{
		staff.GET("/agenda", h.GetAgenda)
		staff.POST("/agenda/refresh", h.RefreshAgenda)
		staff.GET("/agenda.ics", h.ExportAgenda)

		staff.POST("/requests", h.CreateRequest)
		staff.PATCH("/requests/:id/accept", h.AcceptRequest)
		staff.PATCH("/requests/:id/decline", h.DeclineRequest)
		staff.PATCH("/appointments/:id/cancel", h.CancelAppointment)
	}

	v1.GET("/students", auth.RequireRole(session.RoleAdmin, session.RoleCounselor, session.RoleSuperAdmin), h.ListStudents)
	v1.DELETE("/session", h.EndSession)
}

// ---------- Agenda ----------

type entry struct {
	agenda.Data
	Actions agenda.Actions `json:"actions"`
}

type agendaResponse struct {
	State      calendar.State `json:"state"`
	Year       int            `json:"year"`
	Month      int            `json:"month"`
	Agendas    []entry        `json:"agendas"`
	Error      string         `json:"error,omitempty"`
	Processing bool           `json:"processing"`
	Generation uint64         `json:"generation"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

func toResponse(snap calendar.Snapshot) agendaResponse {
	entries := make([]entry, 0, len(snap.Agendas))
	for _, d := range snap.Agendas {
		entries = append(entries, entry{Data: d, Actions: agenda.ActionsFor(d)})
	}
	return agendaResponse{
		State:      snap.State,
		Year:       snap.Year,
		Month:      snap.Month,
		Agendas:    entries,
		Error:      snap.Error,
		Processing: snap.Processing,
		Generation: snap.Generation,
		UpdatedAt:  snap.UpdatedAt,
	}
}

// GetAgenda returns the month given by ?year&month (0-indexed), or the
// view's current month.
func (h *Handler) GetAgenda(c *gin.Context) {
	snap, ok := h.monthSnapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toResponse(snap))
}

func (h *Handler) RefreshAgenda(c *gin.Context) {
	sess, view, ok := h.sessionView(c)
	if !ok {
		return
	}
	if _, err := h.ensureDirectory(c.Request.Context(), sess); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(view.Refresh(c.Request.Context())))
}

func (h *Handler) ExportAgenda(c *gin.Context) {
	snap, ok := h.monthSnapshot(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	err := ical.Export(&buf, snap.Agendas, h.loc, time.Now())
	if errors.Is(err, ical.ErrEmpty) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.log.Error("ical export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calendar export failed"})
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="agenda-%04d-%02d.ics"`, snap.Year, snap.Month+1))
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", buf.Bytes())
}

func (h *Handler) monthSnapshot(c *gin.Context) (calendar.Snapshot, bool) {
	year, month, explicit, err := parseMonth(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return calendar.Snapshot{}, false
	}
	sess, view, ok := h.sessionView(c)
	if !ok {
		return calendar.Snapshot{}, false
	}
	ctx := c.Request.Context()
	loaded, err := h.ensureDirectory(ctx, sess)
	if err != nil {
		h.writeError(c, err)
		return calendar.Snapshot{}, false
	}
	switch {
	case explicit:
		return view.SetMonth(ctx, year, month), true
	case loaded || view.Snapshot().State == calendar.StateIdle:
		return view.DirectoryReady(ctx), true
	default:
		return view.Snapshot(), true
	}
}

func parseMonth(c *gin.Context) (year, month int, explicit bool, err error) {
	ys, ms := c.Query("year"), c.Query("month")
	if ys == "" && ms == "" {
		return 0, 0, false, nil
	}
	if ys == "" || ms == "" {
		return 0, 0, false, errors.New("year and month must be given together")
	}
	year, err = strconv.Atoi(ys)
	if err != nil || year < 1970 || year > 9999 {
		return 0, 0, false, errors.New("invalid year")
	}
	month, err = strconv.Atoi(ms)
	if err != nil || month < 0 || month > 11 {
		return 0, 0, false, errors.New("month must be between 0 and 11")
	}
	return year, month, true, nil
}

// ---------- Requests ----------

func (h *Handler) CreateRequest(c *gin.Context) {
	var form agenda.RequestForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if form.Kind != "" && !form.Kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown agenda type"})
		return
	}
	sess, view, ok := h.sessionView(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.ensureDirectory(ctx, sess); err != nil {
		h.writeError(c, err)
		return
	}
	created, snap, err := h.actions.Create(ctx, sess, view, form)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": created, "agenda": toResponse(snap)})
}

func (h *Handler) AcceptRequest(c *gin.Context) {
	h.act(c, byRequestID, h.actions.Accept)
}

func (h *Handler) DeclineRequest(c *gin.Context) {
	h.act(c, byRequestID, h.actions.Decline)
}

func (h *Handler) CancelAppointment(c *gin.Context) {
	h.act(c, byAppointmentID, h.actions.Cancel)
}

type action func(ctx context.Context, sess session.Session, view lifecycle.View, d agenda.Data) (calendar.Snapshot, error)

func byRequestID(d agenda.Data, id string) bool     { return d.RequestID == id }
func byAppointmentID(d agenda.Data, id string) bool { return d.AppointmentID == id }

func (h *Handler) act(c *gin.Context, match func(agenda.Data, string) bool, run action) {
	id := c.Param("id")
	sess, view, ok := h.sessionView(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	loaded, err := h.ensureDirectory(ctx, sess)
	if err != nil {
		h.writeError(c, err)
		return
	}
	snap := view.Snapshot()
	if loaded || snap.State == calendar.StateIdle {
		snap = view.DirectoryReady(ctx)
	}
	d, found := find(snap.Agendas, id, match)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "agenda entry not found"})
		return
	}
	snap, err = run(ctx, sess, view, d)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(snap))
}

func find(entries []agenda.Data, id string, match func(agenda.Data, string) bool) (agenda.Data, bool) {
	for _, d := range entries {
		if match(d, id) {
			return d, true
		}
	}
	return agenda.Data{}, false
}

// ---------- Students & session ----------

func (h *Handler) ListStudents(c *gin.Context) {
	sess, ok := auth.SessionFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return
	}
	dir, err := h.dirs.LoadAll(c.Request.Context(), sess)
	if err != nil && len(dir) == 0 {
		h.writeError(c, err)
		return
	}
	students := make([]agenda.StudentRecord, 0, len(dir))
	for _, s := range dir {
		students = append(students, s)
	}
	sort.Slice(students, func(i, j int) bool {
		if students[i].DisplayName != students[j].DisplayName {
			return students[i].DisplayName < students[j].DisplayName
		}
		return students[i].ID < students[j].ID
	})
	resp := gin.H{"students": students, "complete": err == nil}
	if err != nil {
		resp["error"] = apiclient.UserMessage(err)
	}
	c.JSON(http.StatusOK, resp)
}

// EndSession drops the caller's directory and calendar view.
func (h *Handler) EndSession(c *gin.Context) {
	sess, ok := auth.SessionFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return
	}
	h.dirs.Invalidate(c.Request.Context(), sess)
	h.views.Drop(sess)
	c.Status(http.StatusNoContent)
}

// ---------- helpers ----------

func (h *Handler) sessionView(c *gin.Context) (session.Session, *calendar.View, bool) {
	sess, ok := auth.SessionFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return session.Session{}, nil, false
	}
	return sess, h.views.View(sess), true
}

// ensureDirectory loads the session's students. loaded is true when this
// call made a directory available, which is the view's cue to fetch. A
// partial load is usable; only an empty result with an error fails.
func (h *Handler) ensureDirectory(ctx context.Context, sess session.Session) (loaded bool, err error) {
	wasReady := h.dirs.Ready(sess)
	dir, err := h.dirs.LoadAll(ctx, sess)
	if err != nil {
		if len(dir) == 0 {
			return false, err
		}
		h.log.Warn("using partial directory", zap.String("user", sess.UserID), zap.Int("students", len(dir)), zap.Error(err))
	}
	return !wasReady && len(dir) > 0, nil
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *agenda.ValidationError
	var apiErr *apiclient.Error
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Message})
	case errors.Is(err, lifecycle.ErrActionNotAllowed), errors.Is(err, calendar.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrNoToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.As(err, &apiErr):
		status := http.StatusBadGateway
		switch apiErr.Kind {
		case apiclient.KindTimeout:
			status = http.StatusGatewayTimeout
		case apiclient.KindPrecondition:
			status = http.StatusUnauthorized
		}
		body := gin.H{"error": apiErr.Message}
		if apiErr.Code != "" {
			body["code"] = apiErr.Code
		}
		c.JSON(status, body)
	default:
		h.log.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

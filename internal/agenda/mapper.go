package agenda

import (
	"strings"
	"time"
)

const isoMillisUTC = "2006-01-02T15:04:05.000Z"

// ConfirmedToAgenda converts a confirmed appointment into a calendar entry.
// The wall-clock time embedded in the timestamps is used verbatim.
func ConfirmedToAgenda(appt ConfirmedAppointment, dir Directory) Data {
	name := dir.Name(appt.StudentID)
	return Data{
		ID:            appt.AppointmentID,
		Title:         title(appt.Kind, name),
		Date:          datePart(appt.StartTime),
		AgendaType:    appt.Kind,
		StartTime:     clockPart(appt.StartTime),
		EndTime:       clockPart(appt.EndTime),
		Status:        StatusConfirmed,
		StudentID:     appt.StudentID,
		StudentName:   name,
		AppointmentID: appt.AppointmentID,
	}
}

// PendingToAgenda converts a pending request into a calendar entry. Status
// and CreatedBy are passed through so callers can gate actions on them.
func PendingToAgenda(req PendingRequest, dir Directory) Data {
	name := dir.Name(req.StudentID)
	return Data{
		ID:          req.RequestID,
		Title:       title(req.Kind, name),
		Date:        datePart(req.ProposedStart),
		AgendaType:  req.Kind,
		StartTime:   clockPart(req.ProposedStart),
		EndTime:     clockPart(req.ProposedEnd),
		Status:      req.Status,
		StudentID:   req.StudentID,
		StudentName: name,
		CreatedBy:   req.CreatedBy,
		RequestID:   req.RequestID,
	}
}

// MapAll maps both record lists and concatenates them, confirmed first,
// keeping each list's order.
func MapAll(appts []ConfirmedAppointment, reqs []PendingRequest, dir Directory) []Data {
	out := make([]Data, 0, len(appts)+len(reqs))
	for _, a := range appts {
		out = append(out, ConfirmedToAgenda(a, dir))
	}
	for _, r := range reqs {
		out = append(out, PendingToAgenda(r, dir))
	}
	return out
}

// FormToRequestPayload builds the create-request body. The timestamps carry
// no zone suffix. The form is assumed to be validated already.
func FormToRequestPayload(form RequestForm) CreateRequestPayload {
	return CreateRequestPayload{
		Agenda:        form.Kind,
		StudentID:     form.StudentID,
		ProposedStart: form.Date + "T" + form.StartTime + ":00",
		ProposedEnd:   form.Date + "T" + form.EndTime + ":00",
	}
}

// MonthDateRange returns the first instant and the last millisecond of a
// month in loc, serialized in UTC. month is 0-indexed; out-of-range values
// roll over into the neighbouring year.
func MonthDateRange(year, month int, loc *time.Location) DateRange {
	if loc == nil {
		loc = time.Local
	}
	start := time.Date(year, time.Month(month+1), 1, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 1, 0).Add(-time.Millisecond)
	return DateRange{
		StartDate: start.UTC().Format(isoMillisUTC),
		EndDate:   end.UTC().Format(isoMillisUTC),
	}
}

func title(kind Kind, studentName string) string {
	return kind.Label() + " - " + studentName
}

// datePart returns the YYYY-MM-DD prefix of an ISO timestamp.
func datePart(ts string) string {
	if i := strings.IndexAny(ts, "T "); i >= 0 {
		ts = ts[:i]
	}
	if len(ts) < 10 {
		return ts
	}
	return ts[:10]
}

// clockPart returns the HH:MM embedded after the date of an ISO timestamp.
func clockPart(ts string) string {
	i := strings.IndexAny(ts, "T ")
	if i < 0 || len(ts) < i+6 {
		return ""
	}
	return ts[i+1 : i+6]
}

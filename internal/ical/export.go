// Package ical renders the merged agenda as an iCalendar feed.
package ical

import (
	"errors"
	"io"
	"time"

	ics "github.com/emersion/go-ical"

	"guidance/internal/agenda"
)

const productID = "-//Guidance Portal//Counselor Agenda//EN"

// ErrEmpty is returned when there is nothing to export.
var ErrEmpty = errors.New("no agenda entries to export")

// Export writes entries as VEVENTs. Dates and times are wall-clock values in
// loc; entries whose date or time cannot be parsed are skipped.
func Export(w io.Writer, entries []agenda.Data, loc *time.Location, stamp time.Time) error {
	if loc == nil {
		loc = time.Local
	}
	cal := ics.NewCalendar()
	cal.Props.SetText(ics.PropVersion, "2.0")
	cal.Props.SetText(ics.PropProductID, productID)

	for _, d := range entries {
		start, ok := wallClock(d.Date, d.StartTime, loc)
		if !ok {
			continue
		}
		end, ok := wallClock(d.Date, d.EndTime, loc)
		if !ok || !end.After(start) {
			end = start.Add(time.Hour)
		}

		event := ics.NewEvent()
		event.Props.SetText(ics.PropUID, uid(d))
		event.Props.SetDateTime(ics.PropDateTimeStamp, stamp.UTC())
		event.Props.SetDateTime(ics.PropDateTimeStart, start)
		event.Props.SetDateTime(ics.PropDateTimeEnd, end)
		event.Props.SetText(ics.PropSummary, d.Title)
		event.Props.SetText(ics.PropDescription, d.AgendaType.Label()+" with "+d.StudentName)
		event.Props.SetText(ics.PropStatus, icalStatus(d.Status))
		cal.Children = append(cal.Children, event.Component)
	}
	if len(cal.Children) == 0 {
		return ErrEmpty
	}
	return ics.NewEncoder(w).Encode(cal)
}

func wallClock(date, clock string, loc *time.Location) (time.Time, bool) {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+clock, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func uid(d agenda.Data) string {
	if d.AppointmentID != "" {
		return "appointment-" + d.AppointmentID + "@guidance"
	}
	return "request-" + d.RequestID + "@guidance"
}

func icalStatus(s agenda.Status) string {
	switch s {
	case agenda.StatusConfirmed, agenda.StatusBothConfirmed:
		return "CONFIRMED"
	case agenda.StatusDeclined, agenda.StatusExpired:
		return "CANCELLED"
	default:
		return "TENTATIVE"
	}
}

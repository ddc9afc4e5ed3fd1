package agenda

// Kind is the type of booking a request or appointment is for.
type Kind string

const (
	KindCounseling       Kind = "counseling"
	KindRoutineInterview Kind = "routine_interview"
	KindMeeting          Kind = "meeting"
	KindEvent            Kind = "event"
)

// Label returns the display label used in agenda titles.
func (k Kind) Label() string {
	switch k {
	case KindCounseling:
		return "Counseling"
	case KindRoutineInterview:
		return "Routine Interview"
	case KindMeeting:
		return "Meeting"
	case KindEvent:
		return "Event"
	default:
		return "Agenda"
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCounseling, KindRoutineInterview, KindMeeting, KindEvent:
		return true
	}
	return false
}

// Party identifies who initiated a request.
type Party string

const (
	PartyStudent   Party = "student"
	PartyCounselor Party = "counselor"
)

// Response is one party's answer to a pending request.
type Response string

const (
	ResponsePending  Response = "pending"
	ResponseAccepted Response = "accepted"
	ResponseDeclined Response = "declined"
)

// Status is the agenda status shown on the calendar. Confirmed appointments
// always carry StatusConfirmed; requests pass their own status through.
type Status string

const (
	StatusConfirmed     Status = "confirmed"
	StatusPending       Status = "pending"
	StatusBothConfirmed Status = "both_confirmed"
	StatusDeclined      Status = "declined"
	StatusExpired       Status = "expired"
)

// Terminal reports whether no party can act on a request in this status.
func (s Status) Terminal() bool {
	return s == StatusBothConfirmed || s == StatusDeclined || s == StatusExpired
}

// UnknownStudent is the label used when the directory has no entry for a student.
const UnknownStudent = "Unknown Student"

// StudentRecord is a directory entry as returned by the students listing.
type StudentRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

// Directory maps student ids to their records.
type Directory map[string]StudentRecord

// Name returns the display name for id, or UnknownStudent on a miss.
func (d Directory) Name(id string) string {
	if rec, ok := d[id]; ok && rec.DisplayName != "" {
		return rec.DisplayName
	}
	return UnknownStudent
}

// ConfirmedAppointment is a finalized booking both parties agreed to.
type ConfirmedAppointment struct {
	AppointmentID string `json:"appointmentId"`
	StudentID     string `json:"studentId"`
	CounselorID   string `json:"counselorId"`
	Kind          Kind   `json:"agenda"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	RequestID     string `json:"requestId"`
}

// PendingRequest is a proposed booking awaiting the other party.
type PendingRequest struct {
	RequestID         string   `json:"requestId"`
	StudentID         string   `json:"studentId"`
	CounselorID       string   `json:"counselorId"`
	Kind              Kind     `json:"agenda"`
	ProposedStart     string   `json:"proposedStart"`
	ProposedEnd       string   `json:"proposedEnd"`
	CreatedBy         Party    `json:"createdBy"`
	StudentResponse   Response `json:"studentResponse"`
	CounselorResponse Response `json:"counselorResponse"`
	Status            Status   `json:"status"`
}

// IsPending reports whether the request still awaits a response.
func (r PendingRequest) IsPending() bool {
	return r.Status == StatusPending
}

// Data is the unified calendar entry built from either a confirmed
// appointment or a pending request. Exactly one of RequestID and
// AppointmentID is set.
type Data struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Date          string `json:"date"`
	AgendaType    Kind   `json:"agendaType"`
	StartTime     string `json:"startTime"`
	EndTime       string `json:"endTime"`
	Status        Status `json:"status"`
	StudentID     string `json:"studentId"`
	StudentName   string `json:"studentName"`
	CreatedBy     Party  `json:"createdBy,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	AppointmentID string `json:"appointmentId,omitempty"`
}

// RequestForm holds the fields of the create-request form.
type RequestForm struct {
	StudentID string `json:"studentId" validate:"required"`
	Kind      Kind   `json:"agenda"`
	Date      string `json:"date" validate:"required"`
	StartTime string `json:"startTime" validate:"required"`
	EndTime   string `json:"endTime" validate:"required"`
}

// CreateRequestPayload is the body of POST /counselor/requests/.
type CreateRequestPayload struct {
	Agenda        Kind   `json:"agenda"`
	StudentID     string `json:"studentId"`
	ProposedStart string `json:"proposedStart"`
	ProposedEnd   string `json:"proposedEnd"`
}

// DateRange is an inclusive range of ISO-8601 UTC timestamps.
type DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

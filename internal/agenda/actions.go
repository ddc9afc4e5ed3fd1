package agenda

// Actions lists the lifecycle controls a counselor may use on an entry.
type Actions struct {
	Accept  bool `json:"accept"`
	Decline bool `json:"decline"`
	Cancel  bool `json:"cancel"`
}

// CanRespond reports whether the counselor may accept or decline d. Only
// pending requests the student initiated are answerable from this side;
// counselor-initiated requests wait for the student.
func CanRespond(d Data) bool {
	return d.RequestID != "" && d.Status == StatusPending && d.CreatedBy == PartyStudent
}

// CanCancel reports whether d is a confirmed appointment.
func CanCancel(d Data) bool {
	return d.AppointmentID != "" && d.Status == StatusConfirmed
}

// ActionsFor returns the controls to expose for d.
func ActionsFor(d Data) Actions {
	respond := CanRespond(d)
	return Actions{Accept: respond, Decline: respond, Cancel: CanCancel(d)}
}

package agenda

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultMinLeadDays is how far ahead a schedule request must be proposed.
const DefaultMinLeadDays = 7

const (
	MsgRequiredFields = "Please fill in all required fields."
	MsgInvalidFormat  = "Please provide a valid date and time."
	MsgEndBeforeStart = "End time must be after start time."
)

var validate = validator.New()

// ValidationError is a client-side rejection of the create form. Message is
// shown to the user as is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// FormValidator checks the create-request form before anything is sent.
type FormValidator struct {
	MinLeadDays int
}

// NewFormValidator returns a validator with minLeadDays, falling back to
// DefaultMinLeadDays when it is not positive.
func NewFormValidator(minLeadDays int) FormValidator {
	if minLeadDays <= 0 {
		minLeadDays = DefaultMinLeadDays
	}
	return FormValidator{MinLeadDays: minLeadDays}
}

// ValidateRequestForm runs the default rules against form.
func ValidateRequestForm(form RequestForm, today time.Time) error {
	return NewFormValidator(DefaultMinLeadDays).Validate(form, today)
}

// Validate returns the first violated rule, checked in order: missing
// fields, date too soon, end not after start.
func (v FormValidator) Validate(form RequestForm, today time.Time) error {
	if err := validate.Struct(form); err != nil {
		return &ValidationError{Message: MsgRequiredFields}
	}

	date, err := time.ParseInLocation("2006-01-02", form.Date, time.UTC)
	if err != nil {
		return &ValidationError{Message: MsgInvalidFormat}
	}
	if daysBetween(today, date) < v.MinLeadDays {
		return &ValidationError{Message: v.leadMessage()}
	}

	start, ok := minutesOfDay(form.StartTime)
	if !ok {
		return &ValidationError{Message: MsgInvalidFormat}
	}
	end, ok := minutesOfDay(form.EndTime)
	if !ok {
		return &ValidationError{Message: MsgInvalidFormat}
	}
	if end <= start {
		return &ValidationError{Message: MsgEndBeforeStart}
	}
	return nil
}

func (v FormValidator) leadMessage() string {
	return fmt.Sprintf("Schedule requests must be made at least %d days in advance.", v.MinLeadDays)
}

// daysBetween counts whole calendar days from the date of today to date.
func daysBetween(today, date time.Time) int {
	y, m, d := today.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(date.Sub(from).Hours() / 24)
}

func minutesOfDay(hhmm string) (int, bool) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

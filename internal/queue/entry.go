package queue

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusCalled    Status = "called"
	StatusCheckedIn Status = "checked_in"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Entry is one customer's place in a Queue. Values handed out by Queue are
// copies; the only way to change an entry is through its owning Queue.
type Entry struct {
	EntryID        string     `json:"entry_id"`
	QueueID        string     `json:"queue_id"`
	CustomerID     string     `json:"customer_id"`
	CustomerName   string     `json:"customer_name"`
	Position       int        `json:"position"`
	Status         Status     `json:"status"`
	StaffID        *string    `json:"staff_id,omitempty"`
	ServiceTypeID  *string    `json:"service_type_id,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	EnteredAt      time.Time  `json:"entered_at"`
	CalledAt       *time.Time `json:"called_at,omitempty"`
	CheckedInAt    *time.Time `json:"checked_in_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	ServiceMinutes *int       `json:"service_minutes,omitempty"`
}

func (e *Entry) transition(action Action) error {
	if !ValidTransition(action, e.Status) {
		return fmt.Errorf("%w: cannot %s entry %s in status %s", ErrInvalidTransition, action, e.EntryID, e.Status)
	}
	e.Status = targetStatus[action]
	return nil
}

func (e *Entry) call(staffID string, at time.Time) error {
	if err := e.transition(ActionCallNext); err != nil {
		return err
	}
	e.CalledAt = timePtr(at)
	if staffID != "" {
		e.StaffID = stringPtr(staffID)
	}
	return nil
}

func (e *Entry) checkIn(at time.Time) error {
	if err := e.transition(ActionCheckIn); err != nil {
		return err
	}
	e.CheckedInAt = timePtr(at)
	return nil
}

func (e *Entry) complete(minutes int, notes string, at time.Time) error {
	if minutes <= 0 {
		return ErrInvalidDuration
	}
	if err := e.transition(ActionComplete); err != nil {
		return err
	}
	e.CompletedAt = timePtr(at)
	e.ServiceMinutes = &minutes
	if notes != "" {
		e.Notes = notes
	}
	return nil
}

func (e *Entry) cancel(at time.Time) error {
	if err := e.transition(ActionCancel); err != nil {
		return err
	}
	e.CancelledAt = timePtr(at)
	return nil
}

// noShow closes the entry with cancelled-at set, so every terminal entry
// carries exactly one terminal timestamp.
func (e *Entry) noShow(at time.Time) error {
	if err := e.transition(ActionNoShow); err != nil {
		return err
	}
	e.CancelledAt = timePtr(at)
	return nil
}

func (e Entry) clone() Entry {
	out := e
	out.StaffID = copyString(e.StaffID)
	out.ServiceTypeID = copyString(e.ServiceTypeID)
	out.CalledAt = copyTime(e.CalledAt)
	out.CheckedInAt = copyTime(e.CheckedInAt)
	out.CompletedAt = copyTime(e.CompletedAt)
	out.CancelledAt = copyTime(e.CancelledAt)
	if e.ServiceMinutes != nil {
		minutes := *e.ServiceMinutes
		out.ServiceMinutes = &minutes
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func stringPtr(s string) *string {
	return &s
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

package models

import "time"

type StaffMember struct {
	StaffID       string        `json:"staff_id"`
	LocationID    string        `json:"location_id"`
	Name          string        `json:"name"`
	Active        bool          `json:"active"`
	OnDuty        bool          `json:"on_duty"`
	BreakStart    *time.Time    `json:"break_start,omitempty"`
	BreakDuration time.Duration `json:"break_duration,omitempty"`
}

// OnBreak reports whether now falls inside [BreakStart, BreakStart+BreakDuration).
func (s StaffMember) OnBreak(now time.Time) bool {
	if s.BreakStart == nil || s.BreakDuration <= 0 {
		return false
	}
	end := s.BreakStart.Add(s.BreakDuration)
	return !now.Before(*s.BreakStart) && now.Before(end)
}

func (s StaffMember) Available(now time.Time) bool {
	return s.Active && !s.OnBreak(now)
}

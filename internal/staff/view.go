package staff

import (
	"context"
	"time"

	"qms/walkin-service/internal/models"
)

type Lister interface {
	ListStaff(ctx context.Context, locationID string) ([]models.StaffMember, error)
}

// View answers how many staff members at a location can serve right now.
type View struct {
	lister Lister
	now    func() time.Time
}

func NewView(lister Lister, now func() time.Time) *View {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &View{lister: lister, now: now}
}

func (v *View) AvailableCount(ctx context.Context, locationID string) (int, error) {
	members, err := v.lister.ListStaff(ctx, locationID)
	if err != nil {
		return 0, err
	}
	return CountAvailable(members, v.now()), nil
}

// CountAvailable counts active members who are not inside a break window at now.
func CountAvailable(members []models.StaffMember, now time.Time) int {
	count := 0
	for _, member := range members {
		if member.Available(now) {
			count++
		}
	}
	return count
}

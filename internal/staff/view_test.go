package staff

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/walkin-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	listFn func(ctx context.Context, locationID string) ([]models.StaffMember, error)
}

func (f fakeLister) ListStaff(ctx context.Context, locationID string) ([]models.StaffMember, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx, locationID)
}

func TestAvailableCount(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	breakStarted := now.Add(-10 * time.Minute)
	breakEnded := now.Add(-30 * time.Minute)

	lister := fakeLister{listFn: func(ctx context.Context, locationID string) ([]models.StaffMember, error) {
		assert.Equal(t, "loc-1", locationID)
		return []models.StaffMember{
			{StaffID: "a", Active: true},
			{StaffID: "b", Active: false},
			{StaffID: "c", Active: true, BreakStart: &breakStarted, BreakDuration: 15 * time.Minute},
			{StaffID: "d", Active: true, BreakStart: &breakEnded, BreakDuration: 30 * time.Minute},
		}, nil
	}}

	view := NewView(lister, func() time.Time { return now })
	count, err := view.AvailableCount(context.Background(), "loc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAvailableCountPropagatesErrors(t *testing.T) {
	boom := errors.New("db down")
	view := NewView(fakeLister{listFn: func(ctx context.Context, locationID string) ([]models.StaffMember, error) {
		return nil, boom
	}}, nil)

	_, err := view.AvailableCount(context.Background(), "loc-1")
	assert.ErrorIs(t, err, boom)
}

func TestCountAvailableEmpty(t *testing.T) {
	assert.Equal(t, 0, CountAvailable(nil, time.Now()))
}

package queue

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, maxSize int, lateCap time.Duration) *Queue {
	t.Helper()
	q, err := New(Params{
		LocationID:    "loc-1",
		Date:          baseTime,
		MaxSize:       maxSize,
		LateClientCap: lateCap,
		CreatedAt:     baseTime,
	})
	require.NoError(t, err)
	return q
}

func addCustomer(t *testing.T, q *Queue, name string) Entry {
	t.Helper()
	entry, err := q.AddEntry(AddEntryInput{CustomerID: "cust-" + name, CustomerName: name, EnteredAt: baseTime})
	require.NoError(t, err)
	return entry
}

func TestNewRejectsNonPositiveCapacity(t *testing.T) {
	_, err := New(Params{LocationID: "loc-1", Date: baseTime, MaxSize: 0})
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestHappyPath(t *testing.T) {
	q := newTestQueue(t, 50, 15*time.Minute)

	alice := addCustomer(t, q, "Alice")
	assert.Equal(t, 1, alice.Position)
	assert.Equal(t, StatusWaiting, alice.Status)
	assert.Equal(t, baseTime, alice.EnteredAt)

	calledAt := baseTime.Add(5 * time.Minute)
	called, err := q.CallNext("staff-x", calledAt)
	require.NoError(t, err)
	assert.Equal(t, alice.EntryID, called.EntryID)
	assert.Equal(t, StatusCalled, called.Status)
	require.NotNil(t, called.CalledAt)
	assert.Equal(t, calledAt, *called.CalledAt)
	require.NotNil(t, called.StaffID)
	assert.Equal(t, "staff-x", *called.StaffID)

	checkedIn, err := q.CheckIn(alice.EntryID, calledAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusCheckedIn, checkedIn.Status)
	require.NotNil(t, checkedIn.CheckedInAt)

	completed, err := q.Complete(alice.EntryID, 30, "fade and beard trim", calledAt.Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.ServiceMinutes)
	assert.Equal(t, 30, *completed.ServiceMinutes)
	assert.NotNil(t, completed.CompletedAt)
	assert.Nil(t, completed.CancelledAt)
	assert.Equal(t, "fade and beard trim", completed.Notes)
}

func TestFullQueueRejection(t *testing.T) {
	q := newTestQueue(t, 1, 0)
	addCustomer(t, q, "Alice")

	_, err := q.AddEntry(AddEntryInput{CustomerID: "cust-bob", CustomerName: "Bob"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Len(t, q.Entries(), 1)
}

func TestCapacityFreedByTerminalEntries(t *testing.T) {
	q := newTestQueue(t, 2, 0)
	alice := addCustomer(t, q, "Alice")
	addCustomer(t, q, "Bob")

	_, err := q.Cancel(alice.EntryID, baseTime)
	require.NoError(t, err)

	carol := addCustomer(t, q, "Carol")
	assert.Equal(t, 3, carol.Position, "positions are never reused")
	assert.Equal(t, 2, q.ActiveCount())
}

func TestAddEntryOnInactiveQueue(t *testing.T) {
	q := newTestQueue(t, 5, 0)
	q.Deactivate("manager-1", baseTime)

	_, err := q.AddEntry(AddEntryInput{CustomerID: "c", CustomerName: "Alice"})
	assert.ErrorIs(t, err, ErrInactiveQueue)

	q.Activate("manager-1", baseTime.Add(time.Minute))
	entry := addCustomer(t, q, "Alice")
	assert.Equal(t, 1, entry.Position)
}

func TestDeactivateKeepsEntries(t *testing.T) {
	q := newTestQueue(t, 5, 0)
	addCustomer(t, q, "Alice")
	q.Deactivate("manager-1", baseTime)

	assert.False(t, q.Active())
	assert.Len(t, q.Entries(), 1)
	snap := q.Snapshot()
	assert.Equal(t, "manager-1", snap.ActiveChangedBy)
	require.NotNil(t, snap.ActiveChangedAt)
}

func TestIllegalSkipLeavesEntryWaiting(t *testing.T) {
	q := newTestQueue(t, 5, 0)
	alice := addCustomer(t, q, "Alice")

	_, err := q.Complete(alice.EntryID, 30, "", baseTime)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	current, ok := q.Entry(alice.EntryID)
	require.True(t, ok)
	assert.Equal(t, StatusWaiting, current.Status)
	assert.Nil(t, current.CompletedAt)
}

func TestStateMachineLegality(t *testing.T) {
	q := newTestQueue(t, 5, 0)
	alice := addCustomer(t, q, "Alice")

	_, err := q.CheckIn(alice.EntryID, baseTime)
	assert.ErrorIs(t, err, ErrInvalidTransition, "check-in requires called")

	_, err = q.CallNext("staff-1", baseTime)
	require.NoError(t, err)

	_, err = q.Cancel(alice.EntryID, baseTime)
	assert.ErrorIs(t, err, ErrInvalidTransition, "cancel requires waiting")

	_, err = q.Complete(alice.EntryID, 20, "", baseTime)
	assert.ErrorIs(t, err, ErrInvalidTransition, "complete requires checked in")

	_, err = q.CheckIn(alice.EntryID, baseTime)
	require.NoError(t, err)

	_, err = q.Complete(alice.EntryID, 0, "", baseTime)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = q.Complete(alice.EntryID, 20, "", baseTime)
	require.NoError(t, err)

	_, err = q.Complete(alice.EntryID, 20, "", baseTime)
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal")
}

func TestCancelSetsOnlyCancelledAt(t *testing.T) {
	q := newTestQueue(t, 5, 0)
	alice := addCustomer(t, q, "Alice")

	cancelled, err := q.Cancel(alice.EntryID, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	assert.Nil(t, cancelled.CompletedAt)
}

func TestUnknownEntry(t *testing.T) {
	q := newTestQueue(t, 5, 0)
	_, err := q.CheckIn("missing", baseTime)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = q.EstimatedWaitMinutes("missing", 15, 1)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestCallNextOrdering(t *testing.T) {
	q := newTestQueue(t, 5, 0)
	alice := addCustomer(t, q, "Alice")
	bob := addCustomer(t, q, "Bob")
	carol := addCustomer(t, q, "Carol")

	_, err := q.Cancel(alice.EntryID, baseTime)
	require.NoError(t, err)

	first, err := q.CallNext("staff-1", baseTime)
	require.NoError(t, err)
	assert.Equal(t, bob.EntryID, first.EntryID)

	second, err := q.CallNext("staff-2", baseTime)
	require.NoError(t, err)
	assert.Equal(t, carol.EntryID, second.EntryID)

	_, err = q.CallNext("staff-1", baseTime)
	assert.ErrorIs(t, err, ErrEmptyQueue)
}

func TestEntriesAreCopies(t *testing.T) {
	q := newTestQueue(t, 5, 0)
	alice := addCustomer(t, q, "Alice")

	entries := q.Entries()
	entries[0].Status = StatusCompleted

	current, ok := q.Entry(alice.EntryID)
	require.True(t, ok)
	assert.Equal(t, StatusWaiting, current.Status)
}

func TestConcurrentAddEntryPositionsAreUnique(t *testing.T) {
	const n = 64
	q := newTestQueue(t, n, 0)

	var wg sync.WaitGroup
	positions := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := q.AddEntry(AddEntryInput{CustomerID: "c", CustomerName: "guest"})
			if err != nil {
				t.Errorf("add entry: %v", err)
				return
			}
			positions <- entry.Position
		}()
	}
	wg.Wait()
	close(positions)

	var got []int
	for p := range positions {
		got = append(got, p)
	}
	sort.Ints(got)
	require.Len(t, got, n)
	for i, p := range got {
		assert.Equal(t, i+1, p)
	}

	_, err := q.AddEntry(AddEntryInput{CustomerID: "c", CustomerName: "late"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestEstimatedWaitUsesWaitingRank(t *testing.T) {
	q := newTestQueue(t, 10, 0)
	alice := addCustomer(t, q, "Alice")
	bob := addCustomer(t, q, "Bob")
	carol := addCustomer(t, q, "Carol")

	_, err := q.Cancel(alice.EntryID, baseTime)
	require.NoError(t, err)

	rank, ok := q.WaitingRank(carol.EntryID)
	require.True(t, ok)
	assert.Equal(t, 2, rank)

	minutes, err := q.EstimatedWaitMinutes(carol.EntryID, 15, 1)
	require.NoError(t, err)
	assert.Equal(t, 30, minutes)

	minutes, err = q.EstimatedWaitMinutes(bob.EntryID, 15, 0)
	require.NoError(t, err)
	assert.Equal(t, UnknownWait, minutes)

	minutes, err = q.EstimatedWaitMinutes(alice.EntryID, 15, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, minutes)
}

func TestLateEntriesExpireOnCallNext(t *testing.T) {
	q := newTestQueue(t, 10, 15*time.Minute)
	alice := addCustomer(t, q, "Alice")
	bob := addCustomer(t, q, "Bob")

	_, err := q.CallNext("staff-1", baseTime)
	require.NoError(t, err)

	_, err = q.MarkNoShow(alice.EntryID, baseTime.Add(14*time.Minute))
	assert.ErrorIs(t, err, ErrLateCapNotReached)

	next, err := q.CallNext("staff-1", baseTime.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, bob.EntryID, next.EntryID)

	current, _ := q.Entry(alice.EntryID)
	assert.Equal(t, StatusNoShow, current.Status)
	assert.NotNil(t, current.CancelledAt)
	assert.Nil(t, current.CompletedAt)
}

func TestMarkNoShow(t *testing.T) {
	q := newTestQueue(t, 10, 10*time.Minute)
	alice := addCustomer(t, q, "Alice")

	_, err := q.MarkNoShow(alice.EntryID, baseTime)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = q.CallNext("staff-1", baseTime)
	require.NoError(t, err)

	entry, err := q.MarkNoShow(alice.EntryID, baseTime.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, entry.Status)
}

func TestZeroLateCapNeverExpires(t *testing.T) {
	q := newTestQueue(t, 10, 0)
	addCustomer(t, q, "Alice")
	_, err := q.CallNext("staff-1", baseTime)
	require.NoError(t, err)

	assert.Empty(t, q.ExpireLateEntries(baseTime.Add(24*time.Hour)))
}

func TestSnapshotRoundTripKeepsIdentity(t *testing.T) {
	q := newTestQueue(t, 10, 5*time.Minute)
	alice := addCustomer(t, q, "Alice")
	addCustomer(t, q, "Bob")

	snap := q.Snapshot()
	snap.Version = 7
	snap.Entries[0], snap.Entries[1] = snap.Entries[1], snap.Entries[0]

	restored := Rehydrate(snap)
	assert.Equal(t, q.ID(), restored.ID())
	assert.Equal(t, int64(7), restored.Version())
	assert.Equal(t, 5*time.Minute, restored.LateClientCap())
	entries := restored.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, alice.EntryID, entries[0].EntryID)

	carol, err := restored.AddEntry(AddEntryInput{CustomerID: "c", CustomerName: "Carol"})
	require.NoError(t, err)
	assert.Equal(t, 3, carol.Position)
}

func TestDayTruncatesToCalendarDate(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	local := time.Date(2026, 3, 2, 23, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Day(local))
}

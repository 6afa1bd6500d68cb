package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is the aggregate root for one location on one calendar day. All
// methods are safe for concurrent use; positions handed out by AddEntry are
// unique and strictly increasing for the lifetime of the instance.
type Queue struct {
	mu sync.Mutex

	id              string
	locationID      string
	date            time.Time
	active          bool
	maxSize         int
	lateClientCap   time.Duration
	createdAt       time.Time
	activeChangedBy string
	activeChangedAt *time.Time
	version         int64
	entries         []Entry
}

type Params struct {
	QueueID       string
	LocationID    string
	Date          time.Time
	MaxSize       int
	LateClientCap time.Duration
	CreatedAt     time.Time
}

type AddEntryInput struct {
	EntryID       string
	CustomerID    string
	CustomerName  string
	StaffID       *string
	ServiceTypeID *string
	Notes         string
	EnteredAt     time.Time
}

func New(p Params) (*Queue, error) {
	if p.MaxSize <= 0 {
		return nil, ErrInvalidCapacity
	}
	if p.LateClientCap < 0 {
		p.LateClientCap = 0
	}
	id := p.QueueID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return &Queue{
		id:            id,
		locationID:    p.LocationID,
		date:          Day(p.Date),
		active:        true,
		maxSize:       p.MaxSize,
		lateClientCap: p.LateClientCap,
		createdAt:     createdAt,
	}, nil
}

// Day truncates t to its calendar date, keeping the date as seen in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (q *Queue) ID() string         { return q.id }
func (q *Queue) LocationID() string { return q.locationID }
func (q *Queue) Date() time.Time    { return q.date }

func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *Queue) MaxSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize
}

func (q *Queue) LateClientCap() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lateClientCap
}

// Version is the persisted revision the aggregate was loaded at.
func (q *Queue) Version() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.version
}

// Entries returns copies of all entries ordered by position.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	for i := range q.entries {
		out[i] = q.entries[i].clone()
	}
	return out
}

func (q *Queue) Entry(entryID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(entryID)
	if idx < 0 {
		return Entry{}, false
	}
	return q.entries[idx].clone(), true
}

// ActiveCount counts entries in waiting, called or checked-in status.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount()
}

func (q *Queue) AddEntry(input AddEntryInput) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.active {
		return Entry{}, ErrInactiveQueue
	}
	if q.activeCount() >= q.maxSize {
		return Entry{}, fmt.Errorf("%w: %d of %d places taken", ErrCapacityExceeded, q.activeCount(), q.maxSize)
	}

	entryID := input.EntryID
	if entryID == "" {
		entryID = uuid.NewString()
	}
	enteredAt := input.EnteredAt
	if enteredAt.IsZero() {
		enteredAt = time.Now().UTC()
	}

	entry := Entry{
		EntryID:       entryID,
		QueueID:       q.id,
		CustomerID:    input.CustomerID,
		CustomerName:  input.CustomerName,
		Position:      q.lastPosition() + 1,
		Status:        StatusWaiting,
		StaffID:       copyString(input.StaffID),
		ServiceTypeID: copyString(input.ServiceTypeID),
		Notes:         input.Notes,
		EnteredAt:     enteredAt,
	}
	q.entries = append(q.entries, entry)
	return entry.clone(), nil
}

// CallNext expires late called entries, then moves the lowest-positioned
// waiting entry to called.
func (q *Queue) CallNext(staffID string, at time.Time) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireLate(at)
	for i := range q.entries {
		if q.entries[i].Status != StatusWaiting {
			continue
		}
		if err := q.entries[i].call(staffID, at); err != nil {
			return Entry{}, err
		}
		return q.entries[i].clone(), nil
	}
	return Entry{}, ErrEmptyQueue
}

func (q *Queue) CheckIn(entryID string, at time.Time) (Entry, error) {
	return q.mutate(entryID, func(e *Entry) error {
		return e.checkIn(at)
	})
}

func (q *Queue) Complete(entryID string, serviceMinutes int, notes string, at time.Time) (Entry, error) {
	return q.mutate(entryID, func(e *Entry) error {
		return e.complete(serviceMinutes, notes, at)
	})
}

func (q *Queue) Cancel(entryID string, at time.Time) (Entry, error) {
	return q.mutate(entryID, func(e *Entry) error {
		return e.cancel(at)
	})
}

// MarkNoShow closes a called entry whose late-client cap has elapsed.
func (q *Queue) MarkNoShow(entryID string, at time.Time) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(entryID)
	if idx < 0 {
		return Entry{}, ErrEntryNotFound
	}
	entry := &q.entries[idx]
	if entry.Status == StatusCalled && !q.lateCapElapsed(*entry, at) {
		return Entry{}, ErrLateCapNotReached
	}
	if err := entry.noShow(at); err != nil {
		return Entry{}, err
	}
	return entry.clone(), nil
}

// ExpireLateEntries marks every called entry past the late-client cap as
// no-show and returns the affected entries.
func (q *Queue) ExpireLateEntries(at time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.expireLate(at)
}

func (q *Queue) Activate(actor string, at time.Time) {
	q.setActive(true, actor, at)
}

func (q *Queue) Deactivate(actor string, at time.Time) {
	q.setActive(false, actor, at)
}

func (q *Queue) setActive(active bool, actor string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = active
	q.activeChangedBy = actor
	q.activeChangedAt = timePtr(at)
}

// WaitingRank is the 1-based rank of entryID among waiting and called entries.
func (q *Queue) WaitingRank(entryID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitingRank(entryID)
}

// EstimatedWaitMinutes returns the estimate for entryID, 0 for entries no
// longer waiting, or UnknownWait when activeStaff is zero.
func (q *Queue) EstimatedWaitMinutes(entryID string, averageServiceMinutes float64, activeStaff int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexOf(entryID) < 0 {
		return 0, ErrEntryNotFound
	}
	rank, ok := q.waitingRank(entryID)
	if !ok {
		return 0, nil
	}
	return EstimateWaitMinutes(rank, averageServiceMinutes, activeStaff), nil
}

func (q *Queue) mutate(entryID string, fn func(e *Entry) error) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(entryID)
	if idx < 0 {
		return Entry{}, ErrEntryNotFound
	}
	if err := fn(&q.entries[idx]); err != nil {
		return Entry{}, err
	}
	return q.entries[idx].clone(), nil
}

func (q *Queue) expireLate(at time.Time) []Entry {
	var expired []Entry
	for i := range q.entries {
		if q.entries[i].Status != StatusCalled || !q.lateCapElapsed(q.entries[i], at) {
			continue
		}
		if err := q.entries[i].noShow(at); err != nil {
			continue
		}
		expired = append(expired, q.entries[i].clone())
	}
	return expired
}

func (q *Queue) lateCapElapsed(entry Entry, at time.Time) bool {
	if q.lateClientCap <= 0 || entry.CalledAt == nil {
		return false
	}
	return !at.Before(entry.CalledAt.Add(q.lateClientCap))
}

func (q *Queue) waitingRank(entryID string) (int, bool) {
	rank := 0
	for i := range q.entries {
		status := q.entries[i].Status
		if status != StatusWaiting && status != StatusCalled {
			continue
		}
		rank++
		if q.entries[i].EntryID == entryID {
			return rank, true
		}
	}
	return 0, false
}

func (q *Queue) activeCount() int {
	count := 0
	for i := range q.entries {
		if !q.entries[i].Status.Terminal() {
			count++
		}
	}
	return count
}

func (q *Queue) lastPosition() int {
	last := 0
	for i := range q.entries {
		if q.entries[i].Position > last {
			last = q.entries[i].Position
		}
	}
	return last
}

func (q *Queue) indexOf(entryID string) int {
	for i := range q.entries {
		if q.entries[i].EntryID == entryID {
			return i
		}
	}
	return -1
}

func sortByPosition(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Position < entries[j].Position
	})
}

package queue

import "time"

// Snapshot is the persisted shape of a Queue. Storage adapters read it with
// Queue.Snapshot and rebuild the aggregate, identity included, with Rehydrate.
type Snapshot struct {
	QueueID         string        `json:"queue_id"`
	LocationID      string        `json:"location_id"`
	Date            time.Time     `json:"date"`
	Active          bool          `json:"active"`
	MaxSize         int           `json:"max_size"`
	LateClientCap   time.Duration `json:"late_client_cap"`
	CreatedAt       time.Time     `json:"created_at"`
	ActiveChangedBy string        `json:"active_changed_by,omitempty"`
	ActiveChangedAt *time.Time    `json:"active_changed_at,omitempty"`
	Version         int64         `json:"version"`
	Entries         []Entry       `json:"entries"`
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]Entry, len(q.entries))
	for i := range q.entries {
		entries[i] = q.entries[i].clone()
	}
	return Snapshot{
		QueueID:         q.id,
		LocationID:      q.locationID,
		Date:            q.date,
		Active:          q.active,
		MaxSize:         q.maxSize,
		LateClientCap:   q.lateClientCap,
		CreatedAt:       q.createdAt,
		ActiveChangedBy: q.activeChangedBy,
		ActiveChangedAt: copyTime(q.activeChangedAt),
		Version:         q.version,
		Entries:         entries,
	}
}

// Rehydrate rebuilds a Queue from persisted state. It is meant for storage
// adapters only; callers creating a new queue use New.
func Rehydrate(s Snapshot) *Queue {
	entries := make([]Entry, len(s.Entries))
	for i := range s.Entries {
		entries[i] = s.Entries[i].clone()
		entries[i].QueueID = s.QueueID
	}
	sortByPosition(entries)
	return &Queue{
		id:              s.QueueID,
		locationID:      s.LocationID,
		date:            Day(s.Date),
		active:          s.Active,
		maxSize:         s.MaxSize,
		lateClientCap:   s.LateClientCap,
		createdAt:       s.CreatedAt,
		activeChangedBy: s.ActiveChangedBy,
		activeChangedAt: copyTime(s.ActiveChangedAt),
		version:         s.Version,
		entries:         entries,
	}
}

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/store"
)

// Store keeps queues, customers and staff in process memory. Each Store is
// independent; its lifetime belongs to whoever constructs it. Units of work
// are optimistic: reads see committed state, and commit rejects a queue whose
// revision moved since it was read.
type Store struct {
	mu        sync.RWMutex
	queues    map[string]queue.Snapshot
	days      map[string]string
	entries   map[string]string
	customers map[string]models.Customer
	staff     map[string]models.StaffMember
}

func New() *Store {
	return &Store{
		queues:    make(map[string]queue.Snapshot),
		days:      make(map[string]string),
		entries:   make(map[string]string),
		customers: make(map[string]models.Customer),
		staff:     make(map[string]models.StaffMember),
	}
}

func dayKey(locationID string, date time.Time) string {
	return locationID + "|" + queue.Day(date).Format("2006-01-02")
}

// PutStaff inserts or replaces a staff record.
func (s *Store) PutStaff(member models.StaffMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staff[member.StaffID] = member
}

// QueueSnapshot returns the committed state of a queue.
func (s *Store) QueueSnapshot(queueID string) (queue.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.queues[queueID]
	if !ok {
		return queue.Snapshot{}, false
	}
	return queue.Rehydrate(snap).Snapshot(), true
}

func (s *Store) Customers() []models.Customer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Customer, 0, len(s.customers))
	for _, customer := range s.customers {
		out = append(out, customer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) ListStaff(ctx context.Context, locationID string) ([]models.StaffMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var members []models.StaffMember
	for _, member := range s.staff {
		if member.LocationID == locationID {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].StaffID < members[j].StaffID })
	return members, nil
}

func (s *Store) GetStaff(ctx context.Context, staffID string) (models.StaffMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	member, ok := s.staff[staffID]
	if !ok {
		return models.StaffMember{}, store.ErrStaffNotFound
	}
	return member, nil
}

func (s *Store) AverageServiceMinutes(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	count := 0
	for _, snap := range s.queues {
		if snap.LocationID != locationID {
			continue
		}
		for _, entry := range snap.Entries {
			if entry.Status != queue.StatusCompleted || entry.ServiceMinutes == nil || entry.CompletedAt == nil {
				continue
			}
			if entry.CompletedAt.Before(since) {
				continue
			}
			total += *entry.ServiceMinutes
			count++
		}
	}
	if count == 0 {
		return 0, false, nil
	}
	return float64(total) / float64(count), true, nil
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, snap := range t.created {
		if _, exists := s.queues[id]; exists {
			return fmt.Errorf("%w: queue %s already created", store.ErrConflict, id)
		}
		if _, taken := s.days[dayKey(snap.LocationID, snap.Date)]; taken {
			return fmt.Errorf("%w: location %s already has a queue for %s", store.ErrConflict, snap.LocationID, snap.Date.Format("2006-01-02"))
		}
	}
	for id, snap := range t.saved {
		stored, ok := s.queues[id]
		if !ok {
			return store.ErrQueueNotFound
		}
		if stored.Version != snap.Version {
			return fmt.Errorf("%w: queue %s at version %d, expected %d", store.ErrConflict, id, stored.Version, snap.Version)
		}
	}
	for id, customer := range t.customers {
		if !t.newCustomers[id] || customer.Phone == "" {
			continue
		}
		for _, existing := range s.customers {
			if existing.Phone == customer.Phone {
				return fmt.Errorf("%w: phone already registered", store.ErrConflict)
			}
		}
	}

	for id, snap := range t.created {
		s.queues[id] = snap
		s.days[dayKey(snap.LocationID, snap.Date)] = id
		s.indexEntries(snap)
	}
	for id, snap := range t.saved {
		snap.Version++
		s.queues[id] = snap
		s.indexEntries(snap)
	}
	for id, customer := range t.customers {
		s.customers[id] = customer
	}
	return nil
}

func (s *Store) indexEntries(snap queue.Snapshot) {
	for _, entry := range snap.Entries {
		s.entries[entry.EntryID] = snap.QueueID
	}
}

type tx struct {
	store        *Store
	created      map[string]queue.Snapshot
	saved        map[string]queue.Snapshot
	customers    map[string]models.Customer
	newCustomers map[string]bool
}

func newTx(s *Store) *tx {
	return &tx{
		store:        s,
		created:      make(map[string]queue.Snapshot),
		saved:        make(map[string]queue.Snapshot),
		customers:    make(map[string]models.Customer),
		newCustomers: make(map[string]bool),
	}
}

func (t *tx) FindCustomerByPhone(ctx context.Context, phone string) (models.Customer, bool, error) {
	return t.findCustomer(func(c models.Customer) bool { return phone != "" && c.Phone == phone })
}

func (t *tx) FindCustomerByEmail(ctx context.Context, email string) (models.Customer, bool, error) {
	return t.findCustomer(func(c models.Customer) bool { return email != "" && c.Email == email })
}

func (t *tx) findCustomer(match func(models.Customer) bool) (models.Customer, bool, error) {
	for _, customer := range t.customers {
		if match(customer) {
			return customer, true, nil
		}
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, customer := range t.store.customers {
		if match(customer) {
			if pending, ok := t.customers[customer.CustomerID]; ok {
				return pending, true, nil
			}
			return customer, true, nil
		}
	}
	return models.Customer{}, false, nil
}

func (t *tx) CreateCustomer(ctx context.Context, customer models.Customer) error {
	t.customers[customer.CustomerID] = customer
	t.newCustomers[customer.CustomerID] = true
	return nil
}

func (t *tx) UpdateCustomerName(ctx context.Context, customerID, name string, updatedAt time.Time) error {
	customer, ok := t.customers[customerID]
	if !ok {
		t.store.mu.RLock()
		customer, ok = t.store.customers[customerID]
		t.store.mu.RUnlock()
	}
	if !ok {
		return store.ErrCustomerNotFound
	}
	customer.Name = name
	customer.UpdatedAt = updatedAt
	t.customers[customerID] = customer
	return nil
}

func (t *tx) GetQueue(ctx context.Context, queueID string) (*queue.Queue, error) {
	if snap, ok := t.pending(queueID); ok {
		return queue.Rehydrate(snap), nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	snap, ok := t.store.queues[queueID]
	if !ok {
		return nil, store.ErrQueueNotFound
	}
	return queue.Rehydrate(snap), nil
}

func (t *tx) FindQueue(ctx context.Context, locationID string, date time.Time) (*queue.Queue, bool, error) {
	key := dayKey(locationID, date)
	for _, snap := range t.created {
		if dayKey(snap.LocationID, snap.Date) == key {
			return queue.Rehydrate(snap), true, nil
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.days[key]
	t.store.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	q, err := t.GetQueue(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return q, true, nil
}

func (t *tx) FindQueueByEntry(ctx context.Context, entryID string) (*queue.Queue, error) {
	for _, pending := range []map[string]queue.Snapshot{t.saved, t.created} {
		for _, snap := range pending {
			for _, entry := range snap.Entries {
				if entry.EntryID == entryID {
					return queue.Rehydrate(snap), nil
				}
			}
		}
	}
	t.store.mu.RLock()
	id, ok := t.store.entries[entryID]
	t.store.mu.RUnlock()
	if !ok {
		return nil, queue.ErrEntryNotFound
	}
	return t.GetQueue(ctx, id)
}

func (t *tx) CreateQueue(ctx context.Context, q *queue.Queue) error {
	if _, found, err := t.FindQueue(ctx, q.LocationID(), q.Date()); err != nil {
		return err
	} else if found {
		return store.ErrQueueExists
	}
	t.created[q.ID()] = q.Snapshot()
	return nil
}

func (t *tx) SaveQueue(ctx context.Context, q *queue.Queue) error {
	snap := q.Snapshot()
	if _, ok := t.created[snap.QueueID]; ok {
		t.created[snap.QueueID] = snap
		return nil
	}
	t.saved[snap.QueueID] = snap
	return nil
}

func (t *tx) pending(queueID string) (queue.Snapshot, bool) {
	if snap, ok := t.saved[queueID]; ok {
		return snap, true
	}
	snap, ok := t.created[queueID]
	return snap, ok
}

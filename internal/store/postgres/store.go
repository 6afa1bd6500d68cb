package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return classifyError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classifyError(err)
	}
	return nil
}

// classifyError maps serialization failures, deadlocks and unique violations
// to store.ErrConflict. Everything else passes through unchanged.
func classifyError(err error) error {
	if err == nil || errors.Is(err, store.ErrConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
			return fmt.Errorf("%w: %s (%s)", store.ErrConflict, pgErr.Message, pgErr.Code)
		}
	}
	return err
}

func (s *Store) ListStaff(ctx context.Context, locationID string) ([]models.StaffMember, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT staff_id, location_id, name, active, on_duty, break_start, break_minutes
		FROM staff_members
		WHERE location_id = $1
		ORDER BY staff_id
	`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []models.StaffMember
	for rows.Next() {
		member, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) GetStaff(ctx context.Context, staffID string) (models.StaffMember, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT staff_id, location_id, name, active, on_duty, break_start, break_minutes
		FROM staff_members
		WHERE staff_id = $1
	`, staffID)
	member, err := scanStaff(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.StaffMember{}, store.ErrStaffNotFound
		}
		return models.StaffMember{}, err
	}
	return member, nil
}

func (s *Store) AverageServiceMinutes(ctx context.Context, locationID string, since time.Time) (float64, bool, error) {
	var avg sql.NullFloat64
	row := s.pool.QueryRow(ctx, `
		SELECT AVG(e.service_minutes)::float8
		FROM walkin_queue_entries e
		JOIN walkin_queues q ON q.queue_id = e.queue_id
		WHERE q.location_id = $1
		  AND e.status = 'completed'
		  AND e.service_minutes IS NOT NULL
		  AND e.completed_at >= $2
	`, locationID, since)
	if err := row.Scan(&avg); err != nil {
		return 0, false, err
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) FindCustomerByPhone(ctx context.Context, phone string) (models.Customer, bool, error) {
	if phone == "" {
		return models.Customer{}, false, nil
	}
	return t.findCustomer(ctx, "phone", phone)
}

func (t *pgTx) FindCustomerByEmail(ctx context.Context, email string) (models.Customer, bool, error) {
	if email == "" {
		return models.Customer{}, false, nil
	}
	return t.findCustomer(ctx, "email", email)
}

func (t *pgTx) findCustomer(ctx context.Context, column, value string) (models.Customer, bool, error) {
	var customer models.Customer
	var phone, email, userID sql.NullString
	row := t.tx.QueryRow(ctx, `
		SELECT customer_id, name, phone, email, anonymous, user_id, created_at, updated_at
		FROM customers
		WHERE `+column+` = $1
		ORDER BY created_at ASC
		LIMIT 1
	`, value)
	if err := row.Scan(&customer.CustomerID, &customer.Name, &phone, &email, &customer.Anonymous, &userID, &customer.CreatedAt, &customer.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Customer{}, false, nil
		}
		return models.Customer{}, false, err
	}
	customer.Phone = phone.String
	customer.Email = email.String
	customer.UserID = nullStringPtr(userID)
	return customer, true, nil
}

func (t *pgTx) CreateCustomer(ctx context.Context, customer models.Customer) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO customers (customer_id, name, phone, email, anonymous, user_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, customer.CustomerID, customer.Name, nullIfEmpty(customer.Phone), nullIfEmpty(customer.Email), customer.Anonymous, customer.UserID, customer.CreatedAt, customer.UpdatedAt)
	return err
}

func (t *pgTx) UpdateCustomerName(ctx context.Context, customerID, name string, updatedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE customers SET name = $2, updated_at = $3 WHERE customer_id = $1
	`, customerID, name, updatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCustomerNotFound
	}
	return nil
}

func (t *pgTx) GetQueue(ctx context.Context, queueID string) (*queue.Queue, error) {
	row := t.tx.QueryRow(ctx, queueColumns+` WHERE queue_id = $1`, queueID)
	snap, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrQueueNotFound
		}
		return nil, err
	}
	return t.load(ctx, snap)
}

func (t *pgTx) FindQueue(ctx context.Context, locationID string, date time.Time) (*queue.Queue, bool, error) {
	row := t.tx.QueryRow(ctx, queueColumns+` WHERE location_id = $1 AND queue_date = $2`, locationID, queue.Day(date))
	snap, err := scanQueue(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	q, err := t.load(ctx, snap)
	if err != nil {
		return nil, false, err
	}
	return q, true, nil
}

func (t *pgTx) FindQueueByEntry(ctx context.Context, entryID string) (*queue.Queue, error) {
	var queueID string
	row := t.tx.QueryRow(ctx, `SELECT queue_id FROM walkin_queue_entries WHERE entry_id = $1`, entryID)
	if err := row.Scan(&queueID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrEntryNotFound
		}
		return nil, err
	}
	return t.GetQueue(ctx, queueID)
}

func (t *pgTx) CreateQueue(ctx context.Context, q *queue.Queue) error {
	if _, found, err := t.FindQueue(ctx, q.LocationID(), q.Date()); err != nil {
		return err
	} else if found {
		return store.ErrQueueExists
	}
	snap := q.Snapshot()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO walkin_queues (
			queue_id, location_id, queue_date, active, max_size, late_client_cap_minutes,
			active_changed_by, active_changed_at, version, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, snap.QueueID, snap.LocationID, snap.Date, snap.Active, snap.MaxSize, int(snap.LateClientCap/time.Minute),
		nullIfEmpty(snap.ActiveChangedBy), snap.ActiveChangedAt, snap.Version, snap.CreatedAt)
	if err != nil {
		return err
	}
	return t.upsertEntries(ctx, snap.Entries)
}

func (t *pgTx) SaveQueue(ctx context.Context, q *queue.Queue) error {
	snap := q.Snapshot()
	tag, err := t.tx.Exec(ctx, `
		UPDATE walkin_queues
		SET active = $3, max_size = $4, late_client_cap_minutes = $5,
			active_changed_by = $6, active_changed_at = $7, version = version + 1
		WHERE queue_id = $1 AND version = $2
	`, snap.QueueID, snap.Version, snap.Active, snap.MaxSize, int(snap.LateClientCap/time.Minute),
		nullIfEmpty(snap.ActiveChangedBy), snap.ActiveChangedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM walkin_queues WHERE queue_id = $1)`, snap.QueueID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrQueueNotFound
		}
		return fmt.Errorf("%w: queue %s changed since version %d", store.ErrConflict, snap.QueueID, snap.Version)
	}
	return t.upsertEntries(ctx, snap.Entries)
}

func (t *pgTx) upsertEntries(ctx context.Context, entries []queue.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO walkin_queue_entries (
				entry_id, queue_id, customer_id, customer_name, position, status, staff_id, service_type_id,
				notes, entered_at, called_at, checked_in_at, completed_at, cancelled_at, service_minutes
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (entry_id) DO UPDATE SET
				status = EXCLUDED.status,
				staff_id = EXCLUDED.staff_id,
				notes = EXCLUDED.notes,
				called_at = EXCLUDED.called_at,
				checked_in_at = EXCLUDED.checked_in_at,
				completed_at = EXCLUDED.completed_at,
				cancelled_at = EXCLUDED.cancelled_at,
				service_minutes = EXCLUDED.service_minutes
		`, e.EntryID, e.QueueID, e.CustomerID, e.CustomerName, e.Position, string(e.Status), e.StaffID, e.ServiceTypeID,
			e.Notes, e.EnteredAt, e.CalledAt, e.CheckedInAt, e.CompletedAt, e.CancelledAt, e.ServiceMinutes)
	}
	results := t.tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func (t *pgTx) load(ctx context.Context, snap queue.Snapshot) (*queue.Queue, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT entry_id, queue_id, customer_id, customer_name, position, status, staff_id, service_type_id,
			notes, entered_at, called_at, checked_in_at, completed_at, cancelled_at, service_minutes
		FROM walkin_queue_entries
		WHERE queue_id = $1
		ORDER BY position ASC
	`, snap.QueueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e queue.Entry
		var status string
		var staffID, serviceTypeID sql.NullString
		var calledAt, checkedInAt, completedAt, cancelledAt sql.NullTime
		var minutes sql.NullInt32
		if err := rows.Scan(&e.EntryID, &e.QueueID, &e.CustomerID, &e.CustomerName, &e.Position, &status, &staffID, &serviceTypeID,
			&e.Notes, &e.EnteredAt, &calledAt, &checkedInAt, &completedAt, &cancelledAt, &minutes); err != nil {
			return nil, err
		}
		e.Status = queue.Status(status)
		e.StaffID = nullStringPtr(staffID)
		e.ServiceTypeID = nullStringPtr(serviceTypeID)
		e.CalledAt = nullTimePtr(calledAt)
		e.CheckedInAt = nullTimePtr(checkedInAt)
		e.CompletedAt = nullTimePtr(completedAt)
		e.CancelledAt = nullTimePtr(cancelledAt)
		if minutes.Valid {
			value := int(minutes.Int32)
			e.ServiceMinutes = &value
		}
		snap.Entries = append(snap.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return queue.Rehydrate(snap), nil
}

const queueColumns = `
	SELECT queue_id, location_id, queue_date, active, max_size, late_client_cap_minutes,
		active_changed_by, active_changed_at, version, created_at
	FROM walkin_queues`

func scanQueue(row pgx.Row) (queue.Snapshot, error) {
	var snap queue.Snapshot
	var lateCapMinutes int
	var changedBy sql.NullString
	var changedAt sql.NullTime
	if err := row.Scan(&snap.QueueID, &snap.LocationID, &snap.Date, &snap.Active, &snap.MaxSize, &lateCapMinutes,
		&changedBy, &changedAt, &snap.Version, &snap.CreatedAt); err != nil {
		return queue.Snapshot{}, err
	}
	snap.LateClientCap = time.Duration(lateCapMinutes) * time.Minute
	snap.ActiveChangedBy = changedBy.String
	snap.ActiveChangedAt = nullTimePtr(changedAt)
	return snap, nil
}

func scanStaff(row pgx.Row) (models.StaffMember, error) {
	var member models.StaffMember
	var breakStart sql.NullTime
	var breakMinutes int
	if err := row.Scan(&member.StaffID, &member.LocationID, &member.Name, &member.Active, &member.OnDuty, &breakStart, &breakMinutes); err != nil {
		return models.StaffMember{}, err
	}
	member.BreakStart = nullTimePtr(breakStart)
	member.BreakDuration = time.Duration(breakMinutes) * time.Minute
	return member, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

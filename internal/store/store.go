package store

import (
	"context"
	"time"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/queue"
)

// Tx is one unit of work. Writes made through it become visible only when
// the enclosing InTx call returns nil.
type Tx interface {
	FindCustomerByPhone(ctx context.Context, phone string) (models.Customer, bool, error)
	FindCustomerByEmail(ctx context.Context, email string) (models.Customer, bool, error)
	CreateCustomer(ctx context.Context, customer models.Customer) error
	UpdateCustomerName(ctx context.Context, customerID, name string, updatedAt time.Time) error

	GetQueue(ctx context.Context, queueID string) (*queue.Queue, error)
	FindQueue(ctx context.Context, locationID string, date time.Time) (*queue.Queue, bool, error)
	FindQueueByEntry(ctx context.Context, entryID string) (*queue.Queue, error)
	// CreateQueue returns ErrQueueExists when the location already has a
	// queue for that date.
	CreateQueue(ctx context.Context, q *queue.Queue) error
	// SaveQueue persists q if the stored revision still equals q.Version(),
	// and returns ErrConflict otherwise.
	SaveQueue(ctx context.Context, q *queue.Queue) error
}

type Store interface {
	// InTx runs fn in a unit of work, committing when fn returns nil. Commit
	// failures caused by concurrent writers are reported as ErrConflict.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	ListStaff(ctx context.Context, locationID string) ([]models.StaffMember, error)
	GetStaff(ctx context.Context, staffID string) (models.StaffMember, error)
	AverageServiceMinutes(ctx context.Context, locationID string, since time.Time) (float64, bool, error)
}

package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"qms/walkin-service/internal/models"
	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/store"
)

// JoinRequest targets a queue directly or, through LocationID, the
// location's queue for today.
type JoinRequest struct {
	QueueID       string `json:"queue_id" validate:"omitempty,uuid"`
	LocationID    string `json:"location_id" validate:"omitempty,uuid"`
	CustomerName  string `json:"customer_name" validate:"required,max=200"`
	Phone         string `json:"phone" validate:"omitempty,max=32"`
	Email         string `json:"email" validate:"omitempty,email,max=254"`
	StaffID       string `json:"staff_id" validate:"omitempty,uuid"`
	ServiceTypeID string `json:"service_type_id" validate:"omitempty,uuid"`
	Notes         string `json:"notes" validate:"max=1000"`
}

type JoinResult struct {
	EntryID              string       `json:"entry_id"`
	QueueID              string       `json:"queue_id"`
	CustomerID           string       `json:"customer_id"`
	Position             int          `json:"position"`
	Status               queue.Status `json:"status"`
	EstimatedWaitMinutes int          `json:"estimated_wait_minutes"`
}

// JoinQueue resolves or creates the customer, finds the target queue and
// appends an entry, all in one unit of work retried on write conflicts.
func (s *Service) JoinQueue(ctx context.Context, req JoinRequest) (result JoinResult, err error) {
	ctx, span := s.startSpan(ctx, "JoinQueue",
		attribute.String("queue.id", req.QueueID),
		attribute.String("location.id", req.LocationID),
	)
	defer func() { err = s.finish(span, "join", err) }()

	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validate.Struct(req); err != nil {
		return JoinResult{}, err
	}
	if req.QueueID == "" && req.LocationID == "" {
		return JoinResult{}, validationError("queue_id or location_id is required")
	}

	var joined *queue.Queue
	err = s.inTx(ctx, "join", func(ctx context.Context, tx store.Tx) error {
		now := s.now()
		customer, err := s.resolveCustomer(ctx, tx, req, now)
		if err != nil {
			return err
		}
		q, created, err := s.targetQueue(ctx, tx, req, now)
		if err != nil {
			return err
		}
		entry, err := q.AddEntry(queue.AddEntryInput{
			CustomerID:    customer.CustomerID,
			CustomerName:  req.CustomerName,
			StaffID:       optional(req.StaffID),
			ServiceTypeID: optional(req.ServiceTypeID),
			Notes:         req.Notes,
			EnteredAt:     now,
		})
		if err != nil {
			return err
		}
		if created {
			err = tx.CreateQueue(ctx, q)
		} else {
			err = tx.SaveQueue(ctx, q)
		}
		if err != nil {
			return err
		}
		joined = q
		result = JoinResult{
			EntryID:    entry.EntryID,
			QueueID:    q.ID(),
			CustomerID: customer.CustomerID,
			Position:   entry.Position,
			Status:     entry.Status,
		}
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}

	result.EstimatedWaitMinutes = s.estimate(ctx, joined, result.EntryID)
	s.logger.Info("customer joined queue",
		zap.String("queue_id", result.QueueID),
		zap.String("entry_id", result.EntryID),
		zap.Int("position", result.Position),
	)
	return result, nil
}

// resolveCustomer matches by phone, then email, and refreshes the stored name
// on a repeat visit. Without contact details the customer is anonymous.
func (s *Service) resolveCustomer(ctx context.Context, tx store.Tx, req JoinRequest, now time.Time) (models.Customer, error) {
	var (
		customer models.Customer
		found    bool
		err      error
	)
	if req.Phone != "" {
		customer, found, err = tx.FindCustomerByPhone(ctx, req.Phone)
		if err != nil {
			return models.Customer{}, err
		}
	}
	if !found && req.Email != "" {
		customer, found, err = tx.FindCustomerByEmail(ctx, req.Email)
		if err != nil {
			return models.Customer{}, err
		}
	}
	if found {
		if customer.Name != req.CustomerName {
			if err := tx.UpdateCustomerName(ctx, customer.CustomerID, req.CustomerName, now); err != nil {
				return models.Customer{}, err
			}
			customer.Name = req.CustomerName
			customer.UpdatedAt = now
		}
		return customer, nil
	}

	customer = models.Customer{
		CustomerID: uuid.NewString(),
		Name:       req.CustomerName,
		Phone:      req.Phone,
		Email:      req.Email,
		Anonymous:  req.Phone == "" && req.Email == "",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.CreateCustomer(ctx, customer); err != nil {
		return models.Customer{}, err
	}
	return customer, nil
}

// targetQueue loads the queue to join. created reports a queue opened in this
// unit of work that still has to be inserted.
func (s *Service) targetQueue(ctx context.Context, tx store.Tx, req JoinRequest, now time.Time) (*queue.Queue, bool, error) {
	if req.QueueID != "" {
		q, err := tx.GetQueue(ctx, req.QueueID)
		return q, false, err
	}
	date := s.today(now)
	q, found, err := tx.FindQueue(ctx, req.LocationID, date)
	if err != nil {
		return nil, false, err
	}
	if found {
		return q, false, nil
	}
	if !s.opts.AutoCreateQueue {
		return nil, false, store.ErrQueueNotFound
	}
	q, err = queue.New(queue.Params{
		LocationID:    req.LocationID,
		Date:          date,
		MaxSize:       s.opts.DefaultMaxSize,
		LateClientCap: s.opts.DefaultLateClientCap,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, false, err
	}
	return q, true, nil
}

// estimate never fails the caller; an unavailable average or staff count
// yields queue.UnknownWait.
func (s *Service) estimate(ctx context.Context, q *queue.Queue, entryID string) int {
	average, err := s.averages.AverageServiceMinutes(ctx, q.LocationID())
	if err != nil {
		s.logger.Warn("average service time unavailable", zap.String("location_id", q.LocationID()), zap.Error(err))
		return queue.UnknownWait
	}
	available, err := s.staff.AvailableCount(ctx, q.LocationID())
	if err != nil {
		s.logger.Warn("staff availability unavailable", zap.String("location_id", q.LocationID()), zap.Error(err))
		return queue.UnknownWait
	}
	minutes, err := q.EstimatedWaitMinutes(entryID, average, available)
	if err != nil {
		if !errors.Is(err, queue.ErrEntryNotFound) {
			s.logger.Warn("estimate failed", zap.String("entry_id", entryID), zap.Error(err))
		}
		return queue.UnknownWait
	}
	return minutes
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

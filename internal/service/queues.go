package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/store"
)

type CreateQueueRequest struct {
	LocationID string `json:"location_id" validate:"required,uuid"`
	// Date is a calendar day (2006-01-02); empty means today.
	Date           string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	MaxSize        *int   `json:"max_size" validate:"omitempty,min=1,max=10000"`
	LateCapMinutes *int   `json:"late_cap_minutes" validate:"omitempty,min=0,max=1440"`
}

type SetActiveRequest struct {
	Active bool   `json:"active"`
	Actor  string `json:"actor" validate:"required,max=200"`
}

func (s *Service) CreateQueue(ctx context.Context, req CreateQueueRequest) (snap queue.Snapshot, err error) {
	ctx, span := s.startSpan(ctx, "CreateQueue", attribute.String("location.id", req.LocationID))
	defer func() { err = s.finish(span, "create_queue", err) }()

	if err := s.validate.Struct(req); err != nil {
		return queue.Snapshot{}, err
	}
	now := s.now()
	date := s.today(now)
	if req.Date != "" {
		parsed, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			return queue.Snapshot{}, validationError("date must be formatted as YYYY-MM-DD")
		}
		date = parsed
	}
	params := queue.Params{
		LocationID:    req.LocationID,
		Date:          date,
		MaxSize:       s.opts.DefaultMaxSize,
		LateClientCap: s.opts.DefaultLateClientCap,
		CreatedAt:     now,
	}
	if req.MaxSize != nil {
		params.MaxSize = *req.MaxSize
	}
	if req.LateCapMinutes != nil {
		params.LateClientCap = time.Duration(*req.LateCapMinutes) * time.Minute
	}

	err = s.inTx(ctx, "create_queue", func(ctx context.Context, tx store.Tx) error {
		q, err := queue.New(params)
		if err != nil {
			return err
		}
		if err := tx.CreateQueue(ctx, q); err != nil {
			return err
		}
		snap = q.Snapshot()
		return nil
	})
	if err != nil {
		return queue.Snapshot{}, err
	}
	s.logger.Info("queue created",
		zap.String("queue_id", snap.QueueID),
		zap.String("location_id", snap.LocationID),
		zap.String("date", snap.Date.Format("2006-01-02")),
	)
	return snap, nil
}

// SetActive opens or closes a queue to new joins. Existing entries are kept.
func (s *Service) SetActive(ctx context.Context, queueID string, req SetActiveRequest) (snap queue.Snapshot, err error) {
	ctx, span := s.startSpan(ctx, "SetActive",
		attribute.String("queue.id", queueID),
		attribute.Bool("queue.active", req.Active),
	)
	defer func() { err = s.finish(span, "set_active", err) }()

	if err := s.checkID("queue_id", queueID); err != nil {
		return queue.Snapshot{}, err
	}
	if err := s.validate.Struct(req); err != nil {
		return queue.Snapshot{}, err
	}
	err = s.inTx(ctx, "set_active", func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		if req.Active {
			q.Activate(req.Actor, s.now())
		} else {
			q.Deactivate(req.Actor, s.now())
		}
		if err := tx.SaveQueue(ctx, q); err != nil {
			return err
		}
		snap = q.Snapshot()
		return nil
	})
	if err != nil {
		return queue.Snapshot{}, err
	}
	snap.Version++
	s.logger.Info("queue availability changed",
		zap.String("queue_id", queueID),
		zap.Bool("active", req.Active),
		zap.String("actor", req.Actor),
	)
	return snap, nil
}

// GetQueue returns the queue with its entries ordered by position.
func (s *Service) GetQueue(ctx context.Context, queueID string) (snap queue.Snapshot, err error) {
	ctx, span := s.startSpan(ctx, "GetQueue", attribute.String("queue.id", queueID))
	defer func() { err = s.finish(span, "get_queue", err) }()

	if err := s.checkID("queue_id", queueID); err != nil {
		return queue.Snapshot{}, err
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		snap = q.Snapshot()
		return nil
	})
	if err != nil {
		return queue.Snapshot{}, err
	}
	return snap, nil
}

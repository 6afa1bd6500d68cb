package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"qms/walkin-service/internal/queue"
	"qms/walkin-service/internal/store"
)

type CompleteRequest struct {
	ServiceMinutes int    `json:"service_minutes" validate:"min=1,max=1440"`
	Notes          string `json:"notes" validate:"max=1000"`
}

type StatusResult struct {
	EntryID              string       `json:"entry_id"`
	QueueID              string       `json:"queue_id"`
	Position             int          `json:"position"`
	Status               queue.Status `json:"status"`
	EstimatedWaitMinutes int          `json:"estimated_wait_minutes"`
}

// CallNext hands the lowest-positioned waiting entry to staffID. Called
// entries past the late-client cap are marked no-show first.
func (s *Service) CallNext(ctx context.Context, queueID, staffID string) (entry queue.Entry, err error) {
	ctx, span := s.startSpan(ctx, "CallNext",
		attribute.String("queue.id", queueID),
		attribute.String("staff.id", staffID),
	)
	defer func() { err = s.finish(span, "call_next", err) }()

	if err := s.checkID("queue_id", queueID); err != nil {
		return queue.Entry{}, err
	}
	if err := s.checkID("staff_id", staffID); err != nil {
		return queue.Entry{}, err
	}
	member, err := s.store.GetStaff(ctx, staffID)
	if err != nil {
		return queue.Entry{}, err
	}
	if !member.Available(s.now()) {
		return queue.Entry{}, ErrStaffUnavailable
	}

	var callErr error
	err = s.inTx(ctx, "call_next", func(ctx context.Context, tx store.Tx) error {
		callErr = nil
		q, err := tx.GetQueue(ctx, queueID)
		if err != nil {
			return err
		}
		if member.LocationID != q.LocationID() {
			return fmt.Errorf("%w: staff %s works at another location", ErrStaffUnavailable, staffID)
		}
		now := s.now()
		expired := q.ExpireLateEntries(now)
		called, err := q.CallNext(staffID, now)
		if err != nil {
			if len(expired) == 0 {
				return err
			}
			// Nobody left to call, but the no-shows still get committed.
			callErr = err
		}
		if err := tx.SaveQueue(ctx, q); err != nil {
			return err
		}
		s.logExpired(expired)
		entry = called
		return nil
	})
	if err != nil {
		return queue.Entry{}, err
	}
	if callErr != nil {
		return queue.Entry{}, callErr
	}
	return entry, nil
}

func (s *Service) CheckIn(ctx context.Context, entryID string) (queue.Entry, error) {
	return s.mutateEntry(ctx, "check_in", entryID, func(q *queue.Queue, now time.Time, _ []queue.Entry) (queue.Entry, error) {
		return q.CheckIn(entryID, now)
	})
}

func (s *Service) Complete(ctx context.Context, entryID string, req CompleteRequest) (queue.Entry, error) {
	if err := s.validate.Struct(req); err != nil {
		return queue.Entry{}, classify(err)
	}
	return s.mutateEntry(ctx, "complete", entryID, func(q *queue.Queue, now time.Time, _ []queue.Entry) (queue.Entry, error) {
		return q.Complete(entryID, req.ServiceMinutes, req.Notes, now)
	})
}

func (s *Service) Cancel(ctx context.Context, entryID string) (queue.Entry, error) {
	return s.mutateEntry(ctx, "cancel", entryID, func(q *queue.Queue, now time.Time, _ []queue.Entry) (queue.Entry, error) {
		return q.Cancel(entryID, now)
	})
}

// NoShow closes a called entry once its late-client cap has elapsed.
func (s *Service) NoShow(ctx context.Context, entryID string) (queue.Entry, error) {
	return s.mutateEntry(ctx, "no_show", entryID, func(q *queue.Queue, now time.Time, expired []queue.Entry) (queue.Entry, error) {
		for _, entry := range expired {
			if entry.EntryID == entryID {
				return entry, nil
			}
		}
		return q.MarkNoShow(entryID, now)
	})
}

// mutateEntry applies fn to the queue owning entryID. Called entries past the
// late-client cap are marked no-show first, and those no-shows are committed
// even when fn fails.
func (s *Service) mutateEntry(ctx context.Context, operation, entryID string, fn func(q *queue.Queue, now time.Time, expired []queue.Entry) (queue.Entry, error)) (entry queue.Entry, err error) {
	ctx, span := s.startSpan(ctx, operation, attribute.String("entry.id", entryID))
	defer func() { err = s.finish(span, operation, err) }()

	if err := s.checkID("entry_id", entryID); err != nil {
		return queue.Entry{}, err
	}
	var opErr error
	err = s.inTx(ctx, operation, func(ctx context.Context, tx store.Tx) error {
		opErr = nil
		q, err := tx.FindQueueByEntry(ctx, entryID)
		if err != nil {
			return err
		}
		now := s.now()
		expired := q.ExpireLateEntries(now)
		updated, err := fn(q, now, expired)
		if err != nil {
			if len(expired) == 0 {
				return err
			}
			opErr = err
		}
		if err := tx.SaveQueue(ctx, q); err != nil {
			return err
		}
		s.logExpired(expired)
		entry = updated
		return nil
	})
	if err != nil {
		return queue.Entry{}, err
	}
	if opErr != nil {
		return queue.Entry{}, opErr
	}
	s.logger.Info("entry updated",
		zap.String("operation", operation),
		zap.String("entry_id", entry.EntryID),
		zap.String("status", string(entry.Status)),
	)
	return entry, nil
}

// GetStatus reports the entry's position, status and wait estimate. Called
// entries past the late-client cap are marked no-show before reading.
func (s *Service) GetStatus(ctx context.Context, entryID string) (result StatusResult, err error) {
	ctx, span := s.startSpan(ctx, "GetStatus", attribute.String("entry.id", entryID))
	defer func() { err = s.finish(span, "get_status", err) }()

	if err := s.checkID("entry_id", entryID); err != nil {
		return StatusResult{}, err
	}
	var current *queue.Queue
	err = s.inTx(ctx, "get_status", func(ctx context.Context, tx store.Tx) error {
		q, err := tx.FindQueueByEntry(ctx, entryID)
		if err != nil {
			return err
		}
		expired := q.ExpireLateEntries(s.now())
		if len(expired) > 0 {
			if err := tx.SaveQueue(ctx, q); err != nil {
				return err
			}
			s.logExpired(expired)
		}
		current = q
		return nil
	})
	if err != nil {
		return StatusResult{}, err
	}

	entry, ok := current.Entry(entryID)
	if !ok {
		return StatusResult{}, queue.ErrEntryNotFound
	}
	return StatusResult{
		EntryID:              entry.EntryID,
		QueueID:              entry.QueueID,
		Position:             entry.Position,
		Status:               entry.Status,
		EstimatedWaitMinutes: s.estimate(ctx, current, entryID),
	}, nil
}

func (s *Service) logExpired(expired []queue.Entry) {
	for _, entry := range expired {
		s.logger.Info("called entry marked no-show",
			zap.String("queue_id", entry.QueueID),
			zap.String("entry_id", entry.EntryID),
		)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"qms/walkin-service/internal/store"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 100 * time.Millisecond
	defaultMaxSize     = 50
	defaultLateCap     = 15 * time.Minute
)

var (
	unitOfWorkAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walkin_unit_of_work_attempts_total",
		Help: "Unit-of-work attempts per operation.",
	}, []string{"operation"})
	writeConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walkin_write_conflicts_total",
		Help: "Optimistic concurrency conflicts reported by the store.",
	}, []string{"operation"})
	concurrencyExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walkin_concurrency_exhausted_total",
		Help: "Operations that gave up after repeated write conflicts.",
	}, []string{"operation"})
)

// AverageResolver yields the average service duration for a location.
type AverageResolver interface {
	AverageServiceMinutes(ctx context.Context, locationID string) (float64, error)
}

// StaffCounter yields the number of staff able to serve at a location.
type StaffCounter interface {
	AvailableCount(ctx context.Context, locationID string) (int, error)
}

type Options struct {
	// MaxAttempts bounds how many times a unit of work runs when the store
	// reports write conflicts.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt number between retries.
	RetryDelay time.Duration
	// AutoCreateQueue lets a join by location open that day's queue.
	AutoCreateQueue      bool
	DefaultMaxSize       int
	DefaultLateClientCap time.Duration
	// Location decides which calendar day "today" is.
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	store    store.Store
	staff    StaffCounter
	averages AverageResolver
	opts     Options
	validate *validator.Validate
	tracer   trace.Tracer
	logger   *zap.Logger
}

func New(st store.Store, staff StaffCounter, averages AverageResolver, opts Options, logger *zap.Logger) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.DefaultMaxSize <= 0 {
		opts.DefaultMaxSize = defaultMaxSize
	}
	if opts.DefaultLateClientCap < 0 {
		opts.DefaultLateClientCap = defaultLateCap
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		staff:    staff,
		averages: averages,
		opts:     opts,
		validate: newValidator(),
		tracer:   otel.Tracer("qms/walkin-service/service"),
		logger:   logger,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// today is the queue date for the configured time zone.
func (s *Service) today(now time.Time) time.Time {
	y, m, d := now.In(s.opts.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) checkID(field, value string) error {
	if err := s.validate.Var(value, "required,uuid"); err != nil {
		return validationError("%s must be a UUID", field)
	}
	return nil
}

// linearBackOff waits step, 2*step, 3*step... between attempts.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// inTx runs fn as one unit of work and reruns the whole unit while the store
// reports write conflicts, up to MaxAttempts.
func (s *Service) inTx(ctx context.Context, operation string, fn func(ctx context.Context, tx store.Tx) error) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		unitOfWorkAttempts.WithLabelValues(operation).Inc()
		err := s.store.InTx(ctx, fn)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, store.ErrConflict) {
			writeConflicts.WithLabelValues(operation).Inc()
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(&linearBackOff{step: s.opts.RetryDelay}),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			s.logger.Warn("retrying after write conflict",
				zap.String("operation", operation),
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if err != nil && errors.Is(err, store.ErrConflict) {
		concurrencyExhausted.WithLabelValues(operation).Inc()
		return &Error{
			Kind: KindConcurrencyExhausted,
			Code: "concurrency_exhausted",
			Err:  fmt.Errorf("%w after %d attempts: %w", ErrConcurrencyExhausted, attempts, err),
		}
	}
	return err
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "service."+name, trace.WithAttributes(attrs...))
}

// finish classifies err, records it on span and ends the span.
func (s *Service) finish(span trace.Span, operation string, err error) error {
	defer span.End()
	if err == nil {
		return nil
	}
	classified := classify(err)
	span.RecordError(classified)
	span.SetStatus(codes.Error, classified.Code)
	span.SetAttributes(attribute.String("error.kind", classified.Kind.String()))
	switch classified.Kind {
	case KindInfrastructure:
		s.logger.Error("operation failed", zap.String("operation", operation), zap.Error(classified.Err))
	case KindConcurrencyExhausted:
		s.logger.Warn("operation gave up", zap.String("operation", operation), zap.Error(classified.Err))
	}
	return classified
}

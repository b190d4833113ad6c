// Package tracker is the production face of the sliding-window counter. It
// reads the clock, drops redelivered events by id, and reports what it did to
// logs, metrics and traces.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/clock"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/log"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/window"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/xerrors"
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	IncEventsRejected(reason string)
	IncEventsDuplicate()
	ObserveTopQuery(seconds float64)
}

type Options struct {
	Window  time.Duration
	Clock   clock.Clock
	Logger  log.Logger
	Metrics Metrics

	// DedupeTTL is how long an event id is remembered. Zero uses Window.
	// The id cache expires on the wall clock, not on Clock, so a manual
	// clock does not move it.
	DedupeTTL time.Duration

	// DedupeCapacity caps how many ids are remembered, oldest evicted first. Zero is unbounded.
	DedupeCapacity uint64
}

// Event is one occurrence of Key. ID is optional; when set, a second event
// with the same ID inside the dedupe TTL is not counted.
type Event struct {
	Key string `json:"key"`
	ID  string `json:"id,omitempty"`
}

type RecordResult struct {
	Recorded  bool `json:"recorded"`
	Duplicate bool `json:"duplicate"`
}

type BatchError struct {
	Index int
	Err   error
}

type BatchResult struct {
	Recorded   int
	Duplicates int
	Rejected   int
	Errors     []BatchError
}

// Snapshot is a top-N answer and the instant it was computed for.
type Snapshot struct {
	AsOf   time.Time
	Window time.Duration
	Items  []window.Entry
}

type Service struct {
	counter *window.Counter
	clock   clock.Clock
	seen    *ttlcache.Cache[string, struct{}]
	logger  log.Logger
	metrics Metrics
	tracer  trace.Tracer

	closeOnce sync.Once
}

// New builds the counter and starts the dedupe cache janitor. Call Close to stop it.
func New(opts Options) (*Service, error) {
	counter, err := window.New(opts.Window)
	if err != nil {
		return nil, xerrors.Wrap(err, "create window counter")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	ttl := opts.DedupeTTL
	if ttl <= 0 {
		ttl = opts.Window
	}

	cacheOpts := []ttlcache.Option[string, struct{}]{
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	}
	if opts.DedupeCapacity > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithCapacity[string, struct{}](opts.DedupeCapacity))
	}
	seen := ttlcache.New[string, struct{}](cacheOpts...)
	go seen.Start()

	return &Service{
		counter: counter,
		clock:   opts.Clock,
		seen:    seen,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  otel.Tracer("linnemanlabs/tracker"),
	}, nil
}

// Close stops the dedupe janitor. Safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(s.seen.Stop)
}

func (s *Service) Window() time.Duration { return s.counter.Window() }

// Record counts ev at the current instant.
func (s *Service) Record(ctx context.Context, ev Event) (RecordResult, error) {
	ctx, span := s.tracer.Start(ctx, "tracker.record",
		trace.WithAttributes(attribute.String("tracker.key", ev.Key)),
	)
	defer span.End()

	res, err := s.record(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("tracker.duplicate", res.Duplicate))
	return res, err
}

func (s *Service) record(ctx context.Context, ev Event) (RecordResult, error) {
	if ev.ID != "" {
		if _, found := s.seen.GetOrSet(ev.ID, struct{}{}); found {
			if s.metrics != nil {
				s.metrics.IncEventsDuplicate()
			}
			s.logger.Debug(ctx, "dropped duplicate event", "key", ev.Key, "event_id", ev.ID)
			return RecordResult{Duplicate: true}, nil
		}
	}

	if err := s.counter.Record(ev.Key, s.clock.Now()); err != nil {
		if ev.ID != "" {
			// the id was never counted, let a corrected retry through
			s.seen.Delete(ev.ID)
		}
		s.reject(err)
		return RecordResult{}, err
	}
	return RecordResult{Recorded: true}, nil
}

// RecordBatch records each event in order. A rejected event does not stop the batch.
func (s *Service) RecordBatch(ctx context.Context, events []Event) BatchResult {
	ctx, span := s.tracer.Start(ctx, "tracker.record_batch",
		trace.WithAttributes(attribute.Int("tracker.batch_size", len(events))),
	)
	defer span.End()

	var out BatchResult
	for i, ev := range events {
		res, err := s.record(ctx, ev)
		switch {
		case err != nil:
			out.Rejected++
			out.Errors = append(out.Errors, BatchError{Index: i, Err: err})
		case res.Duplicate:
			out.Duplicates++
		default:
			out.Recorded++
		}
	}
	span.SetAttributes(
		attribute.Int("tracker.recorded", out.Recorded),
		attribute.Int("tracker.duplicates", out.Duplicates),
		attribute.Int("tracker.rejected", out.Rejected),
	)
	s.logger.Debug(ctx, "recorded event batch",
		"size", len(events),
		"recorded", out.Recorded,
		"duplicates", out.Duplicates,
		"rejected", out.Rejected,
	)
	return out
}

// Top returns the n most frequent keys live at the current instant.
func (s *Service) Top(ctx context.Context, n int) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "tracker.top",
		trace.WithAttributes(attribute.Int("tracker.n", n)),
	)
	defer span.End()

	start := time.Now()
	now := s.clock.Now()
	items, err := s.counter.TopN(n, now)
	if s.metrics != nil {
		s.metrics.ObserveTopQuery(time.Since(start).Seconds())
	}
	if err != nil {
		s.reject(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, err
	}

	span.SetAttributes(attribute.Int("tracker.returned", len(items)))
	s.logger.Debug(ctx, "computed top keys", "n", n, "returned", len(items))
	return Snapshot{AsOf: now, Window: s.counter.Window(), Items: items}, nil
}

// Count returns the live count for key at the current instant.
func (s *Service) Count(ctx context.Context, key string) int {
	return s.counter.Count(key, s.clock.Now())
}

func (s *Service) Stats() window.Stats { return s.counter.Stats() }

func (s *Service) reject(err error) {
	if s.metrics == nil {
		return
	}
	reason := "other"
	var ve *window.ValidationError
	if errors.As(err, &ve) {
		reason = ve.Field
	}
	s.metrics.IncEventsRejected(reason)
}

// Package dispatch delivers an event sequence to the ingestion endpoint in
// contiguous fixed-size batches with bounded, classified retries.
//
// A batch moves pending -> sent, or pending -> failed after its attempts are
// exhausted or on a failure that is not worth retrying. A failed batch never
// blocks the batches after it.
package dispatch

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pario-ai/usagesim/pkg/config"
	"github.com/pario-ai/usagesim/pkg/ingest"
	"github.com/pario-ai/usagesim/pkg/metrics"
	"github.com/pario-ai/usagesim/pkg/models"
)

// Sender posts one batch. *ingest.Client implements it.
type Sender interface {
	Send(ctx context.Context, events []models.UsageEvent) error
}

// BatchHook observes every finished batch. events is only valid for the
// duration of the call.
type BatchHook func(ctx context.Context, res BatchResult, events []models.UsageEvent)

// Dispatcher sends batches sequentially; it is not safe for concurrent
// Dispatch calls.
type Dispatcher struct {
	sender  Sender
	cfg     config.IngestConfig
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *metrics.Collector
	hook    BatchHook
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics records attempts and batch outcomes in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithBatchHook registers a callback run after every batch.
func WithBatchHook(h BatchHook) Option {
	return func(d *Dispatcher) { d.hook = h }
}

// New creates a Dispatcher. Zero batch size and attempt count fall back to
// 100 and 3.
func New(sender Sender, cfg config.IngestConfig, opts ...Option) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.Backoff.Multiplier < 1 {
		cfg.Backoff.Multiplier = 1
	}

	limit := rate.Inf
	if cfg.BatchDelay > 0 {
		limit = rate.Every(cfg.BatchDelay)
	}

	d := &Dispatcher{
		sender:  sender,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch pulls events from seq, batches them and sends every batch. Batch
// failures are reported, not returned. When ctx is cancelled dispatch stops,
// the in-flight batch and any buffered events are recorded as failed, and the
// report is marked interrupted; the returned error is then ctx.Err().
func (d *Dispatcher) Dispatch(ctx context.Context, seq iter.Seq[models.UsageEvent]) (*Report, error) {
	report := &Report{}
	batch := make([]models.UsageEvent, 0, d.cfg.BatchSize)

	d.log.Info().
		Int("batch_size", d.cfg.BatchSize).
		Int("max_attempts", d.cfg.MaxRetries).
		Msg("dispatch started")

	flush := func() {
		res := d.sendBatch(ctx, len(report.Batches)+1, report.Events-len(batch), batch)
		report.Batches = append(report.Batches, res)
		if d.hook != nil {
			d.hook(context.WithoutCancel(ctx), res, batch)
		}
		batch = batch[:0]
	}

	for ev := range seq {
		batch = append(batch, ev)
		report.Events++
		if len(batch) == d.cfg.BatchSize {
			flush()
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(batch) > 0 {
		flush()
	}

	if err := ctx.Err(); err != nil {
		report.Interrupted = true
		d.log.Warn().Err(err).Int("batches", len(report.Batches)).Msg("dispatch interrupted")
		return report, err
	}

	d.log.Info().
		Int("events", report.Events).
		Int("sent", report.Sent()).
		Int("failed", report.Failed()).
		Msg("dispatch finished")
	return report, nil
}

func (d *Dispatcher) sendBatch(ctx context.Context, index, start int, events []models.UsageEvent) BatchResult {
	res := BatchResult{
		Index:  index,
		Start:  start,
		End:    start + len(events),
		Status: StatusPending,
	}
	log := d.log.With().
		Int("batch", index).
		Int("start", res.Start).
		Int("end", res.End).
		Int("events", len(events)).
		Logger()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return d.fail(log, res, events)
	}
	if err := d.limiter.Wait(ctx); err != nil {
		res.Err = err
		return d.fail(log, res, events)
	}

	bo := d.newBackOff()
attempts:
	for res.Attempts < d.cfg.MaxRetries {
		res.Attempts++
		begin := time.Now()
		err := d.sender.Send(ctx, events)
		d.metrics.AttemptFinished(outcome(err), time.Since(begin))

		if err == nil {
			res.Status = StatusSent
			res.Err = nil
			d.metrics.BatchFinished(string(StatusSent))
			log.Debug().Int("attempts", res.Attempts).Msg("batch sent")
			return res
		}
		res.Err = err
		if ctx.Err() != nil {
			break
		}

		switch {
		case ingest.IsTimeout(err):
			log.Warn().Err(err).Int("attempt", res.Attempts).Msg("batch timed out")
		case d.cfg.RetryRateLimited && ingest.IsRateLimited(err):
			if res.Attempts >= d.cfg.MaxRetries {
				break attempts
			}
			delay := d.nextDelay(bo, ingest.RetryAfter(err))
			log.Warn().Int("attempt", res.Attempts).Dur("backoff", delay).Msg("batch rate limited")
			if err := sleep(ctx, delay); err != nil {
				res.Err = err
				break attempts
			}
		default:
			break attempts
		}
	}

	return d.fail(log, res, events)
}

func (d *Dispatcher) fail(log zerolog.Logger, res BatchResult, events []models.UsageEvent) BatchResult {
	res.Status = StatusFailed
	res.TransactionIDs = make([]string, len(events))
	for i, ev := range events {
		res.TransactionIDs[i] = ev.TransactionID
	}
	d.metrics.BatchFinished(string(StatusFailed))
	log.Error().Err(res.Err).Int("attempts", res.Attempts).Msg("batch failed")
	return res
}

// uncappedInterval stands in for an unset Backoff.Max; the exponential
// schedule treats a zero MaxInterval as a cap of zero.
const uncappedInterval = 24 * time.Hour

// newBackOff returns the rate-limit schedule for one batch: Initial,
// Initial*Multiplier, ... without jitter and without an elapsed-time limit.
func (d *Dispatcher) newBackOff() *backoff.ExponentialBackOff {
	b := d.cfg.Backoff
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.Initial
	bo.Multiplier = b.Multiplier
	bo.RandomizationFactor = 0
	bo.MaxInterval = b.Max
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = uncappedInterval
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// nextDelay advances bo. A longer Retry-After wins; both are capped at the
// configured maximum.
func (d *Dispatcher) nextDelay(bo backoff.BackOff, retryAfter time.Duration) time.Duration {
	delay := bo.NextBackOff()
	if retryAfter > delay {
		delay = retryAfter
	}
	if m := d.cfg.Backoff.Max; m > 0 && delay > m {
		delay = m
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case ingest.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeTimeout
	case ingest.IsRateLimited(err):
		return metrics.OutcomeRateLimited
	}
	return metrics.OutcomeError
}

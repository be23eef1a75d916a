// Package dualwrite pushes forwarded fixes to the low-latency store and then
// to the durable store, retrying failed writes on a linear schedule.
package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"backend-trackmates/internal/durable"
	"backend-trackmates/internal/fault"
	"backend-trackmates/internal/livestore"
	"backend-trackmates/internal/location"
	"backend-trackmates/internal/logging"
	"backend-trackmates/internal/metrics"

	"github.com/rs/zerolog"
)

const (
	DefaultRetryBase  = 5 * time.Second
	DefaultMaxRetries = 3
	writeTimeout      = 10 * time.Second
)

type LiveStore interface {
	SetLocation(ctx context.Context, userID string, rec livestore.LocationRecord) error
}

type DurableStore interface {
	UpsertLocation(ctx context.Context, row durable.LocationRow) error
}

// Job is one forwarded fix.
type Job struct {
	UserID string
	Fix    location.Fix
}

type Config struct {
	RetryBase  time.Duration
	MaxRetries int
}

type pendingJob struct {
	job         Job
	liveDone    bool
	durableDone bool
}

// Writer owns a single worker goroutine; all store calls happen there so a
// slow write never blocks the caller of Submit.
type Writer struct {
	live    LiveStore
	durable DurableStore
	cfg     Config
	log     zerolog.Logger

	// After returns a channel that fires after d. Replaced in tests.
	After func(d time.Duration) <-chan time.Time
	// OnError receives write failures that exhausted their retries.
	OnError func(err error)

	queue chan Job
	drain chan chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	retrying atomic.Bool

	// worker-owned
	pending *pendingJob
	attempt int
	retryC  <-chan time.Time
}

// New returns a writer. durable may be nil, in which case only the live store
// is written.
func New(live LiveStore, durableStore DurableStore, cfg Config) *Writer {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Writer{
		live:    live,
		durable: durableStore,
		cfg:     cfg,
		log:     logging.Component("dualwrite"),
		After:   time.After,
		queue:   make(chan Job, 1),
		drain:   make(chan chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(ctx)
		go w.run()
	})
}

// Stop cancels in-flight writes and pending retries and waits for the worker.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel == nil {
			close(w.done)
			return
		}
		w.cancel()
		<-w.done
	})
}

// Submit queues a job without blocking. A job still waiting in the queue is
// replaced by the newer one.
func (w *Writer) Submit(job Job) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	for {
		select {
		case w.queue <- job:
			return true
		default:
		}
		select {
		case <-w.queue:
		default:
		}
	}
}

// Drain waits until every queued job has been attempted once. Scheduled
// retries are not waited for.
func (w *Writer) Drain(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.drain <- ack:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retrying reports whether a failed write is waiting for its next attempt.
func (w *Writer) Retrying() bool {
	return w.retrying.Load()
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case job := <-w.queue:
			w.process(job)
		case <-w.retryC:
			w.retryC = nil
			w.attemptPending()
		case ack := <-w.drain:
			w.drainQueue()
			close(ack)
		}
	}
}

func (w *Writer) drainQueue() {
	for {
		select {
		case job := <-w.queue:
			w.process(job)
		default:
			return
		}
	}
}

// process supersedes any pending retry with the newer job.
func (w *Writer) process(job Job) {
	w.pending = &pendingJob{job: job}
	w.retryC = nil
	w.attemptPending()
}

func (w *Writer) attemptPending() {
	p := w.pending
	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, writeTimeout)
	defer cancel()

	var errs []error
	if !p.liveDone {
		if err := w.live.SetLocation(ctx, p.job.UserID, liveRecord(p.job)); err != nil {
			metrics.StoreWritesTotal.WithLabelValues("live", "error").Inc()
			errs = append(errs, fmt.Errorf("live: %w", err))
		} else {
			metrics.StoreWritesTotal.WithLabelValues("live", "ok").Inc()
			p.liveDone = true
		}
	}
	if !p.durableDone {
		if w.durable == nil {
			p.durableDone = true
		} else if err := w.durable.UpsertLocation(ctx, durableRow(p.job)); err != nil {
			errs = append(errs, fmt.Errorf("durable: %w", err))
		} else {
			p.durableDone = true
		}
	}

	// results that land after Stop have no effect
	if w.ctx.Err() != nil {
		return
	}

	if p.liveDone && p.durableDone {
		w.pending = nil
		w.attempt = 0
		w.retrying.Store(false)
		return
	}

	err := errors.Join(errs...)
	w.attempt++
	if w.attempt > w.cfg.MaxRetries {
		w.log.Error().Err(err).Str("user", p.job.UserID).Int("retries", w.cfg.MaxRetries).Msg("giving up on location write")
		w.pending = nil
		w.attempt = 0
		w.retrying.Store(false)
		if w.OnError != nil {
			w.OnError(fault.StoreWrite("dualwrite", fmt.Errorf("gave up after %d retries: %w", w.cfg.MaxRetries, err)))
		}
		return
	}

	delay := time.Duration(w.attempt) * w.cfg.RetryBase
	w.log.Warn().Err(err).Str("user", p.job.UserID).Int("attempt", w.attempt).Dur("delay", delay).Msg("location write failed, retrying")
	metrics.DurableRetries.Inc()
	w.retrying.Store(true)
	w.retryC = w.After(delay)
}

func liveRecord(j Job) livestore.LocationRecord {
	return livestore.LocationRecord{
		Lat:       j.Fix.Lat,
		Lng:       j.Fix.Lng,
		IsSharing: true,
		UpdatedAt: j.Fix.Timestamp,
		Accuracy:  j.Fix.Accuracy,
	}
}

func durableRow(j Job) durable.LocationRow {
	return durable.LocationRow{
		UserID:     j.UserID,
		Lat:        j.Fix.Lat,
		Lng:        j.Fix.Lng,
		AccuracyM:  j.Fix.Accuracy,
		IsSharing:  true,
		RecordedAt: j.Fix.Timestamp,
	}
}

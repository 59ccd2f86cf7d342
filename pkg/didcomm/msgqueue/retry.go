/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package msgqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron"
)

// Retry policy defaults.
const (
	DefaultInitialRetryDelay     = 5 * time.Second
	DefaultMaxRetryDelay         = 5 * time.Minute
	DefaultRetryBackoffMultplier = 2.0

	// DefaultSchedulerInterval is how often the scheduler scans the queue for
	// due retries.
	DefaultSchedulerInterval = 30 * time.Second
)

// Deliverer performs one delivery attempt for an outbound message. The retry
// scheduler owns retry bookkeeping; implementations just report the outcome.
type Deliverer interface {
	Deliver(msg *QueuedMessage) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(msg *QueuedMessage) error

// Deliver calls f.
func (f DelivererFunc) Deliver(msg *QueuedMessage) error {
	return f(msg)
}

// RetryPolicy describes the backoff curve applied between delivery attempts.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the default backoff curve.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: DefaultInitialRetryDelay,
		MaxDelay:     DefaultMaxRetryDelay,
		Multiplier:   DefaultRetryBackoffMultplier,
	}
}

// NextRetryAt computes the scheduled time of the attempt following the given
// retry count: now + min(maxDelay, initialDelay * multiplier^retryCount).
func (p RetryPolicy) NextRetryAt(retryCount int, now time.Time) time.Time {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	delay := eb.NextBackOff()
	for i := 0; i < retryCount; i++ {
		delay = eb.NextBackOff()
	}

	return now.Add(delay)
}

// Scheduler periodically scans the message store for due retries and
// re-invokes delivery. Ticks run in singleton mode so that a slow scan is
// never overlapped by the next one.
type Scheduler struct {
	queue    *Store
	deliver  Deliverer
	policy   RetryPolicy
	interval time.Duration
	cron     *gocron.Scheduler
	stopOnce sync.Once
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRetryPolicy sets the backoff curve.
func WithRetryPolicy(policy RetryPolicy) SchedulerOption {
	return func(s *Scheduler) {
		s.policy = policy
	}
}

// WithSchedulerInterval sets the scan interval.
func WithSchedulerInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = interval
	}
}

// NewScheduler creates a retry scheduler over the given queue. Call Start to
// begin scanning.
func NewScheduler(queue *Store, deliver Deliverer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		queue:    queue,
		deliver:  deliver,
		policy:   DefaultRetryPolicy(),
		interval: DefaultSchedulerInterval,
		cron:     gocron.NewScheduler(time.UTC),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins periodic queue scans.
func (s *Scheduler) Start() error {
	_, err := s.cron.Every(s.interval).SingletonMode().Do(s.Tick)
	if err != nil {
		return fmt.Errorf("schedule retry scan: %w", err)
	}

	s.cron.StartAsync()

	return nil
}

// Stop halts the periodic scans. It is idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(s.cron.Stop)
}

// Tick runs one scan: expire overdue messages, then attempt delivery of every
// due pending message. A failed attempt re-arms the message with backoff until
// its retries are exhausted, at which point it fails terminally.
func (s *Scheduler) Tick() {
	if _, _, err := s.queue.DeleteExpired(); err != nil {
		logger.Errorf("expiry sweep failed: %s", err)
	}

	due, err := s.queue.MessagesForRetry()
	if err != nil {
		logger.Errorf("retry scan failed: %s", err)
		return
	}

	for _, msg := range due {
		s.attempt(msg)
	}
}

func (s *Scheduler) attempt(msg *QueuedMessage) {
	if err := s.queue.UpdateStatus(msg.ID, StatusProcessing, ""); err != nil {
		logger.Errorf("mark message %s processing: %s", msg.ID, err)
		return
	}

	deliverErr := s.deliver.Deliver(msg)
	if deliverErr == nil {
		if err := s.queue.UpdateStatus(msg.ID, StatusSent, ""); err != nil {
			logger.Errorf("mark message %s sent: %s", msg.ID, err)
		}

		return
	}

	logger.Warnf("delivery of message %s failed (attempt %d/%d): %s",
		msg.ID, msg.RetryCount+1, msg.MaxRetries, deliverErr)

	if msg.RetryCount+1 >= msg.MaxRetries {
		if err := s.queue.UpdateStatus(msg.ID, StatusFailed, deliverErr.Error()); err != nil {
			logger.Errorf("mark message %s failed: %s", msg.ID, err)
		}

		return
	}

	nextRetryAt := s.policy.NextRetryAt(msg.RetryCount, s.queue.now())

	if err := s.queue.IncrementRetry(msg.ID, nextRetryAt, deliverErr.Error()); err != nil {
		logger.Errorf("re-arm message %s: %s", msg.ID, err)
	}
}

// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package coordinator implements the at-most-once execution cycle:
// claim a processing record for a dedup key, run the caller's work
// exactly once per round, and finalize the record with the outcome.
// All coordination state lives in the durable store behind conditional
// updates, so any number of worker processes may call Execute for the
// same key concurrently.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"github.com/mwhitfield/procguard/internal/config"
	"github.com/mwhitfield/procguard/internal/deadletter"
	"github.com/mwhitfield/procguard/internal/ingestion"
	"github.com/mwhitfield/procguard/internal/logging"
	"github.com/mwhitfield/procguard/internal/metrics"
	"github.com/mwhitfield/procguard/internal/models"
	"github.com/mwhitfield/procguard/internal/retry"
	"github.com/mwhitfield/procguard/internal/store"
	"github.com/mwhitfield/procguard/internal/validation"
)

// WorkResult couples the opaque result payload with optional validation
// diagnostics to embed in the record on completion.
type WorkResult struct {
	Payload    json.RawMessage
	Validation *models.ValidationResult
}

// WorkFunc is the caller-supplied unit of work. It runs at most once
// per processing round for a given dedup key.
type WorkFunc func(ctx context.Context, payload []byte) (*WorkResult, error)

// Options tunes a single Execute call. Zero values fall back to the
// coordinator's configured defaults.
type Options struct {
	// MaxAttempts is the attempt budget before dead-lettering.
	MaxAttempts int

	// BaseDelay and MaxDelay override the scheduler's backoff bounds for
	// this call's failures.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// LivenessWindow bounds how long a Processing claim is trusted.
	LivenessWindow time.Duration

	// Timeout bounds the work invocation. The parent context still
	// applies.
	Timeout time.Duration

	// Classifier maps work errors to their retry disposition.
	Classifier Classifier

	// CancelConsumesBudget makes cancelled attempts count against the
	// retry budget. Nil falls back to the engine default; a non-nil
	// false overrides an engine default of true.
	CancelConsumesBudget *bool
}

func (o Options) cancelConsumesBudget() bool {
	return o.CancelConsumesBudget != nil && *o.CancelConsumesBudget
}

// ExecuteRequest identifies and carries one unit of work.
type ExecuteRequest struct {
	TenantID    string
	MessageID   string
	MessageType string
	SourceTopic string
	Priority    models.Priority
	Payload     []byte
	Work        WorkFunc

	// Options overrides the coordinator defaults when non-nil.
	Options *Options
}

// requestIdentity carries the fields validated before any store access.
// IDs become store key segments, so they must be key-safe.
type requestIdentity struct {
	TenantID  string `validate:"required,max=128,keysafe"`
	MessageID string `validate:"required,max=256,keysafe"`
}

// Kind is the outcome discriminator.
type Kind string

const (
	// OutcomeCompleted carries the work result, possibly replayed from
	// the record's cache.
	OutcomeCompleted Kind = "completed"

	// OutcomeRejected is an informational refusal: the work was not run
	// and the caller should back off or correct the request.
	OutcomeRejected Kind = "rejected"

	// OutcomeFailed means the attempt failed transiently and a retry is
	// scheduled.
	OutcomeFailed Kind = "failed"

	// OutcomeDeadLettered means the record reached the terminal dead
	// letter state and needs operator action.
	OutcomeDeadLettered Kind = "dead_lettered"
)

// Rejection reasons.
const (
	ReasonInProgress   = "in_progress"
	ReasonNotYetDue    = "not_yet_due"
	ReasonHashMismatch = "payload hash mismatch"
	ReasonTimedOut     = "execution timed out"
	ReasonClaimLost    = "processing claim lost"
	ReasonCancelled    = "cancelled"
)

// Outcome is the caller-visible result of Execute.
type Outcome struct {
	Kind Kind `json:"kind"`

	// Result is set for Completed outcomes.
	Result json.RawMessage `json:"result,omitempty"`

	// Replayed marks a Completed outcome served from the record's
	// cached result without invoking work.
	Replayed bool `json:"replayed,omitempty"`

	// Reason explains Rejected, Failed, and DeadLettered outcomes.
	Reason string `json:"reason,omitempty"`

	// WillRetryAt is set for Failed outcomes and NotYetDue rejections.
	WillRetryAt *time.Time `json:"will_retry_at,omitempty"`

	// Record is the record as of the final store operation.
	Record *models.ProcessingRecord `json:"record,omitempty"`
}

// Coordinator orchestrates check, execute, and finalize for dedup keys.
type Coordinator struct {
	store       *store.RecordStore
	scheduler   *retry.Scheduler
	deadLetters *deadletter.Manager
	defaults    Options
	leaseOwner  string
	breaker     *gobreaker.CircuitBreaker[*WorkResult]
}

// New creates a Coordinator with defaults drawn from the engine config.
// The circuit breaker is optional; when enabled it guards all work
// invocations and an open breaker counts as a transient failure.
func New(s *store.RecordStore, scheduler *retry.Scheduler, dlm *deadletter.Manager, engine config.EngineConfig, breaker config.BreakerConfig) *Coordinator {
	c := &Coordinator{
		store:       s,
		scheduler:   scheduler,
		deadLetters: dlm,
		defaults: Options{
			MaxAttempts:          engine.MaxRetryAttempts,
			LivenessWindow:       engine.LivenessWindow,
			Timeout:              engine.ExecutionTimeout,
			Classifier:           DefaultClassifier,
			CancelConsumesBudget: &engine.CancelConsumesBudget,
		},
		leaseOwner: leaseOwnerID(),
	}

	if breaker.Enabled {
		settings := gobreaker.Settings{
			Name:     "work-execution",
			Interval: breaker.Interval,
			Timeout:  breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breaker.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Circuit breaker state change")
			},
		}
		c.breaker = gobreaker.NewCircuitBreaker[*WorkResult](settings)
	}

	return c
}

func leaseOwnerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (c *Coordinator) options(override *Options) Options {
	opts := c.defaults
	if override == nil {
		return opts
	}
	if override.MaxAttempts > 0 {
		opts.MaxAttempts = override.MaxAttempts
	}
	if override.BaseDelay > 0 {
		opts.BaseDelay = override.BaseDelay
	}
	if override.MaxDelay > 0 {
		opts.MaxDelay = override.MaxDelay
	}
	if override.LivenessWindow > 0 {
		opts.LivenessWindow = override.LivenessWindow
	}
	if override.Timeout > 0 {
		opts.Timeout = override.Timeout
	}
	if override.Classifier != nil {
		opts.Classifier = override.Classifier
	}
	if override.CancelConsumesBudget != nil {
		opts.CancelConsumesBudget = override.CancelConsumesBudget
	}
	return opts
}

// Execute runs one processing round for the request's dedup key. The
// returned error reports infrastructure faults only (store access);
// every business result, including failures of the work itself, comes
// back as an Outcome.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.ExecutionDuration.Observe(time.Since(start).Seconds())
	}()

	if verr := validation.ValidateStruct(requestIdentity{
		TenantID:  req.TenantID,
		MessageID: req.MessageID,
	}); verr != nil {
		return c.finish(Outcome{Kind: OutcomeRejected, Reason: verr.Error()}), nil
	}
	if req.Work == nil {
		return c.finish(Outcome{Kind: OutcomeRejected, Reason: "no work function supplied"}), nil
	}

	opts := c.options(req.Options)
	hash := ingestion.Hash(req.Payload)

	created, rec, err := c.store.TryCreate(ctx, req.TenantID, req.MessageID, store.CreateParams{
		MessageType: req.MessageType,
		SourceTopic: req.SourceTopic,
		Priority:    req.Priority,
		MaxAttempts: opts.MaxAttempts,
		MessageHash: hash,
		RawPayload:  req.Payload,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("try create: %w", err)
	}

	// Claim loop: dispatch on the observed status and attempt the
	// conditional transition to Processing. A lost race re-reads the
	// record and dispatches again.
	for {
		var claimed *models.ProcessingRecord
		var claimErr error

		switch {
		case created || rec.Status == models.StatusPending:
			claimed, claimErr = c.claim(ctx, req, models.StatusPending)

		default:
			outcome, proceed := c.dispatchExisting(rec, hash, opts)
			if !proceed {
				return c.finish(outcome), nil
			}
			if rec.Status == models.StatusProcessing {
				claimed, claimErr = c.reclaim(ctx, req)
			} else {
				claimed, claimErr = c.claim(ctx, req, models.StatusFailed)
			}
		}

		if claimErr == nil {
			return c.run(ctx, req, claimed, opts)
		}
		if !errors.Is(claimErr, store.ErrConcurrencyConflict) {
			return Outcome{}, claimErr
		}

		created = false
		rec, err = c.store.Get(ctx, req.TenantID, req.MessageID)
		if err != nil {
			return Outcome{}, fmt.Errorf("re-read after claim conflict: %w", err)
		}
	}
}

// dispatchExisting decides what to do with a pre-existing record.
// proceed=true means the caller should attempt a claim; otherwise the
// outcome is final for this call.
func (c *Coordinator) dispatchExisting(rec *models.ProcessingRecord, hash string, opts Options) (Outcome, bool) {
	// A replayed message ID must carry the same payload. A different
	// hash is a permanent validation failure, never a silent accept.
	if rec.MessageHash != "" && hash != rec.MessageHash {
		metrics.ValidationFailuresTotal.WithLabelValues(rec.MessageType).Inc()
		return Outcome{Kind: OutcomeRejected, Reason: ReasonHashMismatch, Record: rec}, false
	}

	now := time.Now().UTC()

	switch rec.Status {
	case models.StatusCompleted:
		return Outcome{
			Kind:     OutcomeCompleted,
			Result:   rec.ProcessingResult,
			Replayed: true,
			Record:   rec,
		}, false

	case models.StatusProcessing:
		if !rec.ProcessingStale(now, opts.LivenessWindow) {
			return Outcome{Kind: OutcomeRejected, Reason: ReasonInProgress, Record: rec}, false
		}
		return Outcome{}, true

	case models.StatusFailed:
		if rec.NextRetryAt != nil && now.Before(*rec.NextRetryAt) {
			at := *rec.NextRetryAt
			return Outcome{
				Kind:        OutcomeRejected,
				Reason:      ReasonNotYetDue,
				WillRetryAt: &at,
				Record:      rec,
			}, false
		}
		if !rec.RetryEligible() {
			// Exhausted but never dead-lettered: a crash between the
			// failure write and the dead-letter write. Surface it as
			// rejected; the sweep will not pick it up either.
			return Outcome{Kind: OutcomeRejected, Reason: "retry budget exhausted", Record: rec}, false
		}
		return Outcome{}, true

	case models.StatusDeadLettered:
		return Outcome{Kind: OutcomeDeadLettered, Reason: rec.DeadLetterReason, Record: rec}, false

	case models.StatusCancelled:
		return Outcome{Kind: OutcomeRejected, Reason: ReasonCancelled, Record: rec}, false

	default:
		return Outcome{}, true
	}
}

// claim transitions expected -> Processing, stamping the lease. Exactly
// one concurrent caller succeeds; the rest observe a conflict.
func (c *Coordinator) claim(ctx context.Context, req ExecuteRequest, expected models.Status) (*models.ProcessingRecord, error) {
	return c.store.ConditionalUpdate(ctx, req.TenantID, req.MessageID, expected, func(rec *models.ProcessingRecord) error {
		now := time.Now().UTC()
		rec.Status = models.StatusProcessing
		rec.AttemptCount++
		rec.ProcessingStartedAt = &now
		rec.LeaseOwner = c.leaseOwner
		rec.NextRetryAt = nil
		return nil
	})
}

// reclaim takes over a stale Processing claim from a presumed-crashed
// worker. The Processing -> Processing transition still goes through
// the conditional update so two reclaimers cannot both win.
func (c *Coordinator) reclaim(ctx context.Context, req ExecuteRequest) (*models.ProcessingRecord, error) {
	rec, err := c.store.ConditionalUpdate(ctx, req.TenantID, req.MessageID, models.StatusProcessing, func(rec *models.ProcessingRecord) error {
		now := time.Now().UTC()
		rec.AttemptCount++
		rec.ProcessingStartedAt = &now
		rec.LeaseOwner = c.leaseOwner
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ReclaimsTotal.Inc()
	logging.Warn().
		Str("tenant_id", req.TenantID).
		Str("message_id", req.MessageID).
		Int("attempt_count", rec.AttemptCount).
		Msg("Reclaimed stale processing claim")

	return rec, nil
}

// run invokes the work under the configured timeout and finalizes the
// record from its result.
func (c *Coordinator) run(ctx context.Context, req ExecuteRequest, rec *models.ProcessingRecord, opts Options) (Outcome, error) {
	workCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	type workReturn struct {
		result *WorkResult
		err    error
	}
	done := make(chan workReturn, 1)
	go func() {
		result, err := c.invoke(workCtx, req.Payload, req.Work)
		done <- workReturn{result: result, err: err}
	}()

	var ret workReturn
	select {
	case ret = <-done:
	case <-workCtx.Done():
		// Give a work function that noticed the deadline first chance
		// to deliver its own error.
		select {
		case ret = <-done:
		default:
			// The work is still running somewhere. The record stays
			// Processing; the liveness window reclaim path recovers it.
			// Parent cancellation is reported as such, not as a timeout.
			reason, label := ReasonTimedOut, "timeout"
			if ctx.Err() != nil {
				reason, label = ReasonCancelled, "cancelled"
			}
			metrics.WorkInvocationsTotal.WithLabelValues(label).Inc()
			logging.Warn().
				Str("tenant_id", req.TenantID).
				Str("message_id", req.MessageID).
				Dur("timeout", opts.Timeout).
				Str("reason", reason).
				Msg("Work abandoned mid-flight, record left processing for reclaim")
			return c.finish(Outcome{Kind: OutcomeRejected, Reason: reason, Record: rec}), nil
		}
	}

	if ret.err == nil {
		return c.complete(ctx, req, rec, ret.result)
	}
	return c.fail(ctx, req, rec, opts, ret.err)
}

// invoke runs the work, optionally through the circuit breaker.
func (c *Coordinator) invoke(ctx context.Context, payload []byte, work WorkFunc) (*WorkResult, error) {
	if c.breaker == nil {
		result, err := work(ctx, payload)
		c.countInvocation(err)
		return result, err
	}

	result, err := c.breaker.Execute(func() (*WorkResult, error) {
		return work(ctx, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.WorkInvocationsTotal.WithLabelValues("breaker_open").Inc()
		return nil, NewTransientError("circuit breaker open", err)
	}
	c.countInvocation(err)
	return result, err
}

func (c *Coordinator) countInvocation(err error) {
	if err == nil {
		metrics.WorkInvocationsTotal.WithLabelValues("success").Inc()
	} else {
		metrics.WorkInvocationsTotal.WithLabelValues("failure").Inc()
	}
}

// complete finalizes a successful attempt, caching the result for
// idempotent replay.
func (c *Coordinator) complete(ctx context.Context, req ExecuteRequest, rec *models.ProcessingRecord, result *WorkResult) (Outcome, error) {
	updated, err := c.store.ConditionalUpdate(ctx, req.TenantID, req.MessageID, models.StatusProcessing, func(r *models.ProcessingRecord) error {
		now := time.Now().UTC()
		r.Status = models.StatusCompleted
		r.ProcessingCompletedAt = &now
		if r.ProcessingStartedAt != nil {
			r.ProcessingDurationMs = now.Sub(*r.ProcessingStartedAt).Milliseconds()
		}
		if result != nil {
			r.ProcessingResult = result.Payload
			r.Validation = result.Validation
		}
		r.NextRetryAt = nil
		r.ErrorMessage = ""
		r.ExceptionDetails = ""
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return c.lostClaim(ctx, req)
		}
		return Outcome{}, fmt.Errorf("finalize completed: %w", err)
	}

	var payload json.RawMessage
	if result != nil {
		payload = result.Payload
	}
	return c.finish(Outcome{Kind: OutcomeCompleted, Result: payload, Record: updated}), nil
}

// nextRetryAt applies any per-call backoff bound overrides.
func (c *Coordinator) nextRetryAt(opts Options, now time.Time, attemptCount int) time.Time {
	if opts.BaseDelay <= 0 && opts.MaxDelay <= 0 {
		return c.scheduler.NextRetryAt(now, attemptCount)
	}
	policy := c.scheduler.Policy()
	if opts.BaseDelay > 0 {
		policy.BaseDelay = opts.BaseDelay
	}
	if opts.MaxDelay > 0 {
		policy.MaxDelay = opts.MaxDelay
	}
	return c.scheduler.NextRetryAtWith(policy, now, attemptCount)
}

// fail classifies a work error and routes it to the retry or dead
// letter path.
func (c *Coordinator) fail(ctx context.Context, req ExecuteRequest, rec *models.ProcessingRecord, opts Options, workErr error) (Outcome, error) {
	class := opts.Classifier(workErr)
	metrics.WorkFailuresTotal.WithLabelValues(class.String(), CategoryOf(workErr).String()).Inc()

	if class == ClassCancelled {
		return c.cancelled(ctx, req, rec, opts, workErr)
	}

	exhausted := rec.AttemptCount >= opts.MaxAttempts
	if class == ClassPermanent || exhausted {
		return c.deadLetter(ctx, req, rec, class, exhausted, workErr)
	}

	now := time.Now().UTC()
	nextRetry := c.nextRetryAt(opts, now, rec.AttemptCount)
	updated, err := c.store.ConditionalUpdate(ctx, req.TenantID, req.MessageID, models.StatusProcessing, func(r *models.ProcessingRecord) error {
		r.Status = models.StatusFailed
		r.ErrorMessage = workErr.Error()
		r.ExceptionDetails = fmt.Sprintf("%+v", workErr)
		r.NextRetryAt = &nextRetry
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return c.lostClaim(ctx, req)
		}
		return Outcome{}, fmt.Errorf("finalize failed: %w", err)
	}

	logging.Info().
		Str("tenant_id", req.TenantID).
		Str("message_id", req.MessageID).
		Int("attempt_count", updated.AttemptCount).
		Time("next_retry_at", nextRetry).
		Err(workErr).
		Msg("Attempt failed, retry scheduled")

	return c.finish(Outcome{
		Kind:        OutcomeFailed,
		Reason:      workErr.Error(),
		WillRetryAt: &nextRetry,
		Record:      updated,
	}), nil
}

// cancelled handles context cancellation of the work. By default a
// cancelled attempt does not consume retry budget; when it does and the
// budget is gone, the record parks in the terminal Cancelled state
// rather than the dead letter queue, since no downstream fault occurred.
func (c *Coordinator) cancelled(ctx context.Context, req ExecuteRequest, rec *models.ProcessingRecord, opts Options, workErr error) (Outcome, error) {
	if opts.cancelConsumesBudget() && rec.AttemptCount >= opts.MaxAttempts {
		updated, err := c.store.ConditionalUpdate(ctx, req.TenantID, req.MessageID, models.StatusProcessing, func(r *models.ProcessingRecord) error {
			r.Status = models.StatusCancelled
			r.ErrorMessage = ReasonCancelled
			r.ExceptionDetails = workErr.Error()
			r.NextRetryAt = nil
			return nil
		})
		if err != nil {
			if errors.Is(err, store.ErrConcurrencyConflict) {
				return c.lostClaim(ctx, req)
			}
			return Outcome{}, fmt.Errorf("finalize cancelled: %w", err)
		}
		return c.finish(Outcome{Kind: OutcomeRejected, Reason: ReasonCancelled, Record: updated}), nil
	}

	now := time.Now().UTC()
	nextRetry := c.nextRetryAt(opts, now, 1)
	updated, err := c.store.ConditionalUpdate(ctx, req.TenantID, req.MessageID, models.StatusProcessing, func(r *models.ProcessingRecord) error {
		r.Status = models.StatusFailed
		if !opts.cancelConsumesBudget() && r.AttemptCount > 0 {
			r.AttemptCount--
		}
		r.ErrorMessage = ReasonCancelled
		r.ExceptionDetails = workErr.Error()
		r.NextRetryAt = &nextRetry
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return c.lostClaim(ctx, req)
		}
		return Outcome{}, fmt.Errorf("finalize cancelled: %w", err)
	}

	return c.finish(Outcome{
		Kind:        OutcomeFailed,
		Reason:      ReasonCancelled,
		WillRetryAt: &nextRetry,
		Record:      updated,
	}), nil
}

// deadLetter routes a permanent or exhausted failure to the manager.
func (c *Coordinator) deadLetter(ctx context.Context, req ExecuteRequest, rec *models.ProcessingRecord, class Classification, exhausted bool, workErr error) (Outcome, error) {
	reason := workErr.Error()
	dlClass := deadletter.ClassPermanent
	if class != ClassPermanent && exhausted {
		dlClass = deadletter.ClassExhausted
		reason = fmt.Sprintf("retry budget exhausted after %d attempts: %v", rec.AttemptCount, workErr)
	}

	var vErr *ingestion.ValidationError
	extra := func(r *models.ProcessingRecord) error {
		r.ErrorMessage = workErr.Error()
		r.ExceptionDetails = fmt.Sprintf("%+v", workErr)
		if errors.As(workErr, &vErr) {
			result := vErr.Result
			r.Validation = &result
		}
		return nil
	}

	updated, err := c.deadLetters.MarkDead(ctx, req.TenantID, req.MessageID, models.StatusProcessing, reason, dlClass, extra)
	if err != nil {
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return c.lostClaim(ctx, req)
		}
		return Outcome{}, fmt.Errorf("dead letter: %w", err)
	}

	return c.finish(Outcome{Kind: OutcomeDeadLettered, Reason: reason, Record: updated}), nil
}

// lostClaim handles a finalize that lost to a liveness reclaim: another
// worker decided this one was dead and took over the record.
func (c *Coordinator) lostClaim(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	rec, err := c.store.Get(ctx, req.TenantID, req.MessageID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, fmt.Errorf("re-read after lost claim: %w", err)
	}

	logging.Warn().
		Str("tenant_id", req.TenantID).
		Str("message_id", req.MessageID).
		Msg("Processing claim lost during finalize")

	return c.finish(Outcome{Kind: OutcomeRejected, Reason: ReasonClaimLost, Record: rec}), nil
}

func (c *Coordinator) finish(o Outcome) Outcome {
	label := string(o.Kind)
	if o.Kind == OutcomeCompleted && o.Replayed {
		label = "completed_cached"
	}
	metrics.RecordOutcome(label)
	return o
}

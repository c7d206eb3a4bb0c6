// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

// Package retry computes next-retry times with capped exponential backoff
// and jitter. The scheduler is pure apart from its random source, which is
// injectable so tests are deterministic.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy holds the backoff parameters.
type Policy struct {
	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Multiplier is the per-attempt growth factor.
	Multiplier float64

	// JitterRatio perturbs each delay by up to ±ratio of its value.
	JitterRatio float64
}

// DefaultPolicy returns the production backoff policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
		Multiplier:  2.0,
		JitterRatio: 0.2,
	}
}

// minDelay is the floor applied after jitter so a retry is never scheduled
// in the immediate past or present.
const minDelay = time.Second

// Scheduler computes retry times under a Policy.
type Scheduler struct {
	policy Policy

	mu  sync.Mutex
	rng *rand.Rand
}

// NewScheduler creates a scheduler with a time-based seed.
func NewScheduler(policy Policy) *Scheduler {
	return NewSchedulerWithSeed(policy, time.Now().UnixNano())
}

// NewSchedulerWithSeed creates a scheduler with a fixed seed for
// deterministic jitter in tests.
func NewSchedulerWithSeed(policy Policy, seed int64) *Scheduler {
	return &Scheduler{
		policy: policy.normalize(),
		//nolint:gosec // G404: weak random is fine for backoff jitter
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (p Policy) normalize() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 30 * time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2.0
	}
	if p.JitterRatio < 0 || p.JitterRatio > 1 {
		p.JitterRatio = 0.2
	}
	return p
}

// Policy returns the scheduler's policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Delay returns the jittered backoff delay for the given attempt count
// (1-based: attemptCount==1 yields the base delay).
func (s *Scheduler) Delay(attemptCount int) time.Duration {
	return s.delay(s.policy, attemptCount)
}

// DelayWith computes the delay under a caller-supplied policy instead of
// the scheduler's own. Zero policy fields fall back to defaults.
func (s *Scheduler) DelayWith(policy Policy, attemptCount int) time.Duration {
	return s.delay(policy.normalize(), attemptCount)
}

func (s *Scheduler) delay(policy Policy, attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}

	// Cap the exponent so the float math cannot overflow time.Duration.
	exp := attemptCount - 1
	if exp > 50 {
		exp = 50
	}

	delay := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(exp))
	if delay > float64(policy.MaxDelay) || delay < 0 {
		delay = float64(policy.MaxDelay)
	}

	s.mu.Lock()
	jitter := delay * policy.JitterRatio * (s.rng.Float64()*2 - 1)
	s.mu.Unlock()

	d := time.Duration(delay + jitter)
	if d < minDelay {
		d = minDelay
	}
	return d
}

// NextRetryAt returns the time the record becomes eligible for retry.
func (s *Scheduler) NextRetryAt(now time.Time, attemptCount int) time.Time {
	return now.Add(s.Delay(attemptCount))
}

// NextRetryAtWith is NextRetryAt under a caller-supplied policy.
func (s *Scheduler) NextRetryAtWith(policy Policy, now time.Time, attemptCount int) time.Time {
	return now.Add(s.DelayWith(policy, attemptCount))
}

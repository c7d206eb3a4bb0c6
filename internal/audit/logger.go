// Procguard - Exactly-Once Ingestion Processing Engine
// Copyright 2026 M. Whitfield (mwhitfield)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mwhitfield/procguard

package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mwhitfield/procguard/internal/logging"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool `json:"enabled"`

	// RetentionDays is how long to keep audit events.
	RetentionDays int `json:"retention_days"`

	// CleanupInterval is how often to run retention cleanup.
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		RetentionDays:   90,
		CleanupInterval: 24 * time.Hour,
		BufferSize:      1000,
	}
}

// Logger records audit events asynchronously. Events are buffered and
// written by a background goroutine so callers on the processing path
// never block on audit persistence.
type Logger struct {
	config    *Config
	store     Store
	eventChan chan *Event
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewLogger creates a new audit logger and starts its writer.
func NewLogger(store Store, config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	l := &Logger{
		config:    config,
		store:     store,
		eventChan: make(chan *Event, config.BufferSize),
		stopChan:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.asyncWriter()

	return l
}

func (l *Logger) asyncWriter() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			// Drain remaining events
			for {
				select {
				case event := <-l.eventChan:
					l.writeEvent(event)
				default:
					return
				}
			}
		case event := <-l.eventChan:
			l.writeEvent(event)
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.store.Save(ctx, event); err != nil {
		logging.Error().Err(err).Str("event_id", event.ID).Msg("Failed to save audit event")
	}
}

// Log records an audit event. The event is dropped with a warning if
// the buffer is full.
func (l *Logger) Log(event *Event) {
	if !l.config.Enabled {
		return
	}

	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	select {
	case l.eventChan <- event:
	default:
		logging.Warn().Str("event_id", event.ID).Msg("Audit event buffer full, dropping event")
	}
}

// Close shuts down the logger, draining buffered events first.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()
	return nil
}

// StartCleanupRoutine starts the retention cleanup routine. It stops
// when the context is cancelled.
func (l *Logger) StartCleanupRoutine(ctx context.Context) {
	interval := l.config.CleanupInterval
	retention := l.config.RetentionDays

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -retention)
				count, err := l.store.Delete(ctx, cutoff)
				if err != nil {
					logging.Error().Err(err).Msg("Audit cleanup error")
				} else if count > 0 {
					logging.Info().Int64("count", count).Msg("Cleaned up old audit events")
				}
			}
		}
	}()
}

// Query retrieves events matching the filter.
func (l *Logger) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	return l.store.Query(ctx, filter)
}

// Count returns the number of events matching the filter.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	return l.store.Count(ctx, filter)
}

// LogManualRetry records an operator-initiated dead letter resubmission.
func (l *Logger) LogManualRetry(actor Actor, tenantID, messageID, reason string) {
	l.Log(&Event{
		Type:      EventManualRetry,
		Severity:  SeverityWarning,
		Actor:     actor,
		TenantID:  tenantID,
		MessageID: messageID,
		Message:   "Dead-lettered record resubmitted for processing",
		Details: map[string]any{
			"dead_letter_reason": reason,
		},
	})
}

// LogPurge records a retention cleanup pass.
func (l *Logger) LogPurge(tenantID string, removed int) {
	l.Log(&Event{
		Type:     EventRecordPurge,
		Severity: SeverityInfo,
		Actor:    SystemActor,
		TenantID: tenantID,
		Message:  "Retention cleanup removed terminal records",
		Details: map[string]any{
			"removed": removed,
		},
	})
}

// LogSweepResubmit records an automated retry sweep batch.
func (l *Logger) LogSweepResubmit(tenantID string, count int) {
	l.Log(&Event{
		Type:     EventSweepResubmit,
		Severity: SeverityInfo,
		Actor:    SystemActor,
		TenantID: tenantID,
		Message:  "Retry sweep resubmitted due records",
		Details: map[string]any{
			"count": count,
		},
	})
}

func generateEventID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}

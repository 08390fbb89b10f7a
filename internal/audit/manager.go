package audit

import (
	"context"
	"sync"
	"time"

	"github.com/codedrop/codedrop/internal/clock"
	"github.com/sirupsen/logrus"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// Manager validates and records audit events. A nil *Manager drops every
// event, so callers need no enabled check.
type Manager struct {
	store  Store
	clock  clock.Clock
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new audit manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, clock: clock.Real{}}
}

// SetClock replaces the time source used for event timestamps and retention
func (m *Manager) SetClock(c clock.Clock) {
	m.clock = c
}

// LogEvent records an audit event. Incomplete events are dropped with a warning.
func (m *Manager) LogEvent(ctx context.Context, event *AuditEvent) error {
	if m == nil || event == nil {
		return nil
	}

	if event.UserID == "" || event.EventType == "" || event.Action == "" || event.Status == "" {
		logrus.WithFields(logrus.Fields{
			"event_type": event.EventType,
			"action":     event.Action,
		}).Warn("Dropping incomplete audit event")
		return nil
	}

	if err := m.store.LogEvent(ctx, event, m.clock.Now().Unix()); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"event_type": event.EventType,
			"username":   event.Username,
			"status":     event.Status,
		}).Error("Failed to log audit event")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"event_type":  event.EventType,
		"username":    event.Username,
		"resource_id": event.ResourceID,
		"status":      event.Status,
	}).Debug("Audit event logged")

	return nil
}

// GetLogs returns one page of events. Page defaults to 1 and page size to 50, capped at 100.
func (m *Manager) GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, int, error) {
	if filters == nil {
		filters = &AuditLogFilters{}
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 {
		filters.PageSize = defaultPageSize
	}
	if filters.PageSize > maxPageSize {
		filters.PageSize = maxPageSize
	}

	logs, total, err := m.store.GetLogs(ctx, filters)
	if err != nil {
		logrus.WithError(err).Error("Failed to retrieve audit logs")
		return nil, 0, err
	}
	return logs, total, nil
}

// PurgeLogs deletes events older than olderThanDays
func (m *Manager) PurgeLogs(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}

	cutoff := m.clock.Now().AddDate(0, 0, -olderThanDays).Unix()
	count, err := m.store.PurgeLogs(ctx, cutoff)
	if err != nil {
		logrus.WithError(err).WithField("retention_days", olderThanDays).Error("Failed to purge old audit logs")
		return 0, err
	}

	if count > 0 {
		logrus.WithFields(logrus.Fields{
			"deleted_count":  count,
			"retention_days": olderThanDays,
		}).Info("Purged old audit logs")
	}
	return count, nil
}

// StartRetentionJob purges old events now and then once a day until ctx ends or Stop is called
func (m *Manager) StartRetentionJob(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		logrus.Info("Audit log retention disabled")
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	logrus.WithField("retention_days", retentionDays).Info("Starting audit log retention job")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		m.PurgeLogs(ctx, retentionDays)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PurgeLogs(ctx, retentionDays)
			}
		}
	}()
}

// Stop ends the retention job and waits for it
func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

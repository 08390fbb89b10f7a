package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codedrop/codedrop/internal/clock"
	"github.com/codedrop/codedrop/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T) (*Manager, *clock.Mock) {
	t.Helper()

	conn, dialect, err := db.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	mock := clock.NewMock(time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	mgr := NewManager(NewSQLStore(conn, dialect))
	mgr.SetClock(mock)
	return mgr, mock
}

func shareEvent(username, eventType, code string) *AuditEvent {
	return &AuditEvent{
		UserID:       "id-" + username,
		Username:     username,
		EventType:    eventType,
		ResourceType: ResourceTypeShare,
		ResourceID:   "share-" + code,
		ResourceName: "report.pdf",
		Action:       ActionCreate,
		Status:       StatusSuccess,
		IPAddress:    "10.0.0.7",
		Details:      map[string]interface{}{"code": code},
	}
}

func TestLogEventAndGetLogs(t *testing.T) {
	mgr, mock := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.LogEvent(ctx, shareEvent("alice", EventTypeShareCreated, "AAAAAA")))
	mock.Advance(time.Minute)
	require.NoError(t, mgr.LogEvent(ctx, shareEvent("alice", EventTypeShareCreated, "BBBBBB")))
	mock.Advance(time.Minute)
	require.NoError(t, mgr.LogEvent(ctx, shareEvent("bob", EventTypeShareCreated, "CCCCCC")))

	logs, total, err := mgr.GetLogs(ctx, &AuditLogFilters{UserID: "id-alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, logs, 2)

	// Newest first
	assert.Equal(t, "BBBBBB", logs[0].Details["code"])
	assert.Equal(t, "AAAAAA", logs[1].Details["code"])
	assert.Equal(t, mock.Now().Add(-time.Minute).Unix(), logs[0].Timestamp)
	assert.Equal(t, "10.0.0.7", logs[0].IPAddress)
	assert.Equal(t, ResourceTypeShare, logs[0].ResourceType)
}

func TestLogEventDropsIncompleteEvents(t *testing.T) {
	mgr, _ := setupTestManager(t)
	ctx := context.Background()

	assert.NoError(t, mgr.LogEvent(ctx, nil))
	assert.NoError(t, mgr.LogEvent(ctx, &AuditEvent{Username: "alice", EventType: EventTypeLoginFailed}))

	_, total, err := mgr.GetLogs(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	var disabled *Manager
	assert.NoError(t, disabled.LogEvent(ctx, shareEvent("alice", EventTypeShareCreated, "AAAAAA")))
	disabled.Stop()
}

func TestGetLogsFiltersAndPaging(t *testing.T) {
	mgr, mock := setupTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		event := shareEvent("carol", EventTypeLoginFailed, "")
		event.ResourceType = ResourceTypeUser
		event.Action = ActionLogin
		event.Status = StatusFailed
		require.NoError(t, mgr.LogEvent(ctx, event))
		mock.Advance(time.Second)
	}
	require.NoError(t, mgr.LogEvent(ctx, shareEvent("carol", EventTypeShareRemoved, "DDDDDD")))

	t.Run("by event type", func(t *testing.T) {
		logs, total, err := mgr.GetLogs(ctx, &AuditLogFilters{EventType: EventTypeShareRemoved})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Len(t, logs, 1)
	})

	t.Run("by status", func(t *testing.T) {
		_, total, err := mgr.GetLogs(ctx, &AuditLogFilters{Status: StatusFailed})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
	})

	t.Run("pages", func(t *testing.T) {
		filters := &AuditLogFilters{Username: "carol", Page: 2, PageSize: 4}
		logs, total, err := mgr.GetLogs(ctx, filters)
		require.NoError(t, err)
		assert.Equal(t, 6, total)
		assert.Len(t, logs, 2)
	})

	t.Run("page size is capped", func(t *testing.T) {
		filters := &AuditLogFilters{PageSize: 1000}
		_, _, err := mgr.GetLogs(ctx, filters)
		require.NoError(t, err)
		assert.Equal(t, maxPageSize, filters.PageSize)
		assert.Equal(t, 1, filters.Page)
	})

	t.Run("date range", func(t *testing.T) {
		start := time.Date(2026, 5, 10, 12, 0, 2, 0, time.UTC).Unix()
		_, total, err := mgr.GetLogs(ctx, &AuditLogFilters{StartDate: start, EndDate: start + 1})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
	})
}

func TestPurgeLogs(t *testing.T) {
	mgr, mock := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.LogEvent(ctx, shareEvent("dave", EventTypeShareCreated, "OLD000")))
	mock.Advance(40 * 24 * time.Hour)
	require.NoError(t, mgr.LogEvent(ctx, shareEvent("dave", EventTypeShareCreated, "NEW000")))

	count, err := mgr.PurgeLogs(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	logs, _, err := mgr.GetLogs(ctx, &AuditLogFilters{Username: "dave"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "NEW000", logs[0].Details["code"])

	count, err = mgr.PurgeLogs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRetentionJobPurgesOnStart(t *testing.T) {
	mgr, mock := setupTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.LogEvent(ctx, shareEvent("erin", EventTypeShareCreated, "OLD111")))
	mock.Advance(10 * 24 * time.Hour)

	mgr.StartRetentionJob(ctx, 7)
	defer mgr.Stop()

	assert.Eventually(t, func() bool {
		_, total, err := mgr.GetLogs(ctx, &AuditLogFilters{Username: "erin"})
		return err == nil && total == 0
	}, 2*time.Second, 20*time.Millisecond)
}

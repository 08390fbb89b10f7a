package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codedrop/codedrop/internal/db"
	"github.com/sirupsen/logrus"
)

// SQLStore keeps the audit trail in the metadata database's audit_logs table
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
}

// NewSQLStore creates an audit store on an already-migrated connection
func NewSQLStore(conn *sql.DB, dialect db.Dialect) *SQLStore {
	return &SQLStore{db: conn, dialect: dialect}
}

const auditColumns = `id, timestamp, user_id, username, event_type,
	resource_type, resource_id, resource_name, action, status,
	ip_address, user_agent, details`

// LogEvent records an audit event
func (s *SQLStore) LogEvent(ctx context.Context, event *AuditEvent, timestamp int64) error {
	detailsJSON := "{}"
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			logrus.WithError(err).Warn("Failed to marshal audit event details")
		} else {
			detailsJSON = string(data)
		}
	}

	query := s.dialect.Rebind(`
		INSERT INTO audit_logs (
			timestamp, user_id, username, event_type,
			resource_type, resource_id, resource_name, action, status,
			ip_address, user_agent, details
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		timestamp,
		event.UserID,
		event.Username,
		event.EventType,
		event.ResourceType,
		event.ResourceID,
		event.ResourceName,
		event.Action,
		event.Status,
		event.IPAddress,
		event.UserAgent,
		detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetLogs returns one page of matching events, newest first, and the total match count
func (s *SQLStore) GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, int, error) {
	whereClause, args := buildWhereClause(filters)

	var total int
	countQuery := s.dialect.Rebind("SELECT COUNT(*) FROM audit_logs " + whereClause)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	offset := (filters.Page - 1) * filters.PageSize
	query := s.dialect.Rebind(fmt.Sprintf(`
		SELECT %s
		FROM audit_logs %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, auditColumns, whereClause))

	rows, err := s.db.QueryContext(ctx, query, append(args, filters.PageSize, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs, err := scanLogs(rows)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// PurgeLogs deletes events older than cutoff
func (s *SQLStore) PurgeLogs(ctx context.Context, cutoff int64) (int, error) {
	result, err := s.db.ExecContext(ctx, s.dialect.Rebind("DELETE FROM audit_logs WHERE timestamp < ?"), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge old audit logs: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}
	return int(deleted), nil
}

func buildWhereClause(filters *AuditLogFilters) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filters.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, filters.UserID)
	}
	if filters.Username != "" {
		conditions = append(conditions, "username = ?")
		args = append(args, filters.Username)
	}
	if filters.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, filters.EventType)
	}
	if filters.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filters.Status)
	}
	if filters.StartDate > 0 {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filters.StartDate)
	}
	if filters.EndDate > 0 {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, filters.EndDate)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func scanLogs(rows *sql.Rows) ([]*AuditLog, error) {
	logs := make([]*AuditLog, 0)

	for rows.Next() {
		log := &AuditLog{}
		var resourceType, resourceID, resourceName, ipAddress, userAgent, detailsJSON sql.NullString

		err := rows.Scan(
			&log.ID,
			&log.Timestamp,
			&log.UserID,
			&log.Username,
			&log.EventType,
			&resourceType,
			&resourceID,
			&resourceName,
			&log.Action,
			&log.Status,
			&ipAddress,
			&userAgent,
			&detailsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		log.ResourceType = resourceType.String
		log.ResourceID = resourceID.String
		log.ResourceName = resourceName.String
		log.IPAddress = ipAddress.String
		log.UserAgent = userAgent.String

		log.Details = make(map[string]interface{})
		if detailsJSON.Valid && detailsJSON.String != "" && detailsJSON.String != "{}" {
			if err := json.Unmarshal([]byte(detailsJSON.String), &log.Details); err != nil {
				logrus.WithError(err).WithField("log_id", log.ID).Warn("Failed to unmarshal audit log details")
			}
		}

		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}

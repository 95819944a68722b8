package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"argus-siem/internal/detect"
	"argus-siem/internal/query"
	"argus-siem/internal/schema"
)

// ClickHouseStore implements Store on top of ClickHouse.
type ClickHouseStore struct {
	client *ClickHouseClient
}

// NewClickHouseStore creates a Store over an open client.
func NewClickHouseStore(client *ClickHouseClient) *ClickHouseStore {
	return &ClickHouseStore{client: client}
}

// Close closes the underlying connection.
func (s *ClickHouseStore) Close() error {
	return s.client.Close()
}

// InsertEvents appends a batch of events.
func (s *ClickHouseStore) InsertEvents(ctx context.Context, events []*schema.LogEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx, `
		INSERT INTO events (
			id, timestamp, timestamp_inferred, source, event_type, severity,
			message, src_ip, dst_ip, dst_port, lat, lon, received_at
		)
	`)
	if err != nil {
		return WrapInsertError("InsertEvents", "events", err)
	}

	for _, event := range events {
		inferred := uint8(0)
		if event.TimestampInferred {
			inferred = 1
		}
		err := batch.Append(
			event.ID,
			event.Timestamp,
			inferred,
			event.Source,
			event.EventType,
			uint8(event.Severity),
			event.Message,
			event.SrcIP,
			event.DstIP,
			uint16(event.DstPort),
			event.Lat,
			event.Lon,
			event.ReceivedAt,
		)
		if err != nil {
			return WrapInsertError("InsertEvents", "events", err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapInsertError("InsertEvents", "events", err)
	}
	return nil
}

// InsertAlerts appends a batch of alerts.
func (s *ClickHouseStore) InsertAlerts(ctx context.Context, alerts []*detect.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	batch, err := s.client.PrepareBatch(ctx, `
		INSERT INTO alerts (
			id, rule_id, rule_name, key, severity, message, created_at,
			triggering_event_ids
		)
	`)
	if err != nil {
		return WrapInsertError("InsertAlerts", "alerts", err)
	}

	for _, alert := range alerts {
		err := batch.Append(
			alert.ID,
			alert.RuleID,
			alert.RuleName,
			alert.Key,
			uint8(alert.Severity),
			alert.Message,
			alert.CreatedAt,
			alert.TriggeringEventIDs,
		)
		if err != nil {
			return WrapInsertError("InsertAlerts", "alerts", err)
		}
	}

	if err := batch.Send(); err != nil {
		return WrapInsertError("InsertAlerts", "alerts", err)
	}
	return nil
}

// Events returns filtered events, newest first.
func (s *ClickHouseStore) Events(ctx context.Context, filter query.EventFilter, page query.Page) ([]*schema.LogEvent, error) {
	page = page.Normalize()
	where, args := filter.Where()

	sql := fmt.Sprintf(`
		SELECT id, timestamp, timestamp_inferred, source, event_type,
		       severity, message, src_ip, dst_ip, dst_port, lat, lon,
		       received_at
		FROM events
		%s
		ORDER BY timestamp DESC, id DESC
		LIMIT %d OFFSET %d
	`, where, page.Limit, page.Offset)

	rows, err := s.client.Query(ctx, sql, args...)
	if err != nil {
		return nil, WrapQueryError("Events", "events", err)
	}
	defer rows.Close()

	var events []*schema.LogEvent
	for rows.Next() {
		var (
			event    schema.LogEvent
			inferred uint8
			severity uint8
			dstPort  uint16
		)
		err := rows.Scan(
			&event.ID,
			&event.Timestamp,
			&inferred,
			&event.Source,
			&event.EventType,
			&severity,
			&event.Message,
			&event.SrcIP,
			&event.DstIP,
			&dstPort,
			&event.Lat,
			&event.Lon,
			&event.ReceivedAt,
		)
		if err != nil {
			return nil, WrapQueryError("Events", "events", err)
		}
		event.TimestampInferred = inferred != 0
		event.Severity = schema.Severity(severity)
		event.DstPort = int(dstPort)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Events", "events", err)
	}
	return events, nil
}

// Alerts returns filtered alerts, newest first.
func (s *ClickHouseStore) Alerts(ctx context.Context, filter query.AlertFilter, page query.Page) ([]*detect.Alert, error) {
	page = page.Normalize()
	where, args := filter.Where()

	sql := fmt.Sprintf(`
		SELECT id, rule_id, rule_name, key, severity, message, created_at,
		       triggering_event_ids
		FROM alerts
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT %d OFFSET %d
	`, where, page.Limit, page.Offset)

	rows, err := s.client.Query(ctx, sql, args...)
	if err != nil {
		return nil, WrapQueryError("Alerts", "alerts", err)
	}
	defer rows.Close()

	var alerts []*detect.Alert
	for rows.Next() {
		var (
			alert    detect.Alert
			severity uint8
			ids      []uuid.UUID
		)
		err := rows.Scan(
			&alert.ID,
			&alert.RuleID,
			&alert.RuleName,
			&alert.Key,
			&severity,
			&alert.Message,
			&alert.CreatedAt,
			&ids,
		)
		if err != nil {
			return nil, WrapQueryError("Alerts", "alerts", err)
		}
		alert.Severity = schema.Severity(severity)
		alert.TriggeringEventIDs = ids
		alerts = append(alerts, &alert)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("Alerts", "alerts", err)
	}
	return alerts, nil
}

// CountEvents returns the number of events matching the filter.
func (s *ClickHouseStore) CountEvents(ctx context.Context, filter query.EventFilter) (uint64, error) {
	where, args := filter.Where()
	var count uint64
	err := s.client.QueryRow(ctx,
		fmt.Sprintf("SELECT count() FROM events %s", where), args...).Scan(&count)
	if err != nil {
		return 0, WrapQueryError("CountEvents", "events", err)
	}
	return count, nil
}

// CountAlerts returns the number of alerts matching the filter.
func (s *ClickHouseStore) CountAlerts(ctx context.Context, filter query.AlertFilter) (uint64, error) {
	where, args := filter.Where()
	var count uint64
	err := s.client.QueryRow(ctx,
		fmt.Sprintf("SELECT count() FROM alerts %s", where), args...).Scan(&count)
	if err != nil {
		return 0, WrapQueryError("CountAlerts", "alerts", err)
	}
	return count, nil
}

// EventSeverityBreakdown counts events per severity, most severe first.
func (s *ClickHouseStore) EventSeverityBreakdown(ctx context.Context, filter query.EventFilter) ([]SeverityCount, error) {
	where, args := filter.Where()

	sql := fmt.Sprintf(`
		SELECT severity, count() AS cnt
		FROM events
		%s
		GROUP BY severity
		ORDER BY severity DESC
	`, where)

	rows, err := s.client.Query(ctx, sql, args...)
	if err != nil {
		return nil, WrapQueryError("EventSeverityBreakdown", "events", err)
	}
	defer rows.Close()

	var breakdown []SeverityCount
	for rows.Next() {
		var (
			severity uint8
			count    uint64
		)
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, WrapQueryError("EventSeverityBreakdown", "events", err)
		}
		breakdown = append(breakdown, SeverityCount{
			Severity: schema.Severity(severity),
			Count:    count,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("EventSeverityBreakdown", "events", err)
	}
	return breakdown, nil
}

// Migrate runs pending schema migrations.
func (s *ClickHouseStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return NewMigrator(s.client).Run(ctx)
}

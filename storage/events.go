package storage

import (
	"errors"
	"fmt"
	"time"
)

// Pairing audit event types.
const (
	EventPairingInitiated = "pairing_initiated"
	EventPairingJoined    = "pairing_joined"
	EventPairingCompleted = "pairing_completed"
	EventPairingFailed    = "pairing_failed"
	EventPairingCancelled = "pairing_cancelled"
	EventPairingExpired   = "pairing_expired"
)

// PairingEvent is one row of the pairing audit trail.
type PairingEvent struct {
	ID        int64
	EventType string
	DeviceID  string
	Details   string
	Timestamp int64
}

// RecordPairingEvent appends an audit row.
func (s *Store) RecordPairingEvent(eventType, deviceID, details string) error {
	if eventType == "" {
		return errors.New("event_type is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO pairing_events (event_type, device_id, details, timestamp)
		VALUES (?, ?, ?, ?)`,
		eventType,
		nullString(deviceID),
		details,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record pairing event %q: %w", eventType, err)
	}

	return nil
}

// ListPairingEvents returns the most recent audit rows, newest first.
func (s *Store) ListPairingEvents(limit int) ([]PairingEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT id, event_type, COALESCE(device_id, ''), details, timestamp
		FROM pairing_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pairing events: %w", err)
	}
	defer rows.Close()

	events := make([]PairingEvent, 0, limit)
	for rows.Next() {
		var event PairingEvent
		if err := rows.Scan(&event.ID, &event.EventType, &event.DeviceID, &event.Details, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing event rows: %w", err)
	}

	return events, nil
}

// PrunePairingEvents deletes audit rows older than the retention window.
func (s *Store) PrunePairingEvents(retention time.Duration) error {
	if retention <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-retention).UnixMilli()
	if _, err := s.db.Exec(`DELETE FROM pairing_events WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("prune pairing events: %w", err)
	}
	return nil
}

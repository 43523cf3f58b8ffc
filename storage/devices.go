package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"portalfusion/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// SaveDevice inserts or replaces a device row. The paired-device registry is
// append-only in spirit: devices are updated or marked untrusted, never
// deleted.
func (s *Store) SaveDevice(device models.Device) error {
	if device.ID == "" {
		return errors.New("device_id is required")
	}
	if device.Name == "" {
		return errors.New("device_name is required")
	}
	if device.PublicKey == "" {
		return errors.New("public_key is required")
	}
	if device.Status == "" {
		device.Status = models.StatusOffline
	}
	if err := validateDeviceStatus(device.Status); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO devices (
			device_id,
			device_name,
			public_key,
			exchange_key,
			fingerprint,
			status,
			paired,
			trusted,
			added_timestamp,
			last_seen_timestamp,
			last_known_ip,
			last_known_port
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			public_key = excluded.public_key,
			exchange_key = excluded.exchange_key,
			fingerprint = excluded.fingerprint,
			status = excluded.status,
			paired = excluded.paired,
			trusted = excluded.trusted,
			last_seen_timestamp = excluded.last_seen_timestamp,
			last_known_ip = excluded.last_known_ip,
			last_known_port = excluded.last_known_port`,
		device.ID,
		device.Name,
		device.PublicKey,
		device.ExchangeKey,
		device.Fingerprint,
		string(device.Status),
		boolToInt(device.Paired),
		boolToInt(device.Trusted),
		nowUnixMilli(),
		nullInt64(device.LastSeen),
		nullString(device.IP),
		nullIntValue(device.Port),
	)
	if err != nil {
		return fmt.Errorf("save device %q: %w", device.ID, err)
	}

	return nil
}

// GetDevice fetches a device by id.
func (s *Store) GetDevice(deviceID string) (*models.Device, error) {
	row := s.db.QueryRow(deviceSelect+` WHERE device_id = ?`, deviceID)

	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", deviceID, err)
	}

	return device, nil
}

// ListDevices returns all known devices sorted by name.
func (s *Store) ListDevices() ([]models.Device, error) {
	rows, err := s.db.Query(deviceSelect + ` ORDER BY device_name, device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// UpdateDeviceStatus updates status and optionally last seen (when > 0).
func (s *Store) UpdateDeviceStatus(deviceID string, status models.DeviceStatus, lastSeen int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if err := validateDeviceStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE devices
		SET status = ?,
		    last_seen_timestamp = CASE
				WHEN ? > 0 THEN ?
				ELSE last_seen_timestamp
			END
		WHERE device_id = ?`,
		string(status),
		lastSeen,
		lastSeen,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update device status %q: %w", deviceID, err)
	}

	return requireRowUpdated(res, deviceID)
}

// UpdateLastSeen bumps the last seen timestamp for a device.
func (s *Store) UpdateLastSeen(deviceID string, lastSeen int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE devices SET last_seen_timestamp = ? WHERE device_id = ?`,
		lastSeen,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update device last seen %q: %w", deviceID, err)
	}

	return requireRowUpdated(res, deviceID)
}

// MarkUntrusted revokes trust without deleting the device record.
func (s *Store) MarkUntrusted(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE devices SET trusted = 0, paired = 0, status = ? WHERE device_id = ?`,
		string(models.StatusDisconnected),
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("mark device untrusted %q: %w", deviceID, err)
	}

	return requireRowUpdated(res, deviceID)
}

const deviceSelect = `SELECT
	device_id,
	device_name,
	public_key,
	exchange_key,
	fingerprint,
	status,
	paired,
	trusted,
	last_seen_timestamp,
	last_known_ip,
	last_known_port
FROM devices`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		device   models.Device
		status   string
		paired   int
		trusted  int
		lastSeen sql.NullInt64
		ip       sql.NullString
		port     sql.NullInt64
	)

	if err := row.Scan(
		&device.ID,
		&device.Name,
		&device.PublicKey,
		&device.ExchangeKey,
		&device.Fingerprint,
		&status,
		&paired,
		&trusted,
		&lastSeen,
		&ip,
		&port,
	); err != nil {
		return nil, err
	}

	device.Status = models.DeviceStatus(status)
	device.Paired = paired != 0
	device.Trusted = trusted != 0
	if lastSeen.Valid {
		device.LastSeen = lastSeen.Int64
	}
	if ip.Valid {
		device.IP = ip.String
	}
	if port.Valid {
		device.Port = int(port.Int64)
	}

	return &device, nil
}

func validateDeviceStatus(status models.DeviceStatus) error {
	switch status {
	case models.StatusOnline, models.StatusOffline, models.StatusConnecting, models.StatusDisconnected:
		return nil
	default:
		return fmt.Errorf("invalid device status %q", status)
	}
}

func requireRowUpdated(res sql.Result, deviceID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for device %q: %w", deviceID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func nullInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullIntValue(value int) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

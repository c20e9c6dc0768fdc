package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/mihome-bridge/mihome-bridge/internal/models"
)

// ========== Device Methods ==========

// UpsertDevice creates a device or updates its descriptive fields
func (s *PostgresStore) UpsertDevice(ctx context.Context, device *models.Device) error {
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
        INSERT INTO devices (id, created_at, updated_at, name, model, address, type)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            updated_at = EXCLUDED.updated_at,
            name = EXCLUDED.name,
            model = EXCLUDED.model,
            address = EXCLUDED.address,
            type = EXCLUDED.type
        RETURNING created_at, available, last_seen_at`

	err := s.getDB().QueryRowContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt,
		device.Name, device.Model, device.Address, device.Type,
	).Scan(&device.CreatedAt, &device.Available, &device.LastSeenAt)
	return translateError(err)
}

// GetDevice gets a device by id
func (s *PostgresStore) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	query := `
        SELECT id, created_at, updated_at, name, model, address, type, available, last_seen_at
        FROM devices
        WHERE id = $1`

	device := &models.Device{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.Name,
		&device.Model, &device.Address, &device.Type, &device.Available, &device.LastSeenAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return device, nil
}

// ListDevices lists all devices ordered by id
func (s *PostgresStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	query := `
        SELECT id, created_at, updated_at, name, model, address, type, available, last_seen_at
        FROM devices
        ORDER BY id`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		if err := rows.Scan(
			&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.Name,
			&device.Model, &device.Address, &device.Type, &device.Available, &device.LastSeenAt,
		); err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

// SetDeviceAvailability records the availability; last_seen_at advances only when available
func (s *PostgresStore) SetDeviceAvailability(ctx context.Context, id string, available bool, at time.Time) error {
	query := `
        UPDATE devices
        SET available = $2,
            last_seen_at = CASE WHEN $2 THEN $3 ELSE last_seen_at END,
            updated_at = $3
        WHERE id = $1`

	res, err := s.getDB().ExecContext(ctx, query, id, available, at)
	if err != nil {
		return translateError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ========== Property State Methods ==========

// SavePropertyStates upserts the last observed value of each property
func (s *PostgresStore) SavePropertyStates(ctx context.Context, deviceID string, values map[string]interface{}, at time.Time) error {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	encoded := make([]string, len(keys))
	for i, k := range keys {
		b, err := json.Marshal(values[k])
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidData, k, err)
		}
		encoded[i] = string(b)
	}

	query := `
        INSERT INTO property_states (device_id, key, value, updated_at)
        SELECT $1, t.key, t.value::jsonb, $4
        FROM unnest($2::text[], $3::text[]) AS t(key, value)
        ON CONFLICT (device_id, key) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = EXCLUDED.updated_at`

	_, err := s.getDB().ExecContext(ctx, query, deviceID, pq.Array(keys), pq.Array(encoded), at)
	return translateError(err)
}

// GetPropertyStates returns the stored values of a device ordered by key
func (s *PostgresStore) GetPropertyStates(ctx context.Context, deviceID string) ([]*models.PropertyState, error) {
	query := `
        SELECT device_id, key, value, updated_at
        FROM property_states
        WHERE device_id = $1
        ORDER BY key`

	rows, err := s.getDB().QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.PropertyState
	for rows.Next() {
		st := &models.PropertyState{}
		if err := rows.Scan(&st.DeviceID, &st.Key, &st.Value, &st.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

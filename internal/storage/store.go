package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mihome-bridge/mihome-bridge/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface. Only the last observed value of each
// property is kept.
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device methods
	UpsertDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	SetDeviceAvailability(ctx context.Context, id string, available bool, at time.Time) error

	// Property state methods
	SavePropertyStates(ctx context.Context, deviceID string, values map[string]interface{}, at time.Time) error
	GetPropertyStates(ctx context.Context, deviceID string) ([]*models.PropertyState, error)

	// Close the store
	Close() error
}

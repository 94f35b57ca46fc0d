package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Entity state
	SaveStates(states []EntityState) error
	LoadStates() ([]EntityState, error)

	// Device identity reported by the module
	SaveDeviceInfo(info *DeviceInfo) error
	GetDeviceInfo() (*DeviceInfo, error)

	// Presence history, ordered by time
	AppendPresence(ev PresenceEvent) error
	PresenceSince(since time.Time, limit int) ([]PresenceEvent, error)
	PrunePresence(before time.Time) (int, error)

	// Close the store
	Close() error
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package store

import "time"

// EntityState is the last published value of one entity.
// Value is nil when the entity is unknown.
type EntityState struct {
	Entity    string    `json:"entity"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceInfo identifies the radar module.
type DeviceInfo struct {
	Name      string    `json:"name"`
	ID        string    `json:"id"`
	Version   string    `json:"version,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PresenceEvent records a change of the overall target state.
type PresenceEvent struct {
	Time    time.Time `json:"time"`
	Present bool      `json:"present"`
}

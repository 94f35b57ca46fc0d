package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketStates   = []byte("states")
	bucketDevice   = []byte("device")
	bucketPresence = []byte("presence")
	keyDeviceInfo  = []byte("info")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketStates, bucketDevice, bucketPresence} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveStates writes all states in one transaction.
func (s *BoltStore) SaveStates(states []EntityState) error {
	if len(states) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStates)
		}
		for _, st := range states {
			data, err := json.Marshal(st)
			if err != nil {
				return fmt.Errorf("state %s: %w", st.Entity, err)
			}
			if err := b.Put([]byte(st.Entity), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadStates returns every stored state ordered by entity ID.
func (s *BoltStore) LoadStates() ([]EntityState, error) {
	var states []EntityState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStates)
		if b == nil {
			return nil
		}
		states = make([]EntityState, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var st EntityState
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("state %s: %w", k, err)
			}
			states = append(states, st)
			return nil
		})
	})
	return states, err
}

func (s *BoltStore) SaveDeviceInfo(info *DeviceInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevice)
		}
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return b.Put(keyDeviceInfo, data)
	})
}

func (s *BoltStore) GetDeviceInfo() (*DeviceInfo, error) {
	var info DeviceInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevice)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevice)
		}
		data := b.Get(keyDeviceInfo)
		if data == nil {
			return fmt.Errorf("device info: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// presenceKey orders events by time; bolt keys sort bytewise. Times before
// the epoch, the zero Time included, map to the first key.
func presenceKey(t time.Time) []byte {
	k := make([]byte, 8)
	if t.Before(time.Unix(0, 0)) {
		return k
	}
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	return k
}

func (s *BoltStore) AppendPresence(ev PresenceEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketPresence)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return b.Put(presenceKey(ev.Time), data)
	})
}

// PresenceSince returns events at or after since, oldest first.
// limit <= 0 means no limit.
func (s *BoltStore) PresenceSince(since time.Time, limit int) ([]PresenceEvent, error) {
	var events []PresenceEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(presenceKey(since)); k != nil; k, v = c.Next() {
			var ev PresenceEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}

// PrunePresence deletes events older than before and returns how many went.
func (s *BoltStore) PrunePresence(before time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPresence)
		if b == nil {
			return nil
		}
		end := presenceKey(before)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && string(k) < string(end); k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

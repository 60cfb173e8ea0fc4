// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket layout:
//
//	records/<entity>  record id (big-endian uint64) -> boltRecord JSON
//	mutations         mutation id (big-endian uint64) -> Mutation JSON
//	meta              "device_id" -> uuid
//
// Big-endian keys keep cursor iteration in id order, which is the FIFO
// drain order.
var (
	bucketRecords   = []byte("records")
	bucketMutations = []byte("mutations")
	bucketMeta      = []byte("meta")

	keyDeviceID = []byte("device_id")
)

// BoltStore is the key/value Store implementation on top of bbolt. It offers
// the same transactional write contract as SQLiteStore: the record write and
// the queue append commit together or not at all.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger

	mu       sync.RWMutex
	entities map[string]bool
}

type boltRecord struct {
	Data      json.RawMessage `json:"data"`
	Synced    bool            `json:"synced"`
	Deleted   bool            `json:"deleted"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// OpenBoltStore opens (creating if needed) a bbolt database at path.
func OpenBoltStore(path string, logger *slog.Logger) (*BoltStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketMutations, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{
		db:       db,
		logger:   logger,
		entities: make(map[string]bool),
	}, nil
}

// RegisterEntity creates the entity's record bucket and allows writes to it.
func (s *BoltStore) RegisterEntity(entity string) error {
	entity = strings.ToLower(entity)
	if !entityNameRe.MatchString(entity) {
		return fmt.Errorf("invalid entity name %q", entity)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.Bucket(bucketRecords).CreateBucketIfNotExists([]byte(entity))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create entity bucket %s: %w", entity, err)
	}
	s.mu.Lock()
	s.entities[entity] = true
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) entityBucket(entity string) (string, error) {
	entity = strings.ToLower(entity)
	s.mu.RLock()
	ok := s.entities[entity]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("entity %q is not registered", entity)
	}
	return entity, nil
}

// Write applies op to the record bucket and appends the mutation entry in a
// single bolt transaction.
func (s *BoltStore) Write(ctx context.Context, entity string, op Op, recordID int64, data json.RawMessage) (int64, error) {
	name, err := s.entityBucket(entity)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords).Bucket([]byte(name))
		now := time.Now().UTC()

		var payload json.RawMessage
		switch op {
		case OpCreate:
			if len(data) == 0 {
				return fmt.Errorf("create requires a payload")
			}
			seq, err := records.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to allocate record id: %w", err)
			}
			recordID = int64(seq)
			rec := boltRecord{Data: data, CreatedAt: now, UpdatedAt: now}
			if err := putJSON(records, itob(seq), rec); err != nil {
				return err
			}
			payload = data

		case OpUpdate:
			if len(data) == 0 {
				return fmt.Errorf("update requires a payload")
			}
			rec, err := getBoltRecord(records, recordID)
			if err != nil {
				return fmt.Errorf("record not found: %s/%d", name, recordID)
			}
			if rec.Deleted {
				return fmt.Errorf("record not found: %s/%d", name, recordID)
			}
			rec.Data = data
			rec.Synced = false
			rec.UpdatedAt = now
			if err := putJSON(records, itob(uint64(recordID)), rec); err != nil {
				return err
			}
			payload = data

		case OpDelete:
			rec, err := getBoltRecord(records, recordID)
			if err != nil || rec.Deleted {
				return fmt.Errorf("record not found: %s/%d", name, recordID)
			}
			rec.Deleted = true
			rec.Synced = false
			rec.UpdatedAt = now
			if err := putJSON(records, itob(uint64(recordID)), rec); err != nil {
				return err
			}
			payload = nil

		default:
			return fmt.Errorf("unsupported operation %q", op)
		}

		mutations := tx.Bucket(bucketMutations)
		seq, err := mutations.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate mutation id: %w", err)
		}
		m := Mutation{
			ID:        int64(seq),
			Entity:    name,
			RecordID:  recordID,
			Op:        op,
			Payload:   payload,
			CreatedAt: now,
		}
		return putJSON(mutations, itob(seq), m)
	})
	if err != nil {
		return 0, err
	}
	return recordID, nil
}

// Read returns the entity's records in id order.
func (s *BoltStore) Read(ctx context.Context, entity string, filter ReadFilter) ([]Record, error) {
	name, err := s.entityBucket(entity)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []Record
	err = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecords).Bucket([]byte(name))
		return bucket.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record: %w", err)
			}
			if rec.Deleted && !filter.IncludeDeleted {
				return nil
			}
			if filter.OnlyUnsynced && rec.Synced {
				return nil
			}
			records = append(records, Record{
				ID:        int64(binary.BigEndian.Uint64(k)),
				Entity:    name,
				Data:      rec.Data,
				Synced:    rec.Synced,
				Deleted:   rec.Deleted,
				CreatedAt: rec.CreatedAt,
				UpdatedAt: rec.UpdatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// DrainSnapshot returns the queue contents in FIFO order.
func (s *BoltStore) DrainSnapshot(ctx context.Context) ([]Mutation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var mutations []Mutation
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMutations).ForEach(func(k, v []byte) error {
			var m Mutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to decode mutation: %w", err)
			}
			mutations = append(mutations, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return mutations, nil
}

// RemoveMutation deletes a confirmed queue entry.
func (s *BoltStore) RemoveMutation(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMutations).Delete(itob(uint64(id)))
	})
}

// IncrementAttempts bumps the attempt counter of a queue entry.
func (s *BoltStore) IncrementAttempts(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMutations)
		v := bucket.Get(itob(uint64(id)))
		if v == nil {
			return fmt.Errorf("mutation not found: %d", id)
		}
		var m Mutation
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("failed to decode mutation: %w", err)
		}
		m.Attempts++
		return putJSON(bucket, itob(uint64(id)), m)
	})
}

// MarkSynced flips the record's synced flag.
func (s *BoltStore) MarkSynced(ctx context.Context, entity string, recordID int64) error {
	name, err := s.entityBucket(entity)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecords).Bucket([]byte(name))
		rec, err := getBoltRecord(bucket, recordID)
		if err != nil {
			return nil // record purged meanwhile, nothing to flip
		}
		rec.Synced = true
		rec.UpdatedAt = time.Now().UTC()
		return putJSON(bucket, itob(uint64(recordID)), rec)
	})
}

// PurgeTombstone physically removes a soft-deleted record.
func (s *BoltStore) PurgeTombstone(ctx context.Context, entity string, recordID int64) error {
	name, err := s.entityBucket(entity)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRecords).Bucket([]byte(name))
		rec, err := getBoltRecord(bucket, recordID)
		if err != nil || !rec.Deleted {
			return nil
		}
		return bucket.Delete(itob(uint64(recordID)))
	})
}

// EnsureDeviceID generates and persists a device ID if not already present.
func (s *BoltStore) EnsureDeviceID() (string, error) {
	var deviceID string
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyDeviceID); v != nil {
			deviceID = string(v)
			return nil
		}
		deviceID = uuid.New().String()
		return meta.Put(keyDeviceID, []byte(deviceID))
	})
	if err != nil {
		return "", fmt.Errorf("failed to ensure device id: %w", err)
	}
	return deviceID, nil
}

// Close closes the underlying bolt database.
func (s *BoltStore) Close() error { return s.db.Close() }

func getBoltRecord(bucket *bolt.Bucket, id int64) (*boltRecord, error) {
	v := bucket.Get(itob(uint64(id)))
	if v == nil {
		return nil, fmt.Errorf("record %d not found", id)
	}
	var rec boltRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

func putJSON(bucket *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return bucket.Put(key, data)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

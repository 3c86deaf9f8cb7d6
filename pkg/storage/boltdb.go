package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/ketrew/pkg/types"
)

var (
	bucketTargets  = []byte("targets")
	bucketCommands = []byte("commands")
)

// BoltStore implements Store on top of a single bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under
// dataDir and ensures both buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ketrew.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTargets, bucketCommands} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) CreateTarget(t *types.Target) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		if b.Get([]byte(t.ID)) != nil {
			return fmt.Errorf("storage: target %q already exists", t.ID)
		}
		return putTarget(b, t)
	})
}

func (s *BoltStore) GetTarget(id string) (*types.Target, error) {
	var target *types.Target
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		t, _, err := decodeTarget(data)
		if err != nil {
			return err
		}
		target = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return target, nil
}

func (s *BoltStore) ListAllTargets() ([]*types.Target, error) {
	var targets []*types.Target
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		return b.ForEach(func(k, v []byte) error {
			t, _, err := decodeTarget(v)
			if err != nil {
				return fmt.Errorf("storage: decode target %s: %w", k, err)
			}
			targets = append(targets, t)
			return nil
		})
	})
	return targets, err
}

func (s *BoltStore) CompareAndSwapTarget(t *types.Target, expectedHistoryLen int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		data := b.Get([]byte(t.ID))
		if data == nil {
			return ErrNotFound
		}
		current, _, err := decodeTarget(data)
		if err != nil {
			return err
		}
		if len(current.History) != expectedHistoryLen {
			return ErrConflict
		}
		return putTarget(b, t)
	})
}

// CompareAndSwapTargets writes every target in targets inside a single
// bbolt transaction, gating each on its own expected history length
// first: if any target's current history length has moved since the
// caller read it, the whole batch is rejected and nothing is written.
func (s *BoltStore) CompareAndSwapTargets(targets []*types.Target, expectedHistoryLens []int) error {
	if len(targets) != len(expectedHistoryLens) {
		return fmt.Errorf("storage: targets/expectedHistoryLens length mismatch (%d vs %d)", len(targets), len(expectedHistoryLens))
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTargets)
		for i, t := range targets {
			data := b.Get([]byte(t.ID))
			if data == nil {
				return ErrNotFound
			}
			current, _, err := decodeTarget(data)
			if err != nil {
				return err
			}
			if len(current.History) != expectedHistoryLens[i] {
				return ErrConflict
			}
		}
		for _, t := range targets {
			if err := putTarget(b, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func putTarget(b *bolt.Bucket, t *types.Target) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	env := envelope{Version: CurrentTargetVersion, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.Put([]byte(t.ID), data)
}

// decodeTarget unwraps the envelope and, when it was written under an
// older schema version, runs it through the migration chain before
// unmarshaling. migrated reports whether a migration actually ran, so
// callers that want to persist the upgraded record back can choose to.
func decodeTarget(data []byte) (t *types.Target, migrated bool, err error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("storage: decode envelope: %w", err)
	}

	// A version from the future means a newer ketrew wrote this database;
	// guessing at the payload shape could silently corrupt it, so refuse.
	if env.Version > CurrentTargetVersion {
		return nil, false, fmt.Errorf("storage: target record has schema version %d, newer than this build's %d", env.Version, CurrentTargetVersion)
	}

	payload := env.Payload
	if env.Version < CurrentTargetVersion {
		payload, err = migrateTargetPayload(env.Version, payload)
		if err != nil {
			return nil, false, fmt.Errorf("storage: migrate target: %w", err)
		}
		migrated = true
	}

	var target types.Target
	if err := json.Unmarshal(payload, &target); err != nil {
		return nil, false, fmt.Errorf("storage: decode target payload: %w", err)
	}
	return &target, migrated, nil
}

// AppendCommand keys each record by the bucket's next sequence number so
// DrainCommands hands commands back in submission order — a pause followed
// by a resume must never drain reversed.
func (s *BoltStore) AppendCommand(c *types.Command) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStore) DrainCommands() ([]*types.Command, error) {
	var commands []*types.Command
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var c types.Command
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("storage: decode command %s: %w", k, err)
			}
			commands = append(commands, &c)
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return commands, err
}

var _ Store = (*BoltStore)(nil)

// Package history keeps an append-only audit log of acquisition runs in
// bbolt. Tier state is never read from here: the filesystem is the source
// of truth for what a tier holds, history only records what happened.
package history

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/gftdcojp/dataset-tiered-cache/internal/types"
)

var (
	bucketSystem     = []byte("system")
	bucketDatasets   = []byte("datasets")
	keySchemaVersion = []byte("schema_version")
)

const currentSchemaVersion = 1

// RunRecord is the durable record of one acquisition run.
type RunRecord struct {
	Result     types.AcquisitionResult `json:"result"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
}

// Duration returns the wall time the run took.
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store is the run-history interface the orchestrator and API depend on.
type Store interface {
	Record(ctx context.Context, rec RunRecord) error
	LastRun(ctx context.Context, dataset string) (*RunRecord, error)
	ListRuns(ctx context.Context, dataset string, limit int) ([]RunRecord, error)
	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates the history database.
func NewBoltStore(path string, noSync bool, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second, NoSync: noSync})
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if sys.Get(keySchemaVersion) == nil {
			if err := sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion)); err != nil {
				return err
			}
		}
		_, err = tx.CreateBucketIfNotExists(bucketDatasets)
		return err
	})
}

// Record appends a run record under its dataset, keyed by finish time.
func (s *BoltStore) Record(_ context.Context, rec RunRecord) error {
	data, err := encodeRecord(&rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		datasets := tx.Bucket(bucketDatasets)
		db, err := datasets.CreateBucketIfNotExists([]byte(rec.Result.DatasetName))
		if err != nil {
			return err
		}
		return db.Put(uint64ToBytes(uint64(rec.FinishedAt.UnixNano())), data)
	})
}

// LastRun returns the most recent run for a dataset, or nil when none exists.
func (s *BoltStore) LastRun(_ context.Context, dataset string) (*RunRecord, error) {
	var rec *RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		db := tx.Bucket(bucketDatasets).Bucket([]byte(dataset))
		if db == nil {
			return nil
		}
		_, v := db.Cursor().Last()
		if v == nil {
			return nil
		}
		decoded, err := decodeRecord(v)
		if err != nil {
			return err
		}
		rec = decoded
		return nil
	})
	return rec, err
}

// ListRuns returns up to limit runs for a dataset, newest first.
// limit <= 0 returns all.
func (s *BoltStore) ListRuns(_ context.Context, dataset string, limit int) ([]RunRecord, error) {
	var out []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		db := tx.Bucket(bucketDatasets).Bucket([]byte(dataset))
		if db == nil {
			return nil
		}
		c := db.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, *rec)
		}
		return nil
	})
	return out, err
}

// Ping verifies the database is readable.
func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("history schema missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func encodeRecord(rec *RunRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*RunRecord, error) {
	var rec RunRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Package store provides the two bounded on-disk maps backing the pipeline:
// the live quote store (latest value per contract+field) and the retained
// raw-message store swept by a periodic retention cleanup.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"gammaflow/logger"
	"gammaflow/models"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("store: record not found")

	// ErrCapacityExceeded is returned when a write would push the store
	// past its configured size bound. The write is rejected, never
	// silently dropped; callers decide how to recover.
	ErrCapacityExceeded = errors.New("store: capacity exceeded")
)

const quotePrefix = "q|"

// QuoteStore persists the latest quote value per contract+field. Writes for
// a key are last-write-wins by timestamp: stale updates are ignored so the
// stored timestamp is monotonically non-decreasing per key.
type QuoteStore struct {
	db       *badger.DB
	maxBytes int64
	writeMu  sync.Mutex
	log      *logger.Log
}

// OpenQuoteStore opens (or creates) the quote store at path with the given
// size bound in bytes. An unreadable or corrupt store fails the open; the
// caller must treat that as fatal rather than run on bad data.
func OpenQuoteStore(path string, maxBytes int64) (*QuoteStore, error) {
	log := logger.GetLogger()

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening quote store: %w", err)
	}

	log.WithComponent("quote_store").WithFields(logger.Fields{
		"path":      path,
		"max_bytes": maxBytes,
	}).Info("quote store opened")

	return &QuoteStore{db: db, maxBytes: maxBytes, log: log}, nil
}

func quoteKey(contractID string, field models.Field) []byte {
	return []byte(quotePrefix + contractID + "|" + string(field))
}

// Put writes or overwrites the record for contractID+field. Updates older
// than the stored record are discarded without error.
func (s *QuoteStore) Put(contractID string, field models.Field, value float64, ts time.Time) error {
	if err := s.checkCapacity(); err != nil {
		return err
	}

	rec := models.QuoteRecord{
		ContractID: contractID,
		Field:      field,
		Value:      value,
		Timestamp:  ts,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal quote record: %w", err)
	}

	key := quoteKey(contractID, field)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var prev models.QuoteRecord
			if verr := item.Value(func(v []byte) error { return json.Unmarshal(v, &prev) }); verr == nil {
				if ts.Before(prev.Timestamp) {
					return nil // stale update, keep newer record
				}
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, val)
	})
}

// Get returns the latest record for contractID+field.
func (s *QuoteStore) Get(contractID string, field models.Field) (models.QuoteRecord, error) {
	var rec models.QuoteRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(quoteKey(contractID, field))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
	})
	if err != nil {
		return models.QuoteRecord{}, err
	}
	return rec, nil
}

// Scan walks all current records whose contract belongs to symbol, in key
// order, inside one read transaction so the sequence is snapshot consistent
// at call time. Returning false from fn stops the walk early; calling Scan
// again restarts it.
func (s *QuoteStore) Scan(symbol string, fn func(models.QuoteRecord) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(quotePrefix)); it.ValidForPrefix([]byte(quotePrefix)); it.Next() {
			var rec models.QuoteRecord
			err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
			if err != nil {
				return err
			}
			if models.UnderlyingOf(rec.ContractID) != symbol {
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying database.
func (s *QuoteStore) Close() error {
	s.log.WithComponent("quote_store").Info("closing quote store")
	return s.db.Close()
}

func (s *QuoteStore) checkCapacity() error {
	if s.maxBytes <= 0 {
		return nil
	}
	lsm, vlog := s.db.Size()
	if lsm+vlog >= s.maxBytes {
		return fmt.Errorf("%w: %d bytes used of %d", ErrCapacityExceeded, lsm+vlog, s.maxBytes)
	}
	return nil
}

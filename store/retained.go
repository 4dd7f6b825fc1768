package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"gammaflow/logger"
	"gammaflow/models"
)

const retainedPrefix = "r|"

// RetainedStore keeps raw inbound feed messages for a bounded retention
// window, keyed by arrival sequence. A periodic Cleanup pass is what holds
// the store under its size bound in steady state; entries older than the
// retention period are filtered on the read path as well, so an overdue
// sweep never leaks expired messages to a reader.
type RetainedStore struct {
	db        *badger.DB
	maxBytes  int64
	retention time.Duration

	seqMu sync.Mutex
	seq   uint64

	log *logger.Log
}

// OpenRetainedStore opens the retained-message store at path. The next
// append sequence resumes after the highest key already on disk.
func OpenRetainedStore(path string, maxBytes int64, retention time.Duration) (*RetainedStore, error) {
	log := logger.GetLogger()

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening retained store: %w", err)
	}

	s := &RetainedStore{db: db, maxBytes: maxBytes, retention: retention, log: log}
	if err := s.restoreSequence(); err != nil {
		db.Close()
		return nil, fmt.Errorf("restoring retained sequence: %w", err)
	}

	log.WithComponent("retained_store").WithFields(logger.Fields{
		"path":      path,
		"max_bytes": maxBytes,
		"retention": retention,
		"next_seq":  s.seq,
	}).Info("retained store opened")

	return s, nil
}

func retainedKey(seq uint64) []byte {
	key := make([]byte, len(retainedPrefix)+8)
	copy(key, retainedPrefix)
	binary.BigEndian.PutUint64(key[len(retainedPrefix):], seq)
	return key
}

func (s *RetainedStore) restoreSequence() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek to the end of the prefix range and take the last key.
		seekTo := append([]byte(retainedPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seekTo); it.ValidForPrefix([]byte(retainedPrefix)); {
			key := it.Item().Key()
			s.seq = binary.BigEndian.Uint64(key[len(retainedPrefix):]) + 1
			return nil
		}
		return nil
	})
}

// Append stores one raw message under the next arrival sequence.
func (s *RetainedStore) Append(msg models.RawFeedMessage) (uint64, error) {
	if err := s.checkCapacity(); err != nil {
		return 0, err
	}

	s.seqMu.Lock()
	seq := s.seq
	s.seq++
	s.seqMu.Unlock()

	rec := models.RetainedMessage{
		Sequence:  seq,
		Source:    msg.Source,
		Data:      msg.Data,
		Timestamp: msg.Timestamp,
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal retained message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(retainedKey(seq), val)
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Scan walks retained messages in arrival order, skipping entries already
// past the retention period regardless of whether Cleanup has removed them
// yet. Returning false from fn stops the walk.
func (s *RetainedStore) Scan(fn func(models.RetainedMessage) bool) error {
	cutoff := time.Now().Add(-s.retention)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(retainedPrefix)); it.ValidForPrefix([]byte(retainedPrefix)); it.Next() {
			var rec models.RetainedMessage
			err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
			if err != nil {
				return err
			}
			if rec.Timestamp.Before(cutoff) {
				continue
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// Cleanup deletes all messages older than the retention period and returns
// the number removed. Running it twice without intervening writes is a
// no-op the second time.
func (s *RetainedStore) Cleanup() (int, error) {
	cutoff := time.Now().Add(-s.retention)
	log := s.log.WithComponent("retained_store").WithFields(logger.Fields{"operation": "cleanup"})

	var expired [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(retainedPrefix)); it.ValidForPrefix([]byte(retainedPrefix)); it.Next() {
			var rec models.RetainedMessage
			err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) })
			if err != nil {
				return err
			}
			if !rec.Timestamp.Before(cutoff) {
				// Keys are in arrival order; once we hit a live entry
				// everything after it is newer still.
				return nil
			}
			expired = append(expired, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(expired) == 0 {
		return 0, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range expired {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	log.WithFields(logger.Fields{"removed": len(expired)}).Info("retention sweep complete")
	return len(expired), nil
}

// Close flushes and closes the underlying database.
func (s *RetainedStore) Close() error {
	s.log.WithComponent("retained_store").Info("closing retained store")
	return s.db.Close()
}

func (s *RetainedStore) checkCapacity() error {
	if s.maxBytes <= 0 {
		return nil
	}
	lsm, vlog := s.db.Size()
	if lsm+vlog >= s.maxBytes {
		return fmt.Errorf("%w: %d bytes used of %d", ErrCapacityExceeded, lsm+vlog, s.maxBytes)
	}
	return nil
}

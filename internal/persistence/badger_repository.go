package persistence

import (
	"binance-range-bot-go/internal/logger"
	"binance-range-bot-go/internal/models"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const saveRetries = 3

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db       *badger.DB
	stateKey []byte
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{
		db:       db,
		stateKey: []byte("bot_snapshot"),
	}, nil
}

// SaveSnapshot saves the snapshot under a single key, retrying on failure.
// Every attempt is verified by reading the value back and comparing it to
// what was written; a save is only reported successful after verification.
func (r *badgerRepository) SaveSnapshot(snapshot *models.Snapshot) error {
	snapshot.LastSaved = time.Now().UnixMilli()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
			logger.S().Warnf("retrying snapshot save, attempt %d/%d", attempt+1, saveRetries)
		}

		lastErr = r.db.Update(func(txn *badger.Txn) error {
			return txn.Set(r.stateKey, data)
		})
		if lastErr != nil {
			continue
		}

		lastErr = r.verify(data)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("snapshot save failed after %d attempts: %w", saveRetries, lastErr)
}

// verify reads the stored value back and checks it matches what was written.
func (r *badgerRepository) verify(expected []byte) error {
	return r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if !bytes.Equal(val, expected) {
				return errors.New("stored snapshot does not match written data")
			}
			var check models.Snapshot
			return json.Unmarshal(val, &check)
		})
	})
}

// LoadSnapshot loads the snapshot from storage.
// If the key is not found, it returns (nil, nil) to indicate no snapshot is present.
func (r *badgerRepository) LoadSnapshot() (*models.Snapshot, error) {
	var snapshot models.Snapshot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("snapshot value is empty in database")
			}
			return json.Unmarshal(val, &snapshot)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil // the expected "no snapshot found" case
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

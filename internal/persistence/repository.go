package persistence

import "binance-range-bot-go/internal/models"

// StateRepository defines the interface for snapshot persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type StateRepository interface {
	// SaveSnapshot atomically saves the entire bot snapshot and verifies
	// the write by reading it back before reporting success.
	SaveSnapshot(snapshot *models.Snapshot) error

	// LoadSnapshot loads the bot snapshot from storage.
	// If no snapshot is found, it returns (nil, nil).
	LoadSnapshot() (*models.Snapshot, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

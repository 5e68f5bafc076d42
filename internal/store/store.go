// Package store persists serialized crosswalk state between runs.
package store

import "context"

// Store is the persistence backend for crosswalk state.
type Store interface {
	// Save writes the serialized state, replacing any previous copy.
	Save(ctx context.Context, data []byte) error

	// Load reads the previously saved state. The boolean reports
	// whether any state existed.
	Load(ctx context.Context) ([]byte, bool, error)

	// Close releases any resources held by the store.
	Close() error
}

// Package store persists the run history of finished sessions
package store

import (
	"context"

	"scalper/internal/trading/book"
)

// MaxHistoryEntries bounds the retained run history
const MaxHistoryEntries = 50

// HistoryStore keeps run history entries, newest first
type HistoryStore interface {
	Append(ctx context.Context, entry book.RunHistoryEntry) error
	List(ctx context.Context) ([]book.RunHistoryEntry, error)
	Clear(ctx context.Context) error
	Close() error
}

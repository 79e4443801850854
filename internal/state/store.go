// Package state publishes which sessions are live, either in process or in
// Redis so that several relay instances can report a shared view.
package state

import (
	"context"
	"time"
)

// SessionRecord is what the directory knows about a session. The data key
// is never part of it.
type SessionRecord struct {
	ID        string    `json:"id"`
	Instance  string    `json:"instance"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the session directory. Announce and Withdraw are called from the
// relay event loop and must not block.
type Store interface {
	Announce(rec SessionRecord)
	Withdraw(id string)
	// Count returns the number of sessions visible to this store.
	Count(ctx context.Context) (int, error)
	// Lookup fetches the record for id, announced by any instance.
	Lookup(ctx context.Context, id string) (SessionRecord, bool, error)
	Close() error
}

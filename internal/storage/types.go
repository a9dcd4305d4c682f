package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Keep bounds how many records are retained. Defaults to 10000.
	Keep int
}

const defaultKeep = 10000

func (c Config) keep() int {
	if c.Keep <= 0 {
		return defaultKeep
	}
	return c.Keep
}

// Record is one journal entry.
// Keep it compact and schema-stable.
type Record struct {
	At      time.Time `json:"at"`
	Session string    `json:"session,omitempty"`
	Type    string    `json:"type"`
	Ident   uint64    `json:"ident,omitempty"`
	Title   string    `json:"title,omitempty"`
	Mode    string    `json:"mode,omitempty"`
	Error   string    `json:"error,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

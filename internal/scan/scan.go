// Package scan holds the barcode domain types shared by the store, the
// change listener and the WebSocket fan-out.
package scan

import (
	"time"

	"github.com/google/uuid"
)

// Record is one committed row of the barcodes table.
type Record struct {
	ID        uuid.UUID `json:"id" db:"id"`
	ScannedAt time.Time `json:"scanned_at" db:"scanned_at"`
	Barcode   string    `json:"barcode" db:"barcode"`
	Username  string    `json:"username" db:"username"`
}

// Deletion identifies one row removed from the barcodes table.
type Deletion struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

// Kind discriminates the variants of a ChangeEvent.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// ChangeEvent is a decoded notification. Exactly one of Rows or Deletions is
// meaningful, selected by Kind.
type ChangeEvent struct {
	Kind      Kind
	Rows      []Record
	Deletions []Deletion
}

// Insert builds an insert event.
func Insert(rows ...Record) ChangeEvent {
	return ChangeEvent{Kind: KindInsert, Rows: rows}
}

// Delete builds a delete event.
func Delete(deletions ...Deletion) ChangeEvent {
	return ChangeEvent{Kind: KindDelete, Deletions: deletions}
}
